package db

import (
	"context"
	"errors"
	"testing"
)

func setupDB(t *testing.T) *Queries {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database.Queries()
}

func TestBacktestRunRoundTrip(t *testing.T) {
	q := setupDB(t)
	ctx := context.Background()

	run := BacktestRun{
		ID:             "run-1",
		StrategyID:     "trend-btc-1h",
		Symbol:         "BTCUSDT",
		Interval:       "60",
		StartTime:      1700000000000,
		EndTime:        1700360000000,
		InitialBalance: 10000,
		Leverage:       2,
		FinalEquity:    10850,
		MetricsJSON:    `{"total_return":850}`,
	}
	trades := []BacktestTrade{
		{Symbol: "BTCUSDT", Side: "LONG", EntryTime: 1700010000000, ExitTime: 1700020000000,
			EntryPrice: 50000, ExitPrice: 51000, Quantity: 0.4, Pnl: 400, ExitReason: "take_profit"},
		{Symbol: "BTCUSDT", Side: "SHORT", EntryTime: 1700030000000, ExitTime: 1700040000000,
			EntryPrice: 51000, ExitPrice: 50500, Quantity: 0.4, Pnl: 200, ExitReason: "signal"},
	}

	if err := q.InsertBacktestRun(ctx, run, trades); err != nil {
		t.Fatalf("InsertBacktestRun: %v", err)
	}

	got, err := q.GetBacktestRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetBacktestRun: %v", err)
	}
	if got.StrategyID != run.StrategyID || got.FinalEquity != run.FinalEquity {
		t.Fatalf("run mismatch: %+v", got)
	}

	gotTrades, err := q.GetBacktestTrades(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetBacktestTrades: %v", err)
	}
	if len(gotTrades) != 2 {
		t.Fatalf("got %d trades, want 2", len(gotTrades))
	}
	if gotTrades[0].Side != "LONG" || gotTrades[1].Pnl != 200 {
		t.Fatalf("trades out of order or corrupted: %+v", gotTrades)
	}

	runs, err := q.ListBacktestRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListBacktestRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
}

func TestGetBacktestRunNotFound(t *testing.T) {
	q := setupDB(t)
	_, err := q.GetBacktestRun(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPeakEquityRestore(t *testing.T) {
	q := setupDB(t)
	ctx := context.Background()

	if _, err := q.LatestPeakEquity(ctx, "acct-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty history, got %v", err)
	}

	snapshots := []EquitySnapshot{
		{AccountID: "acct-1", Equity: 10000, PeakEquity: 10000, DrawdownPct: 0},
		{AccountID: "acct-1", Equity: 10500, PeakEquity: 10500, DrawdownPct: 0},
		{AccountID: "acct-1", Equity: 9800, PeakEquity: 10500, DrawdownPct: 6.67},
		{AccountID: "acct-2", Equity: 5000, PeakEquity: 5000, DrawdownPct: 0},
	}
	for _, s := range snapshots {
		if err := q.InsertEquitySnapshot(ctx, s); err != nil {
			t.Fatalf("InsertEquitySnapshot: %v", err)
		}
	}

	peak, err := q.LatestPeakEquity(ctx, "acct-1")
	if err != nil {
		t.Fatalf("LatestPeakEquity: %v", err)
	}
	if peak != 10500 {
		t.Fatalf("peak = %.2f, want 10500", peak)
	}
}

func TestStrategyPerformanceAccumulates(t *testing.T) {
	q := setupDB(t)
	ctx := context.Background()

	results := []float64{120, -80, 50}
	for _, pnl := range results {
		if err := q.RecordStrategyTrade(ctx, "acct-1", "trend-btc-1h", pnl); err != nil {
			t.Fatalf("RecordStrategyTrade: %v", err)
		}
	}
	if err := q.UpdateStrategyDrawdown(ctx, "acct-1", "trend-btc-1h", 12.5); err != nil {
		t.Fatalf("UpdateStrategyDrawdown: %v", err)
	}
	// A lower drawdown must not overwrite a higher recorded one.
	if err := q.UpdateStrategyDrawdown(ctx, "acct-1", "trend-btc-1h", 4.0); err != nil {
		t.Fatalf("UpdateStrategyDrawdown: %v", err)
	}

	records, err := q.GetStrategyPerformance(ctx, "acct-1")
	if err != nil {
		t.Fatalf("GetStrategyPerformance: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	r := records[0]
	if r.Wins != 2 || r.Losses != 1 {
		t.Fatalf("wins/losses = %d/%d, want 2/1", r.Wins, r.Losses)
	}
	if r.TotalPnl != 90 {
		t.Fatalf("total pnl = %.2f, want 90", r.TotalPnl)
	}
	if r.MaxDrawdownPct != 12.5 {
		t.Fatalf("max drawdown = %.2f, want 12.5", r.MaxDrawdownPct)
	}
}
