package portfolio

import (
	"context"
	"errors"
	"testing"
	"time"

	"quantcore/internal/core"
	"quantcore/internal/market"
	"quantcore/internal/persistence"
	"quantcore/internal/strategy"
	"quantcore/pkg/db"
)

// fakeClient controls the exchange view the manager sees. Unimplemented
// methods panic via the embedded nil interface.
type fakeClient struct {
	market.Client
	equity    float64
	equityErr error
	balance   market.Balance
	positions []market.Position
}

func (c *fakeClient) GetTotalEquity(context.Context) (float64, error) {
	if c.equityErr != nil {
		return 0, c.equityErr
	}
	return c.equity, nil
}

func (c *fakeClient) GetBalances(context.Context) (market.Balance, error) {
	return c.balance, nil
}

func (c *fakeClient) GetPositions(context.Context) ([]market.Position, error) {
	return c.positions, nil
}

// fakeRunners returns canned strategy states for attribution tests.
type fakeRunners struct {
	states map[string]strategy.State
	strats map[string]strategy.Strategy
}

func (f *fakeRunners) Status(string) map[string]strategy.State {
	return f.states
}

func (f *fakeRunners) Strategy(_, id string) (strategy.Strategy, bool) {
	s, ok := f.strats[id]
	return s, ok
}

func TestPeakEquityRatchet(t *testing.T) {
	client := &fakeClient{equity: 10000}
	m := NewManager(nil, nil, nil, nil, time.Minute)
	ctx := context.Background()
	m.RegisterAccount(ctx, "acct-1", client)

	s, err := m.GetPortfolioSummary(ctx, "acct-1")
	if err != nil {
		t.Fatalf("GetPortfolioSummary: %v", err)
	}
	if s.PeakEquity != 10000 || s.DrawdownPct != 0 {
		t.Fatalf("peak=%.2f drawdown=%.2f, want 10000/0", s.PeakEquity, s.DrawdownPct)
	}

	client.equity = 12000
	s, _ = m.GetPortfolioSummary(ctx, "acct-1")
	if s.PeakEquity != 12000 {
		t.Fatalf("peak did not ratchet up: %.2f", s.PeakEquity)
	}

	client.equity = 9000
	s, _ = m.GetPortfolioSummary(ctx, "acct-1")
	if s.PeakEquity != 12000 {
		t.Fatalf("peak moved down: %.2f", s.PeakEquity)
	}
	if s.DrawdownPct != 25 {
		t.Fatalf("drawdown = %.2f, want 25", s.DrawdownPct)
	}
}

func TestDailyPnlResetsAtUTCDateChange(t *testing.T) {
	clock := time.Date(2024, 3, 1, 23, 50, 0, 0, time.UTC)
	m := NewManager(nil, nil, nil, nil, time.Minute)
	m.now = func() time.Time { return clock }

	ctx := context.Background()
	m.RegisterAccount(ctx, "acct-1", &fakeClient{equity: 10000})

	m.RecordTradePnl("acct-1", "trend-btc-1h", 150)
	m.RecordTradePnl("acct-1", "trend-btc-1h", -40)
	if got := m.RealizedPnlToday("acct-1"); got != 110 {
		t.Fatalf("realized today = %.2f, want 110", got)
	}

	// Cross UTC midnight: the counter resets.
	clock = clock.Add(20 * time.Minute)
	if got := m.RealizedPnlToday("acct-1"); got != 0 {
		t.Fatalf("realized today after date change = %.2f, want 0", got)
	}

	m.RecordTradePnl("acct-1", "trend-btc-1h", 25)
	if got := m.RealizedPnlToday("acct-1"); got != 25 {
		t.Fatalf("realized today = %.2f, want 25", got)
	}
}

func TestPositionAttribution(t *testing.T) {
	client := &fakeClient{
		equity: 10000,
		positions: []market.Position{
			{Symbol: "BTCUSDT", Side: "LONG", Quantity: 0.1, UnrealizedPnl: 120},
			{Symbol: "ETHUSDT", Side: "SHORT", Quantity: 1, UnrealizedPnl: -30},
		},
	}
	trend, err := strategy.New(&strategy.Config{
		ID:                       "trend-btc",
		Category:                 strategy.CategoryTrendFollowing,
		Timeframes:               []string{"60"},
		PrimaryTimeframe:         "60",
		Symbols:                  []string{"BTCUSDT"},
		CapitalAllocationPercent: 40,
		WarmupCandles:            10,
	})
	if err != nil {
		t.Fatalf("strategy.New: %v", err)
	}
	runners := &fakeRunners{
		states: map[string]strategy.State{
			"trend-btc": {Status: strategy.StatusRunning, ActivePositions: []string{"BTCUSDT"}},
		},
		strats: map[string]strategy.Strategy{"trend-btc": trend},
	}

	m := NewManager(runners, nil, nil, nil, time.Minute)
	ctx := context.Background()
	m.RegisterAccount(ctx, "acct-1", client)

	s, err := m.GetPortfolioSummary(ctx, "acct-1")
	if err != nil {
		t.Fatalf("GetPortfolioSummary: %v", err)
	}

	alloc, ok := s.Allocations["trend-btc"]
	if !ok {
		t.Fatal("missing allocation for trend-btc")
	}
	if alloc.PositionCount != 1 || alloc.UnrealizedPnl != 120 {
		t.Fatalf("allocation = %+v, want BTCUSDT attributed", alloc)
	}
	if alloc.AllocatedCapital != 4000 {
		t.Fatalf("allocated capital = %.2f, want 4000", alloc.AllocatedCapital)
	}
	if len(s.Unattributed) != 1 || s.Unattributed[0] != "ETHUSDT" {
		t.Fatalf("unattributed = %v, want [ETHUSDT]", s.Unattributed)
	}
}

func TestRecordTradePnlPersistsAsynchronously(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	writer := persistence.NewWriter(database.DB, 50, time.Hour)
	defer writer.Close()

	m := NewManager(nil, database.Queries(), writer, nil, time.Minute)
	ctx := context.Background()
	m.RegisterAccount(ctx, "acct-1", &fakeClient{equity: 10000})

	m.RecordTradePnl("acct-1", "carry-btc-8h", 75)
	m.RecordTradePnl("acct-1", "carry-btc-8h", -25)

	// The synchronous counter is immediate even before any flush.
	if got := m.RealizedPnlToday("acct-1"); got != 50 {
		t.Fatalf("realized today = %.2f, want 50", got)
	}

	if err := writer.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	records, err := database.Queries().GetStrategyPerformance(ctx, "acct-1")
	if err != nil {
		t.Fatalf("GetStrategyPerformance: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].Wins != 1 || records[0].Losses != 1 || records[0].TotalPnl != 50 {
		t.Fatalf("record = %+v", records[0])
	}
}

func TestStrategyDrawdownTracksRealizedLosses(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	writer := persistence.NewWriter(database.DB, 50, time.Hour)
	defer writer.Close()

	m := NewManager(nil, database.Queries(), writer, nil, time.Minute)
	ctx := context.Background()
	m.RegisterAccount(ctx, "acct-1", &fakeClient{equity: 10000})

	// Ten losing trades give back half the account.
	for i := 0; i < 10; i++ {
		m.RecordTradePnl("acct-1", "meanrev-eth-1h", -500)
	}

	dds, err := m.StrategyDrawdowns(ctx, "acct-1")
	if err != nil {
		t.Fatalf("StrategyDrawdowns: %v", err)
	}
	if got := dds["meanrev-eth-1h"]; got != 50 {
		t.Fatalf("strategy drawdown = %.2f, want 50", got)
	}

	// Recovering trades pull the current reading back down; only the
	// ratcheted max survives.
	m.RecordTradePnl("acct-1", "meanrev-eth-1h", 4500)
	dds, _ = m.StrategyDrawdowns(ctx, "acct-1")
	if got := dds["meanrev-eth-1h"]; got != 5 {
		t.Fatalf("strategy drawdown after recovery = %.2f, want 5", got)
	}

	if err := writer.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	m.snapshotAccount(ctx, "acct-1")
	records, err := database.Queries().GetStrategyPerformance(ctx, "acct-1")
	if err != nil {
		t.Fatalf("GetStrategyPerformance: %v", err)
	}
	if len(records) != 1 || records[0].MaxDrawdownPct != 50 {
		t.Fatalf("persisted records = %+v, want max drawdown 50", records)
	}
}

func TestStrategyDrawdownUsesAllocationBase(t *testing.T) {
	meanrev, err := strategy.New(&strategy.Config{
		ID:                       "meanrev-eth-1h",
		Category:                 strategy.CategoryMeanReversion,
		Timeframes:               []string{"60"},
		PrimaryTimeframe:         "60",
		Symbols:                  []string{"ETHUSDT"},
		CapitalAllocationPercent: 20,
		WarmupCandles:            10,
	})
	if err != nil {
		t.Fatalf("strategy.New: %v", err)
	}
	runners := &fakeRunners{
		states: map[string]strategy.State{"meanrev-eth-1h": {Status: strategy.StatusRunning}},
		strats: map[string]strategy.Strategy{"meanrev-eth-1h": meanrev},
	}

	m := NewManager(runners, nil, nil, nil, time.Minute)
	ctx := context.Background()
	m.RegisterAccount(ctx, "acct-1", &fakeClient{equity: 10000})

	// 400 lost out of a 2000 allocation slice is a 20% drawdown.
	m.RecordTradePnl("acct-1", "meanrev-eth-1h", -400)
	dds, err := m.StrategyDrawdowns(ctx, "acct-1")
	if err != nil {
		t.Fatalf("StrategyDrawdowns: %v", err)
	}
	if got := dds["meanrev-eth-1h"]; got != 20 {
		t.Fatalf("strategy drawdown = %.2f, want 20 against the allocated slice", got)
	}
}

func TestCurrentDrawdownExchangeError(t *testing.T) {
	client := &fakeClient{equity: 10000}
	m := NewManager(nil, nil, nil, nil, time.Minute)
	ctx := context.Background()
	m.RegisterAccount(ctx, "acct-1", client)

	if _, err := m.CurrentDrawdown(ctx, "acct-1"); err != nil {
		t.Fatalf("CurrentDrawdown: %v", err)
	}

	client.equityErr = errors.New("venue unreachable")
	_, err := m.CurrentDrawdown(ctx, "acct-1")
	if !errors.Is(err, core.ErrExchange) {
		t.Fatalf("error %v is not ErrExchange", err)
	}

	// Previous state survives the failed fetch.
	client.equityErr = nil
	client.equity = 8000
	dd, err := m.CurrentDrawdown(ctx, "acct-1")
	if err != nil {
		t.Fatalf("CurrentDrawdown after recovery: %v", err)
	}
	if dd != 20 {
		t.Fatalf("drawdown = %.2f, want 20", dd)
	}
}
