package backtest

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"

	"quantcore/internal/core"
	"quantcore/internal/events"
	"quantcore/internal/market"
	"quantcore/internal/strategy"
	"quantcore/pkg/db"
)

const hourMs = int64(3_600_000)

// stubClient serves a fixed candle series through the market.Client
// surface. Only GetCandles is implemented; the embedded interface panics
// on anything else, which no backtest path should reach.
type stubClient struct {
	market.Client
	candles []market.Candle
}

func (c *stubClient) GetCandles(_ context.Context, _, _ string, limit int, start, end int64) ([]market.Candle, error) {
	var out []market.Candle
	for _, k := range c.candles {
		if start != 0 && k.Timestamp < start {
			continue
		}
		if end != 0 && k.Timestamp > end {
			continue
		}
		out = append(out, k)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func candleSeries(closes []float64, start int64) []market.Candle {
	out := make([]market.Candle, len(closes))
	for i, c := range closes {
		out[i] = market.Candle{
			Timestamp: start + int64(i)*hourMs,
			Open:      c,
			High:      c,
			Low:       c,
			Close:     c,
			Volume:    1000,
			Confirmed: true,
		}
	}
	return out
}

func flatSeries(n int, price float64, start int64) []market.Candle {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = price
	}
	return candleSeries(closes, start)
}

func meanRevConfig(id string, allocPct float64) *strategy.Config {
	return &strategy.Config{
		ID:                       id,
		Name:                     id,
		Category:                 strategy.CategoryMeanReversion,
		Timeframes:               []string{"60"},
		PrimaryTimeframe:         "60",
		Symbols:                  []string{"BTCUSDT"},
		MaxLeverage:              3,
		CapitalAllocationPercent: allocPct,
		WarmupCandles:            20,
		Params:                   map[string]float64{"bb_period": 20, "bb_std": 2.0},
	}
}

func newTestEngine(t *testing.T, candles []market.Candle, cfgs ...*strategy.Config) *Engine {
	t.Helper()
	reg := strategy.NewRegistry()
	for _, cfg := range cfgs {
		s, err := strategy.New(cfg)
		if err != nil {
			t.Fatalf("Failed to build strategy %s: %v", cfg.ID, err)
		}
		reg.Register(s)
	}
	svc := market.NewCandleService(&stubClient{candles: candles})
	return NewEngine(reg, svc, nil, events.NewBus())
}

// reversionSeries is a flat base with one dip deep enough to trip the
// mean reversion entry, followed by a recovery that trips the exit.
func reversionSeries() []market.Candle {
	closes := make([]float64, 0, 70)
	for i := 0; i < 60; i++ {
		closes = append(closes, 100)
	}
	closes = append(closes, 80, 100)
	for i := 0; i < 8; i++ {
		closes = append(closes, 100)
	}
	return candleSeries(closes, hourMs)
}

func runParams(strategyID string, candles []market.Candle) Params {
	return Params{
		StrategyID:     strategyID,
		Symbol:         "BTCUSDT",
		Interval:       "60",
		StartTime:      candles[0].Timestamp,
		EndTime:        candles[len(candles)-1].Timestamp,
		InitialBalance: 10_000,
		Leverage:       2,
	}
}

func TestRunUnknownStrategy(t *testing.T) {
	e := newTestEngine(t, flatSeries(100, 100, hourMs), meanRevConfig("meanrev-test", 30))

	_, err := e.Run(context.Background(), runParams("no-such-strategy", flatSeries(100, 100, hourMs)))
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("Expected not-found error, got %v", err)
	}
}

func TestRunInsufficientData(t *testing.T) {
	candles := flatSeries(25, 100, hourMs) // warmup 20 + 10 required
	e := newTestEngine(t, candles, meanRevConfig("meanrev-test", 30))

	_, err := e.Run(context.Background(), runParams("meanrev-test", candles))
	if !errors.Is(err, core.ErrInsufficientData) {
		t.Fatalf("Expected insufficient-data error, got %v", err)
	}
}

func TestRunEquityUntouchedWithoutSignals(t *testing.T) {
	candles := flatSeries(100, 100, hourMs)
	e := newTestEngine(t, candles, meanRevConfig("meanrev-test", 30))

	res, err := e.Run(context.Background(), runParams("meanrev-test", candles))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Metrics.TradeCount != 0 {
		t.Fatalf("Expected no trades on a flat series, got %d", res.Metrics.TradeCount)
	}
	if res.Metrics.FinalEquity != 10_000 {
		t.Fatalf("Expected final equity 10000, got %f", res.Metrics.FinalEquity)
	}
	for _, p := range res.EquityCurve {
		if p.Equity != 10_000 {
			t.Fatalf("Equity moved without trades: %f at %d", p.Equity, p.Timestamp)
		}
	}
	if res.Metrics.Sharpe != 0 || res.Metrics.Sortino != 0 {
		t.Fatalf("Expected zero risk ratios on a flat curve, got sharpe=%f sortino=%f", res.Metrics.Sharpe, res.Metrics.Sortino)
	}
	if res.Metrics.MaxDrawdownPct != 0 {
		t.Fatalf("Expected zero drawdown, got %f", res.Metrics.MaxDrawdownPct)
	}
}

func TestRunDeterminism(t *testing.T) {
	candles := reversionSeries()
	e := newTestEngine(t, candles, meanRevConfig("meanrev-test", 30))

	first, err := e.Run(context.Background(), runParams("meanrev-test", candles))
	if err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	second, err := e.Run(context.Background(), runParams("meanrev-test", candles))
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}

	if first.Metrics.TradeCount == 0 {
		t.Fatal("Series should have produced at least one trade")
	}
	second.RunID = first.RunID
	if !reflect.DeepEqual(first, second) {
		t.Fatal("Identical inputs produced different results")
	}
}

func TestRunTradeRoundTrip(t *testing.T) {
	candles := reversionSeries()
	e := newTestEngine(t, candles, meanRevConfig("meanrev-test", 30))

	res, err := e.Run(context.Background(), runParams("meanrev-test", candles))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("Expected exactly one trade, got %d", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.Side != "LONG" {
		t.Fatalf("Expected a long entry at the dip, got %s", tr.Side)
	}
	if tr.EntryPrice != 80 || tr.ExitPrice != 100 {
		t.Fatalf("Expected 80 -> 100 round trip, got %f -> %f", tr.EntryPrice, tr.ExitPrice)
	}
	if tr.Symbol != "BTCUSDT" {
		t.Fatalf("Trade missing symbol: %q", tr.Symbol)
	}
	if tr.Pnl <= 0 {
		t.Fatalf("Expected a winning trade, got pnl %f", tr.Pnl)
	}
	if res.Metrics.FinalEquity <= 10_000 {
		t.Fatalf("Winning trade should grow equity, got %f", res.Metrics.FinalEquity)
	}
}

func TestRunParameterOverrides(t *testing.T) {
	candles := reversionSeries()
	e := newTestEngine(t, candles, meanRevConfig("meanrev-test", 30))

	// Widening the bands far enough suppresses the entry entirely.
	params := runParams("meanrev-test", candles)
	params.Overrides = map[string]float64{"bb_std": 50, "not_a_knob": 1}

	res, err := e.Run(context.Background(), params)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Metrics.TradeCount != 0 {
		t.Fatalf("Override should have suppressed the entry, got %d trades", res.Metrics.TradeCount)
	}
}

func TestRunDoesNotMutateLiveStrategy(t *testing.T) {
	candles := reversionSeries()
	reg := strategy.NewRegistry()
	cfg := meanRevConfig("meanrev-test", 30)
	live, err := strategy.New(cfg)
	if err != nil {
		t.Fatalf("Failed to build strategy: %v", err)
	}
	reg.Register(live)
	svc := market.NewCandleService(&stubClient{candles: candles})
	e := NewEngine(reg, svc, nil, nil)

	if _, err := e.Run(context.Background(), runParams("meanrev-test", candles)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	state := live.GetState()
	if state.Status != strategy.StatusIdle {
		t.Fatalf("Live strategy status changed to %s", state.Status)
	}
	if state.Metrics.SignalsEmitted != 0 {
		t.Fatalf("Live strategy recorded %d signals from a backtest", state.Metrics.SignalsEmitted)
	}
}

func TestRunPersistsResult(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	candles := reversionSeries()
	reg := strategy.NewRegistry()
	s, err := strategy.New(meanRevConfig("meanrev-test", 30))
	if err != nil {
		t.Fatalf("Failed to build strategy: %v", err)
	}
	reg.Register(s)
	svc := market.NewCandleService(&stubClient{candles: candles})
	e := NewEngine(reg, svc, database.Queries(), nil)

	res, err := e.Run(context.Background(), runParams("meanrev-test", candles))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	stored, err := database.Queries().GetBacktestRun(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("Run was not persisted: %v", err)
	}
	if stored.StrategyID != "meanrev-test" || stored.FinalEquity != res.Metrics.FinalEquity {
		t.Fatalf("Stored run does not match result: %+v", stored)
	}
	trades, err := database.Queries().GetBacktestTrades(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("Failed to load trades: %v", err)
	}
	if len(trades) != len(res.Trades) {
		t.Fatalf("Expected %d stored trades, got %d", len(res.Trades), len(trades))
	}
}

func TestRunPortfolioSplitsCapital(t *testing.T) {
	candles := reversionSeries()
	e := newTestEngine(t, candles,
		meanRevConfig("meanrev-a", 30),
		meanRevConfig("meanrev-b", 10),
	)

	res, err := e.RunPortfolio(context.Background(), PortfolioParams{
		StrategyIDs:    []string{"meanrev-a", "meanrev-b"},
		Symbol:         "BTCUSDT",
		Interval:       "60",
		StartTime:      candles[0].Timestamp,
		EndTime:        candles[len(candles)-1].Timestamp,
		InitialBalance: 10_000,
		Leverage:       1,
	})
	if err != nil {
		t.Fatalf("Portfolio run failed: %v", err)
	}
	if len(res.Strategies) != 2 {
		t.Fatalf("Expected 2 strategy slices, got %d", len(res.Strategies))
	}
	if res.Strategies[0].InitialBalance != 7_500 || res.Strategies[1].InitialBalance != 2_500 {
		t.Fatalf("Capital split wrong: %f / %f", res.Strategies[0].InitialBalance, res.Strategies[1].InitialBalance)
	}
	sum := res.Strategies[0].Metrics.FinalEquity + res.Strategies[1].Metrics.FinalEquity
	if math.Abs(res.Metrics.FinalEquity-sum) > 1e-9 {
		t.Fatalf("Combined equity %f does not sum the slices %f", res.Metrics.FinalEquity, sum)
	}
}

func TestRunPortfolioRejectsEmpty(t *testing.T) {
	e := newTestEngine(t, flatSeries(100, 100, hourMs))
	_, err := e.RunPortfolio(context.Background(), PortfolioParams{
		Symbol:         "BTCUSDT",
		Interval:       "60",
		StartTime:      hourMs,
		EndTime:        hourMs * 100,
		InitialBalance: 10_000,
	})
	if !errors.Is(err, core.ErrValidation) {
		t.Fatalf("Expected a validation error, got %v", err)
	}
}
