package main

import (
	"context"
	"log"
	"time"

	"quantcore/internal/backtest"
	"quantcore/internal/events"
	"quantcore/internal/market"
	"quantcore/internal/strategy"
)

// backtest_demo replays the deterministic simulator through the mean
// reversion strategy and prints the resulting metrics. It does not touch
// the exchange or database.
//
// Usage (from the module root):
//   go run ./scripts/backtest_demo

func main() {
	log.Println("=== backtest demo starting ===")

	cfg := &strategy.Config{
		ID:                       "meanrev-demo",
		Name:                     "Mean Reversion Demo",
		Category:                 strategy.CategoryMeanReversion,
		Timeframes:               []string{"60"},
		PrimaryTimeframe:         "60",
		Symbols:                  []string{"BTCUSDT"},
		MaxLeverage:              2,
		CapitalAllocationPercent: 40,
		WarmupCandles:            50,
	}
	strat, err := strategy.New(cfg)
	if err != nil {
		log.Fatalf("build strategy: %v", err)
	}
	registry := strategy.NewRegistry()
	registry.Register(strat)

	client := market.NewSimClient(7, 50_000, 10_000)
	engine := backtest.NewEngine(registry, market.NewCandleService(client), nil, events.NewBus())

	end := time.Now().UnixMilli()
	start := end - 90*24*int64(time.Hour/time.Millisecond)

	result, err := engine.Run(context.Background(), backtest.Params{
		StrategyID:     "meanrev-demo",
		Symbol:         "BTCUSDT",
		Interval:       "60",
		StartTime:      start,
		EndTime:        end,
		InitialBalance: 10_000,
		Leverage:       2,
		SlippagePct:    0.0005,
		FeePct:         0.0004,
	})
	if err != nil {
		log.Fatalf("run backtest: %v", err)
	}

	m := result.Metrics
	log.Printf("run %s finished", result.RunID)
	log.Printf("  trades:       %d (%d wins / %d losses)", m.TradeCount, m.Wins, m.Losses)
	log.Printf("  total return: %.2f (%.2f%%)", m.TotalReturn, m.TotalReturnPct)
	log.Printf("  max drawdown: %.2f%%", m.MaxDrawdownPct)
	log.Printf("  sharpe:       %.3f  sortino: %.3f", m.Sharpe, m.Sortino)
	log.Printf("  final equity: %.2f", m.FinalEquity)
	log.Println("=== backtest demo done ===")
}
