package main

import (
	"context"
	"log"
	"testing"
	"time"

	"quantcore/internal/breaker"
	"quantcore/internal/events"
	"quantcore/internal/executor"
	"quantcore/internal/market"
	"quantcore/internal/persistence"
	"quantcore/internal/portfolio"
	"quantcore/internal/signalproc"
	"quantcore/internal/strategy"
	"quantcore/pkg/db"
)

// TestFullWorkflow drives the whole pipeline end to end: candles through
// the executor, signals through the processor, realized pnl into the
// portfolio manager, and the breaker watching over all of it.
func TestFullWorkflow(t *testing.T) {
	log.Println("🧪 Starting full workflow test...")

	ctx := context.Background()

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	log.Println("✅ Database initialized")

	cfg := &strategy.Config{
		ID:                       "meanrev-int",
		Name:                     "Mean Reversion Integration",
		Category:                 strategy.CategoryMeanReversion,
		Timeframes:               []string{"60"},
		PrimaryTimeframe:         "60",
		Symbols:                  []string{"BTCUSDT"},
		MaxLeverage:              2,
		CapitalAllocationPercent: 40,
		WarmupCandles:            20,
	}
	strat, err := strategy.New(cfg)
	if err != nil {
		t.Fatalf("Failed to build strategy: %v", err)
	}

	bus := events.NewBus()
	client := market.NewSimClient(7, 50_000, 10_000)
	writer := persistence.NewWriter(database.DB, 10, 50*time.Millisecond)
	defer writer.Close()

	router := &delayedHandler{}
	exec := executor.New(router, bus)
	pf := portfolio.NewManager(exec, database.Queries(), writer, bus, time.Minute)
	processor := signalproc.New(pf, bus)
	router.target = processor

	exec.RegisterAccount("acct-int", client, []strategy.Strategy{strat})
	processor.RegisterAccount("acct-int", client, 3)
	pf.RegisterAccount(ctx, "acct-int", client)

	if err := exec.Initialize(ctx, "acct-int"); err != nil {
		t.Fatalf("Executor initialize failed: %v", err)
	}
	log.Println("✅ Executor initialized")

	t.Run("CandleDispatch", func(t *testing.T) {
		candles, err := client.GetCandles(ctx, "BTCUSDT", "60", 30, 0, 0)
		if err != nil {
			t.Fatalf("Sim candles failed: %v", err)
		}
		for _, c := range candles {
			exec.OnCandle(ctx, "BTCUSDT", "60", c)
		}
		states := exec.Status("acct-int")
		if states == nil {
			t.Fatal("Account status missing after dispatch")
		}
		if states["meanrev-int"].Status == strategy.StatusIdle {
			t.Fatalf("Strategy never left idle: %+v", states["meanrev-int"])
		}
		log.Println("✅ Candle dispatch")
	})

	t.Run("PortfolioSummary", func(t *testing.T) {
		summary, err := pf.GetPortfolioSummary(ctx, "acct-int")
		if err != nil {
			t.Fatalf("Portfolio summary failed: %v", err)
		}
		if summary.TotalEquity <= 0 {
			t.Fatalf("Expected positive equity, got %f", summary.TotalEquity)
		}
		log.Printf("✅ Portfolio summary: equity %.2f", summary.TotalEquity)
	})

	t.Run("RealizedPnlPersists", func(t *testing.T) {
		pf.RecordTradePnl("acct-int", "meanrev-int", 42)
		if err := writer.Flush(); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
		rows, err := database.Queries().GetStrategyPerformance(ctx, "acct-int")
		if err != nil {
			t.Fatalf("Performance query failed: %v", err)
		}
		if len(rows) != 1 || rows[0].TotalPnl != 42 {
			t.Fatalf("Performance row wrong: %+v", rows)
		}
		if got := pf.RealizedPnlToday("acct-int"); got != 42 {
			t.Fatalf("Daily counter wrong: %f", got)
		}
		log.Println("✅ Realized pnl persisted")
	})

	t.Run("BreakerPauseAndForceResume", func(t *testing.T) {
		brk := breaker.New(breaker.DefaultConfig(), exec, pf, nil)
		brk.Evaluate(ctx, "acct-int")

		status := brk.Status("acct-int")
		if status.PortfolioTriggered {
			t.Fatalf("Breaker tripped on a healthy account: %+v", status)
		}
		if brk.ForceResume("acct-int") {
			t.Fatal("ForceResume must report false when not triggered")
		}
		log.Println("✅ Breaker evaluation")
	})
}

// delayedHandler lets the executor be built before the processor exists.
type delayedHandler struct {
	target *signalproc.Processor
}

func (h *delayedHandler) HandleSignals(ctx context.Context, accountID string, strat strategy.Strategy, signals []strategy.Signal) {
	if h.target != nil {
		h.target.HandleSignals(ctx, accountID, strat, signals)
	}
}
