package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"quantcore/internal/api"
	"quantcore/internal/backtest"
	"quantcore/internal/breaker"
	"quantcore/internal/events"
	"quantcore/internal/executor"
	"quantcore/internal/market"
	"quantcore/internal/notify"
	"quantcore/internal/persistence"
	"quantcore/internal/portfolio"
	"quantcore/internal/signalproc"
	"quantcore/internal/strategy"
	"quantcore/pkg/bybit"
	"quantcore/pkg/config"
	"quantcore/pkg/db"
)

const version = "1.0.0"

// signalRouter forwards executor signals to the processor once wiring is
// complete. It is never called before main finishes construction.
type signalRouter struct {
	target *signalproc.Processor
}

func (r *signalRouter) HandleSignals(ctx context.Context, accountID string, strat strategy.Strategy, signals []strategy.Signal) {
	if r.target != nil {
		r.target.HandleSignals(ctx, accountID, strat, signals)
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}

	fileConfigs, err := strategy.LoadConfigs(cfg.StrategiesFile)
	if err != nil {
		log.Fatalf("load strategies: %v", err)
	}
	if err := strategy.SyncConfigToDB(database.DB, fileConfigs); err != nil {
		log.Fatalf("sync strategies to db: %v", err)
	}

	// Registry instances serve status queries and backtests; the executor
	// gets its own instances so live state never leaks into either.
	registry := strategy.NewRegistry()
	for _, fc := range fileConfigs {
		if !fc.Enabled {
			continue
		}
		strat, err := strategy.New(fc.ToConfig())
		if err != nil {
			log.Fatalf("build strategy %s: %v", fc.ID, err)
		}
		registry.Register(strat)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := buildClient(ctx, cfg)
	bus := events.NewBus()
	notifier := notify.New(bus, notify.LogSink{})
	writer := persistence.NewWriter(database.DB, 50, 500*time.Millisecond)

	// Wiring order: the executor needs a signal handler, the processor needs
	// the portfolio manager, and the manager reads runner state from the
	// executor. The router breaks the cycle.
	router := &signalRouter{}
	exec := executor.New(router, bus)
	pf := portfolio.NewManager(exec, database.Queries(), writer, bus, cfg.EquitySnapshotEvery)
	processor := signalproc.New(pf, bus)
	router.target = processor

	accountStrats := make([]strategy.Strategy, 0, len(fileConfigs))
	for _, fc := range fileConfigs {
		if !fc.Enabled {
			continue
		}
		strat, err := strategy.New(fc.ToConfig())
		if err != nil {
			log.Fatalf("build strategy %s: %v", fc.ID, err)
		}
		accountStrats = append(accountStrats, strat)
	}
	exec.RegisterAccount(cfg.AccountID, client, accountStrats)
	processor.RegisterAccount(cfg.AccountID, client, cfg.AccountLeverageCap)
	pf.RegisterAccount(ctx, cfg.AccountID, client)

	if err := exec.Initialize(ctx, cfg.AccountID); err != nil {
		log.Fatalf("initialize executor: %v", err)
	}

	brk := breaker.New(breaker.Config{
		PortfolioDrawdownPct: cfg.PortfolioDrawdownPct,
		StrategyDrawdownPct:  cfg.StrategyDrawdownPct,
		AutoResumePct:        cfg.AutoResumePct,
		SweepInterval:        cfg.BreakerSweepInterval,
	}, exec, pf, notifier)

	candleSvc := market.NewCandleService(client)
	bt := backtest.NewEngine(registry, candleSvc, database.Queries(), bus)

	venue := "bybit"
	if cfg.UseSimClient {
		venue = "sim"
	}
	server := api.NewServer(bus, database.Queries(), registry, exec, pf, brk, bt, api.SystemMeta{
		AccountID: cfg.AccountID,
		Venue:     venue,
		SimMode:   cfg.UseSimClient,
		Version:   version,
	})

	pf.Start()
	brk.Start()
	go feedCandles(ctx, exec, client, cfg, accountStrats)
	go refreshFunding(ctx, exec, cfg)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Router,
	}
	go func() {
		log.Printf("listening on :%s (venue=%s account=%s)", cfg.Port, venue, cfg.AccountID)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")

	// Phase one: stop producing new work.
	brk.Stop()
	pf.Stop()

	// Phase two: drain in-flight requests and buffered writes.
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDrainTimeout)
	defer cancel()
	if err := httpServer.Shutdown(drainCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if err := writer.Close(); err != nil {
		log.Printf("flush writer: %v", err)
	}
	log.Println("shutdown complete")
}

// buildClient picks the exchange collaborator: the deterministic simulator
// for local runs, the Bybit client otherwise. Live clients are throttled
// below the venue limit.
func buildClient(ctx context.Context, cfg *config.Config) market.Client {
	if cfg.UseSimClient {
		return market.NewSimClient(cfg.SimSeed, cfg.SimStartPrice, cfg.SimEquity)
	}
	client := bybit.NewClient(bybit.Config{
		APIKey:    cfg.BybitAPIKey,
		APISecret: cfg.BybitAPISecret,
		Testnet:   cfg.BybitTestnet,
	})
	client.StartTimeSync(ctx)
	return market.Throttle(client, 8, 16)
}

// feedCandles polls the venue for fresh bars on every (symbol, timeframe)
// pair the strategies declared, deduplicates by open time, and hands
// confirmed bars to the executor.
func feedCandles(ctx context.Context, exec *executor.Executor, client market.Client, cfg *config.Config, strats []strategy.Strategy) {
	type pair struct{ symbol, interval string }
	pairs := make(map[pair]struct{})
	for _, s := range strats {
		for _, sym := range s.Config().Symbols {
			for _, tf := range s.Config().Timeframes {
				pairs[pair{sym, tf}] = struct{}{}
			}
		}
	}

	lastSeen := make(map[pair]int64)
	ticker := time.NewTicker(cfg.CandlePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for p := range pairs {
			candles, err := client.GetCandles(ctx, p.symbol, p.interval, 2, 0, 0)
			if err != nil {
				log.Printf("poll %s %s: %v", p.symbol, p.interval, err)
				continue
			}
			for _, c := range candles {
				if !c.Confirmed || c.Timestamp <= lastSeen[p] {
					continue
				}
				lastSeen[p] = c.Timestamp
				exec.OnCandle(ctx, p.symbol, p.interval, c)
			}
		}
	}
}

// refreshFunding periodically feeds funding rate history and open interest
// to the carry runners.
func refreshFunding(ctx context.Context, exec *executor.Executor, cfg *config.Config) {
	ticker := time.NewTicker(cfg.FundingRefreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			exec.RefreshFundingData(ctx, cfg.AccountID)
		}
	}
}
