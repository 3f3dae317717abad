package backtest

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"quantcore/internal/core"
	"quantcore/internal/events"
	"quantcore/internal/market"
	"quantcore/internal/strategy"
	"quantcore/pkg/db"
)

// minBarsBeyondWarmup is how many evaluable bars a run must have after the
// warmup prefix to be worth scoring.
const minBarsBeyondWarmup = 10

// maxWarmupShare caps the warmup prefix at this fraction of the fetched
// series so a short window still leaves bars to trade.
const maxWarmupShare = 0.3

// Engine replays historical candles through freshly built strategy
// instances. Live instances in the registry are never touched; each run
// clones the config and constructs its own strategy.
type Engine struct {
	registry *strategy.Registry
	candles  *market.CandleService
	queries  *db.Queries // nil disables persistence
	bus      *events.Bus // nil disables events
}

func NewEngine(registry *strategy.Registry, candles *market.CandleService, queries *db.Queries, bus *events.Bus) *Engine {
	return &Engine{
		registry: registry,
		candles:  candles,
		queries:  queries,
		bus:      bus,
	}
}

// Run executes one single-strategy backtest. Any strategy evaluation error
// aborts the run; there are no partial results.
func (e *Engine) Run(ctx context.Context, params Params) (*Result, error) {
	if err := validateWindow(params.StartTime, params.EndTime, params.InitialBalance); err != nil {
		return nil, err
	}
	live, err := e.registry.Get(params.StrategyID)
	if err != nil {
		return nil, err
	}
	cfg := cloneConfig(live.Config(), params.Overrides)
	inst, err := strategy.New(cfg)
	if err != nil {
		return nil, err
	}

	candles, err := e.candles.GetCandleRange(ctx, params.Symbol, params.Interval, params.StartTime, params.EndTime)
	if err != nil {
		return nil, err
	}
	warmupIdx, err := warmupIndex(len(candles), cfg.WarmupCandles)
	if err != nil {
		return nil, err
	}

	if err := inst.Initialize(mtfSlice(cfg, candles[:warmupIdx])); err != nil {
		return nil, err
	}

	tm := newTradeManager(params.InitialBalance, params.Leverage, params.SlippagePct, params.FeePct)
	for i := warmupIdx; i < len(candles); i++ {
		signals, err := inst.OnCandle(mtfSlice(cfg, candles[:i+1]))
		if err != nil {
			return nil, err
		}
		for _, sig := range signals {
			if sig.Symbol != params.Symbol {
				continue
			}
			tm.onSignal(sig, candles[i])
		}
		tm.afterCandle(candles[i])
	}
	tm.forceClose(candles[len(candles)-1])

	result := &Result{
		RunID:       uuid.NewString(),
		StrategyID:  params.StrategyID,
		Symbol:      params.Symbol,
		Interval:    params.Interval,
		Trades:      stampSymbol(tm.trades, params.Symbol),
		EquityCurve: sampleCurve(tm.curve),
	}
	result.Metrics = computeMetrics(params.InitialBalance, result.Trades, tm.curve, params.Interval)

	e.persist(ctx, params.StrategyID, params, result.RunID, result.Metrics, result.Trades, result.EquityCurve)
	e.publish(events.EventBacktestFinished, result)
	return result, nil
}

// RunPortfolio executes several strategies over one shared candle series.
// Capital is split by each strategy's configured allocation percentage,
// normalized across the participants.
func (e *Engine) RunPortfolio(ctx context.Context, params PortfolioParams) (*PortfolioResult, error) {
	if err := validateWindow(params.StartTime, params.EndTime, params.InitialBalance); err != nil {
		return nil, err
	}
	if len(params.StrategyIDs) == 0 {
		return nil, core.Validationf("at least one strategy required")
	}

	type participant struct {
		id   string
		cfg  *strategy.Config
		inst strategy.Strategy
		tm   *tradeManager
	}

	parts := make([]*participant, 0, len(params.StrategyIDs))
	var totalPct float64
	maxWarmup := 0
	for _, id := range params.StrategyIDs {
		live, err := e.registry.Get(id)
		if err != nil {
			return nil, err
		}
		cfg := cloneConfig(live.Config(), nil)
		inst, err := strategy.New(cfg)
		if err != nil {
			return nil, err
		}
		if cfg.WarmupCandles > maxWarmup {
			maxWarmup = cfg.WarmupCandles
		}
		totalPct += cfg.CapitalAllocationPercent
		parts = append(parts, &participant{id: id, cfg: cfg, inst: inst})
	}
	if totalPct <= 0 {
		return nil, core.Validationf("strategies have no capital allocation")
	}

	candles, err := e.candles.GetCandleRange(ctx, params.Symbol, params.Interval, params.StartTime, params.EndTime)
	if err != nil {
		return nil, err
	}
	warmupIdx, err := warmupIndex(len(candles), maxWarmup)
	if err != nil {
		return nil, err
	}

	for _, p := range parts {
		if err := p.inst.Initialize(mtfSlice(p.cfg, candles[:warmupIdx])); err != nil {
			return nil, err
		}
		share := params.InitialBalance * p.cfg.CapitalAllocationPercent / totalPct
		p.tm = newTradeManager(share, params.Leverage, params.SlippagePct, params.FeePct)
	}

	for i := warmupIdx; i < len(candles); i++ {
		for _, p := range parts {
			signals, err := p.inst.OnCandle(mtfSlice(p.cfg, candles[:i+1]))
			if err != nil {
				return nil, err
			}
			for _, sig := range signals {
				if sig.Symbol != params.Symbol {
					continue
				}
				p.tm.onSignal(sig, candles[i])
			}
			p.tm.afterCandle(candles[i])
		}
	}
	last := candles[len(candles)-1]
	for _, p := range parts {
		p.tm.forceClose(last)
	}

	combined := make([]EquityPoint, len(parts[0].tm.curve))
	for i := range combined {
		combined[i].Timestamp = parts[0].tm.curve[i].Timestamp
		for _, p := range parts {
			combined[i].Equity += p.tm.curve[i].Equity
		}
	}

	result := &PortfolioResult{
		RunID:       uuid.NewString(),
		Symbol:      params.Symbol,
		Interval:    params.Interval,
		EquityCurve: sampleCurve(combined),
	}
	var allTrades []Trade
	for _, p := range parts {
		trades := stampSymbol(p.tm.trades, params.Symbol)
		share := params.InitialBalance * p.cfg.CapitalAllocationPercent / totalPct
		result.Strategies = append(result.Strategies, StrategyResult{
			StrategyID:     p.id,
			InitialBalance: share,
			Metrics:        computeMetrics(share, trades, p.tm.curve, params.Interval),
			Trades:         trades,
		})
		allTrades = append(allTrades, trades...)
	}
	result.Metrics = computeMetrics(params.InitialBalance, allTrades, combined, params.Interval)

	runParams := Params{
		Symbol:         params.Symbol,
		Interval:       params.Interval,
		StartTime:      params.StartTime,
		EndTime:        params.EndTime,
		InitialBalance: params.InitialBalance,
		Leverage:       params.Leverage,
	}
	e.persist(ctx, strings.Join(params.StrategyIDs, ","), runParams, result.RunID, result.Metrics, allTrades, result.EquityCurve)
	e.publish(events.EventBacktestFinished, result)
	return result, nil
}

func validateWindow(start, end int64, balance float64) error {
	if end <= start {
		return core.Validationf("end time %d must be after start time %d", end, start)
	}
	if balance <= 0 {
		return core.Validationf("initial balance must be positive")
	}
	return nil
}

// warmupIndex places the boundary between warmup history and evaluated
// bars, requiring enough bars past the boundary to score the run.
func warmupIndex(total, warmup int) (int, error) {
	if total < warmup+minBarsBeyondWarmup {
		return 0, core.InsufficientDataf("need at least %d candles, got %d", warmup+minBarsBeyondWarmup, total)
	}
	capped := int(float64(total) * maxWarmupShare)
	if warmup > capped {
		warmup = capped
	}
	return warmup, nil
}

// cloneConfig copies the live config and applies overrides, but only for
// parameter keys the strategy already declares.
func cloneConfig(src *strategy.Config, overrides map[string]float64) *strategy.Config {
	cfg := *src
	cfg.Timeframes = append([]string(nil), src.Timeframes...)
	cfg.Symbols = append([]string(nil), src.Symbols...)
	cfg.Params = make(map[string]float64, len(src.Params))
	for k, v := range src.Params {
		cfg.Params[k] = v
	}
	for k, v := range overrides {
		if _, ok := cfg.Params[k]; ok {
			cfg.Params[k] = v
		}
	}
	return &cfg
}

// mtfSlice presents the same series under every timeframe the strategy
// declares. Higher-timeframe candles are not resampled here; the strategy
// sees its primary series in each slot.
func mtfSlice(cfg *strategy.Config, candles []market.Candle) strategy.MultiTimeframeCandles {
	mtf := make(strategy.MultiTimeframeCandles, len(cfg.Timeframes))
	for _, tf := range cfg.Timeframes {
		mtf[tf] = candles
	}
	return mtf
}

func stampSymbol(trades []Trade, symbol string) []Trade {
	out := append([]Trade(nil), trades...)
	for i := range out {
		out[i].Symbol = symbol
	}
	return out
}

// persist stores the finished run. Persistence failures are logged, never
// propagated; the in-memory result is already complete.
func (e *Engine) persist(ctx context.Context, strategyID string, params Params, runID string, m Metrics, trades []Trade, curve []EquityPoint) {
	if e.queries == nil {
		return
	}
	payload := struct {
		Metrics     Metrics       `json:"metrics"`
		EquityCurve []EquityPoint `json:"equity_curve"`
	}{Metrics: m, EquityCurve: curve}
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[backtest] marshal metrics for run %s: %v", runID, err)
		return
	}
	run := db.BacktestRun{
		ID:             runID,
		StrategyID:     strategyID,
		Symbol:         params.Symbol,
		Interval:       params.Interval,
		StartTime:      params.StartTime,
		EndTime:        params.EndTime,
		InitialBalance: params.InitialBalance,
		Leverage:       params.Leverage,
		FinalEquity:    m.FinalEquity,
		MetricsJSON:    string(raw),
		CreatedAt:      time.Now().UTC(),
	}
	rows := make([]db.BacktestTrade, 0, len(trades))
	for _, t := range trades {
		rows = append(rows, db.BacktestTrade{
			RunID:      runID,
			Symbol:     t.Symbol,
			Side:       t.Side,
			EntryTime:  t.EntryTime,
			ExitTime:   t.ExitTime,
			EntryPrice: t.EntryPrice,
			ExitPrice:  t.ExitPrice,
			Quantity:   t.Quantity,
			Pnl:        t.Pnl,
			ExitReason: t.ExitReason,
		})
	}
	if err := e.queries.InsertBacktestRun(ctx, run, rows); err != nil {
		log.Printf("[backtest] persist run %s: %v", runID, err)
	}
}

func (e *Engine) publish(event events.Event, payload any) {
	if e.bus != nil {
		e.bus.Publish(event, payload)
	}
}
