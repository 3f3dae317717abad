// Package executor drives registered strategies with closed candles, one
// runner set per account. Accounts are isolated: a faulty strategy on one
// account never stops dispatch for its siblings or for other accounts.
package executor

import (
	"context"
	"log"
	"sync"

	"quantcore/internal/events"
	"quantcore/internal/market"
	"quantcore/internal/strategy"
)

// extraBuffer is kept beyond each strategy's warmup requirement so indicator
// windows never starve right at the warmup boundary.
const extraBuffer = 50

// SignalHandler consumes the signals a dispatch cycle produced. The executor
// does not size or place orders itself.
type SignalHandler interface {
	HandleSignals(ctx context.Context, accountID string, strat strategy.Strategy, signals []strategy.Signal)
}

// seriesKey addresses one symbol's candle series on one timeframe.
type seriesKey struct {
	symbol   string
	interval string
}

// runner pairs one strategy instance with its candle buffers. Buffers are
// kept per (symbol, timeframe) so universe symbols never interleave in one
// series.
type runner struct {
	strat   strategy.Strategy
	paused  bool
	buffers map[seriesKey][]market.Candle

	// rolling open-interest observations for funding carry runners
	oiHistory []float64
}

func newRunner(s strategy.Strategy) *runner {
	cfg := s.Config()
	buffers := make(map[seriesKey][]market.Candle, len(cfg.Timeframes)*len(cfg.Symbols))
	for _, tf := range cfg.Timeframes {
		for _, symbol := range cfg.Symbols {
			buffers[seriesKey{symbol, tf}] = nil
		}
	}
	return &runner{strat: s, buffers: buffers}
}

// capacity bounds each series buffer.
func (r *runner) capacity() int {
	return r.strat.Config().WarmupCandles + extraBuffer
}

// referenceSymbol is the series a strategy's snapshot reads. Multi-symbol
// strategies currently score from their first universe symbol; see the
// per-symbol plumbing note on strategy.CrossMomentum.
func (r *runner) referenceSymbol() string {
	symbols := r.strat.Config().Symbols
	if len(symbols) == 0 {
		return ""
	}
	return symbols[0]
}

func (r *runner) push(symbol, interval string, c market.Candle) {
	key := seriesKey{symbol, interval}
	buf, ok := r.buffers[key]
	if !ok {
		return
	}
	buf = append(buf, c)
	if limit := r.capacity(); len(buf) > limit {
		buf = append(buf[:0], buf[len(buf)-limit:]...)
	}
	r.buffers[key] = buf
}

// snapshot copies the reference symbol's series per timeframe so a strategy
// cannot observe later mutation.
func (r *runner) snapshot() strategy.MultiTimeframeCandles {
	cfg := r.strat.Config()
	ref := r.referenceSymbol()
	mtf := make(strategy.MultiTimeframeCandles, len(cfg.Timeframes))
	for _, tf := range cfg.Timeframes {
		mtf[tf] = append([]market.Candle(nil), r.buffers[seriesKey{ref, tf}]...)
	}
	return mtf
}

// account owns one account's runner set. Its mutex serializes candle
// dispatch, initialization, and pause toggles for that account.
type account struct {
	mu          sync.Mutex
	id          string
	client      market.Client
	runners     map[string]*runner
	initialized bool
}

// Executor fans confirmed candles out to every account's runner set.
type Executor struct {
	mu       sync.RWMutex
	accounts map[string]*account

	handler SignalHandler
	bus     *events.Bus
}

func New(handler SignalHandler, bus *events.Bus) *Executor {
	return &Executor{
		accounts: make(map[string]*account),
		handler:  handler,
		bus:      bus,
	}
}

// RegisterAccount adds an account with its own strategy instances. Instances
// must not be shared across accounts: each carries per-account state.
func (e *Executor) RegisterAccount(accountID string, client market.Client, strats []strategy.Strategy) {
	runners := make(map[string]*runner, len(strats))
	for _, s := range strats {
		runners[s.Config().ID] = newRunner(s)
	}

	e.mu.Lock()
	e.accounts[accountID] = &account{
		id:      accountID,
		client:  client,
		runners: runners,
	}
	e.mu.Unlock()
}

func (e *Executor) account(accountID string) *account {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.accounts[accountID]
}

// AccountIDs returns every registered account.
func (e *Executor) AccountIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.accounts))
	for id := range e.accounts {
		out = append(out, id)
	}
	return out
}

// Initialize fetches warmup history for every runner and initializes its
// strategy. Runs at most once per account; a repeat call warns and no-ops.
func (e *Executor) Initialize(ctx context.Context, accountID string) error {
	acct := e.account(accountID)
	if acct == nil {
		return nil
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	if acct.initialized {
		log.Printf("executor: account %s already initialized, skipping", accountID)
		return nil
	}

	for id, r := range acct.runners {
		cfg := r.strat.Config()
		for _, tf := range cfg.Timeframes {
			for _, symbol := range cfg.Symbols {
				candles, err := acct.client.GetCandles(ctx, symbol, tf, cfg.WarmupCandles+extraBuffer, 0, 0)
				if err != nil {
					log.Printf("executor: warmup fetch %s %s/%s for %s: %v", accountID, symbol, tf, id, err)
					continue
				}
				for _, c := range candles {
					if c.Confirmed {
						r.push(symbol, tf, c)
					}
				}
			}
		}
		if err := r.strat.Initialize(r.snapshot()); err != nil {
			log.Printf("executor: initialize strategy %s on %s: %v", id, accountID, err)
		}
	}

	acct.initialized = true
	return nil
}

// OnCandle appends a confirmed candle to every matching runner buffer across
// all accounts, then dispatches the runners whose primary timeframe and
// reference symbol match. Unconfirmed candles are ignored.
func (e *Executor) OnCandle(ctx context.Context, symbol, interval string, candle market.Candle) {
	if !candle.Confirmed {
		return
	}

	e.mu.RLock()
	accounts := make([]*account, 0, len(e.accounts))
	for _, a := range e.accounts {
		accounts = append(accounts, a)
	}
	e.mu.RUnlock()

	for _, acct := range accounts {
		e.dispatchAccount(ctx, acct, symbol, interval, candle)
	}
}

func (e *Executor) dispatchAccount(ctx context.Context, acct *account, symbol, interval string, candle market.Candle) {
	acct.mu.Lock()
	defer acct.mu.Unlock()

	for id, r := range acct.runners {
		cfg := r.strat.Config()
		if !cfg.HasSymbol(symbol) {
			continue
		}
		r.push(symbol, interval, candle)

		// Evaluation ticks off the reference symbol's primary bar so one
		// timestamp never dispatches the same runner twice.
		if cfg.PrimaryTimeframe != interval || symbol != r.referenceSymbol() || r.paused {
			continue
		}
		signals := e.evaluate(acct.id, id, r)
		if len(signals) == 0 {
			continue
		}
		if e.bus != nil {
			e.bus.Publish(events.EventStrategySignal, events.AccountEvent{
				AccountID: acct.id,
				Type:      string(events.EventStrategySignal),
				Payload:   signals,
			})
		}
		if e.handler != nil {
			e.handler.HandleSignals(ctx, acct.id, r.strat, signals)
		}
	}
}

// evaluate runs one strategy with panic and error isolation.
func (e *Executor) evaluate(accountID, strategyID string, r *runner) []strategy.Signal {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("executor: strategy %s on %s panicked: %v", strategyID, accountID, rec)
		}
	}()

	signals, err := r.strat.OnCandle(r.snapshot())
	if err != nil {
		log.Printf("executor: strategy %s on %s: %v", strategyID, accountID, err)
		return nil
	}
	return signals
}

// RefreshFundingData pushes fresh funding-rate history and open interest to
// every funding carry runner on the account. Fetch failures leave the
// strategy on its previous data.
func (e *Executor) RefreshFundingData(ctx context.Context, accountID string) {
	acct := e.account(accountID)
	if acct == nil {
		return
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	for id, r := range acct.runners {
		fc, ok := r.strat.(*strategy.FundingCarry)
		if !ok {
			continue
		}
		symbol := fc.Config().Symbols[0]
		rates, err := acct.client.GetFundingRateHistory(ctx, symbol, 200)
		if err != nil {
			log.Printf("executor: funding history %s for %s: %v", symbol, id, err)
			continue
		}
		oi, err := acct.client.GetOpenInterest(ctx, symbol)
		if err != nil {
			log.Printf("executor: open interest %s for %s: %v", symbol, id, err)
			continue
		}
		r.oiHistory = append(r.oiHistory, oi.Value)
		if len(r.oiHistory) > extraBuffer {
			r.oiHistory = append(r.oiHistory[:0], r.oiHistory[len(r.oiHistory)-extraBuffer:]...)
		}
		fc.UpdateFundingData(rates, r.oiHistory)
	}
}

// Pause marks the (account, strategy) runner paused. Idempotent; reports
// whether the runner exists.
func (e *Executor) Pause(accountID, strategyID string) bool {
	return e.setPaused(accountID, strategyID, true)
}

// Resume clears the paused mark. Idempotent; reports whether the runner
// exists.
func (e *Executor) Resume(accountID, strategyID string) bool {
	return e.setPaused(accountID, strategyID, false)
}

func (e *Executor) setPaused(accountID, strategyID string, paused bool) bool {
	acct := e.account(accountID)
	if acct == nil {
		return false
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	r, ok := acct.runners[strategyID]
	if !ok {
		return false
	}
	r.paused = paused
	if paused {
		r.strat.Pause()
	} else {
		r.strat.Resume()
	}
	return true
}

// RunningStrategies lists the IDs of runners currently eligible for
// dispatch on the account.
func (e *Executor) RunningStrategies(accountID string) []string {
	acct := e.account(accountID)
	if acct == nil {
		return nil
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	out := make([]string, 0, len(acct.runners))
	for id, r := range acct.runners {
		if !r.paused && r.strat.GetState().Status == strategy.StatusRunning {
			out = append(out, id)
		}
	}
	return out
}

// Strategy returns the live instance for (account, strategy), if any.
func (e *Executor) Strategy(accountID, strategyID string) (strategy.Strategy, bool) {
	acct := e.account(accountID)
	if acct == nil {
		return nil, false
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	r, ok := acct.runners[strategyID]
	if !ok {
		return nil, false
	}
	return r.strat, true
}

// Status snapshots every runner's state for the account.
func (e *Executor) Status(accountID string) map[string]strategy.State {
	acct := e.account(accountID)
	if acct == nil {
		return nil
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	out := make(map[string]strategy.State, len(acct.runners))
	for id, r := range acct.runners {
		out[id] = r.strat.GetState()
	}
	return out
}
