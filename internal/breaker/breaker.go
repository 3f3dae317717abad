// Package breaker halts trading when drawdown crosses its thresholds. Two
// independent levels exist per account: a portfolio-wide halt and per
// strategy halts. Auto-resume uses a strictly lower threshold than the
// trigger so the automaton cannot flap near the boundary.
package breaker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"quantcore/internal/events"
	"quantcore/internal/notify"
)

// Reason records which level halted a strategy.
type Reason string

const (
	ReasonPortfolio Reason = "portfolio"
	ReasonStrategy  Reason = "strategy"
)

// Config carries the breaker thresholds, all in percent of peak equity.
type Config struct {
	PortfolioDrawdownPct float64
	StrategyDrawdownPct  float64
	AutoResumePct        float64
	SweepInterval        time.Duration
}

// DefaultConfig returns the standard 25/15/10 thresholds with a 30s sweep.
func DefaultConfig() Config {
	return Config{
		PortfolioDrawdownPct: 25,
		StrategyDrawdownPct:  15,
		AutoResumePct:        10,
		SweepInterval:        30 * time.Second,
	}
}

// ExecutorControl is the slice of the executor the breaker drives.
type ExecutorControl interface {
	Pause(accountID, strategyID string) bool
	Resume(accountID, strategyID string) bool
	RunningStrategies(accountID string) []string
	AccountIDs() []string
}

// PortfolioSource supplies drawdown readings.
type PortfolioSource interface {
	CurrentDrawdown(ctx context.Context, accountID string) (float64, error)
	StrategyDrawdowns(ctx context.Context, accountID string) (map[string]float64, error)
}

// HaltRecord describes one halted strategy.
type HaltRecord struct {
	StrategyID  string    `json:"strategy_id"`
	Reason      Reason    `json:"reason"`
	DrawdownPct float64   `json:"drawdown_pct"`
	HaltedAt    time.Time `json:"halted_at"`
}

// Status is the externally visible breaker state for one account.
type Status struct {
	AccountID          string                `json:"account_id"`
	PortfolioTriggered bool                  `json:"portfolio_triggered"`
	LastDrawdownPct    float64               `json:"last_drawdown_pct"`
	Halted             map[string]HaltRecord `json:"halted"`
}

// accountBreaker is one account's automaton state.
type accountBreaker struct {
	mu                 sync.Mutex
	portfolioTriggered bool
	lastDrawdown       float64
	halted             map[string]HaltRecord
}

// Breaker owns every account's automaton and the periodic sweep.
type Breaker struct {
	cfg       Config
	executor  ExecutorControl
	portfolio PortfolioSource
	notifier  *notify.Notifier

	mu       sync.Mutex
	accounts map[string]*accountBreaker

	done chan struct{}
	wg   sync.WaitGroup
}

func New(cfg Config, exec ExecutorControl, portfolio PortfolioSource, notifier *notify.Notifier) *Breaker {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	return &Breaker{
		cfg:       cfg,
		executor:  exec,
		portfolio: portfolio,
		notifier:  notifier,
		accounts:  make(map[string]*accountBreaker),
		done:      make(chan struct{}),
	}
}

func (b *Breaker) account(accountID string) *accountBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.accounts[accountID]
	if !ok {
		state = &accountBreaker{halted: make(map[string]HaltRecord)}
		b.accounts[accountID] = state
	}
	return state
}

// Evaluate runs one breaker tick for the account. A failed drawdown fetch
// is logged and skips the tick; it is never treated as a breach.
func (b *Breaker) Evaluate(ctx context.Context, accountID string) {
	drawdown, err := b.portfolio.CurrentDrawdown(ctx, accountID)
	if err != nil {
		log.Printf("breaker: drawdown fetch for %s failed, skipping tick: %v", accountID, err)
		return
	}

	state := b.account(accountID)
	state.mu.Lock()
	defer state.mu.Unlock()
	state.lastDrawdown = drawdown

	if state.portfolioTriggered {
		if drawdown < b.cfg.AutoResumePct {
			b.releasePortfolioLocked(accountID, state, drawdown, "auto")
		}
		return
	}

	if drawdown >= b.cfg.PortfolioDrawdownPct {
		b.triggerPortfolioLocked(accountID, state, drawdown)
		return
	}

	// Strategy level only runs while the account is not portfolio-halted.
	b.evaluateStrategiesLocked(ctx, accountID, state)
}

// triggerPortfolioLocked pauses every running strategy. Caller holds state.mu.
func (b *Breaker) triggerPortfolioLocked(accountID string, state *accountBreaker, drawdown float64) {
	state.portfolioTriggered = true
	for _, id := range b.executor.RunningStrategies(accountID) {
		b.executor.Pause(accountID, id)
		state.halted[id] = HaltRecord{
			StrategyID:  id,
			Reason:      ReasonPortfolio,
			DrawdownPct: drawdown,
			HaltedAt:    time.Now().UTC(),
		}
		b.emit(accountID, events.EventStrategyHalted, state.halted[id])
	}
	b.alert(fmt.Sprintf("portfolio circuit breaker triggered for %s at %.1f%% drawdown", accountID, drawdown))
}

// releasePortfolioLocked resumes every portfolio-halted strategy. Caller
// holds state.mu.
func (b *Breaker) releasePortfolioLocked(accountID string, state *accountBreaker, drawdown float64, how string) {
	state.portfolioTriggered = false
	for id, rec := range state.halted {
		if rec.Reason != ReasonPortfolio {
			continue
		}
		b.executor.Resume(accountID, id)
		delete(state.halted, id)
		b.emit(accountID, events.EventStrategyResumed, rec)
	}
	b.alert(fmt.Sprintf("portfolio circuit breaker released for %s (%s) at %.1f%% drawdown", accountID, how, drawdown))
}

// evaluateStrategiesLocked applies the per-strategy level. Caller holds
// state.mu.
func (b *Breaker) evaluateStrategiesLocked(ctx context.Context, accountID string, state *accountBreaker) {
	drawdowns, err := b.portfolio.StrategyDrawdowns(ctx, accountID)
	if err != nil {
		log.Printf("breaker: strategy drawdowns for %s failed, skipping level: %v", accountID, err)
		return
	}

	for _, id := range b.executor.RunningStrategies(accountID) {
		dd, ok := drawdowns[id]
		if !ok || dd < b.cfg.StrategyDrawdownPct {
			continue
		}
		b.executor.Pause(accountID, id)
		state.halted[id] = HaltRecord{
			StrategyID:  id,
			Reason:      ReasonStrategy,
			DrawdownPct: dd,
			HaltedAt:    time.Now().UTC(),
		}
		b.emit(accountID, events.EventStrategyHalted, state.halted[id])
		b.alert(fmt.Sprintf("strategy %s halted on %s at %.1f%% drawdown", id, accountID, dd))
	}

	for id, rec := range state.halted {
		if rec.Reason != ReasonStrategy {
			continue
		}
		// A strategy with no reading stays halted; absence of data is not
		// recovery.
		dd, ok := drawdowns[id]
		if !ok || dd >= b.cfg.AutoResumePct {
			continue
		}
		b.executor.Resume(accountID, id)
		delete(state.halted, id)
		b.emit(accountID, events.EventStrategyResumed, rec)
		b.alert(fmt.Sprintf("strategy %s resumed on %s", id, accountID))
	}
}

// ForceResume lifts the portfolio halt regardless of current drawdown.
// Returns false without touching anything when the account is not
// portfolio-halted.
func (b *Breaker) ForceResume(accountID string) bool {
	state := b.account(accountID)
	state.mu.Lock()
	defer state.mu.Unlock()

	if !state.portfolioTriggered {
		return false
	}
	b.releasePortfolioLocked(accountID, state, state.lastDrawdown, "manual")
	return true
}

// ForceResumeStrategy resumes one named strategy only if it is currently
// halted.
func (b *Breaker) ForceResumeStrategy(accountID, strategyID string) bool {
	state := b.account(accountID)
	state.mu.Lock()
	defer state.mu.Unlock()

	rec, ok := state.halted[strategyID]
	if !ok {
		return false
	}
	b.executor.Resume(accountID, strategyID)
	delete(state.halted, strategyID)
	b.emit(accountID, events.EventStrategyResumed, rec)
	b.alert(fmt.Sprintf("strategy %s force-resumed on %s", strategyID, accountID))
	return true
}

// Status snapshots the automaton state for one account.
func (b *Breaker) Status(accountID string) Status {
	state := b.account(accountID)
	state.mu.Lock()
	defer state.mu.Unlock()

	halted := make(map[string]HaltRecord, len(state.halted))
	for id, rec := range state.halted {
		halted[id] = rec
	}
	return Status{
		AccountID:          accountID,
		PortfolioTriggered: state.portfolioTriggered,
		LastDrawdownPct:    state.lastDrawdown,
		Halted:             halted,
	}
}

// Start launches the periodic sweep over every active account.
func (b *Breaker) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.sweep()
			case <-b.done:
				return
			}
		}
	}()
}

// Stop halts the sweep timer.
func (b *Breaker) Stop() {
	close(b.done)
	b.wg.Wait()
}

func (b *Breaker) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, accountID := range b.executor.AccountIDs() {
		b.Evaluate(ctx, accountID)
	}
}

// emit and alert are best-effort observability side effects. They must not
// block or abort the transition that produced them.
func (b *Breaker) emit(accountID string, event events.Event, payload any) {
	if b.notifier == nil {
		return
	}
	b.notifier.BroadcastToAccount(accountID, event, payload)
}

func (b *Breaker) alert(message string) {
	if b.notifier == nil {
		return
	}
	b.notifier.SendAlert(message)
}
