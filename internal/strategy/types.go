// Package strategy defines the stateful strategy contract and its concrete
// variants. A strategy is a state machine fed closed candles; it emits
// signals and never performs I/O, so the live and backtest paths are
// behaviorally identical.
package strategy

import (
	"sync"

	"quantcore/internal/market"
)

// Status is the lifecycle state of a strategy instance.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusWarmingUp Status = "warming_up"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusError     Status = "error"
)

// Category classifies a strategy's trading style.
type Category string

const (
	CategoryTrendFollowing Category = "trend_following"
	CategoryMeanReversion  Category = "mean_reversion"
	CategoryCarry          Category = "carry"
	CategoryMomentum       Category = "momentum"
)

// Action is the kind of decision a signal carries.
type Action string

const (
	ActionEntryLong  Action = "entry_long"
	ActionEntryShort Action = "entry_short"
	ActionExit       Action = "exit"
	ActionAdjust     Action = "adjust"
	ActionHold       Action = "hold"
)

// MultiTimeframeCandles maps an interval identifier to its ascending candle
// series. Strategies receive every timeframe they declared.
type MultiTimeframeCandles map[string][]market.Candle

// Signal is one decision emitted by a strategy during a dispatch cycle.
// Signals are ephemeral: produced and consumed within the cycle.
type Signal struct {
	Action        Action             `json:"action"`
	Symbol        string             `json:"symbol"`
	Confidence    float64            `json:"confidence"` // 0..1
	StopLoss      float64            `json:"stop_loss,omitempty"`
	TakeProfit    float64            `json:"take_profit,omitempty"`
	NewStopLoss   float64            `json:"new_stop_loss,omitempty"`
	NewTakeProfit float64            `json:"new_take_profit,omitempty"`
	Reason        string             `json:"reason"`
	Indicators    map[string]float64 `json:"indicators,omitempty"`
}

// Config describes one strategy instance.
type Config struct {
	ID                       string
	Name                     string
	Category                 Category
	Timeframes               []string
	PrimaryTimeframe         string // must be a member of Timeframes
	Symbols                  []string
	MaxLeverage              float64
	CapitalAllocationPercent float64 // 0..100 share of account equity
	WarmupCandles            int
	Params                   map[string]float64
}

// Param returns the named numeric knob, or def when absent.
func (c *Config) Param(name string, def float64) float64 {
	if v, ok := c.Params[name]; ok {
		return v
	}
	return def
}

// HasSymbol reports whether symbol belongs to the strategy's universe.
func (c *Config) HasSymbol(symbol string) bool {
	for _, s := range c.Symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// Metrics counts a strategy's lifetime activity.
type Metrics struct {
	SignalsEmitted int     `json:"signals_emitted"`
	TradesOpened   int     `json:"trades_opened"`
	TradesClosed   int     `json:"trades_closed"`
	Wins           int     `json:"wins"`
	WinRate        float64 `json:"win_rate"`
	TotalPnl       float64 `json:"total_pnl"`
}

// State is a read-only snapshot of a strategy instance.
type State struct {
	Status          Status            `json:"status"`
	ActivePositions []string          `json:"active_positions"`
	LastSignals     map[string]Signal `json:"last_signals"`
	Metrics         Metrics           `json:"metrics"`
}

// Strategy is the fixed contract every variant implements.
//
// Initialize consumes warmup history and transitions idle → running; it must
// not fail on merely thin data. OnCandle is called once per closed
// primary-timeframe bar and must be a pure function of its input plus the
// strategy's own internal state. Reset returns to idle from any state and is
// idempotent, safe on a never-initialized strategy.
type Strategy interface {
	Config() *Config
	Initialize(mtf MultiTimeframeCandles) error
	OnCandle(mtf MultiTimeframeCandles) ([]Signal, error)
	GetState() State
	Pause()
	Resume()
	Reset()
}

// base carries the bookkeeping shared by all variants: the status machine,
// position attribution, and signal/trade counters.
type base struct {
	mu     sync.Mutex
	cfg    *Config
	status Status

	positions map[string]bool // symbol → open position attributed here
	last      map[string]Signal
	metrics   Metrics
}

func newBase(cfg *Config) base {
	return base{
		cfg:       cfg,
		status:    StatusIdle,
		positions: make(map[string]bool),
		last:      make(map[string]Signal),
	}
}

func (b *base) Config() *Config { return b.cfg }

func (b *base) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == StatusRunning {
		b.status = StatusPaused
	}
}

func (b *base) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == StatusPaused {
		b.status = StatusRunning
	}
}

func (b *base) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	active := make([]string, 0, len(b.positions))
	for sym, open := range b.positions {
		if open {
			active = append(active, sym)
		}
	}
	last := make(map[string]Signal, len(b.last))
	for k, v := range b.last {
		last[k] = v
	}
	m := b.metrics
	if m.TradesClosed > 0 {
		m.WinRate = float64(m.Wins) / float64(m.TradesClosed)
	}
	return State{
		Status:          b.status,
		ActivePositions: active,
		LastSignals:     last,
		Metrics:         m,
	}
}

func (b *base) resetBase() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = StatusIdle
	b.positions = make(map[string]bool)
	b.last = make(map[string]Signal)
	b.metrics = Metrics{}
}

func (b *base) setStatus(s Status) {
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}

func (b *base) currentStatus() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// record notes an emitted signal and maintains position attribution.
func (b *base) record(sig Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.metrics.SignalsEmitted++
	b.last[sig.Symbol] = sig

	switch sig.Action {
	case ActionEntryLong, ActionEntryShort:
		if !b.positions[sig.Symbol] {
			b.positions[sig.Symbol] = true
			b.metrics.TradesOpened++
		}
	case ActionExit:
		if b.positions[sig.Symbol] {
			delete(b.positions, sig.Symbol)
			b.metrics.TradesClosed++
		}
	}
}

// RecordTradeResult feeds a realized trade outcome back into the metrics.
// Called by the owner of fill information, not by the strategy itself.
func (b *base) RecordTradeResult(pnl float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics.TotalPnl += pnl
	if pnl > 0 {
		b.metrics.Wins++
	}
}

func (b *base) hasPosition(symbol string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.positions[symbol]
}
