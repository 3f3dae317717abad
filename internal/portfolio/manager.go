// Package portfolio tracks per-account equity, the drawdown baseline, and
// realized daily PnL, and attributes open positions to strategies.
package portfolio

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"quantcore/internal/core"
	"quantcore/internal/events"
	"quantcore/internal/market"
	"quantcore/internal/persistence"
	"quantcore/internal/strategy"
	"quantcore/pkg/db"
)

// RunnerSource exposes the executor's view of live strategies, used for
// position attribution.
type RunnerSource interface {
	Status(accountID string) map[string]strategy.State
	Strategy(accountID, strategyID string) (strategy.Strategy, bool)
}

// StrategyAllocation is one strategy's slice of the account snapshot.
type StrategyAllocation struct {
	StrategyID       string   `json:"strategy_id"`
	AllocationPct    float64  `json:"allocation_pct"`
	AllocatedCapital float64  `json:"allocated_capital"`
	Symbols          []string `json:"symbols"`
	PositionCount    int      `json:"position_count"`
	UnrealizedPnl    float64  `json:"unrealized_pnl"`
}

// Summary is the read-path snapshot of one account.
type Summary struct {
	AccountID        string                        `json:"account_id"`
	TotalEquity      float64                       `json:"total_equity"`
	Available        float64                       `json:"available"`
	UnrealizedPnl    float64                       `json:"unrealized_pnl"`
	PeakEquity       float64                       `json:"peak_equity"`
	DrawdownPct      float64                       `json:"drawdown_pct"`
	RealizedPnlToday float64                       `json:"realized_pnl_today"`
	Positions        []market.Position             `json:"positions"`
	Allocations      map[string]StrategyAllocation `json:"allocations"`
	Unattributed     []string                      `json:"unattributed_symbols"`
}

// accountState is the mutable per-account record. Peak equity only ever
// ratchets up; the daily realized counter resets when the UTC date advances.
type accountState struct {
	mu               sync.Mutex
	client           market.Client
	peakEquity       float64
	lastEquity       float64
	realizedPnlToday float64
	day              string // UTC calendar date of the daily counter
	strategies       map[string]*strategyTrack
}

// strategyTrack follows one strategy's realized pnl. The pnl peak ratchets
// so drawdown measures the give-back from the best point, not distance
// from zero; the capital base is resolved at read time.
type strategyTrack struct {
	cumPnl         float64
	peakPnl        float64
	maxDrawdownPct float64
}

// Manager owns every account's portfolio state.
type Manager struct {
	mu       sync.RWMutex
	accounts map[string]*accountState

	runners RunnerSource
	queries *db.Queries
	writer  *persistence.Writer
	bus     *events.Bus
	now     func() time.Time

	snapshotEvery time.Duration
	done          chan struct{}
	wg            sync.WaitGroup
}

func NewManager(runners RunnerSource, queries *db.Queries, writer *persistence.Writer, bus *events.Bus, snapshotEvery time.Duration) *Manager {
	if snapshotEvery <= 0 {
		snapshotEvery = time.Minute
	}
	return &Manager{
		accounts:      make(map[string]*accountState),
		runners:       runners,
		queries:       queries,
		writer:        writer,
		bus:           bus,
		now:           time.Now,
		snapshotEvery: snapshotEvery,
		done:          make(chan struct{}),
	}
}

// RegisterAccount starts tracking an account and restores its persisted
// peak equity so drawdown survives restarts. Missing history is not an
// error; the peak seeds from the first observed equity instead.
func (m *Manager) RegisterAccount(ctx context.Context, accountID string, client market.Client) {
	state := &accountState{
		client:     client,
		day:        m.dayKey(),
		strategies: make(map[string]*strategyTrack),
	}

	if m.queries != nil {
		peak, err := m.queries.LatestPeakEquity(ctx, accountID)
		switch {
		case err == nil:
			state.peakEquity = peak
		case errors.Is(err, db.ErrNotFound):
			// first run for this account
		default:
			log.Printf("portfolio: restore peak for %s: %v", accountID, err)
		}
	}

	// Seed equity now so per-strategy drawdown has a capital base before
	// the first snapshot tick.
	if equity, err := client.GetTotalEquity(ctx); err == nil {
		if equity > state.peakEquity {
			state.peakEquity = equity
		}
		state.lastEquity = equity
	} else {
		log.Printf("portfolio: seed equity for %s: %v", accountID, err)
	}

	m.mu.Lock()
	m.accounts[accountID] = state
	m.mu.Unlock()
}

func (m *Manager) account(accountID string) *accountState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accounts[accountID]
}

func (m *Manager) dayKey() string {
	return m.now().UTC().Format("2006-01-02")
}

// observeEquity folds a fresh equity reading into the account state and
// returns the updated peak and drawdown. Caller holds state.mu.
func (m *Manager) observeEquity(state *accountState, equity float64) (peak, drawdownPct float64) {
	if equity > state.peakEquity {
		state.peakEquity = equity
	}
	state.lastEquity = equity
	if state.peakEquity > 0 {
		drawdownPct = (state.peakEquity - equity) / state.peakEquity * 100
	}
	return state.peakEquity, drawdownPct
}

// rollDay resets the daily counter when the UTC date advanced. Caller holds
// state.mu.
func (m *Manager) rollDay(state *accountState) {
	if today := m.dayKey(); state.day != today {
		state.day = today
		state.realizedPnlToday = 0
	}
}

// GetPortfolioSummary fetches live equity, balances, and positions, updates
// the drawdown baseline, and attributes open positions to strategies. A
// position belongs to a strategy when the strategy both lists the symbol in
// its universe and reports it among its active positions; symbols matching
// no strategy are listed as unattributed.
func (m *Manager) GetPortfolioSummary(ctx context.Context, accountID string) (Summary, error) {
	state := m.account(accountID)
	if state == nil {
		return Summary{}, core.NotFoundf("account %s not registered", accountID)
	}

	equity, err := state.client.GetTotalEquity(ctx)
	if err != nil {
		return Summary{}, core.Exchangef("fetch equity for %s: %v", accountID, err)
	}
	balance, err := state.client.GetBalances(ctx)
	if err != nil {
		return Summary{}, core.Exchangef("fetch balances for %s: %v", accountID, err)
	}
	positions, err := state.client.GetPositions(ctx)
	if err != nil {
		return Summary{}, core.Exchangef("fetch positions for %s: %v", accountID, err)
	}

	state.mu.Lock()
	m.rollDay(state)
	peak, drawdown := m.observeEquity(state, equity)
	realizedToday := state.realizedPnlToday
	state.mu.Unlock()

	summary := Summary{
		AccountID:        accountID,
		TotalEquity:      equity,
		Available:        balance.Available,
		UnrealizedPnl:    balance.UnrealizedPnl,
		PeakEquity:       peak,
		DrawdownPct:      drawdown,
		RealizedPnlToday: realizedToday,
		Positions:        positions,
		Allocations:      make(map[string]StrategyAllocation),
	}

	statuses := map[string]strategy.State{}
	if m.runners != nil {
		statuses = m.runners.Status(accountID)
	}
	for id, st := range statuses {
		strat, ok := m.runners.Strategy(accountID, id)
		if !ok {
			continue
		}
		cfg := strat.Config()
		alloc := StrategyAllocation{
			StrategyID:       id,
			AllocationPct:    cfg.CapitalAllocationPercent,
			AllocatedCapital: equity * cfg.CapitalAllocationPercent / 100,
			Symbols:          cfg.Symbols,
		}
		for _, pos := range positions {
			if cfg.HasSymbol(pos.Symbol) && containsSymbol(st.ActivePositions, pos.Symbol) {
				alloc.PositionCount++
				alloc.UnrealizedPnl += pos.UnrealizedPnl
			}
		}
		summary.Allocations[id] = alloc
	}

	for _, pos := range positions {
		if !attributed(summary.Allocations, statuses, pos.Symbol) {
			summary.Unattributed = append(summary.Unattributed, pos.Symbol)
		}
	}

	return summary, nil
}

func containsSymbol(symbols []string, symbol string) bool {
	for _, s := range symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

func attributed(allocs map[string]StrategyAllocation, statuses map[string]strategy.State, symbol string) bool {
	for id, alloc := range allocs {
		if containsSymbol(alloc.Symbols, symbol) && containsSymbol(statuses[id].ActivePositions, symbol) {
			return true
		}
	}
	return false
}

// RecordTradePnl folds a realized trade result into the daily counter and
// the strategy's drawdown track synchronously; the per-strategy performance
// row is persisted asynchronously and never blocks the caller.
func (m *Manager) RecordTradePnl(accountID, strategyID string, pnl float64) {
	state := m.account(accountID)
	if state == nil {
		return
	}

	state.mu.Lock()
	m.rollDay(state)
	state.realizedPnlToday += pnl

	track := state.strategies[strategyID]
	if track == nil {
		track = &strategyTrack{}
		state.strategies[strategyID] = track
	}
	track.cumPnl += pnl
	if track.cumPnl > track.peakPnl {
		track.peakPnl = track.cumPnl
	}
	state.mu.Unlock()

	if m.writer != nil {
		win := 0
		loss := 0
		if pnl > 0 {
			win = 1
		} else if pnl < 0 {
			loss = 1
		}
		m.writer.Enqueue(`
			INSERT INTO strategy_performance (account_id, strategy_id, wins, losses, total_pnl, updated_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(account_id, strategy_id) DO UPDATE SET
				wins = wins + excluded.wins,
				losses = losses + excluded.losses,
				total_pnl = total_pnl + excluded.total_pnl,
				updated_at = CURRENT_TIMESTAMP
		`, accountID, strategyID, win, loss, pnl)
	}

	if m.bus != nil {
		m.bus.Publish(events.EventPortfolioUpdate, events.AccountEvent{
			AccountID: accountID,
			Type:      string(events.EventPortfolioUpdate),
			Payload: map[string]any{
				"strategy_id": strategyID,
				"pnl":         pnl,
			},
		})
	}
}

// RealizedPnlToday returns the account's daily realized counter.
func (m *Manager) RealizedPnlToday(accountID string) float64 {
	state := m.account(accountID)
	if state == nil {
		return 0
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	m.rollDay(state)
	return state.realizedPnlToday
}

// CurrentDrawdown fetches fresh equity and returns the updated drawdown
// percentage against the ratcheted peak.
func (m *Manager) CurrentDrawdown(ctx context.Context, accountID string) (float64, error) {
	state := m.account(accountID)
	if state == nil {
		return 0, core.NotFoundf("account %s not registered", accountID)
	}
	equity, err := state.client.GetTotalEquity(ctx)
	if err != nil {
		return 0, core.Exchangef("fetch equity for %s: %v", accountID, err)
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	_, drawdown := m.observeEquity(state, equity)
	return drawdown, nil
}

// allocatedCapital derives the capital base a strategy's drawdown is
// measured against: the strategy's allocation slice of equity, or the
// whole equity when no allocation is known. It calls into the runner
// source, which takes the executor's account lock, so the caller must not
// hold state.mu.
func (m *Manager) allocatedCapital(accountID, strategyID string, equity float64) float64 {
	if m.runners == nil {
		return equity
	}
	strat, ok := m.runners.Strategy(accountID, strategyID)
	if !ok {
		return equity
	}
	if pct := strat.Config().CapitalAllocationPercent; pct > 0 {
		return equity * pct / 100
	}
	return equity
}

// StrategyDrawdowns reports each strategy's current drawdown for the
// account. Live values come from the in-memory pnl tracks measured against
// each strategy's allocated capital; a strategy with no trades since
// startup falls back to its persisted max until a new trade re-establishes
// the track. Each call also ratchets the tracked max, which the snapshot
// loop persists.
func (m *Manager) StrategyDrawdowns(ctx context.Context, accountID string) (map[string]float64, error) {
	out := make(map[string]float64)
	if m.queries != nil {
		records, err := m.queries.GetStrategyPerformance(ctx, accountID)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			out[r.StrategyID] = r.MaxDrawdownPct
		}
	}

	state := m.account(accountID)
	if state == nil {
		return out, nil
	}

	type pnlPoint struct {
		cum  float64
		peak float64
	}
	state.mu.Lock()
	equity := state.lastEquity
	if equity <= 0 {
		equity = state.peakEquity
	}
	points := make(map[string]pnlPoint, len(state.strategies))
	for id, track := range state.strategies {
		points[id] = pnlPoint{cum: track.cumPnl, peak: track.peakPnl}
	}
	state.mu.Unlock()

	live := make(map[string]float64, len(points))
	for id, pt := range points {
		dd := 0.0
		if base := m.allocatedCapital(accountID, id, equity); base > 0 {
			dd = (pt.peak - pt.cum) / base * 100
		}
		live[id] = dd
		out[id] = dd
	}

	state.mu.Lock()
	for id, dd := range live {
		if track := state.strategies[id]; track != nil && dd > track.maxDrawdownPct {
			track.maxDrawdownPct = dd
		}
	}
	state.mu.Unlock()

	return out, nil
}

// Start launches the periodic equity snapshot loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.snapshotEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.snapshotAll()
			case <-m.done:
				return
			}
		}
	}()
}

// Stop halts the snapshot timer. In-flight exchange calls finish on their
// own; the caller drains the batch writer separately.
func (m *Manager) Stop() {
	close(m.done)
	m.wg.Wait()
}

func (m *Manager) snapshotAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, id := range ids {
		m.snapshotAccount(ctx, id)
	}
}

func (m *Manager) snapshotAccount(ctx context.Context, accountID string) {
	state := m.account(accountID)
	if state == nil {
		return
	}
	equity, err := state.client.GetTotalEquity(ctx)
	if err != nil {
		log.Printf("portfolio: snapshot equity for %s: %v", accountID, err)
		return
	}

	state.mu.Lock()
	peak, drawdown := m.observeEquity(state, equity)
	ratchets := make(map[string]float64, len(state.strategies))
	for id, track := range state.strategies {
		ratchets[id] = track.maxDrawdownPct
	}
	state.mu.Unlock()

	if m.writer != nil {
		m.writer.Enqueue(`
			INSERT INTO equity_snapshots (account_id, equity, peak_equity, drawdown_pct)
			VALUES (?, ?, ?, ?)
		`, accountID, equity, peak, drawdown)
	}
	if m.queries != nil {
		for id, dd := range ratchets {
			if err := m.queries.UpdateStrategyDrawdown(ctx, accountID, id, dd); err != nil {
				log.Printf("portfolio: persist drawdown %s/%s: %v", accountID, id, err)
			}
		}
	}
	if m.bus != nil {
		m.bus.Publish(events.EventEquitySnapshot, events.AccountEvent{
			AccountID: accountID,
			Type:      string(events.EventEquitySnapshot),
			Payload: map[string]any{
				"equity":       equity,
				"peak_equity":  peak,
				"drawdown_pct": drawdown,
			},
		})
	}
}
