// Package signalproc converts strategy signals into concrete order intents.
// It owns the sizing math and the idempotence guarantees; order placement
// itself is delegated to the exchange client.
package signalproc

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"quantcore/internal/core"
	"quantcore/internal/events"
	"quantcore/internal/market"
	"quantcore/internal/strategy"
)

// pnlRecorder receives realized trade results after an exit fill. The
// portfolio manager implements it.
type pnlRecorder interface {
	RecordTradePnl(accountID, strategyID string, pnl float64)
}

// tradeResultSink is implemented by strategies that track their own
// realized results.
type tradeResultSink interface {
	RecordTradeResult(pnl float64)
}

// accountPolicy is the per-account risk policy applied on top of each
// strategy's own limits.
type accountPolicy struct {
	client      market.Client
	leverageCap float64
}

// positionKey identifies one strategy's claim on a symbol.
type positionKey struct {
	accountID  string
	strategyID string
	symbol     string
}

// Processor sizes signals and routes the resulting orders.
type Processor struct {
	mu       sync.RWMutex
	accounts map[string]*accountPolicy

	// positions is the processor's own record of the positions it opened.
	// Strategies may share symbols, so exits and adjusts act only on
	// positions the same strategy claimed here; venue positions predating
	// the process are never claimed.
	positions map[positionKey]struct{}

	portfolio pnlRecorder
	bus       *events.Bus
}

func New(portfolio pnlRecorder, bus *events.Bus) *Processor {
	return &Processor{
		accounts:  make(map[string]*accountPolicy),
		positions: make(map[positionKey]struct{}),
		portfolio: portfolio,
		bus:       bus,
	}
}

func (p *Processor) claim(accountID, strategyID, symbol string) {
	p.mu.Lock()
	p.positions[positionKey{accountID, strategyID, symbol}] = struct{}{}
	p.mu.Unlock()
}

func (p *Processor) release(accountID, strategyID, symbol string) {
	p.mu.Lock()
	delete(p.positions, positionKey{accountID, strategyID, symbol})
	p.mu.Unlock()
}

func (p *Processor) owns(accountID, strategyID, symbol string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.positions[positionKey{accountID, strategyID, symbol}]
	return ok
}

// RegisterAccount sets the exchange client and leverage cap for an account.
func (p *Processor) RegisterAccount(accountID string, client market.Client, leverageCap float64) {
	p.mu.Lock()
	p.accounts[accountID] = &accountPolicy{client: client, leverageCap: leverageCap}
	p.mu.Unlock()
}

func (p *Processor) policy(accountID string) *accountPolicy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.accounts[accountID]
}

// HandleSignals processes each signal independently: a rejected or failed
// signal never blocks its siblings.
func (p *Processor) HandleSignals(ctx context.Context, accountID string, strat strategy.Strategy, signals []strategy.Signal) {
	for _, sig := range signals {
		if err := p.process(ctx, accountID, strat, sig); err != nil {
			log.Printf("signalproc: %s signal %s/%s on %s: %v",
				sig.Action, strat.Config().ID, sig.Symbol, accountID, err)
		}
	}
}

func (p *Processor) process(ctx context.Context, accountID string, strat strategy.Strategy, sig strategy.Signal) error {
	policy := p.policy(accountID)
	if policy == nil {
		return core.NotFoundf("account %s not registered", accountID)
	}

	switch sig.Action {
	case strategy.ActionEntryLong, strategy.ActionEntryShort:
		return p.openPosition(ctx, accountID, policy, strat, sig)
	case strategy.ActionExit:
		return p.closePosition(ctx, accountID, policy, strat, sig)
	case strategy.ActionAdjust:
		return p.adjustPosition(ctx, accountID, policy, strat, sig)
	case strategy.ActionHold:
		return nil
	default:
		return core.Validationf("unknown signal action %q", sig.Action)
	}
}

// Leverage applies the tighter of the strategy's own cap and the account
// policy cap.
func effectiveLeverage(strategyCap, accountCap float64) float64 {
	lev := strategyCap
	if accountCap > 0 && accountCap < lev {
		lev = accountCap
	}
	if lev <= 0 {
		lev = 1
	}
	return lev
}

// sizeOrder computes the order quantity for an entry signal.
func sizeOrder(equity float64, cfg *strategy.Config, confidence, leverage, price float64) float64 {
	if price <= 0 {
		return 0
	}
	allocated := equity * cfg.CapitalAllocationPercent / 100
	notional := allocated * confidence
	return notional * leverage / price
}

func (p *Processor) openPosition(ctx context.Context, accountID string, policy *accountPolicy, strat strategy.Strategy, sig strategy.Signal) error {
	cfg := strat.Config()

	equity, err := policy.client.GetTotalEquity(ctx)
	if err != nil {
		return core.Exchangef("fetch equity: %v", err)
	}
	ticker, err := policy.client.GetTicker(ctx, sig.Symbol)
	if err != nil {
		return core.Exchangef("fetch ticker %s: %v", sig.Symbol, err)
	}

	leverage := effectiveLeverage(cfg.MaxLeverage, policy.leverageCap)
	qty := sizeOrder(equity, cfg, sig.Confidence, leverage, ticker.Price)
	if qty <= 0 {
		return core.RiskRejectedf("computed quantity %.8f for %s is not positive", qty, sig.Symbol)
	}

	if err := policy.client.SetLeverage(ctx, sig.Symbol, leverage); err != nil {
		return core.Exchangef("set leverage %s: %v", sig.Symbol, err)
	}

	side := "BUY"
	if sig.Action == strategy.ActionEntryShort {
		side = "SELL"
	}
	req := market.OrderRequest{
		ID:         uuid.NewString(),
		Symbol:     sig.Symbol,
		Side:       side,
		Type:       "MARKET",
		Quantity:   qty,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
	}
	result, err := policy.client.PlaceOrder(ctx, req)
	if err != nil {
		return core.Exchangef("place order %s: %v", sig.Symbol, err)
	}
	if sig.StopLoss > 0 || sig.TakeProfit > 0 {
		if err := policy.client.SetStopLossTakeProfit(ctx, sig.Symbol, sig.StopLoss, sig.TakeProfit); err != nil {
			log.Printf("signalproc: set SL/TP %s on %s: %v", sig.Symbol, accountID, err)
		}
	}

	p.claim(accountID, cfg.ID, sig.Symbol)
	p.publishOrder(accountID, cfg.ID, sig, result)
	return nil
}

// closePosition closes the strategy's own open position for the symbol
// with a reduce-only market order. A duplicate exit, or an exit for a
// position some other strategy opened, is a successful no-op.
func (p *Processor) closePosition(ctx context.Context, accountID string, policy *accountPolicy, strat strategy.Strategy, sig strategy.Signal) error {
	pos, ok, err := p.findPosition(ctx, accountID, policy, strat, sig.Symbol)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	side := "SELL"
	if strings.EqualFold(pos.Side, "SHORT") {
		side = "BUY"
	}
	req := market.OrderRequest{
		ID:         uuid.NewString(),
		Symbol:     sig.Symbol,
		Side:       side,
		Type:       "MARKET",
		Quantity:   pos.Quantity,
		ReduceOnly: true,
	}
	result, err := policy.client.PlaceOrder(ctx, req)
	if err != nil {
		return core.Exchangef("close position %s: %v", sig.Symbol, err)
	}
	p.release(accountID, strat.Config().ID, sig.Symbol)

	pnl := realizedPnl(pos, result.AvgPrice)
	if p.portfolio != nil {
		p.portfolio.RecordTradePnl(accountID, strat.Config().ID, pnl)
	}
	if sink, ok := strat.(tradeResultSink); ok {
		sink.RecordTradeResult(pnl)
	}

	p.publishOrder(accountID, strat.Config().ID, sig, result)
	return nil
}

// adjustPosition updates stop and target on the strategy's own open
// position. No position means nothing to adjust; that is not an error.
func (p *Processor) adjustPosition(ctx context.Context, accountID string, policy *accountPolicy, strat strategy.Strategy, sig strategy.Signal) error {
	_, ok, err := p.findPosition(ctx, accountID, policy, strat, sig.Symbol)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if sig.NewStopLoss <= 0 && sig.NewTakeProfit <= 0 {
		return nil
	}
	if err := policy.client.SetStopLossTakeProfit(ctx, sig.Symbol, sig.NewStopLoss, sig.NewTakeProfit); err != nil {
		return core.Exchangef("adjust SL/TP %s: %v", sig.Symbol, err)
	}
	return nil
}

// findPosition locates the position this strategy opened for the symbol.
// Ownership comes from the claim ledger rather than the symbol universe:
// strategies may share a symbol, and an exit must never close a sibling's
// exposure. The strategy's active-position list is not consulted because
// exits arrive after it already dropped the symbol from its own books.
func (p *Processor) findPosition(ctx context.Context, accountID string, policy *accountPolicy, strat strategy.Strategy, symbol string) (market.Position, bool, error) {
	strategyID := strat.Config().ID
	if !p.owns(accountID, strategyID, symbol) {
		return market.Position{}, false, nil
	}
	positions, err := policy.client.GetPositions(ctx)
	if err != nil {
		return market.Position{}, false, core.Exchangef("fetch positions: %v", err)
	}
	for _, pos := range positions {
		if pos.Symbol == symbol {
			return pos, true, nil
		}
	}
	// Claimed but gone from the venue: a stop or an external close took it.
	p.release(accountID, strategyID, symbol)
	return market.Position{}, false, nil
}

func realizedPnl(pos market.Position, exitPrice float64) float64 {
	if exitPrice <= 0 {
		exitPrice = pos.MarkPrice
	}
	diff := exitPrice - pos.EntryPrice
	if strings.EqualFold(pos.Side, "SHORT") {
		diff = -diff
	}
	return diff * pos.Quantity
}

func (p *Processor) publishOrder(accountID, strategyID string, sig strategy.Signal, result market.OrderResult) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.EventOrderIntent, events.AccountEvent{
		AccountID: accountID,
		Type:      string(events.EventOrderIntent),
		Payload: map[string]any{
			"strategy_id": strategyID,
			"action":      sig.Action,
			"symbol":      sig.Symbol,
			"order_id":    result.OrderID,
			"status":      result.Status,
			"avg_price":   result.AvgPrice,
			"filled_qty":  result.FilledQty,
		},
	})
}
