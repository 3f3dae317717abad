package events

// Event enumerates high-level topics inside the trading core.
type Event string

const (
	EventCandle           Event = "candle"
	EventStrategySignal   Event = "strategy_signal"
	EventOrderIntent      Event = "order_intent"
	EventCircuitBreaker   Event = "circuit_breaker"
	EventPortfolioUpdate  Event = "portfolio_update"
	EventStrategyHalted   Event = "strategy_halted"
	EventStrategyResumed  Event = "strategy_resumed"
	EventEquitySnapshot   Event = "equity_snapshot"
	EventBacktestFinished Event = "backtest_finished"
)

// AccountEvent is a broadcast payload scoped to one trading account.
type AccountEvent struct {
	AccountID string `json:"account_id"`
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
}
