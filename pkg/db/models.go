package db

import "time"

// BacktestRun is one persisted backtest execution with its serialized
// metrics. The equity curve is stored sampled, inside the metrics JSON.
type BacktestRun struct {
	ID             string    `json:"id"`
	StrategyID     string    `json:"strategy_id"`
	Symbol         string    `json:"symbol"`
	Interval       string    `json:"interval"`
	StartTime      int64     `json:"start_time"`
	EndTime        int64     `json:"end_time"`
	InitialBalance float64   `json:"initial_balance"`
	Leverage       float64   `json:"leverage"`
	FinalEquity    float64   `json:"final_equity"`
	MetricsJSON    string    `json:"metrics"`
	CreatedAt      time.Time `json:"created_at"`
}

// BacktestTrade is one simulated round trip belonging to a run.
type BacktestTrade struct {
	ID         int64   `json:"id"`
	RunID      string  `json:"run_id"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	EntryTime  int64   `json:"entry_time"`
	ExitTime   int64   `json:"exit_time"`
	EntryPrice float64 `json:"entry_price"`
	ExitPrice  float64 `json:"exit_price"`
	Quantity   float64 `json:"quantity"`
	Pnl        float64 `json:"pnl"`
	ExitReason string  `json:"exit_reason"`
}

// EquitySnapshot is one periodic account equity observation.
type EquitySnapshot struct {
	ID           int64     `json:"id"`
	AccountID    string    `json:"account_id"`
	Equity       float64   `json:"equity"`
	PeakEquity   float64   `json:"peak_equity"`
	DrawdownPct  float64   `json:"drawdown_pct"`
	SnapshotTime time.Time `json:"snapshot_time"`
}

// StrategyPerformance is the running per-strategy trade record for an
// account, updated as realized results arrive.
type StrategyPerformance struct {
	AccountID      string    `json:"account_id"`
	StrategyID     string    `json:"strategy_id"`
	Wins           int       `json:"wins"`
	Losses         int       `json:"losses"`
	TotalPnl       float64   `json:"total_pnl"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	UpdatedAt      time.Time `json:"updated_at"`
}
