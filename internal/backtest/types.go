// Package backtest replays historical candles through a strategy and an
// isolated fill simulator, then scores the resulting equity curve.
package backtest

// Params configures one single-strategy run.
type Params struct {
	StrategyID     string             `json:"strategy_id"`
	Symbol         string             `json:"symbol"`
	Interval       string             `json:"interval"`
	StartTime      int64              `json:"start_time"`
	EndTime        int64              `json:"end_time"`
	InitialBalance float64            `json:"initial_balance"`
	Leverage       float64            `json:"leverage"`
	SlippagePct    float64            `json:"slippage_pct"`
	FeePct         float64            `json:"fee_pct"`
	Overrides      map[string]float64 `json:"overrides,omitempty"`
}

// PortfolioParams configures a multi-strategy run over one candle set.
type PortfolioParams struct {
	StrategyIDs    []string `json:"strategy_ids"`
	Symbol         string   `json:"symbol"`
	Interval       string   `json:"interval"`
	StartTime      int64    `json:"start_time"`
	EndTime        int64    `json:"end_time"`
	InitialBalance float64  `json:"initial_balance"`
	Leverage       float64  `json:"leverage"`
	SlippagePct    float64  `json:"slippage_pct"`
	FeePct         float64  `json:"fee_pct"`
}

// Trade is one simulated round trip.
type Trade struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"` // LONG or SHORT
	EntryTime  int64   `json:"entry_time"`
	ExitTime   int64   `json:"exit_time"`
	EntryPrice float64 `json:"entry_price"`
	ExitPrice  float64 `json:"exit_price"`
	Quantity   float64 `json:"quantity"`
	Pnl        float64 `json:"pnl"`
	ExitReason string  `json:"exit_reason"`
}

// EquityPoint is one point of the simulated equity curve.
type EquityPoint struct {
	Timestamp int64   `json:"timestamp"`
	Equity    float64 `json:"equity"`
}

// Metrics summarizes a finished run.
type Metrics struct {
	TotalReturn    float64 `json:"total_return"`
	TotalReturnPct float64 `json:"total_return_pct"`
	TradeCount     int     `json:"trade_count"`
	Wins           int     `json:"wins"`
	Losses         int     `json:"losses"`
	WinRate        float64 `json:"win_rate"`
	AvgWin         float64 `json:"avg_win"`
	AvgLoss        float64 `json:"avg_loss"`
	ProfitFactor   float64 `json:"profit_factor"`
	Expectancy     float64 `json:"expectancy"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	Sharpe         float64 `json:"sharpe"`
	Sortino        float64 `json:"sortino"`
	FinalEquity    float64 `json:"final_equity"`
}

// Result is the outcome of a single-strategy run.
type Result struct {
	RunID       string        `json:"run_id"`
	StrategyID  string        `json:"strategy_id"`
	Symbol      string        `json:"symbol"`
	Interval    string        `json:"interval"`
	Metrics     Metrics       `json:"metrics"`
	Trades      []Trade       `json:"trades"`
	EquityCurve []EquityPoint `json:"equity_curve"` // sampled
}

// StrategyResult is one strategy's slice of a portfolio run.
type StrategyResult struct {
	StrategyID     string  `json:"strategy_id"`
	InitialBalance float64 `json:"initial_balance"`
	Metrics        Metrics `json:"metrics"`
	Trades         []Trade `json:"trades"`
}

// PortfolioResult is the outcome of a multi-strategy run.
type PortfolioResult struct {
	RunID       string           `json:"run_id"`
	Symbol      string           `json:"symbol"`
	Interval    string           `json:"interval"`
	Metrics     Metrics          `json:"metrics"`
	Strategies  []StrategyResult `json:"strategies"`
	EquityCurve []EquityPoint    `json:"equity_curve"` // sampled, summed
}
