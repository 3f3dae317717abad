// Package db provides the SQLite persistence layer: backtest results,
// periodic equity snapshots, and per-strategy performance records.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound marks point reads that matched no row.
var ErrNotFound = errors.New("record not found")

// Queries is the typed query layer.
type Queries struct {
	db *sql.DB
}

func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// ----------------------------------------
// Backtest runs
// ----------------------------------------

// InsertBacktestRun stores a run and its trades in one transaction.
func (q *Queries) InsertBacktestRun(ctx context.Context, run BacktestRun, trades []BacktestTrade) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO backtest_runs
			(id, strategy_id, symbol, interval, start_time, end_time,
			 initial_balance, leverage, final_equity, metrics)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.StrategyID, run.Symbol, run.Interval, run.StartTime, run.EndTime,
		run.InitialBalance, run.Leverage, run.FinalEquity, run.MetricsJSON)
	if err != nil {
		return fmt.Errorf("insert backtest run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO backtest_trades
			(run_id, symbol, side, entry_time, exit_time,
			 entry_price, exit_price, quantity, pnl, exit_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range trades {
		_, err = stmt.ExecContext(ctx, run.ID, t.Symbol, t.Side, t.EntryTime, t.ExitTime,
			t.EntryPrice, t.ExitPrice, t.Quantity, t.Pnl, t.ExitReason)
		if err != nil {
			return fmt.Errorf("insert backtest trade: %w", err)
		}
	}

	return tx.Commit()
}

// GetBacktestRun returns one run by id.
func (q *Queries) GetBacktestRun(ctx context.Context, id string) (BacktestRun, error) {
	var run BacktestRun
	err := q.db.QueryRowContext(ctx, `
		SELECT id, strategy_id, symbol, interval, start_time, end_time,
		       initial_balance, leverage, final_equity, metrics, created_at
		FROM backtest_runs
		WHERE id = ?
	`, id).Scan(&run.ID, &run.StrategyID, &run.Symbol, &run.Interval, &run.StartTime,
		&run.EndTime, &run.InitialBalance, &run.Leverage, &run.FinalEquity,
		&run.MetricsJSON, &run.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return BacktestRun{}, fmt.Errorf("%w: backtest run %s", ErrNotFound, id)
	}
	if err != nil {
		return BacktestRun{}, fmt.Errorf("query backtest run: %w", err)
	}
	return run, nil
}

// ListBacktestRuns returns the most recent runs, newest first.
func (q *Queries) ListBacktestRuns(ctx context.Context, limit int) ([]BacktestRun, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, strategy_id, symbol, interval, start_time, end_time,
		       initial_balance, leverage, final_equity, metrics, created_at
		FROM backtest_runs
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query backtest runs: %w", err)
	}
	defer rows.Close()

	var runs []BacktestRun
	for rows.Next() {
		var run BacktestRun
		if err := rows.Scan(&run.ID, &run.StrategyID, &run.Symbol, &run.Interval,
			&run.StartTime, &run.EndTime, &run.InitialBalance, &run.Leverage,
			&run.FinalEquity, &run.MetricsJSON, &run.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan backtest run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetBacktestTrades returns a run's trades in entry order.
func (q *Queries) GetBacktestTrades(ctx context.Context, runID string) ([]BacktestTrade, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, run_id, symbol, side, entry_time, exit_time,
		       entry_price, exit_price, quantity, pnl, exit_reason
		FROM backtest_trades
		WHERE run_id = ?
		ORDER BY entry_time ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query backtest trades: %w", err)
	}
	defer rows.Close()

	var trades []BacktestTrade
	for rows.Next() {
		var t BacktestTrade
		if err := rows.Scan(&t.ID, &t.RunID, &t.Symbol, &t.Side, &t.EntryTime, &t.ExitTime,
			&t.EntryPrice, &t.ExitPrice, &t.Quantity, &t.Pnl, &t.ExitReason); err != nil {
			return nil, fmt.Errorf("scan backtest trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ----------------------------------------
// Equity snapshots
// ----------------------------------------

// InsertEquitySnapshot appends one equity observation.
func (q *Queries) InsertEquitySnapshot(ctx context.Context, s EquitySnapshot) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO equity_snapshots (account_id, equity, peak_equity, drawdown_pct)
		VALUES (?, ?, ?, ?)
	`, s.AccountID, s.Equity, s.PeakEquity, s.DrawdownPct)
	return err
}

// LatestPeakEquity returns the most recent persisted peak for the account.
// Used to restore the drawdown baseline on startup.
func (q *Queries) LatestPeakEquity(ctx context.Context, accountID string) (float64, error) {
	var peak float64
	err := q.db.QueryRowContext(ctx, `
		SELECT peak_equity
		FROM equity_snapshots
		WHERE account_id = ?
		ORDER BY snapshot_time DESC, id DESC
		LIMIT 1
	`, accountID).Scan(&peak)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: no equity snapshots for account %s", ErrNotFound, accountID)
	}
	if err != nil {
		return 0, fmt.Errorf("query peak equity: %w", err)
	}
	return peak, nil
}

// ----------------------------------------
// Strategy performance
// ----------------------------------------

// RecordStrategyTrade folds one realized trade result into the running
// per-strategy record.
func (q *Queries) RecordStrategyTrade(ctx context.Context, accountID, strategyID string, pnl float64) error {
	win := 0
	loss := 0
	if pnl > 0 {
		win = 1
	} else if pnl < 0 {
		loss = 1
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO strategy_performance (account_id, strategy_id, wins, losses, total_pnl, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account_id, strategy_id) DO UPDATE SET
			wins = wins + excluded.wins,
			losses = losses + excluded.losses,
			total_pnl = total_pnl + excluded.total_pnl,
			updated_at = CURRENT_TIMESTAMP
	`, accountID, strategyID, win, loss, pnl)
	return err
}

// UpdateStrategyDrawdown ratchets the recorded max drawdown for a strategy.
func (q *Queries) UpdateStrategyDrawdown(ctx context.Context, accountID, strategyID string, drawdownPct float64) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO strategy_performance (account_id, strategy_id, max_drawdown_pct, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account_id, strategy_id) DO UPDATE SET
			max_drawdown_pct = MAX(max_drawdown_pct, excluded.max_drawdown_pct),
			updated_at = CURRENT_TIMESTAMP
	`, accountID, strategyID, drawdownPct)
	return err
}

// GetStrategyPerformance returns every per-strategy record for the account.
func (q *Queries) GetStrategyPerformance(ctx context.Context, accountID string) ([]StrategyPerformance, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT account_id, strategy_id, wins, losses, total_pnl, max_drawdown_pct, updated_at
		FROM strategy_performance
		WHERE account_id = ?
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query strategy performance: %w", err)
	}
	defer rows.Close()

	var records []StrategyPerformance
	for rows.Next() {
		var r StrategyPerformance
		if err := rows.Scan(&r.AccountID, &r.StrategyID, &r.Wins, &r.Losses,
			&r.TotalPnl, &r.MaxDrawdownPct, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan strategy performance: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
