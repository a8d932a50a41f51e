package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"quantlab/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var (
	_ ResultStore     = (*SQLiteStore)(nil)
	_ CheckpointStore = (*SQLiteStore)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS backtest_tasks (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	strategy_id TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	interval    TEXT NOT NULL,
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	request     TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS strategy_runs (
	id           TEXT PRIMARY KEY,
	task_id      TEXT NOT NULL,
	trial        INTEGER NOT NULL,
	strategy_id  TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	interval     TEXT NOT NULL,
	status       TEXT NOT NULL,
	params       TEXT NOT NULL,
	metrics      TEXT NOT NULL,
	result       TEXT NOT NULL,
	total_return REAL NOT NULL,
	sharpe_ratio REAL NOT NULL,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_strategy_runs_task ON strategy_runs(task_id, trial);

CREATE TABLE IF NOT EXISTS trade_records (
	run_id      TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	id          TEXT NOT NULL,
	order_id    TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	side        TEXT NOT NULL,
	price       REAL NOT NULL,
	qty         REAL NOT NULL,
	commission  REAL NOT NULL,
	slippage    REAL NOT NULL,
	bar_index   INTEGER NOT NULL,
	ts          INTEGER NOT NULL,
	closed_qty  REAL NOT NULL,
	opened_qty  REAL NOT NULL,
	entry_price REAL NOT NULL,
	pnl         REAL NOT NULL,
	PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS equity_points (
	run_id         TEXT NOT NULL,
	bar_index      INTEGER NOT NULL,
	ts             INTEGER NOT NULL,
	equity         REAL NOT NULL,
	cash           REAL NOT NULL,
	position_value REAL NOT NULL,
	gross_exposure REAL NOT NULL,
	drawdown       REAL NOT NULL,
	drawdown_pct   REAL NOT NULL,
	PRIMARY KEY (run_id, bar_index)
);

CREATE TABLE IF NOT EXISTS checkpoints (
	task_id    TEXT NOT NULL,
	bar        INTEGER NOT NULL,
	data       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (task_id, bar)
);
`

// SQLiteStore implements ResultStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// schema if needed and returns a ready-to-use SQLiteStore. Use ":memory:"
// for a private in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func unixNano(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNano(n int64) time.Time { return time.Unix(0, n).UTC() }

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

// CreateTask inserts a new task. Zero timestamps are set to now.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *Task) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backtest_tasks (id, kind, strategy_id, symbol, interval, status, error, request, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Kind, t.StrategyID, t.Symbol, t.Interval, t.Status, t.Error, t.Request,
		unixNano(t.CreatedAt), unixNano(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting task %s: %w", t.ID, err)
	}
	return nil
}

// UpdateTaskStatus sets a task's status and error message.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE backtest_tasks SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, unixNano(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	return nil
}

const taskColumns = `id, kind, strategy_id, symbol, interval, status, error, request, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (Task, error) {
	var t Task
	var created, updated int64
	err := row.Scan(&t.ID, &t.Kind, &t.StrategyID, &t.Symbol, &t.Interval, &t.Status, &t.Error, &t.Request, &created, &updated)
	t.CreatedAt, t.UpdatedAt = fromNano(created), fromNano(updated)
	return t, err
}

// GetTask retrieves a task by id.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM backtest_tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading task %s: %w", id, err)
	}
	return &t, nil
}

// ListTasks returns the most recent tasks first. limit <= 0 means 100.
func (s *SQLiteStore) ListTasks(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM backtest_tasks ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

// SaveRun stores run and, when run.Result is set, its trades and equity
// curve, in one transaction.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	params, err := json.Marshal(run.Params)
	if err != nil {
		return err
	}
	metrics, err := json.Marshal(run.Metrics)
	if err != nil {
		return err
	}
	result := []byte("null")
	if run.Result != nil {
		if result, err = json.Marshal(run.Result); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO strategy_runs (id, task_id, trial, strategy_id, symbol, interval, status, params, metrics, result,
			total_return, sharpe_ratio, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TaskID, run.Trial, run.StrategyID, run.Symbol, run.Interval, run.Status,
		string(params), string(metrics), string(result),
		run.Metrics.TotalReturn, run.Metrics.SharpeRatio, unixNano(run.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}

	if run.Result != nil {
		if err := insertTrades(ctx, tx, run.ID, run.Result.Trades); err != nil {
			return err
		}
		if err := insertEquity(ctx, tx, run.ID, run.Result.EquityCurve); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertTrades(ctx context.Context, tx *sql.Tx, runID string, trades []domain.Trade) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trade_records (run_id, seq, id, order_id, symbol, side, price, qty, commission, slippage,
			bar_index, ts, closed_qty, opened_qty, entry_price, pnl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, t := range trades {
		if _, err := stmt.ExecContext(ctx, runID, i, t.ID, t.OrderID, t.Symbol, t.Side, t.Price, t.Qty,
			t.Commission, t.Slippage, t.BarIndex, unixNano(t.Timestamp), t.ClosedQty, t.OpenedQty,
			t.EntryPrice, t.PnL); err != nil {
			return fmt.Errorf("inserting trade %s: %w", t.ID, err)
		}
	}
	return nil
}

func insertEquity(ctx context.Context, tx *sql.Tx, runID string, curve []domain.EquityPoint) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO equity_points (run_id, bar_index, ts, equity, cash, position_value, gross_exposure, drawdown, drawdown_pct)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, p := range curve {
		if _, err := stmt.ExecContext(ctx, runID, p.BarIndex, unixNano(p.Timestamp), p.Equity, p.Cash,
			p.PositionValue, p.GrossExposure, p.Drawdown, p.DrawdownPct); err != nil {
			return fmt.Errorf("inserting equity point %d: %w", p.BarIndex, err)
		}
	}
	return nil
}

const runColumns = `id, task_id, trial, strategy_id, symbol, interval, status, params, metrics, created_at`

func scanRun(row scanner, extra ...any) (Run, error) {
	var r Run
	var params, metrics string
	var created int64
	dest := append([]any{&r.ID, &r.TaskID, &r.Trial, &r.StrategyID, &r.Symbol, &r.Interval, &r.Status,
		&params, &metrics, &created}, extra...)
	if err := row.Scan(dest...); err != nil {
		return r, err
	}
	r.CreatedAt = fromNano(created)
	if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
		return r, fmt.Errorf("decoding params of run %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(metrics), &r.Metrics); err != nil {
		return r, fmt.Errorf("decoding metrics of run %s: %w", r.ID, err)
	}
	return r, nil
}

// GetRun retrieves a run with its full result.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	var result string
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+`, result FROM strategy_runs WHERE id = ?`, id), &result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading run %s: %w", id, err)
	}
	if result != "null" {
		r.Result = new(domain.BacktestResult)
		if err := json.Unmarshal([]byte(result), r.Result); err != nil {
			return nil, fmt.Errorf("decoding result of run %s: %w", id, err)
		}
	}
	return &r, nil
}

// ListRuns returns the runs of a task in trial order, without results.
func (s *SQLiteStore) ListRuns(ctx context.Context, taskID string) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM strategy_runs WHERE task_id = ? ORDER BY trial, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListTrades returns a run's trades in fill order.
func (s *SQLiteStore) ListTrades(ctx context.Context, runID string) ([]domain.Trade, error) {
	if err := s.runExists(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, symbol, side, price, qty, commission, slippage, bar_index, ts,
			closed_qty, opened_qty, entry_price, pnl
		FROM trade_records WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing trades: %w", err)
	}
	defer rows.Close()
	out := []domain.Trade{}
	for rows.Next() {
		var t domain.Trade
		var ts int64
		if err := rows.Scan(&t.ID, &t.OrderID, &t.Symbol, &t.Side, &t.Price, &t.Qty, &t.Commission, &t.Slippage,
			&t.BarIndex, &ts, &t.ClosedQty, &t.OpenedQty, &t.EntryPrice, &t.PnL); err != nil {
			return nil, err
		}
		t.Timestamp = fromNano(ts)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListEquity returns a run's equity curve in bar order.
func (s *SQLiteStore) ListEquity(ctx context.Context, runID string) ([]domain.EquityPoint, error) {
	if err := s.runExists(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT bar_index, ts, equity, cash, position_value, gross_exposure, drawdown, drawdown_pct
		FROM equity_points WHERE run_id = ? ORDER BY bar_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing equity: %w", err)
	}
	defer rows.Close()
	out := []domain.EquityPoint{}
	for rows.Next() {
		var p domain.EquityPoint
		var ts int64
		if err := rows.Scan(&p.BarIndex, &ts, &p.Equity, &p.Cash, &p.PositionValue, &p.GrossExposure,
			&p.Drawdown, &p.DrawdownPct); err != nil {
			return nil, err
		}
		p.Timestamp = fromNano(ts)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) runExists(ctx context.Context, id string) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM strategy_runs WHERE id = ?`, id).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Checkpoints
// ---------------------------------------------------------------------------

// SaveCheckpoint stores cp, replacing any checkpoint of the same task and
// bar, and deletes all but the keep most recent checkpoints of the task.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint, keep int) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO checkpoints (task_id, bar, data, created_at) VALUES (?, ?, ?, ?)`,
		cp.TaskID, cp.Bar, string(cp.Data), unixNano(cp.CreatedAt)); err != nil {
		return fmt.Errorf("inserting checkpoint %s@%d: %w", cp.TaskID, cp.Bar, err)
	}
	if keep > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM checkpoints WHERE task_id = ? AND bar NOT IN (
				SELECT bar FROM checkpoints WHERE task_id = ? ORDER BY bar DESC LIMIT ?)`,
			cp.TaskID, cp.TaskID, keep); err != nil {
			return fmt.Errorf("pruning checkpoints of %s: %w", cp.TaskID, err)
		}
	}
	return tx.Commit()
}

// LatestCheckpoint returns the task's checkpoint with the highest bar.
func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, taskID string) (*Checkpoint, error) {
	cp := Checkpoint{TaskID: taskID}
	var data string
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT bar, data, created_at FROM checkpoints WHERE task_id = ? ORDER BY bar DESC LIMIT 1`, taskID).
		Scan(&cp.Bar, &data, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrCheckpointNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint of %s: %w", taskID, err)
	}
	cp.Data = json.RawMessage(data)
	cp.CreatedAt = fromNano(created)
	return &cp, nil
}

// DeleteCheckpoints removes every checkpoint of the task and returns how
// many were deleted.
func (s *SQLiteStore) DeleteCheckpoints(ctx context.Context, taskID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE task_id = ?`, taskID)
	if err != nil {
		return 0, fmt.Errorf("deleting checkpoints of %s: %w", taskID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
