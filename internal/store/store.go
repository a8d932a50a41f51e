// Package store defines storage interfaces for the engine's external
// collaborators: historical bars on one side, backtest tasks and results on
// the other.
package store

import (
	"context"
	"encoding/json"
	"time"

	"quantlab/internal/domain"
)

// TaskKind distinguishes single backtests from optimization searches.
type TaskKind string

const (
	TaskBacktest     TaskKind = "backtest"
	TaskOptimization TaskKind = "optimization"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskStopped   TaskStatus = "stopped"
	TaskFailed    TaskStatus = "error"
)

// TaskStatusOf maps a run's terminal status onto a task status.
func TaskStatusOf(s domain.RunStatus) TaskStatus {
	switch s {
	case domain.RunCompleted:
		return TaskCompleted
	case domain.RunStopped:
		return TaskStopped
	}
	return TaskFailed
}

// Task is one request accepted by the engine. Request holds the request as
// submitted, JSON encoded.
type Task struct {
	ID         string     `json:"id"`
	Kind       TaskKind   `json:"kind"`
	StrategyID string     `json:"strategyId"`
	Symbol     string     `json:"symbol"`
	Interval   string     `json:"interval"`
	Status     TaskStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	Request    string     `json:"request,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Run is one persisted backtest. A task has one run per backtest or per
// optimization trial. Result is nil in listings.
type Run struct {
	ID         string                    `json:"id"`
	TaskID     string                    `json:"taskId"`
	Trial      int                       `json:"trial"`
	StrategyID string                    `json:"strategyId"`
	Symbol     string                    `json:"symbol"`
	Interval   string                    `json:"interval"`
	Status     domain.RunStatus          `json:"status"`
	Params     map[string]float64        `json:"params,omitempty"`
	Metrics    domain.PerformanceMetrics `json:"metrics"`
	Result     *domain.BacktestResult    `json:"result,omitempty"`
	CreatedAt  time.Time                 `json:"createdAt"`
}

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists bars for one symbol and interval, replacing bars
	// with the same timestamp.
	WriteBars(ctx context.Context, symbol, interval string, bars []domain.Bar) error

	// ReadBars returns bars within [start, end] in ascending time order.
	ReadBars(ctx context.Context, symbol, interval string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all symbols with data at the given interval.
	ListSymbols(ctx context.Context, interval string) ([]string, error)
}

// ResultStore persists tasks and finished runs.
type ResultStore interface {
	CreateTask(ctx context.Context, task *Task) error
	UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, errMsg string) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, limit int) ([]Task, error)

	// SaveRun stores run together with its trades and equity curve.
	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, taskID string) ([]Run, error)
	ListTrades(ctx context.Context, runID string) ([]domain.Trade, error)
	ListEquity(ctx context.Context, runID string) ([]domain.EquityPoint, error)
}

// Checkpoint is a saved snapshot of a running backtest task after Bar bars.
// Data is the engine's encoding of the run state.
type Checkpoint struct {
	TaskID    string          `json:"taskId"`
	Bar       int             `json:"bar"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
}

// CheckpointStore keeps snapshots of running tasks so that an interrupted
// backtest can continue where it stopped.
type CheckpointStore interface {
	// SaveCheckpoint stores cp and prunes the task's checkpoints to the keep
	// most recent. keep <= 0 keeps all of them.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint, keep int) error
	LatestCheckpoint(ctx context.Context, taskID string) (*Checkpoint, error)
	DeleteCheckpoints(ctx context.Context, taskID string) (int, error)
}

// ResultExporter writes a run's trades and equity curve to files and
// returns their paths.
type ResultExporter interface {
	ExportResult(ctx context.Context, runID string, res *domain.BacktestResult) ([]string, error)
}
