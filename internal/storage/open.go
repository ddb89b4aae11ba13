package storage

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"botrunner/internal/task"
	logx "botrunner/pkg/logx"
)

// Store is the run log used by the engine, the manager and the status view.
type Store interface {
	// Create inserts r and sets r.ID.
	Create(ctx context.Context, r *task.Run) error
	MarkRunning(ctx context.Context, id int64, at time.Time) error
	// MarkTerminal fails with ErrNotFound for unknown ids and ErrConflict
	// when the run is already terminal.
	MarkTerminal(ctx context.Context, id int64, out task.Outcome) error

	Get(ctx context.Context, id int64) (task.Run, error)
	// List orders by started_at desc, then id desc.
	List(ctx context.Context, f Filter) ([]task.Run, error)
	Count(ctx context.Context, f Filter) (int64, error)

	// Delete fails with ErrConflict for non-terminal runs.
	Delete(ctx context.Context, id int64) error
	DeleteAllForTask(ctx context.Context, name string) (int64, error)
	// Prune deletes terminal runs started before the cutoff.
	Prune(ctx context.Context, before time.Time) (int64, error)
	// Reconcile marks every non-terminal run as an interrupted error.
	Reconcile(ctx context.Context, at time.Time) (int64, error)

	Summaries(ctx context.Context) (map[string]TaskSummary, error)
	// CountSince counts dispatches (first attempts) started at or after since.
	CountSince(ctx context.Context, since time.Time) (int64, error)
	WindowStats(ctx context.Context, since time.Time) (WindowStats, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		st, err := openSQLite(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "mysql":
		st, err := openMySQL(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func validateNew(r *task.Run) error {
	if r == nil {
		return errors.New("run is nil")
	}
	if r.TaskName == "" {
		return errors.New("run task name is required")
	}
	if !r.Status.Valid() || r.Status.Terminal() {
		return errors.New("new runs must be pending or running")
	}
	if !r.Trigger.Valid() {
		return errors.New("invalid trigger: " + string(r.Trigger))
	}
	if r.Attempt <= 0 {
		r.Attempt = 1
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	return nil
}

func validateOutcome(out task.Outcome) error {
	if !out.Status.Terminal() {
		return errors.New("outcome status must be terminal")
	}
	return nil
}

func runSubject(id int64) string { return strconv.FormatInt(id, 10) }

func msOf(t time.Time) int64 { return t.UnixMilli() }

func timeOf(ms int64) time.Time { return time.UnixMilli(ms) }
