package storage

import (
	"errors"
	"time"

	"botrunner/internal/task"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "mysql": MySQL database reachable through DSN
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Filter selects runs for List and Count. Zero fields match everything.
type Filter struct {
	TaskName string
	Status   task.RunStatus
	Limit    int
	Offset   int
}

// DefaultListLimit applies when Filter.Limit is zero.
const (
	DefaultListLimit = 50
	MaxListLimit     = 1000
)

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	}
	return f.Limit
}

func (f Filter) offset() int {
	if f.Offset < 0 {
		return 0
	}
	return f.Offset
}

// TaskSummary aggregates the history of one task name.
//
// RunCount and ErrorCount count dispatches: terminal rows that were not
// superseded by a retry.
type TaskSummary struct {
	TaskName   string
	RunCount   int64
	ErrorCount int64
	LastStatus task.RunStatus
	LastRunAt  *time.Time
	Running    bool
}

// WindowStats counts final terminal dispatches started within a window.
type WindowStats struct {
	Total   int64
	Success int64
	Failed  int64
}

// AuditEntry records an operator action.
type AuditEntry struct {
	At     time.Time
	Action string
	Target string
	OK     bool
	Error  string
	Meta   string
}
