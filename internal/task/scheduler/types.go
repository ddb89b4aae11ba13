package scheduler

import (
	"context"
	"sync"
	"time"

	"botrunner/internal/task"
	"botrunner/internal/task/schedule"
	logx "botrunner/pkg/logx"

	rtsup "botrunner/internal/runtime/supervisor"

	"golang.org/x/time/rate"
)

const (
	DefaultTick = time.Second
	// MaxTick keeps detection latency within a few seconds.
	MaxTick = 5 * time.Second
)

// Config controls the scheduler (trigger) service.
type Config struct {
	Enabled  bool
	Tick     time.Duration
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
}

func (c Config) tick() time.Duration {
	switch {
	case c.Tick <= 0:
		return DefaultTick
	case c.Tick > MaxTick:
		return MaxTick
	}
	return c.Tick
}

// TaskSource lists task snapshots in source order.
type TaskSource interface {
	List() []task.Task
}

// Dispatcher accepts a due task. It must not block on execution.
type Dispatcher interface {
	Trigger(ctx context.Context, name string, trig task.Trigger) (int64, error)
}

// State is the derived schedule state of one task.
type State struct {
	Name          string
	Schedule      string
	Enabled       bool
	NextRunAt     time.Time // zero when disabled, unscheduled or invalid
	LastDispatch  time.Time
	ScheduleError string
}

type entry struct {
	def     schedule.Def
	loc     string // default location the spec was parsed with
	spec    schedule.Spec
	err     string
	enabled bool
	next    time.Time
	last    time.Time
}

type Deps struct {
	Tasks      TaskSource
	Dispatcher Dispatcher
	Log        logx.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location
	log logx.Logger

	tasks TaskSource
	disp  Dispatcher
	now   func() time.Time

	entries map[string]*entry

	sup    *rtsup.Supervisor
	stopCh chan struct{}

	// Dispatch warnings are throttled per task.
	warnMu sync.Mutex
	warn   map[string]*rate.Sometimes
}

// ScheduleInfo is one row of Snapshot.
type ScheduleInfo struct {
	Name    string
	Spec    string
	Enabled bool
	Next    time.Time
	Prev    time.Time
	Error   string
}

type Snapshot struct {
	Enabled   bool
	Running   bool
	Timezone  string
	Tick      time.Duration
	Schedules []ScheduleInfo
}
