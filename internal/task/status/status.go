// Package status composes the read-only view of tasks, their schedules and
// their run history.
package status

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"botrunner/internal/storage"
	"botrunner/internal/task"
	"botrunner/internal/task/scheduler"
)

// Task states reported in TaskView.State.
const (
	StateDisabled      = "disabled"
	StateRunning       = "running"
	StateScheduleError = "schedule_error"
	StateIdle          = "idle"
)

const DefaultWindow = 24 * time.Hour

type TaskView struct {
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Script        string         `json:"script"`
	Schedule      string         `json:"schedule"`
	Enabled       bool           `json:"enabled"`
	Running       bool           `json:"running"`
	LastStatus    task.RunStatus `json:"last_status,omitempty"`
	LastRunAt     *time.Time     `json:"last_run_at,omitempty"`
	RunCount      int64          `json:"run_count"`
	ErrorCount    int64          `json:"error_count"`
	NextRunAt     *time.Time     `json:"next_run_at,omitempty"`
	ScheduleError string         `json:"schedule_error,omitempty"`
	State         string         `json:"state"`
}

type Overview struct {
	Tasks            []TaskView `json:"tasks"`
	RunsToday        int64      `json:"runs_today"`
	SuccessRate      float64    `json:"success_rate"`
	FailedRuns       int64      `json:"failed_runs"`
	WindowRuns       int64      `json:"window_runs"`
	TotalRuns        int64      `json:"total_runs"`
	SchedulerRunning bool       `json:"scheduler_running"`
	Orphans          []string   `json:"orphans,omitempty"`
	GeneratedAt      time.Time  `json:"generated_at"`
}

// Tasks is the registry side of the view.
type Tasks interface {
	List() []task.Task
	Orphans() []string
}

// Schedules is the scheduler side of the view.
type Schedules interface {
	States() map[string]scheduler.State
	Running() bool
	Location() *time.Location
}

// Stats is the run store side of the view.
type Stats interface {
	Summaries(ctx context.Context) (map[string]storage.TaskSummary, error)
	CountSince(ctx context.Context, since time.Time) (int64, error)
	WindowStats(ctx context.Context, since time.Time) (storage.WindowStats, error)
}

type Config struct {
	Window time.Duration
	// Location bounds "today". Nil follows the scheduler timezone.
	Location *time.Location
}

type Aggregator struct {
	mu    sync.RWMutex
	cfg   Config
	tasks Tasks
	sched Schedules
	stats Stats
	now   func() time.Time
}

func New(cfg Config, tasks Tasks, sched Schedules, stats Stats, now func() time.Time) *Aggregator {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Aggregator{cfg: cfg, tasks: tasks, sched: sched, stats: stats, now: now}
}

// Apply swaps the window and the "today" location.
func (a *Aggregator) Apply(cfg Config) {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

// Overview builds the per-task views and global counters.
func (a *Aggregator) Overview(ctx context.Context) (Overview, error) {
	now := a.now()
	a.mu.RLock()
	cfg := a.cfg
	a.mu.RUnlock()
	sums, err := a.stats.Summaries(ctx)
	if err != nil {
		return Overview{}, fmt.Errorf("summaries: %w", err)
	}

	var (
		states  map[string]scheduler.State
		running bool
	)
	loc := cfg.Location
	if a.sched != nil {
		states = a.sched.States()
		running = a.sched.Running()
		if loc == nil {
			loc = a.sched.Location()
		}
	}
	if loc == nil {
		loc = time.Local
	}

	list := a.tasks.List()
	ov := Overview{
		Tasks:            make([]TaskView, 0, len(list)),
		SchedulerRunning: running,
		Orphans:          a.tasks.Orphans(),
		GeneratedAt:      now,
	}
	for _, t := range list {
		ov.Tasks = append(ov.Tasks, viewOf(t, sums[t.Name], states[t.Name], running))
	}
	for _, s := range sums {
		ov.TotalRuns += s.RunCount
	}

	y, m, d := now.In(loc).Date()
	if ov.RunsToday, err = a.stats.CountSince(ctx, time.Date(y, m, d, 0, 0, 0, 0, loc)); err != nil {
		return Overview{}, fmt.Errorf("runs today: %w", err)
	}
	w, err := a.stats.WindowStats(ctx, now.Add(-cfg.Window))
	if err != nil {
		return Overview{}, fmt.Errorf("window stats: %w", err)
	}
	ov.WindowRuns = w.Total
	ov.FailedRuns = w.Failed
	ov.SuccessRate = SuccessRate(w.Success, w.Total)
	return ov, nil
}

func viewOf(t task.Task, sum storage.TaskSummary, st scheduler.State, schedRunning bool) TaskView {
	v := TaskView{
		Name:          t.Name,
		Description:   t.Description,
		Script:        t.Script,
		Schedule:      t.Schedule.String(),
		Enabled:       t.Enabled,
		Running:       sum.Running,
		LastStatus:    sum.LastStatus,
		LastRunAt:     sum.LastRunAt,
		RunCount:      sum.RunCount,
		ErrorCount:    sum.ErrorCount,
		ScheduleError: st.ScheduleError,
	}
	if schedRunning && t.Enabled && v.ScheduleError == "" && !st.NextRunAt.IsZero() {
		next := st.NextRunAt
		v.NextRunAt = &next
	}
	switch {
	case !t.Enabled:
		v.State = StateDisabled
	case v.Running:
		v.State = StateRunning
	case v.ScheduleError != "":
		v.State = StateScheduleError
	default:
		v.State = StateIdle
	}
	return v
}

// SuccessRate is a percentage rounded to one decimal; 0 without runs.
func SuccessRate(success, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(success)*1000/float64(total)) / 10
}
