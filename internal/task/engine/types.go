package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"botrunner/internal/task"
)

// Config controls the task execution engine.
//
// The app layer maps config.executor into this struct.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// Retry defaults for tasks that enable retry without overriding them.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = time.Minute
	}
	if c.RetryJitter < 0 {
		c.RetryJitter = 0
	}
	return c
}

// policyFor fills the task's retry policy from engine defaults.
func (c Config) policyFor(t task.Task) task.RetryPolicy {
	p := t.Retry
	if !p.Enabled {
		return p
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = c.RetryMax
	}
	if p.Base <= 0 {
		p.Base = c.RetryBase
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = c.RetryMaxDelay
	}
	if p.Jitter == 0 {
		p.Jitter = c.RetryJitter
	}
	return p.WithDefaults()
}

// RunState is the per-task execution gate. It is held from the moment a
// dispatch is accepted until its final terminal write.
type RunState struct {
	mu       sync.Mutex
	inflight bool
}

func (s *RunState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		return false
	}
	s.inflight = true
	return true
}

func (s *RunState) release() {
	s.mu.Lock()
	s.inflight = false
	s.mu.Unlock()
}

func (s *RunState) held() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

// Request is one attempt handed to a Runnable.
type Request struct {
	Task    task.Task
	RunID   int64
	Attempt int
	Timeout time.Duration
}

// Result is what one attempt produced. Err is nil on success and otherwise
// carries one of task.ErrLaunch, task.ErrTimeout or task.ErrExecution.
type Result struct {
	ExitCode *int
	Stdout   string
	Stderr   string
	Err      error
}

// Runnable executes one attempt of a task.
type Runnable interface {
	Execute(ctx context.Context, req Request) Result
}

// RunnableFunc adapts a function to Runnable.
type RunnableFunc func(ctx context.Context, req Request) Result

func (f RunnableFunc) Execute(ctx context.Context, req Request) Result { return f(ctx, req) }

// TaskSource is the read side of the registry.
type TaskSource interface {
	Get(name string) (task.Task, bool)
}

// RunWriter is the part of the run store the engine writes to.
type RunWriter interface {
	Create(ctx context.Context, r *task.Run) error
	MarkRunning(ctx context.Context, id int64, at time.Time) error
	MarkTerminal(ctx context.Context, id int64, out task.Outcome) error
}

// RunEvent is emitted on the event bus for run lifecycle events
// (run.queued, run.started, run.retry, run.finished, run.failed).
type RunEvent struct {
	RunID      int64          `json:"run_id"`
	DispatchID string         `json:"dispatch_id"`
	Task       string         `json:"task"`
	Attempt    int            `json:"attempt"`
	Trigger    task.Trigger   `json:"trigger"`
	Status     task.RunStatus `json:"status"`
	ExitCode   *int           `json:"exit_code,omitempty"`
	Duration   time.Duration  `json:"duration,omitempty"`
	RetryIn    time.Duration  `json:"retry_in,omitempty"`
	Error      string         `json:"error,omitempty"`
	Output     string         `json:"-"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int
	Held     []string

	Dispatched uint64
	Succeeded  uint64
	Failed     uint64
	Retried    uint64

	DefaultTimeout time.Duration
	RetryMax       int
}

func sortedNames(m map[string]*RunState) []string {
	out := make([]string, 0, len(m))
	for name, st := range m {
		if st.held() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
