package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"botrunner/internal/eventbus"
	"botrunner/internal/task"
	logx "botrunner/pkg/logx"

	rtsup "botrunner/internal/runtime/supervisor"

	"github.com/google/uuid"
)

const (
	warnThrottleEvery = 5 * time.Second
	storeWriteTimeout = 10 * time.Second
)

// Deps are the collaborators of the engine.
type Deps struct {
	Tasks  TaskSource
	Store  RunWriter
	Runner Runnable
	Bus    eventbus.Bus
	Log    logx.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	tasks  TaskSource
	store  RunWriter
	runner Runnable
	now    func() time.Time

	q chan dispatch

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	stateMu sync.Mutex
	states  map[string]*RunState

	onFinish func(name string, final task.Run)

	inFlight   int32
	dispatched uint64
	succeeded  uint64
	failed     uint64
	retried    uint64

	lastStoreWarnAt int64
}

// dispatch is one accepted trigger. It owns the task's gate until done.
type dispatch struct {
	task       task.Task
	runID      int64
	dispatchID string
	trigger    task.Trigger
	enqueuedAt time.Time
	state      *RunState
}

func New(cfg Config, deps Deps) *Service {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    deps.Log,
		bus:    deps.Bus,
		tasks:  deps.Tasks,
		store:  deps.Store,
		runner: deps.Runner,
		now:    deps.Now,
		states: make(map[string]*RunState),
	}
}

// SetOnFinish installs a hook called after a dispatch released its gate.
func (s *Service) SetOnFinish(fn func(name string, final task.Run)) {
	s.mu.Lock()
	s.onFinish = fn
	s.mu.Unlock()
}

// Supervisor returns the engine's internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// Apply updates timeouts and retry defaults. Pool shape (workers, queue)
// only changes on restart.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	cfg.Workers = s.cfg.Workers
	cfg.QueueSize = s.cfg.QueueSize
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh != nil && s.stopDone == nil
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg

	// Start is idempotent.
	if s.stopCh != nil {
		// If stopping, wait for it to finish before restarting.
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	s.q = make(chan dispatch, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	queue := s.q
	workers := cfg.Workers

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "taskengine"))),
		// One failing worker must not take the rest of the engine down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		// Auto-restart workers if they panic or exit unexpectedly.
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh, queue, idx)
			// Clean exits happen only on shutdown.
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}

	s.log.Info("task engine started", logx.Int("workers", workers), logx.Int("queue", cap(queue)))
}

// Stop cancels running attempts (their runs end as interrupted errors),
// drains queued dispatches the same way and releases every gate.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	// If already stopping, wait.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	queue := s.q
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		// Wait unbounded in background; caller can still time out.
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		// Trigger sends under s.mu and checks stopDone first, so nothing
		// is added to the queue after this point.
		drained := 0
		for {
			select {
			case d := <-queue:
				s.interrupt(d)
				drained++
				continue
			default:
			}
			break
		}
		if drained > 0 {
			s.log.Info("queued dispatches interrupted", logx.Int("count", drained))
		}
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Trigger accepts one dispatch of the named task and returns the id of its
// first (pending) run. Checks run in order: engine running, task exists,
// task enabled, gate free. A rejected trigger never creates a run.
func (s *Service) Trigger(ctx context.Context, name string, trig task.Trigger) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !trig.Valid() {
		return 0, fmt.Errorf("invalid trigger %q", trig)
	}
	if !s.Running() {
		return 0, ErrStopped
	}
	t, ok := s.tasks.Get(name)
	if !ok {
		return 0, task.NotFound("trigger", name)
	}
	if !t.Enabled {
		return 0, task.NewError(task.ErrDisabled, "trigger", name, nil)
	}
	st := s.stateFor(name)
	if !st.tryAcquire() {
		return 0, task.NewError(task.ErrAlreadyRunning, "trigger", name, nil)
	}

	// Re-read under the gate so a concurrent delete or disable wins cleanly.
	t, ok = s.tasks.Get(name)
	switch {
	case !ok:
		st.release()
		return 0, task.NotFound("trigger", name)
	case !t.Enabled:
		st.release()
		return 0, task.NewError(task.ErrDisabled, "trigger", name, nil)
	}

	now := s.now()
	run := task.Run{
		TaskName:   name,
		DispatchID: uuid.NewString(),
		Attempt:    1,
		Trigger:    trig,
		Status:     task.StatusPending,
		StartedAt:  now,
	}
	if err := s.store.Create(ctx, &run); err != nil {
		st.release()
		return 0, fmt.Errorf("create run: %w", err)
	}
	d := dispatch{task: t, runID: run.ID, dispatchID: run.DispatchID, trigger: trig, enqueuedAt: now, state: st}

	s.mu.Lock()
	accepting := s.stopCh != nil && s.stopDone == nil
	var queued bool
	if accepting {
		select {
		case s.q <- d:
			queued = true
			// Published under s.mu: a worker reads its config under the same
			// lock before announcing run.started.
			s.publish("run.queued", RunEvent{RunID: run.ID, DispatchID: run.DispatchID, Task: name, Attempt: 1, Trigger: trig, Status: task.StatusPending})
		default:
		}
	}
	qlen := len(s.q)
	s.mu.Unlock()

	if !queued {
		reason := task.ReasonInterrupted
		err := ErrStopped
		if accepting {
			reason, err = "queue full", ErrQueueFull
		}
		s.finishRun(d.runID, task.Outcome{Status: task.StatusError, Error: reason, FinishedAt: s.now()})
		st.release()
		return 0, err
	}

	atomic.AddUint64(&s.dispatched, 1)
	s.log.Debug("run queued", logx.Task(name), logx.RunID(run.ID), logx.String("trigger", string(trig)), logx.Int("queue_len", qlen))
	return run.ID, nil
}

// TryLock takes the task's gate without dispatching. The registry uses it so
// that a delete either conflicts with a run or happens strictly between runs.
func (s *Service) TryLock(name string) (unlock func(), ok bool) {
	st := s.stateFor(name)
	if !st.tryAcquire() {
		return nil, false
	}
	return st.release, true
}

// IsRunning reports whether a dispatch of name is pending or running.
func (s *Service) IsRunning(name string) bool {
	s.stateMu.Lock()
	st := s.states[name]
	s.stateMu.Unlock()
	return st != nil && st.held()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	ql, qc := 0, 0
	if q != nil {
		ql, qc = len(q), cap(q)
	}
	s.stateMu.Lock()
	held := sortedNames(s.states)
	s.stateMu.Unlock()

	return Snapshot{
		Running:        running,
		Workers:        cfg.Workers,
		QueueLen:       ql,
		QueueCap:       qc,
		InFlight:       int(atomic.LoadInt32(&s.inFlight)),
		Held:           held,
		Dispatched:     atomic.LoadUint64(&s.dispatched),
		Succeeded:      atomic.LoadUint64(&s.succeeded),
		Failed:         atomic.LoadUint64(&s.failed),
		Retried:        atomic.LoadUint64(&s.retried),
		DefaultTimeout: cfg.DefaultTimeout,
		RetryMax:       cfg.RetryMax,
	}
}

func (s *Service) stateFor(name string) *RunState {
	s.stateMu.Lock()
	st := s.states[name]
	if st == nil {
		st = &RunState{}
		s.states[name] = st
	}
	s.stateMu.Unlock()
	return st
}

// interrupt ends a dispatch that never reached a worker.
func (s *Service) interrupt(d dispatch) {
	s.finishRun(d.runID, task.Outcome{Status: task.StatusError, Error: task.ReasonInterrupted, FinishedAt: s.now()})
	d.state.release()
	s.publish("run.failed", RunEvent{RunID: d.runID, DispatchID: d.dispatchID, Task: d.task.Name, Attempt: 1, Trigger: d.trigger, Status: task.StatusError, Error: task.ReasonInterrupted})
}

// storeCtx is detached from shutdown so outcomes are flushed even while the
// engine is stopping.
func storeCtx(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(parent), storeWriteTimeout)
}

func (s *Service) finishRun(id int64, out task.Outcome) {
	ctx, cancel := storeCtx(context.Background())
	defer cancel()
	if err := s.store.MarkTerminal(ctx, id, out); err != nil {
		s.warnStore("mark terminal", id, err)
	}
}

func (s *Service) warnStore(op string, id int64, err error) {
	now := time.Now()
	prev := atomic.LoadInt64(&s.lastStoreWarnAt)
	if prev != 0 && now.UnixNano()-prev < int64(warnThrottleEvery) {
		return
	}
	if atomic.CompareAndSwapInt64(&s.lastStoreWarnAt, prev, now.UnixNano()) {
		s.log.Warn("run store write failed", logx.String("op", op), logx.RunID(id), logx.Err(err))
	}
}

func (s *Service) publish(typ string, ev RunEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}
