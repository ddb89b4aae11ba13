package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"botrunner/internal/task"
	logx "botrunner/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan dispatch, idx int) {
	// Per-worker RNG: avoids global lock contention when many tasks retry concurrently.
	seed := time.Now().UnixNano() ^ (int64(idx) << 32)
	rng := rand.New(rand.NewSource(seed))

	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case d := <-queue:
			atomic.AddInt32(&s.inFlight, 1)
			s.execOne(ctx, stopCh, d, rng)
			atomic.AddInt32(&s.inFlight, -1)
		}
	}
}

// execOne runs every attempt of one dispatch. The gate is released only
// after the final terminal write; the finish hook runs after that.
func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, d dispatch, rng *rand.Rand) {
	s.mu.Lock()
	cfg := s.cfg
	onFinish := s.onFinish
	s.mu.Unlock()

	name := d.task.Name
	timeout := d.task.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	policy := cfg.policyFor(d.task)

	stopping := func() bool {
		select {
		case <-stopCh:
			return true
		default:
			return ctx.Err() != nil
		}
	}

	runID := d.runID
	final := task.Run{ID: runID, TaskName: name, DispatchID: d.dispatchID, Trigger: d.trigger}
	for attempt := 1; ; attempt++ {
		startedAt := s.now()
		if attempt == 1 {
			wctx, cancel := storeCtx(ctx)
			err := s.store.MarkRunning(wctx, runID, startedAt)
			cancel()
			if err != nil {
				s.warnStore("mark running", runID, err)
			}
		} else {
			id, err := s.createAttempt(ctx, d, attempt, startedAt)
			if err != nil {
				// Without a row there is nothing to report the attempt on.
				s.warnStore("create attempt", runID, err)
				break
			}
			runID = id
		}
		s.log.Debug("run started", logx.Task(name), logx.RunID(runID), logx.Int("attempt", attempt))
		s.publish("run.started", RunEvent{RunID: runID, DispatchID: d.dispatchID, Task: name, Attempt: attempt, Trigger: d.trigger, Status: task.StatusRunning})

		res := s.runGuarded(ctx, Request{Task: d.task, RunID: runID, Attempt: attempt, Timeout: timeout})
		out := outcomeOf(res)
		interrupted := stopping()
		if interrupted && res.Err != nil {
			out.Error = joinReason(task.ReasonInterrupted, res.Stderr)
		}
		out.FinishedAt = s.now()

		decision := task.Decision{}
		if !interrupted {
			decision = policy.Decide(attempt, res.Err, rng)
		}
		out.Retried = decision.Retry

		wctx, cancel := storeCtx(ctx)
		if err := s.store.MarkTerminal(wctx, runID, out); err != nil {
			s.warnStore("mark terminal", runID, err)
		}
		cancel()

		final = task.Run{
			ID: runID, TaskName: name, DispatchID: d.dispatchID, Attempt: attempt, Trigger: d.trigger,
			Status: out.Status, StartedAt: startedAt, FinishedAt: &out.FinishedAt, ExitCode: out.ExitCode,
			Output: out.Output, Error: out.Error, Retried: out.Retried,
		}
		ev := RunEvent{
			RunID: runID, DispatchID: d.dispatchID, Task: name, Attempt: attempt, Trigger: d.trigger,
			Status: out.Status, ExitCode: out.ExitCode, Duration: out.FinishedAt.Sub(startedAt), Error: out.Error, Output: out.Output,
		}

		if !decision.Retry {
			s.report(final, ev)
			break
		}

		atomic.AddUint64(&s.retried, 1)
		ev.RetryIn = decision.Delay
		s.log.Info("run failed; retry scheduled", logx.Task(name), logx.RunID(runID), logx.Int("attempt", attempt),
			logx.Duration("delay", decision.Delay), logx.String("err", firstLine(out.Error)))
		s.publish("run.retry", ev)

		if !s.wait(ctx, stopCh, decision.Delay) {
			if r, ok := s.abandon(ctx, d, attempt+1, task.ReasonInterrupted); ok {
				final = r
			}
			break
		}
		// The task may have been disabled or removed during the backoff.
		cur, ok := s.tasks.Get(name)
		if !ok || !cur.Enabled {
			reason := task.ReasonDisabled
			if !ok {
				reason = task.ReasonRemoved
			}
			s.log.Info("retry abandoned", logx.Task(name), logx.String("reason", reason))
			if r, ok := s.abandon(ctx, d, attempt+1, reason); ok {
				final = r
			}
			break
		}
		d.task = cur
	}

	d.state.release()
	if onFinish != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("finish hook panic", logx.Task(name), logx.Any("panic", r))
				}
			}()
			onFinish(name, final)
		}()
	}
}

// abandon records the attempt promised by a retried=true row as a failed
// terminal row carrying reason, so the dispatch still ends in exactly one
// final row. The runner is not called.
func (s *Service) abandon(ctx context.Context, d dispatch, attempt int, reason string) (task.Run, bool) {
	id, err := s.createAttempt(ctx, d, attempt, s.now())
	if err != nil {
		s.warnStore("create attempt", 0, err)
		return task.Run{}, false
	}
	out := task.Outcome{Status: task.StatusError, Error: reason, FinishedAt: s.now()}
	s.finishRun(id, out)
	r := task.Run{
		ID: id, TaskName: d.task.Name, DispatchID: d.dispatchID, Attempt: attempt, Trigger: d.trigger,
		Status: task.StatusError, StartedAt: out.FinishedAt, FinishedAt: &out.FinishedAt, Error: reason,
	}
	s.report(r, RunEvent{RunID: id, DispatchID: d.dispatchID, Task: d.task.Name, Attempt: attempt,
		Trigger: d.trigger, Status: task.StatusError, Error: reason})
	return r, true
}

func (s *Service) createAttempt(ctx context.Context, d dispatch, attempt int, at time.Time) (int64, error) {
	r := task.Run{
		TaskName:   d.task.Name,
		DispatchID: d.dispatchID,
		Attempt:    attempt,
		Trigger:    d.trigger,
		Status:     task.StatusRunning,
		StartedAt:  at,
	}
	wctx, cancel := storeCtx(ctx)
	defer cancel()
	if err := s.store.Create(wctx, &r); err != nil {
		return 0, err
	}
	return r.ID, nil
}

// runGuarded converts a runner panic into an execution error so one bad
// task can't kill a worker.
func (s *Service) runGuarded(ctx context.Context, req Request) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("runner panic", logx.Task(req.Task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			res = Result{Err: task.NewError(task.ErrExecution, "run", req.Task.Name, fmt.Errorf("panic: %v", r))}
		}
	}()
	return s.runner.Execute(ctx, req)
}

func (s *Service) wait(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-tmr.C:
		return true
	}
}

func (s *Service) report(final task.Run, ev RunEvent) {
	if final.Status == task.StatusSuccess {
		atomic.AddUint64(&s.succeeded, 1)
		if dur := ev.Duration; dur >= 750*time.Millisecond {
			s.log.Info("run finished", logx.Task(final.TaskName), logx.RunID(final.ID), logx.Int("attempt", final.Attempt), logx.Duration("dur", dur))
		} else {
			s.log.Debug("run finished", logx.Task(final.TaskName), logx.RunID(final.ID), logx.Int("attempt", final.Attempt), logx.Duration("dur", dur))
		}
		s.publish("run.finished", ev)
		return
	}
	atomic.AddUint64(&s.failed, 1)
	s.log.Warn("run failed", logx.Task(final.TaskName), logx.RunID(final.ID), logx.Int("attempt", final.Attempt),
		logx.String("err", firstLine(final.Error)))
	s.publish("run.failed", ev)
}

// outcomeOf derives the terminal transition from an attempt's result.
func outcomeOf(res Result) task.Outcome {
	out := task.Outcome{ExitCode: res.ExitCode, Output: res.Stdout}
	if res.Err == nil {
		out.Status = task.StatusSuccess
		out.Error = res.Stderr
		return out
	}
	out.Status = task.StatusError
	out.Error = joinReason(reasonOf(res.Err), res.Stderr)
	return out
}

// reasonOf strips the "op subject:" prefix of a task error.
func reasonOf(err error) string {
	var te *task.Error
	if errors.As(err, &te) && te.Err != nil {
		return te.Err.Error()
	}
	if errors.As(err, &te) {
		return te.Kind.Error()
	}
	return err.Error()
}

func joinReason(reason, stderr string) string {
	stderr = strings.TrimRight(stderr, "\n")
	if stderr == "" {
		return reason
	}
	return reason + "\n" + stderr
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
