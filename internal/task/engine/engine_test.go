package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"botrunner/internal/eventbus"
	"botrunner/internal/storage"
	"botrunner/internal/task"
	logx "botrunner/pkg/logx"
)

type fakeTasks struct {
	mu sync.Mutex
	m  map[string]task.Task
}

func (f *fakeTasks) Get(name string) (task.Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.m[name]
	return t, ok
}

func (f *fakeTasks) remove(name string) {
	f.mu.Lock()
	delete(f.m, name)
	f.mu.Unlock()
}

func (f *fakeTasks) put(t task.Task) {
	f.mu.Lock()
	f.m[t.Name] = t
	f.mu.Unlock()
}

type harness struct {
	eng   *Service
	store storage.Store
	tasks *fakeTasks
	bus   *eventbus.MemBus
	done  chan task.Run
}

func newHarness(t *testing.T, cfg Config, runner Runnable, tasks ...task.Task) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "runs.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	ft := &fakeTasks{m: map[string]task.Task{}}
	for _, tk := range tasks {
		ft.put(tk)
	}
	bus := eventbus.New()
	h := &harness{store: st, tasks: ft, bus: bus, done: make(chan task.Run, 16)}
	h.eng = New(cfg, Deps{Tasks: ft, Store: st, Runner: runner, Bus: bus, Log: logx.Nop()})
	h.eng.SetOnFinish(func(_ string, final task.Run) { h.done <- final })
	h.eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.eng.Stop(ctx)
		_ = st.Close()
	})
	return h
}

func (h *harness) waitFinish(t *testing.T) task.Run {
	t.Helper()
	select {
	case r := <-h.done:
		return r
	case <-time.After(10 * time.Second):
		t.Fatalf("dispatch did not finish")
	}
	return task.Run{}
}

func ok() Result { return Result{ExitCode: task.IntPtr(0), Stdout: "ok\n"} }

func fail(code int) Result {
	return Result{ExitCode: task.IntPtr(code), Stderr: "boom\n", Err: task.NewError(task.ErrExecution, "run", "x", errors.New("exit status 1"))}
}

func TestTriggerSuccess(t *testing.T) {
	t.Parallel()

	var seen Request
	h := newHarness(t, Config{Workers: 2}, RunnableFunc(func(_ context.Context, req Request) Result {
		seen = req
		return ok()
	}), task.Task{Name: "hello", Script: "hello.sh", Enabled: true})

	events, unsub := h.bus.Subscribe(16, "run.")
	defer unsub()

	id, err := h.eng.Trigger(context.Background(), "hello", task.TriggerManual)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	final := h.waitFinish(t)
	if final.ID != id || final.Status != task.StatusSuccess {
		t.Fatalf("final = %+v, want success of run %d", final, id)
	}
	if seen.RunID != id || seen.Attempt != 1 || seen.Timeout != 5*time.Minute {
		t.Fatalf("request = %+v, want run %d attempt 1 default timeout", seen, id)
	}

	got, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusSuccess || got.Output != "ok\n" || got.Trigger != task.TriggerManual || got.DispatchID == "" {
		t.Fatalf("stored run = %+v", got)
	}
	if h.eng.IsRunning("hello") {
		t.Fatalf("gate still held after finish")
	}

	var types []string
	for len(types) < 3 {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("events = %v, want queued, started, finished", types)
		}
	}
	if types[0] != "run.queued" || types[1] != "run.started" || types[2] != "run.finished" {
		t.Fatalf("events = %v", types)
	}
}

func TestTriggerPreconditions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, RunnableFunc(func(context.Context, Request) Result { return ok() }),
		task.Task{Name: "off", Script: "off.sh", Enabled: false})

	if _, err := h.eng.Trigger(context.Background(), "ghost", task.TriggerManual); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("Trigger(ghost) = %v, want ErrNotFound", err)
	}
	if _, err := h.eng.Trigger(context.Background(), "off", task.TriggerManual); !errors.Is(err, task.ErrDisabled) {
		t.Fatalf("Trigger(disabled) = %v, want ErrDisabled", err)
	}
	if n, _ := h.store.Count(context.Background(), storage.Filter{}); n != 0 {
		t.Fatalf("rows = %d after rejected triggers, want 0", n)
	}

	h.eng.Stop(context.Background())
	if _, err := h.eng.Trigger(context.Background(), "off", task.TriggerManual); !errors.Is(err, ErrStopped) {
		t.Fatalf("Trigger(stopped) = %v, want ErrStopped", err)
	}
}

func TestSingleInFlightUnderConcurrentTriggers(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var running, maxRunning int32
	h := newHarness(t, Config{Workers: 4}, RunnableFunc(func(context.Context, Request) Result {
		n := atomic.AddInt32(&running, 1)
		for {
			m := atomic.LoadInt32(&maxRunning)
			if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&running, -1)
		return ok()
	}), task.Task{Name: "solo", Script: "solo.sh", Enabled: true})

	var (
		wg       sync.WaitGroup
		accepted int32
		rejected int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.eng.Trigger(context.Background(), "solo", task.TriggerManual)
			switch {
			case err == nil:
				atomic.AddInt32(&accepted, 1)
			case errors.Is(err, task.ErrAlreadyRunning):
				atomic.AddInt32(&rejected, 1)
			default:
				t.Errorf("Trigger: %v", err)
			}
		}()
	}
	wg.Wait()
	if accepted != 1 || rejected != 15 {
		t.Fatalf("accepted = %d rejected = %d, want 1 and 15", accepted, rejected)
	}
	if !h.eng.IsRunning("solo") {
		t.Fatalf("IsRunning = false while dispatch in flight")
	}
	if _, ok := h.eng.TryLock("solo"); ok {
		t.Fatalf("TryLock succeeded while dispatch in flight")
	}
	close(release)
	h.waitFinish(t)

	if maxRunning != 1 {
		t.Fatalf("max concurrent attempts = %d, want 1", maxRunning)
	}
	if n, _ := h.store.Count(context.Background(), storage.Filter{TaskName: "solo"}); n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}
	unlock, ok := h.eng.TryLock("solo")
	if !ok {
		t.Fatalf("TryLock failed after finish")
	}
	unlock()
}

func TestRetryTwiceThenSuccess(t *testing.T) {
	t.Parallel()

	var calls int32
	h := newHarness(t, Config{}, RunnableFunc(func(context.Context, Request) Result {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return fail(1)
		}
		return ok()
	}), task.Task{
		Name: "flaky", Script: "flaky.sh", Enabled: true,
		Retry: task.RetryPolicy{Enabled: true, MaxRetries: 3, Base: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})

	first, err := h.eng.Trigger(context.Background(), "flaky", task.TriggerScheduled)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	final := h.waitFinish(t)
	if final.Status != task.StatusSuccess || final.Attempt != 3 || final.Retried {
		t.Fatalf("final = %+v, want success on attempt 3", final)
	}

	runs, err := h.store.List(context.Background(), storage.Filter{TaskName: "flaky"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("len(runs) = %d, want 3", len(runs))
	}
	byAttempt := map[int]task.Run{}
	for _, r := range runs {
		byAttempt[r.Attempt] = r
		if r.DispatchID != runs[0].DispatchID {
			t.Fatalf("attempts span dispatches: %+v", runs)
		}
	}
	if byAttempt[1].ID != first {
		t.Fatalf("attempt 1 id = %d, want %d", byAttempt[1].ID, first)
	}
	for a := 1; a <= 2; a++ {
		r := byAttempt[a]
		if r.Status != task.StatusError || !r.Retried || r.Error != "exit status 1\nboom" {
			t.Fatalf("attempt %d = %+v, want retried error", a, r)
		}
	}
	if r := byAttempt[3]; r.Status != task.StatusSuccess || r.Retried {
		t.Fatalf("attempt 3 = %+v", r)
	}

	sums, err := h.store.Summaries(context.Background())
	if err != nil {
		t.Fatalf("Summaries: %v", err)
	}
	if s := sums["flaky"]; s.RunCount != 1 || s.ErrorCount != 0 || s.LastStatus != task.StatusSuccess {
		t.Fatalf("summary = %+v, want 1 run 0 errors", s)
	}
}

func TestRetryAbandonedWhenTaskChanges(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		change func(f *fakeTasks, tk task.Task)
		want   string
	}{
		{"disabled", func(f *fakeTasks, tk task.Task) { tk.Enabled = false; f.put(tk) }, task.ReasonDisabled},
		{"removed", func(f *fakeTasks, tk task.Task) { f.remove(tk.Name) }, task.ReasonRemoved},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tk := task.Task{
				Name: "sync", Script: "sync.sh", Enabled: true,
				Retry: task.RetryPolicy{Enabled: true, MaxRetries: 2, Base: 50 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
			}
			var (
				h     *harness
				calls int32
			)
			h = newHarness(t, Config{}, RunnableFunc(func(context.Context, Request) Result {
				atomic.AddInt32(&calls, 1)
				tt.change(h.tasks, tk)
				return fail(1)
			}), tk)

			if _, err := h.eng.Trigger(context.Background(), "sync", task.TriggerScheduled); err != nil {
				t.Fatalf("Trigger: %v", err)
			}
			final := h.waitFinish(t)
			if n := atomic.LoadInt32(&calls); n != 1 {
				t.Fatalf("runner calls = %d, want 1", n)
			}
			if final.Status != task.StatusError || final.Attempt != 2 || final.Error != tt.want {
				t.Fatalf("final = %+v, want attempt 2 ended with %q", final, tt.want)
			}
			runs, err := h.store.List(context.Background(), storage.Filter{TaskName: "sync"})
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(runs) != 2 {
				t.Fatalf("len(runs) = %d, want 2", len(runs))
			}
			for _, r := range runs {
				if !r.Status.Terminal() {
					t.Fatalf("run %d left %s", r.ID, r.Status)
				}
			}
		})
	}
}

func TestLaunchErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls int32
	h := newHarness(t, Config{}, RunnableFunc(func(context.Context, Request) Result {
		atomic.AddInt32(&calls, 1)
		return Result{Err: task.NewError(task.ErrLaunch, "run", "x", errors.New("failed to start: script not found"))}
	}), task.Task{Name: "gone", Script: "gone.sh", Enabled: true, Retry: task.RetryPolicy{Enabled: true, Base: time.Millisecond}})

	if _, err := h.eng.Trigger(context.Background(), "gone", task.TriggerManual); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	final := h.waitFinish(t)
	if final.Status != task.StatusError || final.ExitCode != nil || final.Error != "failed to start: script not found" {
		t.Fatalf("final = %+v", final)
	}
	if calls != 1 {
		t.Fatalf("runner calls = %d, want 1", calls)
	}
}

func TestRunnerPanicBecomesError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 1}, RunnableFunc(func(context.Context, Request) Result {
		panic("kaboom")
	}), task.Task{Name: "bad", Script: "bad.sh", Enabled: true})

	if _, err := h.eng.Trigger(context.Background(), "bad", task.TriggerManual); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if final := h.waitFinish(t); final.Status != task.StatusError {
		t.Fatalf("final = %+v, want error", final)
	}
}

func TestStopInterruptsRunningAndQueued(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	h := newHarness(t, Config{Workers: 1}, RunnableFunc(func(ctx context.Context, req Request) Result {
		started <- struct{}{}
		<-ctx.Done()
		return Result{ExitCode: task.IntPtr(-1), Err: task.NewError(task.ErrExecution, "run", req.Task.Name, ctx.Err())}
	}),
		task.Task{Name: "a", Script: "a.sh", Enabled: true},
		task.Task{Name: "b", Script: "b.sh", Enabled: true},
	)

	idA, err := h.eng.Trigger(context.Background(), "a", task.TriggerManual)
	if err != nil {
		t.Fatalf("Trigger(a): %v", err)
	}
	<-started
	idB, err := h.eng.Trigger(context.Background(), "b", task.TriggerManual)
	if err != nil {
		t.Fatalf("Trigger(b): %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.eng.Stop(ctx)

	for _, id := range []int64{idA, idB} {
		r, err := h.store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get(%d): %v", id, err)
		}
		if r.Status != task.StatusError || r.Error != task.ReasonInterrupted {
			t.Fatalf("run %d = %+v, want interrupted error", id, r)
		}
	}
	if h.eng.IsRunning("a") || h.eng.IsRunning("b") {
		t.Fatalf("gates held after Stop")
	}
}

func TestPolicyForFillsEngineDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryMax: 5, RetryBase: time.Second, RetryMaxDelay: 10 * time.Second, RetryJitter: 0.1}.withDefaults()
	p := cfg.policyFor(task.Task{Retry: task.RetryPolicy{Enabled: true}})
	if p.MaxRetries != 5 || p.Base != time.Second || p.MaxDelay != 10*time.Second || p.Jitter != 0.1 {
		t.Fatalf("policyFor = %+v", p)
	}
	if off := cfg.policyFor(task.Task{}); off.Enabled {
		t.Fatalf("disabled policy enabled: %+v", off)
	}
}

func TestCappedBuffer(t *testing.T) {
	t.Parallel()

	b := newCappedBuffer(5)
	n, err := b.Write([]byte("hello world"))
	if n != 11 || err != nil {
		t.Fatalf("Write = %d, %v, want 11, nil", n, err)
	}
	_, _ = b.Write([]byte("!!"))
	if !b.Truncated() {
		t.Fatalf("Truncated() = false")
	}
	if got, want := b.String(), "hello\n...[truncated 8 bytes]"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestCappedBufferKeepsValidUTF8(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		limit  int
		writes []string
		want   string
	}{
		{"cut inside rune", 5, []string{"abcdé..."}, "abcd\n...[truncated 5 bytes]"},
		{"rune split across writes", 4, []string{"ab\xc3", "\xa9cd"}, "abé\n...[truncated 2 bytes]"},
		{"invalid bytes", 16, []string{"ok \xff\xfe end"}, "ok \uFFFD end"},
		{"nothing after cut", 3, []string{"abcd", "e"}, "abc\n...[truncated 2 bytes]"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := newCappedBuffer(tt.limit)
			for _, w := range tt.writes {
				_, _ = b.Write([]byte(w))
			}
			got := b.String()
			if got != tt.want {
				t.Fatalf("String() = %q, want %q", got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Fatalf("String() = %q is not valid UTF-8", got)
			}
		})
	}
}
