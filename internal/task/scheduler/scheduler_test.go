package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"botrunner/internal/task"
	"botrunner/internal/task/schedule"
)

type fakeSource struct {
	mu    sync.Mutex
	tasks []task.Task
}

func (f *fakeSource) List() []task.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]task.Task, len(f.tasks))
	copy(out, f.tasks)
	return out
}

func (f *fakeSource) set(tasks ...task.Task) {
	f.mu.Lock()
	f.tasks = tasks
	f.mu.Unlock()
}

type call struct {
	name string
	at   time.Time
}

type fakeDispatcher struct {
	mu    sync.Mutex
	clock *fakeClock
	calls []call
	err   error
}

func (f *fakeDispatcher) Trigger(_ context.Context, name string, trig task.Trigger) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if trig != task.TriggerScheduled {
		panic("unexpected trigger " + string(trig))
	}
	f.calls = append(f.calls, call{name: name, at: f.clock.Now()})
	if f.err != nil {
		return 0, f.err
	}
	return int64(len(f.calls)), nil
}

func (f *fakeDispatcher) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.name == name {
			n++
		}
	}
	return n
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type harness struct {
	svc   *Service
	src   *fakeSource
	disp  *fakeDispatcher
	clock *fakeClock
}

func newHarness(t *testing.T, start time.Time, tasks ...task.Task) *harness {
	t.Helper()
	clock := &fakeClock{now: start}
	src := &fakeSource{tasks: tasks}
	disp := &fakeDispatcher{clock: clock}
	svc := New(Config{Enabled: true, Timezone: "UTC"}, Deps{Tasks: src, Dispatcher: disp, Now: clock.Now})
	svc.Refresh()
	return &harness{svc: svc, src: src, disp: disp, clock: clock}
}

func (h *harness) tickAt(t time.Time) {
	h.clock.Set(t)
	h.svc.tick(context.Background(), t)
}

func every(name string, min int) task.Task {
	return task.Task{Name: name, Script: name + ".sh", Enabled: true, Schedule: schedule.Def{Interval: min}}
}

func TestIntervalNextRunIsRelativeToPreviousDispatch(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, t0, every("poller", 1))

	st, ok := h.svc.State("poller")
	if !ok {
		t.Fatalf("State(poller) missing")
	}
	if want := t0.Add(time.Minute); !st.NextRunAt.Equal(want) {
		t.Fatalf("initial NextRunAt = %v, want %v", st.NextRunAt, want)
	}

	h.tickAt(t0.Add(30 * time.Second))
	if n := h.disp.count("poller"); n != 0 {
		t.Fatalf("dispatched %d times before due", n)
	}

	// Ticks land a little late and unevenly; each next run is measured
	// from the dispatch that actually happened.
	ticks := []time.Duration{61 * time.Second, 2*time.Minute + 3*time.Second, 3*time.Minute + 4*time.Second}
	for k, off := range ticks {
		at := t0.Add(off)
		h.tickAt(at)
		if n := h.disp.count("poller"); n != k+1 {
			t.Fatalf("after tick %d dispatched %d, want %d", k, n, k+1)
		}
		st, _ := h.svc.State("poller")
		if want := at.Add(time.Minute); !st.NextRunAt.Equal(want) {
			t.Fatalf("NextRunAt after dispatch %d = %v, want %v", k+1, st.NextRunAt, want)
		}
		if !st.LastDispatch.Equal(at) {
			t.Fatalf("LastDispatch = %v, want %v", st.LastDispatch, at)
		}
	}
}

func TestDailyNextRun(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"just before", time.Date(2024, 3, 1, 7, 59, 59, 0, time.UTC), time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)},
		{"just after", time.Date(2024, 3, 1, 8, 0, 1, 0, time.UTC), time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, tt.now, task.Task{Name: "report", Script: "r.py", Enabled: true, Schedule: schedule.Def{Daily: "08:00"}})
			st, _ := h.svc.State("report")
			if !st.NextRunAt.Equal(tt.want) {
				t.Fatalf("NextRunAt = %v, want %v", st.NextRunAt, tt.want)
			}
		})
	}
}

func TestDailyDispatchAdvancesToTomorrow(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Date(2024, 3, 1, 7, 59, 59, 0, time.UTC),
		task.Task{Name: "report", Script: "r.py", Enabled: true, Schedule: schedule.Def{Daily: "08:00"}})

	h.tickAt(time.Date(2024, 3, 1, 8, 0, 1, 0, time.UTC))
	if n := h.disp.count("report"); n != 1 {
		t.Fatalf("dispatched %d, want 1", n)
	}
	st, _ := h.svc.State("report")
	if want := time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC); !st.NextRunAt.Equal(want) {
		t.Fatalf("NextRunAt = %v, want %v", st.NextRunAt, want)
	}

	// A late tick does not catch up missed occurrences.
	h.tickAt(time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC))
	if n := h.disp.count("report"); n != 2 {
		t.Fatalf("dispatched %d, want 2", n)
	}
}

func TestDisabledNeverDispatched(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	off := every("quiet", 1)
	off.Enabled = false
	h := newHarness(t, t0, off)

	for i := 1; i <= 10; i++ {
		h.tickAt(t0.Add(time.Duration(i) * time.Minute))
	}
	if n := h.disp.count("quiet"); n != 0 {
		t.Fatalf("disabled task dispatched %d times", n)
	}
	if st, _ := h.svc.State("quiet"); !st.NextRunAt.IsZero() {
		t.Fatalf("disabled NextRunAt = %v, want zero", st.NextRunAt)
	}

	// Re-enabling recomputes from now.
	on := every("quiet", 1)
	h.src.set(on)
	reenabledAt := t0.Add(10*time.Minute + 30*time.Second)
	h.clock.Set(reenabledAt)
	h.svc.Refresh()
	st, _ := h.svc.State("quiet")
	if want := reenabledAt.Add(time.Minute); !st.NextRunAt.Equal(want) {
		t.Fatalf("re-enabled NextRunAt = %v, want %v", st.NextRunAt, want)
	}

	// Disabling again clears the next run.
	h.src.set(off)
	h.svc.Refresh()
	if st, _ := h.svc.State("quiet"); !st.NextRunAt.IsZero() {
		t.Fatalf("NextRunAt after disable = %v, want zero", st.NextRunAt)
	}
}

func TestScheduleErrorExcludesTask(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	bad := task.Task{Name: "broken", Script: "b.sh", Enabled: true, Schedule: schedule.Def{Cron: "not a cron"}}
	h := newHarness(t, t0, bad, every("fine", 1))

	st, _ := h.svc.State("broken")
	if st.ScheduleError == "" {
		t.Fatalf("ScheduleError is empty")
	}
	if !st.NextRunAt.IsZero() {
		t.Fatalf("NextRunAt = %v, want zero", st.NextRunAt)
	}

	h.tickAt(t0.Add(2 * time.Minute))
	if n := h.disp.count("broken"); n != 0 {
		t.Fatalf("broken task dispatched %d times", n)
	}
	if n := h.disp.count("fine"); n != 1 {
		t.Fatalf("fine task dispatched %d times, want 1", n)
	}

	fixed := bad
	fixed.Schedule = schedule.Def{Cron: "*/5 * * * *"}
	h.src.set(fixed, every("fine", 1))
	h.svc.Refresh()
	st, _ = h.svc.State("broken")
	if st.ScheduleError != "" {
		t.Fatalf("ScheduleError after fix = %q", st.ScheduleError)
	}
	if want := time.Date(2024, 3, 1, 10, 5, 0, 0, time.UTC); !st.NextRunAt.Equal(want) {
		t.Fatalf("NextRunAt = %v, want %v", st.NextRunAt, want)
	}
}

func TestDispatchErrorsStillAdvance(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, t0, every("busy", 1))
	h.disp.err = task.NewError(task.ErrAlreadyRunning, "trigger", "busy", nil)

	at := t0.Add(time.Minute)
	h.tickAt(at)
	st, _ := h.svc.State("busy")
	if want := at.Add(time.Minute); !st.NextRunAt.Equal(want) {
		t.Fatalf("NextRunAt = %v, want %v", st.NextRunAt, want)
	}
}

func TestRescheduleAndForget(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, t0, every("job", 10))

	later := t0.Add(4 * time.Minute)
	h.clock.Set(later)
	h.svc.Reschedule("job")
	st, _ := h.svc.State("job")
	if want := later.Add(10 * time.Minute); !st.NextRunAt.Equal(want) {
		t.Fatalf("NextRunAt after Reschedule = %v, want %v", st.NextRunAt, want)
	}

	h.svc.Forget("job")
	if _, ok := h.svc.State("job"); ok {
		t.Fatalf("State(job) present after Forget")
	}

	// Tasks that vanish from the source are dropped on sync.
	h.src.set(every("other", 1))
	h.svc.Refresh()
	if _, ok := h.svc.State("job"); ok {
		t.Fatalf("State(job) present after source change")
	}
	if got := len(h.svc.Snapshot().Schedules); got != 1 {
		t.Fatalf("Snapshot schedules = %d, want 1", got)
	}
}

func TestTimezoneChangeReparses(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	h := newHarness(t, t0, task.Task{Name: "report", Script: "r.py", Enabled: true, Schedule: schedule.Def{Daily: "08:00"}})

	h.svc.Apply(Config{Enabled: true, Timezone: "Asia/Jakarta"})
	st, _ := h.svc.State("report")
	// 08:00 in Jakarta (UTC+7) is 01:00 UTC.
	if want := time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC); !st.NextRunAt.Equal(want) {
		t.Fatalf("NextRunAt = %v, want %v", st.NextRunAt, want)
	}
}

func TestTimezoneChangeKeepsIntervalNextRun(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	h := newHarness(t, t0, every("poller", 10),
		task.Task{Name: "report", Script: "r.py", Enabled: true, Schedule: schedule.Def{Daily: "08:00", Timezone: "UTC"}})
	before := h.svc.States()

	h.clock.Set(t0.Add(3 * time.Minute))
	h.svc.Apply(Config{Enabled: true, Timezone: "Asia/Jakarta"})
	after := h.svc.States()
	for _, name := range []string{"poller", "report"} {
		if !after[name].NextRunAt.Equal(before[name].NextRunAt) {
			t.Fatalf("%s NextRunAt = %v after timezone change, want %v", name, after[name].NextRunAt, before[name].NextRunAt)
		}
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	svc := New(Config{Enabled: true, Tick: 10 * time.Millisecond}, Deps{Tasks: &fakeSource{}})
	if svc.Running() {
		t.Fatalf("Running before Start")
	}
	svc.Start(context.Background())
	svc.Start(context.Background())
	if !svc.Running() {
		t.Fatalf("Running = false after Start")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	svc.Stop(ctx)
	if svc.Running() {
		t.Fatalf("Running = true after Stop")
	}
	if snap := svc.Snapshot(); snap.Running || snap.Tick != 10*time.Millisecond {
		t.Fatalf("Snapshot = %+v", snap)
	}
}
