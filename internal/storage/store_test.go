package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"botrunner/internal/task"
	logx "botrunner/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "runs.db"), BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

var base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func addRun(t *testing.T, st Store, name string, at time.Time, status task.RunStatus, retried bool) task.Run {
	t.Helper()
	ctx := context.Background()
	r := task.Run{TaskName: name, DispatchID: "d-" + name, Attempt: 1, Trigger: task.TriggerScheduled, Status: task.StatusPending, StartedAt: at}
	if err := st.Create(ctx, &r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if status.Terminal() {
		out := task.Outcome{Status: status, FinishedAt: at.Add(2 * time.Second), Retried: retried}
		if status == task.StatusSuccess {
			out.ExitCode = task.IntPtr(0)
		} else {
			out.ExitCode = task.IntPtr(1)
		}
		if err := st.MarkTerminal(ctx, r.ID, out); err != nil {
			t.Fatalf("MarkTerminal: %v", err)
		}
	} else if status == task.StatusRunning {
		if err := st.MarkRunning(ctx, r.ID, at); err != nil {
			t.Fatalf("MarkRunning: %v", err)
		}
	}
	got, err := st.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return got
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatalf("Open(postgres) error = nil")
	}
	if _, err := Open(Config{}, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Open(empty) = %v, want ErrDisabled", err)
	}
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()

	r := task.Run{TaskName: "backup", DispatchID: "abc", Trigger: task.TriggerManual, Status: task.StatusPending, StartedAt: base}
	if err := st.Create(ctx, &r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if r.ID == 0 || r.Attempt != 1 {
		t.Fatalf("created run = %+v, want id set and attempt 1", r)
	}
	if err := st.MarkRunning(ctx, r.ID, base.Add(time.Second)); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	out := task.Outcome{Status: task.StatusSuccess, ExitCode: task.IntPtr(0), Output: "done\n", FinishedAt: base.Add(4 * time.Second)}
	if err := st.MarkTerminal(ctx, r.ID, out); err != nil {
		t.Fatalf("MarkTerminal: %v", err)
	}

	got, err := st.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusSuccess || got.ExitCode == nil || *got.ExitCode != 0 || got.Output != "done\n" {
		t.Fatalf("Get = %+v", got)
	}
	if !got.StartedAt.Equal(base.Add(time.Second)) {
		t.Fatalf("StartedAt = %v, want running start time", got.StartedAt)
	}
	if d := got.DurationSeconds(); d != 3 {
		t.Fatalf("DurationSeconds = %v, want 3", d)
	}

	if err := st.MarkTerminal(ctx, r.ID, task.Outcome{Status: task.StatusError}); !errors.Is(err, task.ErrConflict) {
		t.Fatalf("second MarkTerminal = %v, want ErrConflict", err)
	}
	if err := st.MarkTerminal(ctx, 9999, out); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("MarkTerminal(unknown) = %v, want ErrNotFound", err)
	}
	if _, err := st.Get(ctx, 9999); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("Get(unknown) = %v, want ErrNotFound", err)
	}
}

func TestCreateValidates(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	bad := []task.Run{
		{Trigger: task.TriggerManual, Status: task.StatusPending},
		{TaskName: "a", Trigger: task.TriggerManual, Status: task.StatusSuccess},
		{TaskName: "a", Trigger: "cron", Status: task.StatusPending},
	}
	for i := range bad {
		if err := st.Create(context.Background(), &bad[i]); err == nil {
			t.Fatalf("Create(%+v) error = nil", bad[i])
		}
	}
}

func TestListOrderAndFilter(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()
	a1 := addRun(t, st, "a", base, task.StatusSuccess, false)
	b1 := addRun(t, st, "b", base.Add(time.Minute), task.StatusError, false)
	a2 := addRun(t, st, "a", base.Add(2*time.Minute), task.StatusError, false)
	a3 := addRun(t, st, "a", base.Add(2*time.Minute), task.StatusSuccess, false)

	all, err := st.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	wantIDs := []int64{a3.ID, a2.ID, b1.ID, a1.ID}
	if len(all) != len(wantIDs) {
		t.Fatalf("len(List) = %d, want %d", len(all), len(wantIDs))
	}
	for i, id := range wantIDs {
		if all[i].ID != id {
			t.Fatalf("List()[%d].ID = %d, want %d", i, all[i].ID, id)
		}
	}

	onlyA, _ := st.List(ctx, Filter{TaskName: "a", Limit: 2, Offset: 1})
	if len(onlyA) != 2 || onlyA[0].ID != a2.ID || onlyA[1].ID != a1.ID {
		t.Fatalf("List(a, limit 2, offset 1) = %+v", onlyA)
	}
	n, err := st.Count(ctx, Filter{Status: task.StatusError})
	if err != nil || n != 2 {
		t.Fatalf("Count(error) = %d, %v, want 2", n, err)
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()
	done := addRun(t, st, "a", base, task.StatusSuccess, false)
	running := addRun(t, st, "a", base.Add(time.Minute), task.StatusRunning, false)

	if err := st.Delete(ctx, running.ID); !errors.Is(err, task.ErrConflict) {
		t.Fatalf("Delete(running) = %v, want ErrConflict", err)
	}
	if err := st.Delete(ctx, done.ID); err != nil {
		t.Fatalf("Delete(done): %v", err)
	}
	if err := st.Delete(ctx, done.ID); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("Delete(again) = %v, want ErrNotFound", err)
	}

	addRun(t, st, "a", base.Add(2*time.Minute), task.StatusError, false)
	addRun(t, st, "b", base.Add(2*time.Minute), task.StatusError, false)
	n, err := st.DeleteAllForTask(ctx, "a")
	if err != nil || n != 1 {
		t.Fatalf("DeleteAllForTask(a) = %d, %v, want 1 (running row kept)", n, err)
	}
	if left, _ := st.Count(ctx, Filter{TaskName: "b"}); left != 1 {
		t.Fatalf("b rows = %d, want 1", left)
	}
}

func TestPruneAndReconcile(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()
	addRun(t, st, "a", base, task.StatusSuccess, false)
	addRun(t, st, "a", base.Add(time.Hour), task.StatusSuccess, false)
	stale := addRun(t, st, "b", base, task.StatusRunning, false)
	pending := addRun(t, st, "c", base, task.StatusPending, false)

	n, err := st.Prune(ctx, base.Add(30*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("Prune = %d, %v, want 1", n, err)
	}

	n, err = st.Reconcile(ctx, base.Add(2*time.Hour))
	if err != nil || n != 2 {
		t.Fatalf("Reconcile = %d, %v, want 2", n, err)
	}
	for _, id := range []int64{stale.ID, pending.ID} {
		got, _ := st.Get(ctx, id)
		if got.Status != task.StatusError || got.Error != task.ReasonInterrupted || got.FinishedAt == nil {
			t.Fatalf("reconciled run = %+v", got)
		}
	}
}

func TestSummariesCountDispatchesOnce(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()
	// One dispatch that failed twice and then succeeded.
	addRun(t, st, "flaky", base, task.StatusError, true)
	addRun(t, st, "flaky", base.Add(time.Second), task.StatusError, true)
	addRun(t, st, "flaky", base.Add(2*time.Second), task.StatusSuccess, false)
	// Another dispatch that failed for good.
	last := addRun(t, st, "flaky", base.Add(time.Hour), task.StatusError, false)
	addRun(t, st, "busy", base, task.StatusRunning, false)

	sums, err := st.Summaries(ctx)
	if err != nil {
		t.Fatalf("Summaries: %v", err)
	}
	f := sums["flaky"]
	if f.RunCount != 2 || f.ErrorCount != 1 || f.Running {
		t.Fatalf("flaky summary = %+v, want runs 2 errors 1", f)
	}
	if f.LastStatus != task.StatusError || f.LastRunAt == nil || !f.LastRunAt.Equal(last.StartedAt) {
		t.Fatalf("flaky last = %v %v", f.LastStatus, f.LastRunAt)
	}
	b := sums["busy"]
	if !b.Running || b.RunCount != 0 || b.LastStatus != "" {
		t.Fatalf("busy summary = %+v", b)
	}
}

func TestWindowStatsAndCountSince(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()
	addRun(t, st, "a", base.Add(-48*time.Hour), task.StatusError, false)
	addRun(t, st, "a", base, task.StatusError, true)
	addRun(t, st, "a", base.Add(time.Minute), task.StatusSuccess, false)
	addRun(t, st, "b", base.Add(time.Hour), task.StatusError, false)
	addRun(t, st, "c", base.Add(time.Hour), task.StatusSuccess, false)

	w, err := st.WindowStats(ctx, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("WindowStats: %v", err)
	}
	if w != (WindowStats{Total: 3, Success: 2, Failed: 1}) {
		t.Fatalf("WindowStats = %+v, want total 3 success 2 failed 1", w)
	}

	// Every addRun row is attempt 1, so each counts as its own dispatch here.
	n, err := st.CountSince(ctx, base.Add(-time.Hour))
	if err != nil || n != 4 {
		t.Fatalf("CountSince = %d, %v, want 4", n, err)
	}

	empty, err := st.WindowStats(ctx, base.Add(100*time.Hour))
	if err != nil || empty != (WindowStats{}) {
		t.Fatalf("empty WindowStats = %+v, %v", empty, err)
	}
}

func TestAppendAudit(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	if err := st.AppendAudit(context.Background(), AuditEntry{Action: "task.delete", Target: "a", OK: true}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	if err := st.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
