package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"botrunner/internal/storage"
	"botrunner/internal/task"
	"botrunner/internal/task/engine"
	"botrunner/internal/task/manager"
	"botrunner/internal/task/registry"
	"botrunner/internal/task/status"
	logx "botrunner/pkg/logx"
)

type fakeOps struct {
	err       error
	gotFilter storage.Filter
	gotClear  string
	gotDeploy registry.Definition
	health    manager.Health
}

func (f *fakeOps) Overview(context.Context) (status.Overview, error) {
	return status.Overview{Tasks: []status.TaskView{{Name: "a", State: status.StateIdle}}, SuccessRate: 50}, f.err
}

func (f *fakeOps) TriggerNow(_ context.Context, name string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return 42, nil
}

func (f *fakeOps) SetEnabled(_ context.Context, name string, enabled bool) (task.Task, error) {
	return task.Task{Name: name, Enabled: enabled}, f.err
}

func (f *fakeOps) DeleteTask(context.Context, string) error { return f.err }

func (f *fakeOps) Reload(context.Context) (registry.Diff, error) {
	return registry.Diff{Added: []string{"n"}}, f.err
}

func (f *fakeOps) Deploy(_ context.Context, def registry.Definition) (task.Task, bool, error) {
	f.gotDeploy = def
	return task.Task{Name: def.Name, Script: def.Script, Enabled: true}, true, f.err
}

func (f *fakeOps) ListRuns(_ context.Context, flt storage.Filter) (manager.RunPage, error) {
	f.gotFilter = flt
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	fin := start.Add(1500 * time.Millisecond)
	return manager.RunPage{Runs: []task.Run{{ID: 1, TaskName: "a", Status: task.StatusSuccess, StartedAt: start, FinishedAt: &fin}}, Total: 1, Limit: 50}, f.err
}

func (f *fakeOps) GetRun(_ context.Context, id int64) (task.Run, error) {
	return task.Run{ID: id, TaskName: "a"}, f.err
}

func (f *fakeOps) DeleteRun(context.Context, int64) error { return f.err }

func (f *fakeOps) ClearRuns(_ context.Context, name string) (int64, error) {
	f.gotClear = name
	return 3, f.err
}

func (f *fakeOps) Health(context.Context) manager.Health { return f.health }

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestRoutes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		method, path, body string
		want               int
	}{
		{"GET", "/api/tasks/status", "", http.StatusOK},
		{"POST", "/api/tasks", `{"name":"a","script":"a.sh","schedule":{"interval":5}}`, http.StatusCreated},
		{"POST", "/api/tasks/reload", "", http.StatusOK},
		{"POST", "/api/tasks/a/run", "", http.StatusAccepted},
		{"POST", "/api/tasks/a/enable", `{"enabled":false}`, http.StatusOK},
		{"POST", "/api/tasks/a/enable", `{}`, http.StatusBadRequest},
		{"DELETE", "/api/tasks/a", "", http.StatusOK},
		{"GET", "/api/runs?task=a&limit=10", "", http.StatusOK},
		{"GET", "/api/runs?limit=abc", "", http.StatusBadRequest},
		{"GET", "/api/runs/7", "", http.StatusOK},
		{"GET", "/api/runs/x", "", http.StatusBadRequest},
		{"DELETE", "/api/runs/7", "", http.StatusOK},
		{"DELETE", "/api/runs?task=a", "", http.StatusOK},
		{"GET", "/debug/pprof/", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			t.Parallel()
			h := NewHandler(Config{}, &fakeOps{}, logx.Nop())
			rec := do(t, h, tt.method, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestResponses(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{}
	h := NewHandler(Config{}, ops, logx.Nop())

	rec := do(t, h, "POST", "/api/tasks/a/run", "")
	if got := decode(t, rec)["run_id"]; got != float64(42) {
		t.Fatalf("run_id = %v, want 42", got)
	}

	rec = do(t, h, "GET", "/api/runs?task=a&status=error&limit=10&offset=20", "")
	if ops.gotFilter != (storage.Filter{TaskName: "a", Status: task.StatusError, Limit: 10, Offset: 20}) {
		t.Fatalf("filter = %+v", ops.gotFilter)
	}
	page := decode(t, rec)
	runs := page["runs"].([]any)
	if len(runs) != 1 || runs[0].(map[string]any)["duration_seconds"] != 1.5 {
		t.Fatalf("runs = %v", runs)
	}

	do(t, h, "DELETE", "/api/runs", "")
	if ops.gotClear != "" {
		t.Fatalf("ClearRuns(%q), want all", ops.gotClear)
	}

	rec = do(t, h, "POST", "/api/tasks", `{"name":"b","script":"b.py","timeout":"30s","schedule":{"daily":"08:00"}}`)
	if ops.gotDeploy.Name != "b" || ops.gotDeploy.Schedule.Daily != "08:00" || ops.gotDeploy.Timeout != "30s" {
		t.Fatalf("deploy def = %+v", ops.gotDeploy)
	}
	if got := decode(t, rec)["created"]; got != true {
		t.Fatalf("created = %v", got)
	}

	if rec := do(t, h, "POST", "/api/tasks", `{"name":`); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed deploy status = %d", rec.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{task.NotFound("trigger", "a"), http.StatusNotFound},
		{task.Conflict("remove", "a", "busy"), http.StatusConflict},
		{task.NewError(task.ErrAlreadyRunning, "trigger", "a", nil), http.StatusConflict},
		{task.NewError(task.ErrDisabled, "trigger", "a", nil), http.StatusConflict},
		{task.NewError(task.ErrConfig, "deploy", "a", errors.New("bad cron")), http.StatusBadRequest},
		{engine.ErrStopped, http.StatusServiceUnavailable},
		{fmt.Errorf("wrapped: %w", task.NotFound("get run", "run 9")), http.StatusNotFound},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.err.Error(), func(t *testing.T) {
			t.Parallel()
			h := NewHandler(Config{}, &fakeOps{err: tt.err}, logx.Nop())
			rec := do(t, h, "POST", "/api/tasks/a/run", "")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if got := decode(t, rec)["error"]; got != tt.err.Error() {
				t.Fatalf("error body = %v, want %q", got, tt.err.Error())
			}
		})
	}
}

func TestBasicAuth(t *testing.T) {
	t.Parallel()

	h := NewHandler(Config{AuthUser: "admin", AuthPass: "secret", Pprof: true}, &fakeOps{health: manager.Health{OK: true}}, logx.Nop())

	if rec := do(t, h, "GET", "/api/tasks/status", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no credentials status = %d, want 401", rec.Code)
	}
	if rec := do(t, h, "GET", "/debug/pprof/cmdline", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("pprof without credentials status = %d, want 401", rec.Code)
	}
	if rec := do(t, h, "GET", "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", rec.Code)
	}

	req := httptest.NewRequest("GET", "/api/tasks/status", nil)
	req.SetBasicAuth("admin", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("with credentials status = %d, want 200", rec.Code)
	}
}

func TestHealthStatus(t *testing.T) {
	t.Parallel()

	h := NewHandler(Config{}, &fakeOps{health: manager.Health{OK: false, StoreError: "closed"}}, logx.Nop())
	rec := do(t, h, "GET", "/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if got := decode(t, rec)["store_error"]; got != "closed" {
		t.Fatalf("store_error = %v", got)
	}
}

func TestServerStartStop(t *testing.T) {
	t.Parallel()

	srv := NewServer(Config{Addr: "127.0.0.1:0"}, &fakeOps{health: manager.Health{OK: true}}, logx.Nop())
	srv.Start(context.Background())

	var addr string
	deadline := time.Now().Add(3 * time.Second)
	for addr == "" && time.Now().Before(deadline) {
		addr = srv.Addr()
		time.Sleep(10 * time.Millisecond)
	}
	if addr == "" {
		t.Fatalf("server never bound")
	}
	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Stop(ctx)
	if srv.Running() || srv.Addr() != "" {
		t.Fatalf("server still running after Stop")
	}
}
