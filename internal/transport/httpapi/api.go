// Package httpapi exposes the task operations as a small JSON HTTP API.
package httpapi

import (
	"context"
	"errors"
	"net/http"

	"botrunner/internal/storage"
	"botrunner/internal/task"
	"botrunner/internal/task/engine"
	"botrunner/internal/task/manager"
	"botrunner/internal/task/registry"
	"botrunner/internal/task/status"
)

// Operations is the subset of manager.Manager served over HTTP.
type Operations interface {
	Overview(ctx context.Context) (status.Overview, error)
	TriggerNow(ctx context.Context, name string) (int64, error)
	SetEnabled(ctx context.Context, name string, enabled bool) (task.Task, error)
	DeleteTask(ctx context.Context, name string) error
	Reload(ctx context.Context) (registry.Diff, error)
	Deploy(ctx context.Context, def registry.Definition) (task.Task, bool, error)
	ListRuns(ctx context.Context, f storage.Filter) (manager.RunPage, error)
	GetRun(ctx context.Context, id int64) (task.Run, error)
	DeleteRun(ctx context.Context, id int64) error
	ClearRuns(ctx context.Context, name string) (int64, error)
	Health(ctx context.Context) manager.Health
}

var _ Operations = (*manager.Manager)(nil)

// statusOf maps the error taxonomy onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, task.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrConflict), errors.Is(err, task.ErrAlreadyRunning), errors.Is(err, task.ErrDisabled):
		return http.StatusConflict
	case errors.Is(err, task.ErrConfig):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrStopped), errors.Is(err, engine.ErrQueueFull):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type runView struct {
	task.Run
	DurationSeconds float64 `json:"duration_seconds"`
}

func viewRun(r task.Run) runView {
	return runView{Run: r, DurationSeconds: r.DurationSeconds()}
}

type runPageView struct {
	Runs   []runView `json:"runs"`
	Total  int64     `json:"total"`
	Limit  int       `json:"limit"`
	Offset int       `json:"offset"`
}
