// Package manager is the operation surface of the task service: every
// operator action goes through here so cascades, history policies and the
// audit trail are applied the same way for every transport.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"botrunner/internal/config"
	"botrunner/internal/storage"
	"botrunner/internal/task"
	"botrunner/internal/task/engine"
	"botrunner/internal/task/registry"
	"botrunner/internal/task/scheduler"
	"botrunner/internal/task/status"
	logx "botrunner/pkg/logx"
)

const storeTimeout = 10 * time.Second

// Config holds the history policies (config.PolicyDelete | config.PolicyRetain).
type Config struct {
	OnDelete       string
	OnReloadRemove string
}

func (c Config) withDefaults() Config {
	if c.OnDelete == "" {
		c.OnDelete = config.PolicyDelete
	}
	if c.OnReloadRemove == "" {
		c.OnReloadRemove = config.PolicyRetain
	}
	return c
}

type Deps struct {
	Registry  *registry.Registry
	Scheduler *scheduler.Service
	Engine    *engine.Service
	Store     storage.Store
	Status    *status.Aggregator
	Log       logx.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

type Manager struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	now func() time.Time

	reg    *registry.Registry
	sched  *scheduler.Service
	eng    *engine.Service
	store  storage.Store
	status *status.Aggregator

	// Tasks removed by a reload whose history goes once their dispatch ends.
	pendingPurge map[string]struct{}
}

// New wires the manager and installs the engine gate on the registry.
func New(cfg Config, deps Deps) *Manager {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	m := &Manager{
		cfg:          cfg.withDefaults(),
		log:          deps.Log,
		now:          deps.Now,
		reg:          deps.Registry,
		sched:        deps.Scheduler,
		eng:          deps.Engine,
		store:        deps.Store,
		status:       deps.Status,
		pendingPurge: map[string]struct{}{},
	}
	if m.eng != nil {
		m.reg.SetLocker(m.eng)
		m.eng.SetOnFinish(m.onFinish)
	}
	return m
}

// Apply hot-applies history policies.
func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

func (m *Manager) policies() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *Manager) Overview(ctx context.Context) (status.Overview, error) {
	return m.status.Overview(ctx)
}

// TriggerNow dispatches name manually and returns the id of its pending run.
func (m *Manager) TriggerNow(ctx context.Context, name string) (int64, error) {
	id, err := m.eng.Trigger(ctx, name, task.TriggerManual)
	m.audit(ctx, "task.run", name, err, runMeta(id))
	if err != nil {
		return 0, err
	}
	m.sched.Reschedule(name)
	return id, nil
}

func (m *Manager) SetEnabled(ctx context.Context, name string, enabled bool) (task.Task, error) {
	t, err := m.reg.SetEnabled(name, enabled)
	m.audit(ctx, "task.enable", name, err, fmt.Sprintf("enabled=%t", enabled))
	if err != nil {
		return task.Task{}, err
	}
	m.sched.Refresh()
	return t, nil
}

// DeleteTask removes a task. It conflicts while a dispatch is pending or
// running; under the delete policy the history goes with it.
func (m *Manager) DeleteTask(ctx context.Context, name string) error {
	var purged int64
	cascade := func(name string) error {
		if m.policies().OnDelete != config.PolicyDelete {
			return nil
		}
		cctx, cancel := storeCtx(ctx)
		defer cancel()
		n, err := m.store.DeleteAllForTask(cctx, name)
		purged = n
		return err
	}
	err := m.reg.Remove(name, cascade)
	m.audit(ctx, "task.delete", name, err, fmt.Sprintf("runs_deleted=%d", purged))
	if err != nil {
		return err
	}
	m.sched.Forget(name)
	m.log.Info("task deleted", logx.Task(name), logx.Int64("runs_deleted", purged))
	return nil
}

// Reload re-reads the tasks source. Removed tasks keep their history unless
// the reload policy says delete.
func (m *Manager) Reload(ctx context.Context) (registry.Diff, error) {
	diff, err := m.reg.Reload()
	m.audit(ctx, "tasks.reload", m.reg.Path(), err, fmt.Sprintf("added=%d updated=%d removed=%d", len(diff.Added), len(diff.Updated), len(diff.Removed)))
	if err != nil {
		return registry.Diff{}, err
	}
	if m.policies().OnReloadRemove == config.PolicyDelete {
		for _, name := range diff.Removed {
			m.purgeWhenIdle(ctx, name)
		}
	}
	m.sched.Refresh()
	if diff.Changed() {
		m.log.Info("tasks reloaded", logx.Any("added", diff.Added), logx.Any("updated", diff.Updated), logx.Any("removed", diff.Removed))
	}
	return diff, nil
}

// Deploy creates or replaces a task definition.
func (m *Manager) Deploy(ctx context.Context, def registry.Definition) (task.Task, bool, error) {
	t, created, err := m.reg.Upsert(def)
	m.audit(ctx, "task.deploy", def.Name, err, fmt.Sprintf("created=%t", created))
	if err != nil {
		return task.Task{}, false, err
	}
	m.mu.Lock()
	delete(m.pendingPurge, t.Name)
	m.mu.Unlock()
	m.sched.Refresh()
	return t, created, nil
}

// RunPage is one page of the run history.
type RunPage struct {
	Runs   []task.Run `json:"runs"`
	Total  int64      `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

func (m *Manager) ListRuns(ctx context.Context, f storage.Filter) (RunPage, error) {
	if f.Status != "" && !f.Status.Valid() {
		return RunPage{}, task.NewError(task.ErrConfig, "list runs", "", fmt.Errorf("invalid status %q", f.Status))
	}
	runs, err := m.store.List(ctx, f)
	if err != nil {
		return RunPage{}, err
	}
	total, err := m.store.Count(ctx, f)
	if err != nil {
		return RunPage{}, err
	}
	limit := f.Limit
	switch {
	case limit <= 0:
		limit = storage.DefaultListLimit
	case limit > storage.MaxListLimit:
		limit = storage.MaxListLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	return RunPage{Runs: runs, Total: total, Limit: limit, Offset: offset}, nil
}

func (m *Manager) GetRun(ctx context.Context, id int64) (task.Run, error) {
	return m.store.Get(ctx, id)
}

// DeleteRun deletes one terminal run.
func (m *Manager) DeleteRun(ctx context.Context, id int64) error {
	err := m.store.Delete(ctx, id)
	m.audit(ctx, "run.delete", fmt.Sprintf("run %d", id), err, "")
	return err
}

// ClearRuns deletes the terminal history of one task, or of every task when
// name is empty. In-progress runs are kept.
func (m *Manager) ClearRuns(ctx context.Context, name string) (int64, error) {
	var (
		n   int64
		err error
	)
	if name != "" {
		n, err = m.store.DeleteAllForTask(ctx, name)
	} else {
		n, err = m.store.Prune(ctx, m.now())
	}
	target := name
	if target == "" {
		target = "*"
	}
	m.audit(ctx, "runs.clear", target, err, fmt.Sprintf("runs_deleted=%d", n))
	if err != nil {
		return 0, err
	}
	if name != "" {
		m.reg.ForgetOrphan(name)
	} else {
		for _, o := range m.reg.Orphans() {
			m.reg.ForgetOrphan(o)
		}
	}
	return n, nil
}

// PruneOlderThan applies the retention window. Zero retention keeps everything.
func (m *Manager) PruneOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	n, err := m.store.Prune(ctx, m.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Info("run history pruned", logx.Int64("deleted", n), logx.Duration("retention", retention))
	}
	return n, nil
}

// Health reports the liveness of each moving part.
type Health struct {
	OK               bool   `json:"ok"`
	SchedulerRunning bool   `json:"scheduler_running"`
	EngineRunning    bool   `json:"engine_running"`
	StoreOK          bool   `json:"store_ok"`
	StoreError       string `json:"store_error,omitempty"`
	Tasks            int    `json:"tasks"`
}

func (m *Manager) Health(ctx context.Context) Health {
	h := Health{
		SchedulerRunning: m.sched.Running(),
		EngineRunning:    m.eng.Running(),
		Tasks:            len(m.reg.List()),
	}
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := m.store.Ping(pctx); err != nil {
		h.StoreError = err.Error()
	} else {
		h.StoreOK = true
	}
	// A disabled scheduler (--no-scheduler) is not unhealthy.
	h.OK = h.EngineRunning && h.StoreOK && (h.SchedulerRunning || !m.sched.Enabled())
	return h
}

// WatchSource reloads the registry whenever the tasks source changes on disk.
// Writes made by the registry itself hash-match and reload as no-ops.
func (m *Manager) WatchSource(ctx context.Context) error {
	return config.WatchFile(ctx, m.reg.Path(), m.log.With(logx.String("comp", "tasks.watch")), func() {
		if _, err := m.Reload(ctx); err != nil {
			m.log.Warn("tasks reload failed; keeping previous tasks", logx.Err(err))
		}
	})
}

func (m *Manager) purgeWhenIdle(ctx context.Context, name string) {
	m.mu.Lock()
	m.pendingPurge[name] = struct{}{}
	m.mu.Unlock()
	if m.eng.IsRunning(name) {
		m.log.Info("history purge deferred until run finishes", logx.Task(name))
		return
	}
	m.mu.Lock()
	delete(m.pendingPurge, name)
	m.mu.Unlock()
	m.purge(ctx, name)
}

func (m *Manager) onFinish(name string, _ task.Run) {
	m.mu.Lock()
	_, ok := m.pendingPurge[name]
	delete(m.pendingPurge, name)
	m.mu.Unlock()
	if ok {
		m.purge(context.Background(), name)
	}
}

func (m *Manager) purge(ctx context.Context, name string) {
	cctx, cancel := storeCtx(ctx)
	defer cancel()
	n, err := m.store.DeleteAllForTask(cctx, name)
	if err != nil {
		m.log.Warn("history purge failed", logx.Task(name), logx.Err(err))
		return
	}
	m.reg.ForgetOrphan(name)
	m.log.Info("history purged", logx.Task(name), logx.Int64("deleted", n))
}

func (m *Manager) audit(ctx context.Context, action, target string, err error, meta string) {
	e := storage.AuditEntry{At: m.now(), Action: action, Target: target, OK: err == nil, Meta: meta}
	if err != nil {
		e.Error = err.Error()
	}
	cctx, cancel := storeCtx(ctx)
	defer cancel()
	if aerr := m.store.AppendAudit(cctx, e); aerr != nil && !errors.Is(aerr, storage.ErrDisabled) {
		m.log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}

func runMeta(id int64) string {
	if id == 0 {
		return ""
	}
	return fmt.Sprintf("run_id=%d", id)
}

func storeCtx(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(parent), storeTimeout)
}
