// Package registry owns the declarative task definitions.
//
// The registry is the only writer of task records. Every mutation is persisted
// back to the YAML source (temp file + rename) before it becomes visible, so a
// restart observes the same state. Load and Reload swap the in-memory set only
// after the whole source parsed and validated.
package registry

import (
	"bytes"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"

	yaml "go.yaml.in/yaml/v3"

	"botrunner/internal/task"
	"botrunner/internal/task/schedule"
	logx "botrunner/pkg/logx"
)

// Locker is the per-task execution gate. Remove must hold it so no run can
// start between the running check and the history cascade.
type Locker interface {
	TryLock(name string) (unlock func(), ok bool)
}

// Diff summarizes what a reload changed, by task name.
type Diff struct {
	Added     []string `json:"added"`
	Updated   []string `json:"updated"`
	Removed   []string `json:"removed"`
	Unchanged []string `json:"unchanged"`
}

func (d Diff) Changed() bool { return len(d.Added)+len(d.Updated)+len(d.Removed) > 0 }

type Registry struct {
	path string
	log  logx.Logger

	mu       sync.RWMutex
	tasks    []task.Task
	index    map[string]int
	orphans  map[string]struct{}
	lastHash uint64
	locker   Locker
}

func New(path string, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		path:    path,
		log:     log,
		index:   map[string]int{},
		orphans: map[string]struct{}{},
	}
}

func (r *Registry) Path() string { return r.path }

// SetLocker installs the execution gate consulted by Remove.
func (r *Registry) SetLocker(l Locker) {
	r.mu.Lock()
	r.locker = l
	r.mu.Unlock()
}

// Load reads the source and replaces the registry. A missing or empty source is
// an empty registry. On error the previous state is kept.
func (r *Registry) Load() error {
	_, err := r.reload("load")
	return err
}

// Reload re-reads the source and reports the difference. Tasks that disappeared
// are remembered as orphans; their history is left alone.
func (r *Registry) Reload() (Diff, error) {
	return r.reload("reload")
}

func (r *Registry) reload(op string) (Diff, error) {
	raw, tasks, err := r.read()
	if err != nil {
		return Diff{}, task.NewError(task.ErrConfig, op, r.path, err)
	}
	h := hashBytes(raw)

	r.mu.Lock()
	defer r.mu.Unlock()

	if h == r.lastHash && r.lastHash != 0 {
		return Diff{Unchanged: r.namesLocked()}, nil
	}

	diff := Diff{}
	next := make(map[string]int, len(tasks))
	for i, t := range tasks {
		next[t.Name] = i
		idx, ok := r.index[t.Name]
		switch {
		case !ok:
			diff.Added = append(diff.Added, t.Name)
		case !reflect.DeepEqual(r.tasks[idx], t):
			diff.Updated = append(diff.Updated, t.Name)
		default:
			diff.Unchanged = append(diff.Unchanged, t.Name)
		}
		delete(r.orphans, t.Name)
	}
	for _, t := range r.tasks {
		if _, ok := next[t.Name]; !ok {
			diff.Removed = append(diff.Removed, t.Name)
			r.orphans[t.Name] = struct{}{}
		}
	}

	r.tasks = tasks
	r.index = next
	r.lastHash = h

	if diff.Changed() {
		r.log.Info("tasks "+op+"ed",
			logx.Int("tasks", len(tasks)),
			logx.Any("added", diff.Added),
			logx.Any("updated", diff.Updated),
			logx.Any("removed", diff.Removed),
		)
	}
	return diff, nil
}

func (r *Registry) read() ([]byte, []task.Task, error) {
	raw, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	tasks, err := decode(raw)
	if err != nil {
		return nil, nil, err
	}
	return raw, tasks, nil
}

func decode(raw []byte) ([]task.Task, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("yaml: %w", err)
	}

	out := make([]task.Task, 0, len(f.Tasks))
	seen := make(map[string]struct{}, len(f.Tasks))
	for i, d := range f.Tasks {
		t, err := d.ToTask()
		if err != nil {
			return nil, fmt.Errorf("tasks[%d]: %w", i, err)
		}
		if _, dup := seen[t.Name]; dup {
			return nil, fmt.Errorf("tasks[%d]: duplicate task name %q", i, t.Name)
		}
		seen[t.Name] = struct{}{}
		out = append(out, t)
	}
	return out, nil
}

func (r *Registry) namesLocked() []string {
	out := make([]string, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.Name)
	}
	return out
}

// Get returns a copy of the named task.
func (r *Registry) Get(name string) (task.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.index[name]
	if !ok {
		return task.Task{}, false
	}
	return r.tasks[idx].Clone(), true
}

// List returns copies of all tasks in source order.
func (r *Registry) List() []task.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]task.Task, len(r.tasks))
	for i, t := range r.tasks {
		out[i] = t.Clone()
	}
	return out
}

// Orphans lists names removed from the source by a reload, sorted.
func (r *Registry) Orphans() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.orphans))
	for n := range r.orphans {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ForgetOrphan drops name from the orphan set once its history is gone.
func (r *Registry) ForgetOrphan(name string) {
	r.mu.Lock()
	delete(r.orphans, name)
	r.mu.Unlock()
}

func (r *Registry) SetEnabled(name string, enabled bool) (task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.index[name]
	if !ok {
		return task.Task{}, task.NotFound("set enabled", name)
	}
	if r.tasks[idx].Enabled == enabled {
		return r.tasks[idx].Clone(), nil
	}
	next := append([]task.Task(nil), r.tasks...)
	next[idx].Enabled = enabled
	if err := r.commitLocked(next); err != nil {
		return task.Task{}, err
	}
	r.log.Info("task enabled changed", logx.Task(name), logx.Bool("enabled", enabled))
	return next[idx].Clone(), nil
}

// Upsert creates or replaces a task from a deploy. The schedule must parse.
func (r *Registry) Upsert(d Definition) (task.Task, bool, error) {
	t, err := d.ToTask()
	if err != nil {
		return task.Task{}, false, err
	}
	if _, err := schedule.Parse(t.Schedule, nil); err != nil && !errors.Is(err, schedule.ErrNoSchedule) {
		return task.Task{}, false, task.NewError(task.ErrConfig, "deploy", t.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := append([]task.Task(nil), r.tasks...)
	idx, exists := r.index[t.Name]
	if exists {
		next[idx] = t
	} else {
		next = append(next, t)
	}
	if err := r.commitLocked(next); err != nil {
		return task.Task{}, false, err
	}
	delete(r.orphans, t.Name)
	r.log.Info("task deployed", logx.Task(t.Name), logx.Bool("created", !exists))
	return t.Clone(), !exists, nil
}

// Remove deletes a task. It fails with a conflict while the task's gate is held.
// cascade (optional) runs while the gate is still held, after the source is updated.
func (r *Registry) Remove(name string, cascade func(name string) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.index[name]
	if !ok {
		return task.NotFound("remove", name)
	}
	if r.locker != nil {
		unlock, ok := r.locker.TryLock(name)
		if !ok {
			return task.Conflict("remove", name, "task has a run in progress")
		}
		defer unlock()
	}

	next := make([]task.Task, 0, len(r.tasks)-1)
	next = append(next, r.tasks[:idx]...)
	next = append(next, r.tasks[idx+1:]...)
	if err := r.commitLocked(next); err != nil {
		return err
	}
	delete(r.orphans, name)
	r.log.Info("task removed", logx.Task(name))

	if cascade != nil {
		if err := cascade(name); err != nil {
			return fmt.Errorf("remove %s: cascade: %w", name, err)
		}
	}
	return nil
}

// commitLocked persists next and then makes it current.
func (r *Registry) commitLocked(next []task.Task) error {
	f := File{Tasks: make([]Definition, 0, len(next))}
	for _, t := range next {
		f.Tasks = append(f.Tasks, FromTask(t))
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&f); err != nil {
		return fmt.Errorf("encode tasks: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode tasks: %w", err)
	}
	if err := writeFileAtomic(r.path, buf.Bytes()); err != nil {
		return fmt.Errorf("persist tasks: %w", err)
	}

	idx := make(map[string]int, len(next))
	for i, t := range next {
		idx[t.Name] = i
	}
	r.tasks = next
	r.index = idx
	r.lastHash = hashBytes(buf.Bytes())
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}

func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
