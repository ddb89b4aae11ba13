package scheduler

import (
	"context"
	"errors"
	"sort"
	"time"

	"botrunner/internal/task"
	"botrunner/internal/task/schedule"
	logx "botrunner/pkg/logx"
)

// tick syncs against the registry and dispatches every due task. Due tasks
// get nextRunAt = spec.Next(now); missed occurrences are not caught up.
func (s *Service) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	s.syncLocked(now)
	var due []string
	for name, e := range s.entries {
		if !e.enabled || e.spec == nil || e.next.IsZero() || now.Before(e.next) {
			continue
		}
		due = append(due, name)
		e.last = now
		e.next = e.spec.Next(now)
	}
	disp := s.disp
	s.mu.Unlock()

	if disp == nil || len(due) == 0 {
		return
	}
	sort.Strings(due)
	for _, name := range due {
		id, err := disp.Trigger(ctx, name, task.TriggerScheduled)
		if err != nil {
			s.reportDispatchError(name, err)
			continue
		}
		s.log.Debug("task dispatched", logx.Task(name), logx.RunID(id))
	}
}

// Refresh re-syncs schedule state with the registry without dispatching.
func (s *Service) Refresh() {
	s.mu.Lock()
	s.syncLocked(s.now())
	s.mu.Unlock()
}

// Reschedule recomputes nextRunAt from now, e.g. after a manual run.
func (s *Service) Reschedule(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok || !e.enabled || e.spec == nil {
		return
	}
	e.next = e.spec.Next(s.now())
}

// Forget drops the schedule state of a deleted task.
func (s *Service) Forget(name string) {
	s.mu.Lock()
	delete(s.entries, name)
	s.mu.Unlock()

	s.warnMu.Lock()
	delete(s.warn, name)
	s.warnMu.Unlock()
}

// State returns the schedule state of name.
func (s *Service) State(name string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return State{}, false
	}
	return stateOf(name, e), true
}

// States returns every known schedule state keyed by task name.
func (s *Service) States() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.entries))
	for name, e := range s.entries {
		out[name] = stateOf(name, e)
	}
	return out
}

func stateOf(name string, e *entry) State {
	st := State{
		Name:          name,
		Schedule:      e.def.String(),
		Enabled:       e.enabled,
		NextRunAt:     e.next,
		LastDispatch:  e.last,
		ScheduleError: e.err,
	}
	return st
}

// syncLocked reconciles entries with the task source. Call with s.mu held.
func (s *Service) syncLocked(now time.Time) {
	if s.tasks == nil {
		return
	}
	tasks := s.tasks.List()
	seen := make(map[string]struct{}, len(tasks))
	locKey := s.loc.String()

	for _, t := range tasks {
		seen[t.Name] = struct{}{}
		e, ok := s.entries[t.Name]
		if !ok {
			e = &entry{}
			s.entries[t.Name] = e
		}

		reparsed := false
		locChanged := e.loc != locKey && t.Schedule.UsesDefaultLocation()
		if !ok || e.def != t.Schedule || locChanged {
			e.def = t.Schedule
			e.loc = locKey
			e.spec, e.err = nil, ""
			e.next = time.Time{}
			reparsed = true

			spec, err := schedule.Parse(t.Schedule, s.loc)
			switch {
			case errors.Is(err, schedule.ErrNoSchedule):
				// Manual-only task.
			case err != nil:
				e.err = err.Error()
				s.log.Warn("invalid schedule; task excluded", logx.Task(t.Name), logx.String("err", e.err))
			default:
				e.spec = spec
			}
		}

		wasEnabled := e.enabled
		e.enabled = t.Enabled
		switch {
		case !e.enabled:
			e.next = time.Time{}
		case e.spec == nil:
		case reparsed || !wasEnabled || e.next.IsZero():
			e.next = e.spec.Next(now)
			s.log.Debug("task scheduled", logx.Task(t.Name), logx.String("spec", e.spec.String()), logx.Time("next", e.next))
		}
	}

	for name := range s.entries {
		if _, ok := seen[name]; !ok {
			delete(s.entries, name)
		}
	}
}
