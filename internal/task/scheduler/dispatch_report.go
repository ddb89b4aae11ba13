package scheduler

import (
	"errors"
	"time"

	"botrunner/internal/task"
	logx "botrunner/pkg/logx"

	"golang.org/x/time/rate"
)

const dispatchWarnThrottle = 5 * time.Second

func (s *Service) reportDispatchError(name string, err error) {
	if err == nil {
		return
	}
	// Overlap and disable races happen during normal operation.
	if errors.Is(err, task.ErrAlreadyRunning) || errors.Is(err, task.ErrDisabled) {
		s.log.Debug("schedule trigger skipped", logx.Task(name), logx.String("reason", err.Error()))
		return
	}

	s.warnMu.Lock()
	st, ok := s.warn[name]
	if !ok {
		st = &rate.Sometimes{Interval: dispatchWarnThrottle}
		s.warn[name] = st
	}
	s.warnMu.Unlock()

	// Queue full / stopping are important but can be bursty.
	st.Do(func() {
		s.log.Warn("schedule failed to dispatch task", logx.Task(name), logx.Err(err))
	})
}
