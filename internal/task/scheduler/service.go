package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	rtsup "botrunner/internal/runtime/supervisor"
	"botrunner/internal/task/schedule"
	logx "botrunner/pkg/logx"

	"golang.org/x/time/rate"
)

func New(cfg Config, deps Deps) *Service {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	s := &Service{
		cfg:     cfg,
		log:     deps.Log,
		tasks:   deps.Tasks,
		disp:    deps.Dispatcher,
		now:     deps.Now,
		entries: map[string]*entry{},
		warn:    map[string]*rate.Sometimes{},
	}
	s.loc = s.loadLocationLocked()
	return s
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Running reports whether the ticking loop is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh != nil
}

// Location is the default timezone for schedules without their own.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Apply hot-applies tick and timezone. The Enabled flag is only read by the
// owner deciding whether to Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.loc = s.loadLocationLocked()
		// Specs are re-parsed against the new default on the next sync.
		s.syncLocked(s.now())
		s.log.Info("scheduler timezone changed", logx.String("tz", s.loc.String()))
	}
	s.mu.Unlock()
}

// Start launches the ticking loop. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.syncLocked(s.now())
	n := len(s.entries)
	tz := s.loc.String()
	tick := s.cfg.tick()
	s.mu.Unlock()

	sup.GoRestart("scheduler.tick", func(c context.Context) error {
		s.loop(c, stopCh)
		select {
		case <-stopCh:
			return context.Canceled
		case <-c.Done():
			return c.Err()
		default:
			return errors.New("scheduler loop exited unexpectedly")
		}
	}, rtsup.WithPublishFirstError(true))

	s.log.Info("scheduler started", logx.String("tz", tz), logx.Duration("tick", tick), logx.Int("tasks", n))
}

// Stop halts the loop. Dispatches already handed to the engine are unaffected.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	stopCh := s.stopCh
	sup := s.sup
	s.stopCh = nil
	s.sup = nil
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	s.log.Info("stop requested")
	close(stopCh)
	if sup != nil {
		sup.Cancel()
		if err := sup.Wait(ctx); err != nil {
			s.log.Warn("scheduler stop timed out", logx.Err(err))
		}
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// loop ticks until stopped. The first tick is immediate so overdue tasks
// do not wait a full period; the period is re-read each round so Apply can
// change it.
func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}) {
	tmr := time.NewTimer(0)
	defer tmr.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-tmr.C:
		}
		s.tick(ctx, s.now())

		s.mu.Lock()
		d := s.cfg.tick()
		s.mu.Unlock()
		tmr.Reset(d)
	}
}

// loadLocationLocked resolves cfg.Timezone, falling back to Local. Config
// validation rejects bad names, so the fallback only covers stale tzdata.
func (s *Service) loadLocationLocked() *time.Location {
	loc, err := schedule.LoadLocation(s.cfg.Timezone)
	if err != nil {
		s.log.Warn("invalid timezone; using local time", logx.String("tz", s.cfg.Timezone), logx.Err(err))
		return time.Local
	}
	return loc
}
