package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"botrunner/internal/config"
	"botrunner/internal/eventbus"
	"botrunner/internal/notifier"
	rtsup "botrunner/internal/runtime/supervisor"
	"botrunner/internal/storage"
	"botrunner/internal/task/engine"
	"botrunner/internal/task/manager"
	"botrunner/internal/task/registry"
	"botrunner/internal/task/scheduler"
	"botrunner/internal/task/status"
	"botrunner/internal/transport/httpapi"
	logx "botrunner/pkg/logx"
	"botrunner/pkg/systemd"
)

type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

// Options are command line switches that override the config file.
type Options struct {
	// NoScheduler keeps the ticking loop off; manual runs and the API still work.
	NoScheduler bool
}

type App struct {
	cfgm *config.ConfigManager
	opts Options
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  storage.Store
	reg    *registry.Registry
	engine *engine.Service
	sched  *scheduler.Service
	status *status.Aggregator
	mgr    *manager.Manager
	notif  *notifier.Service
	server *httpapi.Server // nil when server.enabled=false
	sd     *systemd.Notifier

	mu        sync.Mutex
	retention retentionConfig
}

func New(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, found, err := cfgm.LoadOrDefault()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))
	if !found {
		appLog.Warn("config file not found; using defaults", logx.String("path", cfgPath))
	}

	bus := eventbus.New()

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver))

	reg := registry.New(strings.TrimSpace(cfg.Tasks.Path), log.With(logx.String("comp", "registry")))
	if err := reg.Load(); err != nil {
		_ = store.Close()
		return nil, err
	}

	pc, _ := mapProcessConfig(cfg)
	runner := engine.NewProcessRunner(pc, log.With(logx.String("comp", "runner")))

	ec, _ := mapEngineConfig(cfg)
	eng := engine.New(ec, engine.Deps{
		Tasks:  reg,
		Store:  store,
		Runner: runner,
		Bus:    bus,
		Log:    log.With(logx.String("comp", "engine")),
	})

	schc, _ := mapSchedulerConfig(cfg)
	if opts.NoScheduler {
		schc.Enabled = false
	}
	sched := scheduler.New(schc, scheduler.Deps{
		Tasks:      reg,
		Dispatcher: eng,
		Log:        log.With(logx.String("comp", "scheduler")),
	})

	stc, _ := mapStatusConfig(cfg)
	agg := status.New(stc, reg, sched, store, nil)

	mc, _ := mapManagerConfig(cfg)
	mgr := manager.New(mc, manager.Deps{
		Registry:  reg,
		Scheduler: sched,
		Engine:    eng,
		Store:     store,
		Status:    agg,
		Log:       log.With(logx.String("comp", "manager")),
	})

	// The sender is built whenever credentials exist so the notifier can be
	// switched on by a config reload.
	var sender notifier.Sender
	if tc := mapTelegramConfig(cfg); tc.Token != "" && tc.ChatID != 0 {
		ts, err := notifier.NewTelegramSender(tc)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("telegram sender: %w", err)
		}
		sender = ts
	}
	nc, _ := mapNotifierConfig(cfg)
	notif := notifier.New(nc, sender, log.With(logx.String("comp", "notifier")), bus)

	var server *httpapi.Server
	if cfg.Server.Enabled {
		hc, _ := mapServerConfig(cfg)
		server = httpapi.NewServer(hc, mgr, log.With(logx.String("comp", "http")))
	}

	rc, _ := mapRetentionConfig(cfg)

	return &App{
		cfgm:      cfgm,
		opts:      opts,
		log:       appLog,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		reg:       reg,
		engine:    eng,
		sched:     sched,
		status:    agg,
		mgr:       mgr,
		notif:     notif,
		server:    server,
		sd:        systemd.New(cfg.Systemd.Notify),
		retention: rc,
	}, nil
}

// Manager exposes the operations facade (tests, embedding).
func (a *App) Manager() *manager.Manager { return a.mgr }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// transactional config reload: validate before commit/publish
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	// Runs left open by a crash can never finish now.
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	n, err := a.store.Reconcile(rctx, time.Now())
	cancel()
	if err != nil {
		return fmt.Errorf("reconcile runs: %w", err)
	}
	if n > 0 {
		a.log.Warn("marked interrupted runs from previous process", logx.Int64("runs", n))
	}

	runCtx := a.sup.Context()
	a.engine.Start(runCtx)
	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	if a.sched.Enabled() {
		a.sched.Start(runCtx)
	} else if a.opts.NoScheduler {
		a.log.Info("scheduler disabled by flag; manual runs only")
	}
	if a.server != nil {
		a.server.Start(runCtx)
	}

	if a.cfgm.Get().Tasks.WatchTasks() {
		a.sup.Go0("tasks.watch", func(c context.Context) {
			if err := a.mgr.WatchSource(c); err != nil {
				a.log.Warn("tasks watcher stopped", logx.Err(err))
			}
		})
	}
	a.sup.Go0("history.prune", a.pruneLoop)
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		_ = a.sd.RunWatchdog(c, a.healthy)
	})

	// Optional: log events for observability/debug.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if sent, err := a.sd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started", logx.Int("tasks", len(a.reg.List())), logx.Bool("scheduler", a.sched.Running()))
	return nil
}

func (a *App) healthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return a.mgr.Health(ctx).OK
}

func (a *App) pruneLoop(ctx context.Context) {
	for {
		a.mu.Lock()
		rc := a.retention
		a.mu.Unlock()

		if rc.retention > 0 {
			if _, err := a.mgr.PruneOlderThan(ctx, rc.retention); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("history prune failed", logx.Err(err))
			}
		}

		t := time.NewTimer(rc.pruneEvery)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	// Track last applied config to generate a safe diff summary for logx.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}

			sections, attrs, restart := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}
			a.applyConfig(ctx, newCfg)

			if len(restart) > 0 {
				a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

// applyConfig pushes the live-reloadable settings. The config was validated
// before commit, so mapper errors only guard against programming mistakes.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	if err := a.logs.Apply(mapLoggingConfig(cfg)); err != nil {
		a.log.Warn("log sinks partially applied", logx.Err(err))
	}

	if ec, err := mapEngineConfig(cfg); err == nil {
		a.engine.Apply(ec)
	}

	if sc, err := mapSchedulerConfig(cfg); err == nil {
		if a.opts.NoScheduler {
			sc.Enabled = false
		}
		wasEnabled := a.sched.Enabled()
		a.sched.Apply(sc)
		switch {
		case wasEnabled && !sc.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		case !wasEnabled && sc.Enabled:
			a.log.Info("scheduler enabled via config")
			a.sched.Start(ctx)
		}
	}

	if stc, err := mapStatusConfig(cfg); err == nil {
		a.status.Apply(stc)
	}
	if mc, err := mapManagerConfig(cfg); err == nil {
		a.mgr.Apply(mc)
	}
	if rc, err := mapRetentionConfig(cfg); err == nil {
		a.mu.Lock()
		a.retention = rc
		a.mu.Unlock()
	}

	if nc, err := mapNotifierConfig(cfg); err == nil {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(nc)
		switch {
		case wasEnabled && !nc.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && nc.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := a.sd.Stopping(); err != nil {
		a.log.Debug("systemd notify failed", logx.Err(err))
	}

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Intake first (scheduler, API), then the engine, so the notifier can still
	// drain failures of interrupted runs before the app context goes away.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("http", 3*time.Second, func(c context.Context) error {
		if a.server != nil {
			a.server.Stop(c)
		}
		return nil
	})
	step("engine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })

	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
