package app

import (
	"fmt"
	"strings"
	"time"

	"botrunner/internal/config"
	"botrunner/internal/notifier"
	"botrunner/internal/storage"
	"botrunner/internal/task/engine"
	"botrunner/internal/task/manager"
	"botrunner/internal/task/schedule"
	"botrunner/internal/task/scheduler"
	"botrunner/internal/task/status"
	"botrunner/internal/transport/httpapi"
	logx "botrunner/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    strings.EqualFold(strings.TrimSpace(cfg.Logging.Format), "json"),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(sc.Path) == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
	case "mysql":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=mysql")
		}
	case "", "none":
		return storage.Config{}, fmt.Errorf("storage.driver is required (sqlite or mysql)")
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}

	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	life, err := config.ParseDurationField("storage.conn_max_lifetime", sc.ConnMaxLifetime)
	if err != nil {
		return storage.Config{}, err
	}
	if sc.MaxOpenConns < 0 || sc.MaxIdleConns < 0 {
		return storage.Config{}, fmt.Errorf("storage connection limits must be >= 0")
	}
	return storage.Config{
		Driver:          driver,
		Path:            strings.TrimSpace(sc.Path),
		BusyTimeout:     busy,
		DSN:             strings.TrimSpace(sc.DSN),
		MaxOpenConns:    sc.MaxOpenConns,
		MaxIdleConns:    sc.MaxIdleConns,
		ConnMaxLifetime: life,
	}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.Executor
	if ec.Workers < 0 {
		return engine.Config{}, fmt.Errorf("executor.workers must be >= 0")
	}
	if ec.QueueSize < 0 {
		return engine.Config{}, fmt.Errorf("executor.queue_size must be >= 0")
	}
	if ec.RetryMax < 0 {
		return engine.Config{}, fmt.Errorf("executor.retry_max must be >= 0")
	}
	if ec.RetryJitter < 0 || ec.RetryJitter > 1 {
		return engine.Config{}, fmt.Errorf("executor.retry_jitter must be within [0, 1]")
	}
	timeout, err := config.ParseDurationField("executor.default_timeout", ec.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	base, err := config.ParseDurationField("executor.retry_base", ec.RetryBase)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("executor.retry_max_delay", ec.RetryMaxDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        ec.Workers,
		QueueSize:      ec.QueueSize,
		DefaultTimeout: timeout,
		RetryMax:       ec.RetryMax,
		RetryBase:      base,
		RetryMaxDelay:  maxDelay,
		RetryJitter:    ec.RetryJitter,
	}, nil
}

func mapProcessConfig(cfg *config.Config) (engine.ProcessConfig, error) {
	ec := cfg.Executor
	if ec.OutputLimit < 0 {
		return engine.ProcessConfig{}, fmt.Errorf("executor.output_limit must be >= 0")
	}
	grace, err := config.ParseDurationField("executor.kill_grace", ec.KillGrace)
	if err != nil {
		return engine.ProcessConfig{}, err
	}
	var interp map[string]string
	if len(ec.Interpreters) > 0 {
		interp = engine.DefaultInterpreters()
		for ext, cmd := range ec.Interpreters {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if ext != "" && !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			interp[ext] = cmd
		}
	}
	return engine.ProcessConfig{
		ScriptsDir:   strings.TrimSpace(cfg.Tasks.ScriptsDir),
		Interpreters: interp,
		OutputLimit:  ec.OutputLimit,
		KillGrace:    grace,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	tick, err := config.ParseDurationField("scheduler.tick", sc.Tick)
	if err != nil {
		return scheduler.Config{}, err
	}
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := schedule.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{
		Enabled:  sc.Enabled,
		Tick:     tick,
		Timezone: strings.TrimSpace(sc.Timezone),
	}, nil
}

func mapStatusConfig(cfg *config.Config) (status.Config, error) {
	window, err := config.ParseDurationOrDefault("status.window", cfg.Status.Window, status.DefaultWindow)
	if err != nil {
		return status.Config{}, err
	}
	out := status.Config{Window: window}
	if tz := strings.TrimSpace(cfg.Status.Timezone); tz != "" {
		loc, err := schedule.LoadLocation(tz)
		if err != nil {
			return status.Config{}, fmt.Errorf("status.timezone: invalid %q: %w", tz, err)
		}
		out.Location = loc
	}
	return out, nil
}

func mapManagerConfig(cfg *config.Config) (manager.Config, error) {
	check := func(path, v string) (string, error) {
		v = strings.ToLower(strings.TrimSpace(v))
		switch v {
		case "", config.PolicyDelete, config.PolicyRetain:
			return v, nil
		default:
			return "", fmt.Errorf("%s: must be %q or %q", path, config.PolicyDelete, config.PolicyRetain)
		}
	}
	onDelete, err := check("history.on_delete", cfg.History.OnDelete)
	if err != nil {
		return manager.Config{}, err
	}
	onReload, err := check("history.on_reload_remove", cfg.History.OnReloadRemove)
	if err != nil {
		return manager.Config{}, err
	}
	return manager.Config{OnDelete: onDelete, OnReloadRemove: onReload}, nil
}

// retentionConfig is the prune loop setting: keep runs for retention (0 keeps
// forever), checked every pruneEvery.
type retentionConfig struct {
	retention  time.Duration
	pruneEvery time.Duration
}

func mapRetentionConfig(cfg *config.Config) (retentionConfig, error) {
	keep, err := config.ParseDurationField("history.retention", cfg.History.Retention)
	if err != nil {
		return retentionConfig{}, err
	}
	every, err := config.ParseDurationOrDefault("history.prune_every", cfg.History.PruneEvery, time.Hour)
	if err != nil {
		return retentionConfig{}, err
	}
	return retentionConfig{retention: keep, pruneEvery: every}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	if cfg.Notifier == nil {
		return notifier.Config{}, nil
	}
	nc := *cfg.Notifier
	if nc.RatePerSec < 0 || nc.RetryMax < 0 || nc.QueueSize < 0 || nc.OutputExcerpt < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: numeric settings must be >= 0")
	}
	if nc.Enabled {
		if strings.TrimSpace(nc.Telegram.Token) == "" {
			return notifier.Config{}, fmt.Errorf("notifier.telegram.token is required when notifier.enabled=true")
		}
		if nc.Telegram.ChatID == 0 {
			return notifier.Config{}, fmt.Errorf("notifier.telegram.chat_id is required when notifier.enabled=true")
		}
	}
	base, err := config.ParseDurationField("notifier.retry_base", nc.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.ParseDurationField("notifier.dedup_window", nc.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMax := nc.RetryMax
	if retryMax == 0 {
		retryMax = 3
	}
	onlyFinal := nc.OnlyFinal == nil || *nc.OnlyFinal
	return notifier.Config{
		Enabled:       nc.Enabled,
		QueueSize:     nc.QueueSize,
		RatePerSec:    nc.RatePerSec,
		RetryMax:      retryMax,
		RetryBase:     base,
		DedupWindow:   dedup,
		OnlyFinal:     onlyFinal,
		OutputExcerpt: nc.OutputExcerpt,
	}, nil
}

func mapTelegramConfig(cfg *config.Config) notifier.TelegramConfig {
	if cfg.Notifier == nil {
		return notifier.TelegramConfig{}
	}
	t := cfg.Notifier.Telegram
	return notifier.TelegramConfig{Token: strings.TrimSpace(t.Token), ChatID: t.ChatID, ThreadID: t.ThreadID}
}

func mapServerConfig(cfg *config.Config) (httpapi.Config, error) {
	sc := cfg.Server
	read, err := config.ParseDurationOrDefault("server.read_timeout", sc.ReadTimeout, httpapi.DefaultReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	shutdown, err := config.ParseDurationOrDefault("server.shutdown_timeout", sc.ShutdownTimeout, httpapi.DefaultShutdownTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	if (strings.TrimSpace(sc.AuthUser) == "") != (sc.AuthPass == "") {
		return httpapi.Config{}, fmt.Errorf("server.auth_user and server.auth_pass must be set together")
	}
	addr := strings.TrimSpace(sc.Addr)
	if addr == "" {
		addr = httpapi.DefaultAddr
	}
	return httpapi.Config{
		Addr:            addr,
		AuthUser:        strings.TrimSpace(sc.AuthUser),
		AuthPass:        sc.AuthPass,
		CORSOrigins:     sc.CORSOrigins,
		Pprof:           sc.Pprof,
		ReadTimeout:     read,
		ShutdownTimeout: shutdown,
	}, nil
}

// validate rejects a config before it is committed. Every mapper runs so hot
// reload never half-applies a broken file.
func validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Tasks.Path) == "" {
		return fmt.Errorf("tasks.path is required")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", cfg.Logging.Format)
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapProcessConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStatusConfig(cfg); err != nil {
		return err
	}
	if _, err := mapManagerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRetentionConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapServerConfig(cfg); err != nil {
		return err
	}
	return nil
}
