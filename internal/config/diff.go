package config

import (
	"reflect"
	"sort"
	"strings"

	logx "botrunner/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens,
// passwords or DSNs), and (3) the changed sections that only take effect
// after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	restart := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		restart = append(restart, "server")
		attrs = append(attrs,
			logx.Bool("server.enabled", newCfg.Server.Enabled),
			logx.String("server.addr", strings.TrimSpace(newCfg.Server.Addr)),
			logx.Bool("server.auth_set", strings.TrimSpace(newCfg.Server.AuthUser) != ""),
			logx.Int("server.cors_origins", len(newCfg.Server.CORSOrigins)),
			logx.Bool("server.pprof", newCfg.Server.Pprof),
		)
	}

	if strings.TrimSpace(oldCfg.Tasks.Path) != strings.TrimSpace(newCfg.Tasks.Path) ||
		strings.TrimSpace(oldCfg.Tasks.ScriptsDir) != strings.TrimSpace(newCfg.Tasks.ScriptsDir) ||
		oldCfg.Tasks.WatchTasks() != newCfg.Tasks.WatchTasks() {
		changed = append(changed, "tasks")
		restart = append(restart, "tasks")
		attrs = append(attrs,
			logx.String("tasks.path", strings.TrimSpace(newCfg.Tasks.Path)),
			logx.String("tasks.scripts_dir", strings.TrimSpace(newCfg.Tasks.ScriptsDir)),
			logx.Bool("tasks.watch", newCfg.Tasks.WatchTasks()),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.tick", strings.TrimSpace(newCfg.Scheduler.Tick)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Executor, newCfg.Executor) {
		changed = append(changed, "executor")
		// Pool shape is fixed at start; timeouts and retry defaults apply live.
		if oldCfg.Executor.Workers != newCfg.Executor.Workers || oldCfg.Executor.QueueSize != newCfg.Executor.QueueSize {
			restart = append(restart, "executor")
		}
		attrs = append(attrs,
			logx.Int("executor.workers", newCfg.Executor.Workers),
			logx.Int("executor.queue_size", newCfg.Executor.QueueSize),
			logx.String("executor.default_timeout", strings.TrimSpace(newCfg.Executor.DefaultTimeout)),
			logx.Int("executor.output_limit", newCfg.Executor.OutputLimit),
			logx.Int("executor.retry_max", newCfg.Executor.RetryMax),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	if oldCfg.History != newCfg.History {
		changed = append(changed, "history")
		attrs = append(attrs,
			logx.String("history.on_delete", newCfg.History.OnDelete),
			logx.String("history.on_reload_remove", newCfg.History.OnReloadRemove),
			logx.String("history.retention", strings.TrimSpace(newCfg.History.Retention)),
		)
	}

	if oldCfg.Status != newCfg.Status {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.String("status.window", strings.TrimSpace(newCfg.Status.Window)),
			logx.String("status.timezone", strings.TrimSpace(newCfg.Status.Timezone)),
		)
	}

	// Nil means disabled.
	oldN, newN := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if (oldCfg.Notifier == nil) != (newCfg.Notifier == nil) || !reflect.DeepEqual(oldN, newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newCfg.Notifier != nil && newN.Enabled),
			logx.Bool("notifier.token_set", strings.TrimSpace(newN.Telegram.Token) != ""),
			logx.Int64("notifier.chat_id", newN.Telegram.ChatID),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		restart = append(restart, "systemd")
		attrs = append(attrs, logx.Bool("systemd.notify", newCfg.Systemd.Notify))
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}
