package config

// Config is the service configuration. Durations are Go duration strings
// (e.g. "500ms", "10s", "5m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Server    ServerConfig    `json:"server"`
	Tasks     TasksConfig     `json:"tasks"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Executor  ExecutorConfig  `json:"executor"`
	Storage   StorageConfig   `json:"storage"`
	History   HistoryConfig   `json:"history"`
	Status    StatusConfig    `json:"status"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Systemd   SystemdConfig   `json:"systemd"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	// Format is "text" (default) or "json" for the console sink.
	Format string      `json:"format,omitempty"`
	File   LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ServerConfig controls the HTTP adapter.
//
// Security note: when AuthUser is empty the API is unauthenticated. Bind to
// localhost in that case.
type ServerConfig struct {
	Enabled     bool     `json:"enabled"`
	Addr        string   `json:"addr,omitempty"` // default: ":5000"
	AuthUser    string   `json:"auth_user,omitempty"`
	AuthPass    string   `json:"auth_pass,omitempty"` // do not log
	CORSOrigins []string `json:"cors_origins,omitempty"`
	Pprof       bool     `json:"pprof,omitempty"`

	ReadTimeout     string `json:"read_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// TasksConfig points at the declarative task source and the scripts it runs.
type TasksConfig struct {
	Path       string `json:"path,omitempty"`        // default: ./config/tasks.yaml
	ScriptsDir string `json:"scripts_dir,omitempty"` // default: ./bots
	// Watch reloads the task source when the file changes. Nil means true.
	Watch *bool `json:"watch,omitempty"`
}

// SchedulerConfig controls the ticking loop.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Tick     string `json:"tick,omitempty"`     // default: 1s
	Timezone string `json:"timezone,omitempty"` // default: Local
}

// ExecutorConfig controls the worker pool, timeouts and retry defaults.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: 5m
//   - output_limit: 50000 bytes
//   - retry_max: 3, retry_base: 2s, retry_max_delay: 1m, retry_jitter: 0.2
//   - kill_grace: 2s
type ExecutorConfig struct {
	Workers        int               `json:"workers,omitempty"`
	QueueSize      int               `json:"queue_size,omitempty"`
	DefaultTimeout string            `json:"default_timeout,omitempty"`
	OutputLimit    int               `json:"output_limit,omitempty"`
	RetryMax       int               `json:"retry_max,omitempty"`
	RetryBase      string            `json:"retry_base,omitempty"`
	RetryMaxDelay  string            `json:"retry_max_delay,omitempty"`
	RetryJitter    float64           `json:"retry_jitter,omitempty"`
	Interpreters   map[string]string `json:"interpreters,omitempty"`
	KillGrace      string            `json:"kill_grace,omitempty"`
}

// StorageConfig selects the run history backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/runs.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite

	DSN             string `json:"dsn,omitempty"` // mysql; do not log
	MaxOpenConns    int    `json:"max_open_conns,omitempty"`
	MaxIdleConns    int    `json:"max_idle_conns,omitempty"`
	ConnMaxLifetime string `json:"conn_max_lifetime,omitempty"`
}

const (
	PolicyDelete = "delete"
	PolicyRetain = "retain"
)

// HistoryConfig controls what happens to run history when tasks go away.
type HistoryConfig struct {
	OnDelete       string `json:"on_delete,omitempty"`        // delete (default) | retain
	OnReloadRemove string `json:"on_reload_remove,omitempty"` // retain (default) | delete
	Retention      string `json:"retention,omitempty"`        // 0 keeps forever
	PruneEvery     string `json:"prune_every,omitempty"`      // default: 1h
}

// StatusConfig controls the aggregate statistics.
type StatusConfig struct {
	Window   string `json:"window,omitempty"`   // default: 24h
	Timezone string `json:"timezone,omitempty"` // default: scheduler.timezone
}

// NotifierConfig controls failure notifications. A nil section disables them.
type NotifierConfig struct {
	Enabled       bool           `json:"enabled"`
	Telegram      TelegramConfig `json:"telegram"`
	RatePerSec    int            `json:"rate_per_sec,omitempty"`
	RetryMax      int            `json:"retry_max,omitempty"`
	RetryBase     string         `json:"retry_base,omitempty"`
	OnlyFinal     *bool          `json:"only_final,omitempty"`
	QueueSize     int            `json:"queue_size,omitempty"`
	OutputExcerpt int            `json:"output_excerpt,omitempty"`
	DedupWindow   string         `json:"dedup_window,omitempty"` // e.g. "10m"; empty disables
}

type TelegramConfig struct {
	Token    string `json:"token"` // do not log
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type SystemdConfig struct {
	Notify bool `json:"notify"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Logging:   LoggingConfig{Level: "info", Console: true},
		Server:    ServerConfig{Enabled: true, Addr: ":5000"},
		Tasks:     TasksConfig{Path: "./config/tasks.yaml", ScriptsDir: "./bots"},
		Scheduler: SchedulerConfig{Enabled: true, Tick: "1s"},
		Executor:  ExecutorConfig{RetryJitter: 0.2},
		Storage:   StorageConfig{Driver: "sqlite", Path: "./data/runs.db", BusyTimeout: "5s"},
		History:   HistoryConfig{OnDelete: PolicyDelete, OnReloadRemove: PolicyRetain},
		Status:    StatusConfig{Window: "24h"},
		Systemd:   SystemdConfig{Notify: true},
	}
}

// WatchTasks reports whether the task source should be hot-reloaded.
func (c TasksConfig) WatchTasks() bool {
	return c.Watch == nil || *c.Watch
}
