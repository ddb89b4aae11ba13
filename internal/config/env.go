package config

import (
	"os"
	"strings"
)

// Environment variables that override file settings. They are applied after
// decoding so a .env file can point a stock config at a different host layout.
const (
	EnvTasksPath   = "CONFIG_PATH"
	EnvScriptsDir  = "BOTS_PATH"
	EnvDBPath      = "DB_PATH"
	EnvLogLevel    = "LOG_LEVEL"
	EnvListenAddr  = "LISTEN_ADDR"
	EnvAuthUser    = "AUTH_USER"
	EnvAuthPass    = "AUTH_PASS"
	EnvSchedulerTZ = "TZ_SCHEDULER"
)

// ApplyEnv overlays environment overrides onto cfg using lookup
// (os.LookupEnv when nil). It returns the names of the variables applied.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) []string {
	if cfg == nil {
		return nil
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var applied []string
	set := func(key string, dst *string) {
		v, ok := lookup(key)
		if !ok {
			return
		}
		v = strings.TrimSpace(v)
		if v == "" {
			return
		}
		*dst = v
		applied = append(applied, key)
	}
	set(EnvTasksPath, &cfg.Tasks.Path)
	set(EnvScriptsDir, &cfg.Tasks.ScriptsDir)
	set(EnvDBPath, &cfg.Storage.Path)
	set(EnvLogLevel, &cfg.Logging.Level)
	set(EnvListenAddr, &cfg.Server.Addr)
	set(EnvAuthUser, &cfg.Server.AuthUser)
	set(EnvAuthPass, &cfg.Server.AuthPass)
	set(EnvSchedulerTZ, &cfg.Scheduler.Timezone)
	return applied
}
