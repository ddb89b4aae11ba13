package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"reflect"
	"sync"
	"time"

	logx "botrunner/pkg/logx"
)

const validateTimeout = 5 * time.Second

// ConfigManager owns the process config: it decodes the file, keeps the
// committed value and republishes it to subscribers when the file changes.
type ConfigManager struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	// subsMu is held while sending so Unsubscribe never closes a channel
	// mid-send.
	subsMu sync.Mutex
	subs   map[chan *Config]struct{}

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
	lookupEnv func(string) (string, bool)
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{
		path:      path,
		subs:      make(map[chan *Config]struct{}),
		log:       logx.Nop(),
		lookupEnv: os.LookupEnv,
	}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// SetValidator installs the check a reloaded config must pass before it is
// committed and published.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// SetEnvLookup replaces os.LookupEnv for environment overrides.
func (m *ConfigManager) SetEnvLookup(fn func(string) (string, bool)) {
	if fn == nil {
		fn = os.LookupEnv
	}
	m.lookupEnv = fn
}

// Parse reads the file over Default() and applies environment overrides.
// Unknown keys and trailing data are errors. Nothing is committed.
func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return m.decode(b)
}

func (m *ConfigManager) decode(b []byte) (*Config, error) {
	body, err := toJSON(m.path, b)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if body = bytes.TrimSpace(body); len(body) > 0 && !bytes.Equal(body, []byte("null")) {
		if err := decodeStrict(body, cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", m.path, err)
		}
	}
	ApplyEnv(cfg, m.lookupEnv)
	return cfg, nil
}

func decodeStrict(body []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	switch err := dec.Decode(&struct{}{}); {
	case errors.Is(err, io.EOF):
		return nil
	case err != nil:
		return err
	default:
		return errors.New("trailing data after config object")
	}
}

func (m *ConfigManager) commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default() with
// environment overrides. found reports whether the file existed.
func (m *ConfigManager) LoadOrDefault() (cfg *Config, found bool, err error) {
	cfg, err = m.Parse()
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = Default()
		ApplyEnv(cfg, m.lookupEnv)
	case err != nil:
		return nil, false, err
	default:
		found = true
	}
	m.commit(cfg)
	return cfg, found, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel that receives every published config. A slow
// subscriber only ever misses intermediate values, never the newest one.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		for !offer(ch, cfg) {
			// Full: evict the oldest pending value and retry.
			select {
			case <-ch:
			default:
			}
		}
	}
}

func offer(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}

// reload re-reads the file. A config that parses, differs from the
// committed one and passes the validator is committed and published.
func (m *ConfigManager) reload(ctx context.Context) bool {
	log := m.log.With(logx.String("path", m.path))
	cfg, err := m.Parse()
	if err != nil {
		log.Warn("config parse failed", logx.Err(err))
		return false
	}
	if reflect.DeepEqual(cfg, m.Get()) {
		log.Debug("config unchanged")
		return false
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			log.Warn("config rejected", logx.Err(err))
			return false
		}
	}
	m.commit(cfg)
	m.publish(cfg)
	log.Debug("config published")
	return true
}

// Watch republishes the config whenever the file changes, until ctx ends.
func (m *ConfigManager) Watch(ctx context.Context) error {
	return WatchFile(ctx, m.path, m.log, func() { m.reload(ctx) })
}
