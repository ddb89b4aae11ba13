package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const defaultFilePath = "./botrunner.log"

type Config struct {
	Level   string
	Console bool
	// JSON writes console lines as JSON instead of the human format.
	// journald and log shippers want this.
	JSON bool
	File FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the live sinks. Loggers derived from it follow Apply.
type Service struct {
	mu       sync.Mutex
	cfg      Config
	root     atomic.Pointer[zerolog.Logger]
	file     *os.File
	filePath string
}

// New builds the service from cfg and returns it with its root Logger.
// A log file that cannot be opened is reported on stderr and skipped.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{}
	if err := s.Apply(cfg); err != nil {
		fmt.Fprintf(stderr, "logx: %v\n", err)
	}
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Config returns the last applied config.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps level and sinks at runtime. The log file is kept open when its
// path is unchanged. On a file error the remaining sinks still take effect.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	var (
		sinks   []io.Writer
		stale   *os.File
		fileErr error
	)
	if cfg.Console {
		sinks = append(sinks, s.consoleSink(cfg))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultFilePath
		}
		old, err := s.openFile(path)
		if err != nil {
			fileErr = err
		} else {
			stale = old
			sinks = append(sinks, zerolog.SyncWriter(s.file))
		}
	} else {
		stale = s.file
		s.file, s.filePath = nil, ""
	}
	if len(sinks) == 0 {
		sinks = append(sinks, s.consoleSink(cfg))
	}

	var w io.Writer = sinks[0]
	if len(sinks) > 1 {
		w = zerolog.MultiLevelWriter(sinks...)
	}
	zl := zerolog.New(w).Level(ParseLevel(cfg.Level, LevelInfo)).With().Timestamp().Logger()
	s.root.Store(&zl)
	if stale != nil {
		_ = stale.Close()
	}
	return fileErr
}

func (s *Service) consoleSink(cfg Config) io.Writer {
	if cfg.JSON {
		return stdout
	}
	return consoleWriter(stdout)
}

// openFile switches the file sink to path and returns the file it replaced,
// which the caller closes once the new root is live. Callers hold s.mu.
func (s *Service) openFile(path string) (*os.File, error) {
	if s.file != nil && s.filePath == path {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("log dir for %q: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	old := s.file
	s.file, s.filePath = f, path
	return old, nil
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.filePath = nil, ""
	return err
}
