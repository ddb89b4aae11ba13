package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"botrunner/internal/task"
	logx "botrunner/pkg/logx"
)

// DefaultOutputLimit caps captured stdout and stderr, each.
const DefaultOutputLimit = 50000

// ProcessConfig configures ProcessRunner.
type ProcessConfig struct {
	// ScriptsDir is the base for relative script paths.
	ScriptsDir string
	// Interpreters maps a file extension (".py") to a command line ("python3 -u").
	// Scripts with other extensions are executed directly.
	Interpreters map[string]string
	OutputLimit  int
	// KillGrace bounds how long Wait keeps reading output after the process
	// group was killed.
	KillGrace time.Duration
	// BaseEnv defaults to os.Environ().
	BaseEnv []string
}

// DefaultInterpreters is used when ProcessConfig.Interpreters is nil.
func DefaultInterpreters() map[string]string {
	return map[string]string{".py": "python3", ".sh": "sh"}
}

// ProcessRunner runs a task's script as a child process in its own process
// group. It implements Runnable.
type ProcessRunner struct {
	cfg ProcessConfig
	log logx.Logger
}

func NewProcessRunner(cfg ProcessConfig, log logx.Logger) *ProcessRunner {
	if cfg.Interpreters == nil {
		cfg.Interpreters = DefaultInterpreters()
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = DefaultOutputLimit
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 2 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ProcessRunner{cfg: cfg, log: log}
}

// Resolve returns the absolute path of a task script.
func (p *ProcessRunner) Resolve(script string) (string, error) {
	script = strings.TrimSpace(script)
	if script == "" {
		return "", errors.New("script is empty")
	}
	if !filepath.IsAbs(script) {
		script = filepath.Join(p.cfg.ScriptsDir, script)
	}
	return filepath.Abs(script)
}

func (p *ProcessRunner) command(path, name string) []string {
	ext := strings.ToLower(filepath.Ext(path))
	if interp := strings.Fields(p.cfg.Interpreters[ext]); len(interp) > 0 {
		return append(interp, path, name)
	}
	return []string{path, name}
}

func (p *ProcessRunner) environ(req Request) []string {
	base := p.cfg.BaseEnv
	if base == nil {
		base = os.Environ()
	}
	env := make([]string, 0, len(base)+3+len(req.Task.Env))
	env = append(env, base...)
	env = append(env,
		"TASK_NAME="+req.Task.Name,
		"TASK_RUN_ID="+strconv.FormatInt(req.RunID, 10),
		"TASK_ATTEMPT="+strconv.Itoa(req.Attempt),
	)
	keys := make([]string, 0, len(req.Task.Env))
	for k := range req.Task.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+req.Task.Env[k])
	}
	return env
}

func (p *ProcessRunner) Execute(ctx context.Context, req Request) Result {
	name := req.Task.Name
	path, err := p.Resolve(req.Task.Script)
	if err != nil {
		return Result{Err: task.NewError(task.ErrLaunch, "run", name, fmt.Errorf("failed to start: %w", err))}
	}
	if fi, err := os.Stat(path); err != nil {
		return Result{Err: task.NewError(task.ErrLaunch, "run", name, fmt.Errorf("failed to start: script not found: %s", path))}
	} else if fi.IsDir() {
		return Result{Err: task.NewError(task.ErrLaunch, "run", name, fmt.Errorf("failed to start: %s is a directory", path))}
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	argv := p.command(path, name)
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = filepath.Dir(path)
	cmd.Env = p.environ(req)
	stdout := newCappedBuffer(p.cfg.OutputLimit)
	stderr := newCappedBuffer(p.cfg.OutputLimit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = p.cfg.KillGrace
	isolate(cmd)

	if err := cmd.Start(); err != nil {
		return Result{Err: task.NewError(task.ErrLaunch, "run", name, fmt.Errorf("failed to start: %w", err))}
	}
	p.log.Debug("process started", logx.Task(name), logx.RunID(req.RunID), logx.Int("pid", cmd.Process.Pid))
	err = cmd.Wait()

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.ExitCode = task.IntPtr(-1)
		res.Err = task.NewError(task.ErrTimeout, "run", name, fmt.Errorf("timed out after %s", req.Timeout))
	case ctx.Err() != nil:
		res.ExitCode = task.IntPtr(-1)
		res.Err = task.NewError(task.ErrExecution, "run", name, errors.New(task.ReasonInterrupted))
	case err == nil, errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil && cmd.ProcessState.Success():
		res.ExitCode = task.IntPtr(0)
	default:
		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		res.ExitCode = task.IntPtr(code)
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			res.Err = task.NewError(task.ErrExecution, "run", name, fmt.Errorf("exit status %d", code))
		} else {
			res.Err = task.NewError(task.ErrExecution, "run", name, err)
		}
	}
	return res
}
