package task

import (
	"fmt"
	"math/rand"
	"regexp"
	"time"

	"botrunner/internal/task/schedule"
)

// MaxNameLen bounds task names; they double as process arguments and file names.
const MaxNameLen = 50

var reName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// ValidateName reports whether name is usable as a task identity.
func ValidateName(name string) error {
	if name == "" {
		return NewError(ErrConfig, "validate", name, fmt.Errorf("name is required"))
	}
	if len(name) > MaxNameLen {
		return NewError(ErrConfig, "validate", name, fmt.Errorf("name longer than %d characters", MaxNameLen))
	}
	if !reName.MatchString(name) {
		return NewError(ErrConfig, "validate", name, fmt.Errorf("name must start with a letter and contain only letters, digits, '_' or '-'"))
	}
	return nil
}

// Task is an immutable snapshot of one task definition.
// Registry hands out copies; mutate only through the registry.
type Task struct {
	Name        string
	Script      string
	Description string
	Schedule    schedule.Def
	Enabled     bool

	// Timeout bounds one attempt; 0 means the engine default.
	Timeout time.Duration
	Env     map[string]string
	Retry   RetryPolicy
}

// Clone returns a deep copy (Env is the only reference field).
func (t Task) Clone() Task {
	if t.Env != nil {
		env := make(map[string]string, len(t.Env))
		for k, v := range t.Env {
			env[k] = v
		}
		t.Env = env
	}
	return t
}

// RetryPolicy describes how failed attempts are re-run.
//
// Defaults (when Enabled and fields are zero):
//   - MaxRetries: 3
//   - Base: 2s, doubled per retry
//   - MaxDelay: 1m
//   - Jitter: 0.2 (20%)
type RetryPolicy struct {
	Enabled    bool
	MaxRetries int
	Base       time.Duration
	MaxDelay   time.Duration
	Jitter     float64
}

func (p RetryPolicy) WithDefaults() RetryPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.Base <= 0 {
		p.Base = 2 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = time.Minute
	}
	if p.MaxDelay < p.Base {
		p.MaxDelay = p.Base
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Decision is the outcome of one retry evaluation.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Decide is the retry state machine transition: given the attempt that just
// finished (1-based) and its error, either stop or schedule the next attempt.
// Only execution failures and timeouts are retried.
func (p RetryPolicy) Decide(attempt int, err error, rng *rand.Rand) Decision {
	if err == nil || !p.Enabled || !Retryable(err) {
		return Decision{}
	}
	p = p.WithDefaults()
	if attempt > p.MaxRetries {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.Backoff(attempt, rng)}
}

// Backoff returns the delay before retry number `retry` (1-based): Base doubled
// per retry, capped at MaxDelay, with optional jitter when rng is non-nil.
func (p RetryPolicy) Backoff(retry int, rng *rand.Rand) time.Duration {
	d := p.Base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.Jitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
