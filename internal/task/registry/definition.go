package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"botrunner/internal/config"
	"botrunner/internal/task"
	"botrunner/internal/task/schedule"
)

// File is the on-disk layout of the tasks source.
//
//	tasks:
//	  - name: backup
//	    script: backup.py
//	    schedule: { daily: "03:30", timezone: "Asia/Jakarta" }
//	    timeout: 10m
type File struct {
	Tasks []Definition `yaml:"tasks"`
}

// Definition is one task as written in the source. Durations are Go duration strings.
type Definition struct {
	Name        string            `yaml:"name" json:"name"`
	Script      string            `yaml:"script" json:"script"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled     *bool             `yaml:"enabled,omitempty" json:"enabled,omitempty"` // default true
	Schedule    schedule.Def      `yaml:"schedule,omitempty" json:"schedule"`
	Timeout     string            `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Env         map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Retry       *RetryDef         `yaml:"retry,omitempty" json:"retry,omitempty"`
}

type RetryDef struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	MaxRetries int    `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	BaseDelay  string `yaml:"base_delay,omitempty" json:"base_delay,omitempty"`
	MaxDelay   string `yaml:"max_delay,omitempty" json:"max_delay,omitempty"`
}

// ToTask validates d and converts it. Schedule blocks are not parsed here: a bad
// schedule keeps the task loadable and surfaces as a schedule error instead.
func (d Definition) ToTask() (task.Task, error) {
	name := strings.TrimSpace(d.Name)
	if err := task.ValidateName(name); err != nil {
		return task.Task{}, err
	}
	fail := func(err error) (task.Task, error) {
		return task.Task{}, task.NewError(task.ErrConfig, "task", name, err)
	}
	script := strings.TrimSpace(d.Script)
	if script == "" {
		return fail(errors.New("script is required"))
	}
	timeout, err := config.ParseDurationField("timeout", d.Timeout)
	if err != nil {
		return fail(err)
	}

	t := task.Task{
		Name:        name,
		Script:      script,
		Description: strings.TrimSpace(d.Description),
		Schedule:    d.Schedule,
		Enabled:     d.Enabled == nil || *d.Enabled,
		Timeout:     timeout,
	}
	if len(d.Env) > 0 {
		t.Env = make(map[string]string, len(d.Env))
		for k, v := range d.Env {
			if strings.TrimSpace(k) == "" || strings.ContainsAny(k, "=\x00") {
				return fail(fmt.Errorf("invalid env name %q", k))
			}
			t.Env[k] = v
		}
	}
	if d.Retry != nil {
		if d.Retry.MaxRetries < 0 {
			return fail(errors.New("retry.max_retries must be >= 0"))
		}
		base, err := config.ParseDurationField("retry.base_delay", d.Retry.BaseDelay)
		if err != nil {
			return fail(err)
		}
		maxDelay, err := config.ParseDurationField("retry.max_delay", d.Retry.MaxDelay)
		if err != nil {
			return fail(err)
		}
		t.Retry = task.RetryPolicy{Enabled: d.Retry.Enabled, MaxRetries: d.Retry.MaxRetries, Base: base, MaxDelay: maxDelay}
	}
	return t, nil
}

// FromTask is the inverse of ToTask, used when persisting.
func FromTask(t task.Task) Definition {
	enabled := t.Enabled
	d := Definition{
		Name:        t.Name,
		Script:      t.Script,
		Description: t.Description,
		Enabled:     &enabled,
		Schedule:    t.Schedule,
		Timeout:     durString(t.Timeout),
	}
	if len(t.Env) > 0 {
		d.Env = make(map[string]string, len(t.Env))
		for k, v := range t.Env {
			d.Env[k] = v
		}
	}
	if t.Retry != (task.RetryPolicy{}) {
		d.Retry = &RetryDef{
			Enabled:    t.Retry.Enabled,
			MaxRetries: t.Retry.MaxRetries,
			BaseDelay:  durString(t.Retry.Base),
			MaxDelay:   durString(t.Retry.MaxDelay),
		}
	}
	return d
}

func durString(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return d.String()
}
