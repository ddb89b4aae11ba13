package task

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is against any error returned by the task packages.
var (
	ErrConfig         = errors.New("config error")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrDisabled       = errors.New("task disabled")
	ErrAlreadyRunning = errors.New("task already running")
	ErrExecution      = errors.New("execution failed")
	ErrTimeout        = errors.New("timed out")
	ErrLaunch         = errors.New("failed to start")
)

var kinds = []error{ErrConfig, ErrNotFound, ErrConflict, ErrDisabled, ErrAlreadyRunning, ErrExecution, ErrTimeout, ErrLaunch}

// Error carries a kind plus the operation and subject (task name or run id).
type Error struct {
	Kind    error
	Op      string
	Subject string
	Err     error
}

func NewError(kind error, op, subject string, err error) *Error {
	return &Error{Kind: kind, Op: op, Subject: subject, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Op != "" && e.Subject != "":
		return fmt.Sprintf("%s %s: %s", e.Op, e.Subject, msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, msg)
	default:
		return msg
	}
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the first matching kind sentinel, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Retryable reports whether the retry policy may re-run after err.
func Retryable(err error) bool {
	return errors.Is(err, ErrExecution) || errors.Is(err, ErrTimeout)
}

func NotFound(op, subject string) error {
	return NewError(ErrNotFound, op, subject, nil)
}

func Conflict(op, subject, reason string) error {
	return NewError(ErrConflict, op, subject, errors.New(reason))
}
