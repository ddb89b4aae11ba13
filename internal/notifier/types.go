package notifier

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Sender delivers one text message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, text string) error

func (f SenderFunc) Send(ctx context.Context, text string) error { return f(ctx, text) }

// Config controls the async notification pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DedupWindow   time.Duration
	// OnlyFinal skips retry notices and reports only failed dispatches.
	OnlyFinal bool
	// OutputExcerpt caps the stderr/error excerpt in a message.
	OutputExcerpt int
}

type HistoryItem struct {
	At   time.Time
	Text string
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
