// Package systemd speaks the sd_notify protocol to the service manager.
// Every call is a no-op when NOTIFY_SOCKET is unset.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends state changes for one process.
type Notifier struct {
	enabled bool
}

func New(enabled bool) *Notifier { return &Notifier{enabled: enabled} }

// Ready reports READY=1. The bool is false when no service manager listens.
func (n *Notifier) Ready() (bool, error) { return n.send(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() (bool, error) { return n.send(daemon.SdNotifyStopping) }

func (n *Notifier) Reloading() (bool, error) { return n.send(daemon.SdNotifyReloading) }

func (n *Notifier) Status(msg string) (bool, error) { return n.send("STATUS=" + msg) }

func (n *Notifier) send(state string) (bool, error) {
	if n == nil || !n.enabled {
		return false, nil
	}
	return daemon.SdNotify(false, state)
}

// WatchdogInterval returns how often WATCHDOG=1 must be sent, or 0 when the
// unit has no WatchdogSec.
func (n *Notifier) WatchdogInterval() time.Duration {
	if n == nil || !n.enabled {
		return 0
	}
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d
}

// RunWatchdog pings the watchdog at half its interval until ctx is done.
// healthy gates each ping; a nil func always pings.
func (n *Notifier) RunWatchdog(ctx context.Context, healthy func() bool) error {
	every := n.WatchdogInterval() / 2
	if every <= 0 {
		return nil
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				continue
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
