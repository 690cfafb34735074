// Package systemd reports service state to systemd over the notify socket.
// Every call is a no-op when the process is not run by systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify messages. The zero value is ready to use.
type Notifier struct {
	// Send replaces daemon.SdNotify in tests.
	Send func(unsetEnv bool, state string) (bool, error)
}

func (n Notifier) send(state string) (bool, error) {
	if n.Send != nil {
		return n.Send(false, state)
	}
	return daemon.SdNotify(false, state)
}

// Ready tells systemd startup finished.
func (n Notifier) Ready() (bool, error) { return n.send(daemon.SdNotifyReady) }

// Reloading marks a config reload in progress; call Ready when done.
func (n Notifier) Reloading() (bool, error) { return n.send(daemon.SdNotifyReloading) }

// Stopping tells systemd shutdown began.
func (n Notifier) Stopping() (bool, error) { return n.send(daemon.SdNotifyStopping) }

// Status sets the one-line status shown by systemctl status.
func (n Notifier) Status(msg string) (bool, error) { return n.send("STATUS=" + msg) }

// Watchdog returns the keep-alive interval systemd expects, or 0 when the
// watchdog is off.
func Watchdog() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return 0
	}
	return d
}

// RunWatchdog pings systemd at half the watchdog interval while healthy
// returns true. It returns when ctx ends, immediately if the watchdog is off.
func (n Notifier) RunWatchdog(ctx context.Context, interval time.Duration, healthy func() bool) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy == nil || healthy() {
				_, _ = n.send(daemon.SdNotifyWatchdog)
			}
		}
	}
}
