// Package systemd talks to the service manager: sd_notify readiness and
// status for the daemon, and unit queries for the CLI.
//
// Outside systemd (no NOTIFY_SOCKET) every notify call is a no-op.
package systemd

import (
	"context"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify messages. The zero value is ready to use.
type Notifier struct {
	// Send is injectable for tests; nil means daemon.SdNotify.
	Send func(unsetEnv bool, state string) (bool, error)
}

func (n Notifier) send(state string) (bool, error) {
	if n.Send != nil {
		return n.Send(false, state)
	}
	return daemon.SdNotify(false, state)
}

// Ready reports startup complete with an initial status line.
func (n Notifier) Ready(status string) (bool, error) {
	state := daemon.SdNotifyReady
	if s := oneLine(status); s != "" {
		state += "\nSTATUS=" + s
	}
	return n.send(state)
}

// Status updates the free-form status shown by systemctl status.
func (n Notifier) Status(status string) (bool, error) {
	return n.send("STATUS=" + oneLine(status))
}

func (n Notifier) Stopping() (bool, error) {
	return n.send(daemon.SdNotifyStopping)
}

// Watchdog pings the watchdog at half the configured interval until ctx is
// done. It returns immediately when no watchdog is configured.
func (n Notifier) Watchdog(ctx context.Context) error {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return err
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			_, _ = n.send(daemon.SdNotifyWatchdog)
		}
	}
}

func oneLine(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
}
