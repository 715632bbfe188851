// Package systemd reports service state to the systemd supervisor through
// the sd_notify protocol. Every call is a no-op when the process was not
// started by systemd.
package systemd

import (
	"context"
	"log/slog"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends readiness, status and watchdog messages.
type Notifier struct {
	logger   *slog.Logger
	watchdog time.Duration
}

// NewNotifier reads the watchdog interval from the environment.
func NewNotifier(logger *slog.Logger) *Notifier {
	n := &Notifier{logger: logger}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("Invalid systemd watchdog settings", "error", err)
	}
	n.watchdog = interval
	return n
}

// Ready tells systemd that startup finished.
func (n *Notifier) Ready() { n.send(daemon.SdNotifyReady) }

// Stopping tells systemd that shutdown began.
func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(status string) { n.send("STATUS=" + status) }

// WatchdogInterval is zero when the watchdog is disabled.
func (n *Notifier) WatchdogInterval() time.Duration { return n.watchdog }

// Run pings the watchdog at half its interval until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	if n.watchdog <= 0 {
		return
	}
	ticker := time.NewTicker(n.watchdog / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}

func (n *Notifier) send(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.logger.Warn("sd_notify failed", "state", state, "error", err)
		return
	}
	if sent {
		n.logger.Debug("sd_notify", "state", state)
	}
}
