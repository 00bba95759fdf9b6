// Package systemd reports service state to systemd when running under a
// Type=notify unit. Outside systemd every call is a no-op.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

type notifyFunc func(unsetEnv bool, state string) (bool, error)

type Notifier struct {
	notify   notifyFunc
	watchdog func(unsetEnv bool) (time.Duration, error)
}

func NewNotifier() *Notifier {
	return &Notifier{notify: daemon.SdNotify, watchdog: daemon.SdWatchdogEnabled}
}

// Ready reports startup complete. ok is false when NOTIFY_SOCKET is unset.
func (n *Notifier) Ready() (bool, error) { return n.notify(false, daemon.SdNotifyReady) }

func (n *Notifier) Reloading() (bool, error) { return n.notify(false, daemon.SdNotifyReloading) }

func (n *Notifier) Stopping() (bool, error) { return n.notify(false, daemon.SdNotifyStopping) }

// Status sets the free-form STATUS= line shown by systemctl status.
func (n *Notifier) Status(text string) (bool, error) { return n.notify(false, "STATUS="+text) }

// Watchdog pings the watchdog at half the configured interval until ctx is
// done. It returns immediately when WatchdogSec is not set for the unit.
func (n *Notifier) Watchdog(ctx context.Context) error {
	every, err := n.watchdog(false)
	if err != nil || every <= 0 {
		return err
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := n.notify(false, daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
