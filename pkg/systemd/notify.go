// Package systemd reports service state to the systemd supervisor.
//
// Every call is a no-op when the process was not started by systemd
// (NOTIFY_SOCKET unset).
package systemd

import (
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready tells systemd startup finished (Type=notify units).
func Ready() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReady) }

// Stopping tells systemd shutdown has begun.
func Stopping() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func Status(format string, args ...any) (bool, error) {
	return daemon.SdNotify(false, "STATUS="+fmt.Sprintf(format, args...))
}

// Watchdog sends a keep-alive ping.
func Watchdog() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyWatchdog) }

// WatchdogInterval is the recommended ping interval, half of WatchdogSec,
// or 0 when the watchdog is not enabled for this process.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}
