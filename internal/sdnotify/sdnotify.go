// ABOUTME: Minimal systemd notification protocol - READY/WATCHDOG/STATUS datagrams.
// ABOUTME: Everything is a silent no-op when NOTIFY_SOCKET is not set.

// Package sdnotify speaks the systemd service notification protocol:
// newline-separated assignments written as single datagrams to the
// unixgram socket named by $NOTIFY_SOCKET. Outside systemd (or with
// Type=notify absent) every call is a no-op, so callers never need to
// guard for the host environment.
package sdnotify

import (
	"net"
	"os"
)

func notify(state string) {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return
	}

	conn, err := net.Dial("unixgram", socketPath)
	if err != nil {
		return
	}
	defer conn.Close()

	_, _ = conn.Write([]byte(state))
}

// Ready tells the service manager initialization is complete and the
// service is accepting connections.
func Ready() {
	notify("READY=1")
}

// Watchdog sends a keep-alive ping; call it more often than WatchdogSec.
func Watchdog() {
	notify("WATCHDOG=1")
}

// Status updates the free-form status line shown by systemctl status.
func Status(status string) {
	notify("STATUS=" + status)
}

// Stopping announces the beginning of shutdown.
func Stopping() {
	notify("STOPPING=1")
}
