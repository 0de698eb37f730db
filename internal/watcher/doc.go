// Package watcher detects SSH forwarded-agent sockets under the system
// temporary directory.
//
// # What it looks for
//
// Inbound SSH sessions with agent forwarding materialise sockets shaped
//
//	<tmp>/ssh-<random>/agent.<pid>
//
// The watcher reports those as Appeared/Disappeared events so the roster
// can track them while the session lives.
//
// # Mechanism
//
// The primary mechanism is fsnotify on the temp root. fsnotify is not
// recursive, so ssh-* subdirectories are added to the watch set as they
// appear (and during the startup sweep). When a watch cannot be
// established at all, the watcher degrades to periodic rescans of the
// tree and reports ModePolling with the reason, which the control
// endpoint surfaces in status output.
//
// # Debouncing
//
// Raw filesystem events are held for a 200ms window. Repeated
// appearances of one path collapse into a single event, and an
// appearance cancelled by a disappearance inside the window (or vice
// versa) produces nothing.
//
// # Startup sweep
//
// Start enumerates the existing tree synchronously and returns the
// matches before any events are delivered, so forwarded sessions that
// predate the daemon are picked up. A completely empty temp root with
// discovery enabled is suspicious - service managers that give the
// daemon a private temp namespace produce exactly that - and is logged
// as a warning.
//
// # Delivery
//
// Events are queued without bound between the debouncer and the
// consumer; the producing side never blocks on a slow consumer.
package watcher
