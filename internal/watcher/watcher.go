// ABOUTME: Filesystem watcher for forwarded-agent sockets under the temp root.
// ABOUTME: fsnotify with debouncing and a polling fallback; events never block producers.

package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Kind distinguishes the two transitions a socket path can make.
type Kind int

const (
	// Appeared reports a forwarded-agent socket that now exists.
	Appeared Kind = iota
	// Disappeared reports a previously seen socket that is gone.
	Disappeared
)

func (k Kind) String() string {
	if k == Appeared {
		return "appeared"
	}
	return "disappeared"
}

// Event is one debounced socket transition.
type Event struct {
	Kind Kind
	Path string
}

// Mode reports how the watcher is currently operating.
type Mode string

const (
	// ModeActive means fsnotify delivers events.
	ModeActive Mode = "active"
	// ModePolling means the native watch failed and the tree is rescanned
	// periodically instead.
	ModePolling Mode = "polling"
)

// DebounceWindow is the hold-off for coalescing filesystem event bursts.
const DebounceWindow = 200 * time.Millisecond

// DefaultPollInterval is the rescan cadence in polling mode.
const DefaultPollInterval = 5 * time.Second

// Watcher watches one temp root for forwarded-agent sockets.
type Watcher struct {
	root         string
	pollInterval time.Duration
	logger       *slog.Logger

	out    chan Event
	rescan chan struct{}

	mu         sync.Mutex
	mode       Mode
	modeReason string

	// known tracks currently present matched sockets so rescans and
	// directory removals can be diffed against reality.
	known map[string]bool
}

// New creates a watcher over root (the system temp directory in
// production). pollInterval of zero selects DefaultPollInterval.
func New(root string, pollInterval time.Duration, logger *slog.Logger) *Watcher {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Watcher{
		root:         filepath.Clean(root),
		pollInterval: pollInterval,
		logger:       logger.With("component", "watcher"),
		out:          make(chan Event),
		rescan:       make(chan struct{}, 1),
		mode:         ModeActive,
		known:        make(map[string]bool),
	}
}

// Matches reports whether path has the classic OpenSSH forwarded-agent
// shape directly under root: <root>/ssh-*/agent.*
func Matches(root, path string) bool {
	root = filepath.Clean(root)
	path = filepath.Clean(path)

	base := filepath.Base(path)
	if !strings.HasPrefix(base, "agent.") {
		return false
	}
	parent := filepath.Dir(path)
	if !strings.HasPrefix(filepath.Base(parent), "ssh-") {
		return false
	}
	return filepath.Dir(parent) == root
}

// isSocket confirms a matching path actually is a socket before it is
// reported; stray files wearing the name shape are ignored. Symlinks are
// followed, since test rigs and some agents link the real socket in.
func isSocket(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeSocket != 0
}

// sweep enumerates the current tree and returns all matching sockets.
func (w *Watcher) sweep() []string {
	var found []string
	dirs, err := os.ReadDir(w.root)
	if err != nil {
		w.logger.Warn("cannot read temp root", "root", w.root, "error", err)
		return nil
	}
	for _, d := range dirs {
		if !strings.HasPrefix(d.Name(), "ssh-") {
			continue
		}
		sub := filepath.Join(w.root, d.Name())
		files, err := os.ReadDir(sub)
		if err != nil {
			continue
		}
		for _, f := range files {
			p := filepath.Join(sub, f.Name())
			if Matches(w.root, p) && isSocket(p) {
				found = append(found, p)
			}
		}
	}
	return found
}

// Start performs the synchronous startup sweep, establishes the watch
// (or falls back to polling), and begins event delivery. It returns the
// sockets present at startup; those are not re-announced on the event
// channel.
func (w *Watcher) Start(ctx context.Context) ([]string, error) {
	initial := w.sweep()
	for _, p := range initial {
		w.known[p] = true
	}

	if len(initial) == 0 {
		if entries, err := os.ReadDir(w.root); err == nil && len(entries) == 0 {
			w.logger.Warn("temp root is completely empty; if the service manager confines this daemon to a private temp namespace, forwarded agents will never be visible",
				"root", w.root)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		err = fsw.Add(w.root)
	}
	if err != nil {
		if fsw != nil {
			fsw.Close()
		}
		w.setMode(ModePolling, err.Error())
		w.logger.Warn("native filesystem watch unavailable, falling back to polling",
			"root", w.root, "interval", w.pollInterval, "error", err)
		go w.runPolling(ctx)
		return initial, nil
	}

	// Watch existing ssh-* directories; new ones are added as they appear.
	for _, p := range initial {
		if err := fsw.Add(filepath.Dir(p)); err != nil {
			w.logger.Debug("cannot watch forwarded-agent directory", "dir", filepath.Dir(p), "error", err)
		}
	}

	w.setMode(ModeActive, "")
	w.logger.Info("watching for forwarded agents", "root", w.root)
	go w.runNotify(ctx, fsw)
	return initial, nil
}

// Events returns the debounced event stream. The channel is closed when
// the watcher's context is cancelled.
func (w *Watcher) Events() <-chan Event {
	return w.out
}

// Rescan requests an immediate sweep-and-diff pass. Safe from any
// goroutine; coalesces if a rescan is already queued.
func (w *Watcher) Rescan() {
	select {
	case w.rescan <- struct{}{}:
	default:
	}
}

// Status returns the current mode and, in polling mode, the reason the
// native watch was unavailable.
func (w *Watcher) Status() (Mode, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode, w.modeReason
}

func (w *Watcher) setMode(m Mode, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.mode = m
	w.modeReason = reason
}

// pending is the debounce ledger: the surviving transition per path
// inside the current hold-off window.
type pending struct {
	kind     Kind
	deadline time.Time
}

func (w *Watcher) runNotify(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.out)

	held := make(map[string]pending)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	var queue []Event

	resetTimer := func() {
		// Arm for the earliest held deadline.
		var earliest time.Time
		for _, p := range held {
			if earliest.IsZero() || p.deadline.Before(earliest) {
				earliest = p.deadline
			}
		}
		timer.Stop()
		if !earliest.IsZero() {
			timer.Reset(time.Until(earliest))
		}
	}

	hold := func(path string, kind Kind) {
		if p, ok := held[path]; ok {
			if p.kind != kind {
				// Appear/disappear inside one window cancel out.
				delete(held, path)
				resetTimer()
				return
			}
			return
		}
		held[path] = pending{kind: kind, deadline: time.Now().Add(DebounceWindow)}
		resetTimer()
	}

	flush := func() {
		now := time.Now()
		for path, p := range held {
			if p.deadline.After(now) {
				continue
			}
			delete(held, path)
			switch p.kind {
			case Appeared:
				if !isSocket(path) {
					continue
				}
				if w.known[path] {
					continue
				}
				w.known[path] = true
				queue = append(queue, Event{Kind: Appeared, Path: path})
			case Disappeared:
				if !w.known[path] {
					continue
				}
				delete(w.known, path)
				queue = append(queue, Event{Kind: Disappeared, Path: path})
			}
		}
		resetTimer()
	}

	for {
		var out chan Event
		var head Event
		if len(queue) > 0 {
			out = w.out
			head = queue[0]
		}

		select {
		case <-ctx.Done():
			return

		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleNotifyEvent(ev, fsw, hold)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("filesystem watch error", "error", err)

		case <-timer.C:
			flush()

		case <-w.rescan:
			queue = append(queue, w.diffSweep()...)

		case out <- head:
			queue = queue[1:]
		}
	}
}

func (w *Watcher) handleNotifyEvent(ev fsnotify.Event, fsw *fsnotify.Watcher, hold func(string, Kind)) {
	path := filepath.Clean(ev.Name)

	// A new ssh-* directory under the root extends the watch set; its
	// agent socket usually materialises moments later.
	if ev.Op.Has(fsnotify.Create) && filepath.Dir(path) == w.root &&
		strings.HasPrefix(filepath.Base(path), "ssh-") {
		if fi, err := os.Stat(path); err == nil && fi.IsDir() {
			if err := fsw.Add(path); err != nil {
				w.logger.Debug("cannot watch new directory", "dir", path, "error", err)
			}
			// The socket may have been created before the watch landed.
			files, _ := os.ReadDir(path)
			for _, f := range files {
				p := filepath.Join(path, f.Name())
				if Matches(w.root, p) {
					hold(p, Appeared)
				}
			}
		}
		return
	}

	if Matches(w.root, path) {
		switch {
		case ev.Op.Has(fsnotify.Create), ev.Op.Has(fsnotify.Write):
			hold(path, Appeared)
		case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
			hold(path, Disappeared)
		}
		return
	}

	// Removing a whole ssh-* directory takes its sockets with it without
	// per-file events.
	if ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
		prefix := path + string(filepath.Separator)
		for p := range w.known {
			if strings.HasPrefix(p, prefix) {
				hold(p, Disappeared)
			}
		}
	}
}

// diffSweep reconciles the known set against a fresh sweep and returns
// the resulting transitions, bypassing the debounce window (rescans are
// deliberate, not bursts).
func (w *Watcher) diffSweep() []Event {
	current := make(map[string]bool)
	for _, p := range w.sweep() {
		current[p] = true
	}

	var events []Event
	for p := range current {
		if !w.known[p] {
			w.known[p] = true
			events = append(events, Event{Kind: Appeared, Path: p})
		}
	}
	for p := range w.known {
		if !current[p] {
			delete(w.known, p)
			events = append(events, Event{Kind: Disappeared, Path: p})
		}
	}
	if len(events) > 0 {
		w.logger.Debug("rescan reconciled forwarded agents", "changes", len(events))
	}
	return events
}

func (w *Watcher) runPolling(ctx context.Context) {
	defer close(w.out)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var queue []Event
	for {
		var out chan Event
		var head Event
		if len(queue) > 0 {
			out = w.out
			head = queue[0]
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			queue = append(queue, w.diffSweep()...)
		case <-w.rescan:
			queue = append(queue, w.diffSweep()...)
		case out <- head:
			queue = queue[1:]
		}
	}
}

// StatusString renders a mode for status output: "active" or
// "polling (reason)".
func StatusString(m Mode, reason string) string {
	if m == ModePolling && reason != "" {
		return fmt.Sprintf("polling (%s)", reason)
	}
	return string(m)
}
