// ABOUTME: Ordered catalog of upstream agent sockets, configured and discovered.
// ABOUTME: Watched entries sort newest-first ahead of configured entries in input order.

package roster

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Source records how an entry joined the roster.
type Source string

const (
	// SourceConfigured marks entries from explicit operator configuration.
	SourceConfigured Source = "configured"
	// SourceWatched marks entries discovered by the forwarded-agent watcher
	// or added through the control socket.
	SourceWatched Source = "watched"
)

// Health is the last observed liveness of an upstream.
type Health string

const (
	HealthUnknown Health = "unknown"
	HealthOk      Health = "ok"
	HealthFailed  Health = "failed"
)

// Entry describes one upstream agent socket.
type Entry struct {
	Path        string
	Source      Source
	AddedAt     time.Time
	Health      Health
	LastChecked time.Time

	// seq breaks ties between watched entries added within the same
	// clock tick; higher means more recent.
	seq uint64
}

// Roster is the shared catalog of upstream sockets. All operations are
// atomic under one mutex; none of them perform I/O, so callers take a
// snapshot, release, and do network work outside the lock.
type Roster struct {
	mu         sync.Mutex
	configured []*Entry
	watched    map[string]*Entry
	seq        uint64
	logger     *slog.Logger
}

// New creates an empty roster.
func New(logger *slog.Logger) *Roster {
	return &Roster{
		watched: make(map[string]*Entry),
		logger:  logger.With("component", "roster"),
	}
}

// AddWatched inserts path as a watched entry. If the path is already
// configured the discovery is ignored; if it is already watched the
// timestamp is refreshed so recency stays meaningful on re-appearance.
// Returns true only when a new entry was inserted.
func (r *Roster) AddWatched(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.findConfigured(path) != nil {
		r.logger.Debug("ignoring discovery of configured socket", "path", path)
		return false
	}

	r.seq++
	if e, ok := r.watched[path]; ok {
		e.AddedAt = time.Now()
		e.seq = r.seq
		r.logger.Debug("refreshed watched socket", "path", path)
		return false
	}

	r.watched[path] = &Entry{
		Path:    path,
		Source:  SourceWatched,
		AddedAt: time.Now(),
		Health:  HealthUnknown,
		seq:     r.seq,
	}
	r.logger.Info("added watched socket", "path", path, "watched", len(r.watched), "configured", len(r.configured))
	return true
}

// RemoveWatched erases path if and only if it is a watched entry.
func (r *Roster) RemoveWatched(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.watched[path]; !ok {
		return false
	}
	delete(r.watched, path)
	r.logger.Info("removed watched socket", "path", path, "watched", len(r.watched), "configured", len(r.configured))
	return true
}

// ReloadConfigured atomically replaces the configured subset with paths,
// preserving their input order. Watched entries are untouched, except that
// a watched path promoted to configuration is absorbed (configured wins).
func (r *Roster) ReloadConfigured(paths []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	next := make([]*Entry, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true

		e := &Entry{Path: p, Source: SourceConfigured, AddedAt: now, Health: HealthUnknown}
		if old := r.findConfigured(p); old != nil {
			e.AddedAt = old.AddedAt
			e.Health = old.Health
			e.LastChecked = old.LastChecked
		}
		if _, ok := r.watched[p]; ok {
			delete(r.watched, p)
			r.logger.Debug("configured entry absorbs watched socket", "path", p)
		}
		next = append(next, e)
	}
	r.configured = next
	r.logger.Info("reloaded configured sockets", "configured", len(r.configured), "watched", len(r.watched))
}

// Ordered returns the socket paths in dispatch order: watched entries
// newest-first, then configured entries in configuration order.
func (r *Roster) Ordered() []string {
	entries := r.Snapshot()
	paths := make([]string, len(entries))
	for i, e := range entries {
		paths[i] = e.Path
	}
	return paths
}

// Snapshot returns a copy of every entry in dispatch order.
func (r *Roster) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	watched := make([]*Entry, 0, len(r.watched))
	for _, e := range r.watched {
		watched = append(watched, e)
	}
	sort.Slice(watched, func(i, j int) bool {
		if !watched[i].AddedAt.Equal(watched[j].AddedAt) {
			return watched[i].AddedAt.After(watched[j].AddedAt)
		}
		return watched[i].seq > watched[j].seq
	})

	out := make([]Entry, 0, len(watched)+len(r.configured))
	for _, e := range watched {
		out = append(out, *e)
	}
	for _, e := range r.configured {
		out = append(out, *e)
	}
	return out
}

// Apply records probe results. Entries absent from results keep their
// previous health. Watched entries that failed are removed; configured
// entries that failed are marked but retained, configuration being
// authoritative. Returns the removed paths.
func (r *Roster) Apply(results map[string]error) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var removed []string
	for path, probeErr := range results {
		if e, ok := r.watched[path]; ok {
			if probeErr != nil {
				delete(r.watched, path)
				removed = append(removed, path)
				r.logger.Info("evicted dead watched socket", "path", path, "error", probeErr)
				continue
			}
			e.Health = HealthOk
			e.LastChecked = now
			continue
		}
		if e := r.findConfigured(path); e != nil {
			e.LastChecked = now
			if probeErr != nil {
				e.Health = HealthFailed
				r.logger.Warn("configured socket unhealthy", "path", path, "error", probeErr)
			} else {
				e.Health = HealthOk
			}
		}
	}
	sort.Strings(removed)
	return removed
}

// MarkFailed flags a single entry as unhealthy without evicting it. Used
// by the session handler when an upstream answers with a protocol error.
func (r *Roster) MarkFailed(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.watched[path]; ok {
		e.Health = HealthFailed
		return
	}
	if e := r.findConfigured(path); e != nil {
		e.Health = HealthFailed
	}
}

// IsWatched reports whether path is currently a watched entry.
func (r *Roster) IsWatched(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.watched[path]
	return ok
}

// IsConfigured reports whether path is currently a configured entry.
func (r *Roster) IsConfigured(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findConfigured(path) != nil
}

// Len returns the total entry count.
func (r *Roster) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watched) + len(r.configured)
}

// WatchedCount returns the number of watched entries.
func (r *Roster) WatchedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watched)
}

// ConfiguredCount returns the number of configured entries.
func (r *Roster) ConfiguredCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.configured)
}

// findConfigured must be called with the mutex held.
func (r *Roster) findConfigured(path string) *Entry {
	for _, e := range r.configured {
		if e.Path == path {
			return e
		}
	}
	return nil
}
