// ABOUTME: The server's control-plane surface - implements control.Daemon.
// ABOUTME: Status, roster listing, key listing, rescan, validation, add/remove.

package mux

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/kradalby/ssh-agent-mux/internal/control"
	"github.com/kradalby/ssh-agent-mux/internal/roster"
	"github.com/kradalby/ssh-agent-mux/internal/upstream"
	"github.com/kradalby/ssh-agent-mux/internal/watcher"
)

// Status implements control.Daemon.
func (s *Server) Status() control.StatusInfo {
	watcherStatus := "disabled"
	if s.watcher != nil {
		watcherStatus = watcher.StatusString(s.watcher.Status())
	}

	return control.StatusInfo{
		Version:         s.version,
		UptimeSecs:      uint64(time.Since(s.startedAt).Seconds()),
		PID:             os.Getpid(),
		ListenPath:      s.cfg.ListenPath,
		ControlPath:     s.cfg.ControlPath(),
		WatchEnabled:    s.cfg.WatchForSSHForward,
		WatcherStatus:   watcherStatus,
		SocketCount:     s.roster.Len(),
		WatchedCount:    s.roster.WatchedCount(),
		ConfiguredCount: s.roster.ConfiguredCount(),
	}
}

// ListSockets implements control.Daemon.
func (s *Server) ListSockets() []control.SocketInfo {
	entries := s.roster.Snapshot()
	infos := make([]control.SocketInfo, len(entries))
	for i, e := range entries {
		info := control.SocketInfo{
			Path:    e.Path,
			Source:  string(e.Source),
			AddedAt: e.AddedAt,
			Healthy: string(e.Health),
			Order:   i + 1,
		}
		if !e.LastChecked.IsZero() {
			checked := e.LastChecked
			info.LastHealthCheck = &checked
		}
		infos[i] = info
	}
	return infos
}

// ListKeys implements control.Daemon: the concatenated identity list in
// dispatch order, annotated with fingerprints and source sockets. An
// upstream that fails is skipped, matching what an agent client sees.
func (s *Server) ListKeys(ctx context.Context) ([]control.KeyInfo, error) {
	var keys []control.KeyInfo
	for _, path := range s.roster.Ordered() {
		ids, err := upstream.New(path).List(ctx)
		if err != nil {
			s.logger.Debug("skipping upstream for key listing", "upstream", path, "error", err)
			continue
		}
		for _, id := range ids {
			info := control.KeyInfo{
				Comment:      id.Comment,
				SourceSocket: path,
			}
			if pub, err := ssh.ParsePublicKey(id.Blob); err == nil {
				info.Fingerprint = ssh.FingerprintSHA256(pub)
				info.Type = pub.Type()
			} else {
				info.Fingerprint = "(unparseable key blob)"
			}
			keys = append(keys, info)
		}
	}
	return keys, nil
}

// Rescan implements control.Daemon.
func (s *Server) Rescan() error {
	if s.watcher == nil {
		return fmt.Errorf("forwarded-agent discovery is not enabled")
	}
	s.watcher.Rescan()
	return nil
}

// Validate implements control.Daemon: a forced health pass.
func (s *Server) Validate(ctx context.Context) control.ValidateResult {
	checked := s.roster.Len()
	removed := s.prober.RunOnce(ctx)

	healthy := 0
	for _, e := range s.roster.Snapshot() {
		if e.Health == roster.HealthOk {
			healthy++
		}
	}

	return control.ValidateResult{
		Checked: checked,
		Healthy: healthy,
		Removed: removed,
	}
}

// AddSocket implements control.Daemon: manual addition to the watched
// set. Like the watcher it requires the path to exist and be a socket;
// unlike the watcher it does not require the ssh-*/agent.* name shape.
func (s *Server) AddSocket(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("socket does not exist: %s", path)
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("not a socket: %s", path)
	}
	if s.roster.IsConfigured(path) || s.roster.IsWatched(path) {
		return fmt.Errorf("socket already tracked: %s", path)
	}
	s.roster.AddWatched(path)
	return nil
}

// RemoveSocket implements control.Daemon. Configured sockets are owned
// by the config file and cannot be removed here.
func (s *Server) RemoveSocket(path string) error {
	if s.roster.IsConfigured(path) {
		return fmt.Errorf("cannot remove configured socket: %s (edit the config file instead)", path)
	}
	if !s.roster.RemoveWatched(path) {
		return fmt.Errorf("socket not found in watched list: %s", path)
	}
	return nil
}
