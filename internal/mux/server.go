// ABOUTME: Supervisor for the multiplexer - owns both sockets and all long-lived tasks.
// ABOUTME: Binds, accepts, reloads on SIGHUP, and drains sessions on shutdown.

package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/kradalby/ssh-agent-mux/internal/config"
	"github.com/kradalby/ssh-agent-mux/internal/control"
	"github.com/kradalby/ssh-agent-mux/internal/health"
	"github.com/kradalby/ssh-agent-mux/internal/roster"
	"github.com/kradalby/ssh-agent-mux/internal/sdnotify"
	"github.com/kradalby/ssh-agent-mux/internal/watcher"
)

// ShutdownTimeout bounds the graceful drain of in-flight sessions.
const ShutdownTimeout = 5 * time.Second

// Server is the multiplexer daemon.
type Server struct {
	cfg        *config.Config
	configPath string
	version    string
	logger     *slog.Logger

	roster  *roster.Roster
	watcher *watcher.Watcher // nil when discovery is disabled
	prober  *health.Prober

	startedAt time.Time

	// conns tracks live client connections so a missed drain deadline
	// can tear them down.
	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// New assembles a server from configuration. configPath is kept so
// SIGHUP can re-read the same file.
func New(cfg *config.Config, configPath, version string, logger *slog.Logger) *Server {
	r := roster.New(logger)
	r.ReloadConfigured(cfg.AgentSockPaths)

	s := &Server{
		cfg:        cfg,
		configPath: configPath,
		version:    version,
		logger:     logger.With("component", "mux"),
		roster:     r,
		prober:     health.New(r, time.Duration(cfg.HealthCheckInterval)*time.Second, logger),
		conns:      make(map[net.Conn]struct{}),
	}
	if cfg.WatchForSSHForward {
		s.watcher = watcher.New(os.TempDir(), cfg.PollInterval, logger)
	}
	return s
}

// Run binds both sockets and serves until ctx is cancelled. It returns
// nil on a clean shutdown; bind failures and similar startup problems
// are returned as errors before any serving happens.
func (s *Server) Run(ctx context.Context) error {
	s.startedAt = time.Now()

	listenLn, err := s.bind(s.cfg.ListenPath)
	if err != nil {
		return err
	}
	defer s.cleanupSocket(listenLn, s.cfg.ListenPath)

	controlLn, err := s.bind(s.cfg.ControlPath())
	if err != nil {
		return err
	}
	defer s.cleanupSocket(controlLn, s.cfg.ControlPath())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.watcher != nil {
		initial, err := s.watcher.Start(ctx)
		if err != nil {
			return fmt.Errorf("starting forwarded-agent watcher: %w", err)
		}
		for _, p := range initial {
			s.roster.AddWatched(p)
		}
		go s.pumpWatchEvents(ctx)
	}

	go s.prober.Run(ctx)
	go control.NewServer(s, s.logger).Serve(ctx, controlLn)

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)

	// Accept in a goroutine so the supervisor loop can also watch
	// signals and cancellation.
	connCh := make(chan net.Conn)
	errCh := make(chan error, 1)
	go func() {
		for {
			conn, err := listenLn.Accept()
			if err != nil {
				select {
				case errCh <- err:
				default:
				}
				return
			}
			select {
			case connCh <- conn:
			case <-ctx.Done():
				conn.Close()
				return
			}
		}
	}()

	sdnotify.Ready()
	sdnotify.Status("listening on " + s.cfg.ListenPath)
	s.logger.Info("ssh-agent-mux ready",
		"version", s.version,
		"listen", s.cfg.ListenPath,
		"control", s.cfg.ControlPath(),
		"configured", s.roster.ConfiguredCount(),
		"watch", s.cfg.WatchForSSHForward,
	)

	var sessions sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			sdnotify.Stopping()
			listenLn.Close()
			controlLn.Close()
			s.drain(&sessions)
			s.logger.Info("shutdown complete")
			return nil

		case <-sighup:
			s.reload()

		case err := <-errCh:
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				continue
			}
			listenLn.Close()
			controlLn.Close()
			s.drain(&sessions)
			return fmt.Errorf("accept failed: %w", err)

		case conn := <-connCh:
			s.trackConn(conn)
			sessions.Add(1)
			go func() {
				defer sessions.Done()
				defer s.untrackConn(conn)
				s.handleSession(ctx, conn)
			}()
		}
	}
}

// bind prepares and binds one Unix socket: user-private parent
// directory, stale socket removal, mode 0600 on the socket itself.
func (s *Server) bind(path string) (net.Listener, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating socket directory %s: %w", dir, err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", path, err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("restricting %s: %w", path, err)
	}
	s.logger.Debug("bound socket", "path", path)
	return ln, nil
}

func (s *Server) cleanupSocket(ln net.Listener, path string) {
	ln.Close()
	_ = os.Remove(path)
}

// pumpWatchEvents applies debounced watcher events to the roster.
func (s *Server) pumpWatchEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.watcher.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case watcher.Appeared:
				s.roster.AddWatched(ev.Path)
			case watcher.Disappeared:
				s.roster.RemoveWatched(ev.Path)
			}
		}
	}
}

// reload re-reads the configuration file and swaps the configured
// upstream set. The watched subset is untouched so an operator reload
// never drops live forwarded sessions. A broken config keeps the old
// one running.
func (s *Server) reload() {
	s.logger.Info("reloading configuration", "path", s.configPath)

	cfg, err := config.Load(s.configPath)
	if err != nil {
		s.logger.Error("reload failed, keeping previous configuration", "error", err)
		return
	}

	s.roster.ReloadConfigured(cfg.AgentSockPaths)
	s.cfg.AgentSockPaths = cfg.AgentSockPaths
	s.logger.Info("configuration reloaded", "configured", len(cfg.AgentSockPaths))
}

func (s *Server) trackConn(conn net.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	delete(s.conns, conn)
}

// drain waits for in-flight sessions, forcing their transports closed
// if the deadline passes.
func (s *Server) drain(sessions *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(ShutdownTimeout):
		s.connMu.Lock()
		n := len(s.conns)
		for conn := range s.conns {
			conn.Close()
		}
		s.connMu.Unlock()
		s.logger.Warn("drain deadline passed, tore down remaining sessions", "sessions", n)
		<-done
	}
}
