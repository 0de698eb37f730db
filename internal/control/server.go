// ABOUTME: Control server - serves inspection and mutation commands on the control socket.
// ABOUTME: One framed request/response at a time per connection; auth is filesystem perms.

package control

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
)

// Daemon is the surface the control server drives on the running
// multiplexer.
type Daemon interface {
	// Status returns the daemon's identity and counters.
	Status() StatusInfo
	// ListSockets returns the roster in dispatch order.
	ListSockets() []SocketInfo
	// ListKeys returns the concatenated identity list, exactly the data
	// a client sees from a REQUEST_IDENTITIES.
	ListKeys(ctx context.Context) ([]KeyInfo, error)
	// Rescan forces an immediate watcher sweep. Fails when discovery is
	// disabled.
	Rescan() error
	// Validate forces an immediate health pass.
	Validate(ctx context.Context) ValidateResult
	// AddSocket adds a path to the watched set.
	AddSocket(path string) error
	// RemoveSocket removes a path from the watched set only.
	RemoveSocket(path string) error
}

// Server accepts control connections and dispatches commands.
type Server struct {
	daemon Daemon
	logger *slog.Logger
}

// NewServer creates a control server over daemon.
func NewServer(daemon Daemon, logger *slog.Logger) *Server {
	return &Server{
		daemon: daemon,
		logger: logger.With("component", "control"),
	}
}

// Serve accepts connections from ln until it is closed. The supervisor
// owns the listener; closing it is how Serve is stopped.
func (s *Server) Serve(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("control accept failed", "error", err)
			return
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	for {
		var req Request
		if err := ReadDocument(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warn("malformed control request", "error", err)
				_ = WriteDocument(conn, Errorf("invalid request: %v", err))
			}
			return
		}

		s.logger.Debug("control request", "type", req.Type, "path", req.Path)
		resp := s.handleRequest(ctx, req)
		if err := WriteDocument(conn, resp); err != nil {
			s.logger.Warn("control reply failed", "error", err)
			return
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, req Request) Response {
	switch req.Type {
	case ReqPing:
		return Response{Type: RespPong}

	case ReqStatus:
		info := s.daemon.Status()
		return Response{Type: RespStatus, Status: &info}

	case ReqList:
		return Response{Type: RespSockets, Sockets: s.daemon.ListSockets()}

	case ReqListKeys:
		keys, err := s.daemon.ListKeys(ctx)
		if err != nil {
			return Errorf("listing keys: %v", err)
		}
		return Response{Type: RespKeys, Keys: keys}

	case ReqReload:
		if err := s.daemon.Rescan(); err != nil {
			return Errorf("%v", err)
		}
		return Successf("rescan triggered")

	case ReqValidate:
		result := s.daemon.Validate(ctx)
		return Response{Type: RespValidate, Validate: &result}

	case ReqAdd:
		if req.Path == "" {
			return Errorf("add requires a path")
		}
		if err := s.daemon.AddSocket(req.Path); err != nil {
			return Errorf("%v", err)
		}
		return Successf("added socket: %s", req.Path)

	case ReqRemove:
		if req.Path == "" {
			return Errorf("remove requires a path")
		}
		if err := s.daemon.RemoveSocket(req.Path); err != nil {
			return Errorf("%v", err)
		}
		return Successf("removed socket: %s", req.Path)

	default:
		return Errorf("unknown command: %s", req.Type)
	}
}
