// ABOUTME: Per-request client for one upstream agent socket.
// ABOUTME: Dials fresh, exchanges one framed request/reply, closes - no pooling.

// Package upstream sends agent protocol requests to a single upstream
// socket, one short-lived connection per request.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/kradalby/ssh-agent-mux/internal/wire"
)

var (
	// ErrConnect covers a missing socket, refused connection, or a path
	// that is not a socket at all.
	ErrConnect = errors.New("upstream: connect failed")

	// ErrIO covers transport failures mid-exchange.
	ErrIO = errors.New("upstream: i/o failed")

	// ErrProtocol covers malformed or unexpected replies.
	ErrProtocol = errors.New("upstream: protocol error")

	// ErrRefused is returned when the upstream answers SSH_AGENT_FAILURE.
	// The upstream is alive; it just declined the request.
	ErrRefused = errors.New("upstream: request refused")
)

// RequestTimeout bounds one full request/reply exchange against an
// upstream. Signing is human-interactive, so the bound is generous.
const RequestTimeout = 10 * time.Second

// PingTimeout bounds a liveness probe.
const PingTimeout = 2 * time.Second

// Client talks to a single upstream agent socket. Every operation opens
// its own connection; reconnect cost is negligible next to interactive
// signing, and a fresh transport keeps session-bind sequencing trivial.
type Client struct {
	path    string
	timeout time.Duration
}

// New returns a client for the agent socket at path.
func New(path string) *Client {
	return &Client{path: path, timeout: RequestTimeout}
}

// Path returns the socket path this client targets.
func (c *Client) Path() string {
	return c.path
}

func (c *Client) dial(ctx context.Context, timeout time.Duration) (net.Conn, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, c.path, err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, c.path, err)
	}
	return conn, nil
}

// exchange writes one framed request and reads one framed reply on conn.
func exchange(conn net.Conn, req *wire.Message) (*wire.Message, error) {
	if err := wire.WriteMessage(conn, req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	reply, err := wire.ReadMessage(conn)
	if err != nil {
		if errors.Is(err, wire.ErrFrameTooLarge) || errors.Is(err, wire.ErrEmptyFrame) {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return reply, nil
}

// Roundtrip performs a single request/reply exchange on a fresh
// connection and returns the raw reply.
func (c *Client) Roundtrip(ctx context.Context, req *wire.Message) (*wire.Message, error) {
	conn, err := c.dial(ctx, c.timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return exchange(conn, req)
}

// List requests the upstream's identities. An SSH_AGENT_FAILURE reply
// maps to ErrRefused; anything other than an identities answer is a
// protocol error.
func (c *Client) List(ctx context.Context) ([]wire.Identity, error) {
	reply, err := c.Roundtrip(ctx, &wire.Message{Type: wire.MsgRequestIdentities})
	if err != nil {
		return nil, err
	}

	switch reply.Type {
	case wire.MsgIdentitiesAnswer:
		ids, err := wire.ParseIdentitiesAnswer(reply.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		return ids, nil
	case wire.MsgFailure:
		return nil, ErrRefused
	default:
		return nil, fmt.Errorf("%w: unexpected reply type %d to identities request", ErrProtocol, reply.Type)
	}
}

// Sign asks the upstream to sign req. Recorded session-bind constraint
// blobs are replayed as extensions on the same connection immediately
// before the sign request, so the upstream can enforce them. A bind the
// upstream rejects does not abort the attempt; key ownership decides.
func (c *Client) Sign(ctx context.Context, req *wire.SignRequest, constraints [][]byte) ([]byte, error) {
	conn, err := c.dial(ctx, c.timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	for _, blob := range constraints {
		ext := &wire.Extension{Name: wire.ExtSessionBind, Contents: blob}
		if _, err := exchange(conn, ext.Encode()); err != nil {
			return nil, err
		}
	}

	reply, err := exchange(conn, req.Encode())
	if err != nil {
		return nil, err
	}

	switch reply.Type {
	case wire.MsgSignResponse:
		sig, err := wire.ParseSignResponse(reply.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		return sig, nil
	case wire.MsgFailure:
		return nil, ErrRefused
	default:
		return nil, fmt.Errorf("%w: unexpected reply type %d to sign request", ErrProtocol, reply.Type)
	}
}

// Extension forwards an extension request verbatim and returns the raw
// reply so the caller can distinguish success, failure, and payloads.
func (c *Client) Extension(ctx context.Context, ext *wire.Extension) (*wire.Message, error) {
	return c.Roundtrip(ctx, ext.Encode())
}

// Ping is the health probe: connect and complete one identities
// round-trip within PingTimeout. Any well-formed framed reply counts as
// alive; an agent that answers FAILURE is still an agent.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()

	conn, err := c.dial(ctx, PingTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := exchange(conn, &wire.Message{Type: wire.MsgRequestIdentities}); err != nil {
		return err
	}
	return nil
}
