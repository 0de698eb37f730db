// ABOUTME: Per-connection session handler - the agent protocol state machine.
// ABOUTME: Fans requests out to upstreams in roster order and merges replies.

package mux

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/google/uuid"

	"github.com/kradalby/ssh-agent-mux/internal/upstream"
	"github.com/kradalby/ssh-agent-mux/internal/wire"
)

// session holds per-connection state. Constraints recorded through
// session-bind extensions live for the life of the connection and are
// replayed in front of every sign request.
type session struct {
	id          string
	server      *Server
	logger      *slog.Logger
	constraints [][]byte
}

// handleSession drives one client connection until EOF, a framing
// error, or cancellation. Requests are strictly sequential: each reply
// is written before the next request is read, which preserves reply
// ordering by construction.
func (s *Server) handleSession(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sess := &session{
		id:     uuid.New().String(),
		server: s,
	}
	sess.logger = s.logger.With("session", sess.id)
	sess.logger.Debug("client connected")

	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := wire.ReadMessage(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				sess.logger.Debug("client disconnected")
			} else {
				// Framing violations close the connection; there is no
				// way to resynchronise a corrupt stream.
				sess.logger.Warn("closing connection on framing error", "error", err)
			}
			return
		}

		reply := sess.handle(ctx, msg)
		if err := wire.WriteMessage(conn, reply); err != nil {
			sess.logger.Warn("reply write failed", "error", err)
			return
		}
	}
}

// handle maps one request to one reply. Per-upstream errors are
// absorbed here; the client sees protocol-level FAILURE at worst.
func (sess *session) handle(ctx context.Context, msg *wire.Message) *wire.Message {
	switch msg.Type {
	case wire.MsgRequestIdentities:
		return sess.listIdentities(ctx)

	case wire.MsgSignRequest:
		return sess.sign(ctx, msg)

	case wire.MsgAddIdentity, wire.MsgAddIDConstrained,
		wire.MsgRemoveIdentity, wire.MsgRemoveAllIdentities,
		wire.MsgLock, wire.MsgUnlock:
		// Read-only multiplexer: mutation semantics across heterogeneous
		// upstreams are undefined.
		sess.logger.Debug("refusing mutation request", "type", msg.Type)
		return wire.Failure()

	case wire.MsgExtension:
		return sess.extension(ctx, msg)

	default:
		sess.logger.Debug("refusing unknown request type", "type", msg.Type)
		return wire.Failure()
	}
}

// listIdentities concatenates every upstream's identity list in roster
// order. Failing upstreams are skipped; the answer is always
// well-formed, possibly empty. Identical public keys from different
// upstreams are not deduplicated - first-occurrence order is the
// tiebreaker at authentication time.
func (sess *session) listIdentities(ctx context.Context) *wire.Message {
	var all []wire.Identity
	for _, path := range sess.server.roster.Ordered() {
		ids, err := upstream.New(path).List(ctx)
		if err != nil {
			sess.skipUpstream(path, "identities", err)
			continue
		}
		all = append(all, ids...)
	}
	return wire.EncodeIdentitiesAnswer(all)
}

// sign walks the roster in order and returns the first signature
// produced. Recorded session binds travel ahead of the sign request on
// each upstream connection.
func (sess *session) sign(ctx context.Context, msg *wire.Message) *wire.Message {
	req, err := wire.ParseSignRequest(msg.Payload)
	if err != nil {
		sess.logger.Warn("malformed sign request", "error", err)
		return wire.Failure()
	}

	for _, path := range sess.server.roster.Ordered() {
		sig, err := upstream.New(path).Sign(ctx, req, sess.constraints)
		if err != nil {
			sess.skipUpstream(path, "sign", err)
			continue
		}
		sess.logger.Debug("sign request served", "upstream", path)
		return wire.EncodeSignResponse(sig)
	}

	sess.logger.Info("no upstream could sign for requested key")
	return wire.Failure()
}

// extension dispatches on the extension sub-type.
func (sess *session) extension(ctx context.Context, msg *wire.Message) *wire.Message {
	ext, err := wire.ParseExtension(msg.Payload)
	if err != nil {
		sess.logger.Warn("malformed extension request", "error", err)
		return wire.ExtensionFailure()
	}

	switch ext.Name {
	case wire.ExtSessionBind:
		return sess.sessionBind(ctx, ext)
	case wire.ExtQuery:
		return sess.queryExtensions(ctx)
	default:
		sess.logger.Debug("unknown extension sub-type", "extension", ext.Name)
		return wire.ExtensionFailure()
	}
}

// sessionBind records the constraint for the life of this session and
// forwards it to every current upstream. Individual upstream failures
// are tolerated as long as at least one upstream accepted; the recorded
// constraint is replayed on every later sign attempt regardless.
func (sess *session) sessionBind(ctx context.Context, ext *wire.Extension) *wire.Message {
	blob := make([]byte, len(ext.Contents))
	copy(blob, ext.Contents)
	sess.constraints = append(sess.constraints, blob)
	sess.logger.Debug("session bound", "constraints", len(sess.constraints))

	paths := sess.server.roster.Ordered()
	if len(paths) == 0 {
		return wire.Success()
	}

	accepted := 0
	for _, path := range paths {
		reply, err := upstream.New(path).Extension(ctx, ext)
		if err != nil {
			sess.skipUpstream(path, "session-bind", err)
			continue
		}
		if reply.Type == wire.MsgSuccess {
			accepted++
		}
	}
	if accepted == 0 {
		sess.logger.Warn("no upstream accepted session-bind")
		return wire.Failure()
	}
	return wire.Success()
}

// queryExtensions answers with the union of sub-types the upstreams
// advertise plus the ones the daemon handles itself.
func (sess *session) queryExtensions(ctx context.Context) *wire.Message {
	names := []string{wire.ExtSessionBind, wire.ExtQuery}
	seen := map[string]bool{wire.ExtSessionBind: true, wire.ExtQuery: true}

	query := &wire.Extension{Name: wire.ExtQuery}
	for _, path := range sess.server.roster.Ordered() {
		reply, err := upstream.New(path).Extension(ctx, query)
		if err != nil || reply.Type != wire.MsgSuccess {
			continue
		}
		for _, name := range parseExtensionNames(reply.Payload) {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}

	var payload []byte
	for _, name := range names {
		payload = wire.AppendString(payload, []byte(name))
	}
	return &wire.Message{Type: wire.MsgSuccess, Payload: payload}
}

// parseExtensionNames decodes the string list of a query reply; a
// malformed tail is simply truncated.
func parseExtensionNames(payload []byte) []string {
	var names []string
	for len(payload) > 0 {
		name, rest, err := wire.ReadString(payload)
		if err != nil {
			return names
		}
		names = append(names, string(name))
		payload = rest
	}
	return names
}

// skipUpstream logs a per-upstream failure and marks protocol-level
// misbehaviour in the roster. Connect and I/O errors stay transient;
// the health prober decides about eviction.
func (sess *session) skipUpstream(path, op string, err error) {
	sess.logger.Debug("skipping upstream", "upstream", path, "op", op, "error", err)
	if errors.Is(err, upstream.ErrProtocol) {
		sess.server.roster.MarkFailed(path)
	}
}
