// ABOUTME: End-to-end tests for the multiplexer over real Unix sockets.
// ABOUTME: Upstreams are x/crypto keyrings or scripted recorders; the client is a stock agent client.

package mux

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/kradalby/ssh-agent-mux/internal/config"
	"github.com/kradalby/ssh-agent-mux/internal/control"
	"github.com/kradalby/ssh-agent-mux/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startKeyringAgent serves an in-memory agent with the given key
// comments on a Unix socket and returns the path and public keys in
// insertion order.
func startKeyringAgent(t *testing.T, comments ...string) (string, []ssh.PublicKey) {
	t.Helper()

	keyring := agent.NewKeyring()
	var pubs []ssh.PublicKey
	for _, comment := range comments {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		require.NoError(t, keyring.Add(agent.AddedKey{PrivateKey: priv, Comment: comment}))
		signer, err := ssh.NewSignerFromKey(priv)
		require.NoError(t, err)
		pubs = append(pubs, signer.PublicKey())
	}

	path := filepath.Join(t.TempDir(), "upstream.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_ = agent.ServeAgent(keyring, conn)
			}()
		}
	}()

	return path, pubs
}

// recordingUpstream captures the message sequence of every connection
// it serves, answering success to extensions and a canned signature to
// sign requests.
type recordingUpstream struct {
	mu    sync.Mutex
	conns [][]*wire.Message
}

func (r *recordingUpstream) start(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "recorder.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			r.mu.Lock()
			idx := len(r.conns)
			r.conns = append(r.conns, nil)
			r.mu.Unlock()

			go func() {
				defer conn.Close()
				for {
					msg, err := wire.ReadMessage(conn)
					if err != nil {
						return
					}
					r.mu.Lock()
					r.conns[idx] = append(r.conns[idx], msg)
					r.mu.Unlock()

					var reply *wire.Message
					switch msg.Type {
					case wire.MsgSignRequest:
						reply = wire.EncodeSignResponse([]byte("recorded-signature"))
					case wire.MsgRequestIdentities:
						reply = wire.EncodeIdentitiesAnswer(nil)
					default:
						reply = wire.Success()
					}
					if err := wire.WriteMessage(conn, reply); err != nil {
						return
					}
				}
			}()
		}
	}()

	return path
}

func (r *recordingUpstream) snapshot() [][]*wire.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]*wire.Message, len(r.conns))
	for i, c := range r.conns {
		out[i] = append([]*wire.Message(nil), c...)
	}
	return out
}

// startServer runs a Server over temp sockets and waits until the
// control endpoint answers.
func startServer(t *testing.T, upstreams []string) *Server {
	t.Helper()

	dir := t.TempDir()
	cfg := &config.Config{
		AgentSockPaths:      upstreams,
		ListenPath:          filepath.Join(dir, "mux.sock"),
		HealthCheckInterval: 0,
		LogLevel:            "warn",
	}

	s := New(cfg, filepath.Join(dir, "config.yaml"), "test", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * ShutdownTimeout):
			t.Error("server did not shut down")
		}
	})

	require.Eventually(t, func() bool {
		c, err := control.Dial(cfg.ControlPath())
		if err != nil {
			return false
		}
		defer c.Close()
		return c.Ping() == nil
	}, 5*time.Second, 20*time.Millisecond, "daemon never became ready")

	return s
}

// agentClient dials the mux with the stock x/crypto agent client.
func agentClient(t *testing.T, s *Server) agent.ExtendedAgent {
	t.Helper()
	conn, err := net.Dial("unix", s.cfg.ListenPath)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return agent.NewClient(conn)
}

// rawClient dials the mux for wire-level exchanges.
func rawClient(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", s.cfg.ListenPath)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundtrip(t *testing.T, conn net.Conn, msg *wire.Message) *wire.Message {
	t.Helper()
	require.NoError(t, wire.WriteMessage(conn, msg))
	reply, err := wire.ReadMessage(conn)
	require.NoError(t, err)
	return reply
}

func TestEmptyStart(t *testing.T) {
	s := startServer(t, nil)

	keys, err := agentClient(t, s).List()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestTwoConfiguredUpstreams_ConcatenatedInOrder(t *testing.T) {
	u1, u1Keys := startKeyringAgent(t, "k1", "k2")
	u2, u2Keys := startKeyringAgent(t, "k3")
	s := startServer(t, []string{u1, u2})

	keys, err := agentClient(t, s).List()
	require.NoError(t, err)
	require.Len(t, keys, 3)

	assert.Equal(t, u1Keys[0].Marshal(), keys[0].Blob)
	assert.Equal(t, u1Keys[1].Marshal(), keys[1].Blob)
	assert.Equal(t, u2Keys[0].Marshal(), keys[2].Blob)
	assert.Equal(t, "k1", keys[0].Comment)
	assert.Equal(t, "k3", keys[2].Comment)
}

func TestListSurvivesDeadUpstream(t *testing.T) {
	dead := filepath.Join(t.TempDir(), "dead.sock")
	u2, u2Keys := startKeyringAgent(t, "alive")
	s := startServer(t, []string{dead, u2})

	keys, err := agentClient(t, s).List()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, u2Keys[0].Marshal(), keys[0].Blob)
}

func TestSignFallback(t *testing.T) {
	u1, _ := startKeyringAgent(t, "wrong-key")
	u2, u2Keys := startKeyringAgent(t, "right-key")
	s := startServer(t, []string{u1, u2})

	data := []byte("to be signed")
	sig, err := agentClient(t, s).Sign(u2Keys[0], data)
	require.NoError(t, err)
	assert.NoError(t, u2Keys[0].Verify(data, sig))
}

func TestSignAllFail(t *testing.T) {
	u1, _ := startKeyringAgent(t, "some-key")
	s := startServer(t, []string{u1})

	// A key no upstream holds.
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(otherPriv)
	require.NoError(t, err)

	_, err = agentClient(t, s).Sign(signer.PublicKey(), []byte("data"))
	assert.Error(t, err)
}

func TestForwardedPrecedence(t *testing.T) {
	u1, u1Keys := startKeyringAgent(t, "configured-key")
	w1, w1Keys := startKeyringAgent(t, "forwarded-one")
	w2, w2Keys := startKeyringAgent(t, "forwarded-two")
	s := startServer(t, []string{u1})

	require.NoError(t, s.AddSocket(w1))
	require.NoError(t, s.AddSocket(w2))

	sockets := s.ListSockets()
	require.Len(t, sockets, 3)
	assert.Equal(t, w2, sockets[0].Path)
	assert.Equal(t, w1, sockets[1].Path)
	assert.Equal(t, u1, sockets[2].Path)

	keys, err := agentClient(t, s).List()
	require.NoError(t, err)
	require.Len(t, keys, 3)
	assert.Equal(t, w2Keys[0].Marshal(), keys[0].Blob)
	assert.Equal(t, w1Keys[0].Marshal(), keys[1].Blob)
	assert.Equal(t, u1Keys[0].Marshal(), keys[2].Blob)
}

func TestSessionBindReplayedBeforeSign(t *testing.T) {
	recorder := &recordingUpstream{}
	path := recorder.start(t)
	s := startServer(t, []string{path})

	conn := rawClient(t, s)
	bind := &wire.Extension{Name: wire.ExtSessionBind, Contents: []byte("bind-blob")}
	reply := roundtrip(t, conn, bind.Encode())
	assert.Equal(t, wire.MsgSuccess, reply.Type)

	signReq := &wire.SignRequest{KeyBlob: []byte("k"), Data: []byte("d")}
	reply = roundtrip(t, conn, signReq.Encode())
	require.Equal(t, wire.MsgSignResponse, reply.Type)

	conns := recorder.snapshot()
	require.Len(t, conns, 2, "bind fan-out and sign should use separate upstream connections")

	// Connection 1: the bind fan-out at record time.
	require.Len(t, conns[0], 1)
	assert.Equal(t, wire.MsgExtension, conns[0][0].Type)

	// Connection 2: the bind replay immediately followed by the sign,
	// on the same transport.
	require.Len(t, conns[1], 2)
	assert.Equal(t, wire.MsgExtension, conns[1][0].Type)
	assert.Equal(t, wire.MsgSignRequest, conns[1][1].Type)

	ext, err := wire.ParseExtension(conns[1][0].Payload)
	require.NoError(t, err)
	assert.Equal(t, wire.ExtSessionBind, ext.Name)
	assert.Equal(t, []byte("bind-blob"), ext.Contents)
}

func TestMutationRequestsRefusedWithoutClosing(t *testing.T) {
	u1, _ := startKeyringAgent(t, "key")
	s := startServer(t, []string{u1})

	conn := rawClient(t, s)
	for _, typ := range []byte{
		wire.MsgAddIdentity, wire.MsgRemoveIdentity,
		wire.MsgRemoveAllIdentities, wire.MsgLock, wire.MsgUnlock,
	} {
		reply := roundtrip(t, conn, &wire.Message{Type: typ})
		assert.Equal(t, wire.MsgFailure, reply.Type, "type %d should be refused", typ)
	}

	// The connection must still be usable afterwards.
	reply := roundtrip(t, conn, &wire.Message{Type: wire.MsgRequestIdentities})
	assert.Equal(t, wire.MsgIdentitiesAnswer, reply.Type)
}

func TestUnknownTypeRefusedWithoutClosing(t *testing.T) {
	s := startServer(t, nil)

	conn := rawClient(t, s)
	reply := roundtrip(t, conn, &wire.Message{Type: 200, Payload: []byte("???")})
	assert.Equal(t, wire.MsgFailure, reply.Type)

	reply = roundtrip(t, conn, &wire.Message{Type: wire.MsgRequestIdentities})
	assert.Equal(t, wire.MsgIdentitiesAnswer, reply.Type)
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	s := startServer(t, nil)

	conn := rawClient(t, s)
	// Claim a body far beyond the cap; the daemon must hang up.
	_, err := conn.Write([]byte{0xff, 0xff, 0xff, 0xff})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = wire.ReadMessage(conn)
	assert.Error(t, err, "connection should be closed after framing violation")
}

func TestUnknownExtensionSubtype(t *testing.T) {
	s := startServer(t, nil)

	conn := rawClient(t, s)
	ext := &wire.Extension{Name: "no-such-extension@example.com"}
	reply := roundtrip(t, conn, ext.Encode())
	assert.Equal(t, wire.MsgExtensionFailure, reply.Type)
}

func TestQueryExtensionUnion(t *testing.T) {
	u1, _ := startKeyringAgent(t, "key")
	s := startServer(t, []string{u1})

	conn := rawClient(t, s)
	reply := roundtrip(t, conn, (&wire.Extension{Name: wire.ExtQuery}).Encode())
	require.Equal(t, wire.MsgSuccess, reply.Type)

	names := parseExtensionNames(reply.Payload)
	assert.Contains(t, names, wire.ExtSessionBind)
	assert.Contains(t, names, wire.ExtQuery)
}

func TestReloadPreservesWatched(t *testing.T) {
	u1, _ := startKeyringAgent(t, "old-configured")
	u2, _ := startKeyringAgent(t, "new-configured")
	w1, _ := startKeyringAgent(t, "forwarded")

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	writeConfig := func(path string) {
		content := "agent_sock_paths:\n  - " + path + "\nlisten_path: " +
			filepath.Join(dir, "mux.sock") + "\n"
		require.NoError(t, os.WriteFile(configPath, []byte(content), 0o600))
	}

	writeConfig(u1)
	cfg, err := config.Load(configPath)
	require.NoError(t, err)

	s := New(cfg, configPath, "test", testLogger())
	require.NoError(t, s.AddSocket(w1))

	writeConfig(u2)
	s.reload()

	ordered := s.roster.Ordered()
	require.Equal(t, []string{w1, u2}, ordered)
}

func TestControlEndpoint_StatusAndListKeys(t *testing.T) {
	u1, u1Keys := startKeyringAgent(t, "control-key")
	s := startServer(t, []string{u1})

	c, err := control.Dial(s.cfg.ControlPath())
	require.NoError(t, err)
	defer c.Close()

	info, err := c.Status()
	require.NoError(t, err)
	assert.Equal(t, "test", info.Version)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.Equal(t, 1, info.SocketCount)
	assert.Equal(t, "disabled", info.WatcherStatus)

	keys, err := c.ListKeys()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, ssh.FingerprintSHA256(u1Keys[0]), keys[0].Fingerprint)
	assert.Equal(t, "ssh-ed25519", keys[0].Type)
	assert.Equal(t, "control-key", keys[0].Comment)
	assert.Equal(t, u1, keys[0].SourceSocket)
}

func TestControlEndpoint_AddRemove(t *testing.T) {
	w1, _ := startKeyringAgent(t, "manual")
	s := startServer(t, nil)

	c, err := control.Dial(s.cfg.ControlPath())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Add(w1)
	require.NoError(t, err)
	assert.True(t, s.roster.IsWatched(w1))

	// Duplicate add is refused.
	_, err = c.Add(w1)
	require.ErrorIs(t, err, control.ErrDaemon)

	_, err = c.Remove(w1)
	require.NoError(t, err)
	assert.False(t, s.roster.IsWatched(w1))

	// Removing again is refused.
	_, err = c.Remove(w1)
	require.ErrorIs(t, err, control.ErrDaemon)
}

func TestRemoveSocket_RefusesConfigured(t *testing.T) {
	u1, _ := startKeyringAgent(t, "configured")
	s := startServer(t, []string{u1})

	err := s.RemoveSocket(u1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configured")
	assert.True(t, s.roster.IsConfigured(u1))
}

func TestGracefulShutdownRemovesSockets(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		ListenPath:          filepath.Join(dir, "mux.sock"),
		HealthCheckInterval: 0,
		LogLevel:            "warn",
	}
	s := New(cfg, filepath.Join(dir, "config.yaml"), "test", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(cfg.ListenPath)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * ShutdownTimeout):
		t.Fatal("Run() did not return")
	}

	_, err := os.Stat(cfg.ListenPath)
	assert.True(t, os.IsNotExist(err), "listen socket should be removed on shutdown")
	_, err = os.Stat(cfg.ControlPath())
	assert.True(t, os.IsNotExist(err), "control socket should be removed on shutdown")
}

func TestBindFailureIsFatal(t *testing.T) {
	dir := t.TempDir()
	// Occupy the parent path with a file so MkdirAll fails.
	blocked := filepath.Join(dir, "blocked")
	require.NoError(t, os.WriteFile(blocked, []byte("file"), 0o600))

	cfg := &config.Config{
		ListenPath: filepath.Join(blocked, "mux.sock"),
		LogLevel:   "warn",
	}
	s := New(cfg, "", "test", testLogger())

	err := s.Run(context.Background())
	require.Error(t, err)
}
