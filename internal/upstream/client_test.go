// ABOUTME: Tests for the upstream client against real Unix sockets.
// ABOUTME: Uses an x/crypto keyring agent for live paths and scripted peers for error paths.

package upstream

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/kradalby/ssh-agent-mux/internal/wire"
)

// startKeyringAgent serves a real in-memory agent with one generated
// ed25519 key on a Unix socket and returns the socket path and the key's
// public half.
func startKeyringAgent(t *testing.T, comment string) (string, ssh.PublicKey) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	keyring := agent.NewKeyring()
	require.NoError(t, keyring.Add(agent.AddedKey{PrivateKey: priv, Comment: comment}))

	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "agent.sock")
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

	return path, signer.PublicKey()
}

// startScriptedAgent serves canned replies computed by handler, one
// exchange at a time, so tests can provoke refusals and protocol errors.
func startScriptedAgent(t *testing.T, handler func(*wire.Message) *wire.Message) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "scripted.sock")
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
				for {
					req, err := wire.ReadMessage(conn)
					if err != nil {
						return
					}
					if err := wire.WriteMessage(conn, handler(req)); err != nil {
						return
					}
				}
			}()
		}
	}()

	return path
}

func TestList(t *testing.T) {
	path, pub := startKeyringAgent(t, "test-key")
	c := New(path)

	ids, err := c.List(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, pub.Marshal(), ids[0].Blob)
	assert.Equal(t, "test-key", ids[0].Comment)
}

func TestSign(t *testing.T) {
	path, pub := startKeyringAgent(t, "signer")
	c := New(path)

	data := []byte("data to be signed")
	sig, err := c.Sign(context.Background(), &wire.SignRequest{KeyBlob: pub.Marshal(), Data: data}, nil)
	require.NoError(t, err)

	var parsed ssh.Signature
	require.NoError(t, ssh.Unmarshal(sig, &parsed))
	assert.NoError(t, pub.Verify(data, &parsed))
}

func TestSign_ReplaysConstraintsFirst(t *testing.T) {
	var seen []byte
	sigMsg := wire.EncodeSignResponse([]byte("fake-signature"))
	path := startScriptedAgent(t, func(req *wire.Message) *wire.Message {
		seen = append(seen, req.Type)
		if req.Type == wire.MsgExtension {
			return wire.Success()
		}
		return sigMsg
	})

	c := New(path)
	constraints := [][]byte{[]byte("bind-one"), []byte("bind-two")}
	sig, err := c.Sign(context.Background(), &wire.SignRequest{KeyBlob: []byte("k"), Data: []byte("d")}, constraints)
	require.NoError(t, err)
	assert.Equal(t, []byte("fake-signature"), sig)

	// Both binds travel before the sign request, on the same connection.
	assert.Equal(t, []byte{wire.MsgExtension, wire.MsgExtension, wire.MsgSignRequest}, seen)
}

func TestSign_Refused(t *testing.T) {
	path := startScriptedAgent(t, func(*wire.Message) *wire.Message {
		return wire.Failure()
	})

	c := New(path)
	_, err := c.Sign(context.Background(), &wire.SignRequest{KeyBlob: []byte("k"), Data: []byte("d")}, nil)
	assert.ErrorIs(t, err, ErrRefused)
}

func TestList_ProtocolError(t *testing.T) {
	path := startScriptedAgent(t, func(*wire.Message) *wire.Message {
		return &wire.Message{Type: wire.MsgSignResponse, Payload: []byte("nonsense")}
	})

	c := New(path)
	_, err := c.List(context.Background())
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestConnectError(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "does-not-exist.sock"))
	_, err := c.List(context.Background())
	assert.ErrorIs(t, err, ErrConnect)
}

func TestPing(t *testing.T) {
	path, _ := startKeyringAgent(t, "ping-target")
	require.NoError(t, New(path).Ping(context.Background()))

	missing := New(filepath.Join(t.TempDir(), "gone.sock"))
	assert.ErrorIs(t, missing.Ping(context.Background()), ErrConnect)
}

func TestRoundtrip_OpaqueType(t *testing.T) {
	path := startScriptedAgent(t, func(req *wire.Message) *wire.Message {
		// Echo unknown types straight back.
		return req
	})

	c := New(path)
	reply, err := c.Roundtrip(context.Background(), &wire.Message{Type: 199, Payload: []byte("opaque")})
	require.NoError(t, err)
	assert.Equal(t, byte(199), reply.Type)
	assert.Equal(t, []byte("opaque"), reply.Payload)
}
