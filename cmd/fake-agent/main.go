// ABOUTME: Minimal fake upstream agent for E2E testing - serves generated keys on a Unix socket.
// ABOUTME: Usage: fake-agent [-socket /tmp/fake-agent.sock] [-keys 2] [-comment test-key]

package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

func main() {
	socket := flag.String("socket", filepath.Join(os.TempDir(), "fake-agent.sock"), "Unix socket path to serve on")
	numKeys := flag.Int("keys", 1, "number of ed25519 keys to generate")
	comment := flag.String("comment", "fake-agent-key", "key comment prefix")
	flag.Parse()

	if err := run(*socket, *numKeys, *comment); err != nil {
		log.Fatal(err)
	}
}

func run(socket string, numKeys int, comment string) error {
	keyring := agent.NewKeyring()
	for i := 0; i < numKeys; i++ {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return fmt.Errorf("generating key %d: %w", i, err)
		}
		c := fmt.Sprintf("%s-%d", comment, i)
		if err := keyring.Add(agent.AddedKey{PrivateKey: priv, Comment: c}); err != nil {
			return fmt.Errorf("adding key %d: %w", i, err)
		}
		signer, err := ssh.NewSignerFromKey(priv)
		if err != nil {
			return fmt.Errorf("deriving signer %d: %w", i, err)
		}
		log.Printf("serving key %s %s", ssh.FingerprintSHA256(signer.PublicKey()), c)
	}

	if err := os.Remove(socket); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", socket)
	if err != nil {
		return fmt.Errorf("binding %s: %w", socket, err)
	}
	defer ln.Close()
	defer os.Remove(socket)

	if err := os.Chmod(socket, 0o600); err != nil {
		return fmt.Errorf("restricting socket: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	log.Printf("fake agent listening on %s", socket)
	fmt.Printf("SSH_AUTH_SOCK=%s; export SSH_AUTH_SOCK;\n", socket)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go func() {
			defer conn.Close()
			if err := agent.ServeAgent(keyring, conn); err != nil && !errors.Is(err, io.EOF) {
				log.Printf("serve agent: %v", err)
			}
		}()
	}
}
