// ABOUTME: Control client used by the CLI subcommands against a running daemon.
// ABOUTME: Connect, send one framed request, read one framed response.

package control

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// DialTimeout bounds connecting to and exchanging with the daemon.
const DialTimeout = 5 * time.Second

// ErrDaemon wraps an error response from the daemon.
var ErrDaemon = errors.New("daemon error")

// Client talks to a daemon's control socket.
type Client struct {
	conn net.Conn
}

// Dial connects to the control socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to control socket %s: %w (is the daemon running?)", path, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Send performs one request/response exchange. An error-typed response
// is surfaced as an ErrDaemon-wrapped error.
func (c *Client) Send(req Request) (*Response, error) {
	if err := c.conn.SetDeadline(time.Now().Add(DialTimeout)); err != nil {
		return nil, err
	}
	if err := WriteDocument(c.conn, req); err != nil {
		return nil, err
	}

	var resp Response
	if err := ReadDocument(c.conn, &resp); err != nil {
		return nil, err
	}
	if resp.Type == RespError {
		return nil, fmt.Errorf("%w: %s", ErrDaemon, resp.Error)
	}
	return &resp, nil
}

// Ping verifies the daemon is alive.
func (c *Client) Ping() error {
	resp, err := c.Send(Request{Type: ReqPing})
	if err != nil {
		return err
	}
	if resp.Type != RespPong {
		return fmt.Errorf("%w: unexpected response %q to ping", ErrDaemon, resp.Type)
	}
	return nil
}

// Status fetches daemon status.
func (c *Client) Status() (*StatusInfo, error) {
	resp, err := c.Send(Request{Type: ReqStatus})
	if err != nil {
		return nil, err
	}
	if resp.Status == nil {
		return nil, fmt.Errorf("%w: empty status response", ErrDaemon)
	}
	return resp.Status, nil
}

// List fetches the ordered roster.
func (c *Client) List() ([]SocketInfo, error) {
	resp, err := c.Send(Request{Type: ReqList})
	if err != nil {
		return nil, err
	}
	return resp.Sockets, nil
}

// ListKeys fetches the concatenated identity list.
func (c *Client) ListKeys() ([]KeyInfo, error) {
	resp, err := c.Send(Request{Type: ReqListKeys})
	if err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

// Reload asks the watcher for an immediate rescan.
func (c *Client) Reload() (string, error) {
	resp, err := c.Send(Request{Type: ReqReload})
	if err != nil {
		return "", err
	}
	return resp.Message, nil
}

// Validate forces a health pass and returns its result.
func (c *Client) Validate() (*ValidateResult, error) {
	resp, err := c.Send(Request{Type: ReqValidate})
	if err != nil {
		return nil, err
	}
	if resp.Validate == nil {
		return nil, fmt.Errorf("%w: empty validate response", ErrDaemon)
	}
	return resp.Validate, nil
}

// Add puts path into the watched set.
func (c *Client) Add(path string) (string, error) {
	resp, err := c.Send(Request{Type: ReqAdd, Path: path})
	if err != nil {
		return "", err
	}
	return resp.Message, nil
}

// Remove drops path from the watched set.
func (c *Client) Remove(path string) (string, error) {
	resp, err := c.Send(Request{Type: ReqRemove, Path: path})
	if err != nil {
		return "", err
	}
	return resp.Message, nil
}
