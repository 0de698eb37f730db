// ABOUTME: Control protocol types and framing shared by daemon and CLI.
// ABOUTME: Length-prefixed JSON documents over the control Unix socket.

package control

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// RequestType enumerates the control commands.
type RequestType string

const (
	ReqStatus   RequestType = "status"
	ReqList     RequestType = "list"
	ReqListKeys RequestType = "list-keys"
	ReqReload   RequestType = "reload"
	ReqValidate RequestType = "validate"
	ReqAdd      RequestType = "add"
	ReqRemove   RequestType = "remove"
	ReqPing     RequestType = "ping"
)

// Request is one control command. Path is set for add and remove.
type Request struct {
	Type RequestType `json:"type"`
	Path string      `json:"path,omitempty"`
}

// ResponseType tags the payload carried by a Response.
type ResponseType string

const (
	RespStatus   ResponseType = "status"
	RespSockets  ResponseType = "sockets"
	RespKeys     ResponseType = "keys"
	RespValidate ResponseType = "validate"
	RespSuccess  ResponseType = "success"
	RespError    ResponseType = "error"
	RespPong     ResponseType = "pong"
)

// Response is the daemon's answer to one Request. At most one payload
// field is populated, selected by Type; a pong carries none.
type Response struct {
	Type     ResponseType    `json:"type"`
	Status   *StatusInfo     `json:"status,omitempty"`
	Sockets  []SocketInfo    `json:"sockets,omitempty"`
	Keys     []KeyInfo       `json:"keys,omitempty"`
	Validate *ValidateResult `json:"validate,omitempty"`
	Message  string          `json:"message,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// StatusInfo describes a running daemon.
type StatusInfo struct {
	Version         string `json:"version"`
	UptimeSecs      uint64 `json:"uptime_secs"`
	PID             int    `json:"pid"`
	ListenPath      string `json:"listen_path"`
	ControlPath     string `json:"control_path"`
	WatchEnabled    bool   `json:"watch_enabled"`
	WatcherStatus   string `json:"watcher_status"`
	SocketCount     int    `json:"socket_count"`
	WatchedCount    int    `json:"watched_count"`
	ConfiguredCount int    `json:"configured_count"`
}

// SocketInfo describes one roster entry in dispatch order.
type SocketInfo struct {
	Path            string     `json:"path"`
	Source          string     `json:"source"`
	AddedAt         time.Time  `json:"added_at"`
	Healthy         string     `json:"healthy"`
	LastHealthCheck *time.Time `json:"last_health_check,omitempty"`
	Order           int        `json:"order"`
}

// KeyInfo describes one key as reported by list-keys.
type KeyInfo struct {
	Fingerprint  string `json:"fingerprint"`
	Type         string `json:"type"`
	Comment      string `json:"comment"`
	SourceSocket string `json:"source_socket"`
}

// ValidateResult summarises a forced health pass.
type ValidateResult struct {
	Checked int      `json:"checked"`
	Healthy int      `json:"healthy"`
	Removed []string `json:"removed,omitempty"`
}

// MaxDocumentSize caps a single control document. Roster listings are
// small; a megabyte is beyond generous.
const MaxDocumentSize = 1 << 20

// ErrDocumentTooLarge is returned for frames above MaxDocumentSize.
var ErrDocumentTooLarge = errors.New("control: document exceeds maximum size")

// WriteDocument frames v as a uint32 big-endian length plus JSON body
// in a single write.
func WriteDocument(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("control: encoding document: %w", err)
	}
	if len(body) > MaxDocumentSize {
		return fmt.Errorf("%w: %d bytes", ErrDocumentTooLarge, len(body))
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("control: writing document: %w", err)
	}
	return nil
}

// ReadDocument reads one framed JSON document into v. A clean EOF before
// the length prefix returns io.EOF.
func ReadDocument(r io.Reader, v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("control: reading length prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxDocumentSize {
		return fmt.Errorf("%w: %d bytes", ErrDocumentTooLarge, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("control: reading document body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("control: decoding document: %w", err)
	}
	return nil
}

// Errorf builds an error response.
func Errorf(format string, args ...any) Response {
	return Response{Type: RespError, Error: fmt.Sprintf(format, args...)}
}

// Successf builds a success response with a human-readable message.
func Successf(format string, args ...any) Response {
	return Response{Type: RespSuccess, Message: fmt.Sprintf(format, args...)}
}
