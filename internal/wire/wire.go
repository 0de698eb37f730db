// ABOUTME: Framing layer for the SSH agent protocol - length-prefixed messages.
// ABOUTME: Reads and writes Message values, enforcing the frame size cap.

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Message type codes from the SSH agent protocol. Client-to-agent codes
// carry the c suffix convention from the protocol draft; replies do not.
const (
	MsgFailure             byte = 5
	MsgSuccess             byte = 6
	MsgRequestIdentities   byte = 11
	MsgIdentitiesAnswer    byte = 12
	MsgSignRequest         byte = 13
	MsgSignResponse        byte = 14
	MsgAddIdentity         byte = 17
	MsgRemoveIdentity      byte = 18
	MsgRemoveAllIdentities byte = 19
	MsgAddIDConstrained    byte = 25
	MsgLock                byte = 22
	MsgUnlock              byte = 23
	MsgExtension           byte = 27
	MsgExtensionFailure    byte = 28
)

// Extension sub-types the multiplexer understands.
const (
	ExtSessionBind = "session-bind@openssh.com"
	ExtQuery       = "query"
)

// MaxMessageSize caps a single agent message frame. OpenSSH uses the same
// bound for its agent messages.
const MaxMessageSize = 256 * 1024

var (
	// ErrFrameTooLarge is returned when a frame's declared length exceeds
	// MaxMessageSize.
	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum message size")

	// ErrTruncatedFrame is returned when the stream ends mid-frame.
	ErrTruncatedFrame = errors.New("wire: truncated frame")

	// ErrEmptyFrame is returned for a zero-length frame, which cannot
	// carry a type code.
	ErrEmptyFrame = errors.New("wire: empty frame")

	// ErrMalformedPayload is returned when a typed payload does not
	// decode against its expected shape.
	ErrMalformedPayload = errors.New("wire: malformed payload")
)

// Message is a single agent protocol message. Payload excludes the type
// byte. Types the codec does not recognize pass through untouched.
type Message struct {
	Type    byte
	Payload []byte
}

// ReadMessage reads one framed message from r. A clean EOF before any
// bytes of the length prefix returns io.EOF; an EOF anywhere later is
// reported as ErrTruncatedFrame.
func ReadMessage(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: reading length prefix: %v", ErrTruncatedFrame, err)
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, ErrEmptyFrame
	}
	if length > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%w: reading %d byte body: %v", ErrTruncatedFrame, length, err)
	}

	return &Message{Type: body[0], Payload: body[1:]}, nil
}

// WriteMessage writes one framed message to w. The length prefix and body
// go out in a single Write call so the peer never observes a partial frame
// from this layer.
func WriteMessage(w io.Writer, m *Message) error {
	if len(m.Payload)+1 > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(m.Payload)+1)
	}

	buf := make([]byte, 4+1+len(m.Payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(1+len(m.Payload)))
	buf[4] = m.Type
	copy(buf[5:], m.Payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("wire: writing frame: %w", err)
	}
	return nil
}

// AppendString appends the canonical SSH string encoding of s to buf.
func AppendString(buf, s []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

// AppendUint32 appends a big-endian uint32 to buf.
func AppendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

// ReadString consumes one SSH string from payload and returns it together
// with the remaining bytes.
func ReadString(payload []byte) (s, rest []byte, err error) {
	if len(payload) < 4 {
		return nil, nil, fmt.Errorf("%w: short string length", ErrMalformedPayload)
	}
	n := binary.BigEndian.Uint32(payload[:4])
	payload = payload[4:]
	if uint32(len(payload)) < n {
		return nil, nil, fmt.Errorf("%w: string of %d bytes in %d byte buffer", ErrMalformedPayload, n, len(payload))
	}
	return payload[:n], payload[n:], nil
}

// ReadUint32 consumes a big-endian uint32 from payload.
func ReadUint32(payload []byte) (v uint32, rest []byte, err error) {
	if len(payload) < 4 {
		return 0, nil, fmt.Errorf("%w: short uint32", ErrMalformedPayload)
	}
	return binary.BigEndian.Uint32(payload[:4]), payload[4:], nil
}

// Failure returns a fresh SSH_AGENT_FAILURE message.
func Failure() *Message {
	return &Message{Type: MsgFailure}
}

// Success returns a fresh SSH_AGENT_SUCCESS message.
func Success() *Message {
	return &Message{Type: MsgSuccess}
}

// ExtensionFailure returns a fresh SSH_AGENT_EXTENSION_FAILURE message.
func ExtensionFailure() *Message {
	return &Message{Type: MsgExtensionFailure}
}
