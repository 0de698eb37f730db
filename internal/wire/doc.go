// Package wire implements the SSH agent wire protocol framing and the
// payload encodings the multiplexer needs to inspect.
//
// # Framing
//
// Every agent message is a uint32 big-endian length followed by that many
// bytes; the first byte of the body is the message type code and the rest
// is the type-specific payload:
//
//	[length:4 BE][type:1][payload:length-1]
//
// ReadMessage and WriteMessage translate between a byte stream and Message
// values. Frames larger than MaxMessageSize are rejected before the body
// is read.
//
// # Opacity
//
// The codec validates framing only. Message types it does not know are
// carried through as opaque (type, payload) pairs so the multiplexer can
// relay protocol extensions it has never heard of.
//
// # Payload helpers
//
// The canonical SSH string encoding (uint32 BE length + bytes) is exposed
// through AppendString/ReadString, and typed codecs exist for the payloads
// the session handler must understand: identity lists, sign requests and
// responses, and extension envelopes.
package wire
