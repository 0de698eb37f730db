// ABOUTME: Typed payload codecs for the agent messages the multiplexer inspects.
// ABOUTME: Identity lists, sign requests/responses, and extension envelopes.

package wire

import "fmt"

// Identity is one entry of an SSH_AGENT_IDENTITIES_ANSWER: a public key
// blob in its canonical encoding plus a free-form comment.
type Identity struct {
	Blob    []byte
	Comment string
}

// ParseIdentitiesAnswer decodes an SSH_AGENT_IDENTITIES_ANSWER payload.
func ParseIdentitiesAnswer(payload []byte) ([]Identity, error) {
	count, rest, err := ReadUint32(payload)
	if err != nil {
		return nil, fmt.Errorf("identities answer: %w", err)
	}

	ids := make([]Identity, 0, count)
	for i := uint32(0); i < count; i++ {
		var blob, comment []byte
		if blob, rest, err = ReadString(rest); err != nil {
			return nil, fmt.Errorf("identities answer key %d: %w", i, err)
		}
		if comment, rest, err = ReadString(rest); err != nil {
			return nil, fmt.Errorf("identities answer comment %d: %w", i, err)
		}
		ids = append(ids, Identity{Blob: blob, Comment: string(comment)})
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after identities", ErrMalformedPayload, len(rest))
	}
	return ids, nil
}

// EncodeIdentitiesAnswer builds an SSH_AGENT_IDENTITIES_ANSWER message.
func EncodeIdentitiesAnswer(ids []Identity) *Message {
	payload := AppendUint32(nil, uint32(len(ids)))
	for _, id := range ids {
		payload = AppendString(payload, id.Blob)
		payload = AppendString(payload, []byte(id.Comment))
	}
	return &Message{Type: MsgIdentitiesAnswer, Payload: payload}
}

// SignRequest is the decoded payload of an SSH_AGENTC_SIGN_REQUEST.
type SignRequest struct {
	KeyBlob []byte
	Data    []byte
	Flags   uint32
}

// ParseSignRequest decodes an SSH_AGENTC_SIGN_REQUEST payload.
func ParseSignRequest(payload []byte) (*SignRequest, error) {
	keyBlob, rest, err := ReadString(payload)
	if err != nil {
		return nil, fmt.Errorf("sign request key: %w", err)
	}
	data, rest, err := ReadString(rest)
	if err != nil {
		return nil, fmt.Errorf("sign request data: %w", err)
	}
	flags, rest, err := ReadUint32(rest)
	if err != nil {
		return nil, fmt.Errorf("sign request flags: %w", err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after sign request", ErrMalformedPayload, len(rest))
	}
	return &SignRequest{KeyBlob: keyBlob, Data: data, Flags: flags}, nil
}

// Encode rebuilds the wire message for a sign request.
func (r *SignRequest) Encode() *Message {
	payload := AppendString(nil, r.KeyBlob)
	payload = AppendString(payload, r.Data)
	payload = AppendUint32(payload, r.Flags)
	return &Message{Type: MsgSignRequest, Payload: payload}
}

// ParseSignResponse decodes an SSH_AGENT_SIGN_RESPONSE payload and returns
// the signature blob.
func ParseSignResponse(payload []byte) ([]byte, error) {
	sig, rest, err := ReadString(payload)
	if err != nil {
		return nil, fmt.Errorf("sign response: %w", err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after signature", ErrMalformedPayload, len(rest))
	}
	return sig, nil
}

// EncodeSignResponse builds an SSH_AGENT_SIGN_RESPONSE message.
func EncodeSignResponse(sig []byte) *Message {
	return &Message{Type: MsgSignResponse, Payload: AppendString(nil, sig)}
}

// Extension is the decoded envelope of an SSH_AGENTC_EXTENSION message.
// Contents is the raw remainder after the sub-type name; its shape is
// sub-type specific and the multiplexer treats it as opaque.
type Extension struct {
	Name     string
	Contents []byte
}

// ParseExtension decodes an SSH_AGENTC_EXTENSION payload.
func ParseExtension(payload []byte) (*Extension, error) {
	name, rest, err := ReadString(payload)
	if err != nil {
		return nil, fmt.Errorf("extension name: %w", err)
	}
	return &Extension{Name: string(name), Contents: rest}, nil
}

// Encode rebuilds the wire message for an extension request.
func (e *Extension) Encode() *Message {
	payload := AppendString(nil, []byte(e.Name))
	payload = append(payload, e.Contents...)
	return &Message{Type: MsgExtension, Payload: payload}
}
