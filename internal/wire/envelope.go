package wire

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates what rides a Connection's socket, per SPEC_FULL.md §D:
// the DocumentSync protocol messages and a non-persisted ephemeral
// side-channel (cursor positions, presence) share the same byte stream.
type Kind string

const (
	KindSync      Kind = "sync"
	KindEphemeral Kind = "ephemeral"
)

// Envelope is the outermost frame written to a Connection's socket.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeSync wraps a DocumentSync Message as a sync Envelope.
func EncodeSync(m Message) ([]byte, error) {
	payload, err := Encode(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Kind: KindSync, Payload: payload})
}

// EncodeEphemeral wraps an arbitrary, non-persisted payload as an
// ephemeral Envelope.
func EncodeEphemeral(payload []byte) ([]byte, error) {
	data, err := json.Marshal(Envelope{Kind: KindEphemeral, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("wire: encode ephemeral: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses the outermost frame without interpreting its
// payload, letting the caller dispatch on Kind.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("wire: decode envelope: %w", err)
	}
	return env, nil
}
