package signal

import (
	"encoding/json"

	apperrors "stagewire/pkg/errors"
)

// Kind tells requests, their responses and fire-and-forget events apart.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindEvent    Kind = "event"
)

// errorEvent is pushed by the relay when it rejects an event.
const errorEvent = "error"

// Envelope is the JSON frame exchanged over the signaling WebSocket. ID
// correlates a response with its request and is empty for events.
type Envelope struct {
	Kind    Kind                `json:"kind"`
	ID      string              `json:"id,omitempty"`
	Type    string              `json:"type"`
	Payload json.RawMessage     `json:"payload,omitempty"`
	Error   *apperrors.AppError `json:"error,omitempty"`
}

func newEnvelope(kind Kind, id, typ string, payload interface{}) (Envelope, error) {
	env := Envelope{Kind: kind, ID: id, Type: typ}
	if payload == nil {
		return env, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		env.Payload = raw
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return env, err
	}
	env.Payload = data
	return env, nil
}
