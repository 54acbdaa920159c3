// Package envelope defines the wire unit exchanged over a session and the
// closed set of message kinds that may travel inside it.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type is the tag carried in every envelope.
type Type string

const (
	TypeHandshake    Type = "HANDSHAKE"
	TypeHandshakeAck Type = "HANDSHAKE_ACK"
	TypePing         Type = "PING"
	TypePong         Type = "PONG"
	TypeRequest      Type = "REQUEST"
	TypeResponse     Type = "RESPONSE"
	TypeError        Type = "ERROR"
	TypeEvent        Type = "EVENT"
	TypeStateDelta   Type = "STATE_DELTA"
	TypeStateAck     Type = "STATE_ACK"
)

// IsReply reports whether envelopes of this type resolve an outstanding call
// rather than being routed to a handler.
func (t Type) IsReply() bool {
	switch t {
	case TypeHandshakeAck, TypePong, TypeResponse, TypeError, TypeStateAck:
		return true
	}
	return false
}

// Known reports whether t is one of the defined message kinds.
func (t Type) Known() bool {
	_, ok := factories[t]
	return ok
}

var (
	// ErrUnknownType is returned when an envelope carries a type tag outside
	// the known set.
	ErrUnknownType = errors.New("envelope: unknown message type")
	// ErrMalformed is returned when bytes cannot be decoded as an envelope.
	ErrMalformed = errors.New("envelope: malformed")
)

// Envelope is the atomic unit of message exchange. Treat values as immutable
// once constructed.
type Envelope struct {
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"requestId,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// New wraps msg in an envelope stamped with the current time.
func New(msg Message, requestID string) (Envelope, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msg.Kind(), err)
	}
	return Envelope{
		Type:      msg.Kind(),
		Payload:   payload,
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// Reply builds a reply envelope that carries the request id of env.
func Reply(env Envelope, msg Message) (Envelope, error) {
	return New(msg, env.RequestID)
}

// Decode parses wire bytes into an envelope. It does not validate the payload;
// use a Validator for that.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env, nil
}

// Encode renders env to wire bytes.
func Encode(env Envelope) ([]byte, error) {
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage("{}")
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return b, nil
}

// Message decodes the payload into its typed variant.
func (e Envelope) Message() (Message, error) {
	mk, ok := factories[e.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	msg := mk()
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if err := json.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return deref(msg), nil
}
