package envelope

import (
	"encoding/json"
)

// Message is implemented by every typed payload. The set is closed: only the
// variants in this file satisfy it.
type Message interface {
	Kind() Type
	sealed()
}

// Handshake must be the first message on every session.
type Handshake struct {
	Endpoint     string   `json:"endpoint"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// HandshakeAck accepts a handshake and names the session on the accepting side.
type HandshakeAck struct {
	SessionID string `json:"sessionId"`
	Endpoint  string `json:"endpoint,omitempty"`
}

type Ping struct{}

type Pong struct {
	OK bool `json:"ok"`
}

// Request invokes a named method on the peer. A request without a request id
// is a notification and never receives a reply.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response carries an arbitrary JSON result as the whole payload.
type Response struct {
	Result json.RawMessage
}

func (r Response) MarshalJSON() ([]byte, error) {
	if len(r.Result) == 0 {
		return []byte("null"), nil
	}
	return r.Result, nil
}

func (r *Response) UnmarshalJSON(b []byte) error {
	r.Result = append(json.RawMessage(nil), b...)
	return nil
}

// Error reports a failed request back to the caller.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Event is a one-way notification from either side.
type Event struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// StateDelta carries changed top-level keys and tombstones for removed ones.
// A Full delta replaces the receiver's state instead of patching it.
type StateDelta struct {
	Seq        uint64                     `json:"seq"`
	Full       bool                       `json:"full,omitempty"`
	Set        map[string]json.RawMessage `json:"set,omitempty"`
	Tombstones []string                   `json:"tombstones,omitempty"`
}

// StateAck confirms the delta with the same sequence number was applied.
type StateAck struct {
	Seq uint64 `json:"seq"`
}

// Error codes carried in Error replies.
const (
	CodeInvalidMessage   = 400
	CodePermissionDenied = 403
	CodeMethodNotFound   = 404
	CodeConflict         = 409
	CodeRateLimited      = 429
	CodeInternal         = 500
)

func (Handshake) Kind() Type    { return TypeHandshake }
func (HandshakeAck) Kind() Type { return TypeHandshakeAck }
func (Ping) Kind() Type         { return TypePing }
func (Pong) Kind() Type         { return TypePong }
func (Request) Kind() Type      { return TypeRequest }
func (Response) Kind() Type     { return TypeResponse }
func (Error) Kind() Type        { return TypeError }
func (Event) Kind() Type        { return TypeEvent }
func (StateDelta) Kind() Type   { return TypeStateDelta }
func (StateAck) Kind() Type     { return TypeStateAck }

func (Handshake) sealed()    {}
func (HandshakeAck) sealed() {}
func (Ping) sealed()         {}
func (Pong) sealed()         {}
func (Request) sealed()      {}
func (Response) sealed()     {}
func (Error) sealed()        {}
func (Event) sealed()        {}
func (StateDelta) sealed()   {}
func (StateAck) sealed()     {}

var factories = map[Type]func() Message{
	TypeHandshake:    func() Message { return &Handshake{} },
	TypeHandshakeAck: func() Message { return &HandshakeAck{} },
	TypePing:         func() Message { return &Ping{} },
	TypePong:         func() Message { return &Pong{} },
	TypeRequest:      func() Message { return &Request{} },
	TypeResponse:     func() Message { return &Response{} },
	TypeError:        func() Message { return &Error{} },
	TypeEvent:        func() Message { return &Event{} },
	TypeStateDelta:   func() Message { return &StateDelta{} },
	TypeStateAck:     func() Message { return &StateAck{} },
}

func deref(m Message) Message {
	switch v := m.(type) {
	case *Handshake:
		return *v
	case *HandshakeAck:
		return *v
	case *Ping:
		return *v
	case *Pong:
		return *v
	case *Request:
		return *v
	case *Response:
		return *v
	case *Error:
		return *v
	case *Event:
		return *v
	case *StateDelta:
		return *v
	case *StateAck:
		return *v
	}
	return m
}
