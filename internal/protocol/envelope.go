// ABOUTME: Envelope types and JSON codec for the control-plane wire protocol
// ABOUTME: Defines Request/Response/Event framing, error codes, and close codes

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind discriminates the three envelope shapes on the wire.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindEvent    Kind = "event"
)

// Error codes carried in Response envelopes.
const (
	CodeAuthFailure       = "auth_failure"
	CodeBadRequest        = "bad_request"
	CodeUnknownMethod     = "unknown_method"
	CodeUnrouted          = "unrouted"
	CodeNoLiveProfile     = "no_live_profile"
	CodeInvocationFailure = "invocation_failure"
	CodeInternal          = "internal"
)

// WebSocket close codes used by the connection manager.
const (
	CloseNormal         = 1000
	CloseServerShutdown = 1001
	CloseProtocolError  = 1002
	CloseAuthFailure    = 4001
	CloseIdleTimeout    = 4002
)

// ErrMalformed indicates an envelope that could not be decoded or fails
// structural validation. The connection carrying it must be closed.
var ErrMalformed = errors.New("malformed envelope")

// Envelope is one unit of the control-plane protocol.
//
// Requests carry an ID (unique per connection, chosen by the requester) and
// a method name. Every request eventually yields exactly one terminal
// Response with the same ID. Events carry a topic and a per-topic sequence
// number; they never carry an ID.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the structured error carried by a failed Response.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Validate checks the structural invariants for the envelope's kind.
func (e *Envelope) Validate() error {
	switch e.Kind {
	case KindRequest:
		if e.ID == "" {
			return fmt.Errorf("%w: request missing id", ErrMalformed)
		}
		if e.Method == "" {
			return fmt.Errorf("%w: request missing method", ErrMalformed)
		}
	case KindResponse:
		if e.ID == "" {
			return fmt.Errorf("%w: response missing id", ErrMalformed)
		}
	case KindEvent:
		if e.Topic == "" {
			return fmt.Errorf("%w: event missing topic", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, e.Kind)
	}
	return nil
}

// Decode parses and validates a single envelope from raw bytes.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Encode serializes an envelope for the wire.
func Encode(env *Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// NewRequest builds a request envelope, marshaling payload to JSON.
func NewRequest(id, method string, payload any) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Kind: KindRequest, ID: id, Method: method, Payload: raw}, nil
}

// NewResponse builds a success response correlated to the given request ID.
func NewResponse(id string, payload any) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Kind: KindResponse, ID: id, Payload: raw}, nil
}

// NewErrorResponse builds a terminal error response for a request.
func NewErrorResponse(id, code, message string) *Envelope {
	return &Envelope{
		Kind:  KindResponse,
		ID:    id,
		Error: &Error{Code: code, Message: message},
	}
}

// NewEvent builds an event envelope for a topic with a sequence number.
func NewEvent(topic string, seq uint64, payload any) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Kind: KindEvent, Topic: topic, Seq: seq, Payload: raw}, nil
}

// DecodePayload unmarshals the envelope payload into v.
func DecodePayload(env *Envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	return raw, nil
}
