// Package envelope implements the text message grammar spoken with the
// wallet engine: requests carry a numeric id, replies echo it back, and
// notifications arrive without one.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rexliu/walletbridge/pkg/taxonomy"
)

// Wire discriminator values.
const (
	TypeResponse     = "response"
	TypeError        = "error"
	TypeNotification = "notification"
)

// ErrMalformed marks an inbound message that matches neither the reply nor
// the notification shape.
var ErrMalformed = errors.New("malformed engine message")

// Request is a bridge-to-engine call.
type Request struct {
	ID        int64           `json:"id"`
	Operation string          `json:"operation"`
	Args      json.RawMessage `json:"args,omitempty"`
}

// Reply is the engine's answer to exactly one Request. Exactly one of
// Result and Error is set.
type Reply struct {
	ID        int64
	Operation string
	Result    json.RawMessage
	Error     json.RawMessage
}

// Failed reports whether the reply is a Failure.
func (r Reply) Failed() bool {
	return r.Error != nil
}

// ErrorInfo decodes the failure payload. It returns nil for a Success.
func (r Reply) ErrorInfo() *taxonomy.ErrorInfo {
	if !r.Failed() {
		return nil
	}
	return taxonomy.Parse(r.Error)
}

// Notification is an engine push that is not tied to any request.
type Notification struct {
	Type string
	// ID is an opaque identifier some notification kinds carry.
	ID      string
	Payload json.RawMessage
}

// Message is either a Reply or a Notification.
type Message interface {
	isMessage()
}

func (Reply) isMessage()        {}
func (Notification) isMessage() {}

// EncodeRequest renders a request as a single wire message. Empty args are
// omitted.
func EncodeRequest(req Request) (string, error) {
	if req.Operation == "" {
		return "", errors.New("operation required")
	}
	if isEmptyArgs(req.Args) {
		req.Args = nil
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode request %s: %w", req.Operation, err)
	}
	return string(data), nil
}

// MarshalArgs serializes caller arguments; nil yields no args field.
func MarshalArgs(args any) (json.RawMessage, error) {
	switch v := args.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	return data, nil
}

type inbound struct {
	Type      string          `json:"type"`
	ID        *int64          `json:"id"`
	Operation *string         `json:"operation"`
	Result    json.RawMessage `json:"result"`
	Error     json.RawMessage `json:"error"`
	Payload   json.RawMessage `json:"payload"`
}

type notificationPayload struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// Decode parses one inbound engine message and classifies it. Any message
// that cannot be classified returns an error wrapping ErrMalformed.
func Decode(text string) (Message, error) {
	var msg inbound
	if err := json.Unmarshal([]byte(text), &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.ID != nil || msg.Operation != nil {
		return decodeReply(msg)
	}
	if msg.Type == TypeNotification {
		return decodeNotification(msg)
	}
	return nil, fmt.Errorf("%w: unknown message type %q", ErrMalformed, msg.Type)
}

func decodeReply(msg inbound) (Message, error) {
	if msg.ID == nil || msg.Operation == nil {
		return nil, fmt.Errorf("%w: reply requires both id and operation", ErrMalformed)
	}
	reply := Reply{ID: *msg.ID, Operation: *msg.Operation}
	switch msg.Type {
	case TypeResponse:
		if msg.Result == nil {
			return nil, fmt.Errorf("%w: response %d carries no result", ErrMalformed, reply.ID)
		}
		reply.Result = msg.Result
	case TypeError:
		if msg.Error == nil {
			return nil, fmt.Errorf("%w: error reply %d carries no error", ErrMalformed, reply.ID)
		}
		reply.Error = msg.Error
	default:
		return nil, fmt.Errorf("%w: reply %d has type %q", ErrMalformed, reply.ID, msg.Type)
	}
	return reply, nil
}

func decodeNotification(msg inbound) (Message, error) {
	if msg.Payload == nil {
		return nil, fmt.Errorf("%w: notification without payload", ErrMalformed)
	}
	var p notificationPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: notification payload: %v", ErrMalformed, err)
	}
	if p.Type == "" {
		return nil, fmt.Errorf("%w: notification payload without type", ErrMalformed)
	}
	return Notification{Type: p.Type, ID: p.ID, Payload: msg.Payload}, nil
}

func isEmptyArgs(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
