package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/rexliu/walletbridge/pkg/envelope"
	"github.com/rexliu/walletbridge/pkg/taxonomy"
)

// Operations served by the relay itself rather than the engine.
const (
	OpPing        = "ping"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
)

// Frame kinds sent from relay to client.
const (
	KindResponse     = "response"
	KindNotification = "notification"
)

// Request is a client-to-relay call. RequestID is chosen by the client and
// only has to be unique among that client's outstanding requests.
type Request struct {
	RequestID int64           `json:"requestId"`
	Operation string          `json:"operation"`
	Args      json.RawMessage `json:"args,omitempty"`
}

// Response answers one Request. Response carries the engine result, or an
// ErrorInfo when IsError is set.
type Response struct {
	Kind      string          `json:"kind"`
	RequestID int64           `json:"requestId"`
	IsError   bool            `json:"isError"`
	Operation string          `json:"operation"`
	Response  json.RawMessage `json:"response"`
	TraceID   string          `json:"traceId,omitempty"`
}

// Notification is an engine notification relayed to a subscriber. Seq
// increases by one per notification the relay has seen.
type Notification struct {
	Kind         string          `json:"kind"`
	Seq          int64           `json:"seq"`
	Notification json.RawMessage `json:"notification"`
}

// Decode parses the relayed payload back into an engine notification.
func (n Notification) Decode() (envelope.Notification, error) {
	var head struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(n.Notification, &head); err != nil {
		return envelope.Notification{}, fmt.Errorf("notification %d: %w", n.Seq, err)
	}
	return envelope.Notification{Type: head.Type, ID: head.ID, Payload: n.Notification}, nil
}

// SubscribeArgs are the subscribe arguments. Journaled notifications with
// a seq above Cursor are replayed before live delivery starts.
type SubscribeArgs struct {
	Cursor int64 `json:"cursor"`
}

// SubscribeResult reports the relay's latest seq at subscription time.
type SubscribeResult struct {
	Seq      int64 `json:"seq"`
	Replayed int   `json:"replayed"`
}

// PingResult is the ping reply.
type PingResult struct {
	Now int64 `json:"now"`
}

// NewResult builds a success Response for req.
func NewResult(req Request, result json.RawMessage, traceID string) Response {
	if result == nil {
		result = json.RawMessage(`{}`)
	}
	return Response{
		Kind:      KindResponse,
		RequestID: req.RequestID,
		Operation: req.Operation,
		Response:  result,
		TraceID:   traceID,
	}
}

// NewError builds an error Response for req.
func NewError(req Request, info *taxonomy.ErrorInfo, traceID string) Response {
	raw, err := json.Marshal(info)
	if err != nil {
		raw = json.RawMessage(`{"talerErrorCode":2}`)
	}
	return Response{
		Kind:      KindResponse,
		RequestID: req.RequestID,
		IsError:   true,
		Operation: req.Operation,
		Response:  raw,
		TraceID:   traceID,
	}
}

// frame is the union of everything a client may receive.
type frame struct {
	Kind         string          `json:"kind"`
	RequestID    int64           `json:"requestId"`
	IsError      bool            `json:"isError"`
	Operation    string          `json:"operation"`
	Response     json.RawMessage `json:"response"`
	TraceID      string          `json:"traceId"`
	Seq          int64           `json:"seq"`
	Notification json.RawMessage `json:"notification"`
}
