package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/rexliu/walletbridge/pkg/taxonomy"
)

// Encoders for the engine's side of the channel. Stand-in engines and
// replay tooling use them to produce byte-exact engine output.

type outboundReply struct {
	Type      string          `json:"type"`
	ID        int64           `json:"id"`
	Operation string          `json:"operation"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     any             `json:"error,omitempty"`
}

// EncodeSuccess renders a response reply.
func EncodeSuccess(id int64, operation string, result any) (string, error) {
	raw, err := MarshalArgs(result)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	if raw == nil {
		raw = json.RawMessage(`{}`)
	}
	return marshalString(outboundReply{Type: TypeResponse, ID: id, Operation: operation, Result: raw})
}

// EncodeFailure renders an error reply. Details are emitted as null when
// absent, matching the engine.
func EncodeFailure(id int64, operation string, info *taxonomy.ErrorInfo) (string, error) {
	details := info.Details
	if details == nil {
		details = json.RawMessage(`null`)
	}
	body := struct {
		Code    taxonomy.ErrorCode `json:"talerErrorCode"`
		Hint    string             `json:"talerErrorHint"`
		Message string             `json:"message"`
		Details json.RawMessage    `json:"details"`
	}{info.Code, info.Hint, info.Message, details}
	return marshalString(outboundReply{Type: TypeError, ID: id, Operation: operation, Error: body})
}

// EncodeNotification wraps payload, which must carry a "type" field.
func EncodeNotification(payload any) (string, error) {
	raw, err := MarshalArgs(payload)
	if err != nil {
		return "", fmt.Errorf("encode notification: %w", err)
	}
	return marshalString(struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}{TypeNotification, raw})
}

// DecodeRequest parses a request as the engine sees it.
func DecodeRequest(text string) (Request, error) {
	var req Request
	if err := json.Unmarshal([]byte(text), &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if req.Operation == "" {
		return Request{}, fmt.Errorf("%w: request without operation", ErrMalformed)
	}
	return req, nil
}

func marshalString(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
