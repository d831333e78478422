package taxonomy

import (
	"encoding/json"
	"fmt"
)

// ErrorInfo is the structured form of a failure reported by the engine, or
// synthesized by the bridge for client-side failures.
type ErrorInfo struct {
	Code    ErrorCode       `json:"talerErrorCode"`
	Hint    string          `json:"talerErrorHint"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Error implements error.
func (e *ErrorInfo) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Message != "" && e.Hint != "" && e.Message != e.Hint {
		return fmt.Sprintf("%s (%d): %s: %s", e.Code.Name(), int32(e.Code), e.Hint, e.Message)
	}
	text := e.Message
	if text == "" {
		text = e.Hint
	}
	return fmt.Sprintf("%s (%d): %s", e.Code.Name(), int32(e.Code), text)
}

// Entry resolves the catalogue entry for the error code.
func (e *ErrorInfo) Entry() Entry {
	return FromCode(int64(e.Code))
}

// UserFacingMessage returns the text best suited for display.
func (e *ErrorInfo) UserFacingMessage() string {
	if e.Hint != "" {
		return e.Hint
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Entry().Hint
}

// New builds an ErrorInfo for code using the catalogue hint.
func New(code ErrorCode, message string) *ErrorInfo {
	return &ErrorInfo{
		Code:    code,
		Hint:    FromCode(int64(code)).Hint,
		Message: message,
	}
}

// Errorf builds an ErrorInfo with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *ErrorInfo {
	return New(code, fmt.Sprintf(format, args...))
}

// ClientInternal wraps a client-side failure such as a transport error.
func ClientInternal(err error) *ErrorInfo {
	return New(GenericClientInternalError, err.Error())
}

// DecodeFailure reports a result that arrived but could not be decoded into
// the caller's type. The raw decoder text is kept for diagnostics.
func DecodeFailure(err error) *ErrorInfo {
	return &ErrorInfo{Code: None, Message: err.Error()}
}

// Parse decodes an engine error payload. A payload that is not an error
// object yields an Invalid ErrorInfo carrying the raw text.
func Parse(raw json.RawMessage) *ErrorInfo {
	var info ErrorInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return &ErrorInfo{
			Code:    Invalid,
			Hint:    FromCode(int64(Invalid)).Hint,
			Message: string(raw),
		}
	}
	return &info
}
