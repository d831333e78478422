package bridge

import (
	"context"
	"encoding/json"

	"github.com/rexliu/walletbridge/pkg/taxonomy"
)

// Caller issues one named operation and returns its raw result. Both the
// in-process Bridge and the socket client implement it.
type Caller interface {
	CallRaw(ctx context.Context, operation string, args any) (json.RawMessage, *taxonomy.ErrorInfo)
}

// Call issues operation through c and decodes the result into R. A result
// that does not decode is reported with code NONE and the decoder's text.
func Call[R any](ctx context.Context, c Caller, operation string, args any) (R, *taxonomy.ErrorInfo) {
	var out R
	raw, info := c.CallRaw(ctx, operation, args)
	if info != nil {
		return out, info
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, taxonomy.DecodeFailure(err)
	}
	return out, nil
}
