package taxonomy

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromCodeKnown(t *testing.T) {
	e := FromCode(7003)
	assert.Equal(t, WalletNetworkError, e.Code)
	assert.Equal(t, "WALLET_NETWORK_ERROR", e.Name)

	e = FromCode(0)
	assert.Equal(t, None, e.Code)
}

func TestFromCodeUnknown(t *testing.T) {
	e := FromCode(424242)
	assert.Equal(t, Unknown, e.Code)
	assert.Equal(t, "UNKNOWN", e.Name)
	assert.Contains(t, e.Hint, "424242")
}

// TestFromCodeTotal checks that lookup never panics and that every code
// outside the catalogue resolves to the Unknown sentinel.
func TestFromCodeTotal(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("FromCode is total over int32", prop.ForAll(
		func(n int32) bool {
			e := FromCode(int64(n))
			if _, ok := Lookup(ErrorCode(n)); ok {
				return e.Code == ErrorCode(n)
			}
			return e.Code == Unknown && e.Name == "UNKNOWN"
		},
		gen.Int32(),
	))

	properties.Property("FromCode is total over int64", prop.ForAll(
		func(n int64) bool {
			e := FromCode(n)
			return e.Name != ""
		},
		gen.Int64(),
	))

	properties.TestingRun(t)
}

func TestCatalogueUnique(t *testing.T) {
	seen := make(map[ErrorCode]string)
	for _, e := range Entries() {
		prev, dup := seen[e.Code]
		require.False(t, dup, "code %d used by %s and %s", e.Code, prev, e.Name)
		seen[e.Code] = e.Name
	}
	_, ok := Lookup(Unknown)
	assert.False(t, ok, "sentinel must not be a catalogue member")
}

func TestErrorInfoWireRoundTrip(t *testing.T) {
	raw := json.RawMessage(`{"talerErrorCode":7026,"talerErrorHint":"insufficient balance","message":"need 5 KUDOS","details":{"amountRequested":"KUDOS:5"}}`)
	info := Parse(raw)
	assert.Equal(t, WalletDepositGroupInsufficientBalance, info.Code)
	assert.Equal(t, "insufficient balance", info.Hint)
	assert.Equal(t, "need 5 KUDOS", info.Message)
	assert.JSONEq(t, `{"amountRequested":"KUDOS:5"}`, string(info.Details))

	var err error = info
	var target *ErrorInfo
	require.True(t, errors.As(err, &target))
	assert.Contains(t, err.Error(), "WALLET_DEPOSIT_GROUP_INSUFFICIENT_BALANCE")
}

func TestParseMalformed(t *testing.T) {
	info := Parse(json.RawMessage(`"oops"`))
	assert.Equal(t, Invalid, info.Code)
	assert.Equal(t, `"oops"`, info.Message)
}

func TestClientSideConstructors(t *testing.T) {
	info := ClientInternal(errors.New("engine not started"))
	assert.Equal(t, GenericClientInternalError, info.Code)
	assert.Equal(t, "engine not started", info.Message)

	info = DecodeFailure(errors.New("json: cannot unmarshal"))
	assert.Equal(t, None, info.Code)
	assert.Equal(t, "json: cannot unmarshal", info.Message)
	assert.Equal(t, "json: cannot unmarshal", info.UserFacingMessage())
}
