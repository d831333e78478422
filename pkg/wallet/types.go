// Package wallet holds the payload types exchanged with the wallet engine
// for the operations this module issues itself.
package wallet

import "encoding/json"

// Operation names.
const (
	OpInit            = "init"
	OpGetVersion      = "getVersion"
	OpGetBalances     = "getBalances"
	OpGetTransactions = "getTransactions"
	OpAddExchange     = "addExchange"
	OpListExchanges   = "listExchanges"
	OpShutdown        = "shutdown"
)

// InMemoryStorage asks the engine to keep its database in memory.
const InMemoryStorage = ":memory:"

// Log levels accepted by the engine's init call.
var logLevels = map[string]bool{
	"TRACE": true,
	"DEBUG": true,
	"INFO":  true,
	"WARN":  true,
	"ERROR": true,
	"NONE":  true,
}

// InitArgs are the bootstrap arguments sent once per engine.
type InitArgs struct {
	PersistentStoragePath string `json:"persistentStoragePath"`
	LogLevel              string `json:"logLevel"`
}

// InitResponse is the bootstrap result.
type InitResponse struct {
	VersionInfo VersionInfo `json:"versionInfo"`
}

// VersionInfo describes the engine build and the protocol versions it
// speaks.
type VersionInfo struct {
	ImplementationSemver  string `json:"implementationSemver"`
	ImplementationGitHash string `json:"implementationGitHash"`
	Version               string `json:"version"`
	Exchange              string `json:"exchange"`
	Merchant              string `json:"merchant"`
	Bank                  string `json:"bank"`
	DevMode               bool   `json:"devMode"`
}

// Empty reports whether no version field was populated.
func (v VersionInfo) Empty() bool {
	return v == VersionInfo{}
}

// ScopeInfo identifies the currency scope a balance belongs to.
type ScopeInfo struct {
	Type     string `json:"type"`
	Currency string `json:"currency"`
	URL      string `json:"url,omitempty"`
}

// Balance is one entry of getBalances. Amounts are engine-formatted
// strings such as "KUDOS:10.5" and are never parsed here.
type Balance struct {
	ScopeInfo       ScopeInfo `json:"scopeInfo"`
	Available       string    `json:"available"`
	PendingIncoming string    `json:"pendingIncoming"`
	PendingOutgoing string    `json:"pendingOutgoing"`
	HasPendingTxs   bool      `json:"hasPendingTransactions"`
	RequiresAction  bool      `json:"requiresUserInput"`
}

// BalancesResponse is the getBalances result.
type BalancesResponse struct {
	Balances []Balance `json:"balances"`
}

// AddExchangeArgs are the addExchange arguments.
type AddExchangeArgs struct {
	ExchangeBaseURL string `json:"exchangeBaseUrl"`
}

// Exchange is one entry of listExchanges.
type Exchange struct {
	ExchangeBaseURL string `json:"exchangeBaseUrl"`
	Currency        string `json:"currency"`
	EntryStatus     string `json:"exchangeEntryStatus"`
}

// ExchangesResponse is the listExchanges result.
type ExchangesResponse struct {
	Exchanges []Exchange `json:"exchanges"`
}

// TransactionsArgs are the getTransactions arguments.
type TransactionsArgs struct {
	Currency string `json:"currency,omitempty"`
	Search   string `json:"search,omitempty"`
}

// TransactionsResponse keeps transactions undecoded; their shape varies
// by transaction type.
type TransactionsResponse struct {
	Transactions []json.RawMessage `json:"transactions"`
}
