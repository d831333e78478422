package wallet

import "github.com/rexliu/walletbridge/pkg/envelope"

// Notification kinds the engine emits.
const (
	NotifyBalanceChange              = "balance-change"
	NotifyTransactionStateTransition = "transaction-state-transition"
	NotifyExchangeStateTransition    = "exchange-state-transition"
	NotifyPendingOperationProcessed  = "pending-operation-processed"
	// NotifyWaitingForRetry is the engine's keep-alive. It carries no state
	// change.
	NotifyWaitingForRetry = "waiting-for-retry"
)

// IsKeepAlive reports whether n is a keep-alive ping. Subscribers use it to
// avoid reloading state; routers deliver keep-alives like anything else.
func IsKeepAlive(n envelope.Notification) bool {
	return n.Type == NotifyWaitingForRetry
}

// SkipKeepAlive wraps fn so keep-alive pings do not reach it.
func SkipKeepAlive(fn func(envelope.Notification)) func(envelope.Notification) {
	return func(n envelope.Notification) {
		if IsKeepAlive(n) {
			return
		}
		fn(n)
	}
}
