// Package taxonomy holds the closed catalogue of numeric error codes reported
// by the wallet engine, and the structured ErrorInfo value the bridge hands
// back to callers in place of opaque error strings.
//
// The catalogue is append-only data. Codes are never renumbered or removed;
// new engine releases only add entries.
package taxonomy

import "strconv"

// ErrorCode is a stable numeric error identifier shared with the engine.
type ErrorCode int32

// Entry describes one catalogue code.
type Entry struct {
	Code ErrorCode
	Name string
	Hint string
	// HTTPStatus is the nominal status class the code originates from.
	// Documentation only; zero when the code does not come from HTTP.
	HTTPStatus int
}

// Version identifies the catalogue revision compiled into this build.
const Version = "2024.11"

// Unknown is the sentinel returned for codes missing from the catalogue.
const Unknown ErrorCode = -1

const (
	None                                      ErrorCode = 0
	Invalid                                   ErrorCode = 1
	GenericClientInternalError                ErrorCode = 2
	GenericClientUnsupportedProtocolVersion   ErrorCode = 3
	GenericInvalidResponse                    ErrorCode = 10
	GenericTimeout                            ErrorCode = 11
	GenericVersionMalformed                   ErrorCode = 12
	GenericReplyMalformed                     ErrorCode = 13
	GenericConfigurationInvalid               ErrorCode = 14
	GenericUnexpectedRequestError             ErrorCode = 15
	GenericTokenPermissionInsufficient        ErrorCode = 16
	GenericMethodInvalid                      ErrorCode = 20
	GenericEndpointUnknown                    ErrorCode = 21
	GenericJSONInvalid                        ErrorCode = 22
	GenericHTTPHeadersMalformed               ErrorCode = 23
	GenericPaytoURIMalformed                  ErrorCode = 24
	GenericParameterMissing                   ErrorCode = 25
	GenericParameterMalformed                 ErrorCode = 26
	GenericReservePubMalformed                ErrorCode = 27
	GenericCompressionInvalid                 ErrorCode = 28
	GenericCurrencyMismatch                   ErrorCode = 30
	GenericURITooLong                         ErrorCode = 31
	GenericUploadExceedsLimit                 ErrorCode = 32
	GenericUnauthorized                       ErrorCode = 40
	GenericDBSetupFailed                      ErrorCode = 50
	GenericDBStartFailed                      ErrorCode = 51
	GenericDBStoreFailed                      ErrorCode = 52
	GenericDBFetchFailed                      ErrorCode = 53
	GenericDBCommitFailed                     ErrorCode = 54
	GenericDBSoftFailure                      ErrorCode = 55
	GenericDBInvariantFailure                 ErrorCode = 56
	GenericInternalInvariantFailure           ErrorCode = 60
	GenericFailedComputeJSONHash              ErrorCode = 61
	GenericFailedComputeAmount                ErrorCode = 62
	GenericParserOutOfMemory                  ErrorCode = 70
	GenericAllocationFailure                  ErrorCode = 71
	WalletExchangeProtocolVersionIncompatible ErrorCode = 7000
	WalletUnexpectedException                 ErrorCode = 7001
	WalletReceivedMalformedResponse           ErrorCode = 7002
	WalletNetworkError                        ErrorCode = 7003
	WalletHTTPRequestThrottled                ErrorCode = 7004
	WalletUnexpectedRequestError              ErrorCode = 7005
	WalletExchangeDenominationsInsufficient   ErrorCode = 7006
	WalletCoreAPIOperationUnknown             ErrorCode = 7007
	WalletInvalidTalerPayURI                  ErrorCode = 7008
	WalletExchangeCoinSignatureInvalid        ErrorCode = 7009
	WalletExchangeWithdrawReserveUnknown      ErrorCode = 7010
	WalletCoreNotAvailable                    ErrorCode = 7011
	WalletWithdrawalOperationAbortedByBank    ErrorCode = 7012
	WalletHTTPRequestGenericTimeout           ErrorCode = 7013
	WalletOrderAlreadyClaimed                 ErrorCode = 7014
	WalletWithdrawalGroupIncomplete           ErrorCode = 7015
	WalletRewardCoinSignatureInvalid          ErrorCode = 7016
	WalletBankIntegrationProtocolIncompatible ErrorCode = 7017
	WalletContractTermsBaseURLMismatch        ErrorCode = 7018
	WalletContractTermsSignatureInvalid       ErrorCode = 7019
	WalletContractTermsMalformed              ErrorCode = 7020
	WalletPendingOperationFailed              ErrorCode = 7021
	WalletPayMerchantServerError              ErrorCode = 7022
	WalletCryptoWorkerError                   ErrorCode = 7023
	WalletCryptoWorkerBadRequest              ErrorCode = 7024
	WalletWithdrawalKYCRequired               ErrorCode = 7025
	WalletDepositGroupInsufficientBalance     ErrorCode = 7026
	WalletPeerPushPaymentInsufficientBalance  ErrorCode = 7027
	WalletPeerPullPaymentInsufficientBalance  ErrorCode = 7028
	WalletRefundGroupIncomplete               ErrorCode = 7029
	WalletExchangeBaseURLMismatch             ErrorCode = 7030
	WalletOrderAlreadyPaid                    ErrorCode = 7031
)

var catalogue = []Entry{
	{None, "NONE", "Special code to indicate success (no error).", 0},
	{Invalid, "INVALID", "An error response did not include an error code in the format expected by the client.", 0},
	{GenericClientInternalError, "GENERIC_CLIENT_INTERNAL_ERROR", "An internal failure happened on the client side.", 0},
	{GenericClientUnsupportedProtocolVersion, "GENERIC_CLIENT_UNSUPPORTED_PROTOCOL_VERSION", "The client does not support the protocol version advertised by the server.", 0},
	{GenericInvalidResponse, "GENERIC_INVALID_RESPONSE", "The response we got from the server was not in the expected format.", 0},
	{GenericTimeout, "GENERIC_TIMEOUT", "The operation timed out.", 0},
	{GenericVersionMalformed, "GENERIC_VERSION_MALFORMED", "The protocol version given by the server does not follow the required format.", 0},
	{GenericReplyMalformed, "GENERIC_REPLY_MALFORMED", "The service responded with a reply that was in the right data format, but the content was invalid.", 0},
	{GenericConfigurationInvalid, "GENERIC_CONFIGURATION_INVALID", "There is an error in the client-side configuration.", 0},
	{GenericUnexpectedRequestError, "GENERIC_UNEXPECTED_REQUEST_ERROR", "The client made a request to a service, but received an error response it does not know how to handle.", 0},
	{GenericTokenPermissionInsufficient, "GENERIC_TOKEN_PERMISSION_INSUFFICIENT", "The token used by the client to authorize the request does not grant the required permissions.", 403},
	{GenericMethodInvalid, "GENERIC_METHOD_INVALID", "The HTTP method used is invalid for this endpoint.", 405},
	{GenericEndpointUnknown, "GENERIC_ENDPOINT_UNKNOWN", "There is no endpoint defined for the URL provided by the client.", 404},
	{GenericJSONInvalid, "GENERIC_JSON_INVALID", "The JSON in the client's request was malformed.", 400},
	{GenericHTTPHeadersMalformed, "GENERIC_HTTP_HEADERS_MALFORMED", "Some of the HTTP headers provided by the client were malformed.", 400},
	{GenericPaytoURIMalformed, "GENERIC_PAYTO_URI_MALFORMED", "The payto:// URI provided by the client is malformed.", 400},
	{GenericParameterMissing, "GENERIC_PARAMETER_MISSING", "A required parameter in the request was missing.", 400},
	{GenericParameterMalformed, "GENERIC_PARAMETER_MALFORMED", "A parameter in the request was malformed.", 400},
	{GenericReservePubMalformed, "GENERIC_RESERVE_PUB_MALFORMED", "The reserve public key was malformed.", 400},
	{GenericCompressionInvalid, "GENERIC_COMPRESSION_INVALID", "The body in the request could not be decompressed.", 400},
	{GenericCurrencyMismatch, "GENERIC_CURRENCY_MISMATCH", "The currency involved in the operation is not acceptable.", 400},
	{GenericURITooLong, "GENERIC_URI_TOO_LONG", "The URI is longer than the longest URI the service is willing to parse.", 414},
	{GenericUploadExceedsLimit, "GENERIC_UPLOAD_EXCEEDS_LIMIT", "The body is too large to be permissible for the endpoint.", 413},
	{GenericUnauthorized, "GENERIC_UNAUTHORIZED", "The service refused the request due to lack of proper authorization.", 401},
	{GenericDBSetupFailed, "GENERIC_DB_SETUP_FAILED", "The service failed initialize its connection to the database.", 500},
	{GenericDBStartFailed, "GENERIC_DB_START_FAILED", "The service encountered an error event to just start the database transaction.", 500},
	{GenericDBStoreFailed, "GENERIC_DB_STORE_FAILED", "The service failed to store information in its database.", 500},
	{GenericDBFetchFailed, "GENERIC_DB_FETCH_FAILED", "The service failed to fetch information from its database.", 500},
	{GenericDBCommitFailed, "GENERIC_DB_COMMIT_FAILED", "The service encountered an error event to commit the database transaction.", 500},
	{GenericDBSoftFailure, "GENERIC_DB_SOFT_FAILURE", "The service encountered an error event to commit the database transaction, even after repeatedly retrying it.", 500},
	{GenericDBInvariantFailure, "GENERIC_DB_INVARIANT_FAILURE", "The service's database is inconsistent and violates service-internal invariants.", 500},
	{GenericInternalInvariantFailure, "GENERIC_INTERNAL_INVARIANT_FAILURE", "The HTTP server experienced an internal invariant failure (bug).", 500},
	{GenericFailedComputeJSONHash, "GENERIC_FAILED_COMPUTE_JSON_HASH", "The service could not compute a cryptographic hash over some JSON value.", 500},
	{GenericFailedComputeAmount, "GENERIC_FAILED_COMPUTE_AMOUNT", "The service could not compute an amount.", 500},
	{GenericParserOutOfMemory, "GENERIC_PARSER_OUT_OF_MEMORY", "The HTTP server had insufficient memory to parse the request.", 500},
	{GenericAllocationFailure, "GENERIC_ALLOCATION_FAILURE", "The HTTP server failed to allocate memory.", 500},
	{WalletExchangeProtocolVersionIncompatible, "WALLET_EXCHANGE_PROTOCOL_VERSION_INCOMPATIBLE", "The exchange does not support the protocol version of the wallet.", 501},
	{WalletUnexpectedException, "WALLET_UNEXPECTED_EXCEPTION", "The wallet encountered an unexpected exception.", 0},
	{WalletReceivedMalformedResponse, "WALLET_RECEIVED_MALFORMED_RESPONSE", "The wallet received a response from a server, but the response can't be parsed.", 0},
	{WalletNetworkError, "WALLET_NETWORK_ERROR", "The wallet tried to make a network request, but it received no response.", 0},
	{WalletHTTPRequestThrottled, "WALLET_HTTP_REQUEST_THROTTLED", "The wallet tried to make a network request, but it was throttled.", 0},
	{WalletUnexpectedRequestError, "WALLET_UNEXPECTED_REQUEST_ERROR", "The wallet made a request to a service, but received an error response it does not know how to handle.", 0},
	{WalletExchangeDenominationsInsufficient, "WALLET_EXCHANGE_DENOMINATIONS_INSUFFICIENT", "The denominations offered by the exchange are insufficient.", 0},
	{WalletCoreAPIOperationUnknown, "WALLET_CORE_API_OPERATION_UNKNOWN", "The wallet does not support the operation requested by a client.", 0},
	{WalletInvalidTalerPayURI, "WALLET_INVALID_TALER_PAY_URI", "The given taler://pay URI is invalid.", 0},
	{WalletExchangeCoinSignatureInvalid, "WALLET_EXCHANGE_COIN_SIGNATURE_INVALID", "The signature on a coin by the exchange's denomination key is invalid.", 0},
	{WalletExchangeWithdrawReserveUnknown, "WALLET_EXCHANGE_WITHDRAW_RESERVE_UNKNOWN_AT_EXCHANGE", "The exchange does not know about the reserve (yet), and thus withdrawal can't progress.", 0},
	{WalletCoreNotAvailable, "WALLET_CORE_NOT_AVAILABLE", "The wallet core service is not available.", 0},
	{WalletWithdrawalOperationAbortedByBank, "WALLET_WITHDRAWAL_OPERATION_ABORTED_BY_BANK", "The bank has aborted a withdrawal operation.", 0},
	{WalletHTTPRequestGenericTimeout, "WALLET_HTTP_REQUEST_GENERIC_TIMEOUT", "An HTTP request made by the wallet timed out.", 0},
	{WalletOrderAlreadyClaimed, "WALLET_ORDER_ALREADY_CLAIMED", "The order has already been claimed by another wallet.", 0},
	{WalletWithdrawalGroupIncomplete, "WALLET_WITHDRAWAL_GROUP_INCOMPLETE", "A group of withdrawal operations (typically for the same reserve) is incomplete.", 0},
	{WalletRewardCoinSignatureInvalid, "WALLET_REWARD_COIN_SIGNATURE_INVALID", "The signature on a coin by the exchange's denomination key (obtained through the merchant via a reward) is invalid.", 0},
	{WalletBankIntegrationProtocolIncompatible, "WALLET_BANK_INTEGRATION_PROTOCOL_VERSION_INCOMPATIBLE", "The wallet does not implement a version of the bank integration API that is compatible with the version offered by the bank.", 0},
	{WalletContractTermsBaseURLMismatch, "WALLET_CONTRACT_TERMS_BASE_URL_MISMATCH", "The wallet processed a taler://pay URI, but the merchant base URL in the downloaded contract terms does not match.", 0},
	{WalletContractTermsSignatureInvalid, "WALLET_CONTRACT_TERMS_SIGNATURE_INVALID", "The merchant's signature on the contract terms is invalid.", 0},
	{WalletContractTermsMalformed, "WALLET_CONTRACT_TERMS_MALFORMED", "The contract terms given by the merchant are malformed.", 0},
	{WalletPendingOperationFailed, "WALLET_PENDING_OPERATION_FAILED", "A pending operation failed, and thus the request can't be completed.", 0},
	{WalletPayMerchantServerError, "WALLET_PAY_MERCHANT_SERVER_ERROR", "A payment was attempted, but the merchant had an internal server error (5xx).", 0},
	{WalletCryptoWorkerError, "WALLET_CRYPTO_WORKER_ERROR", "The crypto worker failed.", 0},
	{WalletCryptoWorkerBadRequest, "WALLET_CRYPTO_WORKER_BAD_REQUEST", "The crypto worker received a bad request.", 0},
	{WalletWithdrawalKYCRequired, "WALLET_WITHDRAWAL_KYC_REQUIRED", "A KYC step is required before withdrawal can proceed.", 0},
	{WalletDepositGroupInsufficientBalance, "WALLET_DEPOSIT_GROUP_INSUFFICIENT_BALANCE", "The wallet does not have sufficient balance to create a deposit group.", 0},
	{WalletPeerPushPaymentInsufficientBalance, "WALLET_PEER_PUSH_PAYMENT_INSUFFICIENT_BALANCE", "The wallet does not have sufficient balance to create a peer push payment.", 0},
	{WalletPeerPullPaymentInsufficientBalance, "WALLET_PEER_PULL_PAYMENT_INSUFFICIENT_BALANCE", "The wallet does not have sufficient balance to pay for an invoice.", 0},
	{WalletRefundGroupIncomplete, "WALLET_REFUND_GROUP_INCOMPLETE", "A group of refresh operations is incomplete.", 0},
	{WalletExchangeBaseURLMismatch, "WALLET_EXCHANGE_BASE_URL_MISMATCH", "The exchange base URL used for a request does not match the one advertised by the exchange.", 0},
	{WalletOrderAlreadyPaid, "WALLET_ORDER_ALREADY_PAID", "The order has already been paid by another wallet.", 0},
}

var byCode = func() map[ErrorCode]Entry {
	m := make(map[ErrorCode]Entry, len(catalogue))
	for _, e := range catalogue {
		m[e.Code] = e
	}
	return m
}()

// FromCode returns the catalogue entry for n. Codes missing from the
// catalogue map to an Unknown entry whose Hint carries n for diagnostics.
func FromCode(n int64) Entry {
	if n >= -1<<31 && n < 1<<31 {
		if e, ok := byCode[ErrorCode(n)]; ok {
			return e
		}
	}
	return unknownEntry(n)
}

// Lookup reports whether code is a catalogue member.
func Lookup(code ErrorCode) (Entry, bool) {
	e, ok := byCode[code]
	return e, ok
}

// Entries returns a copy of the catalogue in declaration order.
func Entries() []Entry {
	out := make([]Entry, len(catalogue))
	copy(out, catalogue)
	return out
}

// Name returns the symbolic name, or "UNKNOWN" for codes outside the catalogue.
func (c ErrorCode) Name() string {
	if e, ok := byCode[c]; ok {
		return e.Name
	}
	return "UNKNOWN"
}

func (c ErrorCode) String() string {
	return c.Name()
}

func unknownEntry(n int64) Entry {
	return Entry{
		Code: Unknown,
		Name: "UNKNOWN",
		Hint: "unrecognized error code " + strconv.FormatInt(n, 10),
	}
}
