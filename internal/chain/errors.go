package chain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a chain operation failure. The retry policy keys its
// behavior off this classification, so every error that leaves this package
// carries one.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindConnection
	KindTimeout
	KindRateLimited
	KindInsufficientGas
	KindNonce
	KindUnderpriced
	KindGasCap
	KindReverted
	KindBlockNotFound
	KindTxNotFound
	KindContractNotFound
	KindCircuitBreaker
	KindMaxRetryReached
	KindInvalidKeyMaterial
	KindWalletNotFound
	KindNotImplemented
)

// String returns the kind's canonical name.
func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "ConnectionError"
	case KindTimeout:
		return "Timeout"
	case KindRateLimited:
		return "RateLimited"
	case KindInsufficientGas:
		return "InsufficientGas"
	case KindNonce:
		return "NonceError"
	case KindUnderpriced:
		return "Underpriced"
	case KindGasCap:
		return "GasCap"
	case KindReverted:
		return "Reverted"
	case KindBlockNotFound:
		return "BlockNotFound"
	case KindTxNotFound:
		return "TxNotFound"
	case KindContractNotFound:
		return "ContractNotFound"
	case KindCircuitBreaker:
		return "CircuitBreakerTriggered"
	case KindMaxRetryReached:
		return "MaxRetryReached"
	case KindInvalidKeyMaterial:
		return "InvalidKeyMaterial"
	case KindWalletNotFound:
		return "WalletNotFound"
	case KindNotImplemented:
		return "NotImplemented"
	default:
		return "Unknown"
	}
}

// Error is the typed error surfaced by all chain operations.
type Error struct {
	Kind     ErrorKind
	Msg      string
	Attempts int // populated for MaxRetryReached
	Err      error
}

// NewError creates a typed chain error.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// WrapError wraps an underlying error under a classification.
func WrapError(kind ErrorKind, err error) *Error {
	if err == nil {
		return &Error{Kind: kind}
	}
	return &Error{Kind: kind, Msg: err.Error(), Err: err}
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is works without comparing
// messages.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Suggestion returns a human-readable recovery hint for the error kind.
func (e *Error) Suggestion() string {
	switch e.Kind {
	case KindConnection:
		return "check RPC endpoint reachability or add backup endpoints"
	case KindTimeout:
		return "increase the operation timeout or use a faster endpoint"
	case KindRateLimited:
		return "lower max_requests_per_second or add endpoints"
	case KindInsufficientGas:
		return "raise the gas limit for this transaction"
	case KindNonce:
		return "re-sync the nonce cache for this wallet"
	case KindUnderpriced:
		return "raise the gas price or wait for lower congestion"
	case KindGasCap:
		return "lower gas price below the chain's max_gas_price"
	case KindReverted:
		return "inspect the revert reason; the contract rejected the call"
	case KindCircuitBreaker:
		return "wait for the breaker window to elapse or add endpoints"
	case KindMaxRetryReached:
		return "all retry attempts exhausted; inspect the underlying error"
	case KindInvalidKeyMaterial:
		return "verify the private key or mnemonic phrase"
	case KindWalletNotFound:
		return "check the wallet address or import the wallet first"
	case KindNotImplemented:
		return "this chain type does not support the operation"
	default:
		return "retry the operation or inspect the RPC error"
	}
}

// KindOf extracts the classification from err, classifying raw errors by
// message when no *Error is present in the chain.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Classify(err)
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// Classify maps a raw RPC or transport error to an ErrorKind by inspecting
// its message. Node implementations disagree on wording, so matching is
// deliberately loose and lowercase.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "nonce too high"),
		strings.Contains(msg, "invalid nonce"),
		strings.Contains(msg, "already known"),
		strings.Contains(msg, "replacement transaction"):
		return KindNonce
	case strings.Contains(msg, "underpriced"),
		strings.Contains(msg, "fee too low"),
		strings.Contains(msg, "tip too low"):
		return KindUnderpriced
	case strings.Contains(msg, "intrinsic gas too low"),
		strings.Contains(msg, "out of gas"),
		strings.Contains(msg, "gas required exceeds"):
		return KindInsufficientGas
	case strings.Contains(msg, "exceeds the configured cap"),
		strings.Contains(msg, "fee cap"),
		strings.Contains(msg, "gas price too high"):
		return KindGasCap
	case strings.Contains(msg, "execution reverted"),
		strings.Contains(msg, "revert"):
		return KindReverted
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "429"):
		return KindRateLimited
	case strings.Contains(msg, "block not found"),
		strings.Contains(msg, "unknown block"),
		strings.Contains(msg, "header not found"):
		return KindBlockNotFound
	case strings.Contains(msg, "transaction not found"),
		strings.Contains(msg, "tx not found"):
		return KindTxNotFound
	case strings.Contains(msg, "no contract code"),
		strings.Contains(msg, "contract not found"):
		return KindContractNotFound
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "context deadline"):
		return KindTimeout
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "eof"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "bad gateway"):
		return KindConnection
	default:
		return KindUnknown
	}
}
