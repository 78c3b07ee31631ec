package nwc

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Everything the package returns wraps one of these or is
// one of the typed errors below, so callers can errors.Is/As on the
// category without string matching.
var (
	// ErrInvalidURI marks an unusable connection string. Construction-fatal.
	ErrInvalidURI = errors.New("invalid wallet connect URI")

	// ErrTimeout marks a request that saw no matching response within its
	// deadline. Recoverable: retry with a fresh request.
	ErrTimeout = errors.New("request timed out")

	// ErrDecryptionFailed marks an envelope that could not be authenticated
	// and decrypted. Such events are dropped, never surfaced to a caller
	// directly.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrClosed marks use of a backend after Close.
	ErrClosed = errors.New("backend closed")

	// ErrInvalidAmount marks a request rejected locally before reaching the
	// wallet, such as creating an invoice over zero millisatoshis.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidReference marks a lookup argument that is neither a payment
	// hash nor a bolt11 invoice.
	ErrInvalidReference = errors.New("invalid payment reference")
)

func invalidURIf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidURI, fmt.Sprintf(format, args...))
}

// ConfigurationError is construction-fatal: the remote wallet does not
// advertise a capability this backend requires.
type ConfigurationError struct {
	MissingMethods       []string
	MissingNotifications []string
}

func (e *ConfigurationError) Error() string {
	var parts []string
	if len(e.MissingMethods) > 0 {
		parts = append(parts, "methods: "+strings.Join(e.MissingMethods, ", "))
	}
	if len(e.MissingNotifications) > 0 {
		parts = append(parts, "notifications: "+strings.Join(e.MissingNotifications, ", "))
	}
	return "wallet missing required capabilities (" + strings.Join(parts, "; ") + ")"
}

// ConnectionError surfaces only once every configured relay has failed;
// individual relay failures are retried by the transport.
type ConnectionError struct {
	Op     string
	Relays int
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s failed on all %d relays: %v", e.Op, e.Relays, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError marks a malformed or unauthenticated event. Non-fatal: the
// event is logged and dropped, and any pending request it might have
// answered simply runs to its own timeout.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return "protocol error: " + e.Reason + ": " + e.Err.Error()
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Standard wallet error codes (NIP-47).
const (
	CodeRateLimited         = "RATE_LIMITED"
	CodeNotImplemented      = "NOT_IMPLEMENTED"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeQuotaExceeded       = "QUOTA_EXCEEDED"
	CodeRestricted          = "RESTRICTED"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeInternal            = "INTERNAL"
	CodeOther               = "OTHER"
	CodePaymentFailed       = "PAYMENT_FAILED"
	CodeNotFound            = "NOT_FOUND"
)

// RemoteError is an explicit error returned by the wallet. It reflects a
// business decision (insufficient balance, unknown invoice, ...) and is
// never auto-retried.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("wallet error %s: %s", e.Code, e.Message)
}

// IsRetryable reports whether a failed call might succeed if repeated with
// a fresh request id. Remote errors are business decisions and excluded,
// with the sole exception of rate limiting.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return true
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Code == CodeRateLimited
	}
	return false
}
