// Package lightning defines the backend contract a mint or wallet uses to
// move funds over the Lightning network, independent of how the backend
// reaches a node (NWC relay tunnel, direct node RPC, ...).
package lightning

import (
	"context"
	"math"
)

// CurrencyUnit is the accounting unit the host runs in.
type CurrencyUnit string

const (
	UnitSat  CurrencyUnit = "sat"
	UnitMsat CurrencyUnit = "msat"
)

// InvoiceState is the lifecycle state of a payment as reported by the
// backend. States only move forward: a settled payment never becomes
// pending again.
type InvoiceState string

const (
	StatePending InvoiceState = "pending"
	StateSettled InvoiceState = "settled"
	StateFailed  InvoiceState = "failed"
	StateExpired InvoiceState = "expired"
)

// Rank orders states for monotone merging. Pending is the only
// non-terminal state.
func (s InvoiceState) Rank() int {
	switch s {
	case StatePending:
		return 0
	case StateExpired:
		return 1
	case StateFailed:
		return 2
	case StateSettled:
		return 3
	}
	return -1
}

// Terminal reports whether the state can change no further.
func (s InvoiceState) Terminal() bool {
	return s == StateSettled || s == StateFailed || s == StateExpired
}

// FeeReserve bounds the routing fee a host reserves before attempting an
// outgoing payment. Values are in the host's currency unit.
type FeeReserve struct {
	// MinFeeReserve is the absolute floor of the reserve.
	MinFeeReserve uint64
	// PercentFeeReserve is the relative reserve in [0, 1].
	PercentFeeReserve float64
}

// Fee computes the advisory reserve for an amount:
// max(MinFeeReserve, ceil(amount * PercentFeeReserve)).
func (f FeeReserve) Fee(amount uint64) uint64 {
	relative := uint64(math.Ceil(float64(amount) * f.PercentFeeReserve))
	if relative < f.MinFeeReserve {
		return f.MinFeeReserve
	}
	return relative
}

// PayResult is the outcome of a successful outgoing payment.
type PayResult struct {
	Preimage     string
	FeesPaidMsat uint64
}

// Invoice is a freshly created incoming payment request.
type Invoice struct {
	Bolt11      string
	PaymentHash string
	ExpiresAt   int64 // unix seconds, 0 if the wallet did not report one
}

// InvoiceStatus is the looked-up state of a payment.
type InvoiceStatus struct {
	PaymentHash string
	State       InvoiceState
	Preimage    string // set once settled, when known
	AmountMsat  uint64
	SettledAt   int64 // unix seconds, 0 if not settled
}

// TransactionType filters transaction listings.
type TransactionType string

const (
	TransactionIncoming TransactionType = "incoming"
	TransactionOutgoing TransactionType = "outgoing"
)

// Transaction is one entry of a transaction listing.
type Transaction struct {
	Type        TransactionType
	Invoice     string
	Description string
	Preimage    string
	PaymentHash string
	AmountMsat  uint64
	FeesPaid    uint64
	CreatedAt   int64
	SettledAt   int64
}

// ListParams selects a window of transactions. Pagination is by timestamp:
// pass the oldest CreatedAt of the previous page as Until on the next call.
type ListParams struct {
	From   int64
	Until  int64
	Limit  int
	Unpaid bool
	Type   TransactionType // empty = both directions
}

// NodeInfo describes the remote wallet/node.
type NodeInfo struct {
	Alias         string
	Pubkey        string
	Network       string
	BlockHeight   uint64
	Methods       []string
	Notifications []string
}

// Settlement is one incoming-payment confirmation pushed by the backend.
type Settlement struct {
	PaymentHash string
	Preimage    string
	AmountMsat  uint64
	FeesPaid    uint64
	SettledAt   int64
}

// HealthState is the pollable connectivity state of a backend.
type HealthState string

const (
	HealthOK       HealthState = "ok"
	HealthDegraded HealthState = "degraded"
)

// Health reports backend connectivity.
type Health struct {
	State           HealthState
	ConnectedRelays int
	TotalRelays     int
}

// Backend is the capability surface a host mint/wallet consumes. All
// blocking operations honor their context.
type Backend interface {
	// PayInvoice pays a bolt11 invoice. amountMsat must be supplied for
	// amountless invoices and is ignored otherwise.
	PayInvoice(ctx context.Context, bolt11 string, amountMsat uint64) (*PayResult, error)

	// GetBalance returns the spendable balance in millisatoshis.
	GetBalance(ctx context.Context) (uint64, error)

	// MakeInvoice creates an incoming payment request.
	MakeInvoice(ctx context.Context, amountMsat uint64, description string, expirySecs uint64) (*Invoice, error)

	// LookupInvoice resolves the state of a payment by payment hash or
	// bolt11 string.
	LookupInvoice(ctx context.Context, ref string) (*InvoiceStatus, error)

	// ListTransactions returns a finite, reverse-chronological window of
	// transactions.
	ListTransactions(ctx context.Context, params ListParams) ([]Transaction, error)

	// GetInfo describes the remote wallet.
	GetInfo(ctx context.Context) (*NodeInfo, error)

	// PaymentQuote returns the advisory fee reserve for an outgoing amount.
	PaymentQuote(amountMsat uint64) uint64

	// Settlements returns a subscription channel of incoming-payment
	// confirmations. Release it with Unsubscribe.
	Settlements() <-chan Settlement

	// Unsubscribe releases a channel obtained from Settlements.
	Unsubscribe(<-chan Settlement)

	// Health reports current connectivity without blocking.
	Health() Health

	// Close releases all resources. Safe to call more than once.
	Close()
}
