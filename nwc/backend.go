// Package nwc implements a Lightning payment backend that reaches a remote
// wallet over Nostr Wallet Connect: encrypted request/response events plus
// a live settlement notification stream, tunneled through relays.
package nwc

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/gudnuf/cdk/lightning"
)

// defaultRequestTimeout bounds a single round trip. Some deployed wallets
// simply never answer, so a call must not hang forever.
const defaultRequestTimeout = 15 * time.Second

// Config tunes a backend. Zero values select working defaults.
type Config struct {
	// FeeReserve parameterizes PaymentQuote.
	FeeReserve lightning.FeeReserve
	// Unit is the host's accounting unit. Default msat.
	Unit lightning.CurrencyUnit
	// Encryption selects the payload scheme. Default NIP-04 (what most
	// deployed wallets speak); decryption accepts both regardless.
	Encryption EncryptionScheme
	// RequestTimeout is the per-call response deadline.
	RequestTimeout time.Duration
	// Store overrides the settlement table, e.g. with a redis-backed one
	// shared across mint instances. Default: in-memory, bounded.
	Store SettlementStore
	// Bus overrides the relay transport. Default: a websocket pool over
	// the URI's relays.
	Bus RelayBus
	// Clock is injectable for deterministic tests. Default: wall clock.
	Clock clock.Clock
}

func (c *Config) validate() error {
	if c.FeeReserve.PercentFeeReserve < 0 || c.FeeReserve.PercentFeeReserve > 1 {
		return fmt.Errorf("percent_fee_reserve must be in [0, 1], got %v", c.FeeReserve.PercentFeeReserve)
	}
	if c.Unit == "" {
		c.Unit = lightning.UnitMsat
	}
	if c.Encryption == "" {
		c.Encryption = EncryptionNIP04
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return nil
}

// Backend is the NWC implementation of lightning.Backend.
type Backend struct {
	conn  *ConnectionConfig
	keys  *keyMaterial
	cfg   Config
	bus   RelayBus
	corr  *correlator
	lst   *listener
	store SettlementStore

	ownStore bool
	cancel   context.CancelFunc
}

var _ lightning.Backend = (*Backend)(nil)

// New parses the connection string, connects, verifies the wallet's
// capabilities with get_info, and starts the notification listener. It
// fails fast with ErrInvalidURI or a *ConfigurationError.
func New(ctx context.Context, uri string, cfg Config) (*Backend, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	conn, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	keys, err := deriveKeys(conn.secret, conn.WalletPubkey, cfg.Encryption)
	if err != nil {
		return nil, err
	}

	bus := cfg.Bus
	if bus == nil {
		bus = newRelayPool(conn.Relays)
	}

	store := cfg.Store
	ownStore := false
	if store == nil {
		store = NewMemorySettlementStore(cfg.Clock)
		ownStore = true
	}

	runCtx, cancel := context.WithCancel(context.Background())

	b := &Backend{
		conn:     conn,
		keys:     keys,
		cfg:      cfg,
		bus:      bus,
		store:    store,
		ownStore: ownStore,
		cancel:   cancel,
		corr:     newCorrelator(keys, bus, conn.WalletPubkey, len(conn.Relays), cfg.Clock),
	}
	b.lst = newListener(keys, bus, conn.WalletPubkey, store, cfg.Clock)

	// The response subscription must be live before the first request goes
	// out; responses are ephemeral events relays never store.
	if err := b.corr.start(runCtx); err != nil {
		b.Close()
		return nil, err
	}

	if err := b.checkCapabilities(ctx); err != nil {
		b.Close()
		return nil, err
	}

	go b.lst.run(runCtx)

	slog.Info("nwc backend ready",
		"wallet", shortID(conn.WalletPubkey), "relays", len(conn.Relays), "unit", cfg.Unit)
	return b, nil
}

// checkCapabilities fails construction when the wallet lacks any required
// method or the payment_received notification.
func (b *Backend) checkCapabilities(ctx context.Context) error {
	var info getInfoResult
	if err := b.call(ctx, methodGetInfo, nil, &info); err != nil {
		return err
	}

	missing := missingCapabilities(info.Methods, requiredMethods)
	missingNotifs := missingCapabilities(info.Notifications, []string{notificationPaymentReceived})
	if len(missing) > 0 || len(missingNotifs) > 0 {
		return &ConfigurationError{
			MissingMethods:       missing,
			MissingNotifications: missingNotifs,
		}
	}
	return nil
}

// call runs one request/response round trip under the configured deadline.
func (b *Backend) call(ctx context.Context, method string, params, out any) error {
	id, err := b.corr.send(ctx, method, params)
	if err != nil {
		return err
	}
	resp, err := b.corr.await(ctx, id, b.cfg.RequestTimeout)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return decodeResult(resp, out)
}

// PayInvoice pays a bolt11 invoice through the wallet. amountMsat must be
// given for amountless invoices. The returned fees_paid is authoritative;
// a shortfall against the quoted reserve is only an accounting warning,
// since the payment already succeeded.
func (b *Backend) PayInvoice(ctx context.Context, bolt11 string, amountMsat uint64) (*lightning.PayResult, error) {
	params := payInvoiceParams{Invoice: bolt11, Amount: amountMsat}

	var result payInvoiceResult
	if err := b.call(ctx, methodPayInvoice, params, &result); err != nil {
		return nil, err
	}

	var fees uint64
	if result.FeesPaid != nil {
		fees = *result.FeesPaid
	}
	if amountMsat > 0 {
		if reserve := b.PaymentQuote(amountMsat); fees > reserve {
			slog.Warn("routing fee exceeded reserve",
				"fees_paid_msat", fees, "reserve_msat", reserve)
		}
	}

	return &lightning.PayResult{Preimage: result.Preimage, FeesPaidMsat: fees}, nil
}

// GetBalance returns the wallet's balance in millisatoshis.
func (b *Backend) GetBalance(ctx context.Context) (uint64, error) {
	var result getBalanceResult
	if err := b.call(ctx, methodGetBalance, nil, &result); err != nil {
		return 0, err
	}
	return result.Balance, nil
}

// MakeInvoice creates an incoming payment request. The wallet requires an
// amount; zero is rejected locally.
func (b *Backend) MakeInvoice(ctx context.Context, amountMsat uint64, description string, expirySecs uint64) (*lightning.Invoice, error) {
	if amountMsat == 0 {
		return nil, fmt.Errorf("%w: amount is required", ErrInvalidAmount)
	}

	params := makeInvoiceParams{Amount: amountMsat, Description: description, Expiry: expirySecs}
	var result makeInvoiceResult
	if err := b.call(ctx, methodMakeInvoice, params, &result); err != nil {
		return nil, err
	}

	// Track the invoice so a missed notification still resolves quickly.
	b.store.Upsert(ctx, SettlementRecord{
		PaymentHash: result.PaymentHash,
		State:       lightning.StatePending,
		AmountMsat:  amountMsat,
	})

	return &lightning.Invoice{
		Bolt11:      result.Invoice,
		PaymentHash: result.PaymentHash,
		ExpiresAt:   result.ExpiresAt,
	}, nil
}

// LookupInvoice resolves the state of a payment. ref is either a payment
// hash (64 hex chars) or a bolt11 string. A settled entry in the local
// settlement table short-circuits the remote call; otherwise the wallet is
// asked and the table updated, monotonically.
func (b *Backend) LookupInvoice(ctx context.Context, ref string) (*lightning.InvoiceStatus, error) {
	params, paymentHash, err := lookupParams(ref)
	if err != nil {
		return nil, err
	}

	if paymentHash != "" {
		if rec, _ := b.store.Get(ctx, paymentHash); rec != nil && rec.State == lightning.StateSettled {
			return statusFromRecord(rec), nil
		}
	}

	var result transactionRecord
	if err := b.call(ctx, methodLookupInvoice, params, &result); err != nil {
		return nil, err
	}

	state := lightning.StatePending
	switch {
	case result.SettledAt != 0 || result.Preimage != "":
		state = lightning.StateSettled
	case result.ExpiresAt != 0 && result.ExpiresAt < b.cfg.Clock.Now().Unix():
		state = lightning.StateExpired
	}

	merged, _, err := b.store.Upsert(ctx, SettlementRecord{
		PaymentHash: result.PaymentHash,
		State:       state,
		Preimage:    result.Preimage,
		AmountMsat:  result.Amount,
		FeesPaid:    result.FeesPaid,
		SettledAt:   result.SettledAt,
	})
	if err != nil {
		// Table trouble must not hide the wallet's answer.
		merged = SettlementRecord{
			PaymentHash: result.PaymentHash,
			State:       state,
			Preimage:    result.Preimage,
			AmountMsat:  result.Amount,
			SettledAt:   result.SettledAt,
		}
	}
	return statusFromRecord(&merged), nil
}

// ListTransactions returns a finite reverse-chronological window. For the
// next page, pass the oldest CreatedAt seen as params.Until.
func (b *Backend) ListTransactions(ctx context.Context, params lightning.ListParams) ([]lightning.Transaction, error) {
	req := listTransactionsParams{
		From:   params.From,
		Until:  params.Until,
		Limit:  params.Limit,
		Unpaid: params.Unpaid,
		Type:   string(params.Type),
	}
	var result listTransactionsResult
	if err := b.call(ctx, methodListTransactions, req, &result); err != nil {
		return nil, err
	}

	txs := make([]lightning.Transaction, 0, len(result.Transactions))
	for _, tr := range result.Transactions {
		txs = append(txs, lightning.Transaction{
			Type:        lightning.TransactionType(tr.Type),
			Invoice:     tr.Invoice,
			Description: tr.Description,
			Preimage:    tr.Preimage,
			PaymentHash: tr.PaymentHash,
			AmountMsat:  tr.Amount,
			FeesPaid:    tr.FeesPaid,
			CreatedAt:   tr.CreatedAt,
			SettledAt:   tr.SettledAt,
		})
	}
	return txs, nil
}

// GetInfo describes the remote wallet.
func (b *Backend) GetInfo(ctx context.Context) (*lightning.NodeInfo, error) {
	var result getInfoResult
	if err := b.call(ctx, methodGetInfo, nil, &result); err != nil {
		return nil, err
	}
	return &lightning.NodeInfo{
		Alias:         result.Alias,
		Pubkey:        result.Pubkey,
		Network:       result.Network,
		BlockHeight:   result.BlockHeight,
		Methods:       result.Methods,
		Notifications: result.Notifications,
	}, nil
}

// PaymentQuote returns the advisory fee reserve for an outgoing amount:
// max(min_fee_reserve, ceil(amount * percent_fee_reserve)).
func (b *Backend) PaymentQuote(amountMsat uint64) uint64 {
	return b.cfg.FeeReserve.Fee(amountMsat)
}

// Settlements returns a channel of incoming-payment confirmations.
func (b *Backend) Settlements() <-chan lightning.Settlement {
	return b.lst.subscribe()
}

// Unsubscribe releases a channel obtained from Settlements.
func (b *Backend) Unsubscribe(ch <-chan lightning.Settlement) {
	b.lst.unsubscribe(ch)
}

// Health reports connectivity without blocking: degraded when no relay is
// connected or the notification stream is down.
func (b *Backend) Health() lightning.Health {
	status := b.bus.Status()
	connected := 0
	for _, ok := range status {
		if ok {
			connected++
		}
	}
	h := lightning.Health{
		State:           lightning.HealthOK,
		ConnectedRelays: connected,
		TotalRelays:     len(status),
	}
	if connected == 0 || !b.lst.isHealthy() {
		h.State = lightning.HealthDegraded
	}
	return h
}

// Close stops the background tasks and releases every resource. Safe to
// call more than once.
func (b *Backend) Close() {
	b.cancel()
	b.corr.close()
	b.lst.closeSubscribers()
	b.bus.Close()
	if b.ownStore {
		b.store.Close()
	}
}

// lookupParams builds lookup_invoice parameters from a payment hash or
// bolt11 reference.
func lookupParams(ref string) (lookupInvoiceParams, string, error) {
	ref = strings.TrimSpace(ref)
	if isHex64(ref) {
		return lookupInvoiceParams{PaymentHash: strings.ToLower(ref)}, strings.ToLower(ref), nil
	}
	if strings.HasPrefix(strings.ToLower(ref), "ln") {
		return lookupInvoiceParams{Invoice: ref}, "", nil
	}
	return lookupInvoiceParams{}, "", fmt.Errorf("%w: %q is neither a payment hash nor a bolt11 invoice", ErrInvalidReference, ref)
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	if _, err := hex.DecodeString(strings.ToLower(s)); err != nil {
		return false
	}
	return true
}

func statusFromRecord(rec *SettlementRecord) *lightning.InvoiceStatus {
	return &lightning.InvoiceStatus{
		PaymentHash: rec.PaymentHash,
		State:       rec.State,
		Preimage:    rec.Preimage,
		AmountMsat:  rec.AmountMsat,
		SettledAt:   rec.SettledAt,
	}
}
