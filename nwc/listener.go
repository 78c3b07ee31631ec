package nwc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/gudnuf/cdk/lightning"
)

// sinceSafetyMargin is subtracted from the resubscription cursor so an
// outage cannot swallow events published just before the disconnect.
// Replayed events are harmless: settlement upserts are idempotent.
const sinceSafetyMargin = 60 * time.Second

// listener owns the one persistent notification subscription of a backend.
// It feeds the settlement table and fans settlements out to host
// subscribers. It never blocks an RPC call and survives malformed events.
type listener struct {
	keys         *keyMaterial
	bus          RelayBus
	walletPubkey string
	store        SettlementStore
	clk          clock.Clock

	mu          sync.Mutex
	subscribers map[<-chan lightning.Settlement]chan lightning.Settlement
	lastEvent   int64 // created_at of the newest processed event
	healthy     bool
	closed      bool
}

func newListener(keys *keyMaterial, bus RelayBus, walletPubkey string, store SettlementStore, clk clock.Clock) *listener {
	return &listener{
		keys:         keys,
		bus:          bus,
		walletPubkey: walletPubkey,
		store:        store,
		clk:          clk,
		subscribers:  make(map[<-chan lightning.Settlement]chan lightning.Settlement),
		lastEvent:    clk.Now().Unix(),
	}
}

// run keeps the subscription alive for the backend's lifetime. Reconnects
// use exponential backoff and resume from the last processed event time
// minus a safety margin.
func (l *listener) run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		l.mu.Lock()
		since := l.lastEvent - int64(sinceSafetyMargin/time.Second)
		l.mu.Unlock()

		sub, err := l.bus.Subscribe(ctx, Filter{
			Kinds:   []int{kindNotification, kindNotificationV2},
			Authors: []string{l.walletPubkey},
			PTags:   []string{l.keys.pubkey},
			Since:   since,
		})
		if err != nil {
			l.setHealthy(false)
			slog.Debug("listener: subscribe failed, backing off",
				"error", err, "backoff", backoff)
		} else {
			l.setHealthy(true)
			healthySince := l.clk.Now()
			for ev := range sub.Events {
				l.handleNotification(&ev)
			}
			sub.Close()
			l.setHealthy(false)
			listenerReconnects.Add(1)
			// A session that lived for a while resets the backoff.
			if l.clk.Now().Sub(healthySince) > time.Minute {
				backoff = time.Second
			}
			slog.Debug("listener: notification stream ended, reconnecting")
		}

		select {
		case <-ctx.Done():
			return
		case <-l.clk.After(backoff):
		}
		backoff *= 2
		if backoff > time.Minute {
			backoff = time.Minute
		}
	}
}

// handleNotification ingests one relay event. Any failure drops just this
// event; the subscription keeps running.
func (l *listener) handleNotification(ev *Event) {
	if ev.Pubkey != l.walletPubkey {
		return
	}
	if ev.Kind != kindNotification && ev.Kind != kindNotificationV2 {
		return
	}
	if err := verifyEvent(ev); err != nil {
		protocolErrors.Add(1)
		slog.Debug("listener: dropping unverifiable notification",
			"event_id", shortID(ev.ID), "error", err)
		return
	}

	plaintext, err := l.keys.decrypt(ev.Content)
	if err != nil {
		protocolErrors.Add(1)
		slog.Debug("listener: dropping undecryptable notification",
			"event_id", shortID(ev.ID), "error", err)
		return
	}

	kind, record, err := decodeNotification(plaintext)
	if err != nil {
		protocolErrors.Add(1)
		slog.Debug("listener: dropping malformed notification",
			"event_id", shortID(ev.ID), "error", err)
		return
	}

	notificationsTotal.Add(1)
	l.advanceCursor(ev.CreatedAt)

	update := SettlementRecord{
		PaymentHash: record.PaymentHash,
		State:       lightning.StateSettled,
		Preimage:    record.Preimage,
		AmountMsat:  record.Amount,
		FeesPaid:    record.FeesPaid,
		SettledAt:   record.SettledAt,
	}
	if update.SettledAt == 0 {
		update.SettledAt = ev.CreatedAt
	}

	merged, changed, err := l.store.Upsert(context.Background(), update)
	if err != nil {
		slog.Warn("listener: settlement upsert failed",
			"payment_hash", shortID(record.PaymentHash), "error", err)
		return
	}
	if !changed {
		// Replay from another relay; already recorded.
		duplicatesDropped.Add(1)
		return
	}
	settlementsRecorded.Add(1)

	// Only incoming settlements are pushed to the host; outgoing state is
	// pulled via lookups when needed.
	if kind != notificationPaymentReceived {
		return
	}

	slog.Debug("listener: payment received",
		"payment_hash", shortID(merged.PaymentHash), "amount_msat", merged.AmountMsat)
	l.broadcast(lightning.Settlement{
		PaymentHash: merged.PaymentHash,
		Preimage:    merged.Preimage,
		AmountMsat:  merged.AmountMsat,
		FeesPaid:    merged.FeesPaid,
		SettledAt:   merged.SettledAt,
	})
}

func (l *listener) advanceCursor(createdAt int64) {
	l.mu.Lock()
	if createdAt > l.lastEvent {
		l.lastEvent = createdAt
	}
	l.mu.Unlock()
}

func (l *listener) setHealthy(ok bool) {
	l.mu.Lock()
	l.healthy = ok
	l.mu.Unlock()
}

func (l *listener) isHealthy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.healthy
}

// subscribe registers a host settlement channel. After shutdown it returns
// a closed channel instead of one nothing will ever close.
func (l *listener) subscribe() <-chan lightning.Settlement {
	ch := make(chan lightning.Settlement, 16)
	l.mu.Lock()
	if l.closed {
		close(ch)
	} else {
		l.subscribers[ch] = ch
	}
	l.mu.Unlock()
	return ch
}

// unsubscribe releases a channel returned by subscribe.
func (l *listener) unsubscribe(ch <-chan lightning.Settlement) {
	l.mu.Lock()
	sender, ok := l.subscribers[ch]
	delete(l.subscribers, ch)
	l.mu.Unlock()
	if ok {
		close(sender)
	}
}

// broadcast delivers a settlement to every subscriber without ever
// blocking the listener on a slow consumer.
func (l *listener) broadcast(s lightning.Settlement) {
	l.mu.Lock()
	targets := make([]chan lightning.Settlement, 0, len(l.subscribers))
	for _, ch := range l.subscribers {
		targets = append(targets, ch)
	}
	l.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- s:
		default:
			droppedSettlements.Add(1)
			slog.Warn("listener: subscriber lagging, settlement dropped",
				"payment_hash", shortID(s.PaymentHash))
		}
	}
}

// closeSubscribers closes every host channel on shutdown and marks the
// listener closed for late subscribers.
func (l *listener) closeSubscribers() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for key, ch := range l.subscribers {
		close(ch)
		delete(l.subscribers, key)
	}
}
