package nwc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Filter is the subscription filter published with a REQ frame.
type Filter struct {
	Kinds   []int    `json:"kinds,omitempty"`
	Authors []string `json:"authors,omitempty"`
	ETags   []string `json:"#e,omitempty"`
	PTags   []string `json:"#p,omitempty"`
	Since   int64    `json:"since,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// RelayBus is the transport boundary the protocol client runs on: an
// unreliable, possibly-duplicating event bus across one or more relays.
// Publish succeeds if any relay accepted the write; Subscribe merges the
// event streams of every relay into one channel without deduplication —
// that is the consumer's job.
type RelayBus interface {
	Publish(ctx context.Context, ev *Event) error
	Subscribe(ctx context.Context, filter Filter) (*BusSubscription, error)
	Status() map[string]bool
	Close()
}

// BusSubscription is one live subscription across all relays. Events is
// closed once every relay-side subscription has ended, which signals the
// consumer to resubscribe.
type BusSubscription struct {
	Events <-chan Event

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Close tears the subscription down. Safe to call more than once.
func (s *BusSubscription) Close() {
	s.closeOnce.Do(s.cancel)
}

// relayPool maintains one websocket connection per configured relay,
// created lazily and re-created on demand after failures.
type relayPool struct {
	relays []string

	mu          sync.Mutex
	connections map[string]*relayConn
	closed      bool
}

// newRelayPool builds a pool over the given relay URLs. URLs were already
// validated by ParseURI; unsafe destinations are still screened at dial
// time.
func newRelayPool(relays []string) *relayPool {
	return &relayPool{
		relays:      relays,
		connections: make(map[string]*relayConn),
	}
}

// relaySafeURL screens dial targets: only ws/wss, and no private or
// link-local destinations. Loopback stays allowed for development against
// a local relay.
func relaySafeURL(relayURL string) bool {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return false
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return false
	}
	host := parsed.Hostname()
	if host == "" {
		return false
	}
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		// Unresolvable now may still be a valid external host; block only
		// obviously internal names.
		return !strings.HasSuffix(host, ".") &&
			!strings.Contains(host, ".local") &&
			!strings.Contains(host, ".internal")
	}
	for _, ip := range ips {
		if ip.IsLoopback() {
			continue
		}
		if ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
			ip.IsUnspecified() || ip.IsMulticast() {
			return false
		}
	}
	return true
}

func (p *relayPool) getOrCreate(ctx context.Context, relayURL string) (*relayConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	if rc := p.connections[relayURL]; rc != nil && !rc.isClosed() {
		return rc, nil
	}

	if !relaySafeURL(relayURL) {
		return nil, &ProtocolError{Reason: "relay URL blocked: unsafe destination"}
	}

	slog.Debug("relay pool: dialing", "relay", relayURL)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return nil, err
	}

	rc := &relayConn{
		conn:          &relayConnSocket{ws: conn},
		relayURL:      relayURL,
		subscriptions: make(map[string]*relaySub),
	}
	p.connections[relayURL] = rc
	go rc.readLoop()

	return rc, nil
}

// Publish writes the event to every configured relay. One write landing
// anywhere counts as success; only total failure surfaces as a
// ConnectionError.
func (p *relayPool) Publish(ctx context.Context, ev *Event) error {
	var lastErr error
	accepted := 0
	for _, relayURL := range p.relays {
		rc, err := p.getOrCreate(ctx, relayURL)
		if err != nil {
			lastErr = err
			continue
		}
		if err := rc.writeJSON([]any{"EVENT", ev}); err != nil {
			slog.Debug("relay pool: publish failed", "relay", relayURL, "error", err)
			rc.markClosed()
			lastErr = err
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return &ConnectionError{Op: "publish", Relays: len(p.relays), Err: lastErr}
	}
	return nil
}

// Subscribe opens the filter on every relay and merges the streams. The
// returned channel closes when no relay-side subscription is left alive.
func (p *relayPool) Subscribe(ctx context.Context, filter Filter) (*BusSubscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	merged := make(chan Event, 128)

	var wg sync.WaitGroup
	live := 0
	var lastErr error
	for _, relayURL := range p.relays {
		rc, err := p.getOrCreate(subCtx, relayURL)
		if err != nil {
			lastErr = err
			continue
		}
		sub, err := rc.subscribe(filter)
		if err != nil {
			lastErr = err
			continue
		}
		live++
		wg.Add(1)
		go func(rc *relayConn, sub *relaySub) {
			defer wg.Done()
			defer rc.unsubscribe(sub)
			for {
				select {
				case <-subCtx.Done():
					return
				case ev, ok := <-sub.events:
					if !ok {
						return
					}
					select {
					case merged <- ev:
					case <-subCtx.Done():
						return
					}
				}
			}
		}(rc, sub)
	}

	if live == 0 {
		cancel()
		return nil, &ConnectionError{Op: "subscribe", Relays: len(p.relays), Err: lastErr}
	}

	go func() {
		wg.Wait()
		close(merged)
	}()

	return &BusSubscription{Events: merged, cancel: cancel}, nil
}

// Status reports per-relay connectivity without dialing.
func (p *relayPool) Status() map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := make(map[string]bool, len(p.relays))
	for _, relayURL := range p.relays {
		rc := p.connections[relayURL]
		status[relayURL] = rc != nil && !rc.isClosed()
	}
	return status
}

// Close shuts every connection down. The pool cannot be reused.
func (p *relayPool) Close() {
	p.mu.Lock()
	p.closed = true
	conns := make([]*relayConn, 0, len(p.connections))
	for _, rc := range p.connections {
		conns = append(conns, rc)
	}
	p.connections = make(map[string]*relayConn)
	p.mu.Unlock()

	for _, rc := range conns {
		rc.markClosed()
	}
}

// relaySub is the relay-side half of a subscription on one connection.
type relaySub struct {
	id     string
	events chan Event
}

// relayConn owns a single websocket connection and routes incoming frames
// to its subscriptions.
type relayConn struct {
	conn     *relayConnSocket
	relayURL string

	mu            sync.Mutex
	subscriptions map[string]*relaySub
	closed        bool
}

// relayConnSocket narrows *websocket.Conn to what relayConn uses; it keeps
// the write mutex next to the socket it guards.
type relayConnSocket struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (s *relayConnSocket) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	defer s.ws.SetWriteDeadline(time.Time{})
	return s.ws.WriteJSON(v)
}

func (rc *relayConn) writeJSON(v any) error { return rc.conn.writeJSON(v) }

func (rc *relayConn) isClosed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.closed
}

func (rc *relayConn) subscribe(filter Filter) (*relaySub, error) {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return nil, &ConnectionError{Op: "subscribe", Relays: 1, Err: ErrClosed}
	}
	sub := &relaySub{
		id:     "nwc-" + randomID(8),
		events: make(chan Event, 128),
	}
	rc.subscriptions[sub.id] = sub
	rc.mu.Unlock()

	if err := rc.writeJSON([]any{"REQ", sub.id, filter}); err != nil {
		rc.mu.Lock()
		delete(rc.subscriptions, sub.id)
		rc.mu.Unlock()
		rc.markClosed()
		return nil, err
	}
	return sub, nil
}

func (rc *relayConn) unsubscribe(sub *relaySub) {
	rc.mu.Lock()
	_, exists := rc.subscriptions[sub.id]
	delete(rc.subscriptions, sub.id)
	sendClose := exists && !rc.closed
	rc.mu.Unlock()

	if sendClose {
		// Best effort; the connection may already be gone.
		rc.writeJSON([]any{"CLOSE", sub.id})
	}
}

// readLoop reads frames until the connection dies and routes them to
// subscriptions. EVENT payloads are passed through unverified; signature
// checks happen in the consumer.
func (rc *relayConn) readLoop() {
	defer rc.markClosed()

	for {
		var msg []json.RawMessage
		if err := rc.conn.ws.ReadJSON(&msg); err != nil {
			if !rc.isClosed() {
				slog.Debug("relay pool: read error", "relay", rc.relayURL, "error", err)
			}
			return
		}
		if len(msg) < 2 {
			continue
		}

		var frameType string
		if err := json.Unmarshal(msg[0], &frameType); err != nil {
			continue
		}

		switch frameType {
		case "EVENT":
			if len(msg) < 3 {
				continue
			}
			var subID string
			if err := json.Unmarshal(msg[1], &subID); err != nil {
				continue
			}
			var ev Event
			if err := json.Unmarshal(msg[2], &ev); err != nil {
				continue
			}

			rc.mu.Lock()
			sub := rc.subscriptions[subID]
			rc.mu.Unlock()
			if sub != nil {
				select {
				case sub.events <- ev:
				default:
					// Consumer is behind; dropping is safe, relays redeliver
					// nothing but the correlator tolerates loss via timeout.
					slog.Debug("relay pool: subscription buffer full, dropping event",
						"relay", rc.relayURL, "sub", subID)
				}
			}

		case "OK":
			var eventID string
			var accepted bool
			if len(msg) >= 3 {
				json.Unmarshal(msg[1], &eventID)
				json.Unmarshal(msg[2], &accepted)
			}
			if !accepted {
				reason := ""
				if len(msg) >= 4 {
					json.Unmarshal(msg[3], &reason)
				}
				slog.Warn("relay pool: event rejected",
					"relay", rc.relayURL, "event_id", shortID(eventID), "reason", reason)
			}

		case "CLOSED":
			var subID string
			if err := json.Unmarshal(msg[1], &subID); err != nil {
				continue
			}
			rc.mu.Lock()
			sub := rc.subscriptions[subID]
			delete(rc.subscriptions, subID)
			rc.mu.Unlock()
			if sub != nil {
				close(sub.events)
			}

		case "NOTICE":
			var notice string
			json.Unmarshal(msg[1], &notice)
			slog.Debug("relay pool: notice", "relay", rc.relayURL, "notice", notice)

		case "EOSE":
			// Live subscriptions only care about new events; stored-history
			// boundaries are irrelevant here.
		}
	}
}

// markClosed closes the socket and ends every subscription on it.
func (rc *relayConn) markClosed() {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return
	}
	rc.closed = true
	subs := rc.subscriptions
	rc.subscriptions = make(map[string]*relaySub)
	rc.mu.Unlock()

	rc.conn.ws.Close()
	for _, sub := range subs {
		close(sub.events)
	}
}
