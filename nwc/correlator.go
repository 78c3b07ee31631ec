package nwc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// requestState is the lifecycle of one pending request. The three terminal
// states are mutually exclusive: a request reaches exactly one of them.
type requestState int

const (
	stateCreated requestState = iota
	stateSent
	stateCompleted
	stateTimedOut
	stateCanceled
)

// pendingRequest is the completion slot for one in-flight request, keyed by
// the request event id (sha256 of the signed event — unique per instance
// and unguessable, since the encrypted content differs per call).
type pendingRequest struct {
	id       string
	method   string
	issuedAt time.Time
	state    requestState
	done     chan *walletResponse // buffered 1; one send, or closed on shutdown
}

// correlator tracks outstanding requests and matches wallet responses to
// them. All table mutation happens under one mutex held only for the
// duration of a map update, never across a network wait.
type correlator struct {
	keys         *keyMaterial
	bus          RelayBus
	walletPubkey string
	relayCount   int
	clk          clock.Clock

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool
}

func newCorrelator(keys *keyMaterial, bus RelayBus, walletPubkey string, relayCount int, clk clock.Clock) *correlator {
	return &correlator{
		keys:         keys,
		bus:          bus,
		walletPubkey: walletPubkey,
		relayCount:   relayCount,
		clk:          clk,
		pending:      make(map[string]*pendingRequest),
	}
}

func (c *correlator) filter() Filter {
	return Filter{
		Kinds:   []int{kindResponse},
		Authors: []string{c.walletPubkey},
		PTags:   []string{c.keys.pubkey},
	}
}

// start opens the response subscription and hands it to the routing loop.
// The subscription is established before start returns: responses are
// ephemeral events relays do not store, so a request published before the
// subscription is live could be answered into the void.
func (c *correlator) start(ctx context.Context) error {
	sub, err := c.bus.Subscribe(ctx, c.filter())
	if err != nil {
		return err
	}
	go c.run(ctx, sub)
	return nil
}

// run routes responses for the backend's lifetime, resubscribing with
// exponential backoff when every relay-side stream has died. It returns
// when ctx is canceled.
func (c *correlator) run(ctx context.Context, sub *BusSubscription) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		if sub != nil {
			backoff = time.Second
			for ev := range sub.Events {
				c.handleResponse(&ev)
			}
			sub.Close()
			sub = nil
			slog.Debug("correlator: response stream ended, reconnecting")
		}

		select {
		case <-ctx.Done():
			return
		case <-c.clk.After(backoff):
		}
		backoff *= 2
		if backoff > time.Minute {
			backoff = time.Minute
		}

		next, err := c.bus.Subscribe(ctx, c.filter())
		if err != nil {
			slog.Debug("correlator: subscribe failed, backing off",
				"error", err, "backoff", backoff)
			continue
		}
		sub = next
	}
}

// send encrypts and publishes a request to every configured relay and
// registers its completion slot. The returned id correlates the response.
func (c *correlator) send(ctx context.Context, method string, params any) (string, error) {
	plaintext, err := encodeRequest(method, params)
	if err != nil {
		return "", err
	}
	encrypted, err := c.keys.encrypt(plaintext)
	if err != nil {
		return "", err
	}

	ev := &Event{
		CreatedAt: c.clk.Now().Unix(),
		Kind:      kindRequest,
		Tags:      [][]string{{"p", c.walletPubkey}},
		Content:   encrypted,
	}
	if err := c.keys.sign(ev); err != nil {
		return "", err
	}

	req := &pendingRequest{
		id:       ev.ID,
		method:   method,
		issuedAt: c.clk.Now(),
		state:    stateCreated,
		done:     make(chan *walletResponse, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	c.pending[ev.ID] = req
	c.mu.Unlock()

	if err := c.bus.Publish(ctx, ev); err != nil {
		c.release(ev.ID, stateCanceled)
		return "", err
	}

	c.mu.Lock()
	if req.state == stateCreated {
		req.state = stateSent
	}
	c.mu.Unlock()

	requestsSent.Add(1)
	slog.Debug("correlator: request published",
		"method", method, "request_id", shortID(ev.ID), "relays", c.relayCount)
	return ev.ID, nil
}

// await blocks the calling goroutine — and only it — until the request
// completes, its deadline elapses, or the caller gives up. The deadline is
// measured on the injected clock.
func (c *correlator) await(ctx context.Context, id string, timeout time.Duration) (*walletResponse, error) {
	c.mu.Lock()
	req := c.pending[id]
	closed := c.closed
	c.mu.Unlock()
	if req == nil {
		if closed {
			return nil, ErrClosed
		}
		return nil, ErrTimeout
	}

	timer := c.clk.Timer(timeout)
	defer timer.Stop()

	select {
	case resp := <-req.done:
		// A nil response means the channel was closed by shutdown.
		if resp == nil {
			return nil, ErrClosed
		}
		return resp, nil
	case <-timer.C:
		if c.release(id, stateTimedOut) {
			timeoutsTotal.Add(1)
			slog.Debug("correlator: request timed out",
				"method", req.method, "request_id", shortID(id), "timeout", timeout)
			return nil, ErrTimeout
		}
		// Completion or shutdown raced the timer; either way the channel
		// resolves without further waiting.
		resp := <-req.done
		if resp == nil {
			return nil, ErrClosed
		}
		return resp, nil
	case <-ctx.Done():
		c.cancel(id)
		return nil, ctx.Err()
	}
}

// cancel releases a slot whose caller abandoned the wait. An already
// published request is not retracted; any late response becomes a silently
// dropped duplicate.
func (c *correlator) cancel(id string) {
	c.release(id, stateCanceled)
}

// release transitions a pending request to a terminal state and frees its
// slot. It reports false if the request already reached a terminal state,
// which makes double-frees harmless.
func (c *correlator) release(id string, terminal requestState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := c.pending[id]
	if req == nil || req.state >= stateCompleted {
		return false
	}
	req.state = terminal
	delete(c.pending, id)
	return true
}

// handleResponse routes one relay event to its pending request. The first
// valid decrypted response wins; duplicates and unmatched events are
// dropped without side effects.
func (c *correlator) handleResponse(ev *Event) {
	if ev.Kind != kindResponse || ev.Pubkey != c.walletPubkey {
		return
	}
	requestID := ev.tagValue("e")
	if requestID == "" {
		protocolErrors.Add(1)
		slog.Debug("correlator: response missing e tag", "event_id", shortID(ev.ID))
		return
	}

	c.mu.Lock()
	req := c.pending[requestID]
	c.mu.Unlock()
	if req == nil {
		// Late, duplicate, or foreign response. Normal under multi-relay
		// redundancy; never an error.
		duplicatesDropped.Add(1)
		return
	}

	if err := verifyEvent(ev); err != nil {
		protocolErrors.Add(1)
		slog.Debug("correlator: dropping unverifiable response",
			"event_id", shortID(ev.ID), "error", err)
		return
	}

	plaintext, err := c.keys.decrypt(ev.Content)
	if err != nil {
		// The pending request keeps waiting for a usable response and
		// otherwise runs to its own timeout.
		protocolErrors.Add(1)
		slog.Debug("correlator: dropping undecryptable response",
			"request_id", shortID(requestID), "error", err)
		return
	}

	resp, err := parseResponse(plaintext, req.method)
	if err != nil {
		protocolErrors.Add(1)
		slog.Debug("correlator: dropping malformed response",
			"request_id", shortID(requestID), "error", err)
		return
	}

	c.mu.Lock()
	if req.state >= stateCompleted {
		c.mu.Unlock()
		duplicatesDropped.Add(1)
		return
	}
	req.state = stateCompleted
	delete(c.pending, requestID)
	c.mu.Unlock()

	req.done <- resp
	responsesMatched.Add(1)
	slog.Debug("correlator: response matched",
		"method", req.method, "request_id", shortID(requestID))
}

// close releases every outstanding slot and wakes its waiter. Closing the
// done channel is safe: handleResponse removes an entry from the table
// before sending, so a channel still reachable here has no sender.
func (c *correlator) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, req := range c.pending {
		req.state = stateCanceled
		delete(c.pending, id)
		close(req.done)
	}
}

// pendingCount is exposed for tests and diagnostics.
func (c *correlator) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
