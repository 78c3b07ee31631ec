package nwc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
)

// fakeBus is an in-memory RelayBus. Delivered events are stored and
// replayed to late subscribers, mimicking relay-side event storage, so
// tests never race the subscription setup of a background loop.
type fakeBus struct {
	mu        sync.Mutex
	published []*Event
	delivered []Event
	subs      map[chan Event]struct{}
	closed    bool

	publishErr error
	onPublish  func(ev *Event)
	statusMap  map[string]bool

	// firstPublishSubs records how many subscriptions were live when the
	// first event was published.
	firstPublishSubs int
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		subs:             make(map[chan Event]struct{}),
		statusMap:        map[string]bool{"wss://relay.example.com": true},
		firstPublishSubs: -1,
	}
}

func (b *fakeBus) Publish(_ context.Context, ev *Event) error {
	b.mu.Lock()
	if b.publishErr != nil {
		err := b.publishErr
		b.mu.Unlock()
		return err
	}
	if b.firstPublishSubs == -1 {
		b.firstPublishSubs = len(b.subs)
	}
	b.published = append(b.published, ev)
	hook := b.onPublish
	b.mu.Unlock()

	if hook != nil {
		go hook(ev)
	}
	return nil
}

func (b *fakeBus) Subscribe(_ context.Context, _ Filter) (*BusSubscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, &ConnectionError{Op: "subscribe", Relays: 1, Err: ErrClosed}
	}

	ch := make(chan Event, 256)
	for _, ev := range b.delivered {
		ch <- ev
	}
	b.subs[ch] = struct{}{}

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return &BusSubscription{Events: ch, cancel: cancel}, nil
}

func (b *fakeBus) Status() map[string]bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	status := make(map[string]bool, len(b.statusMap))
	for k, v := range b.statusMap {
		status[k] = v
	}
	return status
}

func (b *fakeBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}

// deliver pushes a wallet-side event to every live subscriber and records
// it for replay.
func (b *fakeBus) deliver(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delivered = append(b.delivered, ev)
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *fakeBus) publishedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

// testKeyPair derives a deterministic keypair from a one-byte seed.
func testKeyPair(t *testing.T, seed byte) (secret []byte, xonlyPubkey string) {
	t.Helper()
	secret = make([]byte, 32)
	for i := range secret {
		secret[i] = seed
	}
	_, pub := btcec.PrivKeyFromBytes(secret)
	return secret, hex.EncodeToString(pub.SerializeCompressed()[1:])
}

func hexZeros(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = '0'
	}
	return string(b)
}

// walletSim plays the wallet service: it decrypts requests arriving on the
// bus, runs a handler and publishes signed, encrypted responses.
type walletSim struct {
	t         *testing.T
	keys      *keyMaterial
	bus       *fakeBus
	clientPub string

	mu      sync.Mutex
	methods []string
	notifs  []string
	balance uint64
	calls   map[string]int

	// handle overrides the default per-method behavior when set.
	handle func(method string, params json.RawMessage) (any, *walletError)
}

// newWalletSim wires a simulated wallet to the bus and returns it together
// with the client's key material and a usable connection string.
func newWalletSim(t *testing.T, bus *fakeBus) (*walletSim, *keyMaterial, string) {
	t.Helper()

	walletSecret, _ := testKeyPair(t, 0xA1)
	clientSecret, clientPub := testKeyPair(t, 0xB2)

	walletKeys, err := deriveKeys(walletSecret, clientPub, EncryptionNIP04)
	if err != nil {
		t.Fatalf("wallet deriveKeys: %v", err)
	}
	clientKeys, err := deriveKeys(clientSecret, walletKeys.pubkey, EncryptionNIP04)
	if err != nil {
		t.Fatalf("client deriveKeys: %v", err)
	}

	sim := &walletSim{
		t:         t,
		keys:      walletKeys,
		bus:       bus,
		clientPub: clientPub,
		methods: append([]string(nil), requiredMethods...),
		notifs:  []string{notificationPaymentReceived},
		balance: 21_000_000,
		calls:   make(map[string]int),
	}
	bus.onPublish = sim.respond

	uri := uriScheme + "://" + walletKeys.pubkey +
		"?relay=wss://relay.example.com&secret=" + hex.EncodeToString(clientSecret)
	return sim, clientKeys, uri
}

func (s *walletSim) callCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *walletSim) pubkey() string { return s.keys.pubkey }

// respond handles one published request event end to end.
func (s *walletSim) respond(ev *Event) {
	if ev.Kind != kindRequest {
		return
	}
	plaintext, err := s.keys.decrypt(ev.Content)
	if err != nil {
		return
	}
	var req struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal([]byte(plaintext), &req); err != nil {
		return
	}

	s.mu.Lock()
	s.calls[req.Method]++
	handle := s.handle
	s.mu.Unlock()

	var result any
	var werr *walletError
	if handle != nil {
		result, werr = handle(req.Method, req.Params)
	}
	if result == nil && werr == nil {
		result, werr = s.defaultResult(req.Method)
	}

	resp := walletResponse{ResultType: req.Method}
	if werr != nil {
		resp.Error = werr
	} else {
		body, err := json.Marshal(result)
		if err != nil {
			s.t.Errorf("wallet sim: marshal result: %v", err)
			return
		}
		resp.Result = body
	}

	s.respondRaw(ev, mustJSON(resp))
}

// respondRaw publishes an encrypted response event correlated to req.
func (s *walletSim) respondRaw(req *Event, plaintext string) {
	encrypted, err := s.keys.encrypt(plaintext)
	if err != nil {
		s.t.Errorf("wallet sim: encrypt: %v", err)
		return
	}
	resp := Event{
		CreatedAt: time.Now().Unix(),
		Kind:      kindResponse,
		Tags:      [][]string{{"p", req.Pubkey}, {"e", req.ID}},
		Content:   encrypted,
	}
	if err := s.keys.sign(&resp); err != nil {
		s.t.Errorf("wallet sim: sign: %v", err)
		return
	}
	s.bus.deliver(resp)
}

func (s *walletSim) defaultResult(method string) (any, *walletError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch method {
	case methodGetInfo:
		return getInfoResult{
			Alias:         "test-wallet",
			Network:       "regtest",
			Methods:       s.methods,
			Notifications: s.notifs,
		}, nil
	case methodGetBalance:
		return getBalanceResult{Balance: s.balance}, nil
	case methodPayInvoice:
		fees := uint64(21)
		return payInvoiceResult{Preimage: hexZeros(64), FeesPaid: &fees}, nil
	case methodMakeInvoice:
		return makeInvoiceResult{
			Invoice:     "lnbcrt10n1testinvoice",
			PaymentHash: "ab" + hexZeros(62),
			ExpiresAt:   time.Now().Add(time.Hour).Unix(),
		}, nil
	case methodLookupInvoice:
		return transactionRecord{
			Type:        "incoming",
			PaymentHash: "ab" + hexZeros(62),
			Amount:      1000,
		}, nil
	case methodListTransactions:
		return listTransactionsResult{}, nil
	}
	return nil, &walletError{Code: CodeNotImplemented, Message: "unknown method"}
}

// notify publishes a signed, encrypted settlement notification.
func (s *walletSim) notify(notifType string, record transactionRecord) {
	env := notificationEnvelope{
		Type:         notifType,
		Notification: json.RawMessage(mustJSON(record)),
	}
	encrypted, err := s.keys.encrypt(mustJSON(env))
	if err != nil {
		s.t.Errorf("wallet sim: encrypt notification: %v", err)
		return
	}
	ev := Event{
		CreatedAt: time.Now().Unix(),
		Kind:      kindNotification,
		Tags:      [][]string{{"p", s.clientPub}},
		Content:   encrypted,
	}
	if err := s.keys.sign(&ev); err != nil {
		s.t.Errorf("wallet sim: sign notification: %v", err)
		return
	}
	s.bus.deliver(ev)
}

// deliverGarbage publishes a signed notification whose content no client
// can decrypt.
func (s *walletSim) deliverGarbage() {
	ev := Event{
		CreatedAt: time.Now().Unix(),
		Kind:      kindNotification,
		Tags:      [][]string{{"p", s.clientPub}},
		Content:   "not an encrypted payload",
	}
	if err := s.keys.sign(&ev); err != nil {
		s.t.Errorf("wallet sim: sign: %v", err)
		return
	}
	s.bus.deliver(ev)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
