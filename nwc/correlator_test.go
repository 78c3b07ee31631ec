package nwc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func newTestCorrelator(t *testing.T) (*correlator, *walletSim, *fakeBus) {
	t.Helper()
	bus := newFakeBus()
	sim, clientKeys, _ := newWalletSim(t, bus)

	corr := newCorrelator(clientKeys, bus, sim.pubkey(), 1, clock.New())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := corr.start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	return corr, sim, bus
}

func TestCorrelatorRoundTrip(t *testing.T) {
	corr, _, _ := newTestCorrelator(t)

	id, err := corr.send(context.Background(), methodGetBalance, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	resp, err := corr.await(context.Background(), id, 2*time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}

	var result getBalanceResult
	if err := decodeResult(resp, &result); err != nil {
		t.Fatalf("decodeResult: %v", err)
	}
	if result.Balance != 21_000_000 {
		t.Errorf("balance = %d", result.Balance)
	}
	if n := corr.pendingCount(); n != 0 {
		t.Errorf("pending after completion = %d", n)
	}
}

func TestCorrelatorTimeout(t *testing.T) {
	corr, sim, _ := newTestCorrelator(t)
	sim.handle = func(string, json.RawMessage) (any, *walletError) {
		select {} // never answer
	}

	id, err := corr.send(context.Background(), methodGetBalance, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	_, err = corr.await(context.Background(), id, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("await err = %v, want ErrTimeout", err)
	}
	if n := corr.pendingCount(); n != 0 {
		t.Errorf("pending after timeout = %d", n)
	}
	if !IsRetryable(err) {
		t.Error("timeout should be retryable")
	}
}

func TestCorrelatorDuplicateResponses(t *testing.T) {
	bus := newFakeBus()
	sim, clientKeys, _ := newWalletSim(t, bus)

	// Answer every request twice, as two relays would.
	bus.onPublish = func(ev *Event) {
		sim.respond(ev)
		sim.respond(ev)
	}

	corr := newCorrelator(clientKeys, bus, sim.pubkey(), 1, clock.New())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := corr.start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	id, err := corr.send(context.Background(), methodGetBalance, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := corr.await(context.Background(), id, 2*time.Second); err != nil {
		t.Fatalf("await: %v", err)
	}

	// The duplicate must be dropped without disturbing the table.
	waitFor(t, time.Second, "duplicate to drain", func() bool {
		return corr.pendingCount() == 0
	})
}

func TestCorrelatorConcurrentRequests(t *testing.T) {
	corr, _, _ := newTestCorrelator(t)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := corr.send(context.Background(), methodGetBalance, nil)
			if err != nil {
				errs[i] = err
				return
			}
			_, errs[i] = corr.await(context.Background(), id, 2*time.Second)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("request %d: %v", i, err)
		}
	}
	if n := corr.pendingCount(); n != 0 {
		t.Errorf("pending = %d", n)
	}
}

func TestCorrelatorWrongResultType(t *testing.T) {
	bus := newFakeBus()
	sim, clientKeys, _ := newWalletSim(t, bus)

	// A response that cannot answer the request leaves it waiting; the
	// request must run to its own timeout.
	bus.onPublish = func(ev *Event) {
		sim.respondRaw(ev, `{"result_type":"make_invoice","result":{}}`)
	}

	corr := newCorrelator(clientKeys, bus, sim.pubkey(), 1, clock.New())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := corr.start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	id, err := corr.send(context.Background(), methodGetBalance, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := corr.await(context.Background(), id, 100*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Errorf("await err = %v, want ErrTimeout", err)
	}
}

func TestCorrelatorUndecryptableResponse(t *testing.T) {
	bus := newFakeBus()
	sim, clientKeys, _ := newWalletSim(t, bus)

	bus.onPublish = func(ev *Event) {
		resp := Event{
			CreatedAt: time.Now().Unix(),
			Kind:      kindResponse,
			Tags:      [][]string{{"p", ev.Pubkey}, {"e", ev.ID}},
			Content:   "garbage that will not decrypt",
		}
		if err := sim.keys.sign(&resp); err != nil {
			t.Errorf("sign: %v", err)
			return
		}
		bus.deliver(resp)
	}

	corr := newCorrelator(clientKeys, bus, sim.pubkey(), 1, clock.New())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := corr.start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	id, err := corr.send(context.Background(), methodGetBalance, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := corr.await(context.Background(), id, 100*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Errorf("await err = %v, want ErrTimeout", err)
	}
}

func TestCorrelatorContextCanceled(t *testing.T) {
	corr, sim, _ := newTestCorrelator(t)
	sim.handle = func(string, json.RawMessage) (any, *walletError) {
		select {}
	}

	id, err := corr.send(context.Background(), methodGetBalance, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := corr.await(ctx, id, time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("await err = %v, want context.Canceled", err)
	}
	if n := corr.pendingCount(); n != 0 {
		t.Errorf("pending after cancel = %d", n)
	}
}

func TestCorrelatorPublishFailure(t *testing.T) {
	corr, _, bus := newTestCorrelator(t)
	bus.mu.Lock()
	bus.publishErr = &ConnectionError{Op: "publish", Relays: 1, Err: errors.New("all relays down")}
	bus.mu.Unlock()

	if _, err := corr.send(context.Background(), methodGetBalance, nil); err == nil {
		t.Fatal("send succeeded with dead bus")
	}
	if n := corr.pendingCount(); n != 0 {
		t.Errorf("pending after failed publish = %d", n)
	}
}

func TestCorrelatorClosed(t *testing.T) {
	corr, _, _ := newTestCorrelator(t)
	corr.close()
	if _, err := corr.send(context.Background(), methodGetBalance, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("send after close err = %v, want ErrClosed", err)
	}
	if _, err := corr.await(context.Background(), "unknown", time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("await after close err = %v, want ErrClosed", err)
	}
}

func TestCorrelatorCloseUnblocksWaiter(t *testing.T) {
	corr, sim, _ := newTestCorrelator(t)
	sim.handle = func(string, json.RawMessage) (any, *walletError) {
		select {} // never answer
	}

	id, err := corr.send(context.Background(), methodGetBalance, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := corr.await(context.Background(), id, time.Minute)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	corr.close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("await err = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("await still blocked after close")
	}
	if n := corr.pendingCount(); n != 0 {
		t.Errorf("pending after close = %d", n)
	}
}

func TestCorrelatorCloseRacesTimer(t *testing.T) {
	// Shutdown landing just before the deadline must not leave the timer
	// branch waiting on a response that will never come.
	corr, sim, _ := newTestCorrelator(t)
	sim.handle = func(string, json.RawMessage) (any, *walletError) {
		select {}
	}

	id, err := corr.send(context.Background(), methodGetBalance, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := corr.await(context.Background(), id, 60*time.Millisecond)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	corr.close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) && !errors.Is(err, ErrTimeout) {
			t.Errorf("await err = %v, want ErrClosed or ErrTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("await still blocked after close raced the deadline")
	}
}
