package nwc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"

	"github.com/gudnuf/cdk/lightning"
)

// SettlementRecord is the latest known state of one payment, keyed by
// payment hash. Records are merged monotonically: state never regresses
// from settled back to pending, and a known preimage is never forgotten.
type SettlementRecord struct {
	PaymentHash string                 `json:"payment_hash"`
	State       lightning.InvoiceState `json:"state"`
	Preimage    string                 `json:"preimage,omitempty"`
	AmountMsat  uint64                 `json:"amount_msat"`
	FeesPaid    uint64                 `json:"fees_paid,omitempty"`
	SettledAt   int64                  `json:"settled_at,omitempty"`
}

// merge folds an update into an existing record, honoring monotonicity.
// It reports whether anything changed, which makes replays observable
// no-ops.
func (r *SettlementRecord) merge(update SettlementRecord) bool {
	changed := false
	if update.State.Rank() > r.State.Rank() {
		r.State = update.State
		changed = true
	}
	if r.Preimage == "" && update.Preimage != "" {
		r.Preimage = update.Preimage
		changed = true
	}
	if r.SettledAt == 0 && update.SettledAt != 0 {
		r.SettledAt = update.SettledAt
		changed = true
	}
	if r.AmountMsat == 0 && update.AmountMsat != 0 {
		r.AmountMsat = update.AmountMsat
		changed = true
	}
	if r.FeesPaid == 0 && update.FeesPaid != 0 {
		r.FeesPaid = update.FeesPaid
		changed = true
	}
	return changed
}

// SettlementStore holds the settlement table. It is a bounded cache, not a
// ledger: durability of payment state stays with the host.
type SettlementStore interface {
	// Upsert merges the update into the table and returns the resulting
	// record plus whether the table changed.
	Upsert(ctx context.Context, update SettlementRecord) (SettlementRecord, bool, error)
	// Get returns the record for a payment hash, or nil when unknown.
	Get(ctx context.Context, paymentHash string) (*SettlementRecord, error)
	// Close releases store resources.
	Close() error
}

const (
	defaultSettlementTTL  = 24 * time.Hour
	defaultSettlementCap  = 4096
	settlementCleanupTick = 10 * time.Minute
)

// MemorySettlementStore is the default in-process table: TTL eviction plus
// a hard entry cap so relay replay can never grow it without bound.
type MemorySettlementStore struct {
	mu      sync.Mutex
	records map[string]*memoryRecord
	ttl     time.Duration
	cap     int
	clk     clock.Clock
	stopCh  chan struct{}
	once    sync.Once
}

type memoryRecord struct {
	rec     SettlementRecord
	touched time.Time
}

// NewMemorySettlementStore builds the in-memory table with default bounds.
func NewMemorySettlementStore(clk clock.Clock) *MemorySettlementStore {
	if clk == nil {
		clk = clock.New()
	}
	s := &MemorySettlementStore{
		records: make(map[string]*memoryRecord),
		ttl:     defaultSettlementTTL,
		cap:     defaultSettlementCap,
		clk:     clk,
		stopCh:  make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *MemorySettlementStore) Upsert(_ context.Context, update SettlementRecord) (SettlementRecord, bool, error) {
	if update.PaymentHash == "" {
		return SettlementRecord{}, false, &ProtocolError{Reason: "settlement without payment hash"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.records[update.PaymentHash]
	if entry == nil {
		if update.State == "" {
			update.State = lightning.StatePending
		}
		entry = &memoryRecord{rec: update}
		s.records[update.PaymentHash] = entry
		entry.touched = s.clk.Now()
		s.evictOverCapLocked()
		return entry.rec, true, nil
	}

	changed := entry.rec.merge(update)
	entry.touched = s.clk.Now()
	return entry.rec, changed, nil
}

func (s *MemorySettlementStore) Get(_ context.Context, paymentHash string) (*SettlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.records[paymentHash]
	if entry == nil {
		return nil, nil
	}
	if s.clk.Now().Sub(entry.touched) > s.ttl {
		delete(s.records, paymentHash)
		return nil, nil
	}
	rec := entry.rec
	return &rec, nil
}

func (s *MemorySettlementStore) Close() error {
	s.once.Do(func() { close(s.stopCh) })
	return nil
}

// evictOverCapLocked drops the stalest entries once the cap is exceeded.
func (s *MemorySettlementStore) evictOverCapLocked() {
	for len(s.records) > s.cap {
		var oldestKey string
		var oldest time.Time
		for key, entry := range s.records {
			if oldestKey == "" || entry.touched.Before(oldest) {
				oldestKey = key
				oldest = entry.touched
			}
		}
		delete(s.records, oldestKey)
	}
}

func (s *MemorySettlementStore) cleanupLoop() {
	ticker := s.clk.Ticker(settlementCleanupTick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *MemorySettlementStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	for key, entry := range s.records {
		if now.Sub(entry.touched) > s.ttl {
			delete(s.records, key)
		}
	}
}

// RedisSettlementStore shares the settlement table between mint instances.
// Bounds come from redis key expiry; merges are read-modify-write and only
// best effort under concurrent writers, which is acceptable for a cache
// whose authoritative fallback is lookup_invoice.
type RedisSettlementStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisSettlementStore connects to redis://[:password@]host:port/db.
func NewRedisSettlementStore(redisURL, prefix string) (*RedisSettlementStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisSettlementStore{
		client: client,
		prefix: prefix,
		ttl:    defaultSettlementTTL,
	}, nil
}

func (r *RedisSettlementStore) key(paymentHash string) string {
	return r.prefix + "settlement:" + paymentHash
}

func (r *RedisSettlementStore) Upsert(ctx context.Context, update SettlementRecord) (SettlementRecord, bool, error) {
	if update.PaymentHash == "" {
		return SettlementRecord{}, false, &ProtocolError{Reason: "settlement without payment hash"}
	}

	existing, err := r.Get(ctx, update.PaymentHash)
	if err != nil {
		return SettlementRecord{}, false, err
	}

	var rec SettlementRecord
	changed := true
	if existing == nil {
		rec = update
		if rec.State == "" {
			rec.State = lightning.StatePending
		}
	} else {
		rec = *existing
		changed = rec.merge(update)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return SettlementRecord{}, false, err
	}
	if err := r.client.Set(ctx, r.key(rec.PaymentHash), data, r.ttl).Err(); err != nil {
		return SettlementRecord{}, false, err
	}
	return rec, changed, nil
}

func (r *RedisSettlementStore) Get(ctx context.Context, paymentHash string) (*SettlementRecord, error) {
	data, err := r.client.Get(ctx, r.key(paymentHash)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec SettlementRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *RedisSettlementStore) Close() error {
	return r.client.Close()
}
