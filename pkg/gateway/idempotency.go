package gateway

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ares-sec/ares/pkg/store"
)

// IdempotencyIndex records seen event ids. Seen and Mark are separate on
// purpose: an id is only marked after every later admission check has passed,
// so a rate-limited event can legitimately be retried.
type IdempotencyIndex interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
	// GC removes entries older than the TTL and returns the number removed.
	GC(ctx context.Context, ttl time.Duration) (int64, error)
}

// MemoryIdempotency is the in-process index, authoritative when no persistent
// store is configured.
type MemoryIdempotency struct {
	mu        sync.Mutex
	firstSeen map[string]time.Time
	clock     func() time.Time
}

// NewMemoryIdempotency creates an empty in-memory index.
func NewMemoryIdempotency() *MemoryIdempotency {
	return NewMemoryIdempotencyWithClock(time.Now)
}

func NewMemoryIdempotencyWithClock(clock func() time.Time) *MemoryIdempotency {
	return &MemoryIdempotency{
		firstSeen: make(map[string]time.Time),
		clock:     clock,
	}
}

func (m *MemoryIdempotency) Seen(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.firstSeen[eventID]
	return ok, nil
}

func (m *MemoryIdempotency) Mark(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.firstSeen[eventID]; !ok {
		m.firstSeen[eventID] = m.clock().UTC()
	}
	return nil
}

func (m *MemoryIdempotency) GC(_ context.Context, ttl time.Duration) (int64, error) {
	cutoff := m.clock().UTC().Add(-ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for id, seen := range m.firstSeen {
		if seen.Before(cutoff) {
			delete(m.firstSeen, id)
			removed++
		}
	}
	return removed, nil
}

// StoreIdempotency defers to the persistent state store.
type StoreIdempotency struct {
	store *store.StateStore
}

// NewStoreIdempotency wraps the sqlite state store.
func NewStoreIdempotency(s *store.StateStore) *StoreIdempotency {
	return &StoreIdempotency{store: s}
}

func (s *StoreIdempotency) Seen(ctx context.Context, eventID string) (bool, error) {
	return s.store.Seen(ctx, eventID)
}

func (s *StoreIdempotency) Mark(ctx context.Context, eventID string) error {
	return s.store.Mark(ctx, eventID)
}

func (s *StoreIdempotency) GC(ctx context.Context, ttl time.Duration) (int64, error) {
	return s.store.GC(ctx, ttl)
}

// gcPacer paces opportunistic idempotency GC so the delete scan runs at most
// once per interval regardless of ingest volume.
func gcPacer(interval time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Every(interval), 1)
}
