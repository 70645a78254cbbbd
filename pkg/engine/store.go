package engine

import (
	"sync"
	"time"
)

// RollingEventStore keeps a bounded time-windowed event history per host.
// Entries older than the window relative to the trim reference are dropped on
// every add and on every read, so callers never observe stale records.
type RollingEventStore struct {
	mu     sync.Mutex
	window time.Duration
	events map[string][]EventRecord
	clock  func() time.Time // Injectable clock
}

// NewRollingEventStore creates a store retaining `window` of history per host.
func NewRollingEventStore(window time.Duration) *RollingEventStore {
	return NewRollingEventStoreWithClock(window, time.Now)
}

func NewRollingEventStoreWithClock(window time.Duration, clock func() time.Time) *RollingEventStore {
	return &RollingEventStore{
		window: window,
		events: make(map[string][]EventRecord),
		clock:  clock,
	}
}

// Add appends the record to its host's sequence, then trims entries that fell
// out of the window relative to the record's received time.
func (s *RollingEventStore) Add(rec EventRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := append(s.events[rec.Host], rec)
	s.events[rec.Host] = trimBefore(q, rec.ReceivedTime.Add(-s.window))
}

// GetRecent trims the host's sequence against the wall clock and returns a
// snapshot the caller may iterate freely.
func (s *RollingEventStore) GetRecent(host string) []EventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.events[host]
	if !ok {
		return nil
	}
	q = trimBefore(q, s.clock().UTC().Add(-s.window))
	s.events[host] = q

	snapshot := make([]EventRecord, len(q))
	copy(snapshot, q)
	return snapshot
}

// Hosts returns the hosts currently holding history. Observability only.
func (s *RollingEventStore) Hosts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	hosts := make([]string, 0, len(s.events))
	for h := range s.events {
		hosts = append(hosts, h)
	}
	return hosts
}

// trimBefore drops head entries received before the cutoff. Sequences are
// time-ordered under monotonic ingest, so a prefix scan suffices.
func trimBefore(q []EventRecord, cutoff time.Time) []EventRecord {
	i := 0
	for i < len(q) && q[i].ReceivedTime.Before(cutoff) {
		i++
	}
	if i == 0 {
		return q
	}
	kept := make([]EventRecord, len(q)-i)
	copy(kept, q[i:])
	return kept
}
