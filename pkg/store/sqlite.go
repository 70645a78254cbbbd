// Package store implements the durable key/value spaces for the pipeline:
// the idempotency table and the host policy table, backed by a local sqlite
// database in WAL mode.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// StateStore persists idempotency marks and host policy state.
type StateStore struct {
	db    *sql.DB
	clock func() time.Time
}

// Open creates parent directories, opens the database in WAL journaling mode
// and runs migrations.
func Open(path string) (*StateStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state store dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	return New(db)
}

// New wraps an existing database handle and runs migrations.
func New(db *sql.DB) (*StateStore, error) {
	s := &StateStore{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock. Tests only.
func (s *StateStore) WithClock(clock func() time.Time) *StateStore {
	s.clock = clock
	return s
}

// Close closes the underlying database.
func (s *StateStore) Close() error { return s.db.Close() }

func (s *StateStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS idempotency (
		event_id TEXT PRIMARY KEY,
		first_seen_utc TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS host_policy (
		host TEXT PRIMARY KEY,
		cooldown_until_utc TEXT NULL,
		quarantine INTEGER NOT NULL DEFAULT 0,
		updated_utc TEXT NOT NULL
	);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("migrate state store: %w", err)
	}
	return nil
}

// Seen reports whether the event id has been recorded.
func (s *StateStore) Seen(ctx context.Context, eventID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM idempotency WHERE event_id = ? LIMIT 1`, eventID)
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("idempotency lookup: %w", err)
	}
	return true, nil
}

// Mark records the event id with its first-seen time. Insert-if-absent: a
// duplicate mark is a no-op.
func (s *StateStore) Mark(ctx context.Context, eventID string) error {
	now := s.clock().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO idempotency(event_id, first_seen_utc) VALUES(?, ?)`,
		eventID, now)
	if err != nil {
		return fmt.Errorf("idempotency mark: %w", err)
	}
	return nil
}

// GC deletes idempotency rows older than the TTL and returns the number
// removed.
func (s *StateStore) GC(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := s.clock().UTC().Add(-ttl).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency WHERE first_seen_utc < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("idempotency gc: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("idempotency gc rowcount: %w", err)
	}
	return n, nil
}

// GetHostState returns the persisted policy state for a host. Unknown hosts
// report the initial state.
func (s *StateStore) GetHostState(ctx context.Context, host string) (*time.Time, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT cooldown_until_utc, quarantine FROM host_policy WHERE host = ?`, host)
	var (
		cooldownRaw sql.NullString
		quarantine  int
	)
	if err := row.Scan(&cooldownRaw, &quarantine); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("host state lookup: %w", err)
	}

	var cooldownUntil *time.Time
	if cooldownRaw.Valid && cooldownRaw.String != "" {
		t, err := parseTime(cooldownRaw.String)
		if err != nil {
			return nil, false, fmt.Errorf("host state cooldown parse: %w", err)
		}
		cooldownUntil = &t
	}
	return cooldownUntil, quarantine != 0, nil
}

// UpsertHostState writes the host's policy state, last-write-wins.
func (s *StateStore) UpsertHostState(ctx context.Context, host string, cooldownUntil *time.Time, quarantine bool) error {
	var cooldownRaw any
	if cooldownUntil != nil {
		cooldownRaw = cooldownUntil.UTC().Format(time.RFC3339Nano)
	}
	quarantineInt := 0
	if quarantine {
		quarantineInt = 1
	}
	now := s.clock().UTC().Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO host_policy(host, cooldown_until_utc, quarantine, updated_utc)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(host) DO UPDATE SET
			cooldown_until_utc = excluded.cooldown_until_utc,
			quarantine = excluded.quarantine,
			updated_utc = excluded.updated_utc`,
		host, cooldownRaw, quarantineInt, now)
	if err != nil {
		return fmt.Errorf("host state upsert: %w", err)
	}
	return nil
}

func parseTime(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, value)
}
