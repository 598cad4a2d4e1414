package persistence

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jtoivan/relay/pkg/resilience"
)

// SQLiteBreakerStore persists circuit breaker state so that breakers keep
// their OPEN/HALF_OPEN state across process restarts and are shared between
// worker processes pointing at the same database.
type SQLiteBreakerStore struct {
	db *sql.DB
}

// Ensure SQLiteBreakerStore implements resilience.StateStore.
var _ resilience.StateStore = (*SQLiteBreakerStore)(nil)

// NewSQLiteBreakerStore initializes the breaker state table and returns a
// new store.
func NewSQLiteBreakerStore(db *sql.DB) (*SQLiteBreakerStore, error) {
	s := &SQLiteBreakerStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteBreakerStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS breaker_states (
			name TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			failures INTEGER NOT NULL DEFAULT 0,
			successes INTEGER NOT NULL DEFAULT 0,
			last_failure_at INTEGER NOT NULL DEFAULT 0,
			last_success_at INTEGER NOT NULL DEFAULT 0
		);
	`)
	return err
}

func (s *SQLiteBreakerStore) Load(ctx context.Context, name string) (resilience.BreakerRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT state, failures, successes, last_failure_at, last_success_at
		FROM breaker_states WHERE name = ?`, name)

	var (
		rec         resilience.BreakerRecord
		stateStr    string
		lastFailure int64
		lastSuccess int64
	)
	if err := row.Scan(&stateStr, &rec.Failures, &rec.Successes, &lastFailure, &lastSuccess); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return resilience.BreakerRecord{}, false, nil
		}
		return resilience.BreakerRecord{}, false, err
	}

	rec.State = resilience.BreakerState(stateStr)
	rec.LastFailureAt = fromNanos(lastFailure)
	rec.LastSuccessAt = fromNanos(lastSuccess)
	return rec, true, nil
}

func (s *SQLiteBreakerStore) Save(ctx context.Context, name string, rec resilience.BreakerRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO breaker_states (name, state, failures, successes, last_failure_at, last_success_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			state = excluded.state,
			failures = excluded.failures,
			successes = excluded.successes,
			last_failure_at = excluded.last_failure_at,
			last_success_at = excluded.last_success_at`,
		name,
		string(rec.State),
		rec.Failures,
		rec.Successes,
		nanos(rec.LastFailureAt),
		nanos(rec.LastSuccessAt),
	)
	return err
}
