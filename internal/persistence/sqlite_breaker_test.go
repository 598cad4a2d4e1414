package persistence

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rs/zerolog"

	"github.com/jtoivan/relay/pkg/resilience"
)

func newTestBreakerStore(t *testing.T) *SQLiteBreakerStore {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewSQLiteBreakerStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteBreakerStore failed: %v", err)
	}
	return s
}

func TestSQLiteBreakerStore_UnknownNameStartsClosed(t *testing.T) {
	store := newTestBreakerStore(t)

	_, ok, err := store.Load(context.Background(), "fresh")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for unknown breaker")
	}
}

func TestSQLiteBreakerStore_SaveLoadRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := newTestBreakerStore(t)

	in := resilience.BreakerRecord{
		State:         resilience.StateOpen,
		Failures:      5,
		LastFailureAt: time.Now().Truncate(time.Millisecond),
	}
	if err := store.Save(ctx, "payments", in); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, ok, err := store.Load(ctx, "payments")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected record found")
	}
	if got.State != resilience.StateOpen || got.Failures != 5 {
		t.Fatalf("record mangled: %+v", got)
	}
	if !got.LastFailureAt.Equal(in.LastFailureAt) {
		t.Fatalf("expected LastFailureAt %v, got %v", in.LastFailureAt, got.LastFailureAt)
	}

	// Upsert overwrites.
	in.State = resilience.StateClosed
	in.Failures = 0
	if err := store.Save(ctx, "payments", in); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	got, _, err = store.Load(ctx, "payments")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.State != resilience.StateClosed || got.Failures != 0 {
		t.Fatalf("upsert did not overwrite: %+v", got)
	}
}

// Breaker state persisted in SQLite survives a "restart": a new breaker on
// the same store starts where the old one tripped.
func TestSQLiteBreakerStore_StateSurvivesBreakerRestart(t *testing.T) {
	ctx := context.Background()
	store := newTestBreakerStore(t)
	cfg := resilience.BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute}

	first := resilience.NewCircuitBreaker("api", cfg, store, zerolog.Nop())
	if err := first.Execute(ctx, func(ctx context.Context) error {
		return errors.New("downstream error")
	}); err == nil {
		t.Fatalf("expected call error")
	}

	second := resilience.NewCircuitBreaker("api", cfg, store, zerolog.Nop())
	if got := second.State(ctx); got != resilience.StateOpen {
		t.Fatalf("expected OPEN after restart, got %s", got)
	}

	err := second.Execute(ctx, func(ctx context.Context) error { return nil })
	var openErr *resilience.CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected CircuitOpenError, got %v", err)
	}
}
