package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BreakerState is the circuit breaker state for one protected resource.
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitOpenError is returned by Execute when the breaker is open and the
// wrapped function was not invoked. It is a systemic error: callers should
// surface it immediately rather than retry it internally.
type CircuitOpenError struct {
	Name string
}

func (e *CircuitOpenError) Error() string {
	return "circuit open: " + e.Name
}

// BreakerConfig tunes a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips a
	// CLOSED breaker. Values <= 0 default to 5.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive HALF_OPEN successes
	// needed to close the breaker. Values <= 0 default to 1.
	SuccessThreshold int

	// ResetTimeout is how long an OPEN breaker waits before allowing a
	// trial call. Values <= 0 default to 30s.
	ResetTimeout time.Duration

	// CallTimeout bounds each wrapped call; a timeout counts as a failure.
	// Zero disables the per-call timeout.
	CallTimeout time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	return c
}

// BreakerRecord is the persisted state of one breaker.
type BreakerRecord struct {
	State         BreakerState
	Failures      int
	Successes     int
	LastFailureAt time.Time
	LastSuccessAt time.Time
}

// StateStore persists breaker records keyed by resource name. Records are
// created lazily: Load on an unknown name returns ok=false and the breaker
// starts CLOSED.
//
// Two implementations ship with relay: the in-memory store below for
// single-process deployments and tests, and a SQLite-backed store for
// multi-process deployments.
type StateStore interface {
	Load(ctx context.Context, name string) (rec BreakerRecord, ok bool, err error)
	Save(ctx context.Context, name string, rec BreakerRecord) error
}

// MemoryStateStore is a goroutine-safe StateStore backed by a map.
type MemoryStateStore struct {
	mu      sync.RWMutex
	records map[string]BreakerRecord
}

// NewMemoryStateStore creates an empty in-memory store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{records: make(map[string]BreakerRecord)}
}

var _ StateStore = (*MemoryStateStore)(nil)

func (s *MemoryStateStore) Load(ctx context.Context, name string) (BreakerRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[name]
	return rec, ok, nil
}

func (s *MemoryStateStore) Save(ctx context.Context, name string, rec BreakerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[name] = rec
	return nil
}

// CircuitBreaker gates calls to one named external resource. Breakers for
// different names are fully independent.
type CircuitBreaker struct {
	name  string
	cfg   BreakerConfig
	store StateStore
	log   zerolog.Logger

	mu sync.Mutex
}

// NewCircuitBreaker constructs a breaker for the given resource name.
// A nil store defaults to a private in-memory store.
func NewCircuitBreaker(name string, cfg BreakerConfig, store StateStore, log zerolog.Logger) *CircuitBreaker {
	if store == nil {
		store = NewMemoryStateStore()
	}
	return &CircuitBreaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		store: store,
		log:   log.With().Str("component", "circuit-breaker").Str("name", name).Logger(),
	}
}

// Execute runs fn through the breaker.
//
// OPEN breakers fail fast with *CircuitOpenError without invoking fn. Once
// ResetTimeout has elapsed since the tripping failure, the next call moves
// the breaker to HALF_OPEN before invoking fn. The breaker observes exactly
// one outcome per Execute call, so retries performed inside fn are invisible
// to the failure threshold.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeCall(ctx); err != nil {
		return err
	}

	err := b.invoke(ctx, fn)
	if serr := b.afterCall(ctx, err); serr != nil {
		b.log.Error().Err(serr).Msg("failed to persist breaker state")
	}
	return err
}

// State returns the current state without side effects. Unknown names
// report StateClosed.
func (b *CircuitBreaker) State(ctx context.Context) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok, err := b.store.Load(ctx, b.name)
	if err != nil {
		b.log.Error().Err(err).Msg("failed to load breaker state")
		return StateClosed
	}
	if !ok || rec.State == "" {
		return StateClosed
	}
	return rec.State
}

// Record returns the full persisted record, for dashboards and tests.
func (b *CircuitBreaker) Record(ctx context.Context) (BreakerRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok, err := b.store.Load(ctx, b.name)
	if err != nil {
		return BreakerRecord{}, err
	}
	if !ok || rec.State == "" {
		rec.State = StateClosed
	}
	return rec, nil
}

func (b *CircuitBreaker) beforeCall(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := b.load(ctx)
	if rec.State != StateOpen {
		return nil
	}

	if time.Since(rec.LastFailureAt) < b.cfg.ResetTimeout {
		return &CircuitOpenError{Name: b.name}
	}

	// Cooldown elapsed: allow a trial call through.
	rec.State = StateHalfOpen
	rec.Successes = 0
	b.save(ctx, rec)
	b.log.Info().Msg("circuit half-open")
	return nil
}

func (b *CircuitBreaker) invoke(ctx context.Context, fn func(context.Context) error) error {
	if b.cfg.CallTimeout <= 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		return callCtx.Err()
	}
}

func (b *CircuitBreaker) afterCall(ctx context.Context, callErr error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := b.load(ctx)
	now := time.Now()

	if callErr != nil {
		rec.LastFailureAt = now
		switch rec.State {
		case StateHalfOpen:
			rec.State = StateOpen
			rec.Successes = 0
			b.log.Warn().Err(callErr).Msg("trial call failed, circuit re-opened")
		default:
			rec.Failures++
			if rec.Failures >= b.cfg.FailureThreshold {
				rec.State = StateOpen
				b.log.Warn().Err(callErr).Int("failures", rec.Failures).Msg("circuit opened")
			}
		}
		return b.save(ctx, rec)
	}

	rec.LastSuccessAt = now
	switch rec.State {
	case StateHalfOpen:
		rec.Successes++
		if rec.Successes >= b.cfg.SuccessThreshold {
			rec = BreakerRecord{State: StateClosed, LastSuccessAt: now}
			b.log.Info().Msg("circuit closed")
		}
	default:
		rec.Failures = 0
	}
	return b.save(ctx, rec)
}

func (b *CircuitBreaker) load(ctx context.Context) BreakerRecord {
	rec, ok, err := b.store.Load(ctx, b.name)
	if err != nil {
		b.log.Error().Err(err).Msg("failed to load breaker state")
	}
	if !ok || rec.State == "" {
		rec.State = StateClosed
	}
	return rec
}

func (b *CircuitBreaker) save(ctx context.Context, rec BreakerRecord) error {
	return b.store.Save(ctx, b.name, rec)
}
