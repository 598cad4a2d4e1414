package scheduler

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/jtoivan/relay/internal/jobqueue"
	"github.com/jtoivan/relay/internal/persistence"
	"github.com/jtoivan/relay/pkg/api"
)

const (
	// DefaultSweepInterval is how often the backup sweep scans for overdue
	// schedules. The sweep is the safety net against timer loss on process
	// restart: any active schedule whose NextRunAt is in the past gets
	// re-fired.
	DefaultSweepInterval = time.Minute

	// DefaultMaxBackoff caps the exponential schedule-retry delay.
	DefaultMaxBackoff = 5 * time.Minute

	// DefaultJobMaxAttempts is the queue-level redelivery bound for jobs
	// this scheduler enqueues.
	DefaultJobMaxAttempts = 3
)

// Options configures a Scheduler. The zero value is usable.
type Options struct {
	SweepInterval  time.Duration
	MaxBackoff     time.Duration
	JobMaxAttempts int
	Logger         zerolog.Logger
}

// Scheduler owns recurring cron triggers. Firing never executes the target
// inline: each fire writes the schedule bookkeeping and submits a job to
// the queue, decoupling trigger cadence from potentially slow execution.
type Scheduler struct {
	store  persistence.ScheduleStore
	queue  jobqueue.Queue
	cron   *cron.Cron
	timers *timerRegistry
	parser cron.Parser

	sweepInterval  time.Duration
	maxBackoff     time.Duration
	jobMaxAttempts int
	log            zerolog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Scheduler on the given store and queue.
func New(store persistence.ScheduleStore, queue jobqueue.Queue, opts Options) *Scheduler {
	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxBackoff
	}
	jobMaxAttempts := opts.JobMaxAttempts
	if jobMaxAttempts <= 0 {
		jobMaxAttempts = DefaultJobMaxAttempts
	}

	return &Scheduler{
		store:          store,
		queue:          queue,
		cron:           cron.New(),
		timers:         newTimerRegistry(),
		parser:         cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		sweepInterval:  sweep,
		maxBackoff:     maxBackoff,
		jobMaxAttempts: jobMaxAttempts,
		log:            opts.Logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins firing timers and the backup sweep. Timers for schedules
// already persisted as active and enabled are restored, so a process
// restart picks up where the previous one left off.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	sweepCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	schedules, err := s.store.ListSchedules(ctx, persistence.ScheduleFilter{
		Status:      api.ScheduleActive,
		EnabledOnly: true,
	})
	if err != nil {
		return err
	}
	for _, sc := range schedules {
		if err := s.startTimer(sc); err != nil {
			s.log.Error().Err(err).Str("schedule_id", sc.ID).Msg("failed to restore timer")
		}
	}

	s.cron.Start()

	s.wg.Add(1)
	go s.sweepLoop(sweepCtx)

	s.log.Info().Int("restored", len(schedules)).Msg("scheduler started")
	return nil
}

// Stop halts all timers and the sweep, waiting for in-flight fires.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

// Create validates the cron expression and target, persists a new active
// schedule and starts its timer.
func (s *Scheduler) Create(ctx context.Context, cronExpr string, target api.ScheduleTarget) (*api.Schedule, error) {
	spec, err := s.parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	if err := target.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	sc := &api.Schedule{
		ID:        uuid.NewString(),
		Target:    target,
		Cron:      cronExpr,
		Status:    api.ScheduleActive,
		NextRunAt: spec.Next(now),
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.SaveSchedule(ctx, sc); err != nil {
		return nil, err
	}

	if err := s.startTimer(sc); err != nil {
		return nil, err
	}

	s.log.Info().Str("schedule_id", sc.ID).Str("cron", cronExpr).Time("next_run_at", sc.NextRunAt).Msg("schedule created")
	return sc, nil
}

// Get fetches a schedule by ID.
func (s *Scheduler) Get(ctx context.Context, id string) (*api.Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

// List returns schedules matching the filter.
func (s *Scheduler) List(ctx context.Context, filter persistence.ScheduleFilter) ([]*api.Schedule, error) {
	return s.store.ListSchedules(ctx, filter)
}

// Update replaces the schedule's cron expression and target. The existing
// timer is stopped before the change and restarted only if the schedule
// remains active and enabled.
func (s *Scheduler) Update(ctx context.Context, id string, cronExpr string, target api.ScheduleTarget) (*api.Schedule, error) {
	spec, err := s.parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	if err := target.Validate(); err != nil {
		return nil, err
	}

	s.stopTimer(id)

	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	sc.Cron = cronExpr
	sc.Target = target
	sc.NextRunAt = spec.Next(time.Now())
	if err := s.store.UpdateSchedule(ctx, sc); err != nil {
		return nil, err
	}

	if sc.Status == api.ScheduleActive && sc.Enabled {
		if err := s.startTimer(sc); err != nil {
			return nil, err
		}
	}
	return sc, nil
}

// Delete stops the schedule's timer and removes it from the store.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	s.stopTimer(id)
	return s.store.DeleteSchedule(ctx, id)
}

// StartSchedule enables the schedule's timer without touching unrelated
// fields.
func (s *Scheduler) StartSchedule(ctx context.Context, id string) (*api.Schedule, error) {
	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	sc.Enabled = true
	if err := s.store.UpdateSchedule(ctx, sc); err != nil {
		return nil, err
	}

	if sc.Status == api.ScheduleActive {
		if err := s.startTimer(sc); err != nil {
			return nil, err
		}
	}
	return sc, nil
}

// StopSchedule disables the schedule's timer without touching unrelated
// fields.
func (s *Scheduler) StopSchedule(ctx context.Context, id string) (*api.Schedule, error) {
	s.stopTimer(id)

	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	sc.Enabled = false
	if err := s.store.UpdateSchedule(ctx, sc); err != nil {
		return nil, err
	}
	return sc, nil
}

// Retry re-activates a failed schedule: retry bookkeeping is cleared and
// the timer restarted. Failed schedules never restart silently; this is
// the explicit operator action that resumes them.
func (s *Scheduler) Retry(ctx context.Context, id string) (*api.Schedule, error) {
	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	spec, err := s.parser.Parse(sc.Cron)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", sc.Cron, err)
	}

	sc.RetryCount = 0
	sc.LastError = ""
	sc.Status = api.ScheduleActive
	sc.NextRunAt = spec.Next(time.Now())
	if err := s.store.UpdateSchedule(ctx, sc); err != nil {
		return nil, err
	}

	if sc.Enabled {
		if err := s.startTimer(sc); err != nil {
			return nil, err
		}
	}

	s.log.Info().Str("schedule_id", id).Msg("schedule retried")
	return sc, nil
}

// ReportResult records the outcome of an execution the scheduler submitted.
//
// A failure increments RetryCount; while the count stays below
// api.ScheduleMaxRetries an immediate retry is enqueued after
// 2^RetryCount seconds (capped), otherwise the schedule flips to failed
// and its timer stops. A success resets the retry bookkeeping.
func (s *Scheduler) ReportResult(ctx context.Context, scheduleID string, execErr error) error {
	sc, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return err
	}

	if execErr == nil {
		if sc.RetryCount != 0 || sc.LastError != "" {
			sc.RetryCount = 0
			sc.LastError = ""
			return s.store.UpdateSchedule(ctx, sc)
		}
		return nil
	}

	sc.RetryCount++
	sc.LastError = execErr.Error()

	if sc.RetryCount < api.ScheduleMaxRetries {
		backoff := s.retryBackoff(sc.RetryCount)
		if err := s.store.UpdateSchedule(ctx, sc); err != nil {
			return err
		}

		s.log.Warn().Err(execErr).
			Str("schedule_id", sc.ID).
			Int("retry_count", sc.RetryCount).
			Dur("backoff", backoff).
			Msg("execution failed, retrying")

		return s.enqueue(ctx, sc, time.Now().Add(backoff))
	}

	sc.Status = api.ScheduleFailed
	if err := s.store.UpdateSchedule(ctx, sc); err != nil {
		return err
	}
	s.stopTimer(sc.ID)

	s.log.Error().Err(execErr).
		Str("schedule_id", sc.ID).
		Int("retry_count", sc.RetryCount).
		Msg("schedule failed, timer stopped")
	return nil
}

// retryBackoff is 2^retryCount seconds, capped at maxBackoff.
func (s *Scheduler) retryBackoff(retryCount int) time.Duration {
	d := time.Duration(math.Pow(2, float64(retryCount)) * float64(time.Second))
	if d > s.maxBackoff {
		d = s.maxBackoff
	}
	return d
}

// Fire triggers one execution of the schedule now: bookkeeping is updated
// and a job submitted to the queue. It is called by cron timers and the
// backup sweep, and is exported for callers that want a manual "run now".
func (s *Scheduler) Fire(ctx context.Context, id string) error {
	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if sc.Status != api.ScheduleActive || !sc.Enabled {
		return nil
	}

	spec, err := s.parser.Parse(sc.Cron)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", sc.Cron, err)
	}

	now := time.Now()
	sc.LastRunAt = now
	sc.NextRunAt = spec.Next(now)
	if err := s.store.UpdateSchedule(ctx, sc); err != nil {
		return err
	}

	return s.enqueue(ctx, sc, time.Time{})
}

func (s *Scheduler) enqueue(ctx context.Context, sc *api.Schedule, notBefore time.Time) error {
	job := jobqueue.Job{
		TaskID:      uuid.NewString(),
		Type:        sc.Target.JobType(),
		MaxAttempts: s.jobMaxAttempts,
		NotBefore:   notBefore,
		Payload: api.RunWorkflowPayload{
			ScheduleID: sc.ID,
			WorkflowID: sc.Target.WorkflowID,
			Platform:   sc.Target.Platform,
			Intent:     sc.Target.Intent,
		},
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return err
	}

	s.log.Debug().Str("schedule_id", sc.ID).Str("task_id", job.TaskID).Str("type", job.Type).Msg("job enqueued")
	return nil
}

func (s *Scheduler) startTimer(sc *api.Schedule) error {
	id := sc.ID
	entryID, err := s.cron.AddFunc(sc.Cron, func() {
		if err := s.Fire(context.Background(), id); err != nil {
			s.log.Error().Err(err).Str("schedule_id", id).Msg("timer fire failed")
		}
	})
	if err != nil {
		return err
	}

	if prev, had := s.timers.register(id, entryID); had {
		s.cron.Remove(prev)
	}
	return nil
}

func (s *Scheduler) stopTimer(scheduleID string) {
	if entryID, ok := s.timers.release(scheduleID); ok {
		s.cron.Remove(entryID)
	}
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.log.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

// SweepOnce re-fires every active, enabled schedule whose NextRunAt has
// passed. Exported so tests and operators can run the sweep on demand.
func (s *Scheduler) SweepOnce(ctx context.Context) error {
	due, err := s.store.ListSchedules(ctx, persistence.ScheduleFilter{
		Status:      api.ScheduleActive,
		DueBefore:   time.Now(),
		EnabledOnly: true,
	})
	if err != nil {
		return err
	}

	for _, sc := range due {
		if sc.NextRunAt.IsZero() {
			continue
		}
		s.log.Warn().Str("schedule_id", sc.ID).Time("next_run_at", sc.NextRunAt).Msg("overdue schedule, re-firing")
		if err := s.Fire(ctx, sc.ID); err != nil {
			s.log.Error().Err(err).Str("schedule_id", sc.ID).Msg("sweep fire failed")
		}
	}
	return nil
}
