package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jtoivan/relay/pkg/api"
)

// SQLiteStore implements WorkflowStore and ScheduleStore on SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements the interfaces.
var (
	_ WorkflowStore = (*SQLiteStore)(nil)
	_ ScheduleStore = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			current_step INTEGER NOT NULL,
			steps BLOB,
			context BLOB,
			last_error TEXT,
			locked INTEGER NOT NULL DEFAULT 0,
			locked_at INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL DEFAULT '',
			platform TEXT NOT NULL DEFAULT '',
			intent TEXT NOT NULL DEFAULT '',
			cron TEXT NOT NULL,
			status TEXT NOT NULL,
			next_run_at INTEGER NOT NULL DEFAULT 0,
			last_run_at INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	return err
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (s *SQLiteStore) SaveWorkflow(ctx context.Context, w *api.Workflow) error {
	steps, err := EncodeSteps(w.Steps)
	if err != nil {
		return err
	}
	wctx, err := EncodeContext(w.Context)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, status, current_step, steps, context, last_error, locked, locked_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID,
		string(w.Status),
		w.CurrentStep,
		steps,
		wctx,
		w.LastError,
		boolToInt(w.Locked),
		nanos(w.LockedAt),
		nanos(w.CreatedAt),
		nanos(w.UpdatedAt),
	)
	return err
}

func (s *SQLiteStore) UpdateWorkflow(ctx context.Context, w *api.Workflow) error {
	steps, err := EncodeSteps(w.Steps)
	if err != nil {
		return err
	}
	wctx, err := EncodeContext(w.Context)
	if err != nil {
		return err
	}

	// Lock columns are deliberately excluded; see WorkflowStore docs.
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET status = ?, current_step = ?, steps = ?, context = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		string(w.Status),
		w.CurrentStep,
		steps,
		wctx,
		w.LastError,
		nanos(time.Now()),
		w.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}

const workflowColumns = `id, status, current_step, steps, context, last_error, locked, locked_at, created_at, updated_at`

func scanWorkflow(scan func(dest ...any) error) (*api.Workflow, error) {
	var (
		w         api.Workflow
		statusStr string
		steps     []byte
		wctx      []byte
		lastErr   sql.NullString
		locked    int
		lockedAt  int64
		createdAt int64
		updatedAt int64
	)

	if err := scan(&w.ID, &statusStr, &w.CurrentStep, &steps, &wctx, &lastErr, &locked, &lockedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	w.Status = api.Status(statusStr)
	w.Locked = locked != 0
	w.LockedAt = fromNanos(lockedAt)
	w.CreatedAt = fromNanos(createdAt)
	w.UpdatedAt = fromNanos(updatedAt)
	if lastErr.Valid {
		w.LastError = lastErr.String
	}

	decodedSteps, err := DecodeSteps(steps)
	if err != nil {
		return nil, err
	}
	w.Steps = decodedSteps

	decodedCtx, err := DecodeContext(wctx)
	if err != nil {
		return nil, err
	}
	w.Context = decodedCtx

	return &w, nil
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*api.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	w, err := scanWorkflow(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrWorkflowNotFound
		}
		return nil, err
	}
	return w, nil
}

func (s *SQLiteStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*api.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*api.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, w)
	}
	return workflows, rows.Err()
}

func (s *SQLiteStore) TryLock(ctx context.Context, id string, staleBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET locked = 1, locked_at = ?
		WHERE id = ? AND (locked = 0 OR locked_at <= ?)`,
		nanos(time.Now()), id, nanos(staleBefore),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	// Zero rows means either a live lock or an unknown id; callers need
	// to tell those apart.
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM workflows WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrWorkflowNotFound
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLiteStore) Unlock(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET locked = 0, locked_at = 0 WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) SaveSchedule(ctx context.Context, sc *api.Schedule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, workflow_id, platform, intent, cron, status, next_run_at, last_run_at, retry_count, last_error, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID,
		sc.Target.WorkflowID,
		sc.Target.Platform,
		sc.Target.Intent,
		sc.Cron,
		string(sc.Status),
		nanos(sc.NextRunAt),
		nanos(sc.LastRunAt),
		sc.RetryCount,
		sc.LastError,
		boolToInt(sc.Enabled),
		nanos(sc.CreatedAt),
		nanos(sc.UpdatedAt),
	)
	return err
}

func (s *SQLiteStore) UpdateSchedule(ctx context.Context, sc *api.Schedule) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules
		SET workflow_id = ?, platform = ?, intent = ?, cron = ?, status = ?, next_run_at = ?, last_run_at = ?, retry_count = ?, last_error = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		sc.Target.WorkflowID,
		sc.Target.Platform,
		sc.Target.Intent,
		sc.Cron,
		string(sc.Status),
		nanos(sc.NextRunAt),
		nanos(sc.LastRunAt),
		sc.RetryCount,
		sc.LastError,
		boolToInt(sc.Enabled),
		nanos(time.Now()),
		sc.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

const scheduleColumns = `id, workflow_id, platform, intent, cron, status, next_run_at, last_run_at, retry_count, last_error, enabled`

func scanSchedule(scan func(dest ...any) error) (*api.Schedule, error) {
	var (
		sc        api.Schedule
		statusStr string
		nextRun   int64
		lastRun   int64
		lastErr   sql.NullString
		enabled   int
	)

	if err := scan(&sc.ID, &sc.Target.WorkflowID, &sc.Target.Platform, &sc.Target.Intent, &sc.Cron, &statusStr, &nextRun, &lastRun, &sc.RetryCount, &lastErr, &enabled); err != nil {
		return nil, err
	}

	sc.Status = api.ScheduleStatus(statusStr)
	sc.NextRunAt = fromNanos(nextRun)
	sc.LastRunAt = fromNanos(lastRun)
	sc.Enabled = enabled != 0
	if lastErr.Valid {
		sc.LastError = lastErr.String
	}
	return &sc, nil
}

func (s *SQLiteStore) GetSchedule(ctx context.Context, id string) (*api.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, err
	}
	return sc, nil
}

func (s *SQLiteStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*api.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	var args []any
	var clauses []string

	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.DueBefore.IsZero() {
		clauses = append(clauses, "next_run_at < ?")
		args = append(args, nanos(filter.DueBefore))
	}
	if filter.EnabledOnly {
		clauses = append(clauses, "enabled = 1")
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*api.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sc)
	}
	return schedules, rows.Err()
}

func (s *SQLiteStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
