package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jtoivan/relay/pkg/api"
)

// PostgresWorkflowStore is a WorkflowStore backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib" or "github.com/lib/pq").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
type PostgresWorkflowStore struct {
	db *sql.DB
}

// Ensure PostgresWorkflowStore implements WorkflowStore.
var _ WorkflowStore = (*PostgresWorkflowStore)(nil)

// NewPostgresWorkflowStore initializes the required schema in the given
// database and returns a new PostgresWorkflowStore.
func NewPostgresWorkflowStore(db *sql.DB) (*PostgresWorkflowStore, error) {
	s := &PostgresWorkflowStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PostgresWorkflowStore) initSchema() error {
	_, err := p.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			current_step INTEGER NOT NULL,
			steps BYTEA,
			context BYTEA,
			last_error TEXT,
			locked BOOLEAN NOT NULL DEFAULT FALSE,
			locked_at BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);
	`)
	return err
}

func (p *PostgresWorkflowStore) SaveWorkflow(ctx context.Context, w *api.Workflow) error {
	steps, err := EncodeSteps(w.Steps)
	if err != nil {
		return err
	}
	wctx, err := EncodeContext(w.Context)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO workflows (id, status, current_step, steps, context, last_error, locked, locked_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		w.ID,
		string(w.Status),
		w.CurrentStep,
		steps,
		wctx,
		w.LastError,
		w.Locked,
		nanos(w.LockedAt),
		nanos(w.CreatedAt),
		nanos(w.UpdatedAt),
	)
	return err
}

func (p *PostgresWorkflowStore) UpdateWorkflow(ctx context.Context, w *api.Workflow) error {
	steps, err := EncodeSteps(w.Steps)
	if err != nil {
		return err
	}
	wctx, err := EncodeContext(w.Context)
	if err != nil {
		return err
	}

	res, err := p.db.ExecContext(ctx, `
		UPDATE workflows
		SET status       = $1,
		    current_step = $2,
		    steps        = $3,
		    context      = $4,
		    last_error   = $5,
		    updated_at   = $6
		WHERE id = $7`,
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

func (p *PostgresWorkflowStore) scanRow(scan func(dest ...any) error) (*api.Workflow, error) {
	var (
		w         api.Workflow
		statusStr string
		steps     []byte
		wctx      []byte
		lastErr   sql.NullString
		lockedAt  int64
		createdAt int64
		updatedAt int64
	)

	if err := scan(&w.ID, &statusStr, &w.CurrentStep, &steps, &wctx, &lastErr, &w.Locked, &lockedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	w.Status = api.Status(statusStr)
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

func (p *PostgresWorkflowStore) GetWorkflow(ctx context.Context, id string) (*api.Workflow, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, status, current_step, steps, context, last_error, locked, locked_at, created_at, updated_at
		FROM workflows WHERE id = $1`, id)
	w, err := p.scanRow(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrWorkflowNotFound
		}
		return nil, err
	}
	return w, nil
}

func (p *PostgresWorkflowStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*api.Workflow, error) {
	query := `
		SELECT id, status, current_step, steps, context, last_error, locked, locked_at, created_at, updated_at
		FROM workflows`
	var args []any
	var clauses []string

	if filter.Status != "" {
		clauses = append(clauses, "status = $1")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*api.Workflow
	for rows.Next() {
		w, err := p.scanRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, w)
	}
	return workflows, rows.Err()
}

func (p *PostgresWorkflowStore) TryLock(ctx context.Context, id string, staleBefore time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE workflows
		SET locked = TRUE, locked_at = $1
		WHERE id = $2
		AND (locked = FALSE OR locked_at <= $3)`,
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

	var one int
	err = p.db.QueryRowContext(ctx, `SELECT 1 FROM workflows WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrWorkflowNotFound
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (p *PostgresWorkflowStore) Unlock(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE workflows SET locked = FALSE, locked_at = 0 WHERE id = $1`, id)
	return err
}
