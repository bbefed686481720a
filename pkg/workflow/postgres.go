package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

const executionColumns = `execution_key, kind, status, next_step, payload, run_at,
	attempts, pod_id, error_message, created_at, updated_at, heartbeat_at`

const uniqueViolation = "23505"

// PostgresStore implements ExecutionStore on PostgreSQL via sqlx.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates an execution store over the given handle.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	if db == nil {
		panic("workflow: db must not be nil")
	}
	return &PostgresStore{db: db}
}

var _ ExecutionStore = (*PostgresStore)(nil)

func (s *PostgresStore) Submit(ctx context.Context, e *Execution) error {
	now := time.Now().UTC()
	if e.Status == "" {
		e.Status = StatusPending
	}
	if e.RunAt.IsZero() {
		e.RunAt = now
	}
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_executions (
			execution_key, kind, status, next_step, payload, run_at,
			attempts, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9)`,
		e.ExecutionKey, e.Kind, e.Status, e.NextStep, string(e.Payload),
		e.RunAt, e.Attempts, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateExecution
		}
		return fmt.Errorf("insert execution %s: %w", e.ExecutionKey, err)
	}
	return nil
}

func (s *PostgresStore) ClaimNext(ctx context.Context, podID string) (*Execution, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var e Execution
	err = tx.GetContext(ctx, &e, `
		SELECT `+executionColumns+`
		FROM workflow_executions
		WHERE status = $1 AND run_at <= now()
		ORDER BY run_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, StatusPending)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoExecutionsAvailable
		}
		return nil, fmt.Errorf("query runnable execution: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = $1, pod_id = $2, heartbeat_at = $3, updated_at = $3
		WHERE execution_key = $4`,
		StatusRunning, podID, now, e.ExecutionKey)
	if err != nil {
		return nil, fmt.Errorf("claim execution %s: %w", e.ExecutionKey, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	e.Status = StatusRunning
	e.PodID = &podID
	e.HeartbeatAt = &now
	e.UpdatedAt = now
	return &e, nil
}

func (s *PostgresStore) CountRunning(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT count(*) FROM workflow_executions WHERE status = $1`, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("count running executions: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) SaveStep(ctx context.Context, key, nextStep string, payload []byte, runAt time.Time, attempts int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = $1, next_step = $2, payload = $3::jsonb, run_at = $4,
		    attempts = $5, pod_id = NULL, heartbeat_at = NULL, updated_at = now()
		WHERE execution_key = $6 AND status = $7`,
		StatusPending, nextStep, string(payload), runAt.UTC(), attempts, key, StatusRunning)
	if err != nil {
		return fmt.Errorf("save step for execution %s: %w", key, err)
	}
	return s.checkRunningUpdate(ctx, res, key)
}

func (s *PostgresStore) Complete(ctx context.Context, key, status, errorMessage string) error {
	var errMsg *string
	if errorMessage != "" {
		errMsg = &errorMessage
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = $1, error_message = $2, pod_id = NULL, heartbeat_at = NULL,
		    updated_at = now()
		WHERE execution_key = $3 AND status = $4`,
		status, errMsg, key, StatusRunning)
	if err != nil {
		return fmt.Errorf("complete execution %s: %w", key, err)
	}
	return s.checkRunningUpdate(ctx, res, key)
}

func (s *PostgresStore) Heartbeat(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET heartbeat_at = now()
		WHERE execution_key = $1 AND status = $2`, key, StatusRunning)
	if err != nil {
		return fmt.Errorf("heartbeat execution %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Stop(ctx context.Context, key, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = $1, error_message = $2, updated_at = now()
		WHERE execution_key = $3 AND status IN ($4, $5)`,
		StatusStopped, reason, key, StatusPending, StatusRunning)
	if err != nil {
		return false, fmt.Errorf("stop execution %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("stop execution %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *PostgresStore) RequeueOrphans(ctx context.Context, threshold time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = $1, pod_id = NULL, heartbeat_at = NULL, updated_at = now()
		WHERE status = $2 AND heartbeat_at < now() - $3::interval`,
		StatusPending, StatusRunning, fmt.Sprintf("%f seconds", threshold.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("requeue orphaned executions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue orphaned executions: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*Execution, error) {
	var e Execution
	err := s.db.GetContext(ctx, &e, `
		SELECT `+executionColumns+`
		FROM workflow_executions
		WHERE execution_key = $1`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get execution %s: %w", key, err)
	}
	return &e, nil
}

func (s *PostgresStore) DeleteFinished(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM workflow_executions
		WHERE status IN ($1, $2, $3) AND updated_at < now() - $4::interval`,
		StatusCompleted, StatusFailed, StatusStopped,
		fmt.Sprintf("%f seconds", olderThan.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("delete finished executions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete finished executions: %w", err)
	}
	return int(n), nil
}

// checkRunningUpdate maps an unmatched conditional update to ErrStopped:
// the execution was stopped (or requeued as an orphan) while this pod
// held it, so the step outcome is discarded.
func (s *PostgresStore) checkRunningUpdate(ctx context.Context, res sql.Result, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update execution %s: %w", key, err)
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, key); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrStopped
	}
	return nil
}
