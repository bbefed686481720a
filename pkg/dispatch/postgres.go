package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cresconet/loadctl/pkg/models"
)

const (
	queueStatusPending = "pending"
	queueStatusClaimed = "claimed"
)

// PostgresSource implements Source on the ingress_queue table via sqlx.
type PostgresSource struct {
	db *sqlx.DB
}

// NewPostgresSource creates an ingress-queue source over the given handle.
func NewPostgresSource(db *sqlx.DB) *PostgresSource {
	if db == nil {
		panic("dispatch: db must not be nil")
	}
	return &PostgresSource{db: db}
}

var _ Source = (*PostgresSource)(nil)

func (s *PostgresSource) Enqueue(ctx context.Context, req models.OverrideRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request %s: %w", req.CorrelationID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ingress_queue (correlation_id, payload, status, created_at)
		VALUES ($1, $2::jsonb, $3, now())`,
		req.CorrelationID, string(payload), queueStatusPending)
	if err != nil {
		return fmt.Errorf("enqueue request %s: %w", req.CorrelationID, err)
	}
	return nil
}

func (s *PostgresSource) ClaimBatch(ctx context.Context, podID string, limit int) ([]QueuedRequest, error) {
	rows := []struct {
		ID            int64     `db:"id"`
		CorrelationID string    `db:"correlation_id"`
		Payload       []byte    `db:"payload"`
		CreatedAt     time.Time `db:"created_at"`
	}{}
	err := s.db.SelectContext(ctx, &rows, `
		UPDATE ingress_queue
		SET status = $1, pod_id = $2, claimed_at = now()
		WHERE id IN (
			SELECT id FROM ingress_queue
			WHERE status = $3
			ORDER BY id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, correlation_id, payload, created_at`,
		queueStatusClaimed, podID, queueStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("claim ingress batch: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNoRequestsAvailable
	}

	batch := make([]QueuedRequest, 0, len(rows))
	for _, r := range rows {
		var req models.OverrideRequest
		if err := json.Unmarshal(r.Payload, &req); err != nil {
			return nil, fmt.Errorf("unmarshal queued request %s: %w", r.CorrelationID, err)
		}
		batch = append(batch, QueuedRequest{
			ID:            r.ID,
			CorrelationID: r.CorrelationID,
			Request:       req,
			EnqueuedAt:    r.CreatedAt,
		})
	}
	return batch, nil
}

func (s *PostgresSource) MarkDone(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM ingress_queue WHERE id IN (?)`, ids)
	if err != nil {
		return fmt.Errorf("build delete for ingress batch: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("delete processed ingress requests: %w", err)
	}
	return nil
}

func (s *PostgresSource) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE ingress_queue
		SET status = $1, pod_id = NULL, claimed_at = NULL
		WHERE status = $2 AND claimed_at < now() - $3::interval`,
		queueStatusPending, queueStatusClaimed, fmt.Sprintf("%f seconds", olderThan.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("requeue stale ingress claims: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count requeued ingress claims: %w", err)
	}
	return int(count), nil
}

func (s *PostgresSource) Release(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`
		UPDATE ingress_queue
		SET status = ?, pod_id = NULL, claimed_at = NULL
		WHERE id IN (?)`, queueStatusPending, ids)
	if err != nil {
		return fmt.Errorf("build release for ingress batch: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("release claimed ingress requests: %w", err)
	}
	return nil
}
