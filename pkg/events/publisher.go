package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Publisher persists stage events and broadcasts them via NOTIFY.
//
// Persist and broadcast happen in one transaction (pg_notify is
// transactional — held until COMMIT), so a consumer that misses the
// NOTIFY can catch up from the events table.
type Publisher struct {
	db *sql.DB
}

// NewPublisher creates a new Publisher.
// The db parameter should be the *sql.DB from database.Client.DB().
func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

// PublishStageEvent persists and broadcasts a milestone event on both
// the per-request and global channels.
func (p *Publisher) PublishStageEvent(ctx context.Context, event StageEvent) error {
	payloadJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal stage event: %w", err)
	}
	return p.persistAndNotify(ctx, event.CorrelationID, RequestChannel(event.CorrelationID), payloadJSON)
}

// persistAndNotify persists a pre-marshaled event to the database and
// broadcasts via NOTIFY in a single transaction.
func (p *Publisher) persistAndNotify(ctx context.Context, correlationID, channel string, payloadJSON []byte) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var eventID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO events (correlation_id, channel, payload, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		correlationID, channel, payloadJSON, time.Now(),
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	notifyPayload, err := truncateIfNeeded(string(payloadJSON))
	if err != nil {
		return err
	}

	// pg_notify within the same transaction — held until COMMIT.
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", GlobalChannel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event transaction: %w", err)
	}
	return nil
}

// CleanupDelivered removes persisted events older than ttl. Returns the
// number of rows deleted.
func (p *Publisher) CleanupDelivered(ctx context.Context, ttl time.Duration) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM events WHERE created_at < $1`, time.Now().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	return res.RowsAffected()
}

// truncateIfNeeded returns the payload string as-is if it fits within
// PostgreSQL's 8000-byte NOTIFY limit, otherwise a minimal envelope with
// only routing fields.
func truncateIfNeeded(payloadStr string) (string, error) {
	if len(payloadStr) <= 7900 {
		return payloadStr, nil
	}

	var routing struct {
		CorrelationID string `json:"correlationId"`
		Milestone     string `json:"milestone"`
	}
	if err := json.Unmarshal([]byte(payloadStr), &routing); err != nil {
		return "", fmt.Errorf("failed to extract routing fields for truncation: %w", err)
	}
	truncated, err := json.Marshal(map[string]any{
		"correlationId": routing.CorrelationID,
		"milestone":     routing.Milestone,
		"truncated":     true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated payload: %w", err)
	}
	return string(truncated), nil
}
