package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/cresconet/loadctl/pkg/models"
)

const headerColumns = `correlation_id, subscription_id, site, meter_serial, override_value,
	service, current_stage, stage_count, request_start, request_end, original_start,
	group_id, policy_id, policy_name, head_end, extended_by, extends, created_at, updated_at`

const uniqueViolation = "23505"

// PostgresStore implements Store on PostgreSQL via sqlx.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a tracker store over the given handle.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	if db == nil {
		panic("tracker: db must not be nil")
	}
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateHeader(ctx context.Context, h *Header) error {
	now := time.Now().UTC()
	if h.Service == "" {
		h.Service = models.LoadControlService
	}
	h.CurrentStage = models.StageReceived
	h.StageCount = 1
	h.CreatedAt = now
	h.UpdatedAt = now

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create header: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO request_headers (
			correlation_id, subscription_id, site, meter_serial, override_value,
			service, current_stage, stage_count, request_start, request_end,
			original_start, group_id, policy_id, policy_name, head_end,
			extended_by, extends, created_at, updated_at
		) VALUES (
			:correlation_id, :subscription_id, :site, :meter_serial, :override_value,
			:service, :current_stage, :stage_count, :request_start, :request_end,
			:original_start, :group_id, :policy_id, :policy_name, :head_end,
			:extended_by, :extends, :created_at, :updated_at
		)`, h)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert header: %w", err)
	}

	if err := insertStageRecord(ctx, tx, h, 1, string(models.StageReceived), "", now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create header: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetHeader(ctx context.Context, correlationID string) (*Header, error) {
	var h Header
	err := s.db.GetContext(ctx, &h,
		`SELECT `+headerColumns+` FROM request_headers WHERE correlation_id = $1`,
		correlationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get header: %w", err)
	}
	return &h, nil
}

func (s *PostgresStore) AppendStage(ctx context.Context, correlationID string, upd StageUpdate) (*Header, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append stage: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	h, err := appendStageTx(ctx, tx, correlationID, upd)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append stage: %w", err)
	}
	return h, nil
}

func (s *PostgresStore) BulkAppendStage(ctx context.Context, correlationIDs []string, upd StageUpdate) error {
	for _, id := range correlationIDs {
		if _, err := s.AppendStage(ctx, id, upd); err != nil {
			return fmt.Errorf("append stage for %s: %w", id, err)
		}
	}
	return nil
}

// appendStageTx serializes the mutation by locking the header row.
func appendStageTx(ctx context.Context, tx *sqlx.Tx, correlationID string, upd StageUpdate) (*Header, error) {
	var h Header
	err := tx.GetContext(ctx, &h,
		`SELECT `+headerColumns+` FROM request_headers WHERE correlation_id = $1 FOR UPDATE`,
		correlationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock header: %w", err)
	}

	if h.CurrentStage.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminalStage, correlationID, h.CurrentStage)
	}

	at := upd.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	h.CurrentStage = upd.Stage
	h.StageCount++
	h.UpdatedAt = at
	if upd.RequestStart != nil {
		h.RequestStart = upd.RequestStart
	}
	if upd.RequestEnd != nil {
		h.RequestEnd = upd.RequestEnd
	}
	if upd.OriginalStart != nil {
		h.OriginalStart = upd.OriginalStart
	}
	if upd.PolicyID != nil {
		h.PolicyID = upd.PolicyID
		headEnd := models.HeadEndPolicyNet
		h.HeadEnd = &headEnd
	}
	if upd.PolicyName != nil {
		h.PolicyName = upd.PolicyName
	}
	if upd.HeadEnd != nil {
		h.HeadEnd = upd.HeadEnd
	}
	if upd.ExtendedBy != nil {
		h.ExtendedBy = upd.ExtendedBy
	}
	if upd.Extends != nil {
		h.Extends = upd.Extends
	}
	if upd.ClearPolicy {
		h.PolicyID = nil
		h.PolicyName = nil
		h.HeadEnd = nil
	}

	_, err = tx.NamedExecContext(ctx, `
		UPDATE request_headers SET
			current_stage = :current_stage,
			stage_count = :stage_count,
			request_start = :request_start,
			request_end = :request_end,
			original_start = :original_start,
			policy_id = :policy_id,
			policy_name = :policy_name,
			head_end = :head_end,
			extended_by = :extended_by,
			extends = :extends,
			updated_at = :updated_at
		WHERE correlation_id = :correlation_id`, &h)
	if err != nil {
		return nil, fmt.Errorf("update header: %w", err)
	}

	if err := insertStageRecord(ctx, tx, &h, h.StageCount, string(upd.Stage), upd.Message, at); err != nil {
		return nil, err
	}
	return &h, nil
}

func insertStageRecord(ctx context.Context, tx *sqlx.Tx, h *Header, number int, name, message string, at time.Time) error {
	var msg *string
	if message != "" {
		msg = &message
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO request_stages (
			correlation_id, stage_number, stage_name, message,
			request_start, request_end, original_start,
			policy_id, policy_name, extended_by, extends, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		h.CorrelationID, number, name, msg,
		h.RequestStart, h.RequestEnd, h.OriginalStart,
		h.PolicyID, h.PolicyName, h.ExtendedBy, h.Extends, at)
	if err != nil {
		return fmt.Errorf("insert stage record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListStages(ctx context.Context, correlationID string) ([]StageRecord, error) {
	var records []StageRecord
	err := s.db.SelectContext(ctx, &records, `
		SELECT correlation_id, stage_number, stage_name, message,
			request_start, request_end, original_start,
			policy_id, policy_name, extended_by, extends, created_at
		FROM request_stages
		WHERE correlation_id = $1
		ORDER BY stage_number`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) QueryMeterWindow(ctx context.Context, q MeterWindowQuery) ([]Header, error) {
	query := `SELECT ` + headerColumns + ` FROM request_headers
		WHERE site = ? AND meter_serial = ? AND service = ?`
	args := []any{q.Site, q.MeterSerial, models.LoadControlService}

	if q.EndEquals != nil {
		query += ` AND request_end = ?`
		args = append(args, *q.EndEquals)
	}
	if q.EndAtOrAfter != nil {
		query += ` AND request_end >= ?`
		args = append(args, *q.EndAtOrAfter)
	}
	if q.StartAtOrBefore != nil {
		query += ` AND request_start <= ?`
		args = append(args, *q.StartAtOrBefore)
	}
	if len(q.IncludeStages) > 0 {
		query += ` AND current_stage IN (?)`
		args = append(args, stageNames(q.IncludeStages))
	}
	if len(q.ExcludeStages) > 0 {
		query += ` AND current_stage NOT IN (?)`
		args = append(args, stageNames(q.ExcludeStages))
	}
	query += ` ORDER BY request_end, correlation_id`

	expanded, expandedArgs, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("expand meter window query: %w", err)
	}

	var headers []Header
	if err := s.db.SelectContext(ctx, &headers, s.db.Rebind(expanded), expandedArgs...); err != nil {
		return nil, fmt.Errorf("query meter window: %w", err)
	}
	return headers, nil
}

func (s *PostgresStore) ListBySite(ctx context.Context, site string, limit int) ([]Header, error) {
	var headers []Header
	err := s.db.SelectContext(ctx, &headers,
		`SELECT `+headerColumns+` FROM request_headers
		WHERE site = $1 ORDER BY created_at DESC LIMIT $2`,
		site, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list by site: %w", err)
	}
	return headers, nil
}

func (s *PostgresStore) ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]Header, error) {
	var headers []Header
	err := s.db.SelectContext(ctx, &headers,
		`SELECT `+headerColumns+` FROM request_headers
		WHERE subscription_id = $1 ORDER BY created_at DESC LIMIT $2`,
		subscriptionID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list by subscription: %w", err)
	}
	return headers, nil
}

func (s *PostgresStore) FindByPolicyID(ctx context.Context, headEnd string, policyID int64) (*Header, error) {
	var h Header
	err := s.db.GetContext(ctx, &h,
		`SELECT `+headerColumns+` FROM request_headers
		WHERE head_end = $1 AND policy_id = $2
		ORDER BY correlation_id LIMIT 1`,
		headEnd, policyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find by policy id: %w", err)
	}
	return &h, nil
}

func (s *PostgresStore) PendingReceived(ctx context.Context, correlationIDs []string) ([]string, error) {
	if len(correlationIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT correlation_id FROM request_headers
		WHERE correlation_id IN (?) AND current_stage = ?`,
		correlationIDs, string(models.StageReceived))
	if err != nil {
		return nil, fmt.Errorf("expand pending query: %w", err)
	}
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	return ids, nil
}

func stageNames(stages []models.Stage) []string {
	names := make([]string, len(stages))
	for i, st := range stages {
		names[i] = string(st)
	}
	return names
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
