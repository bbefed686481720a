// Package tracker persists the request-lifecycle journal: one header per
// request plus an append-only sequence of stage records. Header mutations
// are serialized per correlation id; stage numbers are dense and
// monotonic. Headers are never deleted — requests transition to terminal
// stages instead.
package tracker

import (
	"context"
	"time"

	"github.com/cresconet/loadctl/pkg/models"
)

// Header is the authoritative record for one request.
type Header struct {
	CorrelationID  string       `db:"correlation_id" json:"correlation_id"`
	SubscriptionID string       `db:"subscription_id" json:"subscription_id"`
	Site           string       `db:"site" json:"site"`
	MeterSerial    string       `db:"meter_serial" json:"meter_serial"`
	OverrideValue  string       `db:"override_value" json:"override_value"`
	Service        string       `db:"service" json:"service"`
	CurrentStage   models.Stage `db:"current_stage" json:"current_stage"`
	StageCount     int          `db:"stage_count" json:"stage_count"`
	RequestStart   *time.Time   `db:"request_start" json:"request_start,omitempty"`
	RequestEnd     *time.Time   `db:"request_end" json:"request_end,omitempty"`
	OriginalStart  *time.Time   `db:"original_start" json:"original_start,omitempty"`
	GroupID        *string      `db:"group_id" json:"group_id,omitempty"`
	PolicyID       *int64       `db:"policy_id" json:"policy_id,omitempty"`
	PolicyName     *string      `db:"policy_name" json:"policy_name,omitempty"`
	HeadEnd        *string      `db:"head_end" json:"head_end,omitempty"`
	ExtendedBy     *string      `db:"extended_by" json:"extended_by,omitempty"`
	Extends        *string      `db:"extends" json:"extends,omitempty"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at" json:"updated_at"`
}

// StageRecord is one entry in a request's journal. It snapshots the
// mutable header fields as they stood when the stage was recorded.
type StageRecord struct {
	CorrelationID string     `db:"correlation_id" json:"correlation_id"`
	StageNumber   int        `db:"stage_number" json:"stage_number"`
	StageName     string     `db:"stage_name" json:"stage_name"`
	Message       *string    `db:"message" json:"message,omitempty"`
	RequestStart  *time.Time `db:"request_start" json:"request_start,omitempty"`
	RequestEnd    *time.Time `db:"request_end" json:"request_end,omitempty"`
	OriginalStart *time.Time `db:"original_start" json:"original_start,omitempty"`
	PolicyID      *int64     `db:"policy_id" json:"policy_id,omitempty"`
	PolicyName    *string    `db:"policy_name" json:"policy_name,omitempty"`
	ExtendedBy    *string    `db:"extended_by" json:"extended_by,omitempty"`
	Extends       *string    `db:"extends" json:"extends,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// StageUpdate describes one stage transition. Nil fields leave the
// header value untouched; non-nil fields overwrite it.
type StageUpdate struct {
	Stage   models.Stage
	Message string

	// At is the transition timestamp; zero means now.
	At time.Time

	RequestStart  *time.Time
	RequestEnd    *time.Time
	OriginalStart *time.Time
	PolicyID      *int64
	PolicyName    *string
	HeadEnd       *string
	ExtendedBy    *string
	Extends       *string

	// ClearPolicy removes the header's policy reference (the policy was
	// deleted at the head-end).
	ClearPolicy bool
}

// MeterWindowQuery selects headers on one (site, meter) by request window
// and stage.
type MeterWindowQuery struct {
	Site        string
	MeterSerial string

	// EndEquals matches request_end exactly (contiguity probe).
	EndEquals *time.Time

	// EndAtOrAfter / StartAtOrBefore bound the window scan (overlap probe).
	EndAtOrAfter    *time.Time
	StartAtOrBefore *time.Time

	// IncludeStages restricts to these stages when non-empty.
	IncludeStages []models.Stage
	// ExcludeStages drops these stages.
	ExcludeStages []models.Stage
}

// Store is the persistence contract for the request journal.
type Store interface {
	// CreateHeader writes a header in stage RECEIVED with stage_count=1
	// and appends stage record #1. Returns ErrAlreadyExists when the
	// correlation id is taken.
	CreateHeader(ctx context.Context, h *Header) error

	// GetHeader returns the header or ErrNotFound.
	GetHeader(ctx context.Context, correlationID string) (*Header, error)

	// AppendStage atomically bumps stage_count, sets current_stage,
	// applies the supplied mutations, and appends the next stage record.
	// The appended record's number equals the post-update stage_count.
	// Returns ErrNotFound for unknown ids and ErrTerminalStage when the
	// header already sits in a terminal stage.
	AppendStage(ctx context.Context, correlationID string, upd StageUpdate) (*Header, error)

	// BulkAppendStage applies AppendStage over a collection. Per-id
	// atomicity holds; ordering between ids is unspecified. The first
	// error aborts the remainder.
	BulkAppendStage(ctx context.Context, correlationIDs []string, upd StageUpdate) error

	// ListStages returns the journal for one request, ordered by stage
	// number.
	ListStages(ctx context.Context, correlationID string) ([]StageRecord, error)

	// QueryMeterWindow returns headers matching the window query,
	// ordered by request_end then correlation id (stable tie-break).
	QueryMeterWindow(ctx context.Context, q MeterWindowQuery) ([]Header, error)

	// ListBySite returns headers for a site, newest first.
	ListBySite(ctx context.Context, site string, limit int) ([]Header, error)

	// ListBySubscription returns headers for a subscriber, newest first.
	ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]Header, error)

	// FindByPolicyID resolves a head-end callback that only knows the
	// policy id. Returns ErrNotFound when no header carries the id.
	FindByPolicyID(ctx context.Context, headEnd string, policyID int64) (*Header, error)

	// PendingReceived filters the given ids down to those still in
	// RECEIVED — the dispatcher's idempotency gate.
	PendingReceived(ctx context.Context, correlationIDs []string) ([]string, error)
}
