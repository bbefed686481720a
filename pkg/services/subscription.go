package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// Subscription is one registry entry. A request is only accepted against
// an active subscription for the matching service.
type Subscription struct {
	ID         string    `db:"subscription_id"`
	Subscriber string    `db:"subscriber"`
	Service    string    `db:"service"`
	Active     bool      `db:"active"`
	CreatedAt  time.Time `db:"created_at"`
}

// SubscriptionRegistry resolves subscription ids at accept time.
type SubscriptionRegistry interface {
	// GetActive returns the active subscription for (id, service), or
	// ErrNotFound when none exists. Inactive subscriptions are treated
	// as absent.
	GetActive(ctx context.Context, subscriptionID, service string) (*Subscription, error)
}

// PostgresSubscriptionRegistry reads the subscriptions table.
type PostgresSubscriptionRegistry struct {
	db *sqlx.DB
}

// NewPostgresSubscriptionRegistry creates a registry over the shared
// database handle.
func NewPostgresSubscriptionRegistry(db *sqlx.DB) *PostgresSubscriptionRegistry {
	if db == nil {
		panic("NewPostgresSubscriptionRegistry: db must not be nil")
	}
	return &PostgresSubscriptionRegistry{db: db}
}

var _ SubscriptionRegistry = (*PostgresSubscriptionRegistry)(nil)

func (r *PostgresSubscriptionRegistry) GetActive(ctx context.Context, subscriptionID, service string) (*Subscription, error) {
	var sub Subscription
	err := r.db.GetContext(ctx, &sub, `
		SELECT subscription_id, subscriber, service, active, created_at
		FROM subscriptions
		WHERE subscription_id = $1 AND service = $2 AND active`,
		subscriptionID, service)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription %s: %w", subscriptionID, err)
	}
	return &sub, nil
}

// MemorySubscriptionRegistry is the in-memory registry used in tests.
type MemorySubscriptionRegistry struct {
	mu   sync.RWMutex
	subs map[string]Subscription
}

// NewMemorySubscriptionRegistry creates an empty in-memory registry.
func NewMemorySubscriptionRegistry() *MemorySubscriptionRegistry {
	return &MemorySubscriptionRegistry{subs: map[string]Subscription{}}
}

var _ SubscriptionRegistry = (*MemorySubscriptionRegistry)(nil)

// Put registers or replaces a subscription.
func (r *MemorySubscriptionRegistry) Put(sub Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.ID] = sub
}

func (r *MemorySubscriptionRegistry) GetActive(_ context.Context, subscriptionID, service string) (*Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[subscriptionID]
	if !ok || !sub.Active || sub.Service != service {
		return nil, ErrNotFound
	}
	return &sub, nil
}
