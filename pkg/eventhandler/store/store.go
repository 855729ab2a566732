// Package store defines the persisted subscription set and its access contract.
//
// The core depends on a narrow contract: exact-match queries, inserts, and
// deletes. Uniqueness of consumers and of (event type, consumer) pairs is
// enforced by the subscription registrar, not assumed from the backend.
package store

import (
	"context"
	"errors"
)

// Store persists consumers and subscriptions.
// Implementations must be safe for concurrent use.
type Store interface {
	// FindConsumers returns consumers matching every non-zero criteria field.
	// Returns an empty slice (not error) when nothing matches.
	FindConsumers(ctx context.Context, c ConsumerCriteria) ([]Consumer, error)

	// InsertConsumer persists a consumer and returns it with its identity assigned.
	// Returns ErrDuplicate if the system name is already taken.
	InsertConsumer(ctx context.Context, c Consumer) (Consumer, error)

	// FindSubscriptions returns subscriptions matching every non-zero criteria field,
	// each with its consumer reference resolved.
	FindSubscriptions(ctx context.Context, c SubscriptionCriteria) ([]Subscription, error)

	// InsertSubscription persists a subscription and returns it with its identity assigned.
	// The consumer reference must carry a persisted ID.
	// Returns ErrDuplicate if the (event type, consumer) pair already exists.
	InsertSubscription(ctx context.Context, s Subscription) (Subscription, error)

	// DeleteSubscription removes a subscription by ID.
	// Returns nil if it does not exist.
	DeleteSubscription(ctx context.Context, id string) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources (connections, files).
	Close() error
}

// Transactor is implemented by stores that can run a read-check-write
// sequence atomically. Store calls made with the context passed to fn
// participate in the transaction.
type Transactor interface {
	// WithinTransaction runs fn in a transaction keyed by lockKey.
	// Backends that support cross-process locking serialize transactions
	// sharing the same lockKey.
	WithinTransaction(ctx context.Context, lockKey string, fn func(ctx context.Context) error) error
}

// Sentinel errors for store operations.
var (
	// ErrDuplicate indicates a uniqueness constraint rejected an insert.
	ErrDuplicate = errors.New("record already exists")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store closed")

	// ErrInvalidReference indicates a subscription referenced an unpersisted consumer.
	ErrInvalidReference = errors.New("consumer reference has no identity")
)
