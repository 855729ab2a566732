// Package subscription manages the lifecycle of event subscriptions.
//
// A Registrar creates and deletes subscriptions on behalf of consumer
// systems. Each consumer is created lazily by its first registration and is
// never deleted. At most one subscription exists per (event type, consumer);
// registering the same pair again is a no-op that reports AlreadyExists.
//
// Both operations run their read-check-write sequence under a lock keyed by
// consumer system name. When the store implements store.Transactor, the
// sequence also runs inside a store transaction keyed the same way.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	eherrors "github.com/randalmurphal/eventhandler/pkg/eventhandler/errors"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/keylock"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/observability"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/store"
)

// RegisterStatus is the outcome of a Register call.
type RegisterStatus string

// Register outcomes.
const (
	Created       RegisterStatus = "created"
	AlreadyExists RegisterStatus = "already_exists"
)

// DeleteStatus is the outcome of a Delete call.
type DeleteStatus string

// Delete outcomes.
const (
	Deleted  DeleteStatus = "deleted"
	NotFound DeleteStatus = "not_found"
)

// RegisterResult reports what Register did.
// Subscription is the stored record: the new one when Created, the
// pre-existing one when AlreadyExists.
type RegisterResult struct {
	Status       RegisterStatus
	Subscription store.Subscription
}

// Query selects subscriptions for List. Zero fields are ignored.
type Query struct {
	EventType string
	Consumer  string
}

// Registrar creates, deletes, and lists subscriptions.
type Registrar struct {
	store   store.Store
	locks   *keylock.Locker[string]
	logger  *slog.Logger
	metrics observability.MetricsRecorder
}

// Option configures a Registrar.
type Option func(*Registrar)

// WithLogger sets the logger. Default discards.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registrar) {
		r.logger = l
	}
}

// WithMetrics sets the metrics recorder. Default is a no-op.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(r *Registrar) {
		r.metrics = m
	}
}

// NewRegistrar creates a Registrar over s.
func NewRegistrar(s store.Store, opts ...Option) *Registrar {
	r := &Registrar{
		store:   s,
		locks:   keylock.New[string](),
		metrics: observability.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = observability.DefaultLogger(r.logger).With("component", "subscription")
	return r
}

// Register stores sub unless its consumer already subscribes to the event type.
// Invalid input returns a KindValidation error; store failures return KindStore.
func (r *Registrar) Register(ctx context.Context, sub store.Subscription) (RegisterResult, error) {
	const op = "register subscription"

	if err := Validate(sub); err != nil {
		return RegisterResult{}, eherrors.Validation(op, err)
	}

	name := sub.Consumer.SystemName
	var result RegisterResult
	err := r.locked(ctx, name, func(ctx context.Context) error {
		cons, err := r.ensureConsumer(ctx, sub.Consumer)
		if err != nil {
			return err
		}

		existing, err := r.store.FindSubscriptions(ctx, store.SubscriptionCriteria{
			EventType:  sub.EventType,
			ConsumerID: cons.ID,
		})
		if err != nil {
			return fmt.Errorf("find subscription: %w", err)
		}
		if len(existing) > 0 {
			result = RegisterResult{Status: AlreadyExists, Subscription: existing[0]}
			return nil
		}

		req := sub.Clone()
		req.ID = ""
		req.Consumer = cons

		inserted, err := r.store.InsertSubscription(ctx, req)
		if errors.Is(err, store.ErrDuplicate) {
			// Another process won the insert between our check and write.
			found, ferr := r.store.FindSubscriptions(ctx, store.SubscriptionCriteria{
				EventType:  sub.EventType,
				ConsumerID: cons.ID,
			})
			if ferr != nil || len(found) == 0 {
				return fmt.Errorf("re-read subscription after conflict: %w", errors.Join(err, ferr))
			}
			result = RegisterResult{Status: AlreadyExists, Subscription: found[0]}
			return nil
		}
		if err != nil {
			return fmt.Errorf("insert subscription: %w", err)
		}

		result = RegisterResult{Status: Created, Subscription: inserted}
		return nil
	})
	if err != nil {
		r.metrics.RecordSubscriptionChange(ctx, "register", "error")
		return RegisterResult{}, wrapStore(op, err)
	}

	r.metrics.RecordSubscriptionChange(ctx, "register", string(result.Status))
	observability.LogSubscriptionChange(r.logger, "register", sub.EventType, name, string(result.Status))
	return result, nil
}

// Delete removes the subscription of consumerName to eventType.
// A missing consumer or subscription reports NotFound, not an error.
func (r *Registrar) Delete(ctx context.Context, eventType, consumerName string) (DeleteStatus, error) {
	const op = "delete subscription"

	var errs eherrors.FieldErrors
	if eventType == "" {
		errs.Add("eventType", "required")
	}
	if consumerName == "" {
		errs.Add("consumerName", "required")
	}
	if err := errs.Err(); err != nil {
		return "", eherrors.Validation(op, err)
	}

	status := NotFound
	err := r.locked(ctx, consumerName, func(ctx context.Context) error {
		consumers, err := r.store.FindConsumers(ctx, store.ConsumerCriteria{SystemName: consumerName})
		if err != nil {
			return fmt.Errorf("find consumer: %w", err)
		}
		if len(consumers) == 0 {
			return nil
		}

		subs, err := r.store.FindSubscriptions(ctx, store.SubscriptionCriteria{
			EventType:  eventType,
			ConsumerID: consumers[0].ID,
		})
		if err != nil {
			return fmt.Errorf("find subscription: %w", err)
		}
		if len(subs) == 0 {
			return nil
		}

		for _, s := range subs {
			if err := r.store.DeleteSubscription(ctx, s.ID); err != nil {
				return fmt.Errorf("delete subscription %s: %w", s.ID, err)
			}
		}
		status = Deleted
		return nil
	})
	if err != nil {
		r.metrics.RecordSubscriptionChange(ctx, "delete", "error")
		return "", wrapStore(op, err)
	}

	r.metrics.RecordSubscriptionChange(ctx, "delete", string(status))
	observability.LogSubscriptionChange(r.logger, "delete", eventType, consumerName, string(status))
	return status, nil
}

// List returns the subscriptions selected by q, consumers resolved.
// An unknown consumer yields an empty list.
func (r *Registrar) List(ctx context.Context, q Query) ([]store.Subscription, error) {
	criteria := store.SubscriptionCriteria{EventType: q.EventType}

	if q.Consumer != "" {
		consumers, err := r.store.FindConsumers(ctx, store.ConsumerCriteria{SystemName: q.Consumer})
		if err != nil {
			return nil, eherrors.Store("list subscriptions", err)
		}
		if len(consumers) == 0 {
			return []store.Subscription{}, nil
		}
		criteria.ConsumerID = consumers[0].ID
	}

	subs, err := r.store.FindSubscriptions(ctx, criteria)
	if err != nil {
		return nil, eherrors.Store("list subscriptions", err)
	}
	return subs, nil
}

// ensureConsumer returns the stored consumer named by c, inserting c if absent.
// A stored consumer is returned as-is even when c carries different details.
func (r *Registrar) ensureConsumer(ctx context.Context, c store.Consumer) (store.Consumer, error) {
	criteria := store.ConsumerCriteria{SystemName: c.SystemName}

	found, err := r.store.FindConsumers(ctx, criteria)
	if err != nil {
		return store.Consumer{}, fmt.Errorf("find consumer: %w", err)
	}
	if len(found) > 0 {
		return found[0], nil
	}

	c.ID = ""
	created, err := r.store.InsertConsumer(ctx, c)
	if errors.Is(err, store.ErrDuplicate) {
		found, ferr := r.store.FindConsumers(ctx, criteria)
		if ferr != nil || len(found) == 0 {
			return store.Consumer{}, fmt.Errorf("re-read consumer after conflict: %w", errors.Join(err, ferr))
		}
		return found[0], nil
	}
	if err != nil {
		return store.Consumer{}, fmt.Errorf("insert consumer: %w", err)
	}

	observability.LogConsumerCreated(r.logger, created.SystemName, created.ID)
	return created, nil
}

// locked runs fn under the per-consumer lock and, when available, a store transaction.
func (r *Registrar) locked(ctx context.Context, consumerName string, fn func(ctx context.Context) error) error {
	unlock, err := r.locks.Lock(ctx, consumerName)
	if err != nil {
		return err
	}
	defer unlock()

	if tx, ok := r.store.(store.Transactor); ok {
		return tx.WithinTransaction(ctx, consumerName, fn)
	}
	return fn(ctx)
}

// wrapStore classifies err as a store failure unless it is a context error
// or already classified.
func wrapStore(op string, err error) error {
	var kindErr *eherrors.Error
	if errors.As(err, &kindErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return eherrors.Store(op, err)
}
