// Package memory provides an in-memory Store implementation.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/eventhandler/pkg/eventhandler/store"
)

// Store is an in-memory subscription store.
// Intended for testing and single-process use. Data is lost when the process exits.
type Store struct {
	mu            sync.RWMutex
	consumers     map[string]store.Consumer     // id -> consumer
	consumerNames map[string]string             // system name -> id
	subscriptions map[string]store.Subscription // id -> subscription
	closed        bool
}

var _ store.Store = (*Store)(nil)

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		consumers:     make(map[string]store.Consumer),
		consumerNames: make(map[string]string),
		subscriptions: make(map[string]store.Subscription),
	}
}

// FindConsumers implements store.Store.
func (s *Store) FindConsumers(_ context.Context, c store.ConsumerCriteria) ([]store.Consumer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrClosed
	}

	// Fast path on the unique key.
	if c.ID == "" && c.SystemName != "" {
		id, ok := s.consumerNames[c.SystemName]
		if !ok {
			return []store.Consumer{}, nil
		}
		return []store.Consumer{s.consumers[id]}, nil
	}

	result := make([]store.Consumer, 0)
	for _, cons := range s.consumers {
		if c.Matches(cons) {
			result = append(result, cons)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SystemName < result[j].SystemName
	})
	return result, nil
}

// InsertConsumer implements store.Store.
func (s *Store) InsertConsumer(_ context.Context, c store.Consumer) (store.Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.Consumer{}, store.ErrClosed
	}
	if _, exists := s.consumerNames[c.SystemName]; exists {
		return store.Consumer{}, store.ErrDuplicate
	}

	c.ID = uuid.NewString()
	s.consumers[c.ID] = c
	s.consumerNames[c.SystemName] = c.ID
	return c, nil
}

// FindSubscriptions implements store.Store.
func (s *Store) FindSubscriptions(_ context.Context, c store.SubscriptionCriteria) ([]store.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrClosed
	}

	result := make([]store.Subscription, 0)
	for _, sub := range s.subscriptions {
		if !c.Matches(sub) {
			continue
		}
		out := sub.Clone()
		out.Consumer = s.consumers[sub.Consumer.ID]
		result = append(result, out)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// InsertSubscription implements store.Store.
func (s *Store) InsertSubscription(_ context.Context, sub store.Subscription) (store.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.Subscription{}, store.ErrClosed
	}

	cons, ok := s.consumers[sub.Consumer.ID]
	if sub.Consumer.ID == "" || !ok {
		return store.Subscription{}, store.ErrInvalidReference
	}
	for _, existing := range s.subscriptions {
		if existing.EventType == sub.EventType && existing.Consumer.ID == cons.ID {
			return store.Subscription{}, store.ErrDuplicate
		}
	}

	stored := sub.Clone()
	stored.ID = uuid.NewString()
	stored.Consumer = store.Consumer{ID: cons.ID}
	stored.CreatedAt = time.Now().UTC()
	s.subscriptions[stored.ID] = stored

	out := stored.Clone()
	out.Consumer = cons
	return out, nil
}

// DeleteSubscription implements store.Store.
func (s *Store) DeleteSubscription(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	delete(s.subscriptions, id)
	return nil
}

// Ping implements store.Store.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return store.ErrClosed
	}
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.consumers = nil
	s.consumerNames = nil
	s.subscriptions = nil
	return nil
}

// Len returns the number of stored consumers and subscriptions.
// Useful for testing.
func (s *Store) Len() (consumers, subscriptions int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.consumers), len(s.subscriptions)
}
