// Package storetest provides a shared conformance test suite for store.Store
// implementations. Each backend (memory, sqlite, postgres) wires this suite to
// verify it satisfies the full Store contract.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventhandler/pkg/eventhandler/store"
)

// TestStore runs the full conformance suite.
// newStore must return a fresh, empty store for each sub-test; the suite closes it.
func TestStore(t *testing.T, newStore func(t *testing.T) store.Store) {
	ctx := context.Background()

	open := func(t *testing.T) store.Store {
		t.Helper()
		s := newStore(t)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}

	t.Run("FindConsumersEmpty", func(t *testing.T) {
		s := open(t)
		got, err := s.FindConsumers(ctx, store.ConsumerCriteria{SystemName: "nobody"})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("InsertFindConsumer", func(t *testing.T) {
		s := open(t)
		in := store.Consumer{SystemName: "SysA", Address: "10.0.0.1", Port: 8080, AuthenticationInfo: "pubkey"}

		created, err := s.InsertConsumer(ctx, in)
		require.NoError(t, err)
		require.NotEmpty(t, created.ID)
		assert.Equal(t, "SysA", created.SystemName)

		byName, err := s.FindConsumers(ctx, store.ConsumerCriteria{SystemName: "SysA"})
		require.NoError(t, err)
		require.Len(t, byName, 1)
		assert.Equal(t, created, byName[0])

		byID, err := s.FindConsumers(ctx, store.ConsumerCriteria{ID: created.ID})
		require.NoError(t, err)
		require.Len(t, byID, 1)
		assert.Equal(t, created, byID[0])
	})

	t.Run("DuplicateConsumer", func(t *testing.T) {
		s := open(t)
		_, err := s.InsertConsumer(ctx, store.Consumer{SystemName: "SysA", Address: "a", Port: 1})
		require.NoError(t, err)

		_, err = s.InsertConsumer(ctx, store.Consumer{SystemName: "SysA", Address: "b", Port: 2})
		assert.ErrorIs(t, err, store.ErrDuplicate)

		all, err := s.FindConsumers(ctx, store.ConsumerCriteria{})
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("ConcurrentConsumerInsert", func(t *testing.T) {
		s := open(t)
		const n = 16

		var wg sync.WaitGroup
		var ok atomic.Int32
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.InsertConsumer(ctx, store.Consumer{SystemName: "Racer", Address: "h", Port: 1})
				if err == nil {
					ok.Add(1)
				} else {
					assert.ErrorIs(t, err, store.ErrDuplicate)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), ok.Load())
	})

	t.Run("InsertFindSubscription", func(t *testing.T) {
		s := open(t)
		cons := mustConsumer(t, s, "SysA")

		start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC)
		in := store.Subscription{
			EventType:      "TempAlert",
			Consumer:       store.Consumer{ID: cons.ID},
			Sources:        []string{"SensorX", "SensorY"},
			StartDate:      &start,
			EndDate:        &end,
			MatchMetadata:  true,
			FilterMetadata: map[string]string{"unit": "celsius"},
			NotifyURI:      "notify/temp",
			Port:           9000,
		}

		created, err := s.InsertSubscription(ctx, in)
		require.NoError(t, err)
		require.NotEmpty(t, created.ID)
		assert.Equal(t, cons, created.Consumer)

		got, err := s.FindSubscriptions(ctx, store.SubscriptionCriteria{EventType: "TempAlert"})
		require.NoError(t, err)
		require.Len(t, got, 1)

		sub := got[0]
		assert.Equal(t, created.ID, sub.ID)
		assert.Equal(t, "TempAlert", sub.EventType)
		assert.Equal(t, cons, sub.Consumer)
		assert.ElementsMatch(t, []string{"SensorX", "SensorY"}, sub.Sources)
		require.NotNil(t, sub.StartDate)
		require.NotNil(t, sub.EndDate)
		assert.True(t, start.Equal(*sub.StartDate))
		assert.True(t, end.Equal(*sub.EndDate))
		assert.True(t, sub.MatchMetadata)
		assert.Equal(t, map[string]string{"unit": "celsius"}, sub.FilterMetadata)
		assert.Equal(t, "notify/temp", sub.NotifyURI)
		assert.Equal(t, 9000, sub.Port)
		assert.False(t, sub.CreatedAt.IsZero())
	})

	t.Run("OptionalFieldsRoundTrip", func(t *testing.T) {
		s := open(t)
		cons := mustConsumer(t, s, "SysA")

		_, err := s.InsertSubscription(ctx, store.Subscription{
			EventType: "Open",
			Consumer:  store.Consumer{ID: cons.ID},
			NotifyURI: "n",
			Port:      1,
		})
		require.NoError(t, err)

		got, err := s.FindSubscriptions(ctx, store.SubscriptionCriteria{EventType: "Open"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Empty(t, got[0].Sources)
		assert.Nil(t, got[0].StartDate)
		assert.Nil(t, got[0].EndDate)
		assert.Empty(t, got[0].FilterMetadata)
		assert.False(t, got[0].MatchMetadata)
	})

	t.Run("SubscriptionRequiresConsumerIdentity", func(t *testing.T) {
		s := open(t)

		_, err := s.InsertSubscription(ctx, store.Subscription{EventType: "a", NotifyURI: "n", Port: 1})
		assert.ErrorIs(t, err, store.ErrInvalidReference)

		_, err = s.InsertSubscription(ctx, store.Subscription{
			EventType: "a",
			Consumer:  store.Consumer{ID: uuid.NewString()},
			NotifyURI: "n",
			Port:      1,
		})
		assert.ErrorIs(t, err, store.ErrInvalidReference)
	})

	t.Run("DuplicateSubscription", func(t *testing.T) {
		s := open(t)
		cons := mustConsumer(t, s, "SysA")
		sub := store.Subscription{EventType: "TempAlert", Consumer: store.Consumer{ID: cons.ID}, NotifyURI: "n", Port: 1}

		_, err := s.InsertSubscription(ctx, sub)
		require.NoError(t, err)
		_, err = s.InsertSubscription(ctx, sub)
		assert.ErrorIs(t, err, store.ErrDuplicate)

		// Same consumer, other type is fine.
		sub.EventType = "Other"
		_, err = s.InsertSubscription(ctx, sub)
		assert.NoError(t, err)
	})

	t.Run("FindSubscriptionsByCriteria", func(t *testing.T) {
		s := open(t)
		a := mustConsumer(t, s, "SysA")
		b := mustConsumer(t, s, "SysB")

		for _, pair := range []struct {
			typ  string
			cons store.Consumer
		}{
			{"TempAlert", a}, {"TempAlert", b}, {"Pressure", a},
		} {
			_, err := s.InsertSubscription(ctx, store.Subscription{
				EventType: pair.typ,
				Consumer:  store.Consumer{ID: pair.cons.ID},
				NotifyURI: "n",
				Port:      1,
			})
			require.NoError(t, err)
		}

		byType, err := s.FindSubscriptions(ctx, store.SubscriptionCriteria{EventType: "TempAlert"})
		require.NoError(t, err)
		assert.Len(t, byType, 2)

		byConsumer, err := s.FindSubscriptions(ctx, store.SubscriptionCriteria{ConsumerID: a.ID})
		require.NoError(t, err)
		assert.Len(t, byConsumer, 2)

		pair, err := s.FindSubscriptions(ctx, store.SubscriptionCriteria{EventType: "TempAlert", ConsumerID: b.ID})
		require.NoError(t, err)
		require.Len(t, pair, 1)
		assert.Equal(t, "SysB", pair[0].Consumer.SystemName)

		none, err := s.FindSubscriptions(ctx, store.SubscriptionCriteria{EventType: "Unknown"})
		require.NoError(t, err)
		assert.Empty(t, none)

		all, err := s.FindSubscriptions(ctx, store.SubscriptionCriteria{})
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("DeleteSubscription", func(t *testing.T) {
		s := open(t)
		cons := mustConsumer(t, s, "SysA")
		created, err := s.InsertSubscription(ctx, store.Subscription{
			EventType: "TempAlert", Consumer: store.Consumer{ID: cons.ID}, NotifyURI: "n", Port: 1,
		})
		require.NoError(t, err)

		require.NoError(t, s.DeleteSubscription(ctx, created.ID))
		got, err := s.FindSubscriptions(ctx, store.SubscriptionCriteria{ID: created.ID})
		require.NoError(t, err)
		assert.Empty(t, got)

		// Deleting again is a no-op.
		assert.NoError(t, s.DeleteSubscription(ctx, created.ID))

		// The consumer survives.
		consumers, err := s.FindConsumers(ctx, store.ConsumerCriteria{SystemName: "SysA"})
		require.NoError(t, err)
		assert.Len(t, consumers, 1)
	})

	t.Run("ReturnedRecordsAreCopies", func(t *testing.T) {
		s := open(t)
		cons := mustConsumer(t, s, "SysA")
		_, err := s.InsertSubscription(ctx, store.Subscription{
			EventType:      "TempAlert",
			Consumer:       store.Consumer{ID: cons.ID},
			Sources:        []string{"SensorX"},
			FilterMetadata: map[string]string{"k": "v"},
			NotifyURI:      "n",
			Port:           1,
		})
		require.NoError(t, err)

		got, err := s.FindSubscriptions(ctx, store.SubscriptionCriteria{EventType: "TempAlert"})
		require.NoError(t, err)
		got[0].Sources[0] = "mutated"
		got[0].FilterMetadata["k"] = "mutated"

		again, err := s.FindSubscriptions(ctx, store.SubscriptionCriteria{EventType: "TempAlert"})
		require.NoError(t, err)
		assert.Equal(t, []string{"SensorX"}, again[0].Sources)
		assert.Equal(t, "v", again[0].FilterMetadata["k"])
	})

	t.Run("Transaction", func(t *testing.T) {
		s := open(t)
		tx, ok := s.(store.Transactor)
		if !ok {
			t.Skip("store does not implement store.Transactor")
		}

		rollback := errors.New("rollback")
		err := tx.WithinTransaction(ctx, "SysTx", func(txCtx context.Context) error {
			if _, err := s.InsertConsumer(txCtx, store.Consumer{SystemName: "SysTx", Address: "h", Port: 1}); err != nil {
				return err
			}
			found, err := s.FindConsumers(txCtx, store.ConsumerCriteria{SystemName: "SysTx"})
			if err != nil {
				return err
			}
			if len(found) != 1 {
				return errors.New("insert not visible inside transaction")
			}
			return rollback
		})
		require.ErrorIs(t, err, rollback)

		got, err := s.FindConsumers(ctx, store.ConsumerCriteria{SystemName: "SysTx"})
		require.NoError(t, err)
		assert.Empty(t, got, "rolled back insert must not persist")

		err = tx.WithinTransaction(ctx, "SysTx", func(txCtx context.Context) error {
			_, err := s.InsertConsumer(txCtx, store.Consumer{SystemName: "SysTx", Address: "h", Port: 1})
			return err
		})
		require.NoError(t, err)

		got, err = s.FindConsumers(ctx, store.ConsumerCriteria{SystemName: "SysTx"})
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("Ping", func(t *testing.T) {
		s := open(t)
		assert.NoError(t, s.Ping(ctx))
	})

	t.Run("ClosedStore", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Close())

		_, err := s.FindConsumers(ctx, store.ConsumerCriteria{})
		assert.Error(t, err)
		assert.Error(t, s.Ping(ctx))
	})
}

func mustConsumer(t *testing.T, s store.Store, name string) store.Consumer {
	t.Helper()
	c, err := s.InsertConsumer(context.Background(), store.Consumer{SystemName: name, Address: "127.0.0.1", Port: 8080})
	require.NoError(t, err)
	return c
}
