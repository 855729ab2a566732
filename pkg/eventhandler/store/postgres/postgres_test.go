package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventhandler/pkg/eventhandler/store"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/store/postgres"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/store/storetest"
)

// testDSN returns the database to run against, skipping when none is configured.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("EVENTHANDLER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("EVENTHANDLER_TEST_POSTGRES_DSN not set")
	}
	return dsn
}

func openClean(t *testing.T) *postgres.Store {
	t.Helper()
	ctx := context.Background()

	s, err := postgres.Open(ctx, testDSN(t))
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, testDSN(t))
	require.NoError(t, err)
	defer pool.Close()
	_, err = pool.Exec(ctx, `TRUNCATE subscriptions, consumers`)
	require.NoError(t, err)

	return s
}

func TestPostgresStore(t *testing.T) {
	testDSN(t)
	storetest.TestStore(t, func(t *testing.T) store.Store {
		return openClean(t)
	})
}

func TestPostgresStore_AdvisoryLockSerializes(t *testing.T) {
	s := openClean(t)
	defer s.Close()
	ctx := context.Background()

	// Each transaction checks for the consumer and inserts it when missing.
	// Under the advisory lock exactly one insert happens and nobody sees a duplicate.
	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.WithinTransaction(ctx, "SysLocked", func(txCtx context.Context) error {
				found, err := s.FindConsumers(txCtx, store.ConsumerCriteria{SystemName: "SysLocked"})
				if err != nil || len(found) > 0 {
					return err
				}
				_, err = s.InsertConsumer(txCtx, store.Consumer{SystemName: "SysLocked", Address: "h", Port: 1})
				return err
			})
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	got, err := s.FindConsumers(ctx, store.ConsumerCriteria{SystemName: "SysLocked"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestPostgresStore_OpenInvalidDSN(t *testing.T) {
	_, err := postgres.Open(context.Background(), "::not a dsn::")
	assert.Error(t, err)
}

func TestPostgresStore_DuplicateInsertKeepsTransactionUsable(t *testing.T) {
	s := openClean(t)
	defer s.Close()
	ctx := context.Background()

	cons, err := s.InsertConsumer(ctx, store.Consumer{SystemName: "SysDup", Address: "h", Port: 1})
	require.NoError(t, err)
	sub := store.Subscription{EventType: "TempAlert", Consumer: cons, NotifyURI: "notify", Port: 9000}
	first, err := s.InsertSubscription(ctx, sub)
	require.NoError(t, err)

	var reread []store.Subscription
	err = s.WithinTransaction(ctx, "SysDup", func(txCtx context.Context) error {
		_, err := s.InsertConsumer(txCtx, store.Consumer{SystemName: "SysDup", Address: "h", Port: 1})
		require.ErrorIs(t, err, store.ErrDuplicate)

		_, err = s.InsertSubscription(txCtx, sub)
		require.ErrorIs(t, err, store.ErrDuplicate)

		// The conflict must not abort the transaction: later statements still run.
		reread, err = s.FindSubscriptions(txCtx, store.SubscriptionCriteria{EventType: "TempAlert", ConsumerID: cons.ID})
		return err
	})
	require.NoError(t, err)
	require.Len(t, reread, 1)
	assert.Equal(t, first.ID, reread[0].ID)
}
