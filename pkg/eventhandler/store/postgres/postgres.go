// Package postgres provides a PostgreSQL-backed Store implementation.
//
// It is the store to use when several eventhandler processes share one
// subscription set: transactions opened through WithinTransaction take a
// transaction-scoped advisory lock on their key, so registrations for the
// same consumer serialize across processes.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/randalmurphal/eventhandler/pkg/eventhandler/store"
)

//go:embed schema.sql
var schema string

// PostgreSQL error codes mapped onto store sentinels.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// Store persists consumers and subscriptions to PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	closed atomic.Bool
}

var (
	_ store.Store      = (*Store)(nil)
	_ store.Transactor = (*Store)(nil)
)

// Open connects to the database at dsn, verifies the connection, and
// applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}

	s := New(pool)
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool. The schema is not applied; call Migrate.
// Close closes the pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

type txKey struct{}

type executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func txFrom(ctx context.Context) pgx.Tx {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return nil
}

func (s *Store) conn(ctx context.Context) executor {
	if tx := txFrom(ctx); tx != nil {
		return tx
	}
	return s.pool
}

// WithinTransaction implements store.Transactor.
// The transaction holds pg_advisory_xact_lock on lockKey until it ends.
func (s *Store) WithinTransaction(ctx context.Context, lockKey string, fn func(ctx context.Context) error) (err error) {
	if s.closed.Load() {
		return store.ErrClosed
	}

	if tx := txFrom(ctx); tx != nil {
		if err := advisoryLock(ctx, tx, lockKey); err != nil {
			return err
		}
		return fn(ctx)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		} else if err != nil {
			_ = tx.Rollback(ctx)
		} else if cerr := tx.Commit(ctx); cerr != nil {
			err = fmt.Errorf("commit transaction: %w", cerr)
		}
	}()

	if err = advisoryLock(ctx, tx, lockKey); err != nil {
		return err
	}
	return fn(context.WithValue(ctx, txKey{}, tx))
}

func advisoryLock(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return nil
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("advisory lock %q: %w", key, err)
	}
	return nil
}

// FindConsumers implements store.Store.
func (s *Store) FindConsumers(ctx context.Context, c store.ConsumerCriteria) ([]store.Consumer, error) {
	if s.closed.Load() {
		return nil, store.ErrClosed
	}

	var b whereBuilder
	b.add("id", c.ID)
	b.add("system_name", c.SystemName)

	query := `SELECT id, system_name, address, port, authentication_info FROM consumers` +
		b.clause() + ` ORDER BY system_name`

	rows, err := s.conn(ctx).Query(ctx, query, b.args...)
	if err != nil {
		return nil, fmt.Errorf("find consumers: %w", err)
	}
	defer rows.Close()

	result := make([]store.Consumer, 0)
	for rows.Next() {
		var cons store.Consumer
		if err := rows.Scan(&cons.ID, &cons.SystemName, &cons.Address, &cons.Port, &cons.AuthenticationInfo); err != nil {
			return nil, fmt.Errorf("scan consumer: %w", err)
		}
		result = append(result, cons)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate consumers: %w", err)
	}
	return result, nil
}

// InsertConsumer implements store.Store.
func (s *Store) InsertConsumer(ctx context.Context, c store.Consumer) (store.Consumer, error) {
	if s.closed.Load() {
		return store.Consumer{}, store.ErrClosed
	}

	// A name conflict returns no row instead of aborting the surrounding transaction.
	const sql = `
		INSERT INTO consumers (id, system_name, address, port, authentication_info)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (system_name) DO NOTHING
		RETURNING id
	`

	c.ID = uuid.NewString()
	err := s.conn(ctx).QueryRow(ctx, sql, c.ID, c.SystemName, c.Address, c.Port, c.AuthenticationInfo).Scan(&c.ID)
	if err != nil {
		return store.Consumer{}, fmt.Errorf("insert consumer: %w", classifyInsert(err, "consumers_system_name_key"))
	}
	return c, nil
}

const selectSubscriptions = `
	SELECT s.id, s.event_type, s.sources, s.start_date, s.end_date,
	       s.match_metadata, s.filter_metadata, s.notify_uri, s.port, s.created_at,
	       c.id, c.system_name, c.address, c.port, c.authentication_info
	FROM subscriptions s
	JOIN consumers c ON c.id = s.consumer_id`

// FindSubscriptions implements store.Store.
func (s *Store) FindSubscriptions(ctx context.Context, c store.SubscriptionCriteria) ([]store.Subscription, error) {
	if s.closed.Load() {
		return nil, store.ErrClosed
	}

	var b whereBuilder
	b.add("s.id", c.ID)
	b.add("s.event_type", c.EventType)
	b.add("s.consumer_id", c.ConsumerID)

	query := selectSubscriptions + b.clause() + ` ORDER BY s.created_at, s.id`

	rows, err := s.conn(ctx).Query(ctx, query, b.args...)
	if err != nil {
		return nil, fmt.Errorf("find subscriptions: %w", err)
	}
	defer rows.Close()

	result := make([]store.Subscription, 0)
	for rows.Next() {
		var sub store.Subscription
		err := rows.Scan(
			&sub.ID, &sub.EventType, &sub.Sources, &sub.StartDate, &sub.EndDate,
			&sub.MatchMetadata, &sub.FilterMetadata, &sub.NotifyURI, &sub.Port, &sub.CreatedAt,
			&sub.Consumer.ID, &sub.Consumer.SystemName, &sub.Consumer.Address,
			&sub.Consumer.Port, &sub.Consumer.AuthenticationInfo,
		)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		sub.CreatedAt = sub.CreatedAt.UTC()
		result = append(result, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return result, nil
}

// InsertSubscription implements store.Store.
func (s *Store) InsertSubscription(ctx context.Context, sub store.Subscription) (store.Subscription, error) {
	if s.closed.Load() {
		return store.Subscription{}, store.ErrClosed
	}
	if sub.Consumer.ID == "" {
		return store.Subscription{}, store.ErrInvalidReference
	}

	const sql = `
		INSERT INTO subscriptions (id, event_type, consumer_id, sources, start_date, end_date,
			match_metadata, filter_metadata, notify_uri, port, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (event_type, consumer_id) DO NOTHING
		RETURNING id
	`

	sources := sub.Sources
	if sources == nil {
		sources = []string{}
	}
	metadata := sub.FilterMetadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	id := uuid.NewString()
	err := s.conn(ctx).QueryRow(ctx, sql,
		id, sub.EventType, sub.Consumer.ID, sources, sub.StartDate, sub.EndDate,
		sub.MatchMetadata, metadata, sub.NotifyURI, sub.Port, time.Now().UTC()).Scan(&id)
	if err != nil {
		return store.Subscription{}, fmt.Errorf("insert subscription: %w", classifyInsert(err, "subscriptions_event_type_consumer_id_key"))
	}

	got, err := s.FindSubscriptions(ctx, store.SubscriptionCriteria{ID: id})
	if err != nil {
		return store.Subscription{}, err
	}
	if len(got) != 1 {
		return store.Subscription{}, fmt.Errorf("insert subscription: row %s not readable", id)
	}
	return got[0], nil
}

// DeleteSubscription implements store.Store.
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	if _, err := s.conn(ctx).Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	var one int
	return s.pool.QueryRow(ctx, "select 1").Scan(&one)
}

// Close implements store.Store.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.pool.Close()
	return nil
}

// classifyInsert maps the empty result of an ON CONFLICT DO NOTHING insert to ErrDuplicate.
func classifyInsert(err error, constraint string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", store.ErrDuplicate, constraint)
	}
	return classify(err)
}

func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return fmt.Errorf("%w: %s", store.ErrDuplicate, pgErr.ConstraintName)
		case codeForeignKeyViolation:
			return fmt.Errorf("%w: %s", store.ErrInvalidReference, pgErr.ConstraintName)
		}
	}
	return err
}

// whereBuilder accumulates exact-match conditions with positional arguments.
type whereBuilder struct {
	conds []string
	args  []any
}

func (b *whereBuilder) add(column, value string) {
	if value == "" {
		return
	}
	b.args = append(b.args, value)
	b.conds = append(b.conds, column+" = $"+strconv.Itoa(len(b.args)))
}

func (b *whereBuilder) clause() string {
	if len(b.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.conds, " AND ")
}
