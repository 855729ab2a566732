// Package sqlite provides a SQLite-backed Store implementation.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite" // Pure Go SQLite driver
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/randalmurphal/eventhandler/pkg/eventhandler/store"
)

// timeFormat is fixed-width so stored timestamps sort lexically in time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS consumers (
	id TEXT PRIMARY KEY,
	system_name TEXT NOT NULL UNIQUE,
	address TEXT NOT NULL,
	port INTEGER NOT NULL,
	authentication_info TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS subscriptions (
	id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	consumer_id TEXT NOT NULL REFERENCES consumers(id),
	sources TEXT NOT NULL DEFAULT '[]',
	start_date TEXT,
	end_date TEXT,
	match_metadata INTEGER NOT NULL DEFAULT 0,
	filter_metadata TEXT NOT NULL DEFAULT '{}',
	notify_uri TEXT NOT NULL,
	port INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE (event_type, consumer_id)
);

CREATE INDEX IF NOT EXISTS idx_subscriptions_event_type ON subscriptions(event_type);
`

// Store persists consumers and subscriptions to SQLite.
// It is suitable for single-process production use.
type Store struct {
	db     *sql.DB
	closed atomic.Bool
}

var (
	_ store.Store      = (*Store)(nil)
	_ store.Transactor = (*Store)(nil)
)

// NewStore opens a SQLite database at path and creates the schema.
// The path should be a file path (e.g., "./eventhandler.db").
func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection serializes writers and keeps per-connection pragmas.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", strings.ToLower(pragma), err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

type txKey struct{}

// executor is satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) conn(ctx context.Context) executor {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// WithinTransaction implements store.Transactor.
// The single connection already serializes transactions, so lockKey is unused.
func (s *Store) WithinTransaction(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// FindConsumers implements store.Store.
func (s *Store) FindConsumers(ctx context.Context, c store.ConsumerCriteria) ([]store.Consumer, error) {
	if s.closed.Load() {
		return nil, store.ErrClosed
	}

	var where []string
	var args []any
	if c.ID != "" {
		where = append(where, "id = ?")
		args = append(args, c.ID)
	}
	if c.SystemName != "" {
		where = append(where, "system_name = ?")
		args = append(args, c.SystemName)
	}

	query := `SELECT id, system_name, address, port, authentication_info FROM consumers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY system_name"

	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
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

	c.ID = uuid.NewString()
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO consumers (id, system_name, address, port, authentication_info)
		VALUES (?, ?, ?, ?, ?)
	`, c.ID, c.SystemName, c.Address, c.Port, c.AuthenticationInfo)
	if err != nil {
		return store.Consumer{}, fmt.Errorf("insert consumer: %w", classify(err))
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

	var where []string
	var args []any
	if c.ID != "" {
		where = append(where, "s.id = ?")
		args = append(args, c.ID)
	}
	if c.EventType != "" {
		where = append(where, "s.event_type = ?")
		args = append(args, c.EventType)
	}
	if c.ConsumerID != "" {
		where = append(where, "s.consumer_id = ?")
		args = append(args, c.ConsumerID)
	}

	query := selectSubscriptions
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY s.created_at, s.id"

	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find subscriptions: %w", err)
	}
	defer rows.Close()

	result := make([]store.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
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

	sources, err := json.Marshal(nonNilSources(sub.Sources))
	if err != nil {
		return store.Subscription{}, fmt.Errorf("encode sources: %w", err)
	}
	metadata, err := json.Marshal(nonNilMetadata(sub.FilterMetadata))
	if err != nil {
		return store.Subscription{}, fmt.Errorf("encode filter metadata: %w", err)
	}

	sub.ID = uuid.NewString()
	sub.CreatedAt = time.Now().UTC()

	_, err = s.conn(ctx).ExecContext(ctx, `
		INSERT INTO subscriptions (id, event_type, consumer_id, sources, start_date, end_date,
			match_metadata, filter_metadata, notify_uri, port, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sub.ID, sub.EventType, sub.Consumer.ID, string(sources),
		formatNullTime(sub.StartDate), formatNullTime(sub.EndDate),
		sub.MatchMetadata, string(metadata), sub.NotifyURI, sub.Port,
		formatTime(sub.CreatedAt))
	if err != nil {
		return store.Subscription{}, fmt.Errorf("insert subscription: %w", classify(err))
	}

	got, err := s.FindSubscriptions(ctx, store.SubscriptionCriteria{ID: sub.ID})
	if err != nil {
		return store.Subscription{}, err
	}
	if len(got) != 1 {
		return store.Subscription{}, fmt.Errorf("insert subscription: row %s not readable", sub.ID)
	}
	return got[0], nil
}

// DeleteSubscription implements store.Store.
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	if s.closed.Load() {
		return store.ErrClosed
	}

	if _, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	return s.db.PingContext(ctx)
}

// Close implements store.Store.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func scanSubscription(rows *sql.Rows) (store.Subscription, error) {
	var (
		sub                store.Subscription
		sources, metadata  string
		startDate, endDate sql.NullString
		createdAt          string
	)
	err := rows.Scan(
		&sub.ID, &sub.EventType, &sources, &startDate, &endDate,
		&sub.MatchMetadata, &metadata, &sub.NotifyURI, &sub.Port, &createdAt,
		&sub.Consumer.ID, &sub.Consumer.SystemName, &sub.Consumer.Address,
		&sub.Consumer.Port, &sub.Consumer.AuthenticationInfo,
	)
	if err != nil {
		return store.Subscription{}, fmt.Errorf("scan subscription: %w", err)
	}

	if err := json.Unmarshal([]byte(sources), &sub.Sources); err != nil {
		return store.Subscription{}, fmt.Errorf("decode sources for %s: %w", sub.ID, err)
	}
	if err := json.Unmarshal([]byte(metadata), &sub.FilterMetadata); err != nil {
		return store.Subscription{}, fmt.Errorf("decode filter metadata for %s: %w", sub.ID, err)
	}
	if sub.StartDate, err = parseNullTime(startDate); err != nil {
		return store.Subscription{}, fmt.Errorf("parse start date for %s: %w", sub.ID, err)
	}
	if sub.EndDate, err = parseNullTime(endDate); err != nil {
		return store.Subscription{}, fmt.Errorf("parse end date for %s: %w", sub.ID, err)
	}
	if sub.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return store.Subscription{}, fmt.Errorf("parse created_at for %s: %w", sub.ID, err)
	}
	return sub, nil
}

// classify maps SQLite constraint violations onto store sentinels.
func classify(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %s", store.ErrDuplicate, se.Error())
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return fmt.Errorf("%w: %s", store.ErrInvalidReference, se.Error())
		case sqlite3.SQLITE_CONSTRAINT:
			// Primary result code only; fall back to the message text.
			msg := se.Error()
			switch {
			case strings.Contains(msg, "UNIQUE constraint failed"):
				return fmt.Errorf("%w: %s", store.ErrDuplicate, msg)
			case strings.Contains(msg, "FOREIGN KEY constraint failed"):
				return fmt.Errorf("%w: %s", store.ErrInvalidReference, msg)
			}
		}
	}
	return err
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nonNilSources(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMetadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
