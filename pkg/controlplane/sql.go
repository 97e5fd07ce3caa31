package controlplane

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect selects placeholder syntax for the SQL store.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Rebind rewrites '?' placeholders into the dialect's syntax.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS cp_counters (
	key TEXT PRIMARY KEY,
	value BIGINT NOT NULL DEFAULT 0,
	expires_at BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS cp_records (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	version BIGINT NOT NULL,
	expires_at BIGINT NOT NULL DEFAULT 0
);
`

// SQLStore implements Store with database/sql. It supports both SQLite
// (modernc.org/sqlite) and Postgres (lib/pq). Expiry is stored as unix
// milliseconds with 0 meaning none.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewSQLStore wraps db. Call Init before use.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

// WithClock overrides the store clock.
func (s *SQLStore) WithClock(now func() time.Time) *SQLStore {
	s.now = now
	return s
}

// Init creates the control-plane tables.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(sqlSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("controlplane: init schema: %w", err)
		}
	}
	return nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func (s *SQLStore) Add(ctx context.Context, key string, delta, limit int64, ttl time.Duration) (int64, bool, error) {
	now := s.now()
	expiresAt := millis(expiryFrom(now, ttl))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("controlplane: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Roll an expired window forward.
	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(
		`UPDATE cp_counters SET value = 0, expires_at = ? WHERE key = ? AND expires_at > 0 AND expires_at <= ?`),
		expiresAt, key, now.UnixMilli()); err != nil {
		return 0, false, fmt.Errorf("controlplane: reset window %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(
		`INSERT INTO cp_counters (key, value, expires_at) VALUES (?, 0, ?) ON CONFLICT (key) DO NOTHING`),
		key, expiresAt); err != nil {
		return 0, false, fmt.Errorf("controlplane: create counter %s: %w", key, err)
	}

	var res sql.Result
	if delta > 0 {
		res, err = tx.ExecContext(ctx, s.dialect.Rebind(
			`UPDATE cp_counters SET value = value + ? WHERE key = ? AND (? <= 0 OR value + ? <= ?)`),
			delta, key, limit, delta, limit)
	} else {
		res, err = tx.ExecContext(ctx, s.dialect.Rebind(
			`UPDATE cp_counters SET value = CASE WHEN value + ? < 0 THEN 0 ELSE value + ? END WHERE key = ?`),
			delta, delta, key)
	}
	if err != nil {
		return 0, false, fmt.Errorf("controlplane: add %s: %w", key, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("failed to check rows affected: %w", err)
	}

	var value int64
	if err := tx.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT value FROM cp_counters WHERE key = ?`), key).Scan(&value); err != nil {
		return 0, false, fmt.Errorf("controlplane: read %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("controlplane: commit: %w", err)
	}
	return value, rows == 1, nil
}

func (s *SQLStore) Counter(ctx context.Context, key string) (int64, error) {
	var value, expiresAt int64
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT value, expires_at FROM cp_counters WHERE key = ?`), key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("controlplane: counter %s: %w", key, err)
	}
	if expiresAt > 0 && expiresAt <= s.now().UnixMilli() {
		return 0, nil
	}
	return value, nil
}

func (s *SQLStore) Get(ctx context.Context, key string) (Record, error) {
	var (
		value     string
		version   int64
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT value, version, expires_at FROM cp_records WHERE key = ?`), key).Scan(&value, &version, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("controlplane: get %s: %w", key, err)
	}
	if expiresAt > 0 && expiresAt <= s.now().UnixMilli() {
		return Record{}, ErrNotFound
	}
	rec := Record{Key: key, Value: []byte(value), Version: version}
	if expiresAt > 0 {
		rec.ExpiresAt = time.UnixMilli(expiresAt)
	}
	return rec, nil
}

func (s *SQLStore) CompareAndSwap(ctx context.Context, key string, expected int64, value []byte, ttl time.Duration) (Record, bool, error) {
	now := s.now()
	expiry := expiryFrom(now, ttl)
	version := newVersion()

	var (
		res sql.Result
		err error
	)
	if expected == 0 {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return Record{}, false, fmt.Errorf("controlplane: begin: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, s.dialect.Rebind(
			`DELETE FROM cp_records WHERE key = ? AND expires_at > 0 AND expires_at <= ?`),
			key, now.UnixMilli()); err != nil {
			return Record{}, false, fmt.Errorf("controlplane: purge %s: %w", key, err)
		}
		res, err = tx.ExecContext(ctx, s.dialect.Rebind(
			`INSERT INTO cp_records (key, value, version, expires_at) VALUES (?, ?, ?, ?) ON CONFLICT (key) DO NOTHING`),
			key, string(value), version, millis(expiry))
		if err != nil {
			return Record{}, false, fmt.Errorf("controlplane: insert %s: %w", key, err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return Record{}, false, fmt.Errorf("failed to check rows affected: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return Record{}, false, fmt.Errorf("controlplane: commit: %w", err)
		}
		if rows == 0 {
			return Record{}, false, nil
		}
		return Record{Key: key, Value: append([]byte(nil), value...), Version: version, ExpiresAt: expiry}, true, nil
	}

	res, err = s.db.ExecContext(ctx, s.dialect.Rebind(
		`UPDATE cp_records SET value = ?, version = ?, expires_at = ?
		WHERE key = ? AND version = ? AND (expires_at = 0 OR expires_at > ?)`),
		string(value), version, millis(expiry), key, expected, now.UnixMilli())
	if err != nil {
		return Record{}, false, fmt.Errorf("controlplane: cas %s: %w", key, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return Record{}, false, nil
	}
	return Record{Key: key, Value: append([]byte(nil), value...), Version: version, ExpiresAt: expiry}, true, nil
}

func (s *SQLStore) CompareAndDelete(ctx context.Context, key string, expected int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(
		`DELETE FROM cp_records WHERE key = ? AND version = ? AND (expires_at = 0 OR expires_at > ?)`),
		key, expected, s.now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("controlplane: cad %s: %w", key, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return rows == 1, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
