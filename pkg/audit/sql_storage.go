package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
	ledger TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	id TEXT NOT NULL,
	action_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	workflow_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	ts_micros BIGINT NOT NULL,
	contract TEXT NOT NULL,
	result TEXT NOT NULL,
	contract_hash TEXT NOT NULL,
	result_hash TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	signature TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (ledger, sequence)
);
CREATE INDEX IF NOT EXISTS audit_records_action_idx ON audit_records (action_id);
`

const recordColumns = `ledger, sequence, id, action_id, tenant_id, workflow_id, actor, ts_micros, contract, result, contract_hash, result_hash, previous_hash, hash, signature`

// SQLStorage implements Storage using database/sql.
// It supports both Postgres (lib/pq, "$n" placeholders) and SQLite
// (modernc.org/sqlite, "?" placeholders).
type SQLStorage struct {
	db       *sql.DB
	postgres bool
}

// NewSQLStorage wraps db. Set postgres for "$n" placeholders.
func NewSQLStorage(db *sql.DB, postgres bool) *SQLStorage {
	return &SQLStorage{db: db, postgres: postgres}
}

// Init creates the audit table.
func (s *SQLStorage) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(sqlSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("audit: init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStorage) bind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStorage) Append(ctx context.Context, rec Record) error {
	query := s.bind(`INSERT INTO audit_records (` + recordColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		rec.Ledger, rec.Sequence, rec.ID, rec.ActionID, rec.TenantID, rec.WorkflowID, rec.Actor,
		rec.Timestamp.UnixMicro(), string(rec.Contract), string(rec.Result),
		rec.ContractHash, rec.ResultHash, rec.PreviousHash, rec.Hash, rec.Signature,
	)
	if err == nil {
		return nil
	}

	// The primary key rejects a second writer of the same sequence.
	var exists int
	query = s.bind(`SELECT 1 FROM audit_records WHERE ledger = ? AND sequence = ?`)
	if perr := s.db.QueryRowContext(ctx, query, rec.Ledger, rec.Sequence).Scan(&exists); perr == nil {
		return ErrSequenceConflict
	}
	return fmt.Errorf("failed to insert audit record: %w", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec      Record
		micros   int64
		contract string
		result   string
	)
	err := row.Scan(&rec.Ledger, &rec.Sequence, &rec.ID, &rec.ActionID, &rec.TenantID, &rec.WorkflowID, &rec.Actor,
		&micros, &contract, &result, &rec.ContractHash, &rec.ResultHash, &rec.PreviousHash, &rec.Hash, &rec.Signature)
	if err != nil {
		return Record{}, err
	}
	rec.Timestamp = time.UnixMicro(micros).UTC()
	if contract != "" {
		rec.Contract = []byte(contract)
	}
	if result != "" {
		rec.Result = []byte(result)
	}
	return rec, nil
}

func (s *SQLStorage) queryOne(ctx context.Context, query string, args ...any) (Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, s.bind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("audit: query: %w", err)
	}
	return rec, nil
}

func (s *SQLStorage) Tail(ctx context.Context, ledger string) (Record, error) {
	return s.queryOne(ctx, `SELECT `+recordColumns+` FROM audit_records WHERE ledger = ? ORDER BY sequence DESC LIMIT 1`, ledger)
}

func (s *SQLStorage) FindByAction(ctx context.Context, actionID string) (Record, error) {
	return s.queryOne(ctx, `SELECT `+recordColumns+` FROM audit_records WHERE action_id = ? ORDER BY ledger, sequence LIMIT 1`, actionID)
}

func (s *SQLStorage) Range(ctx context.Context, ledger string, from, to int64) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM audit_records WHERE ledger = ? AND sequence >= ?`
	args := []any{ledger, from}
	if to > 0 {
		query += ` AND sequence < ?`
		args = append(args, to)
	}
	query += ` ORDER BY sequence ASC`

	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("audit: range: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLStorage) Ledgers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT ledger FROM audit_records ORDER BY ledger`)
	if err != nil {
		return nil, fmt.Errorf("audit: ledgers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]string, 0)
	for rows.Next() {
		var ledger string
		if err := rows.Scan(&ledger); err != nil {
			return nil, err
		}
		out = append(out, ledger)
	}
	return out, rows.Err()
}
