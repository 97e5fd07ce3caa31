package audit

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func newSQLiteStorage(t *testing.T) *SQLStorage {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s := NewSQLStorage(db, false)
	require.NoError(t, s.Init(context.Background()))
	return s
}

func TestSQLStorage_ChainSurvivesRoundTrip(t *testing.T) {
	storage := newSQLiteStorage(t)
	trail := NewTrail(storage, WithSigner(NewSigner([]byte("k"))), WithClock(fixedClock()))
	appendN(t, trail, 5)

	report, err := trail.VerifyChain(context.Background(), "tenant-a/wf-1", 0, 0)
	require.NoError(t, err)
	assert.True(t, report.Valid, report.Reason)
	assert.Equal(t, 5, report.Checked)

	ledgers, err := trail.Ledgers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant-a/wf-1"}, ledgers)

	rec, err := trail.FindByAction(context.Background(), "act_000000000000000000000003")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.Sequence)
}

func TestSQLStorage_DuplicateSequenceConflicts(t *testing.T) {
	storage := newSQLiteStorage(t)
	rec := Record{
		ID: "r1", Ledger: "t/w", Sequence: 0, ActionID: "a1", TenantID: "t", WorkflowID: "w",
		Timestamp: time.Now().UTC(), Contract: []byte(`{}`), Result: []byte(`{}`),
		PreviousHash: GenesisHash, Hash: "sha256:x",
	}
	require.NoError(t, storage.Append(context.Background(), rec))

	rec.ID = "r2"
	err := storage.Append(context.Background(), rec)
	assert.ErrorIs(t, err, ErrSequenceConflict)
}

func TestSQLStorage_DetectsTamperedRow(t *testing.T) {
	storage := newSQLiteStorage(t)
	trail := NewTrail(storage, WithClock(fixedClock()))
	appendN(t, trail, 4)

	_, err := storage.db.Exec(`UPDATE audit_records SET result = '{"status":"failed","step":2}' WHERE sequence = 2`)
	require.NoError(t, err)

	report, err := trail.VerifyChain(context.Background(), "tenant-a/wf-1", 0, 0)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, int64(2), report.BreakAt)
}

func TestSQLStorage_PostgresTail(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	storage := NewSQLStorage(db, true)
	ts := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"ledger", "sequence", "id", "action_id", "tenant_id", "workflow_id", "actor",
		"ts_micros", "contract", "result", "contract_hash", "result_hash", "previous_hash", "hash", "signature"}).
		AddRow("t/w", int64(7), "r7", "act_7", "t", "w", "node-1", ts.UnixMicro(), `{}`, `{}`, "sha256:c", "sha256:r", "sha256:p", "sha256:h", "")
	mock.ExpectQuery(regexp.QuoteMeta(`FROM audit_records WHERE ledger = $1 ORDER BY sequence DESC LIMIT 1`)).
		WithArgs("t/w").
		WillReturnRows(rows)

	rec, err := storage.Tail(context.Background(), "t/w")
	require.NoError(t, err)
	assert.Equal(t, int64(7), rec.Sequence)
	assert.True(t, ts.Equal(rec.Timestamp))

	mock.ExpectQuery(regexp.QuoteMeta(`FROM audit_records WHERE ledger = $1`)).
		WithArgs("empty").
		WillReturnError(sql.ErrNoRows)
	_, err = storage.Tail(context.Background(), "empty")
	assert.True(t, errors.Is(err, ErrNotFound))

	assert.NoError(t, mock.ExpectationsWereMet())
}
