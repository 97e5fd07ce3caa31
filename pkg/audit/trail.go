package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anshveerturna/PredatorBrowser/pkg/contract"
	"github.com/anshveerturna/PredatorBrowser/pkg/perrors"
)

const maxAppendAttempts = 8

// Trail is the hash-chained audit trail. Append is its sole mutator.
type Trail struct {
	storage Storage
	signer  *Signer
	logger  *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Trail.
type Option func(*Trail)

// WithSigner signs every appended record and checks signatures on verify.
func WithSigner(s *Signer) Option { return func(t *Trail) { t.signer = s } }

// WithLogger sets the trail logger.
func WithLogger(l *zap.Logger) Option { return func(t *Trail) { t.logger = l } }

// WithClock overrides the record timestamp clock.
func WithClock(now func() time.Time) Option { return func(t *Trail) { t.now = now } }

// NewTrail creates a trail over storage.
func NewTrail(storage Storage, opts ...Option) *Trail {
	t := &Trail{
		storage: storage,
		logger:  zap.NewNop(),
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(zap.String("component", "audit"))
	return t
}

func (t *Trail) ledgerLock(ledger string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[ledger]
	if !ok {
		l = &sync.Mutex{}
		t.locks[ledger] = l
	}
	return l
}

// Append links e to the tail of its workflow ledger and stores it. The tail
// is re-hashed first; a tail that no longer matches its stored hash fails
// with *perrors.AuditChainBroken and nothing is written.
func (t *Trail) Append(ctx context.Context, e Entry) (Record, error) {
	if t == nil || t.storage == nil {
		return Record{}, ErrStoreNotConfigured
	}
	if e.ActionID == "" || e.TenantID == "" || e.WorkflowID == "" {
		return Record{}, fmt.Errorf("audit: entry requires action, tenant and workflow ids")
	}

	result, err := marshalResult(e.Result)
	if err != nil {
		return Record{}, err
	}
	ledger := contract.LedgerKey(e.TenantID, e.WorkflowID)

	lock := t.ledgerLock(ledger)
	lock.Lock()
	defer lock.Unlock()

	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		prevHash := GenesisHash
		var seq int64

		tail, err := t.storage.Tail(ctx, ledger)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return Record{}, fmt.Errorf("audit: read tail: %w", err)
		default:
			expected, err := computeRecordHash(&tail)
			if err != nil {
				return Record{}, err
			}
			if expected != tail.Hash {
				broken := &perrors.AuditChainBroken{Ledger: ledger, Index: tail.Sequence, Reason: "tail hash mismatch"}
				t.logger.Error("audit chain broken", zap.String("ledger", ledger), zap.Int64("index", tail.Sequence))
				return Record{}, broken
			}
			prevHash = tail.Hash
			seq = tail.Sequence + 1
		}

		rec := Record{
			ID:           uuid.New().String(),
			Ledger:       ledger,
			Sequence:     seq,
			ActionID:     e.ActionID,
			TenantID:     e.TenantID,
			WorkflowID:   e.WorkflowID,
			Actor:        e.Actor,
			Timestamp:    t.now().UTC().Truncate(time.Microsecond),
			Contract:     json.RawMessage(e.Contract),
			Result:       result,
			PreviousHash: prevHash,
		}
		if rec.ContractHash, err = contentHash(rec.Contract); err != nil {
			return Record{}, fmt.Errorf("audit: hash contract: %w", err)
		}
		if rec.ResultHash, err = contentHash(rec.Result); err != nil {
			return Record{}, fmt.Errorf("audit: hash result: %w", err)
		}
		if rec.Hash, err = computeRecordHash(&rec); err != nil {
			return Record{}, err
		}
		if t.signer != nil {
			if rec.Signature, err = t.signer.Sign(ledger, rec.Hash); err != nil {
				return Record{}, err
			}
		}

		err = t.storage.Append(ctx, rec)
		if errors.Is(err, ErrSequenceConflict) {
			// Another process appended to the ledger; relink to the new tail.
			continue
		}
		if err != nil {
			return Record{}, fmt.Errorf("audit: append: %w", err)
		}
		t.logger.Debug("audit record appended",
			zap.String("ledger", ledger),
			zap.Int64("sequence", rec.Sequence),
			zap.String("action_id", rec.ActionID))
		return rec, nil
	}
	return Record{}, fmt.Errorf("audit: append to %s: %w", ledger, ErrSequenceConflict)
}

func marshalResult(v any) (json.RawMessage, error) {
	switch r := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return r, nil
	case []byte:
		return json.RawMessage(r), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("audit: marshal result: %w", err)
		}
		return b, nil
	}
}

// Report is the outcome of VerifyChain.
type Report struct {
	Ledger  string `json:"ledger"`
	From    int64  `json:"from"`
	Checked int    `json:"checked"`
	Valid   bool   `json:"valid"`
	BreakAt int64  `json:"break_at"`
	Reason  string `json:"reason,omitempty"`
}

// Err returns a *perrors.AuditChainBroken for an invalid report.
func (r Report) Err() error {
	if r.Valid {
		return nil
	}
	return &perrors.AuditChainBroken{Ledger: r.Ledger, Index: r.BreakAt, Reason: r.Reason}
}

func checkRange(from, to int64) error {
	if from < 0 || (to > 0 && to < from) {
		return fmt.Errorf("%w: from=%d to=%d", ErrInvalidRange, from, to)
	}
	return nil
}

// VerifyChain recomputes every record hash with from <= sequence < to (to <= 0
// means the end of the ledger) and confirms each links to its predecessor.
// The first offending record is reported as BreakAt.
func (t *Trail) VerifyChain(ctx context.Context, ledger string, from, to int64) (Report, error) {
	if t == nil || t.storage == nil {
		return Report{}, ErrStoreNotConfigured
	}
	if err := checkRange(from, to); err != nil {
		return Report{}, err
	}

	expectedPrev := GenesisHash
	if from > 0 {
		prev, err := t.storage.Range(ctx, ledger, from-1, from)
		if err != nil {
			return Report{}, fmt.Errorf("audit: read predecessor: %w", err)
		}
		if len(prev) == 0 {
			return Report{}, fmt.Errorf("%w: ledger %s has no record %d", ErrInvalidRange, ledger, from-1)
		}
		expectedPrev = prev[0].Hash
	}

	records, err := t.storage.Range(ctx, ledger, from, to)
	if err != nil {
		return Report{}, fmt.Errorf("audit: read range: %w", err)
	}

	report := Report{Ledger: ledger, From: from, Valid: true, BreakAt: -1}
	for i := range records {
		rec := &records[i]
		index := from + int64(i)
		if reason := t.checkRecord(rec, index, expectedPrev); reason != "" {
			report.Valid = false
			report.BreakAt = index
			report.Reason = reason
			t.logger.Error("audit chain broken",
				zap.String("ledger", ledger),
				zap.Int64("index", index),
				zap.String("reason", reason))
			return report, nil
		}
		report.Checked++
		expectedPrev = rec.Hash
	}
	return report, nil
}

func (t *Trail) checkRecord(rec *Record, index int64, expectedPrev string) string {
	if rec.Sequence != index {
		return fmt.Sprintf("sequence mismatch: stored %d", rec.Sequence)
	}
	if rec.PreviousHash != expectedPrev {
		return "previous hash mismatch"
	}
	computed, err := computeRecordHash(rec)
	if err != nil {
		return "unhashable content: " + err.Error()
	}
	if computed != rec.Hash {
		return "hash mismatch"
	}
	if t.signer != nil && !t.signer.Verify(rec.Ledger, rec.Hash, rec.Signature) {
		return "signature mismatch"
	}
	return ""
}

// Export returns records with from <= sequence < to in chain order.
func (t *Trail) Export(ctx context.Context, ledger string, from, to int64) ([]Record, error) {
	if t == nil || t.storage == nil {
		return nil, ErrStoreNotConfigured
	}
	if err := checkRange(from, to); err != nil {
		return nil, err
	}
	return t.storage.Range(ctx, ledger, from, to)
}

// FindByAction returns the record written for actionID.
func (t *Trail) FindByAction(ctx context.Context, actionID string) (Record, error) {
	if t == nil || t.storage == nil {
		return Record{}, ErrStoreNotConfigured
	}
	return t.storage.FindByAction(ctx, actionID)
}

// Head returns the last record of ledger.
func (t *Trail) Head(ctx context.Context, ledger string) (Record, error) {
	if t == nil || t.storage == nil {
		return Record{}, ErrStoreNotConfigured
	}
	return t.storage.Tail(ctx, ledger)
}

// Ledgers lists the known ledgers.
func (t *Trail) Ledgers(ctx context.Context) ([]string, error) {
	if t == nil || t.storage == nil {
		return nil, ErrStoreNotConfigured
	}
	return t.storage.Ledgers(ctx)
}
