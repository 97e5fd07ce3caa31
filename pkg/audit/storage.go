package audit

import (
	"context"
	"sort"
	"sync"
)

// Storage persists audit records. Append and range reads are the only
// operations; there is no update or delete.
type Storage interface {
	// Append stores rec. It fails with ErrSequenceConflict when rec.Sequence
	// is already taken in rec.Ledger.
	Append(ctx context.Context, rec Record) error
	// Tail returns the last record of ledger or ErrNotFound.
	Tail(ctx context.Context, ledger string) (Record, error)
	// Range returns records with from <= sequence < to in order. to <= 0
	// reads to the end of the ledger.
	Range(ctx context.Context, ledger string, from, to int64) ([]Record, error)
	// FindByAction returns the record of actionID or ErrNotFound.
	FindByAction(ctx context.Context, actionID string) (Record, error)
	// Ledgers lists known ledgers in lexical order.
	Ledgers(ctx context.Context) ([]string, error)
}

// MemoryStorage keeps records in process memory.
type MemoryStorage struct {
	mu       sync.RWMutex
	ledgers  map[string][]Record
	byAction map[string]Record
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		ledgers:  make(map[string][]Record),
		byAction: make(map[string]Record),
	}
}

func (m *MemoryStorage) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := m.ledgers[rec.Ledger]
	if rec.Sequence != int64(len(records)) {
		return ErrSequenceConflict
	}
	m.ledgers[rec.Ledger] = append(records, rec)
	if _, seen := m.byAction[rec.ActionID]; !seen {
		m.byAction[rec.ActionID] = rec
	}
	return nil
}

func (m *MemoryStorage) Tail(_ context.Context, ledger string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.ledgers[ledger]
	if len(records) == 0 {
		return Record{}, ErrNotFound
	}
	return records[len(records)-1], nil
}

func (m *MemoryStorage) Range(_ context.Context, ledger string, from, to int64) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.ledgers[ledger]
	n := int64(len(records))
	if to <= 0 || to > n {
		to = n
	}
	if from < 0 {
		from = 0
	}
	if from >= to {
		return []Record{}, nil
	}
	out := make([]Record, to-from)
	copy(out, records[from:to])
	return out, nil
}

func (m *MemoryStorage) FindByAction(_ context.Context, actionID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.byAction[actionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStorage) Ledgers(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.ledgers))
	for k := range m.ledgers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}
