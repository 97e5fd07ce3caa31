// Package controlplane is the shared source of truth for quota counters,
// circuit breaker state, session leases and idempotency reservations.
//
// Every mutation is a single atomic operation against the backing store:
// a bounded counter add or a compare-and-swap on a versioned record. Nodes
// never hold authoritative copies of this state in memory.
package controlplane

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record is absent or expired.
	ErrNotFound = errors.New("controlplane: record not found")
	// ErrStoreNotConfigured is returned by callers handed a nil store.
	ErrStoreNotConfigured = errors.New("controlplane: store not configured (fail-closed)")
)

// Record is a versioned value. Version 0 means the record does not exist.
type Record struct {
	Key       string
	Value     []byte
	Version   int64
	ExpiresAt time.Time
}

// Store is the atomic key/counter store shared by all nodes.
type Store interface {
	// Add atomically adds delta to the counter at key. A positive delta is
	// applied only if the result stays <= limit (limit <= 0 means unbounded);
	// a negative delta never takes the counter below zero. ttl > 0 sets the
	// expiry when the counter is created; expired counters read as zero.
	// It returns the counter value after the call and whether delta was applied.
	Add(ctx context.Context, key string, delta, limit int64, ttl time.Duration) (int64, bool, error)

	// Counter returns the current value of a counter, 0 when absent.
	Counter(ctx context.Context, key string) (int64, error)

	// Get returns the record at key or ErrNotFound.
	Get(ctx context.Context, key string) (Record, error)

	// CompareAndSwap stores value at key if the current version equals
	// expected (0 for an absent or expired record). ttl <= 0 stores without
	// expiry. On success the returned record carries the new version.
	CompareAndSwap(ctx context.Context, key string, expected int64, value []byte, ttl time.Duration) (Record, bool, error)

	// CompareAndDelete removes the record at key if its version equals expected.
	CompareAndDelete(ctx context.Context, key string, expected int64) (bool, error)

	Close() error
}

// newVersion returns a random positive version. Versions are unique rather
// than sequential so a record that expired and was recreated never matches a
// stale holder's version.
func newVersion() int64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return time.Now().UnixNano()
	}
	v := int64(binary.BigEndian.Uint64(b[:]) >> 1)
	if v == 0 {
		return 1
	}
	return v
}

func expiryFrom(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
