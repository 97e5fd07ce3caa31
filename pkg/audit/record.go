// Package audit implements the append-only, hash-chained audit trail of
// executed actions.
//
// Records are grouped into ledgers (one per tenant workflow). Every record
// carries the hash of its predecessor, so any retroactive edit breaks the
// chain at the edited record and VerifyChain reports its index.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anshveerturna/PredatorBrowser/pkg/canonicalize"
)

// GenesisHash is the previous hash of the first record in a ledger.
const GenesisHash = "genesis"

var (
	ErrNotFound           = errors.New("audit: record not found")
	ErrSequenceConflict   = errors.New("audit: sequence already written")
	ErrStoreNotConfigured = errors.New("audit: storage not configured (fail-closed)")
	ErrInvalidRange       = errors.New("audit: invalid range")
)

// Record is a single immutable audit entry.
type Record struct {
	ID           string          `json:"id"`
	Ledger       string          `json:"ledger"`
	Sequence     int64           `json:"sequence"`
	ActionID     string          `json:"action_id"`
	TenantID     string          `json:"tenant_id"`
	WorkflowID   string          `json:"workflow_id"`
	Actor        string          `json:"actor"`
	Timestamp    time.Time       `json:"timestamp"`
	Contract     json.RawMessage `json:"contract"`
	Result       json.RawMessage `json:"result"`
	ContractHash string          `json:"contract_hash"`
	ResultHash   string          `json:"result_hash"`
	PreviousHash string          `json:"previous_hash"`
	Hash         string          `json:"hash"`
	Signature    string          `json:"signature,omitempty"`
}

// Entry is the caller-supplied content of a record.
type Entry struct {
	ActionID   string
	TenantID   string
	WorkflowID string
	Actor      string
	Contract   []byte
	Result     any
}

func computeHash(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// contentHash hashes a JSON document in canonical form so storage round
// trips that reformat it do not change the hash.
func contentHash(doc json.RawMessage) (string, error) {
	if len(doc) == 0 {
		return computeHash(nil), nil
	}
	canon, err := canonicalize.JCS(doc)
	if err != nil {
		return "", err
	}
	return computeHash(canon), nil
}

// computeRecordHash derives the chained hash of rec from its content and
// its stored previous hash.
func computeRecordHash(rec *Record) (string, error) {
	contractHash, err := contentHash(rec.Contract)
	if err != nil {
		return "", fmt.Errorf("audit: hash contract: %w", err)
	}
	resultHash, err := contentHash(rec.Result)
	if err != nil {
		return "", fmt.Errorf("audit: hash result: %w", err)
	}

	hashable := struct {
		ID           string `json:"id"`
		Ledger       string `json:"ledger"`
		Sequence     int64  `json:"sequence"`
		ActionID     string `json:"action_id"`
		TenantID     string `json:"tenant_id"`
		WorkflowID   string `json:"workflow_id"`
		Actor        string `json:"actor"`
		Timestamp    string `json:"timestamp"`
		ContractHash string `json:"contract_hash"`
		ResultHash   string `json:"result_hash"`
		PreviousHash string `json:"previous_hash"`
	}{
		ID:           rec.ID,
		Ledger:       rec.Ledger,
		Sequence:     rec.Sequence,
		ActionID:     rec.ActionID,
		TenantID:     rec.TenantID,
		WorkflowID:   rec.WorkflowID,
		Actor:        rec.Actor,
		Timestamp:    rec.Timestamp.UTC().Format(time.RFC3339Nano),
		ContractHash: contractHash,
		ResultHash:   resultHash,
		PreviousHash: rec.PreviousHash,
	}

	data, err := canonicalize.JCS(hashable)
	if err != nil {
		return "", fmt.Errorf("audit: marshal record for hashing: %w", err)
	}
	return computeHash(data), nil
}

// DecodeResult unmarshals the stored result into v.
func (r *Record) DecodeResult(v any) error {
	if len(r.Result) == 0 {
		return ErrNotFound
	}
	return json.Unmarshal(r.Result, v)
}
