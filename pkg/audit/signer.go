package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const signaturePrefix = "hmac-sha256:"

// Signer produces per-ledger HMAC signatures over record hashes. Ledger keys
// are derived from a master key with HKDF so one leaked ledger key does not
// expose the others.
type Signer struct {
	master []byte

	mu   sync.Mutex
	keys map[string][]byte
}

// NewSigner returns a signer for master, or nil when master is empty.
func NewSigner(master []byte) *Signer {
	if len(master) == 0 {
		return nil
	}
	return &Signer{master: append([]byte(nil), master...), keys: make(map[string][]byte)}
}

func (s *Signer) ledgerKey(ledger string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k, ok := s.keys[ledger]; ok {
		return k, nil
	}
	k := make([]byte, 32)
	r := hkdf.New(sha256.New, s.master, nil, []byte("predator-audit/"+ledger))
	if _, err := io.ReadFull(r, k); err != nil {
		return nil, fmt.Errorf("audit: derive ledger key: %w", err)
	}
	s.keys[ledger] = k
	return k, nil
}

// Sign returns the signature of hash within ledger.
func (s *Signer) Sign(ledger, hash string) (string, error) {
	key, err := s.ledgerKey(ledger)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(hash))
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether sig is the signature of hash within ledger.
func (s *Signer) Verify(ledger, hash, sig string) bool {
	if !strings.HasPrefix(sig, signaturePrefix) {
		return false
	}
	want, err := s.Sign(ledger, hash)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(sig))
}
