package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// ObjectSink stores exported evidence packs.
type ObjectSink interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// Manifest describes an exported range of a ledger.
type Manifest struct {
	Ledger          string    `json:"ledger"`
	From            int64     `json:"from"`
	To              int64     `json:"to"`
	Count           int       `json:"count"`
	ChainHead       string    `json:"chain_head"`
	GeneratedAt     time.Time `json:"generated_at"`
	RecordsChecksum string    `json:"records_checksum"`
	Verification    Report    `json:"verification"`
}

// Exporter renders ledger ranges as JSON Lines or zipped evidence packs.
type Exporter struct {
	trail *Trail
	now   func() time.Time
}

// NewExporter creates an exporter over trail.
func NewExporter(trail *Trail) *Exporter {
	return &Exporter{trail: trail, now: time.Now}
}

// WriteJSONL writes one record per line in chain order and returns the count.
func (e *Exporter) WriteJSONL(ctx context.Context, w io.Writer, ledger string, from, to int64) (int, error) {
	records, err := e.trail.Export(ctx, ledger, from, to)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return i, fmt.Errorf("audit: encode record %d: %w", records[i].Sequence, err)
		}
	}
	return len(records), nil
}

// Pack creates a zip containing records.jsonl and manifest.json. The chain
// is verified first and the report is embedded in the manifest; a broken
// chain is still exported so operators can inspect it.
func (e *Exporter) Pack(ctx context.Context, ledger string, from, to int64) ([]byte, string, error) {
	if ledger == "" {
		return nil, "", fmt.Errorf("audit: ledger must not be empty")
	}
	report, err := e.trail.VerifyChain(ctx, ledger, from, to)
	if err != nil {
		return nil, "", err
	}

	var lines bytes.Buffer
	count, err := e.WriteJSONL(ctx, &lines, ledger, from, to)
	if err != nil {
		return nil, "", err
	}
	recordsSum := sha256.Sum256(lines.Bytes())

	manifest := Manifest{
		Ledger:          ledger,
		From:            from,
		To:              from + int64(count),
		Count:           count,
		GeneratedAt:     e.now().UTC(),
		RecordsChecksum: "sha256:" + hex.EncodeToString(recordsSum[:]),
		Verification:    report,
	}
	if head, err := e.trail.Head(ctx, ledger); err == nil {
		manifest.ChainHead = head.Hash
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	for _, file := range []struct {
		name string
		body []byte
	}{
		{"records.jsonl", lines.Bytes()},
		{"manifest.json", manifestJSON},
	} {
		f, err := w.Create(file.name)
		if err != nil {
			return nil, "", err
		}
		if _, err := f.Write(file.body); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	sum := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(sum[:]), nil
}

// Archive packs a ledger range and stores it in sink under prefix. It
// returns the object key and the pack checksum.
func (e *Exporter) Archive(ctx context.Context, sink ObjectSink, prefix, ledger string, from, to int64) (string, string, error) {
	if sink == nil {
		return "", "", fmt.Errorf("audit: archive sink not configured")
	}
	pack, checksum, err := e.Pack(ctx, ledger, from, to)
	if err != nil {
		return "", "", err
	}
	key := fmt.Sprintf("%s%s/%d-%d-%s.zip", prefix, strings.ReplaceAll(ledger, "/", "_"), from, to, checksum[:16])
	if err := sink.Put(ctx, key, pack, "application/zip"); err != nil {
		return "", "", fmt.Errorf("audit: archive %s: %w", key, err)
	}
	return key, checksum, nil
}
