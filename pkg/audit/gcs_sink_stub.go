//go:build !gcp

package audit

import (
	"context"
	"errors"
)

// ErrGCSDisabled is returned by NewGCSSink in builds without the gcp tag.
var ErrGCSDisabled = errors.New("audit: GCS archiving is not enabled in this build (use -tags gcp)")

// GCSSink is unavailable without the gcp build tag.
type GCSSink struct{}

func NewGCSSink(context.Context, string) (*GCSSink, error) {
	return nil, ErrGCSDisabled
}

func (s *GCSSink) Put(context.Context, string, []byte, string) error {
	return ErrGCSDisabled
}

func (s *GCSSink) Close() error { return nil }
