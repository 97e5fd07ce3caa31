package perrors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategoriesMatchSentinels(t *testing.T) {
	wrapped := fmt.Errorf("engine: execute: %w", &QuotaExceededError{TenantID: "t1", Resource: "sessions", Limit: 1})
	assert.ErrorIs(t, wrapped, ErrQuotaExceeded)
	assert.NotErrorIs(t, wrapped, ErrCircuitOpen)

	assert.ErrorIs(t, Invalid("kind", "unknown kind %q", "hover"), ErrValidation)
	assert.ErrorIs(t, &CircuitOpenError{Domain: "example.com"}, ErrCircuitOpen)
	assert.ErrorIs(t, &AuditChainBroken{Ledger: "t/w", Index: 3}, ErrAuditChainBroken)
}

func TestDriverErrorTransient(t *testing.T) {
	tests := []struct {
		name string
		err  *DriverError
		want bool
	}{
		{"timeout", &DriverError{Kind: DriverTimeout}, true},
		{"detached", &DriverError{Kind: DriverDetached}, true},
		{"timeout after commit", &DriverError{Kind: DriverTimeout, Committed: true}, false},
		{"element not found", &DriverError{Kind: DriverElementNotFound}, false},
		{"navigation failed", &DriverError{Kind: DriverNavigationFailed}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Transient())
		})
	}
}

func TestDriverErrorUnwrapAndCode(t *testing.T) {
	err := fmt.Errorf("attempt 2: %w", &DriverError{Kind: DriverTimeout, Err: context.DeadlineExceeded})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrDriver)

	de, ok := AsDriverError(err)
	assert.True(t, ok)
	assert.Equal(t, "DRIVER_TIMEOUT", de.FailureCode())
	assert.Equal(t, "DRIVER_TIMEOUT", Code(err))
}

func TestCode(t *testing.T) {
	assert.Equal(t, "", Code(nil))
	assert.Equal(t, CodeValidation, Code(Invalid("", "bad")))
	assert.Equal(t, CodeBudgetUnsatisfiable, Code(fmt.Errorf("trim: %w", ErrBudgetUnsatisfiable)))
	assert.Equal(t, "ERR_INTERNAL", Code(errors.New("boom")))
}
