// Package perrors defines the error taxonomy shared by the execution core.
//
// Each category has a typed error carrying details and a sentinel usable with
// errors.Is, so callers can branch on the category without knowing the type:
//
//	if errors.Is(err, perrors.ErrQuotaExceeded) { backoff() }
package perrors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Deterministic error codes, recorded in results and audit records.
const (
	CodeValidation          = "ERR_VALIDATION"
	CodeQuotaExceeded       = "ERR_QUOTA_EXCEEDED"
	CodeCircuitOpen         = "ERR_CIRCUIT_OPEN"
	CodeDriver              = "ERR_DRIVER"
	CodeBudgetUnsatisfiable = "ERR_BUDGET_UNSATISFIABLE"
	CodeAuditChainBroken    = "ERR_AUDIT_CHAIN_BROKEN"
	CodePrecondition        = "ERR_PRECONDITION_FAILED"
	CodeCanceled            = "ERR_CANCELED"
	CodeVerificationFailed  = "VERIFICATION_FAILED"
)

// Category sentinels.
var (
	ErrValidation          = errors.New("validation error")
	ErrQuotaExceeded       = errors.New("quota exceeded")
	ErrCircuitOpen         = errors.New("circuit open")
	ErrDriver              = errors.New("driver error")
	ErrBudgetUnsatisfiable = errors.New("token budget unsatisfiable")
	ErrAuditChainBroken    = errors.New("audit chain broken")
	ErrPrecondition        = errors.New("precondition failed")
	ErrCanceled            = errors.New("action canceled before side effect")

	// ErrCancelNotPermitted is returned when cancelling an action whose side
	// effect has already been confirmed.
	ErrCancelNotPermitted = errors.New("cancel not permitted after side effect")
	// ErrConflict is returned when another caller holds the reservation for
	// the same action id and the caller asked not to wait.
	ErrConflict = errors.New("action reserved by another caller")
)

// ValidationError reports a malformed contract. It is never retried.
type ValidationError struct {
	Code   string `json:"code"`
	Field  string `json:"field,omitempty"`
	Detail string `json:"detail"`
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid builds a ValidationError for field.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Code: CodeValidation, Field: field, Detail: fmt.Sprintf(format, args...)}
}

// QuotaExceededError is tenant-scoped and recoverable by caller backoff.
type QuotaExceededError struct {
	TenantID  string `json:"tenant_id"`
	Resource  string `json:"resource"`
	Limit     int64  `json:"limit"`
	Used      int64  `json:"used"`
	Requested int64  `json:"requested"`
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s: tenant=%s resource=%s limit=%d used=%d requested=%d",
		CodeQuotaExceeded, e.TenantID, e.Resource, e.Limit, e.Used, e.Requested)
}

func (e *QuotaExceededError) Is(target error) bool { return target == ErrQuotaExceeded }

// CircuitOpenError is domain-scoped and recoverable after RetryAfter.
type CircuitOpenError struct {
	Domain     string        `json:"domain"`
	State      string        `json:"state"`
	RetryAfter time.Duration `json:"retry_after"`
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("%s: domain=%s state=%s retry_after=%s", CodeCircuitOpen, e.Domain, e.State, e.RetryAfter)
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// DriverErrorKind classifies failures reported by the automation driver.
type DriverErrorKind string

const (
	DriverTimeout          DriverErrorKind = "timeout"
	DriverElementNotFound  DriverErrorKind = "element_not_found"
	DriverNavigationFailed DriverErrorKind = "navigation_failed"
	DriverDetached         DriverErrorKind = "detached"
	DriverUnavailable      DriverErrorKind = "unavailable"
)

// DriverError wraps a failure from the driver boundary. Committed reports
// whether the driver confirmed the side effect before failing.
type DriverError struct {
	Kind      DriverErrorKind `json:"kind"`
	Committed bool            `json:"committed"`
	Err       error           `json:"-"`
}

func (e *DriverError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", CodeDriver, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", CodeDriver, e.Kind)
}

func (e *DriverError) Unwrap() error { return e.Err }

func (e *DriverError) Is(target error) bool { return target == ErrDriver }

// Transient reports whether the failure may be retried. Only timeouts and
// detached element references qualify, and never after a committed side effect.
func (e *DriverError) Transient() bool {
	if e.Committed {
		return false
	}
	return e.Kind == DriverTimeout || e.Kind == DriverDetached
}

// FailureCode is the result code recorded for this driver failure.
func (e *DriverError) FailureCode() string {
	return "DRIVER_" + strings.ToUpper(string(e.Kind))
}

// AuditChainBroken reports the first record of a ledger that fails verification.
type AuditChainBroken struct {
	Ledger string `json:"ledger"`
	Index  int64  `json:"index"`
	Reason string `json:"reason"`
}

func (e *AuditChainBroken) Error() string {
	return fmt.Sprintf("%s: ledger=%s index=%d reason=%s", CodeAuditChainBroken, e.Ledger, e.Index, e.Reason)
}

func (e *AuditChainBroken) Is(target error) bool { return target == ErrAuditChainBroken }

// AsDriverError extracts a *DriverError from err.
func AsDriverError(err error) (*DriverError, bool) {
	var de *DriverError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// Code maps err onto its deterministic error code, or "" for nil.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrQuotaExceeded):
		return CodeQuotaExceeded
	case errors.Is(err, ErrCircuitOpen):
		return CodeCircuitOpen
	case errors.Is(err, ErrBudgetUnsatisfiable):
		return CodeBudgetUnsatisfiable
	case errors.Is(err, ErrAuditChainBroken):
		return CodeAuditChainBroken
	case errors.Is(err, ErrPrecondition):
		return CodePrecondition
	case errors.Is(err, ErrCanceled):
		return CodeCanceled
	}
	if de, ok := AsDriverError(err); ok {
		return de.FailureCode()
	}
	return "ERR_INTERNAL"
}
