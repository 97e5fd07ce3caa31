package contract

import (
	"encoding/json"
	"time"
)

// Status is the terminal state of an execution.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRejected  Status = "rejected"
)

// RuleFailure records one violated verification rule.
type RuleFailure struct {
	Rule     RuleType `json:"rule"`
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Detail   string   `json:"detail"`
}

// VerificationOutcome is the result of checking a postcondition. A failed
// outcome is a result, not an engine error.
type VerificationOutcome struct {
	Passed   bool          `json:"passed"`
	Reason   string        `json:"reason,omitempty"`
	Failures []RuleFailure `json:"failures,omitempty"`
}

// StateDelta is the trimmed observed state attached to a result.
type StateDelta struct {
	Changed []string        `json:"changed"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Tokens  int             `json:"tokens"`
	Dropped []string        `json:"dropped,omitempty"`
}

// Evidence references an artifact produced by the action.
type Evidence struct {
	Kind  string `json:"kind"`
	Ref   string `json:"ref,omitempty"`
	Hash  string `json:"hash,omitempty"`
	Bytes int64  `json:"bytes,omitempty"`
}

// Timing records when the execution ran.
type Timing struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMs int64     `json:"duration_ms"`
}

// ActionExecutionResult is immutable once produced and cached by ActionID.
type ActionExecutionResult struct {
	ActionID     string              `json:"action_id"`
	TenantID     string              `json:"tenant_id"`
	WorkflowID   string              `json:"workflow_id"`
	Kind         Kind                `json:"kind"`
	Status       Status              `json:"status"`
	FailureCode  string              `json:"failure_code,omitempty"`
	Detail       string              `json:"detail,omitempty"`
	Attempts     int                 `json:"attempts"`
	Committed    bool                `json:"committed"`
	Verification VerificationOutcome `json:"verification"`
	StateDelta   StateDelta          `json:"state_delta"`
	Evidence     []Evidence          `json:"evidence,omitempty"`
	Timing       Timing              `json:"timing"`
	Node         string              `json:"node,omitempty"`
}

// Succeeded reports whether the action ran and its verification passed.
func (r *ActionExecutionResult) Succeeded() bool {
	return r != nil && r.Status == StatusSucceeded
}

// ArtifactBytes sums the evidence sizes.
func (r *ActionExecutionResult) ArtifactBytes() int64 {
	var total int64
	for _, e := range r.Evidence {
		total += e.Bytes
	}
	return total
}
