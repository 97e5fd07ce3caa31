// Package contract defines the ActionContract, its canonical identity and the
// ActionExecutionResult produced by executing it.
package contract

import (
	"net/url"
	"strings"
	"time"
)

// ActionContract is the immutable description of one intended browser action.
type ActionContract struct {
	SchemaVersion  string            `json:"schema_version,omitempty"`
	TenantID       string            `json:"tenant_id"`
	WorkflowID     string            `json:"workflow_id"`
	RunID          string            `json:"run_id,omitempty"`
	StepIndex      int               `json:"step_index"`
	Intent         string            `json:"intent,omitempty"`
	Kind           Kind              `json:"kind"`
	Domain         string            `json:"domain,omitempty"`
	Params         Params            `json:"params"`
	Preconditions  []Rule            `json:"preconditions,omitempty"`
	Postconditions []Rule            `json:"postconditions,omitempty"`
	Waits          []WaitCondition   `json:"waits,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	// Fields below steer execution and do not take part in the action identity.
	Class    WorkClass      `json:"class,omitempty"`
	Approval *Approval      `json:"approval,omitempty"`
	Timeout  TimeoutPolicy  `json:"timeout,omitempty"`
	Retry    *RetryOverride `json:"retry,omitempty"`

	// TokenBudget is the state delta size the caller asks for. Zero takes
	// the engine default.
	TokenBudget int `json:"token_budget,omitempty"`
}

// Params carries the kind-specific parameters. Which fields are required is
// decided by the kind's parameter schema.
type Params struct {
	URL                string   `json:"url,omitempty"`
	Selector           string   `json:"selector,omitempty"`
	SelectorCandidates []string `json:"selector_candidates,omitempty"`
	Text               string   `json:"text,omitempty"`
	Value              string   `json:"value,omitempty"`
	ArtifactID         string   `json:"artifact_id,omitempty"`
	ArtifactBytes      int64    `json:"artifact_bytes,omitempty"`
	Expression         string   `json:"expression,omitempty"`
	Argument           string   `json:"argument,omitempty"`
	ExtractFields      []string `json:"extract_fields,omitempty"`
}

// Approval is the sign-off required for high-risk kinds.
type Approval struct {
	Approver   string    `json:"approver"`
	ApprovedAt time.Time `json:"approved_at"`
	Reason     string    `json:"reason,omitempty"`
	Token      string    `json:"token,omitempty"`
}

// TimeoutPolicy bounds the driver wait for a single action.
type TimeoutPolicy struct {
	TotalMs int64 `json:"total_ms,omitempty"`
}

// Duration returns the total timeout, or def when unset.
func (p TimeoutPolicy) Duration(def time.Duration) time.Duration {
	if p.TotalMs <= 0 {
		return def
	}
	return time.Duration(p.TotalMs) * time.Millisecond
}

// RetryOverride narrows the engine retry policy for one contract.
type RetryOverride struct {
	MaxAttempts int `json:"max_attempts"`
}

// Severity decides whether a failing rule fails verification.
type Severity string

const (
	SeverityHard Severity = "hard"
	SeveritySoft Severity = "soft"
)

// RuleType enumerates verification rule checks.
type RuleType string

const (
	RuleElementPresent RuleType = "element_present"
	RuleTextState      RuleType = "text_state"
	RuleAttributeState RuleType = "attribute_state"
	RuleNetworkStatus  RuleType = "network_status"
	RuleURLPattern     RuleType = "url_pattern"
	RuleFileExists     RuleType = "file_exists"
	RuleInvariant      RuleType = "invariant"
	RuleExpression     RuleType = "expression"
)

// Rule is a typed pre- or postcondition over observed state.
type Rule struct {
	Type       RuleType `json:"type"`
	Severity   Severity `json:"severity,omitempty"`
	Selector   string   `json:"selector,omitempty"`
	Attribute  string   `json:"attribute,omitempty"`
	Expected   string   `json:"expected,omitempty"`
	Mode       string   `json:"mode,omitempty"`
	Pattern    string   `json:"pattern,omitempty"`
	StatusMin  int      `json:"status_min,omitempty"`
	StatusMax  int      `json:"status_max,omitempty"`
	MinSize    int64    `json:"min_size,omitempty"`
	Name       string   `json:"name,omitempty"`
	Expression string   `json:"expression,omitempty"`
}

// IsHard reports whether the rule fails verification when violated.
func (r Rule) IsHard() bool {
	return r.Severity == "" || r.Severity == SeverityHard
}

// WaitCondition is an event-based wait the driver performs after acting.
type WaitCondition struct {
	Kind      string `json:"kind"`
	Value     string `json:"value,omitempty"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
}

// WorkClass returns the scheduling class, defaulting by kind.
func (c *ActionContract) WorkClass() WorkClass {
	if c.Class != "" {
		return c.Class
	}
	return c.Kind.DefaultClass()
}

// TargetDomain is the domain the circuit breaker keys on: the explicit Domain
// when set, otherwise the host of Params.URL.
func (c *ActionContract) TargetDomain() string {
	if c.Domain != "" {
		return strings.ToLower(c.Domain)
	}
	if c.Params.URL == "" {
		return ""
	}
	u, err := url.Parse(c.Params.URL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// LedgerKey identifies the audit ledger of the contract's workflow.
func (c *ActionContract) LedgerKey() string {
	return LedgerKey(c.TenantID, c.WorkflowID)
}

// LedgerKey joins tenant and workflow ids into an audit ledger key.
func LedgerKey(tenantID, workflowID string) string {
	return tenantID + "/" + workflowID
}
