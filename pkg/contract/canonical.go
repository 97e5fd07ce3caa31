package contract

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/anshveerturna/PredatorBrowser/pkg/canonicalize"
)

// SchemaVersion is the version of the canonical identity layout. Adding a
// field to the identity view requires a bump so old and new ids never collide.
const SchemaVersion = "2.1.0"

// AcceptedSchemas is the range of producer schema versions the validator accepts.
const AcceptedSchemas = ">= 2.0.0, < 3.0.0"

const actionIDPrefix = "act_"

var (
	currentSchema  = semver.MustParse(SchemaVersion)
	acceptedSchema = mustConstraint(AcceptedSchemas)
)

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Canonical is the stable identity of a contract.
type Canonical struct {
	Bytes    []byte
	ActionID string
}

// identity is the subset of a contract that defines what the action is.
type identity struct {
	Schema         string            `json:"schema"`
	TenantID       string            `json:"tenant_id"`
	WorkflowID     string            `json:"workflow_id"`
	RunID          string            `json:"run_id"`
	StepIndex      int               `json:"step_index"`
	Intent         string            `json:"intent"`
	Kind           Kind              `json:"kind"`
	Domain         string            `json:"domain"`
	Params         Params            `json:"params"`
	Preconditions  []Rule            `json:"preconditions"`
	Postconditions []Rule            `json:"postconditions"`
	Waits          []WaitCondition   `json:"waits"`
	Metadata       map[string]string `json:"metadata"`
}

func identityOf(c *ActionContract) identity {
	metadata := c.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	return identity{
		Schema:         "predator.action/" + currentSchema.String(),
		TenantID:       c.TenantID,
		WorkflowID:     c.WorkflowID,
		RunID:          c.RunID,
		StepIndex:      c.StepIndex,
		Intent:         c.Intent,
		Kind:           c.Kind,
		Domain:         c.TargetDomain(),
		Params:         c.Params,
		Preconditions:  emptyIfNil(c.Preconditions),
		Postconditions: emptyIfNil(c.Postconditions),
		Waits:          emptyIfNil(c.Waits),
		Metadata:       metadata,
	}
}

func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// Identity returns the canonical bytes and action id of c without validating it.
func Identity(c *ActionContract) (Canonical, error) {
	b, err := canonicalize.JCS(identityOf(c))
	if err != nil {
		return Canonical{}, fmt.Errorf("contract: canonicalize: %w", err)
	}
	return Canonical{
		Bytes:    b,
		ActionID: actionIDPrefix + canonicalize.HashBytes(b)[:24],
	}, nil
}

// Canonicalizer validates contracts and derives their identity.
type Canonicalizer struct {
	validator *Validator
	approvals *ApprovalVerifier
}

// NewCanonicalizer returns a canonicalizer. A nil validator uses the default
// limits; a nil approval verifier accepts approval metadata without a token.
func NewCanonicalizer(v *Validator, approvals *ApprovalVerifier) *Canonicalizer {
	if v == nil {
		v = NewValidator(DefaultLimits())
	}
	return &Canonicalizer{validator: v, approvals: approvals}
}

// Canonicalize validates c and returns its canonical bytes and action id.
// It fails with a *perrors.ValidationError when required fields are missing
// or a high-risk kind lacks valid approval metadata.
func (k *Canonicalizer) Canonicalize(c *ActionContract) (Canonical, error) {
	if err := k.validator.Validate(c); err != nil {
		return Canonical{}, err
	}
	canon, err := Identity(c)
	if err != nil {
		return Canonical{}, err
	}
	if c.Kind.HighRisk() {
		if err := k.approvals.Verify(c, canon.ActionID); err != nil {
			return Canonical{}, err
		}
	}
	return canon, nil
}

var defaultCanonicalizer = NewCanonicalizer(nil, nil)

// Canonicalize validates c with default limits and returns its identity.
func Canonicalize(c *ActionContract) (Canonical, error) {
	return defaultCanonicalizer.Canonicalize(c)
}
