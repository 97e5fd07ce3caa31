package contract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/anshveerturna/PredatorBrowser/pkg/canonicalize"
	"github.com/anshveerturna/PredatorBrowser/pkg/perrors"
)

// Limits bounds contract fields.
type Limits struct {
	MaxSelectorLength     int
	MaxSelectorCandidates int
	MaxTextLength         int
	MaxExpressionLength   int
}

// DefaultLimits returns the production limits.
func DefaultLimits() Limits {
	return Limits{
		MaxSelectorLength:     256,
		MaxSelectorCandidates: 8,
		MaxTextLength:         4096,
		MaxExpressionLength:   512,
	}
}

var broadSelectors = map[string]bool{
	"*":        true,
	"body *":   true,
	"html *":   true,
	"body>*":   true,
	"html>*":   true,
	"body > *": true,
	"html > *": true,
	"body":     true,
	"html":     true,
	":root *":  true,
}

var waitKinds = map[string]bool{
	"selector": true,
	"response": true,
	"function": true,
	"url":      true,
}

// paramSchemas holds the parameter schema of every kind.
var paramSchemas = map[Kind]string{
	KindNavigate: `{
		"type": "object",
		"required": ["url"],
		"properties": {"url": {"type": "string", "minLength": 1}}
	}`,
	KindClick: `{
		"type": "object",
		"anyOf": [
			{"required": ["selector"]},
			{"required": ["selector_candidates"]}
		],
		"properties": {"selector_candidates": {"type": "array", "minItems": 1, "items": {"type": "string"}}}
	}`,
	KindType: `{
		"type": "object",
		"required": ["selector"],
		"properties": {"selector": {"type": "string"}, "text": {"type": "string"}}
	}`,
	KindSelect: `{
		"type": "object",
		"required": ["selector", "value"],
		"properties": {"value": {"type": "string", "minLength": 1}}
	}`,
	KindExtract: `{
		"type": "object",
		"anyOf": [
			{"required": ["selector"]},
			{"required": ["extract_fields"]}
		],
		"properties": {"extract_fields": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}}}
	}`,
	KindUpload: `{
		"type": "object",
		"required": ["selector", "artifact_id"],
		"properties": {
			"artifact_id": {"type": "string", "minLength": 1},
			"artifact_bytes": {"type": "integer", "minimum": 0}
		}
	}`,
	KindDownloadTrigger: `{
		"type": "object",
		"required": ["selector"],
		"properties": {"artifact_bytes": {"type": "integer", "minimum": 0}}
	}`,
	KindWaitOnly: `{"type": "object"}`,
	KindCustomJSRestricted: `{
		"type": "object",
		"required": ["expression"],
		"properties": {"expression": {"type": "string", "minLength": 1}}
	}`,
}

var compiledSchemas = compileParamSchemas()

func compileParamSchemas() map[Kind]*jsonschema.Schema {
	out := make(map[Kind]*jsonschema.Schema, len(paramSchemas))
	for kind, src := range paramSchemas {
		out[kind] = jsonschema.MustCompileString("predator://params/"+string(kind)+".json", src)
	}
	return out
}

// Validator rejects malformed contracts before any side effect.
type Validator struct {
	limits Limits
}

// NewValidator returns a validator enforcing limits.
func NewValidator(limits Limits) *Validator {
	return &Validator{limits: limits}
}

// Validate returns a *perrors.ValidationError describing the first problem
// found in c, or nil.
func (v *Validator) Validate(c *ActionContract) error {
	if c == nil {
		return perrors.Invalid("", "contract is nil")
	}
	if strings.TrimSpace(c.TenantID) == "" {
		return perrors.Invalid("tenant_id", "required")
	}
	if strings.TrimSpace(c.WorkflowID) == "" {
		return perrors.Invalid("workflow_id", "required")
	}
	if strings.Contains(c.TenantID, "/") || strings.Contains(c.WorkflowID, "/") {
		return perrors.Invalid("tenant_id", "tenant and workflow ids must not contain '/'")
	}
	if c.StepIndex < 0 {
		return perrors.Invalid("step_index", "must be >= 0")
	}
	if c.Timeout.TotalMs < 0 {
		return perrors.Invalid("timeout.total_ms", "must be >= 0")
	}
	if c.TokenBudget < 0 {
		return perrors.Invalid("token_budget", "must be >= 0")
	}
	if !c.Kind.Valid() {
		return perrors.Invalid("kind", "unknown kind %q", c.Kind)
	}
	if c.Class != "" && c.Class != ClassLight && c.Class != ClassHeavy {
		return perrors.Invalid("class", "unknown work class %q", c.Class)
	}
	if c.SchemaVersion != "" {
		ver, err := semver.NewVersion(c.SchemaVersion)
		if err != nil {
			return perrors.Invalid("schema_version", "not a semantic version: %v", err)
		}
		if !acceptedSchema.Check(ver) {
			return perrors.Invalid("schema_version", "%s outside accepted range %s", ver, AcceptedSchemas)
		}
	}
	if err := v.validateParams(c); err != nil {
		return err
	}
	for i, w := range c.Waits {
		if !waitKinds[w.Kind] {
			return perrors.Invalid(fmt.Sprintf("waits[%d].kind", i), "unsupported wait kind %q", w.Kind)
		}
		if w.TimeoutMs < 0 {
			return perrors.Invalid(fmt.Sprintf("waits[%d].timeout_ms", i), "must be >= 0")
		}
	}
	for i, r := range c.Preconditions {
		if err := validateRule(fmt.Sprintf("preconditions[%d]", i), r); err != nil {
			return err
		}
	}
	for i, r := range c.Postconditions {
		if err := validateRule(fmt.Sprintf("postconditions[%d]", i), r); err != nil {
			return err
		}
	}
	if c.Kind.HighRisk() {
		if c.Approval == nil || strings.TrimSpace(c.Approval.Approver) == "" || c.Approval.ApprovedAt.IsZero() {
			return perrors.Invalid("approval", "kind %s requires approval metadata", c.Kind)
		}
	}
	return nil
}

func (v *Validator) validateParams(c *ActionContract) error {
	p := c.Params
	if p.Selector != "" {
		if err := v.validateSelector("params.selector", p.Selector); err != nil {
			return err
		}
	}
	if len(p.SelectorCandidates) > v.limits.MaxSelectorCandidates {
		return perrors.Invalid("params.selector_candidates", "more than %d candidates", v.limits.MaxSelectorCandidates)
	}
	for i, s := range p.SelectorCandidates {
		if err := v.validateSelector(fmt.Sprintf("params.selector_candidates[%d]", i), s); err != nil {
			return err
		}
	}
	if len(p.Text) > v.limits.MaxTextLength {
		return perrors.Invalid("params.text", "exceeds %d bytes", v.limits.MaxTextLength)
	}
	if len(p.Expression) > v.limits.MaxExpressionLength {
		return perrors.Invalid("params.expression", "exceeds %d bytes", v.limits.MaxExpressionLength)
	}
	if p.URL != "" {
		u, err := url.Parse(p.URL)
		if err != nil {
			return perrors.Invalid("params.url", "unparseable: %v", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return perrors.Invalid("params.url", "must use http or https")
		}
		if u.Host == "" {
			return perrors.Invalid("params.url", "missing host")
		}
	}
	if p.ArtifactBytes < 0 {
		return perrors.Invalid("params.artifact_bytes", "must be >= 0")
	}

	doc, err := toJSONValue(p)
	if err != nil {
		return perrors.Invalid("params", "not serialisable: %v", err)
	}
	if err := compiledSchemas[c.Kind].Validate(doc); err != nil {
		return perrors.Invalid("params", "%s: %v", c.Kind, err)
	}
	return nil
}

func (v *Validator) validateSelector(field, selector string) error {
	normalized := strings.ToLower(strings.Join(strings.Fields(selector), " "))
	if normalized == "" {
		return perrors.Invalid(field, "empty selector")
	}
	if len(selector) > v.limits.MaxSelectorLength {
		return perrors.Invalid(field, "exceeds %d bytes", v.limits.MaxSelectorLength)
	}
	if broadSelectors[normalized] {
		return perrors.Invalid(field, "selector %q too broad", selector)
	}
	return nil
}

func validateRule(field string, r Rule) error {
	if r.Severity != "" && r.Severity != SeverityHard && r.Severity != SeveritySoft {
		return perrors.Invalid(field+".severity", "unknown severity %q", r.Severity)
	}
	switch r.Type {
	case RuleElementPresent, RuleTextState:
		if r.Selector == "" {
			return perrors.Invalid(field+".selector", "required for %s", r.Type)
		}
	case RuleAttributeState:
		if r.Selector == "" || r.Attribute == "" {
			return perrors.Invalid(field, "attribute_state requires selector and attribute")
		}
	case RuleNetworkStatus, RuleFileExists:
	case RuleURLPattern:
		if r.Pattern == "" {
			return perrors.Invalid(field+".pattern", "required for url_pattern")
		}
	case RuleInvariant:
		if r.Name == "" {
			return perrors.Invalid(field+".name", "required for invariant")
		}
	case RuleExpression:
		if r.Expression == "" {
			return perrors.Invalid(field+".expression", "required for expression")
		}
	default:
		return perrors.Invalid(field+".type", "unknown rule type %q", r.Type)
	}
	return nil
}

func toJSONValue(v any) (any, error) {
	raw, err := canonicalize.JCS(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
