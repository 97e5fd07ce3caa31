// Package verify checks postconditions against the state observed after an
// action. A failed check is an outcome recorded on the result, not an error.
package verify

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"go.uber.org/zap"

	"github.com/anshveerturna/PredatorBrowser/pkg/contract"
	"github.com/anshveerturna/PredatorBrowser/pkg/driver"
)

// Failure codes.
const (
	CodeElementNotPresent   = "ELEMENT_NOT_PRESENT"
	CodeTextMismatch        = "TEXT_STATE_MISMATCH"
	CodeAttributeMismatch   = "ATTRIBUTE_STATE_MISMATCH"
	CodeNetworkMismatch     = "NETWORK_STATUS_MISMATCH"
	CodeURLPatternMismatch  = "URL_PATTERN_MISMATCH"
	CodeFileNotFound        = "FILE_NOT_FOUND"
	CodeFileTooSmall        = "FILE_TOO_SMALL"
	CodeInvariantViolation  = "INVARIANT_VIOLATION"
	CodeExpressionFalse     = "EXPRESSION_FALSE"
	CodeExpressionError     = "EXPRESSION_ERROR"
	CodeDomainMismatch      = "DOMAIN_MISMATCH"
	CodeValueMismatch       = "VALUE_MISMATCH"
	CodeExtractFieldMissing = "EXTRACT_FIELD_MISSING"
	CodeNotCommitted        = "SIDE_EFFECT_NOT_CONFIRMED"
	CodeUnknownRule         = "UNKNOWN_RULE"
)

// Verifier evaluates per-kind postconditions and explicit rules.
// Compiled CEL programs are cached by expression.
type Verifier struct {
	env    *cel.Env
	logger *zap.Logger

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// New creates a Verifier.
func New(logger *zap.Logger) (*Verifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	env, err := cel.NewEnv(
		cel.Variable("state", cel.DynType),
		cel.Variable("action", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("verify: cel environment: %w", err)
	}
	return &Verifier{
		env:      env,
		logger:   logger.With(zap.String("component", "verify")),
		programs: make(map[string]cel.Program),
	}, nil
}

// Verify applies the kind's default postcondition and the contract's
// explicit postconditions to post.
func (v *Verifier) Verify(c *contract.ActionContract, post *driver.ObservedState) contract.VerificationOutcome {
	if post == nil {
		post = &driver.ObservedState{}
	}
	failures := kindDefault(c, post)
	failures = append(failures, v.evaluate(c, c.Postconditions, post)...)
	return outcome(failures)
}

// Check evaluates rules alone. The engine uses it for preconditions.
func (v *Verifier) Check(c *contract.ActionContract, rules []contract.Rule, s *driver.ObservedState) contract.VerificationOutcome {
	return outcome(v.evaluate(c, rules, s))
}

func outcome(failures []contract.RuleFailure) contract.VerificationOutcome {
	out := contract.VerificationOutcome{Passed: true, Failures: failures}
	for _, f := range failures {
		if f.Severity == contract.SeverityHard {
			out.Passed = false
			out.Reason = f.Code + ": " + f.Detail
			break
		}
	}
	return out
}

func fail(rule contract.RuleType, sev contract.Severity, code, format string, args ...any) *contract.RuleFailure {
	if sev == "" {
		sev = contract.SeverityHard
	}
	return &contract.RuleFailure{Rule: rule, Severity: sev, Code: code, Detail: fmt.Sprintf(format, args...)}
}

// kindDefault is the postcondition every action of a kind must satisfy.
func kindDefault(c *contract.ActionContract, s *driver.ObservedState) []contract.RuleFailure {
	var f *contract.RuleFailure
	switch c.Kind {
	case contract.KindNavigate:
		want := c.TargetDomain()
		host := s.Host()
		if host == "" || (want != "" && host != want && !strings.HasSuffix(host, "."+want)) {
			f = fail(contract.RuleURLPattern, "", CodeDomainMismatch, "expected domain %s, landed on %q", want, host)
		}
	case contract.KindType:
		f = valueEquals(c, s, c.Params.Text)
	case contract.KindSelect:
		f = valueEquals(c, s, c.Params.Value)
	case contract.KindExtract:
		for _, field := range c.Params.ExtractFields {
			if _, ok := s.Extracted[field]; !ok {
				f = fail(contract.RuleElementPresent, "", CodeExtractFieldMissing, "field %s not extracted", field)
				break
			}
		}
	case contract.KindDownloadTrigger:
		if !hasArtifact(s, "", 1) {
			f = fail(contract.RuleFileExists, "", CodeFileNotFound, "no downloaded artifact")
		}
	case contract.KindClick, contract.KindUpload, contract.KindCustomJSRestricted:
		if !s.Committed {
			f = fail(contract.RuleInvariant, "", CodeNotCommitted, "%s not confirmed by driver", c.Kind)
		}
	}
	if f == nil {
		return nil
	}
	return []contract.RuleFailure{*f}
}

func valueEquals(c *contract.ActionContract, s *driver.ObservedState, want string) *contract.RuleFailure {
	el, ok := findAny(s, c.Params.Selector, c.Params.SelectorCandidates)
	if !ok {
		return fail(contract.RuleElementPresent, "", CodeElementNotPresent, "element %s not found", c.Params.Selector)
	}
	if el.Value != want {
		// typed text is never echoed into results
		return fail(contract.RuleAttributeState, "", CodeValueMismatch, "value of %s differs (len %d, want %d)", c.Params.Selector, len(el.Value), len(want))
	}
	return nil
}

func findAny(s *driver.ObservedState, selector string, candidates []string) (driver.Element, bool) {
	if el, ok := s.Find(selector); ok {
		return el, true
	}
	for _, cand := range candidates {
		if el, ok := s.Find(cand); ok {
			return el, true
		}
	}
	return driver.Element{}, false
}

func hasArtifact(s *driver.ObservedState, id string, minSize int64) bool {
	if s == nil {
		return false
	}
	for _, a := range s.Artifacts {
		if (id == "" || a.ID == id) && a.Bytes >= minSize {
			return true
		}
	}
	return false
}

func (v *Verifier) evaluate(c *contract.ActionContract, rules []contract.Rule, s *driver.ObservedState) []contract.RuleFailure {
	if s == nil {
		s = &driver.ObservedState{}
	}
	var failures []contract.RuleFailure
	for _, r := range rules {
		if f := v.rule(c, r, s); f != nil {
			failures = append(failures, *f)
		}
	}
	return failures
}

func (v *Verifier) rule(c *contract.ActionContract, r contract.Rule, s *driver.ObservedState) *contract.RuleFailure {
	switch r.Type {
	case contract.RuleElementPresent:
		if _, ok := s.Find(r.Selector); !ok {
			return fail(r.Type, r.Severity, CodeElementNotPresent, "element %s not found", r.Selector)
		}
	case contract.RuleTextState:
		el, ok := s.Find(r.Selector)
		if !ok {
			return fail(r.Type, r.Severity, CodeElementNotPresent, "element %s not found", r.Selector)
		}
		text := strings.TrimSpace(el.Text)
		matched := strings.Contains(text, r.Expected)
		if r.Mode == "equals" {
			matched = text == r.Expected
		}
		if !matched {
			return fail(r.Type, r.Severity, CodeTextMismatch, "selector=%s expected=%q actual=%q", r.Selector, r.Expected, text)
		}
	case contract.RuleAttributeState:
		el, ok := s.Find(r.Selector)
		if !ok {
			return fail(r.Type, r.Severity, CodeElementNotPresent, "element %s not found", r.Selector)
		}
		actual, ok := el.Attributes[r.Attribute]
		if !ok || actual != r.Expected {
			return fail(r.Type, r.Severity, CodeAttributeMismatch, "selector=%s attr=%s expected=%q actual=%q", r.Selector, r.Attribute, r.Expected, actual)
		}
	case contract.RuleNetworkStatus:
		return networkStatus(r, s)
	case contract.RuleURLPattern:
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fail(r.Type, r.Severity, CodeURLPatternMismatch, "bad pattern %q: %v", r.Pattern, err)
		}
		if !re.MatchString(s.URL) {
			return fail(r.Type, r.Severity, CodeURLPatternMismatch, "pattern=%s url=%s", r.Pattern, s.URL)
		}
	case contract.RuleFileExists:
		minSize := r.MinSize
		if minSize <= 0 {
			minSize = 1
		}
		if !hasArtifact(s, r.Name, 0) {
			return fail(r.Type, r.Severity, CodeFileNotFound, "artifact %q not found", r.Name)
		}
		if !hasArtifact(s, r.Name, minSize) {
			return fail(r.Type, r.Severity, CodeFileTooSmall, "artifact %q smaller than %d bytes", r.Name, minSize)
		}
	case contract.RuleInvariant:
		if r.Name == "no_visible_errors" && len(s.VisibleErrors) > 0 {
			return fail(r.Type, r.Severity, CodeInvariantViolation, "visible_errors_present")
		}
	case contract.RuleExpression:
		ok, err := v.eval(r.Expression, c, s)
		if err != nil {
			v.logger.Debug("expression rule failed to evaluate", zap.String("expression", r.Expression), zap.Error(err))
			return fail(r.Type, r.Severity, CodeExpressionError, "%v", err)
		}
		if !ok {
			return fail(r.Type, r.Severity, CodeExpressionFalse, "%s", r.Expression)
		}
	default:
		return fail(r.Type, r.Severity, CodeUnknownRule, "unknown rule type %q", r.Type)
	}
	return nil
}

func networkStatus(r contract.Rule, s *driver.ObservedState) *contract.RuleFailure {
	lo, hi := r.StatusMin, r.StatusMax
	if lo == 0 {
		lo = 200
	}
	if hi == 0 {
		hi = 299
	}
	var re *regexp.Regexp
	if r.Pattern != "" {
		var err error
		if re, err = regexp.Compile(r.Pattern); err != nil {
			return fail(r.Type, r.Severity, CodeNetworkMismatch, "bad pattern %q: %v", r.Pattern, err)
		}
	}
	for _, resp := range s.Network.Responses {
		if re != nil && !re.MatchString(resp.URL) {
			continue
		}
		if resp.Status >= lo && resp.Status <= hi {
			return nil
		}
	}
	return fail(r.Type, r.Severity, CodeNetworkMismatch, "no response with status between %d and %d", lo, hi)
}

func (v *Verifier) program(expr string) (cel.Program, error) {
	v.mu.RLock()
	prg, ok := v.programs[expr]
	v.mu.RUnlock()
	if ok {
		return prg, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if prg, ok = v.programs[expr]; ok {
		return prg, nil
	}
	ast, issues := v.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := v.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	v.programs[expr] = prg
	return prg, nil
}

func (v *Verifier) eval(expr string, c *contract.ActionContract, s *driver.ObservedState) (bool, error) {
	prg, err := v.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{
		"state":  stateInput(s),
		"action": actionInput(c),
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result is %T, not bool", out.Value())
	}
	return b, nil
}

func actionInput(c *contract.ActionContract) map[string]any {
	if c == nil {
		return map[string]any{}
	}
	return map[string]any{
		"kind":       string(c.Kind),
		"domain":     c.TargetDomain(),
		"selector":   c.Params.Selector,
		"url":        c.Params.URL,
		"step_index": int64(c.StepIndex),
	}
}

func stateInput(s *driver.ObservedState) map[string]any {
	elements := make([]any, 0, len(s.Elements))
	for _, el := range s.Elements {
		attrs := el.Attributes
		if attrs == nil {
			attrs = map[string]string{}
		}
		elements = append(elements, map[string]any{
			"eid":        el.EID,
			"selector":   el.Selector,
			"role":       el.Role,
			"name":       el.Name,
			"text":       el.Text,
			"value":      el.Value,
			"enabled":    el.Enabled,
			"visible":    el.Visible,
			"attributes": attrs,
		})
	}
	errs := make([]any, 0, len(s.VisibleErrors))
	for _, e := range s.VisibleErrors {
		errs = append(errs, map[string]any{"kind": e.Kind, "text": e.Text})
	}
	responses := make([]any, 0, len(s.Network.Responses))
	for _, r := range s.Network.Responses {
		responses = append(responses, map[string]any{"url": r.URL, "status": int64(r.Status), "route_key": r.RouteKey})
	}
	artifacts := make([]any, 0, len(s.Artifacts))
	for _, a := range s.Artifacts {
		artifacts = append(artifacts, map[string]any{"id": a.ID, "hash": a.Hash, "bytes": a.Bytes})
	}
	extracted := s.Extracted
	if extracted == nil {
		extracted = map[string]string{}
	}
	changed := s.ChangedSections
	if changed == nil {
		changed = []string{}
	}
	return map[string]any{
		"url":       s.URL,
		"host":      s.Host(),
		"title":     s.Title,
		"phase":     s.Phase,
		"committed": s.Committed,
		"changed":   changed,
		"elements":  elements,
		"errors":    errs,
		"network": map[string]any{
			"total_requests":  int64(s.Network.TotalRequests),
			"total_responses": int64(s.Network.TotalResponses),
			"total_failures":  int64(s.Network.TotalFailures),
			"responses":       responses,
		},
		"artifacts":     artifacts,
		"extracted":     extracted,
		"script_result": s.ScriptResult,
	}
}
