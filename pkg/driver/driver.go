// Package driver defines the boundary to the browser automation driver.
//
// The core never inspects driver internals: it hands a contract to Perform
// and receives an ObservedState or a *perrors.DriverError.
package driver

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/anshveerturna/PredatorBrowser/pkg/contract"
	"github.com/anshveerturna/PredatorBrowser/pkg/perrors"
)

// Driver performs concrete browser actions.
type Driver interface {
	// Perform executes c in the workflow's session. Failures are
	// *perrors.DriverError; Committed is set once the side effect was
	// dispatched to the page.
	Perform(ctx context.Context, c *contract.ActionContract) (*ObservedState, error)
	// Observe captures the session state without acting.
	Observe(ctx context.Context, tenantID, workflowID string) (*ObservedState, error)
}

// Element is an interactive element of the page.
type Element struct {
	EID        string            `json:"eid"`
	Selector   string            `json:"selector,omitempty"`
	Role       string            `json:"role,omitempty"`
	Name       string            `json:"name,omitempty"`
	Type       string            `json:"type,omitempty"`
	Text       string            `json:"text,omitempty"`
	Value      string            `json:"value,omitempty"`
	Enabled    bool              `json:"enabled"`
	Visible    bool              `json:"visible"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// VisibleError is an error message rendered on the page.
type VisibleError struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
	EID  string `json:"eid,omitempty"`
}

// Response is one observed network response.
type Response struct {
	URL      string `json:"url"`
	Status   int    `json:"status"`
	RouteKey string `json:"route_key,omitempty"`
}

// NetworkSummary aggregates network activity since the action started.
type NetworkSummary struct {
	TotalRequests  int        `json:"total_requests"`
	TotalResponses int        `json:"total_responses"`
	TotalFailures  int        `json:"total_failures"`
	Responses      []Response `json:"responses,omitempty"`
	Failures       []Response `json:"failures,omitempty"`
}

// Artifact is a file produced or consumed by the action.
type Artifact struct {
	ID    string `json:"id"`
	Path  string `json:"path,omitempty"`
	Hash  string `json:"hash,omitempty"`
	Bytes int64  `json:"bytes"`
}

// ObservedState is the page state reported after an action.
type ObservedState struct {
	URL             string            `json:"url"`
	Title           string            `json:"title,omitempty"`
	Phase           string            `json:"page_phase,omitempty"`
	Committed       bool              `json:"committed"`
	ChangedSections []string          `json:"changed_sections,omitempty"`
	Elements        []Element         `json:"interactive_elements,omitempty"`
	VisibleErrors   []VisibleError    `json:"visible_errors,omitempty"`
	Network         NetworkSummary    `json:"network_summary"`
	Artifacts       []Artifact        `json:"artifacts,omitempty"`
	Extracted       map[string]string `json:"extracted,omitempty"`
	ScriptResult    string            `json:"script_result,omitempty"`
	RuntimeEvents   []string          `json:"runtime_events,omitempty"`
}

// Find returns the element matching selector by selector hint or eid.
func (s *ObservedState) Find(selector string) (Element, bool) {
	if s == nil {
		return Element{}, false
	}
	for _, el := range s.Elements {
		if el.Selector == selector || el.EID == selector {
			return el, true
		}
	}
	return Element{}, false
}

// Host returns the lower-cased host of the observed URL.
func (s *ObservedState) Host() string {
	if s == nil || s.URL == "" {
		return ""
	}
	u, err := url.Parse(s.URL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// Classify converts err into a *perrors.DriverError. Context deadline
// errors become timeouts; unknown errors mean the driver is unavailable.
func Classify(err error, committed bool) *perrors.DriverError {
	if err == nil {
		return nil
	}
	if de, ok := perrors.AsDriverError(err); ok {
		if committed && !de.Committed {
			return &perrors.DriverError{Kind: de.Kind, Committed: true, Err: de.Err}
		}
		return de
	}
	kind := perrors.DriverUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		kind = perrors.DriverTimeout
	}
	return &perrors.DriverError{Kind: kind, Committed: committed, Err: err}
}
