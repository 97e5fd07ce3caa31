package tokenbudget

import (
	"encoding/json"

	"github.com/anshveerturna/PredatorBrowser/pkg/contract"
	"github.com/anshveerturna/PredatorBrowser/pkg/driver"
)

// Section priorities of a state payload. Optional sections go first.
const (
	PriorityMetadata      = 10
	PriorityRuntimeEvents = 20
	PriorityScriptResult  = 30
	PriorityNetworkFail   = 40
	PriorityElements      = 50
	PriorityVisibleErrors = 70
	PriorityNetwork       = 80
	PriorityArtifacts     = 90
	PriorityExtracted     = 95
	PriorityPage          = 100
)

// Section groups with their own token caps.
const (
	GroupStateDelta = "state_delta"
	GroupNetwork    = "network"
	GroupMetadata   = "metadata"
)

// DefaultGroupBudgets returns the stock group caps.
func DefaultGroupBudgets() GroupBudgets {
	return GroupBudgets{
		GroupStateDelta: 500,
		GroupNetwork:    250,
		GroupMetadata:   250,
	}
}

// Per-section truncation ladders.
var (
	runtimeEventLadder   = []int{10, 5, 0}
	networkFailureLadder = []int{8, 4, 0}
)

func list[T any](items []T) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(items))
	for _, it := range items {
		raw, err := json.Marshal(it)
		if err != nil {
			continue
		}
		out = append(out, raw)
	}
	return out
}

func value(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}

// FromState builds the payload reported for an executed action. The
// identity block carries the result identity and verification verdict.
func FromState(r *contract.ActionExecutionResult, s *driver.ObservedState, metadata map[string]string) Payload {
	if s == nil {
		s = &driver.ObservedState{}
	}
	p := Payload{
		Identity: map[string]any{
			"action_id":   r.ActionID,
			"tenant_id":   r.TenantID,
			"workflow_id": r.WorkflowID,
			"kind":        r.Kind,
			"status":      r.Status,
			"verified":    r.Verification.Passed,
		},
	}
	if r.FailureCode != "" {
		p.Identity["failure_code"] = r.FailureCode
	}

	page := map[string]any{
		"url":       s.URL,
		"committed": s.Committed,
		"changed":   append([]string{}, s.ChangedSections...),
	}
	if s.Title != "" {
		page["title"] = s.Title
	}
	if s.Phase != "" {
		page["phase"] = s.Phase
	}
	p.Sections = append(p.Sections,
		Section{Name: "page", Priority: PriorityPage, Required: true, Value: value(page)},
		Section{Name: "network", Priority: PriorityNetwork, Required: true, Group: GroupNetwork, Value: value(map[string]int{
			"total_requests":  s.Network.TotalRequests,
			"total_responses": s.Network.TotalResponses,
			"total_failures":  s.Network.TotalFailures,
		})},
		Section{Name: "artifacts", Priority: PriorityArtifacts, Required: true, List: list(s.Artifacts)},
		Section{Name: "visible_errors", Priority: PriorityVisibleErrors, Required: true, Group: GroupStateDelta, List: list(s.VisibleErrors)},
		Section{Name: "elements", Priority: PriorityElements, Group: GroupStateDelta, List: list(s.Elements)},
		Section{Name: "network_failures", Priority: PriorityNetworkFail, Group: GroupNetwork, List: list(s.Network.Failures), Ladder: networkFailureLadder},
		Section{Name: "runtime_events", Priority: PriorityRuntimeEvents, Group: GroupMetadata, List: list(s.RuntimeEvents), Ladder: runtimeEventLadder},
	)
	if len(s.Extracted) > 0 {
		p.Sections = append(p.Sections, Section{Name: "extracted", Priority: PriorityExtracted, Required: true, Value: value(s.Extracted)})
	}
	if len(r.Verification.Failures) > 0 {
		p.Sections = append(p.Sections, Section{Name: "verification_failures", Priority: PriorityVisibleErrors, Required: true, List: list(r.Verification.Failures)})
	}
	if s.ScriptResult != "" {
		p.Sections = append(p.Sections, Section{Name: "script_result", Priority: PriorityScriptResult, Value: value(s.ScriptResult)})
	}
	if len(metadata) > 0 {
		p.Sections = append(p.Sections, Section{Name: "metadata", Priority: PriorityMetadata, Group: GroupMetadata, Value: value(metadata)})
	}
	return p
}
