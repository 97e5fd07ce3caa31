package driver

import (
	"context"
	"strconv"
	"sync"

	"github.com/anshveerturna/PredatorBrowser/pkg/contract"
)

// Step scripts one Perform call of a Scripted driver.
type Step func(ctx context.Context, c *contract.ActionContract) (*ObservedState, error)

// Scripted is an in-memory Driver. It replays per-action steps, falls back to
// a default step, and counts side effects. It backs dry-run mode and tests.
type Scripted struct {
	mu       sync.Mutex
	steps    map[string][]Step
	fallback Step
	observe  *ObservedState
	calls    map[string]int
	commits  map[string]int
}

// NewScripted creates a driver whose unscripted actions succeed with
// DryRunStep.
func NewScripted() *Scripted {
	return &Scripted{
		steps:    make(map[string][]Step),
		fallback: DryRunStep,
		calls:    make(map[string]int),
		commits:  make(map[string]int),
	}
}

// DryRunStep reports the state a successful action would leave behind.
func DryRunStep(_ context.Context, c *contract.ActionContract) (*ObservedState, error) {
	s := &ObservedState{URL: c.Params.URL, Committed: c.Kind != contract.KindExtract && c.Kind != contract.KindWaitOnly}
	if s.URL == "" && c.Domain != "" {
		s.URL = "https://" + c.Domain + "/"
	}
	sel := c.Params.Selector
	switch c.Kind {
	case contract.KindType:
		s.Elements = []Element{{EID: "e1", Selector: sel, Value: c.Params.Text, Enabled: true, Visible: true}}
	case contract.KindSelect:
		s.Elements = []Element{{EID: "e1", Selector: sel, Value: c.Params.Value, Enabled: true, Visible: true}}
	case contract.KindExtract:
		s.Extracted = make(map[string]string, len(c.Params.ExtractFields))
		for _, f := range c.Params.ExtractFields {
			s.Extracted[f] = ""
		}
	case contract.KindUpload:
		s.Artifacts = []Artifact{{ID: c.Params.ArtifactID, Bytes: c.Params.ArtifactBytes}}
	case contract.KindDownloadTrigger:
		s.Artifacts = []Artifact{{ID: "download", Bytes: 1}}
	}
	if s.URL != "" {
		s.ChangedSections = []string{"url"}
	}
	return s, nil
}

// Script queues steps for the action identified by key (see ScriptKey).
func (d *Scripted) Script(key string, steps ...Step) *Scripted {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.steps[key] = append(d.steps[key], steps...)
	return d
}

// Fallback replaces the step used for unscripted calls.
func (d *Scripted) Fallback(step Step) *Scripted {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = step
	return d
}

// ObserveWith sets the state returned by Observe.
func (d *Scripted) ObserveWith(s *ObservedState) *Scripted {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observe = s
	return d
}

// ScriptKey identifies an action in Script: "<workflow>#<step_index>".
func ScriptKey(workflowID string, stepIndex int) string {
	return workflowID + "#" + strconv.Itoa(stepIndex)
}

func (d *Scripted) Perform(ctx context.Context, c *contract.ActionContract) (*ObservedState, error) {
	key := ScriptKey(c.WorkflowID, c.StepIndex)

	d.mu.Lock()
	step := d.fallback
	if q := d.steps[key]; len(q) > 0 {
		step = q[0]
		d.steps[key] = q[1:]
	}
	d.calls[key]++
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, Classify(err, false)
	}
	s, err := step(ctx, c)
	committed := (s != nil && s.Committed) || committedErr(err)
	if committed {
		d.mu.Lock()
		d.commits[key]++
		d.mu.Unlock()
	}
	return s, err
}

func committedErr(err error) bool {
	de := Classify(err, false)
	return de != nil && de.Committed
}

func (d *Scripted) Observe(_ context.Context, _, _ string) (*ObservedState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.observe == nil {
		return &ObservedState{}, nil
	}
	s := *d.observe
	return &s, nil
}

// Calls returns how many times the action was performed.
func (d *Scripted) Calls(workflowID string, stepIndex int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[ScriptKey(workflowID, stepIndex)]
}

// Commits returns how many committed side effects the action produced.
func (d *Scripted) Commits(workflowID string, stepIndex int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commits[ScriptKey(workflowID, stepIndex)]
}
