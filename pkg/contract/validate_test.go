package contract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anshveerturna/PredatorBrowser/pkg/perrors"
)

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *ActionContract)
		field  string
	}{
		{"missing tenant", func(c *ActionContract) { c.TenantID = " " }, "tenant_id"},
		{"missing workflow", func(c *ActionContract) { c.WorkflowID = "" }, "workflow_id"},
		{"negative step", func(c *ActionContract) { c.StepIndex = -1 }, "step_index"},
		{"unknown kind", func(c *ActionContract) { c.Kind = "hover" }, "kind"},
		{"negative timeout", func(c *ActionContract) { c.Timeout.TotalMs = -5 }, "timeout.total_ms"},
		{"negative token budget", func(c *ActionContract) { c.TokenBudget = -1 }, "token_budget"},
		{"unknown class", func(c *ActionContract) { c.Class = "medium" }, "class"},
		{"broad selector", func(c *ActionContract) { c.Params.Selector = "BODY  *" }, "params.selector"},
		{"long selector", func(c *ActionContract) { c.Params.Selector = "#" + strings.Repeat("a", 300) }, "params.selector"},
		{"too many candidates", func(c *ActionContract) {
			c.Params.SelectorCandidates = []string{"#a", "#b", "#c", "#d", "#e", "#f", "#g", "#h", "#i"}
		}, "params.selector_candidates"},
		{"long text", func(c *ActionContract) { c.Kind = KindType; c.Params.Text = strings.Repeat("x", 4097) }, "params.text"},
		{"ftp url", func(c *ActionContract) { c.Kind = KindNavigate; c.Params.URL = "ftp://example.com/file" }, "params.url"},
		{"url without host", func(c *ActionContract) { c.Kind = KindNavigate; c.Params.URL = "https:///path" }, "params.url"},
		{"navigate without url", func(c *ActionContract) { c.Kind = KindNavigate; c.Params = Params{} }, "params"},
		{"select without value", func(c *ActionContract) { c.Kind = KindSelect }, "params"},
		{"js without expression", func(c *ActionContract) {
			c.Kind = KindCustomJSRestricted
			c.Approval = testApproval()
		}, "params"},
		{"upload without artifact", func(c *ActionContract) {
			c.Kind = KindUpload
			c.Approval = testApproval()
		}, "params"},
		{"upload without approval", func(c *ActionContract) {
			c.Kind = KindUpload
			c.Params.ArtifactID = "art-1"
		}, "approval"},
		{"unsupported wait", func(c *ActionContract) { c.Waits = []WaitCondition{{Kind: "sleep"}} }, "waits[0].kind"},
		{"rule without selector", func(c *ActionContract) {
			c.Postconditions = []Rule{{Type: RuleTextState}}
		}, "postconditions[0].selector"},
		{"unknown rule", func(c *ActionContract) { c.Preconditions = []Rule{{Type: "magic"}} }, "preconditions[0].type"},
		{"schema too new", func(c *ActionContract) { c.SchemaVersion = "3.0.0" }, "schema_version"},
		{"schema garbage", func(c *ActionContract) { c.SchemaVersion = "latest" }, "schema_version"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := clickContract()
			tt.mutate(c)
			_, err := Canonicalize(c)
			require.Error(t, err)
			assert.ErrorIs(t, err, perrors.ErrValidation)

			var ve *perrors.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestValidate_AcceptsEveryKind(t *testing.T) {
	approval := testApproval()
	contracts := map[Kind]Params{
		KindNavigate:           {URL: "https://example.com"},
		KindClick:              {SelectorCandidates: []string{"#buy", "button.buy"}},
		KindType:               {Selector: "#email", Text: "a@example.com"},
		KindSelect:             {Selector: "#country", Value: "NL"},
		KindExtract:            {ExtractFields: []string{"price"}},
		KindUpload:             {Selector: "input[type=file]", ArtifactID: "art-1", ArtifactBytes: 2048},
		KindDownloadTrigger:    {Selector: "#export"},
		KindWaitOnly:           {},
		KindCustomJSRestricted: {Expression: "document.title"},
	}
	for kind, params := range contracts {
		t.Run(string(kind), func(t *testing.T) {
			c := &ActionContract{TenantID: "t", WorkflowID: "w", Kind: kind, Params: params}
			if kind.HighRisk() {
				c.Approval = approval
			}
			_, err := Canonicalize(c)
			assert.NoError(t, err)
		})
	}
}

func TestKindClassesAndRisk(t *testing.T) {
	assert.True(t, KindUpload.HighRisk())
	assert.False(t, KindClick.HighRisk())
	assert.Equal(t, ClassHeavy, KindNavigate.DefaultClass())
	assert.Equal(t, ClassLight, KindType.DefaultClass())

	c := &ActionContract{Kind: KindClick, Class: ClassHeavy}
	assert.Equal(t, ClassHeavy, c.WorkClass())
}
