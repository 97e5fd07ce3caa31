//go:build property
// +build property

package contract_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/anshveerturna/PredatorBrowser/pkg/contract"
)

// Property: Identity(c) == Identity(c) for any contract, including map
// iteration order differences in metadata.
func TestIdentityDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("identity is deterministic", prop.ForAll(
		func(tenant, workflow, selector string, step int, keys, values []string) bool {
			meta := map[string]string{}
			for i := 0; i < len(keys) && i < len(values); i++ {
				meta[keys[i]] = values[i]
			}
			c := &contract.ActionContract{
				TenantID:   tenant,
				WorkflowID: workflow,
				StepIndex:  step,
				Kind:       contract.KindClick,
				Params:     contract.Params{Selector: selector},
				Metadata:   meta,
			}
			copied := *c
			copied.Metadata = map[string]string{}
			for k, v := range meta {
				copied.Metadata[k] = v
			}

			a, errA := contract.Identity(c)
			b, errB := contract.Identity(&copied)
			if errA != nil || errB != nil {
				return errA != nil && errB != nil
			}
			return a.ActionID == b.ActionID && string(a.Bytes) == string(b.Bytes)
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.IntRange(0, 1000),
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("different steps never share an id", prop.ForAll(
		func(step int) bool {
			a := &contract.ActionContract{TenantID: "t", WorkflowID: "w", StepIndex: step, Kind: contract.KindWaitOnly}
			b := &contract.ActionContract{TenantID: "t", WorkflowID: "w", StepIndex: step + 1, Kind: contract.KindWaitOnly}
			ia, _ := contract.Identity(a)
			ib, _ := contract.Identity(b)
			return ia.ActionID != ib.ActionID
		},
		gen.IntRange(0, 100000),
	))

	properties.TestingRun(t)
}
