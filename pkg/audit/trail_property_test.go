//go:build property
// +build property

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestTamperLocalisation verifies that editing any single record is reported
// at exactly that record.
func TestTamperLocalisation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("break_at equals the tampered index", prop.ForAll(
		func(n, k int, payload string) bool {
			idx := int64(k % n)
			storage := NewMemoryStorage()
			trail := NewTrail(storage, WithClock(fixedClock()))
			for i := 0; i < n; i++ {
				_, err := trail.Append(context.Background(), Entry{
					ActionID: fmt.Sprintf("act_%d", i), TenantID: "t", WorkflowID: "w",
					Result: map[string]any{"i": i},
				})
				if err != nil {
					return false
				}
			}

			tampered, _ := json.Marshal(map[string]any{"i": -1, "x": payload})
			storage.tamper("t/w", idx, func(r *Record) { r.Result = tampered })

			report, err := trail.VerifyChain(context.Background(), "t/w", 0, 0)
			if err != nil {
				return false
			}
			return !report.Valid && report.BreakAt == idx
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 1000),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
