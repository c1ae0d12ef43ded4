package healing

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsmend/opsmend/internal/bugs"
)

func testBug(cat bugs.Category, confidence float64) *bugs.Bug {
	return &bugs.Bug{
		ServiceName: "api-gateway",
		Category:    cat,
		Confidence:  confidence,
		Status:      bugs.StatusAnalyzing,
	}
}

func TestEvaluateOrdersByRiskAscending(t *testing.T) {
	p := NewPolicy(PolicyConfig{
		ConfidenceFloor: 0.6,
		AutoHealLow:     true,
		AutoHealMedium:  true,
	}, DefaultCatalog())

	out := p.Evaluate(testBug(bugs.CategoryResourceExhaustion, 0.9))
	require.Len(t, out, 4)

	var types []string
	for i, c := range out {
		types = append(types, c.Action.Type)
		if i > 0 {
			assert.GreaterOrEqual(t, c.Risk, out[i-1].Risk)
		}
	}
	// Equal risk keeps declaration order.
	assert.Equal(t, []string{"clear-cache", "rotate-logs", "restart-service", "scale-out"}, types)
}

func TestEvaluateAutoApproval(t *testing.T) {
	tests := []struct {
		name       string
		cfg        PolicyConfig
		category   bugs.Category
		confidence float64
		approved   map[string]bool
	}{
		{
			name:       "low and medium on, high off",
			cfg:        PolicyConfig{ConfidenceFloor: 0.6, AutoHealLow: true, AutoHealMedium: true},
			category:   bugs.CategoryResourceExhaustion,
			confidence: 0.9,
			approved: map[string]bool{
				"clear-cache":     true,
				"rotate-logs":     true,
				"restart-service": true,
				"scale-out":       false,
			},
		},
		{
			name:       "below the floor nothing runs",
			cfg:        PolicyConfig{ConfidenceFloor: 0.6, AutoHealLow: true, AutoHealMedium: true, AutoHealHigh: true},
			category:   bugs.CategoryResourceExhaustion,
			confidence: 0.59,
			approved: map[string]bool{
				"clear-cache":     false,
				"rotate-logs":     false,
				"restart-service": false,
				"scale-out":       false,
			},
		},
		{
			name:       "high risk only with the explicit toggle",
			cfg:        PolicyConfig{ConfidenceFloor: 0.6, AutoHealHigh: true},
			category:   bugs.CategoryCrashLoop,
			confidence: 0.95,
			approved: map[string]bool{
				"restart-service": false,
				"rollback-deploy": true,
			},
		},
		{
			name:       "all toggles off",
			cfg:        PolicyConfig{ConfidenceFloor: 0.6},
			category:   bugs.CategoryDependencyFailure,
			confidence: 0.8,
			approved: map[string]bool{
				"reset-connection-pool": false,
				"failover-dependency":   false,
				"restart-service":       false,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPolicy(tt.cfg, DefaultCatalog())
			out := p.Evaluate(testBug(tt.category, tt.confidence))
			require.Len(t, out, len(tt.approved))
			for _, c := range out {
				want, ok := tt.approved[c.Action.Type]
				require.True(t, ok, "unexpected candidate %s", c.Action.Type)
				assert.Equal(t, want, c.AutoApproved, "action %s", c.Action.Type)
			}
		})
	}
}

func TestEvaluateBlocksNonIdempotentRepeat(t *testing.T) {
	p := NewPolicy(PolicyConfig{
		ConfidenceFloor: 0.6,
		AutoHealLow:     true,
		AutoHealMedium:  true,
	}, DefaultCatalog())

	b := testBug(bugs.CategoryCrashLoop, 0.9)
	b.Attempts = []bugs.Attempt{{ActionType: "restart-service", Outcome: bugs.OutcomeSuccess}}

	for _, c := range p.Evaluate(b) {
		if c.Action.Type == "restart-service" {
			assert.False(t, c.AutoApproved, "non-idempotent action must not re-run after a success")
		}
	}

	// A failed prior run does not block a retry.
	b.Attempts = []bugs.Attempt{{ActionType: "restart-service", Outcome: bugs.OutcomeFailure}}
	for _, c := range p.Evaluate(b) {
		if c.Action.Type == "restart-service" {
			assert.True(t, c.AutoApproved)
		}
	}
}

func TestEvaluateUnknownCategoryHasNoCandidates(t *testing.T) {
	p := NewPolicy(PolicyConfig{ConfidenceFloor: 0.6, AutoHealLow: true}, DefaultCatalog())
	assert.Empty(t, p.Evaluate(testBug(bugs.CategoryUnknown, 0.9)))
}

func TestPolicyProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	genCategory := gen.OneConstOf(
		bugs.CategoryResourceExhaustion,
		bugs.CategoryLatencyDegradation,
		bugs.CategoryCrashLoop,
		bugs.CategoryConfigurationDrift,
		bugs.CategoryDependencyFailure,
	)

	properties.Property("below the floor no candidate is ever auto-approved", prop.ForAll(
		func(cat bugs.Category, confidence float64, low, med, high bool) bool {
			p := NewPolicy(PolicyConfig{
				ConfidenceFloor: 0.6,
				AutoHealLow:     low,
				AutoHealMedium:  med,
				AutoHealHigh:    high,
			}, DefaultCatalog())
			for _, c := range p.Evaluate(testBug(cat, confidence)) {
				if c.AutoApproved {
					return false
				}
			}
			return true
		},
		genCategory,
		gen.Float64Range(0, 0.5999),
		gen.Bool(), gen.Bool(), gen.Bool(),
	))

	properties.Property("high risk approval implies the high toggle", prop.ForAll(
		func(cat bugs.Category, confidence float64, low, med, high bool) bool {
			p := NewPolicy(PolicyConfig{
				ConfidenceFloor: 0.6,
				AutoHealLow:     low,
				AutoHealMedium:  med,
				AutoHealHigh:    high,
			}, DefaultCatalog())
			for _, c := range p.Evaluate(testBug(cat, confidence)) {
				if c.Risk == RiskHigh && c.AutoApproved && !high {
					return false
				}
			}
			return true
		},
		genCategory,
		gen.Float64Range(0, 1),
		gen.Bool(), gen.Bool(), gen.Bool(),
	))

	properties.Property("candidates are always sorted by ascending risk", prop.ForAll(
		func(cat bugs.Category, confidence float64) bool {
			p := NewPolicy(PolicyConfig{ConfidenceFloor: 0.6}, DefaultCatalog())
			out := p.Evaluate(testBug(cat, confidence))
			for i := 1; i < len(out); i++ {
				if out[i].Risk < out[i-1].Risk {
					return false
				}
			}
			return true
		},
		genCategory,
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}
