package healing

import (
	"sort"

	"github.com/opsmend/opsmend/internal/bugs"
)

// PolicyConfig holds the risk toggles, loaded once at startup and
// immutable thereafter.
type PolicyConfig struct {
	ConfidenceFloor float64
	AutoHealLow     bool
	AutoHealMedium  bool
	// AutoHealHigh defaults to false and must be enabled explicitly.
	// High-risk actions never auto-run otherwise, for any category.
	AutoHealHigh bool
}

// Candidate is one policy verdict: an applicable action, its risk, and
// whether it may run without a human.
type Candidate struct {
	Action       Action
	Risk         RiskLevel
	AutoApproved bool
}

// Policy maps a bug and the action catalog to an ordered remediation plan.
// Pure: no state beyond its construction-time configuration.
type Policy struct {
	cfg     PolicyConfig
	catalog *Catalog
}

// NewPolicy creates a policy over the given catalog.
func NewPolicy(cfg PolicyConfig, catalog *Catalog) *Policy {
	return &Policy{cfg: cfg, catalog: catalog}
}

// Evaluate returns the candidate actions for the bug, least risky first,
// declaration order breaking ties. A candidate is auto-approved iff the
// toggle for its risk level is on, the bug's confidence clears the floor,
// and (for non-idempotent actions) no earlier attempt of the same type
// succeeded or is still in flight.
func (p *Policy) Evaluate(b *bugs.Bug) []Candidate {
	applicable := p.catalog.ForCategory(b.Category)

	sort.SliceStable(applicable, func(i, j int) bool {
		return applicable[i].Risk < applicable[j].Risk
	})

	out := make([]Candidate, 0, len(applicable))
	for _, a := range applicable {
		out = append(out, Candidate{
			Action:       a,
			Risk:         a.Risk,
			AutoApproved: p.autoApproves(b, a),
		})
	}
	return out
}

func (p *Policy) autoApproves(b *bugs.Bug, a Action) bool {
	if b.Confidence < p.cfg.ConfidenceFloor {
		return false
	}
	if !p.toggleFor(a.Risk) {
		return false
	}
	if !a.Idempotent && hasBlockingAttempt(b, a.Type) {
		return false
	}
	return true
}

func (p *Policy) toggleFor(risk RiskLevel) bool {
	switch risk {
	case RiskLow:
		return p.cfg.AutoHealLow
	case RiskMedium:
		return p.cfg.AutoHealMedium
	case RiskHigh:
		return p.cfg.AutoHealHigh
	default:
		return false
	}
}

// hasBlockingAttempt reports whether the bug's history already holds a
// successful or in-flight run of the action type. Re-running a
// non-idempotent action past that point risks duplicate side effects.
func hasBlockingAttempt(b *bugs.Bug, actionType string) bool {
	for _, att := range b.Attempts {
		if att.ActionType != actionType {
			continue
		}
		if att.Outcome == bugs.OutcomeSuccess || att.Outcome == bugs.OutcomePending {
			return true
		}
	}
	return false
}
