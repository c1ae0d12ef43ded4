// Package healing selects and executes remediation actions for classified
// bugs. Actions are data; execution goes through a single dispatcher
// against the injected Executor boundary.
package healing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/opsmend/opsmend/internal/bugs"
)

// RiskLevel orders actions by blast radius: Low < Medium < High.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "unknown"
	}
}

// UnmarshalYAML accepts "low"/"medium"/"high".
func (r *RiskLevel) UnmarshalYAML(value *yaml.Node) error {
	switch value.Value {
	case "low":
		*r = RiskLow
	case "medium":
		*r = RiskMedium
	case "high":
		*r = RiskHigh
	default:
		return fmt.Errorf("unknown risk level %q", value.Value)
	}
	return nil
}

// Action is a remediation template. It carries no behavior of its own;
// the Executor boundary interprets the action type.
type Action struct {
	Type        string          `yaml:"type"`
	Description string          `yaml:"description"`
	Risk        RiskLevel       `yaml:"risk"`
	Categories  []bugs.Category `yaml:"categories"`
	// Idempotent marks actions that are safe to re-run when nothing
	// changed. Non-idempotent actions are never auto-retried after a
	// success and never dispatched while another run is in flight.
	Idempotent bool              `yaml:"idempotent"`
	Params     map[string]string `yaml:"params,omitempty"`
}

// AppliesTo reports whether the action addresses the category.
func (a Action) AppliesTo(c bugs.Category) bool {
	for _, cat := range a.Categories {
		if cat == c {
			return true
		}
	}
	return false
}

// Catalog is the ordered table of known actions. Declaration order breaks
// ties between actions of equal risk.
type Catalog struct {
	actions []Action
}

// DefaultCatalog returns the built-in action table.
func DefaultCatalog() *Catalog {
	return &Catalog{actions: []Action{
		{
			Type:        "clear-cache",
			Description: "Flush the service's application cache",
			Risk:        RiskLow,
			Categories:  []bugs.Category{bugs.CategoryResourceExhaustion, bugs.CategoryLatencyDegradation},
			Idempotent:  true,
		},
		{
			Type:        "rotate-logs",
			Description: "Rotate and compress log files to reclaim disk",
			Risk:        RiskLow,
			Categories:  []bugs.Category{bugs.CategoryResourceExhaustion},
			Idempotent:  true,
		},
		{
			Type:        "reset-connection-pool",
			Description: "Drop and rebuild upstream connection pools",
			Risk:        RiskLow,
			Categories:  []bugs.Category{bugs.CategoryDependencyFailure, bugs.CategoryLatencyDegradation},
			Idempotent:  true,
		},
		{
			Type:        "reload-config",
			Description: "Reload configuration from the source of truth",
			Risk:        RiskMedium,
			Categories:  []bugs.Category{bugs.CategoryConfigurationDrift},
			Idempotent:  true,
		},
		{
			Type:        "failover-dependency",
			Description: "Switch traffic to the backup endpoint of a failing dependency",
			Risk:        RiskMedium,
			Categories:  []bugs.Category{bugs.CategoryDependencyFailure},
			Idempotent:  false,
		},
		{
			Type:        "restart-service",
			Description: "Restart the service's processes",
			Risk:        RiskMedium,
			Categories: []bugs.Category{
				bugs.CategoryCrashLoop, bugs.CategoryResourceExhaustion, bugs.CategoryDependencyFailure,
			},
			Idempotent: false,
		},
		{
			Type:        "scale-out",
			Description: "Add capacity to the service's pool",
			Risk:        RiskHigh,
			Categories:  []bugs.Category{bugs.CategoryResourceExhaustion, bugs.CategoryLatencyDegradation},
			Idempotent:  false,
		},
		{
			Type:        "rollback-deploy",
			Description: "Roll back to the previous deployment",
			Risk:        RiskHigh,
			Categories:  []bugs.Category{bugs.CategoryCrashLoop, bugs.CategoryConfigurationDrift},
			Idempotent:  false,
		},
	}}
}

// LoadCatalog reads an action table from a YAML file, replacing the
// built-in defaults entirely.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read action catalog: %w", err)
	}

	var doc struct {
		Actions []Action `yaml:"actions"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse action catalog: %w", err)
	}
	if len(doc.Actions) == 0 {
		return nil, fmt.Errorf("action catalog %s defines no actions", path)
	}

	seen := make(map[string]struct{}, len(doc.Actions))
	for i, a := range doc.Actions {
		if a.Type == "" {
			return nil, fmt.Errorf("action %d: missing type", i)
		}
		if _, dup := seen[a.Type]; dup {
			return nil, fmt.Errorf("duplicate action type %q", a.Type)
		}
		seen[a.Type] = struct{}{}
		for _, c := range a.Categories {
			if !c.Valid() {
				return nil, fmt.Errorf("action %q: unknown category %q", a.Type, c)
			}
		}
	}

	return &Catalog{actions: doc.Actions}, nil
}

// ForCategory returns the actions applicable to a category in declaration
// order.
func (c *Catalog) ForCategory(cat bugs.Category) []Action {
	var out []Action
	for _, a := range c.actions {
		if a.AppliesTo(cat) {
			out = append(out, a)
		}
	}
	return out
}

// Actions returns the full table in declaration order.
func (c *Catalog) Actions() []Action {
	return c.actions
}
