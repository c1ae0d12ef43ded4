// Package bugs owns the canonical Bug records and their lifecycle state
// machine. The Registry is the only writer of a bug's status.
package bugs

import (
	"time"

	"github.com/google/uuid"
)

// Category is the closed set of anomaly classes the classifier emits.
type Category string

const (
	CategoryResourceExhaustion Category = "resource-exhaustion"
	CategoryLatencyDegradation Category = "latency-degradation"
	CategoryCrashLoop          Category = "crash-loop"
	CategoryConfigurationDrift Category = "configuration-drift"
	CategoryDependencyFailure  Category = "dependency-failure"
	CategoryUnknown            Category = "unknown"
)

// Categories lists every valid category in declaration order.
var Categories = []Category{
	CategoryResourceExhaustion,
	CategoryLatencyDegradation,
	CategoryCrashLoop,
	CategoryConfigurationDrift,
	CategoryDependencyFailure,
	CategoryUnknown,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// SeverityWeight orders categories by operational impact for health scoring.
func (c Category) SeverityWeight() float64 {
	switch c {
	case CategoryCrashLoop:
		return 3.0
	case CategoryResourceExhaustion, CategoryDependencyFailure:
		return 2.0
	case CategoryLatencyDegradation, CategoryConfigurationDrift:
		return 1.5
	default:
		return 1.0
	}
}

// Status is a bug's lifecycle state.
type Status string

const (
	StatusDetected   Status = "detected"
	StatusAnalyzing  Status = "analyzing"
	StatusHealing    Status = "healing-in-progress"
	StatusResolved   Status = "resolved"
	StatusEscalated  Status = "escalated"
	StatusSuppressed Status = "suppressed"
)

// Terminal reports whether the status ends the lifecycle. A terminal bug
// only reopens through an explicit new detection with the same fingerprint
// inside the recurrence window.
func (s Status) Terminal() bool {
	switch s {
	case StatusResolved, StatusEscalated, StatusSuppressed:
		return true
	}
	return false
}

// Outcome is the terminal result of one healing attempt.
type Outcome string

const (
	// OutcomePending marks an attempt that has been dispatched but has no
	// terminal result yet. Never stored past the attempt's completion.
	OutcomePending   Outcome = "pending"
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeTimedOut  Outcome = "timed-out"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeCancelled Outcome = "cancelled"
)

// Terminal reports whether the outcome is final.
func (o Outcome) Terminal() bool {
	return o != OutcomePending && o != ""
}

// Attempt is one execution of a healing action against a bug. Attempts are
// append-only: once a terminal outcome is recorded they are never mutated.
type Attempt struct {
	ID           uuid.UUID  `db:"id"`
	BugID        uuid.UUID  `db:"bug_id"`
	ActionType   string     `db:"action_type"`
	StartedAt    time.Time  `db:"started_at"`
	FinishedAt   *time.Time `db:"finished_at"`
	Outcome      Outcome    `db:"outcome"`
	AutoApproved bool       `db:"auto_approved"`
	Notes        string     `db:"notes"`
}

// Bug is a tracked anomaly instance.
type Bug struct {
	ID          uuid.UUID `db:"id"`
	ServiceName string    `db:"service_name"`
	Category    Category  `db:"category"`
	Confidence  float64   `db:"confidence"`
	Status      Status    `db:"status"`
	Fingerprint string    `db:"fingerprint"`
	Title       string    `db:"title"`
	Evidence    string    `db:"evidence"`
	RootCause   string    `db:"root_cause"`
	FirstSeenAt time.Time `db:"first_seen_at"`
	LastSeenAt  time.Time `db:"last_seen_at"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`

	// Ordered healing history, populated on read.
	Attempts []Attempt `db:"-"`
}

// Filter narrows List queries.
type Filter struct {
	Status   Status
	Service  string
	Category Category
	Limit    int
	Offset   int
}
