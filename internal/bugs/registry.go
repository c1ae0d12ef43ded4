package bugs

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	apperr "github.com/opsmend/opsmend/internal/errors"
)

// Detection is one classified sighting of an anomaly.
type Detection struct {
	Service    string
	Category   Category
	Confidence float64
	Evidence   string
	Title      string
	RootCause  string
}

// Registry owns bug records and is the only writer of their status. Work
// on a single fingerprint is serialized; distinct bugs proceed in
// parallel.
type Registry struct {
	store            *Store
	recurrenceWindow time.Duration
	fpLocks          stripedMutex
	logger           *slog.Logger
	now              func() time.Time
}

// NewRegistry creates a registry with the given recurrence window.
func NewRegistry(store *Store, recurrenceWindow time.Duration) *Registry {
	return &Registry{
		store:            store,
		recurrenceWindow: recurrenceWindow,
		logger:           slog.Default().With("component", "registry"),
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// RecordSignal looks up an existing bug for the detection's fingerprint
// inside the recurrence window. A live (non-terminal) match is returned
// unchanged in status with its last sighting updated. A terminal match
// reopens: Detected, then Analyzing. Otherwise a new bug is created and,
// since classification is synchronous, immediately moves to Analyzing.
// The second return value reports whether this was a recurrence.
func (r *Registry) RecordSignal(ctx context.Context, d Detection) (*Bug, bool, error) {
	if !d.Category.Valid() {
		return nil, false, apperr.Validationf("unknown category %q", d.Category)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return nil, false, apperr.Validationf("confidence %v outside [0,1]", d.Confidence)
	}

	fp := Fingerprint(d.Service, d.Category, d.Evidence)

	// Serialize per fingerprint so two concurrent sightings of the same
	// fault cannot both create a bug.
	mu := r.fpLocks.lock(fp)
	defer mu.Unlock()

	now := r.now()
	since := now.Add(-r.recurrenceWindow)

	existing, err := r.store.FindByFingerprint(ctx, d.Service, fp, since)
	if err != nil {
		return nil, false, apperr.Storage(err, "recurrence lookup failed")
	}

	if existing != nil && !existing.Status.Terminal() {
		if err := r.store.TouchLastSeen(ctx, existing.ID, now); err != nil {
			return nil, false, apperr.Storage(err, "record recurrence failed")
		}
		existing.LastSeenAt = now
		r.logger.Debug("recurrence on live bug",
			"bug_id", existing.ID, "service", d.Service, "category", d.Category)
		return r.withAttempts(ctx, existing)
	}

	if existing != nil {
		// Explicit reopen of a terminal bug.
		if err := r.casOrInvalid(ctx, existing, StatusDetected, "recurrence reopen"); err != nil {
			return nil, false, err
		}
		if err := r.store.Refresh(ctx, existing.ID, d.Confidence, d.Evidence, d.Title, d.RootCause, now); err != nil {
			return nil, false, apperr.Storage(err, "refresh reopened bug failed")
		}
		existing.Status = StatusDetected
		if err := r.casOrInvalid(ctx, existing, StatusAnalyzing, "classification available"); err != nil {
			return nil, false, err
		}
		existing.Status = StatusAnalyzing
		existing.Confidence = d.Confidence
		existing.Evidence = d.Evidence
		existing.Title = d.Title
		existing.RootCause = d.RootCause
		existing.LastSeenAt = now
		r.logger.Info("terminal bug reopened",
			"bug_id", existing.ID, "service", d.Service, "category", d.Category)
		return r.withAttempts(ctx, existing)
	}

	b := &Bug{
		ID:          uuid.New(),
		ServiceName: d.Service,
		Category:    d.Category,
		Confidence:  d.Confidence,
		Status:      StatusDetected,
		Fingerprint: fp,
		Title:       d.Title,
		Evidence:    d.Evidence,
		RootCause:   d.RootCause,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	if err := r.store.Create(ctx, b); err != nil {
		return nil, false, apperr.Storage(err, "create bug failed")
	}
	if err := r.casOrInvalid(ctx, b, StatusAnalyzing, "classification available"); err != nil {
		return nil, false, err
	}
	b.Status = StatusAnalyzing
	r.logger.Info("bug detected",
		"bug_id", b.ID, "service", d.Service, "category", d.Category,
		"confidence", d.Confidence)
	return b, false, nil
}

// Transition moves a bug to a new status, enforcing the lifecycle table.
// A racing writer surfaces as InvalidTransition, never as silent loss.
func (r *Registry) Transition(ctx context.Context, id uuid.UUID, to Status, reason string) (*Bug, error) {
	b, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.casOrInvalid(ctx, b, to, reason); err != nil {
		return nil, err
	}
	b.Status = to
	return b, nil
}

func (r *Registry) casOrInvalid(ctx context.Context, b *Bug, to Status, reason string) error {
	if !CanTransition(b.Status, to) {
		return apperr.InvalidTransition(b.ID.String(), string(b.Status), string(to))
	}
	ok, err := r.store.UpdateStatusCAS(ctx, b.ID, b.Status, to)
	if err != nil {
		return apperr.Storage(err, "status update failed")
	}
	if !ok {
		return apperr.InvalidTransition(b.ID.String(), string(b.Status), string(to))
	}
	r.logger.Debug("bug transitioned",
		"bug_id", b.ID, "from", b.Status, "to", to, "reason", reason)
	return nil
}

// Get returns a bug with its full attempt history.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*Bug, error) {
	b, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound(id.String())
		}
		return nil, apperr.Storage(err, "get bug failed")
	}
	return b, nil
}

// List returns bugs matching the filter plus the total match count.
func (r *Registry) List(ctx context.Context, f Filter) ([]Bug, int, error) {
	if f.Status != "" {
		switch f.Status {
		case StatusDetected, StatusAnalyzing, StatusHealing, StatusResolved, StatusEscalated, StatusSuppressed:
		default:
			return nil, 0, apperr.Validationf("unknown status %q", f.Status)
		}
	}
	if f.Category != "" && !f.Category.Valid() {
		return nil, 0, apperr.Validationf("unknown category %q", f.Category)
	}
	out, total, err := r.store.List(ctx, f)
	if err != nil {
		return nil, 0, apperr.Storage(err, "list bugs failed")
	}
	return out, total, nil
}

// StartAttempt appends a pending attempt to the bug's history.
func (r *Registry) StartAttempt(ctx context.Context, bugID uuid.UUID, actionType string, autoApproved bool) (*Attempt, error) {
	a := &Attempt{
		ID:           uuid.New(),
		BugID:        bugID,
		ActionType:   actionType,
		StartedAt:    r.now(),
		Outcome:      OutcomePending,
		AutoApproved: autoApproved,
	}
	if err := r.store.InsertAttempt(ctx, a); err != nil {
		return nil, apperr.Storage(err, "start attempt failed")
	}
	return a, nil
}

// FinishAttempt records an attempt's terminal outcome exactly once.
func (r *Registry) FinishAttempt(ctx context.Context, attemptID uuid.UUID, outcome Outcome, notes string) error {
	ok, err := r.store.FinishAttempt(ctx, attemptID, outcome, notes, r.now())
	if err != nil {
		return apperr.Storage(err, "finish attempt failed")
	}
	if !ok {
		return apperr.Internal("attempt already finished: " + attemptID.String())
	}
	return nil
}

// AttemptCount returns how many attempts the bug has accumulated.
func (r *Registry) AttemptCount(ctx context.Context, bugID uuid.UUID) (int, error) {
	total, err := r.store.CountAttempts(ctx, bugID)
	if err != nil {
		return 0, apperr.Storage(err, "count attempts failed")
	}
	return total, nil
}

// InFlightAttempt reports whether the bug has a dispatched attempt with no
// terminal outcome yet, optionally narrowed to one action type.
func (r *Registry) InFlightAttempt(ctx context.Context, bugID uuid.UUID, actionType string) (bool, error) {
	attempts, err := r.store.AttemptsFor(ctx, bugID)
	if err != nil {
		return false, apperr.Storage(err, "attempt lookup failed")
	}
	for _, a := range attempts {
		if a.Outcome == OutcomePending && (actionType == "" || a.ActionType == actionType) {
			return true, nil
		}
	}
	return false, nil
}

func (r *Registry) withAttempts(ctx context.Context, b *Bug) (*Bug, bool, error) {
	attempts, err := r.store.AttemptsFor(ctx, b.ID)
	if err != nil {
		return nil, false, apperr.Storage(err, "attempt lookup failed")
	}
	b.Attempts = attempts
	return b, true, nil
}

// PurgeExpired removes terminal bugs that fell out of the recurrence
// window long enough ago that no signal can reopen them. Retention is
// seven recurrence windows, so reopen lookups never race the purge.
func (r *Registry) PurgeExpired(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-7 * r.recurrenceWindow)
	n, err := r.store.PurgeTerminal(ctx, cutoff)
	if err != nil {
		return 0, apperr.Storage(err, "purge expired bugs failed")
	}
	if n > 0 {
		r.logger.Info("purged expired terminal bugs", "count", n)
	}
	return n, nil
}

// SetClock overrides the registry's time source. Test hook.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}
