package healing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opsmend/opsmend/internal/bugs"
	apperr "github.com/opsmend/opsmend/internal/errors"
	"github.com/opsmend/opsmend/internal/escalation"
	"github.com/opsmend/opsmend/internal/metrics"
)

// Escalator hands a bug off to a human and returns the ticket it maps
// to. Implemented by the escalation gateway; delivery failures are its
// problem, not the orchestrator's.
type Escalator interface {
	Escalate(ctx context.Context, b *bugs.Bug) (*escalation.TicketRecord, error)
}

// HealthRecorder receives outcome events for health scoring. May be nil.
type HealthRecorder interface {
	RecordAttempt(service string, outcome bugs.Outcome)
	RecordResolved(service string)
	RecordEscalated(service string)
}

// finishWriteTimeout bounds the store writes that must land even after
// the caller's context is gone, such as recording a cancelled attempt.
const finishWriteTimeout = 5 * time.Second

// Config bounds the orchestrator's behavior. Loaded once at startup.
type Config struct {
	ConfidenceFloor   float64
	MaxAttemptsPerBug int
	ActionTimeout     time.Duration
	ActionTimeouts    map[string]time.Duration
}

func (c Config) timeoutFor(actionType string) time.Duration {
	if d, ok := c.ActionTimeouts[actionType]; ok && d > 0 {
		return d
	}
	if c.ActionTimeout > 0 {
		return c.ActionTimeout
	}
	return 30 * time.Second
}

// Orchestrator drives a bug from Analyzing to Resolved or Escalated. It
// is the only writer of healing attempts. Work on a single bug id is
// exclusive: a second concurrent Handle is rejected, not queued.
type Orchestrator struct {
	registry *bugs.Registry
	policy   *Policy
	exec     Executor
	escalate Escalator
	health   HealthRecorder
	cfg      Config
	inflight *bugs.HeldSet
	logger   *slog.Logger
}

// NewOrchestrator wires the orchestrator's collaborators.
func NewOrchestrator(registry *bugs.Registry, policy *Policy, exec Executor, escalate Escalator, health HealthRecorder, cfg Config) *Orchestrator {
	if cfg.MaxAttemptsPerBug <= 0 {
		cfg.MaxAttemptsPerBug = 3
	}
	return &Orchestrator{
		registry: registry,
		policy:   policy,
		exec:     exec,
		escalate: escalate,
		health:   health,
		cfg:      cfg,
		inflight: bugs.NewHeldSet(),
		logger:   slog.Default().With("component", "orchestrator"),
	}
}

// Handle runs the healing decision for one bug. force bypasses the
// auto-approval gating (manual override) but not the single-in-flight
// guard or the non-idempotent duplicate protection.
func (o *Orchestrator) Handle(ctx context.Context, bugID uuid.UUID, force bool) (*bugs.Bug, error) {
	key := bugID.String()
	if !o.inflight.TryAcquire(key) {
		return nil, apperr.AlreadyHealing(key)
	}
	defer o.inflight.Release(key)

	b, err := o.registry.Get(ctx, bugID)
	if err != nil {
		return nil, err
	}

	switch {
	case b.Status == bugs.StatusHealing:
		// A previous owner crashed mid-heal or the record is racing.
		return nil, apperr.AlreadyHealing(key)
	case b.Status.Terminal():
		return nil, apperr.Validationf("bug %s is %s, nothing to heal", key, b.Status)
	case b.Status != bugs.StatusAnalyzing:
		return nil, apperr.Validationf("bug %s is %s, not ready for healing", key, b.Status)
	}

	if b.Confidence < o.cfg.ConfidenceFloor && !force {
		reason := fmt.Sprintf("confidence %.2f below floor %.2f", b.Confidence, o.cfg.ConfidenceFloor)
		return o.registry.Transition(ctx, bugID, bugs.StatusSuppressed, reason)
	}

	candidates := o.policy.Evaluate(b)
	plan := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.AutoApproved {
			plan = append(plan, c)
			continue
		}
		if force && (c.Action.Idempotent || !hasBlockingAttempt(b, c.Action.Type)) {
			plan = append(plan, c)
		}
	}

	if len(plan) == 0 {
		o.logger.Info("no runnable action, escalating",
			"bug_id", key, "category", b.Category, "candidates", len(candidates))
		return o.escalateBug(ctx, bugID)
	}

	budget := o.cfg.MaxAttemptsPerBug - len(b.Attempts)
	if budget <= 0 {
		o.logger.Info("attempt budget exhausted, escalating", "bug_id", key)
		return o.escalateBug(ctx, bugID)
	}

	if _, err := o.registry.Transition(ctx, bugID, bugs.StatusHealing, "dispatching healing actions"); err != nil {
		return nil, err
	}

	// Walk the plan least-risky first. If actions run out before the
	// attempt budget does, idempotent actions get another round; a
	// non-idempotent action is never re-dispatched after a failed run.
	for pass := 0; budget > 0; pass++ {
		ranAny := false
		for _, cand := range plan {
			if budget <= 0 {
				break
			}
			if pass > 0 && !cand.Action.Idempotent {
				continue
			}
			budget--
			ranAny = true

			outcome, execErr := o.runAttempt(ctx, b, cand)
			if o.health != nil {
				o.health.RecordAttempt(b.ServiceName, outcome)
			}
			metrics.HealAttempts.WithLabelValues(string(outcome)).Inc()

			switch outcome {
			case bugs.OutcomeSuccess:
				if _, err := o.registry.Transition(ctx, bugID, bugs.StatusResolved, "action "+cand.Action.Type+" succeeded"); err != nil {
					return nil, err
				}
				if o.health != nil {
					o.health.RecordResolved(b.ServiceName)
				}
				return o.registry.Get(ctx, bugID)
			case bugs.OutcomeCancelled:
				// Shutdown. The attempt record is terminal; hand the bug
				// back to Analyzing so a later Handle can resume it
				// instead of leaving it stuck mid-heal.
				rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), finishWriteTimeout)
				if _, terr := o.registry.Transition(rctx, bugID, bugs.StatusAnalyzing, "healing interrupted by shutdown"); terr != nil {
					o.logger.Error("failed to return interrupted bug to analyzing",
						"bug_id", key, "error", terr)
				}
				rcancel()
				return nil, fmt.Errorf("healing of bug %s cancelled: %w", key, ctx.Err())
			default:
				o.logger.Warn("healing action did not resolve bug",
					"bug_id", key, "action", cand.Action.Type, "outcome", outcome, "error", execErr)
			}
		}
		if !ranAny {
			break
		}
	}

	return o.escalateBug(ctx, bugID)
}

// runAttempt dispatches one action under its bounded timeout and records
// the attempt's terminal outcome exactly once, whatever happens.
func (o *Orchestrator) runAttempt(ctx context.Context, b *bugs.Bug, cand Candidate) (bugs.Outcome, error) {
	attempt, err := o.registry.StartAttempt(ctx, b.ID, cand.Action.Type, cand.AutoApproved)
	if err != nil {
		return bugs.OutcomeFailure, err
	}

	actx, cancel := context.WithTimeout(ctx, o.cfg.timeoutFor(cand.Action.Type))
	defer cancel()

	o.logger.Info("executing healing action",
		"bug_id", b.ID, "attempt_id", attempt.ID, "action", cand.Action.Type,
		"risk", cand.Risk.String(), "auto_approved", cand.AutoApproved)

	execErr := o.exec.Execute(actx, cand.Action.Type, b.ServiceName, cand.Action.Params)

	outcome := bugs.OutcomeSuccess
	notes := ""
	switch {
	case execErr == nil:
		// success
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled):
		outcome = bugs.OutcomeCancelled
		notes = "cancelled during shutdown"
	case errors.Is(execErr, context.DeadlineExceeded):
		outcome = bugs.OutcomeTimedOut
		notes = fmt.Sprintf("no result within %s", o.cfg.timeoutFor(cand.Action.Type))
	default:
		outcome = bugs.OutcomeFailure
		notes = execErr.Error()
	}

	// The outcome write has to survive the very cancellation it is
	// recording, so it runs on a context detached from the caller's.
	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), finishWriteTimeout)
	defer fcancel()
	if err := o.registry.FinishAttempt(fctx, attempt.ID, outcome, notes); err != nil {
		o.logger.Error("failed to record attempt outcome",
			"bug_id", b.ID, "attempt_id", attempt.ID, "error", err)
	}

	if execErr != nil {
		return outcome, apperr.ActionExecution(b.ID.String(), attempt.ID.String(), execErr)
	}
	return outcome, nil
}

func (o *Orchestrator) escalateBug(ctx context.Context, bugID uuid.UUID) (*bugs.Bug, error) {
	b, err := o.registry.Transition(ctx, bugID, bugs.StatusEscalated, "automation exhausted or not permitted")
	if err != nil {
		return nil, err
	}
	metrics.Escalations.Inc()
	if o.health != nil {
		o.health.RecordEscalated(b.ServiceName)
	}

	if o.escalate != nil {
		full, err := o.registry.Get(ctx, bugID)
		if err == nil {
			b = full
		}
		// Delivery failure never rolls back the Escalated status; the
		// gateway parks it for asynchronous retry.
		ticket, err := o.escalate.Escalate(ctx, b)
		if err != nil {
			o.logger.Warn("escalation delivery failed, parked for retry",
				"bug_id", bugID, "error", err)
		} else if ticket != nil {
			o.logger.Info("escalation ticket on file",
				"bug_id", bugID, "issue", ticket.IssueNumber)
		}
	}
	return b, nil
}
