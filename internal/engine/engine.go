// Package engine ties the pipeline together: signals come in, get
// classified, land in the bug registry, and healing is decided. The API
// layer stays thin by delegating everything here.
package engine

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/opsmend/opsmend/internal/bugs"
	"github.com/opsmend/opsmend/internal/classifier"
	apperr "github.com/opsmend/opsmend/internal/errors"
	"github.com/opsmend/opsmend/internal/healing"
	"github.com/opsmend/opsmend/internal/health"
	"github.com/opsmend/opsmend/internal/metrics"
	"github.com/opsmend/opsmend/internal/signal"
)

// IngestResult is the outcome of one signal batch. Bug is nil when the
// classifier saw nothing actionable.
type IngestResult struct {
	Bug            *bugs.Bug                  `json:"bug,omitempty"`
	Recurred       bool                       `json:"recurred"`
	Classification *classifier.Classification `json:"classification,omitempty"`
}

// Engine is the core facade over the detect-classify-heal pipeline.
type Engine struct {
	classifier classifier.Classifier
	registry   *bugs.Registry
	orch       *healing.Orchestrator
	tracker    *health.Tracker
	logger     *slog.Logger
}

// New wires the engine.
func New(c classifier.Classifier, registry *bugs.Registry, orch *healing.Orchestrator, tracker *health.Tracker) *Engine {
	return &Engine{
		classifier: c,
		registry:   registry,
		orch:       orch,
		tracker:    tracker,
		logger:     slog.Default().With("component", "engine"),
	}
}

// IngestLogs analyzes a log batch. serviceOverride, when non-empty, wins
// over the per-entry service names.
func (e *Engine) IngestLogs(ctx context.Context, serviceOverride string, entries []signal.LogEntry) (*IngestResult, error) {
	signals, err := signal.FromLogs(entries)
	if err != nil {
		return nil, err
	}
	return e.ingest(ctx, signal.ServiceOf(signals, serviceOverride), signals)
}

// IngestAlert analyzes a single monitoring alert.
func (e *Engine) IngestAlert(ctx context.Context, a signal.Alert) (*IngestResult, error) {
	signals, err := signal.FromAlert(a)
	if err != nil {
		return nil, err
	}
	return e.ingest(ctx, signal.ServiceOf(signals, ""), signals)
}

func (e *Engine) ingest(ctx context.Context, service string, signals []signal.RawSignal) (*IngestResult, error) {
	metrics.SignalsIngested.Add(float64(len(signals)))

	c, err := e.classifier.Classify(ctx, service, signals)
	if err != nil {
		return nil, err
	}
	if c == nil {
		e.logger.Debug("no actionable problem in batch", "service", service, "signals", len(signals))
		return &IngestResult{}, nil
	}

	evidence := c.Evidence
	if evidence == "" {
		evidence = signals[0].Message
	}

	b, recurred, err := e.registry.RecordSignal(ctx, bugs.Detection{
		Service:    service,
		Category:   c.Category,
		Confidence: c.Confidence,
		Evidence:   evidence,
		Title:      c.Title,
		RootCause:  c.RootCause,
	})
	if err != nil {
		return nil, err
	}

	metrics.BugsDetected.WithLabelValues(string(c.Category)).Inc()
	if e.tracker != nil {
		e.tracker.RecordDetected(service, c.Category)
	}
	e.logger.Info("bug recorded",
		"bug_id", b.ID, "service", service, "category", c.Category,
		"confidence", c.Confidence, "recurred", recurred)

	// Healing runs inline but its failures never fail ingestion; the bug
	// is already persisted and queryable.
	healed, healErr := e.orch.Handle(ctx, b.ID, false)
	switch {
	case healErr == nil:
		b = healed
	case isAlreadyHealing(healErr):
		e.logger.Debug("bug already being healed", "bug_id", b.ID)
	default:
		e.logger.Warn("healing pass failed", "bug_id", b.ID, "error", healErr)
	}

	if refreshed, err := e.registry.Get(ctx, b.ID); err == nil {
		b = refreshed
	}
	return &IngestResult{Bug: b, Recurred: recurred, Classification: c}, nil
}

// ListBugs returns bugs matching the filter plus the unpaginated total.
func (e *Engine) ListBugs(ctx context.Context, f bugs.Filter) ([]bugs.Bug, int, error) {
	return e.registry.List(ctx, f)
}

// GetBug returns one bug with its attempt history.
func (e *Engine) GetBug(ctx context.Context, id uuid.UUID) (*bugs.Bug, error) {
	return e.registry.Get(ctx, id)
}

// TriggerHeal runs a manual healing pass. force bypasses the risk
// toggles and the confidence floor, not the in-flight guard.
func (e *Engine) TriggerHeal(ctx context.Context, id uuid.UUID, force bool) (*bugs.Bug, error) {
	return e.orch.Handle(ctx, id, force)
}

// Health returns the rolling health score for one service.
func (e *Engine) Health(service string) (health.ServiceHealthScore, bool) {
	return e.tracker.Score(service)
}

// HealthAll returns every known service's score.
func (e *Engine) HealthAll() []health.ServiceHealthScore {
	return e.tracker.Snapshot()
}

func isAlreadyHealing(err error) bool {
	kind, ok := apperr.KindOf(err)
	return ok && kind == apperr.KindAlreadyHealing
}
