// Package classifier turns normalized signals into a bug category with a
// confidence score. The primary implementation asks an LLM through an
// OpenRouter-compatible endpoint; a keyword-based classifier serves as
// the fallback when the model boundary is unreachable.
package classifier

import (
	"context"

	"github.com/opsmend/opsmend/internal/bugs"
	"github.com/opsmend/opsmend/internal/signal"
)

// Classification is the classifier's verdict over one signal batch.
// Confidence is normalized to [0, 1]. A nil Classification from Classify
// means the batch shows no actionable problem.
type Classification struct {
	Category           bugs.Category `json:"category"`
	Confidence         float64       `json:"confidence"`
	Title              string        `json:"title"`
	Evidence           string        `json:"evidence"`
	RootCause          string        `json:"root_cause"`
	RecommendedActions []string      `json:"recommended_actions,omitempty"`
}

// Classifier analyzes a batch of signals from a single service.
type Classifier interface {
	Classify(ctx context.Context, service string, signals []signal.RawSignal) (*Classification, error)
}

// WithFallback chains two classifiers: when the primary fails, the
// fallback gets the batch and its verdict stands. Only the fallback's
// error, if any, reaches the caller.
type WithFallback struct {
	Primary  Classifier
	Fallback Classifier
	// OnFallback is invoked with the primary's error before the fallback
	// runs. May be nil.
	OnFallback func(err error)
}

// Classify implements Classifier.
func (w *WithFallback) Classify(ctx context.Context, service string, signals []signal.RawSignal) (*Classification, error) {
	c, err := w.Primary.Classify(ctx, service, signals)
	if err == nil {
		return c, nil
	}
	if w.OnFallback != nil {
		w.OnFallback(err)
	}
	return w.Fallback.Classify(ctx, service, signals)
}
