package classifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/opsmend/opsmend/internal/bugs"
	"github.com/opsmend/opsmend/internal/signal"
)

// ruleConfidence is deliberately modest: keyword matching is a coarse
// instrument and its verdicts should stay below fully trusted territory.
const ruleConfidence = 0.7

type rule struct {
	category bugs.Category
	keywords []string
}

// Evaluation order matters: the first matching rule wins, so the more
// specific failure shapes come before the generic latency bucket.
var rules = []rule{
	{bugs.CategoryResourceExhaustion, []string{
		"out of memory", "oom", "memory leak", "heap space",
		"disk full", "no space left", "too many open files",
		"connection pool exhausted", "resource exhausted",
	}},
	{bugs.CategoryCrashLoop, []string{
		"panic:", "segmentation fault", "segfault", "core dumped",
		"crashloopbackoff", "process exited", "restarting too fast",
	}},
	{bugs.CategoryDependencyFailure, []string{
		"connection refused", "econnrefused", "upstream unavailable",
		"service unavailable", "no route to host", "dns resolution failed",
		"broken pipe", "dial tcp",
	}},
	{bugs.CategoryConfigurationDrift, []string{
		"invalid configuration", "missing configuration", "config reload failed",
		"unknown flag", "missing required env", "bad config",
	}},
	{bugs.CategoryLatencyDegradation, []string{
		"timeout", "deadline exceeded", "too slow", "high latency",
		"queue full", "backlog growing",
	}},
}

// Rules is the keyword fallback classifier. It inspects error-level log
// lines and every alert, and reports the first category whose keyword
// list matches.
type Rules struct{}

// NewRules returns the keyword classifier.
func NewRules() *Rules { return &Rules{} }

// Classify implements Classifier. It never fails; a batch with no match
// yields a nil classification.
func (r *Rules) Classify(_ context.Context, _ string, signals []signal.RawSignal) (*Classification, error) {
	for _, s := range signals {
		if !worthInspecting(s) {
			continue
		}
		msg := strings.ToLower(s.Message)
		for _, ru := range rules {
			for _, kw := range ru.keywords {
				if strings.Contains(msg, kw) {
					return &Classification{
						Category:   ru.category,
						Confidence: ruleConfidence,
						Title:      fmt.Sprintf("%s detected by pattern match", ru.category),
						Evidence:   s.Message,
						RootCause:  fmt.Sprintf("signal matched the %q pattern for %s", kw, ru.category),
						RecommendedActions: []string{
							"inspect the matching log lines in context",
							"check service health and recent changes",
						},
					}, nil
				}
			}
		}
	}
	return nil, nil
}

// worthInspecting keeps the fallback focused on genuine trouble: alerts
// always qualify, logs only at error level and above.
func worthInspecting(s signal.RawSignal) bool {
	if s.Source == signal.SourceAlert {
		return true
	}
	switch s.Level {
	case "ERROR", "CRITICAL", "FATAL":
		return true
	}
	return false
}
