// Package signal defines the ingestion boundary: log batches and
// monitoring alerts are normalized into a single RawSignal shape before
// they reach the classifier.
package signal

import (
	"fmt"
	"strings"
	"time"

	apperr "github.com/opsmend/opsmend/internal/errors"
)

// Source identifies where a signal came from.
type Source string

const (
	SourceLog   Source = "log"
	SourceAlert Source = "alert"
)

// LogEntry is one log line from a running service.
type LogEntry struct {
	Timestamp time.Time         `json:"timestamp"`
	Level     string            `json:"level"`
	Service   string            `json:"service"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Alert is a monitoring alert payload.
type Alert struct {
	Service     string            `json:"service"`
	AlertName   string            `json:"alert_name"`
	Severity    string            `json:"severity"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// RawSignal is the normalized shape handed to the classifier.
type RawSignal struct {
	Timestamp time.Time
	Level     string
	Service   string
	Message   string
	Source    Source
}

// FromLogs normalizes a log batch. All entries must carry a service and a
// message; the batch must not be empty.
func FromLogs(entries []LogEntry) ([]RawSignal, error) {
	if len(entries) == 0 {
		return nil, apperr.Validation("log batch is empty")
	}

	signals := make([]RawSignal, 0, len(entries))
	for i, e := range entries {
		if strings.TrimSpace(e.Service) == "" {
			return nil, apperr.Validationf("log entry %d: missing service", i)
		}
		if strings.TrimSpace(e.Message) == "" {
			return nil, apperr.Validationf("log entry %d: missing message", i)
		}
		ts := e.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		signals = append(signals, RawSignal{
			Timestamp: ts,
			Level:     strings.ToUpper(strings.TrimSpace(e.Level)),
			Service:   strings.TrimSpace(e.Service),
			Message:   e.Message,
			Source:    SourceLog,
		})
	}
	return signals, nil
}

// FromAlert normalizes a monitoring alert into a single-element signal batch.
// Alert annotations are folded into the message so the classifier sees them.
func FromAlert(a Alert) ([]RawSignal, error) {
	if strings.TrimSpace(a.Service) == "" {
		return nil, apperr.Validation("alert: missing service")
	}
	if strings.TrimSpace(a.AlertName) == "" {
		return nil, apperr.Validation("alert: missing alert_name")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "alert %s firing", a.AlertName)
	for k, v := range a.Annotations {
		fmt.Fprintf(&sb, "\n%s: %s", k, v)
	}

	level := strings.ToUpper(strings.TrimSpace(a.Severity))
	if level == "" {
		level = "WARNING"
	}

	return []RawSignal{{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Service:   strings.TrimSpace(a.Service),
		Message:   sb.String(),
		Source:    SourceAlert,
	}}, nil
}

// ServiceOf returns the service name shared by a batch, preferring the
// explicit override when given.
func ServiceOf(signals []RawSignal, override string) string {
	if override != "" {
		return override
	}
	if len(signals) > 0 {
		return signals[0].Service
	}
	return ""
}
