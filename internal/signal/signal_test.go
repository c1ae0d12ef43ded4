package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromLogs(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name      string
		entries   []LogEntry
		wantError bool
	}{
		{
			name: "valid batch",
			entries: []LogEntry{
				{Timestamp: now, Level: "error", Service: "api-gateway", Message: "connection refused"},
				{Timestamp: now, Level: "ERROR", Service: "api-gateway", Message: "connection refused"},
			},
		},
		{
			name:      "empty batch",
			entries:   nil,
			wantError: true,
		},
		{
			name: "missing service",
			entries: []LogEntry{
				{Timestamp: now, Level: "error", Message: "boom"},
			},
			wantError: true,
		},
		{
			name: "missing message",
			entries: []LogEntry{
				{Timestamp: now, Level: "error", Service: "api-gateway", Message: "  "},
			},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signals, err := FromLogs(tt.entries)
			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, signals, len(tt.entries))
			for _, s := range signals {
				assert.Equal(t, "ERROR", s.Level, "level is upper-cased")
				assert.Equal(t, SourceLog, s.Source)
			}
		})
	}
}

func TestFromLogsDefaultsTimestamp(t *testing.T) {
	signals, err := FromLogs([]LogEntry{{Service: "db", Message: "deadlock", Level: "error"}})
	require.NoError(t, err)
	assert.False(t, signals[0].Timestamp.IsZero())
}

func TestFromAlert(t *testing.T) {
	signals, err := FromAlert(Alert{
		Service:   "checkout",
		AlertName: "HighErrorRate",
		Severity:  "critical",
		Annotations: map[string]string{
			"summary": "5xx rate above 10%",
		},
	})
	require.NoError(t, err)
	require.Len(t, signals, 1)

	s := signals[0]
	assert.Equal(t, "checkout", s.Service)
	assert.Equal(t, "CRITICAL", s.Level)
	assert.Equal(t, SourceAlert, s.Source)
	assert.Contains(t, s.Message, "HighErrorRate")
	assert.Contains(t, s.Message, "5xx rate above 10%")
}

func TestFromAlertValidation(t *testing.T) {
	_, err := FromAlert(Alert{AlertName: "X"})
	assert.Error(t, err)

	_, err = FromAlert(Alert{Service: "checkout"})
	assert.Error(t, err)
}

func TestServiceOf(t *testing.T) {
	signals := []RawSignal{{Service: "from-signal"}}
	assert.Equal(t, "override", ServiceOf(signals, "override"))
	assert.Equal(t, "from-signal", ServiceOf(signals, ""))
	assert.Equal(t, "", ServiceOf(nil, ""))
}
