package classifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsmend/opsmend/internal/bugs"
	"github.com/opsmend/opsmend/internal/signal"
)

func logSignal(level, message string) signal.RawSignal {
	return signal.RawSignal{
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Level:     level,
		Service:   "api-gateway",
		Message:   message,
		Source:    signal.SourceLog,
	}
}

func TestRulesClassifyByKeyword(t *testing.T) {
	tests := []struct {
		name     string
		message  string
		category bugs.Category
	}{
		{"oom", "worker killed: out of memory", bugs.CategoryResourceExhaustion},
		{"disk", "write failed: no space left on device", bugs.CategoryResourceExhaustion},
		{"panic", "panic: runtime error: invalid memory address", bugs.CategoryCrashLoop},
		{"refused", "dial tcp 10.0.0.5:5432: connection refused", bugs.CategoryDependencyFailure},
		{"config", "invalid configuration: max_conns must be positive", bugs.CategoryConfigurationDrift},
		{"timeout", "request to /checkout exceeded timeout of 5s", bugs.CategoryLatencyDegradation},
	}

	r := NewRules()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := r.Classify(context.Background(), "api-gateway", []signal.RawSignal{
				logSignal("ERROR", tt.message),
			})
			require.NoError(t, err)
			require.NotNil(t, c)
			assert.Equal(t, tt.category, c.Category)
			assert.Equal(t, ruleConfidence, c.Confidence)
			assert.Equal(t, tt.message, c.Evidence)
		})
	}
}

func TestRulesIgnoreInfoLevelLogs(t *testing.T) {
	r := NewRules()
	c, err := r.Classify(context.Background(), "api-gateway", []signal.RawSignal{
		logSignal("INFO", "cache warmed, out of memory errors resolved"),
	})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestRulesAlwaysInspectAlerts(t *testing.T) {
	r := NewRules()
	c, err := r.Classify(context.Background(), "api-gateway", []signal.RawSignal{{
		Level:   "WARNING",
		Service: "api-gateway",
		Message: "alert HighMemory firing\nsummary: heap space exhausted",
		Source:  signal.SourceAlert,
	}})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, bugs.CategoryResourceExhaustion, c.Category)
}

func TestRulesNoMatchReturnsNil(t *testing.T) {
	r := NewRules()
	c, err := r.Classify(context.Background(), "api-gateway", []signal.RawSignal{
		logSignal("ERROR", "user 42 not found"),
	})
	require.NoError(t, err)
	assert.Nil(t, c)
}

type failingClassifier struct{ err error }

func (f *failingClassifier) Classify(context.Context, string, []signal.RawSignal) (*Classification, error) {
	return nil, f.err
}

func TestWithFallbackUsesSecondaryOnPrimaryFailure(t *testing.T) {
	var sawErr error
	w := &WithFallback{
		Primary:    &failingClassifier{err: errors.New("endpoint down")},
		Fallback:   NewRules(),
		OnFallback: func(err error) { sawErr = err },
	}

	c, err := w.Classify(context.Background(), "api-gateway", []signal.RawSignal{
		logSignal("ERROR", "worker killed: out of memory"),
	})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, bugs.CategoryResourceExhaustion, c.Category)
	assert.EqualError(t, sawErr, "endpoint down")
}

func TestParseVerdict(t *testing.T) {
	t.Run("clean json", func(t *testing.T) {
		c, err := parseVerdict(`{"problem_found":true,"category":"crash-loop","confidence":0.9,"title":"t","evidence":"e","root_cause":"r"}`)
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, bugs.CategoryCrashLoop, c.Category)
		assert.Equal(t, 0.9, c.Confidence)
	})

	t.Run("fenced json with percent confidence", func(t *testing.T) {
		c, err := parseVerdict("```json\n{\"problem_found\":true,\"category\":\"dependency-failure\",\"confidence\":85}\n```")
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.InDelta(t, 0.85, c.Confidence, 1e-9)
	})

	t.Run("unknown category is preserved as unknown", func(t *testing.T) {
		c, err := parseVerdict(`{"problem_found":true,"category":"GOBLINS","confidence":0.5}`)
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, bugs.CategoryUnknown, c.Category)
	})

	t.Run("no problem", func(t *testing.T) {
		c, err := parseVerdict(`{"problem_found":false}`)
		require.NoError(t, err)
		assert.Nil(t, c)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := parseVerdict("the logs look fine to me")
		assert.Error(t, err)
	})
}
