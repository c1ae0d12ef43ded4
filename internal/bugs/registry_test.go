package bugs

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperr "github.com/opsmend/opsmend/internal/errors"
)

// setupRegistry creates a registry backed by an in-memory SQLite database.
func setupRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := sqlx.Connect("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewStore(db)
	require.NoError(t, store.Migrate(context.Background()))
	return NewRegistry(store, 24*time.Hour)
}

func detection() Detection {
	return Detection{
		Service:    "api-gateway",
		Category:   CategoryResourceExhaustion,
		Confidence: 0.9,
		Evidence:   "OOM killer invoked for worker process",
		Title:      "Worker processes running out of memory",
	}
}

func TestRecordSignalCreatesAnalyzingBug(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()

	b, recurred, err := r.RecordSignal(ctx, detection())
	require.NoError(t, err)
	assert.False(t, recurred)
	assert.Equal(t, StatusAnalyzing, b.Status)
	assert.Equal(t, "api-gateway", b.ServiceName)
	assert.Equal(t, CategoryResourceExhaustion, b.Category)
	assert.NotEmpty(t, b.Fingerprint)
	assert.Equal(t, b.FirstSeenAt, b.LastSeenAt)
}

func TestRecordSignalRecurrenceReturnsSameBug(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	r.SetClock(func() time.Time { return current })

	first, _, err := r.RecordSignal(ctx, detection())
	require.NoError(t, err)

	current = base.Add(10 * time.Minute)
	second, recurred, err := r.RecordSignal(ctx, detection())
	require.NoError(t, err)

	assert.True(t, recurred)
	assert.Equal(t, first.ID, second.ID, "no duplicate bug inside the window")
	assert.Equal(t, StatusAnalyzing, second.Status, "status unchanged on live recurrence")
	assert.True(t, second.LastSeenAt.After(first.LastSeenAt))
}

func TestRecordSignalOutsideWindowCreatesNewBug(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	r.SetClock(func() time.Time { return current })

	first, _, err := r.RecordSignal(ctx, detection())
	require.NoError(t, err)

	current = base.Add(25 * time.Hour)
	second, recurred, err := r.RecordSignal(ctx, detection())
	require.NoError(t, err)

	assert.False(t, recurred)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestRecordSignalReopensTerminalBug(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()

	b, _, err := r.RecordSignal(ctx, detection())
	require.NoError(t, err)

	_, err = r.Transition(ctx, b.ID, StatusHealing, "test")
	require.NoError(t, err)
	_, err = r.Transition(ctx, b.ID, StatusResolved, "test")
	require.NoError(t, err)

	d := detection()
	d.Confidence = 0.7
	reopened, recurred, err := r.RecordSignal(ctx, d)
	require.NoError(t, err)

	assert.True(t, recurred)
	assert.Equal(t, b.ID, reopened.ID)
	assert.Equal(t, StatusAnalyzing, reopened.Status)
	assert.Equal(t, 0.7, reopened.Confidence)
}

func TestRecordSignalValidation(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()

	d := detection()
	d.Category = "made-up"
	_, _, err := r.RecordSignal(ctx, d)
	assert.Error(t, err)

	d = detection()
	d.Confidence = 1.5
	_, _, err = r.RecordSignal(ctx, d)
	assert.Error(t, err)
}

func TestTransitionRejectsIllegalStep(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()

	b, _, err := r.RecordSignal(ctx, detection())
	require.NoError(t, err)

	_, err = r.Transition(ctx, b.ID, StatusResolved, "skipping healing")
	require.Error(t, err)
	kind, ok := apperr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindInvalidTransition, kind)

	// Bug is untouched after the rejected transition.
	got, err := r.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAnalyzing, got.Status)
}

func TestGetUnknownBug(t *testing.T) {
	r := setupRegistry(t)

	_, err := r.Get(context.Background(), [16]byte{0xde, 0xad})
	require.Error(t, err)
	kind, ok := apperr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindNotFound, kind)
}

func TestAttemptsAppendOnly(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()

	b, _, err := r.RecordSignal(ctx, detection())
	require.NoError(t, err)

	a1, err := r.StartAttempt(ctx, b.ID, "clear-cache", true)
	require.NoError(t, err)
	require.NoError(t, r.FinishAttempt(ctx, a1.ID, OutcomeFailure, "cache service unreachable"))

	a2, err := r.StartAttempt(ctx, b.ID, "restart-service", true)
	require.NoError(t, err)
	require.NoError(t, r.FinishAttempt(ctx, a2.ID, OutcomeSuccess, ""))

	got, err := r.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, got.Attempts, 2)
	assert.Equal(t, "clear-cache", got.Attempts[0].ActionType)
	assert.Equal(t, OutcomeFailure, got.Attempts[0].Outcome)
	assert.Equal(t, "restart-service", got.Attempts[1].ActionType)
	assert.Equal(t, OutcomeSuccess, got.Attempts[1].Outcome)

	// A second finish must not rewrite history.
	err = r.FinishAttempt(ctx, a1.ID, OutcomeSuccess, "rewrite")
	assert.Error(t, err)

	got, err = r.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailure, got.Attempts[0].Outcome)
	assert.Equal(t, "cache service unreachable", got.Attempts[0].Notes)
}

func TestInFlightAttempt(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()

	b, _, err := r.RecordSignal(ctx, detection())
	require.NoError(t, err)

	inFlight, err := r.InFlightAttempt(ctx, b.ID, "")
	require.NoError(t, err)
	assert.False(t, inFlight)

	a, err := r.StartAttempt(ctx, b.ID, "restart-service", true)
	require.NoError(t, err)

	inFlight, err = r.InFlightAttempt(ctx, b.ID, "restart-service")
	require.NoError(t, err)
	assert.True(t, inFlight)

	require.NoError(t, r.FinishAttempt(ctx, a.ID, OutcomeTimedOut, ""))
	inFlight, err = r.InFlightAttempt(ctx, b.ID, "")
	require.NoError(t, err)
	assert.False(t, inFlight)
}

func TestListFilters(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()

	_, _, err := r.RecordSignal(ctx, detection())
	require.NoError(t, err)

	other := Detection{
		Service:    "checkout",
		Category:   CategoryCrashLoop,
		Confidence: 0.8,
		Evidence:   "panic: nil pointer dereference",
	}
	crash, _, err := r.RecordSignal(ctx, other)
	require.NoError(t, err)
	_, err = r.Transition(ctx, crash.ID, StatusEscalated, "no applicable actions")
	require.NoError(t, err)

	all, total, err := r.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, all, 2)

	escalated, total, err := r.List(ctx, Filter{Status: StatusEscalated})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, escalated, 1)
	assert.Equal(t, crash.ID, escalated[0].ID)

	byService, _, err := r.List(ctx, Filter{Service: "api-gateway"})
	require.NoError(t, err)
	require.Len(t, byService, 1)
	assert.Equal(t, CategoryResourceExhaustion, byService[0].Category)

	_, _, err = r.List(ctx, Filter{Status: "nonsense"})
	assert.Error(t, err)
}

func TestListPagination(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	r.SetClock(func() time.Time { return current })

	for i := 0; i < 5; i++ {
		d := detection()
		d.Evidence = d.Evidence + " variant " + string(rune('a'+i))
		_, _, err := r.RecordSignal(ctx, d)
		require.NoError(t, err)
		current = current.Add(time.Minute)
	}

	page1, total, err := r.List(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page1, 2)

	page2, _, err := r.List(ctx, Filter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page2, 2)
	assert.NotEqual(t, page1[0].ID, page2[0].ID)
}
