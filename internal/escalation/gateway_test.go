package escalation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsmend/opsmend/internal/bugs"
	apperr "github.com/opsmend/opsmend/internal/errors"
)

type fakeIssues struct {
	err     error
	calls   int
	created []Ticket
}

func (f *fakeIssues) CreateIssue(_ context.Context, t Ticket) (int, string, error) {
	f.calls++
	if f.err != nil {
		return 0, "", f.err
	}
	f.created = append(f.created, t)
	return 100 + len(f.created), "https://github.com/acme/ops/issues/1", nil
}

func setupGateway(t *testing.T, issues IssuesClient) (*Gateway, *time.Time) {
	t.Helper()
	db, err := sqlx.Connect("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewStore(db)
	require.NoError(t, store.Migrate(context.Background()))

	g := NewGateway(store, issues, Options{
		Env:                 "test",
		MaxDeliveryAttempts: 3,
		InitialBackoff:      time.Minute,
	})
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return current })
	return g, &current
}

func escalatedBug() *bugs.Bug {
	now := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	return &bugs.Bug{
		ID:          uuid.New(),
		ServiceName: "api-gateway",
		Category:    bugs.CategoryResourceExhaustion,
		Confidence:  0.9,
		Status:      bugs.StatusEscalated,
		Title:       "Worker processes running out of memory",
		Evidence:    "OOM killer invoked for worker process 4412",
		FirstSeenAt: now,
		LastSeenAt:  now,
		Attempts: []bugs.Attempt{
			{ActionType: "clear-cache", Outcome: bugs.OutcomeFailure, Notes: "cache node unreachable"},
		},
	}
}

func TestEscalateDeliversOnce(t *testing.T) {
	issues := &fakeIssues{}
	g, _ := setupGateway(t, issues)
	b := escalatedBug()

	first, err := g.Escalate(context.Background(), b)
	require.NoError(t, err)
	second, err := g.Escalate(context.Background(), b)
	require.NoError(t, err)

	assert.Equal(t, 1, issues.calls, "second escalate must not open a second issue")
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, first.IssueNumber, second.IssueNumber, "both calls must report the same ticket")
	assert.Equal(t, first.IssueURL, second.IssueURL)
	assert.Equal(t, b.ID.String(), first.BugID)
}

func TestEscalateParksOnDeliveryFailure(t *testing.T) {
	issues := &fakeIssues{err: errors.New("api quota exhausted")}
	g, clock := setupGateway(t, issues)
	b := escalatedBug()

	ticket, err := g.Escalate(context.Background(), b)
	assert.Nil(t, ticket)
	kind, ok := apperr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindEscalationDelivery, kind)

	n, err := g.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Backoff not elapsed yet: nothing is due.
	delivered, err := g.RetryPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, delivered)

	// Tracker recovers; the sweep drains the queue.
	issues.err = nil
	*clock = clock.Add(2 * time.Minute)
	delivered, err = g.RetryPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	n, err = g.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	// The parked payload survived intact.
	require.Len(t, issues.created, 1)
	assert.Equal(t, b.ID.String(), issues.created[0].BugID)
}

func TestRetryPendingAbandonsAfterMaxAttempts(t *testing.T) {
	issues := &fakeIssues{err: errors.New("api quota exhausted")}
	g, clock := setupGateway(t, issues)

	_, err := g.Escalate(context.Background(), escalatedBug())
	require.Error(t, err)

	for i := 0; i < 5; i++ {
		*clock = clock.Add(time.Hour)
		_, err := g.RetryPending(context.Background())
		require.NoError(t, err)
	}

	n, err := g.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "undeliverable ticket should be abandoned, not retried forever")
	assert.Equal(t, 3, issues.calls)
}

func TestBuildTicketBody(t *testing.T) {
	b := escalatedBug()
	ticket := BuildTicket(b, "prod")

	assert.Equal(t, "Worker processes running out of memory", ticket.Title)
	assert.Contains(t, ticket.Body, "**Bug ID:** `"+b.ID.String()+"`")
	assert.Contains(t, ticket.Body, "**Confidence:** 90%")
	assert.Contains(t, ticket.Body, "OOM killer invoked")
	assert.Contains(t, ticket.Body, "| 1 | clear-cache | failure | false | cache node unreachable |")

	assert.Equal(t, []string{
		"bug", "automated",
		"category:resource-exhaustion", "service:api-gateway",
		"healing-failed", "env:prod",
	}, ticket.Labels)
}

func TestBuildTicketWithoutAttempts(t *testing.T) {
	b := escalatedBug()
	b.Attempts = nil
	b.Title = ""

	ticket := BuildTicket(b, "")
	assert.Equal(t, "resource-exhaustion in api-gateway", ticket.Title)
	assert.True(t, strings.Contains(ticket.Body, "No automated healing was attempted."))
	assert.NotContains(t, ticket.Labels, "healing-failed")
}
