package escalation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// TicketRecord is a delivered escalation.
type TicketRecord struct {
	BugID       string    `db:"bug_id"`
	IssueNumber int       `db:"issue_number"`
	IssueURL    string    `db:"issue_url"`
	CreatedAt   time.Time `db:"created_at"`
}

// PendingEscalation is a ticket whose delivery failed and is parked for
// retry. The rendered payload is stored so the retry does not depend on
// the bug row staying unchanged.
type PendingEscalation struct {
	BugID         string    `db:"bug_id"`
	Payload       []byte    `db:"payload"`
	Attempts      int       `db:"attempts"`
	LastError     string    `db:"last_error"`
	NextAttemptAt time.Time `db:"next_attempt_at"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// Ticket decodes the stored payload.
func (p PendingEscalation) Ticket() (Ticket, error) {
	var t Ticket
	if err := json.Unmarshal(p.Payload, &t); err != nil {
		return Ticket{}, fmt.Errorf("decode pending escalation %s: %w", p.BugID, err)
	}
	return t, nil
}

// Store persists delivered tickets and the pending retry queue.
type Store struct {
	db *sqlx.DB
}

// NewStore creates an escalation store on an open database handle.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS escalation_tickets (
	bug_id TEXT PRIMARY KEY,
	issue_number INTEGER NOT NULL,
	issue_url TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_escalations (
	bug_id TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	next_attempt_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pending_next_attempt ON pending_escalations (next_attempt_at);
`

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate escalation schema: %w", err)
	}
	return nil
}

// TicketFor returns the delivered ticket for a bug, or nil when none
// exists yet.
func (s *Store) TicketFor(ctx context.Context, bugID string) (*TicketRecord, error) {
	var rec TicketRecord
	err := s.db.GetContext(ctx, &rec,
		`SELECT bug_id, issue_number, issue_url, created_at FROM escalation_tickets WHERE bug_id = $1`, bugID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load ticket for %s: %w", bugID, err)
	}
	return &rec, nil
}

// RecordDelivered stores a delivered ticket and drops any pending entry
// for the same bug.
func (s *Store) RecordDelivered(ctx context.Context, bugID string, issueNumber int, issueURL string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record delivered ticket: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO escalation_tickets (bug_id, issue_number, issue_url, created_at) VALUES ($1, $2, $3, $4)`,
		bugID, issueNumber, issueURL, time.Now().UTC()); err != nil {
		return fmt.Errorf("record delivered ticket: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_escalations WHERE bug_id = $1`, bugID); err != nil {
		return fmt.Errorf("clear pending escalation: %w", err)
	}
	return tx.Commit()
}

// Park stores or refreshes a pending escalation after a delivery failure.
func (s *Store) Park(ctx context.Context, t Ticket, deliveryErr error, nextAttemptAt time.Time) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode pending escalation: %w", err)
	}
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_escalations (bug_id, payload, attempts, last_error, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, 1, $3, $4, $5, $5)
		ON CONFLICT (bug_id) DO UPDATE SET
			attempts = pending_escalations.attempts + 1,
			last_error = $3,
			next_attempt_at = $4,
			updated_at = $5`,
		t.BugID, payload, deliveryErr.Error(), nextAttemptAt.UTC(), now)
	if err != nil {
		return fmt.Errorf("park escalation for %s: %w", t.BugID, err)
	}
	return nil
}

// Due returns pending escalations whose retry time has come, oldest
// first, capped at limit.
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]PendingEscalation, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []PendingEscalation
	err := s.db.SelectContext(ctx, &out, `
		SELECT bug_id, payload, attempts, last_error, next_attempt_at, created_at, updated_at
		FROM pending_escalations
		WHERE next_attempt_at <= $1
		ORDER BY created_at ASC
		LIMIT $2`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("load due escalations: %w", err)
	}
	return out, nil
}

// Drop removes a pending escalation that will never be delivered.
func (s *Store) Drop(ctx context.Context, bugID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_escalations WHERE bug_id = $1`, bugID); err != nil {
		return fmt.Errorf("drop pending escalation %s: %w", bugID, err)
	}
	return nil
}

// PendingCount reports the retry queue depth.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM pending_escalations`); err != nil {
		return 0, fmt.Errorf("count pending escalations: %w", err)
	}
	return n, nil
}
