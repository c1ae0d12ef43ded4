package bugs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Store persists bugs and attempts. Status updates go through a
// compare-and-set guard so concurrent writers cannot produce a torn
// lifecycle; the Registry layers the legality check on top.
type Store struct {
	db *sqlx.DB
}

// NewStore creates a bug store on top of an open database handle.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Schema is compatible with both SQLite and PostgreSQL.
const schema = `
CREATE TABLE IF NOT EXISTS bugs (
	id TEXT PRIMARY KEY,
	service_name TEXT NOT NULL,
	category TEXT NOT NULL,
	confidence REAL NOT NULL CHECK (confidence >= 0.0 AND confidence <= 1.0),
	status TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	evidence TEXT NOT NULL DEFAULT '',
	root_cause TEXT NOT NULL DEFAULT '',
	first_seen_at TIMESTAMP NOT NULL,
	last_seen_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bugs_fingerprint ON bugs (service_name, fingerprint, last_seen_at);
CREATE INDEX IF NOT EXISTS idx_bugs_service_status ON bugs (service_name, status);

CREATE TABLE IF NOT EXISTS healing_attempts (
	id TEXT PRIMARY KEY,
	bug_id TEXT NOT NULL REFERENCES bugs(id),
	action_type TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	outcome TEXT NOT NULL DEFAULT 'pending',
	auto_approved BOOLEAN NOT NULL DEFAULT FALSE,
	notes TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_attempts_bug ON healing_attempts (bug_id, started_at);
`

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate bugs schema: %w", err)
	}
	return nil
}

// Create inserts a new bug record.
func (s *Store) Create(ctx context.Context, b *Bug) error {
	if b == nil {
		return fmt.Errorf("bug cannot be nil")
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	query := `
		INSERT INTO bugs (id, service_name, category, confidence, status, fingerprint,
			title, evidence, root_cause, first_seen_at, last_seen_at, created_at, updated_at)
		VALUES (:id, :service_name, :category, :confidence, :status, :fingerprint,
			:title, :evidence, :root_cause, :first_seen_at, :last_seen_at, :created_at, :updated_at)
	`
	if _, err := s.db.NamedExecContext(ctx, query, b); err != nil {
		return fmt.Errorf("insert bug: %w", err)
	}
	return nil
}

// Get retrieves a bug with its ordered attempt history.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Bug, error) {
	var b Bug
	err := s.db.GetContext(ctx, &b, `SELECT * FROM bugs WHERE id = $1`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get bug: %w", err)
	}

	attempts, err := s.AttemptsFor(ctx, id)
	if err != nil {
		return nil, err
	}
	b.Attempts = attempts
	return &b, nil
}

// AttemptsFor returns the attempt history for a bug in dispatch order.
func (s *Store) AttemptsFor(ctx context.Context, bugID uuid.UUID) ([]Attempt, error) {
	var attempts []Attempt
	err := s.db.SelectContext(ctx, &attempts,
		`SELECT * FROM healing_attempts WHERE bug_id = $1 ORDER BY started_at ASC, id ASC`, bugID)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("get attempts: %w", err)
	}
	return attempts, nil
}

// FindByFingerprint returns the most recently seen bug matching the
// fingerprint whose last sighting falls inside the window, or nil.
func (s *Store) FindByFingerprint(ctx context.Context, service, fingerprint string, since time.Time) (*Bug, error) {
	var b Bug
	err := s.db.GetContext(ctx, &b, `
		SELECT * FROM bugs
		WHERE service_name = $1 AND fingerprint = $2 AND last_seen_at >= $3
		ORDER BY last_seen_at DESC
		LIMIT 1
	`, service, fingerprint, since)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find bug by fingerprint: %w", err)
	}
	return &b, nil
}

// TouchLastSeen records a recurrence sighting without changing status.
func (s *Store) TouchLastSeen(ctx context.Context, id uuid.UUID, when time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bugs SET last_seen_at = $1, updated_at = $2 WHERE id = $3`,
		when, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch last seen: %w", err)
	}
	return nil
}

// UpdateStatusCAS moves a bug from one status to another atomically.
// Returns false when the bug was not in the expected status, which means
// a concurrent writer got there first.
func (s *Store) UpdateStatusCAS(ctx context.Context, id uuid.UUID, from, to Status) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE bugs SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		to, time.Now().UTC(), id, from)
	if err != nil {
		return false, fmt.Errorf("update status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update status rows affected: %w", err)
	}
	return rows == 1, nil
}

// Refresh overwrites the classification fields of a reopened bug.
func (s *Store) Refresh(ctx context.Context, id uuid.UUID, confidence float64, evidence, title, rootCause string, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE bugs
		SET confidence = $1, evidence = $2, title = $3, root_cause = $4,
		    last_seen_at = $5, updated_at = $6
		WHERE id = $7
	`, confidence, evidence, title, rootCause, seenAt, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("refresh bug: %w", err)
	}
	return nil
}

// List returns bugs matching the filter plus the unpaginated total.
func (s *Store) List(ctx context.Context, f Filter) ([]Bug, int, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	n := 0
	add := func(clause string, value interface{}) {
		n++
		where += fmt.Sprintf(" AND %s = $%d", clause, n)
		args = append(args, value)
	}
	if f.Status != "" {
		add("status", f.Status)
	}
	if f.Service != "" {
		add("service_name", f.Service)
	}
	if f.Category != "" {
		add("category", f.Category)
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM bugs"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count bugs: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf("SELECT * FROM bugs%s ORDER BY last_seen_at DESC LIMIT $%d OFFSET $%d",
		where, n+1, n+2)
	args = append(args, limit, f.Offset)

	var out []Bug
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil && err != sql.ErrNoRows {
		return nil, 0, fmt.Errorf("list bugs: %w", err)
	}
	return out, total, nil
}

// InsertAttempt records a newly dispatched attempt in the pending state.
func (s *Store) InsertAttempt(ctx context.Context, a *Attempt) error {
	if a == nil {
		return fmt.Errorf("attempt cannot be nil")
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Outcome == "" {
		a.Outcome = OutcomePending
	}
	query := `
		INSERT INTO healing_attempts (id, bug_id, action_type, started_at, finished_at, outcome, auto_approved, notes)
		VALUES (:id, :bug_id, :action_type, :started_at, :finished_at, :outcome, :auto_approved, :notes)
	`
	if _, err := s.db.NamedExecContext(ctx, query, a); err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// FinishAttempt records the attempt's terminal outcome exactly once. A
// second finish is a no-op returning false, preserving the append-only
// history invariant.
func (s *Store) FinishAttempt(ctx context.Context, attemptID uuid.UUID, outcome Outcome, notes string, finishedAt time.Time) (bool, error) {
	if !outcome.Terminal() {
		return false, fmt.Errorf("outcome %q is not terminal", outcome)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE healing_attempts
		SET outcome = $1, notes = $2, finished_at = $3
		WHERE id = $4 AND outcome = 'pending'
	`, outcome, notes, finishedAt, attemptID)
	if err != nil {
		return false, fmt.Errorf("finish attempt: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish attempt rows affected: %w", err)
	}
	return rows == 1, nil
}

// CountAttempts returns the number of attempts already recorded for a bug,
// pending included.
func (s *Store) CountAttempts(ctx context.Context, bugID uuid.UUID) (int, error) {
	var total int
	err := s.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM healing_attempts WHERE bug_id = $1`, bugID)
	if err != nil {
		return 0, fmt.Errorf("count attempts: %w", err)
	}
	return total, nil
}

// PurgeTerminal deletes terminal bugs last seen before the cutoff, along
// with their attempt history. Returns how many bugs were removed.
func (s *Store) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("purge terminal bugs: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM healing_attempts WHERE bug_id IN (
			SELECT id FROM bugs
			WHERE status IN ($1, $2, $3) AND last_seen_at < $4
		)`,
		StatusResolved, StatusEscalated, StatusSuppressed, before.UTC()); err != nil {
		return 0, fmt.Errorf("purge terminal attempts: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM bugs WHERE status IN ($1, $2, $3) AND last_seen_at < $4`,
		StatusResolved, StatusEscalated, StatusSuppressed, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge terminal bugs: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge terminal bugs rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("purge terminal bugs: %w", err)
	}
	return int(rows), nil
}
