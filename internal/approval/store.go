package approval

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ppiankov/runforge/internal/model"
)

// Resolution is the lifecycle state of an approval request.
type Resolution string

const (
	Pending   Resolution = "pending"
	Approved  Resolution = "approved"
	Denied    Resolution = "denied"
	TimedOut  Resolution = "timed_out"
	Cancelled Resolution = "cancelled"
)

// ErrNotFound is returned when no approval exists for the given ID.
var ErrNotFound = errors.New("approval not found")

// ErrAlreadyResolved is returned when an approval was resolved before this
// call. The first resolution wins; later ones get this error.
var ErrAlreadyResolved = errors.New("approval already resolved")

// Record is one approval request and its resolution.
type Record struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	StepSeq    int            `json:"step_seq"`
	Action     string         `json:"action"`
	Target     string         `json:"target"`
	Severity   model.Severity `json:"severity"`
	Confidence float64        `json:"confidence"`
	Reason     string         `json:"reason"`
	Decision   Resolution     `json:"decision"`
	ResolvedBy string         `json:"resolved_by,omitempty"`
	Note       string         `json:"note,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
	ResolvedAt time.Time      `json:"resolved_at,omitempty"`
}

const schema = `
CREATE TABLE IF NOT EXISTS approvals (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	step_seq INTEGER NOT NULL,
	action TEXT NOT NULL,
	target TEXT NOT NULL,
	severity TEXT NOT NULL,
	confidence REAL NOT NULL,
	reason TEXT,
	decision TEXT NOT NULL,
	resolved_by TEXT,
	note TEXT,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	resolved_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_approvals_workflow ON approvals(workflow_id);
CREATE INDEX IF NOT EXISTS idx_approvals_decision ON approvals(decision);
`

// Store persists approval records in SQLite. Resolutions are exactly-once:
// the UPDATE is guarded on decision='pending', so two concurrent resolvers
// cannot both win.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the approval database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("approval: open database: %w", err)
	}
	// Single connection: SQLite allows one writer, and serializing here
	// avoids SQLITE_BUSY under concurrent resolutions.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("approval: create schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new pending approval.
func (s *Store) Create(rec Record) error {
	_, err := s.db.Exec(`
		INSERT INTO approvals (id, workflow_id, step_seq, action, target, severity,
			confidence, reason, decision, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.WorkflowID, rec.StepSeq, rec.Action, rec.Target, string(rec.Severity),
		rec.Confidence, rec.Reason, string(Pending),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.ExpiresAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("approval: insert: %w", err)
	}
	return nil
}

// Get returns the approval with the given ID.
func (s *Store) Get(id string) (Record, error) {
	row := s.db.QueryRow(selectColumns+" WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// Pending returns all unresolved approvals, oldest first.
func (s *Store) Pending() ([]Record, error) {
	return s.list(selectColumns+" WHERE decision = ? ORDER BY created_at", string(Pending))
}

// PendingForWorkflow returns unresolved approvals for one workflow.
func (s *Store) PendingForWorkflow(workflowID string) ([]Record, error) {
	return s.list(selectColumns+" WHERE decision = ? AND workflow_id = ? ORDER BY step_seq",
		string(Pending), workflowID)
}

// Resolve marks a pending approval with the given resolution. Returns
// ErrAlreadyResolved if another caller got there first, ErrNotFound if the
// ID is unknown.
func (s *Store) Resolve(id string, decision Resolution, actor, note string, at time.Time) (Record, error) {
	res, err := s.db.Exec(`
		UPDATE approvals
		SET decision = ?, resolved_by = ?, note = ?, resolved_at = ?
		WHERE id = ? AND decision = ?
	`, string(decision), actor, note, at.UTC().Format(time.RFC3339Nano), id, string(Pending))
	if err != nil {
		return Record{}, fmt.Errorf("approval: resolve: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return Record{}, fmt.Errorf("approval: rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.Get(id); errors.Is(err, ErrNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, ErrAlreadyResolved
	}

	return s.Get(id)
}

// ExpirePending resolves every pending approval whose deadline passed as
// timed out, and returns the records it expired.
func (s *Store) ExpirePending(now time.Time) ([]Record, error) {
	cutoff := now.UTC().Format(time.RFC3339Nano)
	expired, err := s.list(selectColumns+" WHERE decision = ? AND expires_at <= ?",
		string(Pending), cutoff)
	if err != nil {
		return nil, err
	}

	var out []Record
	for _, rec := range expired {
		resolved, err := s.Resolve(rec.ID, TimedOut, "system", "approval window elapsed", now)
		if errors.Is(err, ErrAlreadyResolved) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, resolved)
	}
	return out, nil
}

const selectColumns = `
	SELECT id, workflow_id, step_seq, action, target, severity, confidence,
		reason, decision, resolved_by, note, created_at, expires_at, resolved_at
	FROM approvals`

func (s *Store) list(query string, args ...any) ([]Record, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("approval: query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var rec Record
	var severity, decision string
	var resolvedBy, note, resolvedAt sql.NullString
	var createdAt, expiresAt string

	err := row.Scan(&rec.ID, &rec.WorkflowID, &rec.StepSeq, &rec.Action, &rec.Target,
		&severity, &rec.Confidence, &rec.Reason, &decision, &resolvedBy, &note,
		&createdAt, &expiresAt, &resolvedAt)
	if err != nil {
		return Record{}, err
	}

	rec.Severity = model.Severity(severity)
	rec.Decision = Resolution(decision)
	rec.ResolvedBy = resolvedBy.String
	rec.Note = note.String

	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Record{}, fmt.Errorf("approval: parse created_at: %w", err)
	}
	if rec.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
		return Record{}, fmt.Errorf("approval: parse expires_at: %w", err)
	}
	if resolvedAt.Valid && resolvedAt.String != "" {
		if rec.ResolvedAt, err = time.Parse(time.RFC3339Nano, resolvedAt.String); err != nil {
			return Record{}, fmt.Errorf("approval: parse resolved_at: %w", err)
		}
	}
	return rec, nil
}
