package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// pruneInterval is how often the journal sweeps expired terminal tasks.
const pruneInterval = 10 * time.Minute

// Journal retains terminal tasks for status polling. Records are written
// to SQLite and mirrored in an in-memory cache; both are pruned once a
// task's completion is older than the TTL.
type Journal struct {
	db  *sql.DB
	ttl time.Duration

	mu    sync.RWMutex
	cache map[string]*Task
}

// NewJournal creates a journal with the given retention TTL.
func NewJournal(db *sql.DB, ttl time.Duration) *Journal {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Journal{
		db:    db,
		ttl:   ttl,
		cache: make(map[string]*Task),
	}
}

// Record persists a terminal task. Non-terminal tasks are rejected; the
// dispatcher keeps those in memory only.
func (j *Journal) Record(ctx context.Context, t *Task) error {
	if !t.Status.Terminal() {
		return fmt.Errorf("recording non-terminal task %s (%s)", t.ID, t.Status)
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO tasks (id, user_id, course_id, kind, priority, status, failure_kind,
		 impersonated_by, attempt_count, submitted_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.CourseID, string(t.Kind), t.Priority, string(t.Status),
		nullableString(string(t.FailureKind)), nullableString(t.ImpersonatedBy),
		t.AttemptCount,
		t.SubmittedAt.UTC().Format(time.RFC3339Nano),
		nullableTime(t.StartedAt),
		nullableTime(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("recording task %s: %w", t.ID, err)
	}

	cached := *t
	j.mu.Lock()
	j.cache[t.ID] = &cached
	j.mu.Unlock()

	return nil
}

// Get returns a terminal task by ID, from cache when possible.
func (j *Journal) Get(ctx context.Context, id string) (*Task, error) {
	j.mu.RLock()
	if t, ok := j.cache[id]; ok {
		cached := *t
		j.mu.RUnlock()
		return &cached, nil
	}
	j.mu.RUnlock()

	var t Task
	var kind, status string
	var failureKind, impersonatedBy, startedAt, completedAt sql.NullString
	var submittedAt string

	err := j.db.QueryRowContext(ctx,
		`SELECT id, user_id, course_id, kind, priority, status, failure_kind,
		 impersonated_by, attempt_count, submitted_at, started_at, completed_at
		 FROM tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.UserID, &t.CourseID, &kind, &t.Priority, &status,
		&failureKind, &impersonatedBy, &t.AttemptCount,
		&submittedAt, &startedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("loading task %s: %w", id, err)
	}

	t.Kind = TaskKind(kind)
	t.Status = TaskStatus(status)
	if failureKind.Valid {
		t.FailureKind = FailureKind(failureKind.String)
	}
	if impersonatedBy.Valid {
		t.ImpersonatedBy = impersonatedBy.String
	}
	t.SubmittedAt, _ = time.Parse(time.RFC3339Nano, submittedAt) //nolint:errcheck // format is controlled
	if startedAt.Valid {
		t.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt.String) //nolint:errcheck // format is controlled
	}
	if completedAt.Valid {
		t.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt.String) //nolint:errcheck // format is controlled
	}

	return &t, nil
}

// Prune deletes terminal tasks whose completion is older than the TTL and
// returns the number removed from storage.
func (j *Journal) Prune(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-j.ttl)

	result, err := j.db.ExecContext(ctx,
		"DELETE FROM tasks WHERE completed_at < ?",
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("pruning task journal: %w", err)
	}
	deleted, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite

	j.mu.Lock()
	for id, t := range j.cache {
		if t.CompletedAt.Before(cutoff) {
			delete(j.cache, id)
		}
	}
	j.mu.Unlock()

	return deleted, nil
}

// Run prunes periodically until the context is cancelled.
func (j *Journal) Run(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Prune(ctx) //nolint:errcheck // next sweep retries
		}
	}
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}
