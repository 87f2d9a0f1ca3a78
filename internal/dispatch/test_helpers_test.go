package dispatch

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/enrollware/enroll-core/internal/course"
)

// testDB creates a temporary SQLite database with the task journal schema.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	f, err := os.CreateTemp("", "dispatch-test-*.db")
	if err != nil {
		t.Fatalf("creating temp db: %v", err)
	}
	dbPath := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(dbPath) })

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schemaSQL := `
		CREATE TABLE tasks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			course_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			failure_kind TEXT,
			impersonated_by TEXT,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			submitted_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT
		) STRICT;

		CREATE INDEX idx_tasks_user ON tasks(user_id);
		CREATE INDEX idx_tasks_completed ON tasks(completed_at);
	`
	if _, err := db.Exec(schemaSQL); err != nil {
		t.Fatalf("applying task schema: %v", err)
	}

	return db
}

// fakeMutator simulates the course mutation path. Seat bookkeeping is
// deliberately unsynchronised: the dispatcher's per-course lock is what
// keeps it consistent, so a locking bug shows up as a miscount or a race
// detector report.
type fakeMutator struct {
	capacity map[string]int
	seats    map[string]map[string]bool

	// failures, when non-empty, is consumed one error per call before
	// real processing resumes.
	failMu   sync.Mutex
	failures []error

	// applied records operation order for priority assertions.
	appliedMu sync.Mutex
	applied   []string
}

func newFakeMutator() *fakeMutator {
	return &fakeMutator{
		capacity: make(map[string]int),
		seats:    make(map[string]map[string]bool),
	}
}

func (m *fakeMutator) addCourse(id string, capacity int) {
	m.capacity[id] = capacity
	m.seats[id] = make(map[string]bool)
}

func (m *fakeMutator) nextFailure() error {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	if len(m.failures) == 0 {
		return nil
	}
	err := m.failures[0]
	m.failures = m.failures[1:]
	return err
}

func (m *fakeMutator) record(op string) {
	m.appliedMu.Lock()
	m.applied = append(m.applied, op)
	m.appliedMu.Unlock()
}

func (m *fakeMutator) operations() []string {
	m.appliedMu.Lock()
	defer m.appliedMu.Unlock()
	return append([]string(nil), m.applied...)
}

func (m *fakeMutator) ApplySelect(_ context.Context, studentID, courseID string, _ []string) error {
	if err := m.nextFailure(); err != nil {
		return err
	}

	seats, ok := m.seats[courseID]
	if !ok {
		return course.ErrCourseNotFound
	}
	if seats[studentID] {
		return course.ErrAlreadyEnrolled
	}
	if len(seats) >= m.capacity[courseID] {
		return course.ErrCourseFull
	}
	seats[studentID] = true
	m.record("select:" + studentID)
	return nil
}

func (m *fakeMutator) ApplyDeselect(_ context.Context, studentID, courseID string) error {
	if err := m.nextFailure(); err != nil {
		return err
	}

	seats, ok := m.seats[courseID]
	if !ok {
		return course.ErrCourseNotFound
	}
	if !seats[studentID] {
		return course.ErrNotEnrolled
	}
	delete(seats, studentID)
	m.record("deselect:" + studentID)
	return nil
}

// stubTags returns no tags for every student.
type stubTags struct{}

func (stubTags) StudentTags(context.Context, string) ([]string, error) { return nil, nil }

// newTestDispatcher wires a dispatcher over the fake mutator with small
// defaults; tests override cfg fields as needed.
func newTestDispatcher(t *testing.T, m *fakeMutator, cfg Config) *Dispatcher {
	t.Helper()

	journal := NewJournal(testDB(t), time.Hour)
	return New(m, stubTags{}, journal, nil, cfg)
}

// waitTerminal polls until the task is terminal or the deadline lapses.
func waitTerminal(t *testing.T, d *Dispatcher, taskID string) *Task {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := d.Status(context.Background(), taskID)
		if err == nil && task.Status.Terminal() {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach a terminal state", taskID)
	return nil
}
