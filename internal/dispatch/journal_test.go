package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"
)

func terminalTask(id string, completedAt time.Time) *Task {
	return &Task{
		ID:           id,
		UserID:       "usr-a",
		CourseID:     "crs-1",
		Kind:         KindSelect,
		Status:       StatusSucceeded,
		AttemptCount: 1,
		SubmittedAt:  completedAt.Add(-time.Second),
		StartedAt:    completedAt.Add(-500 * time.Millisecond),
		CompletedAt:  completedAt,
	}
}

func TestJournalRecordAndGet(t *testing.T) {
	j := NewJournal(testDB(t), time.Hour)

	task := terminalTask("tsk-1", time.Now())
	task.FailureKind = ""
	if err := j.Record(context.Background(), task); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := j.Get(context.Background(), "tsk-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusSucceeded || got.UserID != "usr-a" || got.AttemptCount != 1 {
		t.Errorf("got %+v, want recorded task", got)
	}
}

func TestJournalGetFallsBackToStorage(t *testing.T) {
	db := testDB(t)
	j := NewJournal(db, time.Hour)

	failed := terminalTask("tsk-2", time.Now())
	failed.Status = StatusFailed
	failed.FailureKind = FailCourseFull
	if err := j.Record(context.Background(), failed); err != nil {
		t.Fatalf("record: %v", err)
	}

	// A fresh journal over the same database has a cold cache.
	j2 := NewJournal(db, time.Hour)
	got, err := j2.Get(context.Background(), "tsk-2")
	if err != nil {
		t.Fatalf("get from storage: %v", err)
	}
	if got.FailureKind != FailCourseFull {
		t.Errorf("failure_kind = %s, want CourseFull", got.FailureKind)
	}
}

func TestJournalUnknownTask(t *testing.T) {
	j := NewJournal(testDB(t), time.Hour)

	if _, err := j.Get(context.Background(), "tsk-missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestJournalRejectsNonTerminal(t *testing.T) {
	j := NewJournal(testDB(t), time.Hour)

	pending := terminalTask("tsk-3", time.Now())
	pending.Status = StatusPending
	if err := j.Record(context.Background(), pending); err == nil {
		t.Error("expected an error recording a pending task")
	}
}

func TestJournalPrune(t *testing.T) {
	j := NewJournal(testDB(t), time.Hour)

	if err := j.Record(context.Background(), terminalTask("tsk-old", time.Now().Add(-2*time.Hour))); err != nil {
		t.Fatalf("record old: %v", err)
	}
	if err := j.Record(context.Background(), terminalTask("tsk-new", time.Now())); err != nil {
		t.Fatalf("record new: %v", err)
	}

	pruned, err := j.Prune(context.Background())
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned %d, want 1", pruned)
	}

	if _, err := j.Get(context.Background(), "tsk-old"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("old task should be gone, got %v", err)
	}
	if _, err := j.Get(context.Background(), "tsk-new"); err != nil {
		t.Errorf("recent task should survive: %v", err)
	}
}
