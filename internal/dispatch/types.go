package dispatch

import (
	"errors"
	"time"
)

// TaskKind is the intent a task carries.
type TaskKind string

const (
	KindSelect   TaskKind = "select"
	KindDeselect TaskKind = "deselect"
)

// Priorities. Deselects outrank selects so freed seats become available
// quickly.
const (
	PrioritySelect   = 0
	PriorityDeselect = 10
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusSucceeded TaskStatus = "succeeded"
	StatusFailed    TaskStatus = "failed"
)

// Terminal reports whether a status is final.
func (s TaskStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// FailureKind is the stable failure taxonomy recorded on failed tasks and
// surfaced in the error envelope.
type FailureKind string

const (
	FailAlreadyEnrolled    FailureKind = "AlreadyEnrolled"
	FailNotEnrolled        FailureKind = "NotEnrolled"
	FailCourseFull         FailureKind = "CourseFull"
	FailTimeConflict       FailureKind = "TimeConflict"
	FailTagIneligible      FailureKind = "TagIneligible"
	FailCourseNotFound     FailureKind = "CourseNotFound"
	FailQueueFull          FailureKind = "QueueFull"
	FailTransientExhausted FailureKind = "TransientExhausted"
	FailIntegrity          FailureKind = "IntegrityViolation"
	FailShuttingDown       FailureKind = "ShuttingDown"
	FailCancelled          FailureKind = "Cancelled"
)

// Task is an admitted unit of intent, processed asynchronously by the
// worker pool. The dispatcher owns the canonical record; callers receive
// copies.
type Task struct {
	ID             string      `json:"id"`
	UserID         string      `json:"user_id"`
	CourseID       string      `json:"course_id"`
	Kind           TaskKind    `json:"kind"`
	Priority       int         `json:"priority"`
	Status         TaskStatus  `json:"status"`
	FailureKind    FailureKind `json:"failure_kind,omitempty"`
	ImpersonatedBy string      `json:"impersonated_by,omitempty"`
	AttemptCount   int         `json:"attempt_count"`
	SubmittedAt    time.Time   `json:"submitted_at"`
	StartedAt      time.Time   `json:"started_at,omitzero"`
	CompletedAt    time.Time   `json:"completed_at,omitzero"`

	// seq breaks submitted_at ties so FIFO holds within a priority tier.
	seq uint64
}

// Sentinel errors for dispatcher operations.
var (
	ErrQueueFull      = errors.New("task queue is full")
	ErrTaskNotFound   = errors.New("task not found")
	ErrNotCancellable = errors.New("task is not pending")
	ErrNotTaskOwner   = errors.New("task belongs to another user")
	ErrShuttingDown   = errors.New("dispatcher is shutting down")
)
