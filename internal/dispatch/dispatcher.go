package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/enrollware/enroll-core/internal/course"
)

// Logger is the interface the dispatcher needs for logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Mutator is the interface the dispatcher needs from the course package:
// the transactional enrollment mutation path.
type Mutator interface {
	ApplySelect(ctx context.Context, studentID, courseID string, studentTags []string) error
	ApplyDeselect(ctx context.Context, studentID, courseID string) error
}

// TagSource resolves a student's tags for eligibility checking.
type TagSource interface {
	StudentTags(ctx context.Context, userID string) ([]string, error)
}

// Config carries the dispatcher's tunable parameters.
type Config struct {
	WorkerCount   int
	MaxQueueDepth int
	MaxAttempts   int
	TaskDeadline  time.Duration
	ShutdownGrace time.Duration
}

// retryBaseDelay is the unit of the retry backoff: base × 2^attempt.
const retryBaseDelay = 100 * time.Millisecond

// Stats is a point-in-time snapshot of queue health.
type Stats struct {
	Pending      int     `json:"pending"`
	Running      int     `json:"running"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

// Dispatcher owns the serialized mutation path: a priority queue of
// selection intents drained by a worker pool, with every task holding its
// course's lock while it mutates enrollment state. It is the single writer
// to course state.
//
// Thread Safety: all exported methods are safe for concurrent use.
type Dispatcher struct {
	mutator Mutator
	tags    TagSource
	journal *Journal
	logger  Logger
	cfg     Config

	queue *taskQueue
	locks courseLocks

	// live holds pending and running tasks; terminal tasks move to the
	// journal.
	mu      sync.RWMutex
	live    map[string]*Task
	running int

	// latency accumulators for Stats.
	completed    atomic.Int64
	latencyNanos atomic.Int64

	seq      atomic.Uint64
	draining atomic.Bool

	group errgroup.Group

	// onTerminal, when set, is invoked after a task reaches a terminal
	// state (event hub notification).
	onTerminal func(Task)
}

// New creates a Dispatcher. Call Start to launch the worker pool.
func New(mutator Mutator, tags TagSource, journal *Journal, logger Logger, cfg Config) *Dispatcher {
	if logger == nil {
		logger = noopLogger{}
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = 10000
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.TaskDeadline <= 0 {
		cfg.TaskDeadline = 5 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}

	return &Dispatcher{
		mutator: mutator,
		tags:    tags,
		journal: journal,
		logger:  logger,
		cfg:     cfg,
		queue:   newTaskQueue(cfg.MaxQueueDepth),
		live:    make(map[string]*Task),
	}
}

// OnTerminal registers a callback invoked with a copy of every task that
// reaches a terminal state. Must be called before Start.
func (d *Dispatcher) OnTerminal(fn func(Task)) {
	d.onTerminal = fn
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	for worker := 0; worker < d.cfg.WorkerCount; worker++ {
		worker := worker
		d.group.Go(func() error {
			d.logger.Debug("worker started", "worker", worker)
			for {
				task, ok := d.queue.Dequeue()
				if !ok {
					d.logger.Debug("worker stopped", "worker", worker)
					return nil
				}
				d.process(task)
			}
		})
	}

	d.logger.Info("dispatcher started",
		"workers", d.cfg.WorkerCount,
		"max_queue_depth", d.cfg.MaxQueueDepth)
}

// Submit enqueues a selection intent and returns the task plus its
// position in the queue at admission time. impersonatedBy is non-empty
// when an internal caller acts on behalf of the student.
func (d *Dispatcher) Submit(userID, courseID string, kind TaskKind, impersonatedBy string) (*Task, int, error) {
	if d.draining.Load() {
		return nil, 0, ErrShuttingDown
	}

	priority := PrioritySelect
	if kind == KindDeselect {
		priority = PriorityDeselect
	}

	task := &Task{
		ID:             "tsk-" + uuid.NewString(),
		UserID:         userID,
		CourseID:       courseID,
		Kind:           kind,
		Priority:       priority,
		Status:         StatusPending,
		ImpersonatedBy: impersonatedBy,
		SubmittedAt:    time.Now().UTC(),
		seq:            d.seq.Add(1),
	}

	position := d.queue.Len()

	d.mu.Lock()
	d.live[task.ID] = task
	d.mu.Unlock()

	if err := d.queue.Enqueue(task); err != nil {
		d.mu.Lock()
		delete(d.live, task.ID)
		d.mu.Unlock()
		return nil, 0, err
	}

	d.logger.Debug("task submitted",
		"task_id", task.ID, "user_id", userID, "course_id", courseID,
		"kind", kind, "position", position)

	snapshot := *task
	return &snapshot, position, nil
}

// Status returns a copy of a task's current state, consulting live tasks
// first and then the journal of terminal tasks.
func (d *Dispatcher) Status(ctx context.Context, taskID string) (*Task, error) {
	d.mu.RLock()
	if t, ok := d.live[taskID]; ok {
		snapshot := *t
		d.mu.RUnlock()
		return &snapshot, nil
	}
	d.mu.RUnlock()

	return d.journal.Get(ctx, taskID)
}

// Cancel aborts a pending task. Only the owner or an admin may cancel, and
// only before a worker picks the task up.
func (d *Dispatcher) Cancel(ctx context.Context, taskID, requesterID string, isAdmin bool) error {
	d.mu.RLock()
	t, ok := d.live[taskID]
	d.mu.RUnlock()
	if !ok {
		// Terminal tasks are not cancellable; report which case it is.
		if _, err := d.journal.Get(ctx, taskID); err == nil {
			return ErrNotCancellable
		}
		return ErrTaskNotFound
	}

	if !isAdmin && t.UserID != requesterID {
		return ErrNotTaskOwner
	}

	removed, ok := d.queue.Remove(taskID)
	if !ok {
		// Already dequeued; a worker owns it now.
		return ErrNotCancellable
	}

	d.finish(removed, StatusFailed, FailCancelled)
	d.logger.Info("task cancelled", "task_id", taskID, "by", requesterID)
	return nil
}

// Stats reports queue depth, running tasks, and mean completion latency.
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	running := d.running
	d.mu.RUnlock()

	stats := Stats{
		Pending: d.queue.Len(),
		Running: running,
	}
	if n := d.completed.Load(); n > 0 {
		stats.AvgLatencyMS = float64(d.latencyNanos.Load()) / float64(n) / 1e6
	}
	return stats
}

// Close shuts the dispatcher down: intake stops immediately, in-flight
// tasks get the grace period to finish, and tasks still pending afterwards
// are failed with ShuttingDown.
func (d *Dispatcher) Close() error {
	d.draining.Store(true)

	// Fail everything still queued before waking the workers, so nothing
	// slips from the queue into a worker mid-shutdown.
	for _, t := range d.queue.Drain() {
		d.finish(t, StatusFailed, FailShuttingDown)
	}
	d.queue.Close()

	done := make(chan struct{})
	go func() {
		d.group.Wait() //nolint:errcheck // workers only return nil
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(d.cfg.ShutdownGrace):
		d.logger.Warn("shutdown grace period elapsed with workers still busy")
	}

	d.logger.Info("dispatcher stopped")
	return nil
}

// process runs one task attempt under the course lock.
func (d *Dispatcher) process(task *Task) {
	d.mu.Lock()
	task.Status = StatusRunning
	if task.StartedAt.IsZero() {
		task.StartedAt = time.Now().UTC()
	}
	task.AttemptCount++
	d.running++
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.running--
		d.mu.Unlock()
	}()

	// The task deadline is independent of the run context so an in-flight
	// mutation is not torn mid-transaction by shutdown; the deadline
	// bounds how long shutdown can be held up.
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.TaskDeadline)
	defer cancel()

	err := d.apply(ctx, task)
	if err == nil {
		d.finish(task, StatusSucceeded, "")
		return
	}

	if kind, final := classifyFailure(err); final {
		d.finish(task, StatusFailed, kind)
		return
	}

	// Transient: retry with exponential backoff until attempts run out.
	if task.AttemptCount >= d.cfg.MaxAttempts {
		d.logger.Warn("task attempts exhausted",
			"task_id", task.ID, "attempts", task.AttemptCount, "error", err)
		d.finish(task, StatusFailed, FailTransientExhausted)
		return
	}

	backoff := retryBaseDelay * (1 << task.AttemptCount)
	d.logger.Debug("transient task failure, retrying",
		"task_id", task.ID, "attempt", task.AttemptCount, "backoff", backoff, "error", err)
	time.Sleep(backoff)

	d.mu.Lock()
	task.Status = StatusPending
	d.mu.Unlock()

	if enqErr := d.queue.Enqueue(task); enqErr != nil {
		kind := FailQueueFull
		if errors.Is(enqErr, ErrShuttingDown) {
			kind = FailShuttingDown
		}
		d.finish(task, StatusFailed, kind)
	}
}

// apply executes the task's mutation while holding the per-course lock.
func (d *Dispatcher) apply(ctx context.Context, task *Task) error {
	unlock := d.locks.lock(task.CourseID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("task deadline before lock acquired: %w", err)
	}

	switch task.Kind {
	case KindDeselect:
		return d.mutator.ApplyDeselect(ctx, task.UserID, task.CourseID)
	default:
		tags, err := d.tags.StudentTags(ctx, task.UserID)
		if err != nil {
			return fmt.Errorf("resolving student tags: %w", err)
		}
		return d.mutator.ApplySelect(ctx, task.UserID, task.CourseID, tags)
	}
}

// finish moves a task to a terminal state, records it in the journal, and
// fires the terminal callback.
func (d *Dispatcher) finish(task *Task, status TaskStatus, kind FailureKind) {
	d.mu.Lock()
	task.Status = status
	task.FailureKind = kind
	task.CompletedAt = time.Now().UTC()
	delete(d.live, task.ID)
	snapshot := *task
	d.mu.Unlock()

	d.completed.Add(1)
	d.latencyNanos.Add(int64(snapshot.CompletedAt.Sub(snapshot.SubmittedAt)))

	// Journal writes use a short background context: the task outcome
	// must be recorded even when the task context has expired.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.journal.Record(ctx, &snapshot); err != nil {
		d.logger.Error("failed to record task outcome",
			"task_id", snapshot.ID, "status", status, "error", err)
	}

	if status == StatusFailed {
		d.logger.Info("task failed",
			"task_id", snapshot.ID, "failure_kind", kind, "attempts", snapshot.AttemptCount)
	} else {
		d.logger.Debug("task succeeded",
			"task_id", snapshot.ID, "attempts", snapshot.AttemptCount)
	}

	if d.onTerminal != nil {
		d.onTerminal(snapshot)
	}
}

// classifyFailure maps a mutation error onto the failure taxonomy.
// final=false marks the transient kinds that are eligible for retry.
func classifyFailure(err error) (kind FailureKind, final bool) {
	switch {
	case errors.Is(err, course.ErrAlreadyEnrolled):
		return FailAlreadyEnrolled, true
	case errors.Is(err, course.ErrNotEnrolled):
		return FailNotEnrolled, true
	case errors.Is(err, course.ErrCourseFull):
		return FailCourseFull, true
	case errors.Is(err, course.ErrTimeConflict):
		return FailTimeConflict, true
	case errors.Is(err, course.ErrTagIneligible):
		return FailTagIneligible, true
	case errors.Is(err, course.ErrCourseNotFound):
		return FailCourseNotFound, true
	case errors.Is(err, course.ErrIntegrityViolation):
		return FailIntegrity, true
	case errors.Is(err, course.ErrStorageUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return "", false
	default:
		return "", false
	}
}

// courseLocks is a keyed mutex table serializing all writers to a course.
type courseLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// lock acquires the mutex for a course, creating it on first use, and
// returns the unlock function.
func (c *courseLocks) lock(courseID string) func() {
	c.mu.Lock()
	if c.locks == nil {
		c.locks = make(map[string]*sync.Mutex)
	}
	m, ok := c.locks[courseID]
	if !ok {
		m = &sync.Mutex{}
		c.locks[courseID] = m
	}
	c.mu.Unlock()

	m.Lock()
	return m.Unlock
}
