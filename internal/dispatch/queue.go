package dispatch

import (
	"container/heap"
	"sync"
)

// taskQueue is a bounded, concurrency-safe priority queue of pending tasks.
// Ordering is (higher priority, earlier submission, lower sequence number);
// Dequeue blocks until a task is available or the queue is closed.
type taskQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	heap   taskHeap
	bound  int
	closed bool
}

func newTaskQueue(bound int) *taskQueue {
	q := &taskQueue{bound: bound}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds a task. Fails with ErrQueueFull at the bound and
// ErrShuttingDown after Close.
func (q *taskQueue) Enqueue(t *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrShuttingDown
	}
	if len(q.heap) >= q.bound {
		return ErrQueueFull
	}

	heap.Push(&q.heap, t)
	q.cond.Signal()
	return nil
}

// Dequeue removes the highest-ranked task, blocking while the queue is
// empty. Returns ok=false once the queue is closed; tasks still queued at
// that point are handed out via Drain, not Dequeue.
func (q *taskQueue) Dequeue() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.heap) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil, false
	}

	t := heap.Pop(&q.heap).(*Task)
	return t, true
}

// Remove extracts a specific task by ID, for cancellation. Returns false
// if the task is not queued.
func (q *taskQueue) Remove(taskID string) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, t := range q.heap {
		if t.ID == taskID {
			removed := heap.Remove(&q.heap, i).(*Task)
			return removed, true
		}
	}
	return nil, false
}

// Close stops intake and wakes all blocked consumers.
func (q *taskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Drain removes and returns every queued task. Used after Close to fail
// the leftovers.
func (q *taskQueue) Drain() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks := make([]*Task, 0, len(q.heap))
	for q.heap.Len() > 0 {
		tasks = append(tasks, heap.Pop(&q.heap).(*Task))
	}
	return tasks
}

// Len reports the number of queued tasks.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// taskHeap implements heap.Interface ordered by (-priority, submitted_at,
// seq).
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	if !h[i].SubmittedAt.Equal(h[j].SubmittedAt) {
		return h[i].SubmittedAt.Before(h[j].SubmittedAt)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
