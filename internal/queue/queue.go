package queue

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Common errors
var (
	ErrClosed         = errors.New("delay queue is closed")
	ErrDuplicateToken = errors.New("task with this token is already queued")
)

// Task is one scheduled unit of dispatch work. The continuation token ties
// every reschedule of the same logical task together: the dispatcher completes
// or reschedules a task by token, so a stale consumer holding a reaped token
// cannot double-complete it.
type Task struct {
	Token     string    `json:"token"`
	RecordID  string    `json:"record_id"`
	AccountID string    `json:"account_id"`
	DueAt     time.Time `json:"due_at"`
}

// Stats is a point-in-time snapshot of queue state
type Stats struct {
	Pending  int       `json:"pending"`
	InFlight int       `json:"in_flight"`
	NextDue  time.Time `json:"next_due,omitempty"`
}

// entry is a heap element for a pending task
type entry struct {
	task  Task
	seq   uint64 // enqueue order, tie-break within a due time
	index int
}

// taskHeap orders entries by due time, then enqueue order
type taskHeap []*entry

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if !h[i].task.DueAt.Equal(h[j].task.DueAt) {
		return h[i].task.DueAt.Before(h[j].task.DueAt)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// lease tracks a dequeued-but-unacknowledged task
type lease struct {
	task     Task
	deadline time.Time
}

// DelayQueue holds tasks invisible to consumers until their due time. A
// dequeued task is leased, not removed: if the consumer never acks within the
// lease timeout the task returns to the queue, which is what makes delivery
// at-least-once when a worker dies mid-task.
type DelayQueue struct {
	mu           sync.Mutex
	pending      taskHeap
	byToken      map[string]*entry
	inflight     map[string]lease
	leaseTimeout time.Duration
	seq          uint64
	wake         chan struct{}
	stopCh       chan struct{}
	stopOnce     sync.Once
	logger       *slog.Logger
	now          func() time.Time
}

// DefaultLeaseTimeout is how long a dequeued task stays invisible before the
// reaper hands it to another consumer.
const DefaultLeaseTimeout = 2 * time.Minute

// NewDelayQueue creates a delay queue. A non-positive leaseTimeout falls back
// to DefaultLeaseTimeout.
func NewDelayQueue(leaseTimeout time.Duration) *DelayQueue {
	if leaseTimeout <= 0 {
		leaseTimeout = DefaultLeaseTimeout
	}

	q := &DelayQueue{
		byToken:      make(map[string]*entry),
		inflight:     make(map[string]lease),
		leaseTimeout: leaseTimeout,
		wake:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		logger:       slog.Default().With("component", "delay-queue"),
		now:          time.Now,
	}

	go q.reaperLoop()

	return q
}

// SetClock replaces the queue's clock, for tests
func (q *DelayQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Close stops the reaper and unblocks waiting consumers
func (q *DelayQueue) Close() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
	})
}

// Enqueue admits a task. A due time in the past is normalized to now. An empty
// token gets a fresh one; the assigned token is returned. Enqueueing a token
// that is already pending or in flight is an error, which is what keeps at
// most one outstanding task per record.
func (q *DelayQueue) Enqueue(task Task) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case <-q.stopCh:
		return "", ErrClosed
	default:
	}

	if task.Token == "" {
		task.Token = uuid.New().String()
	}
	if _, exists := q.byToken[task.Token]; exists {
		return "", ErrDuplicateToken
	}
	if _, exists := q.inflight[task.Token]; exists {
		return "", ErrDuplicateToken
	}

	now := q.now()
	if task.DueAt.Before(now) {
		task.DueAt = now
	}

	q.push(task)
	q.signal()
	return task.Token, nil
}

// Dequeue blocks until the earliest-due task is due, then leases it to the
// caller. The caller must Ack, Reschedule, or let the lease expire.
func (q *DelayQueue) Dequeue(ctx context.Context) (Task, error) {
	for {
		q.mu.Lock()
		q.reapExpired()

		now := q.now()
		if len(q.pending) > 0 && !q.pending[0].task.DueAt.After(now) {
			e := heap.Pop(&q.pending).(*entry)
			delete(q.byToken, e.task.Token)
			q.inflight[e.task.Token] = lease{
				task:     e.task,
				deadline: now.Add(q.leaseTimeout),
			}
			q.mu.Unlock()
			return e.task, nil
		}

		wait := q.nextWake(now)
		q.mu.Unlock()

		var timer *time.Timer
		var timerCh <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timerCh = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return Task{}, ctx.Err()
		case <-q.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return Task{}, ErrClosed
		case <-q.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-timerCh:
		}
	}
}

// Ack completes a leased task. Acking an unknown token is a no-op: the lease
// may have been reaped or the task revoked while the consumer was working.
func (q *DelayQueue) Ack(token string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, token)
}

// Reschedule atomically moves a leased task back to pending with a new due
// time. A task still pending has its due time replaced. An unknown token is a
// silent no-op (the task was revoked out from under the consumer).
func (q *DelayQueue) Reschedule(token string, newDueAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if l, ok := q.inflight[token]; ok {
		delete(q.inflight, token)
		task := l.task
		task.DueAt = newDueAt
		q.push(task)
		q.signal()
		return
	}

	if e, ok := q.byToken[token]; ok {
		e.task.DueAt = newDueAt
		heap.Fix(&q.pending, e.index)
		q.signal()
	}
}

// Revoke removes a pending task from the queue. It reports whether anything
// was removed. A task already leased to a consumer is left alone and Revoke
// returns false: the consumer owns its outcome and will Ack or Reschedule it.
func (q *DelayQueue) Revoke(token string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.byToken[token]; ok {
		heap.Remove(&q.pending, e.index)
		delete(q.byToken, token)
		return true
	}
	return false
}

// Stats returns a snapshot of queue state
func (q *DelayQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{
		Pending:  len(q.pending),
		InFlight: len(q.inflight),
	}
	if len(q.pending) > 0 {
		stats.NextDue = q.pending[0].task.DueAt
	}
	return stats
}

// push adds a task to the pending heap. Caller holds the mutex.
func (q *DelayQueue) push(task Task) {
	q.seq++
	e := &entry{task: task, seq: q.seq}
	heap.Push(&q.pending, e)
	q.byToken[task.Token] = e
}

// signal wakes one blocked consumer. Caller holds the mutex.
func (q *DelayQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// reapExpired returns expired leases to the pending heap, due immediately.
// Caller holds the mutex.
func (q *DelayQueue) reapExpired() {
	now := q.now()
	for token, l := range q.inflight {
		if l.deadline.After(now) {
			continue
		}
		delete(q.inflight, token)
		task := l.task
		task.DueAt = now
		q.push(task)
		q.logger.Warn("lease expired, task returned to queue",
			"token", token,
			"record_id", task.RecordID)
	}
}

// nextWake computes how long a consumer may sleep before something can become
// due: the earliest pending due time or the earliest lease deadline. Zero
// means sleep until signaled. Caller holds the mutex.
func (q *DelayQueue) nextWake(now time.Time) time.Duration {
	var next time.Time
	if len(q.pending) > 0 {
		next = q.pending[0].task.DueAt
	}
	for _, l := range q.inflight {
		if next.IsZero() || l.deadline.Before(next) {
			next = l.deadline
		}
	}
	if next.IsZero() {
		return 0
	}

	wait := next.Sub(now)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

// reaperLoop periodically reclaims expired leases so tasks do not wait for
// the next Dequeue call to become visible again.
func (q *DelayQueue) reaperLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.mu.Lock()
			before := len(q.pending)
			q.reapExpired()
			reaped := len(q.pending) > before
			if reaped {
				q.signal()
			}
			q.mu.Unlock()
		}
	}
}
