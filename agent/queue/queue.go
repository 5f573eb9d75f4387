// Package queue implements the device-side print queue: a bounded priority
// queue with FIFO tie-breaking, a crash-safe JSON journal, and the single
// worker goroutine that owns the printer.
package queue

import (
	"container/heap"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Baanaaana/labelberry/common/protocol"
)

// ErrQueueFull is returned when the queue is at capacity.
var ErrQueueFull = errors.New("queue full")

// DefaultCapacity bounds the local queue when the config does not override it.
const DefaultCapacity = 100

// Job is a queued print job as the device sees it.
type Job struct {
	ID         string           `json:"id"`
	Payload    protocol.Payload `json:"payload"`
	Priority   int              `json:"priority"`
	Source     protocol.Source  `json:"source"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
	Attempt    int              `json:"attempt"`
	// Recovered marks a job restored from the journal mid-print. It gets
	// exactly one more attempt before failing as unrecoverable.
	Recovered bool `json:"recovered,omitempty"`

	seq uint64
}

type item struct {
	job   *Job
	index int
}

// Queue is the bounded priority queue. Higher priority dequeues first; equal
// priorities dequeue in arrival order. All methods are safe for concurrent
// use.
type Queue struct {
	mu       sync.Mutex
	heap     queueHeap
	byID     map[string]*item
	inFlight *Job
	capacity int
	nextSeq  uint64
	notify   chan struct{}
}

// New returns an empty queue. capacity <= 0 selects DefaultCapacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		byID:     make(map[string]*item),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Enqueue adds a job and returns its 1-based queue position. Re-enqueueing a
// job id already pending or in flight is idempotent and returns the existing
// position without consuming capacity.
func (q *Queue) Enqueue(job *Job) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inFlight != nil && q.inFlight.ID == job.ID {
		return 1, nil
	}
	if existing, ok := q.byID[job.ID]; ok {
		return q.positionLocked(existing), nil
	}
	if len(q.heap) >= q.capacity {
		return 0, ErrQueueFull
	}

	if job.Priority == 0 {
		job.Priority = protocol.DefaultPriority
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	q.nextSeq++
	job.seq = q.nextSeq

	it := &item{job: job}
	heap.Push(&q.heap, it)
	q.byID[job.ID] = it
	q.wake()
	return q.positionLocked(it), nil
}

// Dequeue pops the highest-priority job and marks it in flight, or returns
// nil when the queue is empty.
func (q *Queue) Dequeue() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}
	it := heap.Pop(&q.heap).(*item)
	delete(q.byID, it.job.ID)
	q.inFlight = it.job
	return it.job
}

// Finish clears the in-flight slot after the worker resolved the job.
func (q *Queue) Finish(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight != nil && q.inFlight.ID == jobID {
		q.inFlight = nil
	}
}

// Requeue puts a job restored from the journal back at the head of the line.
func (q *Queue) Requeue(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byID[job.ID]; ok {
		return
	}
	q.nextSeq++
	job.seq = q.nextSeq
	it := &item{job: job}
	heap.Push(&q.heap, it)
	q.byID[job.ID] = it
	q.wake()
}

// Cancel removes a pending job. An in-flight job cannot be cancelled: the
// single printer write is not abortable, so cancellation is best-effort and
// the job resolves with whatever the printer reports.
func (q *Queue) Cancel(jobID string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[jobID]
	if !ok {
		return nil, false
	}
	heap.Remove(&q.heap, it.index)
	delete(q.byID, jobID)
	return it.job, true
}

// Size returns the number of pending jobs, excluding any in-flight job.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Depth returns pending plus in-flight, which is what heartbeats report.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.heap)
	if q.inFlight != nil {
		n++
	}
	return n
}

// InFlight returns the job currently at the printer, if any.
func (q *Queue) InFlight() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// Snapshot returns the pending jobs plus the in-flight job, for journaling.
// Pending jobs are returned in dequeue order.
func (q *Queue) Snapshot() (pending []*Job, inFlight *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending = make([]*Job, 0, len(q.heap))
	for _, it := range q.heap {
		pending = append(pending, it.job)
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].seq < pending[j].seq
	})
	return pending, q.inFlight
}

// Notify returns a channel that receives a token whenever work arrives.
func (q *Queue) Notify() <-chan struct{} { return q.notify }

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// positionLocked computes a job's 1-based dequeue position.
func (q *Queue) positionLocked(target *item) int {
	pos := 1
	if q.inFlight != nil {
		pos++
	}
	for _, it := range q.heap {
		if it == target {
			continue
		}
		if it.job.Priority > target.job.Priority ||
			(it.job.Priority == target.job.Priority && it.job.seq < target.job.seq) {
			pos++
		}
	}
	return pos
}

// queueHeap orders by priority descending, then by arrival sequence.
type queueHeap []*item

func (h queueHeap) Len() int { return len(h) }

func (h queueHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].job.seq < h[j].job.seq
}

func (h queueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *queueHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *queueHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
