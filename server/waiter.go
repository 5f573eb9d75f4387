package main

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Baanaaana/labelberry/common/protocol"
)

// WaitOutcome is how a waiter resolved.
type WaitOutcome struct {
	JobID    string
	State    protocol.JobState
	Err      *protocol.WireError
	TimedOut bool
}

// waiter is a pending synchronous HTTP caller keyed by job id.
type waiter struct {
	jobID    string
	deadline time.Time
	extended bool
	ch       chan WaitOutcome
	index    int // heap position, -1 when removed
}

// WaitHandle is returned to the HTTP handler for one registered waiter.
type WaitHandle struct {
	engine *WaitEngine
	jobID  string
	ch     chan WaitOutcome
}

// Wait blocks until the waiter resolves or ctx is done. A ctx cancellation
// (client disconnect) cancels the waiter; the underlying job is unaffected.
func (h *WaitHandle) Wait(ctx context.Context) (WaitOutcome, error) {
	select {
	case out := <-h.ch:
		return out, nil
	case <-ctx.Done():
		h.engine.Cancel(h.jobID)
		return WaitOutcome{}, ctx.Err()
	}
}

// WaitEngine maps in-flight job ids to pending waiters and enforces their
// deadlines with a single watchdog goroutine over a min-heap. Waiters are
// in-memory only and do not survive a restart.
type WaitEngine struct {
	mu        sync.Mutex
	waiters   map[string]*waiter
	heap      waiterHeap
	wake      chan struct{}
	max       int
	extension time.Duration
}

// NewWaitEngine creates a WaitEngine bounded at max concurrent waiters.
// extension is the one-shot deadline extension granted when a job reaches
// processing.
func NewWaitEngine(max int, extension time.Duration) *WaitEngine {
	return &WaitEngine{
		waiters:   make(map[string]*waiter),
		wake:      make(chan struct{}, 1),
		max:       max,
		extension: extension,
	}
}

// Register creates a waiter for a job with an absolute deadline. Returns an
// error when the engine is at capacity or the job already has a waiter.
func (e *WaitEngine) Register(jobID string, deadline time.Time) (*WaitHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.max > 0 && len(e.waiters) >= e.max {
		return nil, fmt.Errorf("waiter capacity %d reached", e.max)
	}
	if _, exists := e.waiters[jobID]; exists {
		return nil, fmt.Errorf("job %s already has a waiter", jobID)
	}

	w := &waiter{
		jobID:    jobID,
		deadline: deadline,
		ch:       make(chan WaitOutcome, 1),
	}
	e.waiters[jobID] = w
	heap.Push(&e.heap, w)
	e.kick()

	return &WaitHandle{engine: e, jobID: jobID, ch: w.ch}, nil
}

// Resolve completes the waiter for a job, if one exists. A waiter resolves at
// most once; later calls for the same job are no-ops.
func (e *WaitEngine) Resolve(jobID string, state protocol.JobState, wireErr *protocol.WireError) {
	e.mu.Lock()
	w := e.remove(jobID)
	e.mu.Unlock()
	if w == nil {
		return
	}
	w.ch <- WaitOutcome{JobID: jobID, State: state, Err: wireErr}
}

// ExtendOnProcessing grants the one-shot deadline extension when the device
// reports the job is processing. Subsequent calls do nothing.
func (e *WaitEngine) ExtendOnProcessing(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.waiters[jobID]
	if !ok || w.extended {
		return
	}
	w.extended = true
	w.deadline = w.deadline.Add(e.extension)
	heap.Fix(&e.heap, w.index)
	e.kick()
}

// Cancel removes a waiter without producing an outcome. Used on client
// disconnect; the job itself continues.
func (e *WaitEngine) Cancel(jobID string) {
	e.mu.Lock()
	w := e.remove(jobID)
	e.mu.Unlock()
	if w != nil {
		logDebug("Waiter cancelled", "job_id", jobID)
	}
}

// Len returns the number of pending waiters.
func (e *WaitEngine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.waiters)
}

// remove detaches a waiter from both the map and the heap. Caller holds e.mu.
func (e *WaitEngine) remove(jobID string) *waiter {
	w, ok := e.waiters[jobID]
	if !ok {
		return nil
	}
	delete(e.waiters, jobID)
	if w.index >= 0 {
		heap.Remove(&e.heap, w.index)
	}
	return w
}

func (e *WaitEngine) kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// RunWatchdog fires timeouts for expired waiters. Timeouts resolve the waiter
// only; the job is not failed, it keeps running device-side.
func (e *WaitEngine) RunWatchdog(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		e.mu.Lock()
		var wait time.Duration
		if e.heap.Len() == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(e.heap[0].deadline)
		}
		e.mu.Unlock()

		if wait <= 0 {
			e.fireExpired()
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		case <-timer.C:
			e.fireExpired()
		}
	}
}

func (e *WaitEngine) fireExpired() {
	now := time.Now()
	for {
		e.mu.Lock()
		if e.heap.Len() == 0 || e.heap[0].deadline.After(now) {
			e.mu.Unlock()
			return
		}
		w := e.heap[0]
		e.remove(w.jobID)
		e.mu.Unlock()

		logDebug("Waiter deadline exceeded", "job_id", w.jobID)
		w.ch <- WaitOutcome{
			JobID:    w.jobID,
			TimedOut: true,
			Err:      &protocol.WireError{Kind: protocol.ErrTimeout, Detail: "waiter deadline exceeded; job continues"},
		}
	}
}

// waiterHeap is a min-heap ordered by deadline.
type waiterHeap []*waiter

func (h waiterHeap) Len() int           { return len(h) }
func (h waiterHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waiterHeap) Push(x interface{}) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *waiterHeap) Pop() interface{} {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}
