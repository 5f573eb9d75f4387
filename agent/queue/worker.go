package queue

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Baanaaana/labelberry/agent/printer"
	"github.com/Baanaaana/labelberry/common/logger"
	"github.com/Baanaaana/labelberry/common/protocol"
)

// RetryPolicy tunes how the worker handles printer failures.
type RetryPolicy struct {
	// InitialInterval seeds the exponential backoff between I/O retries.
	InitialInterval time.Duration
	// MaxInterval caps the backoff.
	MaxInterval time.Duration
	// RetryWindow bounds how long a job may keep retrying, measured from
	// enqueue. A job past the window resolves as expired.
	RetryWindow time.Duration
	// BusyInterval is the flat delay between retries while the printer
	// reports busy.
	BusyInterval time.Duration
	// BusyPromoteAfter converts sustained busy into the I/O retry path.
	BusyPromoteAfter time.Duration
	// NotPresentProbes is how many quick re-probes a missing printer gets
	// before the job fails. Probes do not consume the retry window.
	NotPresentProbes int
	// NotPresentProbeDelay is the pause between those probes.
	NotPresentProbeDelay time.Duration
	// FetchTimeout bounds each zpl_url download.
	FetchTimeout time.Duration
	// MaxPayloadBytes bounds a fetched payload.
	MaxPayloadBytes int64
}

// DefaultRetryPolicy matches the documented agent behavior: roughly five
// second initial backoff capped at a few minutes, inside a 24 hour window.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:      5 * time.Second,
		MaxInterval:          3 * time.Minute,
		RetryWindow:          24 * time.Hour,
		BusyInterval:         2 * time.Second,
		BusyPromoteAfter:     30 * time.Second,
		NotPresentProbes:     3,
		NotPresentProbeDelay: 500 * time.Millisecond,
		FetchTimeout:         30 * time.Second,
		MaxPayloadBytes:      4 << 20,
	}
}

// Worker drains the queue into the printer. It is the only code path that
// touches the driver, which serializes access to the single USB device.
type Worker struct {
	queue   *Queue
	journal *Journal
	driver  printer.Driver
	policy  RetryPolicy
	log     *logger.Logger
	fetch   *http.Client

	// Emit publishes a lifecycle event upstream. Events for one job are
	// emitted in state-machine order from this single goroutine.
	Emit func(protocol.Lifecycle)

	mu           sync.Mutex
	cancelled    map[string]bool
	lastError    string
	completed    uint64
	failed       uint64
	currentJobID string
	startedAt    time.Time
}

// NewWorker wires the worker. Emit may be set after construction but before
// Run.
func NewWorker(q *Queue, j *Journal, d printer.Driver, policy RetryPolicy, log *logger.Logger) *Worker {
	if policy.RetryWindow <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &Worker{
		queue:     q,
		journal:   j,
		driver:    d,
		policy:    policy,
		log:       log,
		fetch:     &http.Client{Timeout: policy.FetchTimeout},
		cancelled: make(map[string]bool),
		startedAt: time.Now(),
	}
}

// Cancel requests cancellation. Pending jobs are removed outright; a job that
// is already at the printer is only abandoned between retry attempts, since a
// bulk write in progress cannot be recalled.
func (w *Worker) Cancel(jobID string) bool {
	if _, ok := w.queue.Cancel(jobID); ok {
		w.persist()
		w.emit(protocol.Lifecycle{
			JobID: jobID,
			State: protocol.StateCancelled,
			At:    time.Now().UTC(),
			Error: &protocol.WireError{Kind: protocol.ErrCancelled},
		})
		return true
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentJobID == jobID {
		w.cancelled[jobID] = true
		return true
	}
	return false
}

// LastError returns the most recent terminal failure, for heartbeats.
func (w *Worker) LastError() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastError
}

// Uptime reports how long the worker has been running.
func (w *Worker) Uptime() time.Duration { return time.Since(w.startedAt) }

// Stats returns completed and failed counters since startup.
func (w *Worker) Stats() (completed, failed uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.completed, w.failed
}

// Run drains the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		job := w.queue.Dequeue()
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-w.queue.Notify():
				continue
			}
		}

		w.persist()
		w.process(ctx, job)
		w.queue.Finish(job.ID)
		w.persist()

		if ctx.Err() != nil {
			return
		}
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	w.setCurrent(job.ID)
	defer w.setCurrent("")

	now := time.Now().UTC()
	if w.expired(job, now) {
		w.resolveExpired(job)
		return
	}

	w.emit(protocol.Lifecycle{
		JobID:   job.ID,
		State:   protocol.StateProcessing,
		At:      now,
		Attempt: job.Attempt + 1,
	})

	zpl, fetchErr := w.resolvePayload(ctx, job)
	if fetchErr != nil {
		w.resolveFailed(job, &protocol.WireError{Kind: protocol.ErrZPLFetchFailed, Detail: fetchErr.Error()})
		return
	}

	w.sendWithRetry(ctx, job, zpl)
}

// sendWithRetry drives the printer until the job resolves. Busy results get a
// flat short delay and are promoted to the I/O path when they persist;
// not-present gets a handful of immediate probes and then fails without
// burning the 24 hour window on a printer that is simply unplugged.
func (w *Worker) sendWithRetry(ctx context.Context, job *Job, zpl []byte) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.policy.InitialInterval
	bo.MaxInterval = w.policy.MaxInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	busySince := time.Time{}

	for {
		if w.isCancelled(job.ID) {
			w.resolveCancelled(job)
			return
		}
		if w.expired(job, time.Now().UTC()) {
			w.resolveExpired(job)
			return
		}

		job.Attempt++
		res := w.driver.Send(zpl)

		switch res.Code {
		case printer.OK:
			w.resolveCompleted(job)
			return

		case printer.NotPresent:
			if !w.probePresence(ctx, &res) {
				w.resolveFailed(job, &protocol.WireError{Kind: protocol.ErrPrinterNotPresent, Detail: res.Detail})
				return
			}
			// probe found the printer again; fall through to retry
			continue

		case printer.Busy:
			if busySince.IsZero() {
				busySince = time.Now()
			}
			if time.Since(busySince) < w.policy.BusyPromoteAfter {
				w.log.Debug("printer busy, retrying", "job_id", job.ID, "delay", w.policy.BusyInterval)
				if !sleepCtx(ctx, w.policy.BusyInterval) {
					return
				}
				continue
			}
			// sustained busy behaves like an I/O failure from here on
			res.Code = printer.IOError
			fallthrough

		case printer.IOError:
			if job.Recovered {
				w.resolveFailed(job, &protocol.WireError{
					Kind:   protocol.ErrCrashRecovery,
					Detail: fmt.Sprintf("restored job failed its recovery attempt: %s", res.Detail),
				})
				return
			}
			delay := bo.NextBackOff()
			w.log.Warn("print attempt failed, retrying",
				"job_id", job.ID, "attempt", job.Attempt, "detail", res.Detail, "delay", delay)
			if !sleepCtx(ctx, delay) {
				return
			}
		}
	}
}

// probePresence re-probes a missing printer a few times with an empty write,
// which exercises the open/claim path without feeding the printer any data.
// Returns true when the printer reappeared.
func (w *Worker) probePresence(ctx context.Context, last *printer.Result) bool {
	for i := 0; i < w.policy.NotPresentProbes; i++ {
		if !sleepCtx(ctx, w.policy.NotPresentProbeDelay) {
			return false
		}
		res := w.driver.Send(nil)
		if res.Code != printer.NotPresent {
			return true
		}
		*last = res
	}
	return false
}

func (w *Worker) resolvePayload(ctx context.Context, job *Job) ([]byte, error) {
	switch job.Payload.Kind() {
	case "inline":
		return []byte(job.Payload.Inline), nil
	case "url":
		return w.fetchURL(ctx, job.Payload.URL)
	case "file":
		data, err := readLocalFile(job.Payload.FileRef, w.policy.MaxPayloadBytes)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", job.Payload.FileRef, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("job %s carries no payload", job.ID)
}

func (w *Worker) fetchURL(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := w.fetch.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, w.policy.MaxPayloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > w.policy.MaxPayloadBytes {
		return nil, fmt.Errorf("payload exceeds %d bytes", w.policy.MaxPayloadBytes)
	}
	return data, nil
}

func (w *Worker) resolveCompleted(job *Job) {
	w.mu.Lock()
	w.completed++
	w.lastError = ""
	w.mu.Unlock()
	w.emit(protocol.Lifecycle{
		JobID:   job.ID,
		State:   protocol.StateCompleted,
		At:      time.Now().UTC(),
		Attempt: job.Attempt,
	})
}

func (w *Worker) resolveFailed(job *Job, werr *protocol.WireError) {
	w.mu.Lock()
	w.failed++
	w.lastError = werr.Error()
	w.mu.Unlock()
	w.log.Error("job failed", "job_id", job.ID, "error", werr.Error())
	w.emit(protocol.Lifecycle{
		JobID:   job.ID,
		State:   protocol.StateFailed,
		At:      time.Now().UTC(),
		Attempt: job.Attempt,
		Error:   werr,
	})
}

func (w *Worker) resolveExpired(job *Job) {
	w.mu.Lock()
	w.failed++
	w.lastError = "job expired after exhausting its retry window"
	w.mu.Unlock()
	w.emit(protocol.Lifecycle{
		JobID:   job.ID,
		State:   protocol.StateExpired,
		At:      time.Now().UTC(),
		Attempt: job.Attempt,
		Error:   &protocol.WireError{Kind: protocol.ErrExpired, Detail: "retry window exhausted"},
	})
}

func (w *Worker) resolveCancelled(job *Job) {
	w.mu.Lock()
	delete(w.cancelled, job.ID)
	w.mu.Unlock()
	w.emit(protocol.Lifecycle{
		JobID:   job.ID,
		State:   protocol.StateCancelled,
		At:      time.Now().UTC(),
		Attempt: job.Attempt,
		Error:   &protocol.WireError{Kind: protocol.ErrCancelled},
	})
}

func (w *Worker) expired(job *Job, now time.Time) bool {
	return now.Sub(job.EnqueuedAt) > w.policy.RetryWindow
}

func (w *Worker) isCancelled(jobID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelled[jobID]
}

func (w *Worker) setCurrent(jobID string) {
	w.mu.Lock()
	w.currentJobID = jobID
	w.mu.Unlock()
}

func (w *Worker) emit(ev protocol.Lifecycle) {
	if w.Emit != nil {
		w.Emit(ev)
	}
}

func (w *Worker) persist() {
	if w.journal == nil {
		return
	}
	if err := w.journal.Persist(w.queue); err != nil {
		w.log.Warn("journal persist failed", "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func readLocalFile(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("payload exceeds %d bytes", limit)
	}
	return data, nil
}
