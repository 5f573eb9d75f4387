package queue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Baanaaana/labelberry/agent/printer"
	"github.com/Baanaaana/labelberry/common/logger"
	"github.com/Baanaaana/labelberry/common/protocol"
)

// fakeDriver replays a scripted sequence of results, then returns OK. Probe
// sends (nil payload) consume script entries like real sends do.
type fakeDriver struct {
	mu     sync.Mutex
	script []printer.Result
	sent   [][]byte
	calls  int
}

func (d *fakeDriver) Send(zpl []byte) printer.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if zpl != nil {
		d.sent = append(d.sent, zpl)
	}
	if len(d.script) > 0 {
		res := d.script[0]
		d.script = d.script[1:]
		return res
	}
	return printer.Result{Code: printer.OK}
}

func (d *fakeDriver) Describe() string { return "fake" }
func (d *fakeDriver) Close() error     { return nil }

func (d *fakeDriver) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:      time.Millisecond,
		MaxInterval:          5 * time.Millisecond,
		RetryWindow:          24 * time.Hour,
		BusyInterval:         time.Millisecond,
		BusyPromoteAfter:     50 * time.Millisecond,
		NotPresentProbes:     2,
		NotPresentProbeDelay: time.Millisecond,
		FetchTimeout:         2 * time.Second,
		MaxPayloadBytes:      1 << 20,
	}
}

type workerFixture struct {
	queue  *Queue
	worker *Worker
	driver *fakeDriver
	events chan protocol.Lifecycle
}

func newWorkerFixture(t *testing.T, driver *fakeDriver, policy RetryPolicy) *workerFixture {
	t.Helper()

	q := New(10)
	log := logger.New(logger.ERROR, "", "worker-test", 10)
	t.Cleanup(func() { log.Close() })

	w := NewWorker(q, nil, driver, policy, log)
	events := make(chan protocol.Lifecycle, 32)
	w.Emit = func(ev protocol.Lifecycle) { events <- ev }

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)

	return &workerFixture{queue: q, worker: w, driver: driver, events: events}
}

func (f *workerFixture) nextEvent(t *testing.T) protocol.Lifecycle {
	t.Helper()
	select {
	case ev := <-f.events:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for lifecycle event")
		return protocol.Lifecycle{}
	}
}

func TestWorkerCompletesJob(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t, &fakeDriver{}, fastPolicy())

	f.queue.Enqueue(testJob("job-1", 5))

	ev := f.nextEvent(t)
	if ev.State != protocol.StateProcessing || ev.JobID != "job-1" {
		t.Fatalf("first event: %+v", ev)
	}
	ev = f.nextEvent(t)
	if ev.State != protocol.StateCompleted || ev.Attempt != 1 {
		t.Fatalf("second event: %+v", ev)
	}

	f.driver.mu.Lock()
	defer f.driver.mu.Unlock()
	if len(f.driver.sent) != 1 || string(f.driver.sent[0]) != "^XA^XZ" {
		t.Errorf("sent payloads: %q", f.driver.sent)
	}
}

func TestWorkerRetriesIOErrors(t *testing.T) {
	t.Parallel()
	driver := &fakeDriver{script: []printer.Result{
		{Code: printer.IOError, Detail: "write: broken pipe"},
		{Code: printer.IOError, Detail: "write: broken pipe"},
	}}
	f := newWorkerFixture(t, driver, fastPolicy())

	f.queue.Enqueue(testJob("job-1", 5))

	if ev := f.nextEvent(t); ev.State != protocol.StateProcessing {
		t.Fatalf("first event: %+v", ev)
	}
	ev := f.nextEvent(t)
	if ev.State != protocol.StateCompleted {
		t.Fatalf("terminal event: %+v", ev)
	}
	if ev.Attempt != 3 {
		t.Errorf("attempts: %d, want 3", ev.Attempt)
	}
}

func TestWorkerPrinterNotPresent(t *testing.T) {
	t.Parallel()
	// initial send plus both probes report no printer
	driver := &fakeDriver{script: []printer.Result{
		{Code: printer.NotPresent, Detail: "no printer device found"},
		{Code: printer.NotPresent},
		{Code: printer.NotPresent},
	}}
	f := newWorkerFixture(t, driver, fastPolicy())

	f.queue.Enqueue(testJob("job-1", 5))

	if ev := f.nextEvent(t); ev.State != protocol.StateProcessing {
		t.Fatalf("first event: %+v", ev)
	}
	ev := f.nextEvent(t)
	if ev.State != protocol.StateFailed {
		t.Fatalf("terminal event: %+v", ev)
	}
	if ev.Error == nil || ev.Error.Kind != protocol.ErrPrinterNotPresent {
		t.Errorf("error: %+v", ev.Error)
	}
	if got := driver.callCount(); got != 3 {
		t.Errorf("driver calls: %d, want 3", got)
	}
}

func TestWorkerPrinterReappearsDuringProbe(t *testing.T) {
	t.Parallel()
	driver := &fakeDriver{script: []printer.Result{
		{Code: printer.NotPresent},
		{Code: printer.OK}, // probe finds the printer again
	}}
	f := newWorkerFixture(t, driver, fastPolicy())

	f.queue.Enqueue(testJob("job-1", 5))

	if ev := f.nextEvent(t); ev.State != protocol.StateProcessing {
		t.Fatalf("first event: %+v", ev)
	}
	if ev := f.nextEvent(t); ev.State != protocol.StateCompleted {
		t.Fatalf("terminal event: %+v", ev)
	}
}

func TestWorkerBusyRetriesThenCompletes(t *testing.T) {
	t.Parallel()
	driver := &fakeDriver{script: []printer.Result{
		{Code: printer.Busy},
		{Code: printer.Busy},
	}}
	f := newWorkerFixture(t, driver, fastPolicy())

	f.queue.Enqueue(testJob("job-1", 5))

	if ev := f.nextEvent(t); ev.State != protocol.StateProcessing {
		t.Fatalf("first event: %+v", ev)
	}
	if ev := f.nextEvent(t); ev.State != protocol.StateCompleted {
		t.Fatalf("terminal event: %+v", ev)
	}
}

func TestWorkerSustainedBusyPromotedToIOPath(t *testing.T) {
	t.Parallel()
	policy := fastPolicy()
	policy.BusyPromoteAfter = 0 // promote on the first busy
	driver := &fakeDriver{script: []printer.Result{
		{Code: printer.Busy, Detail: "interface claimed"},
	}}
	f := newWorkerFixture(t, driver, policy)

	f.queue.Enqueue(testJob("job-1", 5))

	if ev := f.nextEvent(t); ev.State != protocol.StateProcessing {
		t.Fatalf("first event: %+v", ev)
	}
	ev := f.nextEvent(t)
	if ev.State != protocol.StateCompleted {
		t.Fatalf("terminal event: %+v", ev)
	}
	if ev.Attempt != 2 {
		t.Errorf("attempts: %d, want 2", ev.Attempt)
	}
}

func TestWorkerCrashRecoverySingleAttempt(t *testing.T) {
	t.Parallel()
	driver := &fakeDriver{script: []printer.Result{
		{Code: printer.IOError, Detail: "write: input/output error"},
	}}
	f := newWorkerFixture(t, driver, fastPolicy())

	job := testJob("job-1", 5)
	job.Recovered = true
	f.queue.Enqueue(job)

	if ev := f.nextEvent(t); ev.State != protocol.StateProcessing {
		t.Fatalf("first event: %+v", ev)
	}
	ev := f.nextEvent(t)
	if ev.State != protocol.StateFailed {
		t.Fatalf("terminal event: %+v", ev)
	}
	if ev.Error == nil || ev.Error.Kind != protocol.ErrCrashRecovery {
		t.Errorf("error: %+v", ev.Error)
	}
	if ev.Attempt != 1 {
		t.Errorf("attempts: %d, want 1", ev.Attempt)
	}
}

func TestWorkerRecoveredJobCanStillComplete(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t, &fakeDriver{}, fastPolicy())

	job := testJob("job-1", 5)
	job.Recovered = true
	f.queue.Enqueue(job)

	if ev := f.nextEvent(t); ev.State != protocol.StateProcessing {
		t.Fatalf("first event: %+v", ev)
	}
	if ev := f.nextEvent(t); ev.State != protocol.StateCompleted {
		t.Fatalf("terminal event: %+v", ev)
	}
}

func TestWorkerExpiresStaleJob(t *testing.T) {
	t.Parallel()
	driver := &fakeDriver{}
	f := newWorkerFixture(t, driver, fastPolicy())

	job := testJob("job-1", 5)
	job.EnqueuedAt = time.Now().UTC().Add(-25 * time.Hour)
	f.queue.Enqueue(job)

	ev := f.nextEvent(t)
	if ev.State != protocol.StateExpired {
		t.Fatalf("event: %+v", ev)
	}
	if ev.Error == nil || ev.Error.Kind != protocol.ErrExpired {
		t.Errorf("error: %+v", ev.Error)
	}
	if got := driver.callCount(); got != 0 {
		t.Errorf("expired job must not reach the printer: %d calls", got)
	}
}

func TestWorkerFetchesURLPayload(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("^XA^FDfetched^XZ"))
	}))
	t.Cleanup(server.Close)

	driver := &fakeDriver{}
	f := newWorkerFixture(t, driver, fastPolicy())

	job := &Job{ID: "job-url", Payload: protocol.Payload{URL: server.URL + "/label.zpl"}, Priority: 5}
	f.queue.Enqueue(job)

	if ev := f.nextEvent(t); ev.State != protocol.StateProcessing {
		t.Fatalf("first event: %+v", ev)
	}
	if ev := f.nextEvent(t); ev.State != protocol.StateCompleted {
		t.Fatalf("terminal event: %+v", ev)
	}

	driver.mu.Lock()
	defer driver.mu.Unlock()
	if len(driver.sent) != 1 || string(driver.sent[0]) != "^XA^FDfetched^XZ" {
		t.Errorf("sent payloads: %q", driver.sent)
	}
}

func TestWorkerFetchFailure(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	driver := &fakeDriver{}
	f := newWorkerFixture(t, driver, fastPolicy())

	job := &Job{ID: "job-url", Payload: protocol.Payload{URL: server.URL + "/missing.zpl"}, Priority: 5}
	f.queue.Enqueue(job)

	if ev := f.nextEvent(t); ev.State != protocol.StateProcessing {
		t.Fatalf("first event: %+v", ev)
	}
	ev := f.nextEvent(t)
	if ev.State != protocol.StateFailed {
		t.Fatalf("terminal event: %+v", ev)
	}
	if ev.Error == nil || ev.Error.Kind != protocol.ErrZPLFetchFailed {
		t.Errorf("error: %+v", ev.Error)
	}
	if got := driver.callCount(); got != 0 {
		t.Errorf("failed fetch must not reach the printer: %d calls", got)
	}
}

func TestWorkerCancelPendingJob(t *testing.T) {
	t.Parallel()
	// keep the worker occupied so the second job stays pending
	driver := &fakeDriver{script: []printer.Result{
		{Code: printer.Busy},
		{Code: printer.Busy},
		{Code: printer.Busy},
	}}
	f := newWorkerFixture(t, driver, fastPolicy())

	f.queue.Enqueue(testJob("job-busy", 9))
	f.queue.Enqueue(testJob("job-pending", 1))

	if ev := f.nextEvent(t); ev.State != protocol.StateProcessing || ev.JobID != "job-busy" {
		t.Fatalf("first event: %+v", ev)
	}

	if !f.worker.Cancel("job-pending") {
		t.Fatal("cancel of pending job should succeed")
	}

	// cancelled event for the pending job arrives before job-busy resolves
	// or after, depending on timing; collect until we see it
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-f.events:
			if ev.JobID == "job-pending" {
				if ev.State != protocol.StateCancelled {
					t.Fatalf("pending job event: %+v", ev)
				}
				return
			}
		case <-deadline:
			t.Fatal("no cancelled event for pending job")
		}
	}
}

func TestWorkerTracksLastError(t *testing.T) {
	t.Parallel()
	driver := &fakeDriver{script: []printer.Result{
		{Code: printer.NotPresent},
		{Code: printer.NotPresent},
		{Code: printer.NotPresent},
	}}
	f := newWorkerFixture(t, driver, fastPolicy())

	f.queue.Enqueue(testJob("job-1", 5))
	f.nextEvent(t) // processing
	f.nextEvent(t) // failed

	if f.worker.LastError() == "" {
		t.Error("last error should be recorded after a failure")
	}

	completed, failed := f.worker.Stats()
	if completed != 0 || failed != 1 {
		t.Errorf("stats: completed=%d failed=%d", completed, failed)
	}
}
