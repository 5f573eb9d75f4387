package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Baanaaana/labelberry/common/protocol"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testDevice(id string) *Device {
	return &Device{
		ID:          id,
		Name:        "Warehouse " + id,
		SecretHash:  "$2a$10$abcdefghijklmnopqrstuv",
		Model:       "Zebra GK420d",
		PrinterPath: "/dev/usb/lp0",
	}
}

func testJob(id, deviceID string) *Job {
	return &Job{
		ID:            id,
		DeviceID:      deviceID,
		PayloadKind:   "inline",
		PayloadInline: "^XA^FO50,50^FDhi^FS^XZ",
		Priority:      protocol.DefaultPriority,
		Source:        protocol.SourceAPI,
		State:         protocol.StateQueued,
	}
}

func TestDeviceCRUD(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	d := testDevice("pi-001")
	if err := store.CreateDevice(ctx, d); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}

	if err := store.CreateDevice(ctx, testDevice("pi-001")); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate CreateDevice: got %v, want ErrDuplicate", err)
	}

	got, err := store.GetDevice(ctx, "pi-001")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if got.Name != d.Name || got.PrinterPath != d.PrinterPath {
		t.Errorf("GetDevice: got %+v, want %+v", got, d)
	}

	got.Name = "Shipping desk"
	got.SecretHash = ""
	if err := store.UpdateDevice(ctx, got); err != nil {
		t.Fatalf("UpdateDevice: %v", err)
	}
	updated, _ := store.GetDevice(ctx, "pi-001")
	if updated.Name != "Shipping desk" {
		t.Errorf("UpdateDevice name: got %q", updated.Name)
	}
	if updated.SecretHash != d.SecretHash {
		t.Errorf("UpdateDevice must not clear secret hash: got %q", updated.SecretHash)
	}

	now := time.Now().UTC().Truncate(time.Second)
	if err := store.TouchDevice(ctx, "pi-001", now); err != nil {
		t.Fatalf("TouchDevice: %v", err)
	}
	touched, _ := store.GetDevice(ctx, "pi-001")
	if touched.LastSeenAt == nil {
		t.Error("TouchDevice did not set last_seen_at")
	}

	if err := store.DeleteDevice(ctx, "pi-001"); err != nil {
		t.Fatalf("DeleteDevice: %v", err)
	}
	if _, err := store.GetDevice(ctx, "pi-001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDevice after delete: got %v, want ErrNotFound", err)
	}
	if err := store.DeleteDevice(ctx, "pi-001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteDevice twice: got %v, want ErrNotFound", err)
	}
}

func TestJobTransitions(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateJob(ctx, testJob("job-1", "pi-001")); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	steps := []struct {
		to      protocol.JobState
		attempt int
	}{
		{protocol.StateSent, 0},
		{protocol.StateProcessing, 1},
		{protocol.StateCompleted, 1},
	}
	for _, step := range steps {
		res, err := store.TransitionJob(ctx, "job-1", step.to, step.attempt, nil)
		if err != nil {
			t.Fatalf("TransitionJob to %s: %v", step.to, err)
		}
		if !res.Applied {
			t.Fatalf("TransitionJob to %s: not applied", step.to)
		}
	}

	j, err := store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.State != protocol.StateCompleted {
		t.Errorf("state: got %s, want completed", j.State)
	}
	if j.StartedAt == nil || j.CompletedAt == nil {
		t.Errorf("timestamps not set: started=%v completed=%v", j.StartedAt, j.CompletedAt)
	}
	if j.AttemptCount != 1 {
		t.Errorf("attempt_count: got %d, want 1", j.AttemptCount)
	}

	// completed is terminal and immutable
	if _, err := store.TransitionJob(ctx, "job-1", protocol.StateFailed, 2, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("transition from terminal: got %v, want ErrInvalidTransition", err)
	}
}

func TestJobTransitionRejectsBackTransition(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateJob(ctx, testJob("job-2", "pi-001")); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := store.TransitionJob(ctx, "job-2", protocol.StateSent, 0, nil); err != nil {
		t.Fatalf("to sent: %v", err)
	}
	if _, err := store.TransitionJob(ctx, "job-2", protocol.StateQueued, 0, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("back-transition: got %v, want ErrInvalidTransition", err)
	}
}

func TestJobTransitionRecordsError(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateJob(ctx, testJob("job-3", "pi-001")); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	wireErr := &protocol.WireError{Kind: protocol.ErrPrinterNotPresent, Detail: "no usb device"}
	if _, err := store.TransitionJob(ctx, "job-3", protocol.StateSent, 0, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := store.TransitionJob(ctx, "job-3", protocol.StateFailed, 1, wireErr); err != nil {
		t.Fatalf("to failed: %v", err)
	}

	j, _ := store.GetJob(ctx, "job-3")
	if j.ErrorKind != protocol.ErrPrinterNotPresent {
		t.Errorf("error_kind: got %q, want printer_not_present", j.ErrorKind)
	}
	if j.ErrorDetail != "no usb device" {
		t.Errorf("error_detail: got %q", j.ErrorDetail)
	}
}

func TestIdempotencyKeyLookup(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	j := testJob("job-4", "pi-001")
	j.IdempotencyKey = "order-12345"
	if err := store.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := store.GetJobByIdempotencyKey(ctx, "pi-001", "order-12345")
	if err != nil {
		t.Fatalf("GetJobByIdempotencyKey: %v", err)
	}
	if got.ID != "job-4" {
		t.Errorf("got job %s, want job-4", got.ID)
	}

	if _, err := store.GetJobByIdempotencyKey(ctx, "pi-001", "order-other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown key: got %v, want ErrNotFound", err)
	}
	// same key on another device is a distinct namespace
	if _, err := store.GetJobByIdempotencyKey(ctx, "pi-002", "order-12345"); !errors.Is(err, ErrNotFound) {
		t.Errorf("other device: got %v, want ErrNotFound", err)
	}
}

func TestListJobsNewestFirst(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"job-a", "job-b", "job-c"} {
		j := testJob(id, "pi-001")
		j.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}
	other := testJob("job-x", "pi-002")
	other.CreatedAt = base.Add(10 * time.Minute)
	if err := store.CreateJob(ctx, other); err != nil {
		t.Fatal(err)
	}

	jobs, err := store.ListJobs(ctx, JobFilter{DeviceID: "pi-001"})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("got %d jobs, want 3", len(jobs))
	}
	if jobs[0].ID != "job-c" || jobs[2].ID != "job-a" {
		t.Errorf("order: got %s..%s, want job-c..job-a", jobs[0].ID, jobs[2].ID)
	}

	recent, err := store.RecentJobs(ctx, 2)
	if err != nil {
		t.Fatalf("RecentJobs: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "job-x" {
		t.Errorf("recent: got %v", recent)
	}
}

func TestElidePayloads(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	old := testJob("job-old", "pi-001")
	old.CreatedAt = time.Now().UTC().Add(-72 * time.Hour)
	fresh := testJob("job-fresh", "pi-001")
	for _, j := range []*Job{old, fresh} {
		if err := store.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	n, err := store.ElidePayloads(ctx, time.Now().UTC().Add(-48*time.Hour))
	if err != nil {
		t.Fatalf("ElidePayloads: %v", err)
	}
	if n != 1 {
		t.Errorf("elided %d, want 1", n)
	}

	gotOld, _ := store.GetJob(ctx, "job-old")
	if gotOld.PayloadInline != ReclaimedPayload {
		t.Errorf("old payload: got %q, want %q", gotOld.PayloadInline, ReclaimedPayload)
	}
	if gotOld.State != protocol.StateQueued {
		t.Errorf("elision must not touch state: got %s", gotOld.State)
	}
	gotFresh, _ := store.GetJob(ctx, "job-fresh")
	if gotFresh.PayloadInline != fresh.PayloadInline {
		t.Errorf("fresh payload elided: %q", gotFresh.PayloadInline)
	}
}

func TestExpireStaleJobs(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	stale := testJob("job-stale", "pi-001")
	stale.CreatedAt = time.Now().UTC().Add(-25 * time.Hour)
	done := testJob("job-done", "pi-001")
	done.CreatedAt = stale.CreatedAt
	fresh := testJob("job-fresh", "pi-001")
	for _, j := range []*Job{stale, done, fresh} {
		if err := store.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}
	for _, to := range []protocol.JobState{protocol.StateSent, protocol.StateCompleted} {
		if _, err := store.TransitionJob(ctx, "job-done", to, 1, nil); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := store.ExpireStaleJobs(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("ExpireStaleJobs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "job-stale" {
		t.Errorf("expired ids: got %v, want [job-stale]", ids)
	}

	j, _ := store.GetJob(ctx, "job-stale")
	if j.State != protocol.StateExpired || j.ErrorKind != protocol.ErrExpired {
		t.Errorf("stale job: state=%s kind=%s", j.State, j.ErrorKind)
	}
	if j2, _ := store.GetJob(ctx, "job-done"); j2.State != protocol.StateCompleted {
		t.Errorf("terminal job touched by expiry: %s", j2.State)
	}
}

func TestOfflineQueueFIFOAndBound(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	for _, jobID := range []string{"job-1", "job-2", "job-3"} {
		e := &OfflineEntry{DeviceID: "pi-001", JobID: jobID, Envelope: []byte(`{"kind":"print"}`)}
		if err := store.EnqueueOffline(ctx, e, 3); err != nil {
			t.Fatalf("EnqueueOffline %s: %v", jobID, err)
		}
	}

	overflow := &OfflineEntry{DeviceID: "pi-001", JobID: "job-4", Envelope: []byte(`{}`)}
	if err := store.EnqueueOffline(ctx, overflow, 3); !errors.Is(err, ErrOfflineQueueFull) {
		t.Errorf("overflow: got %v, want ErrOfflineQueueFull", err)
	}

	// another device has its own bound
	other := &OfflineEntry{DeviceID: "pi-002", JobID: "job-5", Envelope: []byte(`{}`)}
	if err := store.EnqueueOffline(ctx, other, 3); err != nil {
		t.Errorf("other device enqueue: %v", err)
	}

	// drain in FIFO order
	for _, want := range []string{"job-1", "job-2", "job-3"} {
		e, err := store.NextOffline(ctx, "pi-001")
		if err != nil {
			t.Fatalf("NextOffline: %v", err)
		}
		if e.JobID != want {
			t.Errorf("drain order: got %s, want %s", e.JobID, want)
		}
		if err := store.DeleteOffline(ctx, e.ID); err != nil {
			t.Fatalf("DeleteOffline: %v", err)
		}
	}
	if _, err := store.NextOffline(ctx, "pi-001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("drained queue: got %v, want ErrNotFound", err)
	}

	count, err := store.CountOffline(ctx, "pi-002")
	if err != nil || count != 1 {
		t.Errorf("CountOffline pi-002: %d, %v", count, err)
	}
}

func TestExpireOffline(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	old := &OfflineEntry{DeviceID: "pi-001", JobID: "job-old", Envelope: []byte(`{}`),
		EnqueuedAt: time.Now().UTC().Add(-25 * time.Hour)}
	fresh := &OfflineEntry{DeviceID: "pi-001", JobID: "job-fresh", Envelope: []byte(`{}`)}
	for _, e := range []*OfflineEntry{old, fresh} {
		if err := store.EnqueueOffline(ctx, e, 0); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := store.ExpireOffline(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("ExpireOffline: %v", err)
	}
	if len(ids) != 1 || ids[0] != "job-old" {
		t.Errorf("expired: got %v, want [job-old]", ids)
	}
	if count, _ := store.CountOffline(ctx, "pi-001"); count != 1 {
		t.Errorf("remaining entries: %d, want 1", count)
	}
}

func TestCredentialLifecycle(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	c := &APICredential{
		Name:   "warehouse-scanner",
		Prefix: "lb_3f9a",
		Digest: "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
		Active: true,
	}
	if err := store.CreateCredential(ctx, c); err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}
	if c.ID == 0 {
		t.Error("CreateCredential did not set ID")
	}

	got, err := store.GetCredentialByDigest(ctx, c.Digest)
	if err != nil {
		t.Fatalf("GetCredentialByDigest: %v", err)
	}
	if !got.Active {
		t.Error("credential should be active")
	}

	if err := store.RevokeCredential(ctx, c.ID); err != nil {
		t.Fatalf("RevokeCredential: %v", err)
	}
	revoked, _ := store.GetCredentialByDigest(ctx, c.Digest)
	if revoked.Active {
		t.Error("revoked credential still active")
	}

	// revocation keeps the record; deletion removes it
	if err := store.DeleteCredential(ctx, c.ID); err != nil {
		t.Fatalf("DeleteCredential: %v", err)
	}
	if _, err := store.GetCredentialByDigest(ctx, c.Digest); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted credential: got %v, want ErrNotFound", err)
	}
}
