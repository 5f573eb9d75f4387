package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Baanaaana/labelberry/common/protocol"
	"github.com/Baanaaana/labelberry/common/ws"
	"github.com/Baanaaana/labelberry/server/storage"
)

// SubmitRequest is a normalized print request entering the dispatcher.
type SubmitRequest struct {
	DeviceID       string
	Payload        protocol.Payload
	Priority       int
	Wait           bool
	FailIfOffline  bool
	Source         protocol.Source
	IdempotencyKey string
	Deadline       time.Duration // zero means the configured default
}

// SubmitResult is what the API layer turns into an HTTP response.
type SubmitResult struct {
	JobID    string
	Status   protocol.JobState
	TimedOut bool
	Offline  bool
	Err      *protocol.WireError
}

// Dispatcher accepts normalized print requests, records the job, routes the
// command over the live bus session or into the offline queue, and correlates
// device lifecycle events back to synchronous HTTP callers.
type Dispatcher struct {
	store    storage.Store
	registry *Registry
	waiters  *WaitEngine
	offline  *OfflineQueue
	hub      *ws.Hub

	defaultDeadline time.Duration
	maxDeadline     time.Duration
}

// NewDispatcher wires the dispatcher and subscribes its lifecycle consumer to
// the bus hub.
func NewDispatcher(store storage.Store, registry *Registry, waiters *WaitEngine, offline *OfflineQueue, hub *ws.Hub, defaultDeadline, maxDeadline time.Duration) *Dispatcher {
	d := &Dispatcher{
		store:           store,
		registry:        registry,
		waiters:         waiters,
		offline:         offline,
		hub:             hub,
		defaultDeadline: defaultDeadline,
		maxDeadline:     maxDeadline,
	}
	return d
}

// Submit runs one print request end to end. With Wait set it blocks until the
// job reaches a terminal state, the deadline passes, or ctx is cancelled.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := req.Payload.Validate(); err != nil {
		return nil, &protocol.WireError{Kind: protocol.ErrInvalidRequest, Detail: err.Error()}
	}
	if req.Priority == 0 {
		req.Priority = protocol.DefaultPriority
	}
	if !protocol.ValidPriority(req.Priority) {
		return nil, &protocol.WireError{Kind: protocol.ErrInvalidRequest,
			Detail: fmt.Sprintf("priority %d outside [%d..%d]", req.Priority, protocol.MinPriority, protocol.MaxPriority)}
	}
	if req.Source == "" {
		req.Source = protocol.SourceAPI
	}

	device, err := d.store.GetDevice(ctx, req.DeviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &protocol.WireError{Kind: protocol.ErrNotFound, Detail: "unknown device " + req.DeviceID}
		}
		return nil, err
	}

	// An idempotency key returns the prior job instead of a new one.
	if req.IdempotencyKey != "" {
		existing, err := d.store.GetJobByIdempotencyKey(ctx, device.ID, req.IdempotencyKey)
		if err == nil {
			return &SubmitResult{JobID: existing.ID, Status: existing.State, Err: jobWireError(existing)}, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}

	connected := d.registry.IsConnected(device.ID)
	if !connected && req.FailIfOffline {
		return &SubmitResult{Offline: true, Err: &protocol.WireError{
			Kind: protocol.ErrDeviceOffline, Detail: "device has no live session"}}, nil
	}

	job := &storage.Job{
		ID:             uuid.NewString(),
		DeviceID:       device.ID,
		PayloadKind:    req.Payload.Kind(),
		PayloadInline:  req.Payload.Inline,
		PayloadURL:     req.Payload.URL,
		PayloadFile:    req.Payload.FileRef,
		Priority:       req.Priority,
		Source:         req.Source,
		Wait:           req.Wait,
		IdempotencyKey: req.IdempotencyKey,
		State:          protocol.StateQueued,
	}
	if err := d.store.CreateJob(ctx, job); err != nil {
		if errors.Is(err, storage.ErrDuplicate) && req.IdempotencyKey != "" {
			// Raced another submission with the same key.
			existing, lerr := d.store.GetJobByIdempotencyKey(ctx, device.ID, req.IdempotencyKey)
			if lerr == nil {
				return &SubmitResult{JobID: existing.ID, Status: existing.State, Err: jobWireError(existing)}, nil
			}
		}
		return nil, err
	}

	cmd := &protocol.Command{
		JobID:    job.ID,
		Kind:     protocol.CommandPrint,
		Payload:  &req.Payload,
		Priority: req.Priority,
		IssuedAt: time.Now().UTC(),
	}
	if req.Source == protocol.SourceTest {
		cmd.Kind = protocol.CommandTestPrint
	}

	// The waiter must exist before the command can leave the server: a device
	// that answers faster than PublishCommand returns must still find it.
	var handle *WaitHandle
	if req.Wait {
		deadline := req.Deadline
		if deadline <= 0 {
			deadline = d.defaultDeadline
		}
		if d.maxDeadline > 0 && deadline > d.maxDeadline {
			deadline = d.maxDeadline
		}
		h, werr := d.waiters.Register(job.ID, time.Now().Add(deadline))
		if werr != nil {
			// At waiter capacity the job still runs; the caller degrades to async.
			logWarn("Waiter registration failed, degrading to async", "job_id", job.ID, "error", werr)
		} else {
			handle = h
		}
	}

	// While staged entries remain (or a drain is mid-flight) new commands
	// join the offline queue tail; publishing directly would jump the
	// backlog and reorder delivery.
	status := protocol.StateQueued
	direct := connected && !d.offline.HasBacklog(ctx, device.ID)
	if direct {
		if err := d.registry.PublishCommand(device.ID, cmd); err != nil {
			// Session died between the check and the publish; stage instead.
			logWarn("Publish failed, staging offline", "device_id", device.ID, "job_id", job.ID, "error", err)
			direct = false
		} else {
			if _, err := d.store.TransitionJob(ctx, job.ID, protocol.StateSent, 0, nil); err != nil {
				logWarn("Failed to mark job sent", "job_id", job.ID, "error", err)
			}
			status = protocol.StateSent
		}
	}
	if !direct {
		if err := d.offline.Enqueue(ctx, device.ID, cmd); err != nil {
			if handle != nil {
				d.waiters.Cancel(job.ID)
			}
			var wireErr *protocol.WireError
			if errors.As(err, &wireErr) {
				failJob(ctx, d.store, job.ID, wireErr)
				return &SubmitResult{JobID: job.ID, Status: protocol.StateFailed, Err: wireErr}, nil
			}
			return nil, err
		}
	}

	if handle == nil {
		return &SubmitResult{JobID: job.ID, Status: status}, nil
	}

	outcome, err := handle.Wait(ctx)
	if err != nil {
		// Client went away; the job continues unobserved.
		return &SubmitResult{JobID: job.ID, Status: status}, err
	}
	if outcome.TimedOut {
		return &SubmitResult{JobID: job.ID, Status: status, TimedOut: true, Err: outcome.Err}, nil
	}
	return &SubmitResult{JobID: job.ID, Status: outcome.State, Err: outcome.Err}, nil
}

// Broadcast submits the same payload to each device independently. One
// device's failure never affects another's submission.
func (d *Dispatcher) Broadcast(ctx context.Context, deviceIDs []string, payload protocol.Payload, priority int, wait bool) []*SubmitResult {
	results := make([]*SubmitResult, len(deviceIDs))
	done := make(chan int, len(deviceIDs))
	for i, id := range deviceIDs {
		go func(i int, deviceID string) {
			res, err := d.Submit(ctx, SubmitRequest{
				DeviceID: deviceID,
				Payload:  payload,
				Priority: priority,
				Wait:     wait,
				Source:   protocol.SourceBroadcast,
			})
			if err != nil {
				var wireErr *protocol.WireError
				if !errors.As(err, &wireErr) {
					wireErr = &protocol.WireError{Kind: protocol.ErrInternal, Detail: err.Error()}
				}
				res = &SubmitResult{Err: wireErr}
			}
			results[i] = res
			done <- i
		}(i, id)
	}
	for range deviceIDs {
		<-done
	}
	return results
}

// Cancel cancels a job. A queued job is removed from the offline queue and
// marked cancelled; a job already on the device gets a best-effort cancel
// command (an in-flight printer write is never aborted, so a completed
// outcome may still arrive after the cancel).
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &protocol.WireError{Kind: protocol.ErrNotFound, Detail: "unknown job " + jobID}
		}
		return err
	}
	if job.State.Terminal() {
		return &protocol.WireError{Kind: protocol.ErrInvalidRequest, Detail: "job already " + string(job.State)}
	}

	if job.State == protocol.StateQueued {
		// Never published; drop the staged entry and finish locally.
		if err := d.store.DeleteOfflineByJob(ctx, jobID); err != nil {
			logWarn("Failed to drop staged entry for cancelled job", "job_id", jobID, "error", err)
		}
		wireErr := &protocol.WireError{Kind: protocol.ErrCancelled, Detail: "cancelled before dispatch"}
		if _, err := d.store.TransitionJob(ctx, jobID, protocol.StateCancelled, 0, wireErr); err != nil {
			return err
		}
		d.waiters.Resolve(jobID, protocol.StateCancelled, wireErr)
		return nil
	}

	cmd := &protocol.Command{JobID: jobID, Kind: protocol.CommandCancel, IssuedAt: time.Now().UTC()}
	if err := d.registry.PublishCommand(job.DeviceID, cmd); err != nil {
		return &protocol.WireError{Kind: protocol.ErrDeviceOffline, Detail: "cannot reach device to cancel"}
	}
	return nil
}

// RunLifecycleConsumer subscribes to the bus hub and applies device lifecycle
// events: persist the transition, resolve or extend waiters, refresh device
// liveness. This is the only path that moves jobs forward on device events.
func (d *Dispatcher) RunLifecycleConsumer(ctx context.Context) {
	ch := make(chan ws.Message, 256)
	d.hub.Register("dispatcher", ch)
	defer d.hub.Unregister("dispatcher")

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Type != ws.TypeLifecycle {
				continue
			}
			deviceID, channel, ok := protocol.ParseTopic(msg.Topic)
			if !ok || channel != "events" {
				continue
			}
			var ev protocol.Lifecycle
			if err := msg.Decode(&ev); err != nil {
				logWarn("Undecodable lifecycle event", "topic", msg.Topic, "error", err)
				continue
			}
			d.applyLifecycle(ctx, deviceID, &ev)
		}
	}
}

func (d *Dispatcher) applyLifecycle(ctx context.Context, deviceID string, ev *protocol.Lifecycle) {
	d.registry.Touch(deviceID)

	// accepted is a command acknowledgment: it refreshes device liveness
	// and goes no further, the stored state machine never enters it.
	if ev.State == protocol.StateAccepted {
		logDebug("Command acknowledged", "job_id", ev.JobID, "device_id", deviceID)
		return
	}

	if !ev.State.Valid() {
		logWarn("Lifecycle event with unknown state", "job_id", ev.JobID, "state", ev.State)
		return
	}

	// Persist before surfacing; a waiter must never observe a state the
	// store does not have.
	res, err := d.store.TransitionJob(ctx, ev.JobID, ev.State, ev.Attempt, ev.Error)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			logDebug("Ignoring out-of-order lifecycle event", "job_id", ev.JobID, "state", ev.State)
			// A late terminal event still resolves a lingering waiter.
			if ev.State.Terminal() {
				d.waiters.Resolve(ev.JobID, ev.State, ev.Error)
			}
			return
		}
		if errors.Is(err, storage.ErrNotFound) {
			logWarn("Lifecycle event for unknown job", "job_id", ev.JobID, "device_id", deviceID)
			return
		}
		logError("Failed to persist lifecycle transition", "job_id", ev.JobID, "error", err)
		return
	}
	if !res.Applied {
		logDebug("Lost lifecycle transition race", "job_id", ev.JobID, "state", ev.State)
		return
	}

	logDebug("Job lifecycle", "job_id", ev.JobID, "device_id", deviceID,
		"state", ev.State, "attempt", ev.Attempt)

	switch {
	case ev.State == protocol.StateProcessing:
		d.waiters.ExtendOnProcessing(ev.JobID)
	case ev.State.Terminal():
		d.waiters.Resolve(ev.JobID, ev.State, ev.Error)
	}
}

func jobWireError(j *storage.Job) *protocol.WireError {
	if j.ErrorKind == "" {
		return nil
	}
	return &protocol.WireError{Kind: j.ErrorKind, Detail: j.ErrorDetail}
}

func failJob(ctx context.Context, store storage.Store, jobID string, wireErr *protocol.WireError) {
	if _, err := store.TransitionJob(ctx, jobID, protocol.StateFailed, 0, wireErr); err != nil {
		logWarn("Failed to record job failure", "job_id", jobID, "error", err)
	}
}
