package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/Baanaaana/labelberry/common/protocol"
	"github.com/Baanaaana/labelberry/server/storage"
)

// OfflineQueue stages command envelopes for disconnected devices and drains
// them in FIFO order when the device reconnects. Entries live in the durable
// store so they survive a server restart.
type OfflineQueue struct {
	store        storage.Store
	registry     *Registry
	maxPerDevice int
	expiry       time.Duration

	mu       sync.Mutex
	draining map[string]bool
}

// NewOfflineQueue creates an OfflineQueue and hooks it to registry connect
// events so every reconnect triggers a drain.
func NewOfflineQueue(store storage.Store, registry *Registry, maxPerDevice int, expiry time.Duration) *OfflineQueue {
	q := &OfflineQueue{
		store:        store,
		registry:     registry,
		maxPerDevice: maxPerDevice,
		expiry:       expiry,
		draining:     make(map[string]bool),
	}
	registry.OnConnect(func(deviceID string) {
		q.Drain(context.Background(), deviceID)
	})
	return q
}

// Enqueue stages a command for a disconnected device. Overflow surfaces as
// queue_full_offline, never a silent drop.
func (q *OfflineQueue) Enqueue(ctx context.Context, deviceID string, cmd *protocol.Command) error {
	envelope, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	entry := &storage.OfflineEntry{
		DeviceID: deviceID,
		JobID:    cmd.JobID,
		Envelope: envelope,
	}
	if err := q.store.EnqueueOffline(ctx, entry, q.maxPerDevice); err != nil {
		if errors.Is(err, storage.ErrOfflineQueueFull) {
			return &protocol.WireError{Kind: protocol.ErrQueueFullOffline, Detail: "offline queue for device is full"}
		}
		return err
	}
	logInfo("Command staged in offline queue", "device_id", deviceID, "job_id", cmd.JobID)

	// A connected device gets its drain kicked here: entries staged while a
	// previous drain aborted must not sit until the next reconnect.
	if q.registry.IsConnected(deviceID) {
		go q.Drain(context.Background(), deviceID)
	}
	return nil
}

// HasBacklog reports whether staged entries remain, or a drain is mid-flight,
// for the device. While true, new commands must join the queue tail so the
// backlog keeps its delivery order.
func (q *OfflineQueue) HasBacklog(ctx context.Context, deviceID string) bool {
	q.mu.Lock()
	draining := q.draining[deviceID]
	q.mu.Unlock()
	if draining {
		return true
	}
	count, err := q.store.CountOffline(ctx, deviceID)
	return err == nil && count > 0
}

// Drain publishes staged entries for a device in FIFO order. A concurrent
// drain for the same device is a no-op; a disconnect mid-drain interrupts and
// the remainder is picked up on the next connect.
func (q *OfflineQueue) Drain(ctx context.Context, deviceID string) {
	for {
		q.mu.Lock()
		if q.draining[deviceID] {
			q.mu.Unlock()
			return
		}
		q.draining[deviceID] = true
		q.mu.Unlock()

		emptied := q.drainPass(ctx, deviceID)

		q.mu.Lock()
		delete(q.draining, deviceID)
		q.mu.Unlock()

		if !emptied {
			return
		}
		// An enqueue racing the tail of the pass saw the drain flag and
		// skipped its own kick; pick that entry up now.
		count, err := q.store.CountOffline(ctx, deviceID)
		if err != nil || count == 0 || !q.registry.IsConnected(deviceID) {
			return
		}
	}
}

// drainPass publishes staged entries until the queue is empty or the pass
// aborts. Returns true when it emptied the queue.
func (q *OfflineQueue) drainPass(ctx context.Context, deviceID string) bool {
	drained := 0
	for {
		if !q.registry.IsConnected(deviceID) {
			logInfo("Offline drain interrupted, device disconnected", "device_id", deviceID, "drained", drained)
			return false
		}

		entry, err := q.store.NextOffline(ctx, deviceID)
		if errors.Is(err, storage.ErrNotFound) {
			if drained > 0 {
				logInfo("Offline queue drained", "device_id", deviceID, "drained", drained)
			}
			return true
		}
		if err != nil {
			logError("Offline drain failed reading queue", "device_id", deviceID, "error", err)
			return false
		}

		// Entries past the retry window expire instead of printing stale labels.
		if q.expiry > 0 && time.Since(entry.EnqueuedAt) > q.expiry {
			q.expireEntry(ctx, entry)
			continue
		}

		var cmd protocol.Command
		if err := json.Unmarshal(entry.Envelope, &cmd); err != nil {
			logError("Dropping undecodable offline entry", "device_id", deviceID, "entry_id", entry.ID, "error", err)
			q.store.DeleteOffline(ctx, entry.ID)
			continue
		}

		if err := q.registry.PublishCommand(deviceID, &cmd); err != nil {
			q.store.BumpOfflineAttempts(ctx, entry.ID)
			logWarn("Offline drain publish failed", "device_id", deviceID, "job_id", cmd.JobID, "error", err)
			return false
		}

		if err := q.store.DeleteOffline(ctx, entry.ID); err != nil {
			logError("Failed to remove drained offline entry", "entry_id", entry.ID, "error", err)
			return false
		}
		if _, err := q.store.TransitionJob(ctx, cmd.JobID, protocol.StateSent, 0, nil); err != nil && !errors.Is(err, storage.ErrInvalidTransition) {
			logWarn("Failed to mark drained job sent", "job_id", cmd.JobID, "error", err)
		}
		drained++
	}
}

func (q *OfflineQueue) expireEntry(ctx context.Context, entry *storage.OfflineEntry) {
	q.store.DeleteOffline(ctx, entry.ID)
	wireErr := &protocol.WireError{Kind: protocol.ErrExpired, Detail: "command exceeded offline queue lifetime"}
	if _, err := q.store.TransitionJob(ctx, entry.JobID, protocol.StateExpired, 0, wireErr); err != nil && !errors.Is(err, storage.ErrInvalidTransition) {
		logWarn("Failed to expire offline job", "job_id", entry.JobID, "error", err)
	}
	logInfo("Expired stale offline entry", "device_id", entry.DeviceID, "job_id", entry.JobID)
}

// SweepExpired removes all entries older than the expiry window and marks
// their jobs expired. Called by the retention sweeper.
func (q *OfflineQueue) SweepExpired(ctx context.Context) {
	if q.expiry <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-q.expiry)
	jobIDs, err := q.store.ExpireOffline(ctx, cutoff)
	if err != nil {
		logError("Offline expiry sweep failed", "error", err)
		return
	}
	for _, jobID := range jobIDs {
		wireErr := &protocol.WireError{Kind: protocol.ErrExpired, Detail: "command exceeded offline queue lifetime"}
		if _, err := q.store.TransitionJob(ctx, jobID, protocol.StateExpired, 0, wireErr); err != nil && !errors.Is(err, storage.ErrInvalidTransition) {
			logWarn("Failed to expire offline job", "job_id", jobID, "error", err)
		}
	}
	if len(jobIDs) > 0 {
		logInfo("Offline expiry sweep complete", "expired", len(jobIDs))
	}
}
