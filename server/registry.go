package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Baanaaana/labelberry/common/protocol"
	"github.com/Baanaaana/labelberry/common/ws"
)

const writeTimeout = 10 * time.Second

// session is one live device connection. gen distinguishes a session from its
// displaced predecessor so a stale read loop cannot tear down its successor.
type session struct {
	deviceID    string
	conn        *ws.Conn
	gen         uint64
	connectedAt time.Time
	lastSeen    time.Time
	caps        protocol.Capabilities
	queueDepth  int
}

// SessionInfo is the read-only view exposed by Snapshot.
type SessionInfo struct {
	DeviceID    string                `json:"device_id"`
	ConnectedAt time.Time             `json:"connected_at"`
	LastSeen    time.Time             `json:"last_seen"`
	Caps        protocol.Capabilities `json:"capabilities"`
	QueueDepth  int                   `json:"queue_depth"`
}

// Registry tracks which devices currently hold a live bus session. It is the
// authority for routing decisions: at most one session per device, a second
// authenticated connect displaces the first, and a device that misses three
// heartbeats is treated as disconnected even without a close frame.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	locks    map[string]*sync.Mutex
	nextGen  uint64

	heartbeatCadence time.Duration

	cbMu         sync.RWMutex
	onConnect    []func(deviceID string)
	onDisconnect []func(deviceID string)
}

// NewRegistry creates a Registry. heartbeatCadence is the expected device
// status publish interval; liveness is 3x that.
func NewRegistry(heartbeatCadence time.Duration) *Registry {
	return &Registry{
		sessions:         make(map[string]*session),
		locks:            make(map[string]*sync.Mutex),
		heartbeatCadence: heartbeatCadence,
	}
}

// lockFor returns the keyed per-device lock, creating it on first use. All
// connect/disconnect/publish activity for one device serializes on this lock.
func (r *Registry) lockFor(deviceID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[deviceID] = l
	}
	return l
}

// OnConnect registers a callback fired after a device session is established.
// Callbacks run on their own goroutine and must not call back into the
// registry under the same device lock.
func (r *Registry) OnConnect(fn func(deviceID string)) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.onConnect = append(r.onConnect, fn)
}

// OnDisconnect registers a callback fired after a device session ends.
func (r *Registry) OnDisconnect(fn func(deviceID string)) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.onDisconnect = append(r.onDisconnect, fn)
}

// MarkConnected installs a new session for the device, displacing any
// existing one. The displaced connection is told why and closed. Returns the
// generation token the caller must present to MarkDisconnected.
func (r *Registry) MarkConnected(deviceID string, conn *ws.Conn, caps protocol.Capabilities) uint64 {
	l := r.lockFor(deviceID)
	l.Lock()

	r.mu.Lock()
	r.nextGen++
	gen := r.nextGen
	old := r.sessions[deviceID]
	now := time.Now().UTC()
	r.sessions[deviceID] = &session{
		deviceID:    deviceID,
		conn:        conn,
		gen:         gen,
		connectedAt: now,
		lastSeen:    now,
		caps:        caps,
	}
	r.mu.Unlock()
	l.Unlock()

	if old != nil {
		logWarn("Displacing existing device session", "device_id", deviceID, "old_remote", old.conn.RemoteAddr())
		old.conn.WriteClose(ws.ClosePolicyViolation, ws.CloseReasonDisplaced, writeTimeout)
		old.conn.Close()
	}

	logInfo("Device connected", "device_id", deviceID, "remote", conn.RemoteAddr())
	r.fireConnect(deviceID)
	return gen
}

// MarkDisconnected removes the session if it still belongs to the given
// generation. A read loop exiting after its session was displaced is a no-op.
func (r *Registry) MarkDisconnected(deviceID string, gen uint64) bool {
	l := r.lockFor(deviceID)
	l.Lock()

	r.mu.Lock()
	s, ok := r.sessions[deviceID]
	if !ok || s.gen != gen {
		r.mu.Unlock()
		l.Unlock()
		return false
	}
	delete(r.sessions, deviceID)
	r.mu.Unlock()
	l.Unlock()

	logInfo("Device disconnected", "device_id", deviceID)
	r.fireDisconnect(deviceID)
	return true
}

func (r *Registry) fireConnect(deviceID string) {
	r.cbMu.RLock()
	cbs := append([]func(string){}, r.onConnect...)
	r.cbMu.RUnlock()
	for _, fn := range cbs {
		go fn(deviceID)
	}
}

func (r *Registry) fireDisconnect(deviceID string) {
	r.cbMu.RLock()
	cbs := append([]func(string){}, r.onDisconnect...)
	r.cbMu.RUnlock()
	for _, fn := range cbs {
		go fn(deviceID)
	}
}

// IsConnected reports whether a live, non-stale session exists.
func (r *Registry) IsConnected(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[deviceID]
	if !ok {
		return false
	}
	return !r.isStale(s, time.Now().UTC())
}

func (r *Registry) isStale(s *session, now time.Time) bool {
	if r.heartbeatCadence <= 0 {
		return false
	}
	return now.Sub(s.lastSeen) > 3*r.heartbeatCadence
}

// Touch refreshes the last-seen timestamp for a device. Called on heartbeats
// and on any command acknowledgment.
func (r *Registry) Touch(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[deviceID]; ok {
		s.lastSeen = time.Now().UTC()
	}
}

// UpdateStatus records heartbeat details.
func (r *Registry) UpdateStatus(deviceID string, status protocol.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[deviceID]; ok {
		s.lastSeen = time.Now().UTC()
		s.queueDepth = status.QueueDepth
	}
}

// UpdateCapabilities records the declared capability set.
func (r *Registry) UpdateCapabilities(deviceID string, caps protocol.Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[deviceID]; ok {
		s.caps = caps
		s.lastSeen = time.Now().UTC()
	}
}

// Snapshot returns the current sessions.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, SessionInfo{
			DeviceID:    s.deviceID,
			ConnectedAt: s.connectedAt,
			LastSeen:    s.lastSeen,
			Caps:        s.caps,
			QueueDepth:  s.queueDepth,
		})
	}
	return out
}

// Info returns the session info for one device.
func (r *Registry) Info(deviceID string) (SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[deviceID]
	if !ok {
		return SessionInfo{}, false
	}
	return SessionInfo{
		DeviceID:    s.deviceID,
		ConnectedAt: s.connectedAt,
		LastSeen:    s.lastSeen,
		Caps:        s.caps,
		QueueDepth:  s.queueDepth,
	}, true
}

// Publish sends a bus message to the device's session. The per-device lock
// guarantees commands go out in publish order.
func (r *Registry) Publish(deviceID string, msg *ws.Message) error {
	l := r.lockFor(deviceID)
	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	s, ok := r.sessions[deviceID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("device %s: no live session", deviceID)
	}
	return s.conn.WriteMessage(msg, writeTimeout)
}

// PublishCommand wraps a command envelope in a bus frame on the device's
// commands topic and publishes it.
func (r *Registry) PublishCommand(deviceID string, cmd *protocol.Command) error {
	msg, err := ws.NewMessage(protocol.TopicCommands(deviceID), ws.TypeCommand, cmd)
	if err != nil {
		return err
	}
	return r.Publish(deviceID, msg)
}

// Evict force-closes a device's session, for example when the device is
// deleted and its secret revoked. The read loop observes the closed socket
// and unregisters the session.
func (r *Registry) Evict(deviceID string) {
	r.mu.Lock()
	s, ok := r.sessions[deviceID]
	r.mu.Unlock()
	if !ok {
		return
	}
	s.conn.WriteClose(ws.CloseNormalClosure, "device deleted", writeTimeout)
	s.conn.Close()
}

// RunStalenessSweeper drops sessions that have missed three heartbeats. The
// dropped connection is closed so its read loop observes the disconnect.
func (r *Registry) RunStalenessSweeper(ctx context.Context) {
	interval := r.heartbeatCadence
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			r.mu.Lock()
			var stale []*session
			for _, s := range r.sessions {
				if r.isStale(s, now) {
					stale = append(stale, s)
				}
			}
			r.mu.Unlock()

			for _, s := range stale {
				logWarn("Device session stale, forcing disconnect",
					"device_id", s.deviceID, "last_seen", s.lastSeen.Format(time.RFC3339))
				s.conn.Close()
				r.MarkDisconnected(s.deviceID, s.gen)
			}
		}
	}
}
