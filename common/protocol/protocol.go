// Package protocol defines the wire contract shared by the LabelBerry server
// and device agents: bus topics, command and lifecycle envelopes, job states,
// and the error taxonomy surfaced to API callers.
package protocol

import (
	"fmt"
	"strings"
	"time"
)

// ProtocolVersion is bumped whenever the envelope shapes change incompatibly.
const ProtocolVersion = 1

// JobState is the lifecycle state of a print job.
type JobState string

const (
	StateQueued     JobState = "queued"
	StateSent       JobState = "sent"
	StateProcessing JobState = "processing"
	StateCompleted  JobState = "completed"
	StateFailed     JobState = "failed"
	StateCancelled  JobState = "cancelled"
	StateExpired    JobState = "expired"
)

// StateAccepted is the acknowledgment a device publishes on its events topic
// when a command is taken into its local queue. It is not a stored job state:
// the server uses it for liveness only and the persisted state machine never
// enters it, so Valid and CanTransition exclude it.
const StateAccepted JobState = "accepted"

// Terminal reports whether a state is final. Terminal states are immutable.
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateExpired:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s JobState) Valid() bool {
	switch s {
	case StateQueued, StateSent, StateProcessing, StateCompleted,
		StateFailed, StateCancelled, StateExpired:
		return true
	}
	return false
}

// stateRank orders states along the job state machine so that transitions can
// be checked for monotonicity. Terminal states share the highest rank.
func stateRank(s JobState) int {
	switch s {
	case StateQueued:
		return 0
	case StateSent:
		return 1
	case StateProcessing:
		return 2
	case StateCompleted, StateFailed, StateCancelled, StateExpired:
		return 3
	}
	return -1
}

// CanTransition reports whether moving from one state to another follows the
// job state machine. Terminal states accept no further transitions, and no
// back-transitions are permitted.
func CanTransition(from, to JobState) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from.Terminal() {
		return false
	}
	if from == to {
		return false
	}
	// cancelled and expired can fire from any non-terminal state
	if to == StateCancelled || to == StateExpired {
		return true
	}
	switch from {
	case StateQueued:
		return to == StateSent || to == StateFailed
	case StateSent:
		return to == StateProcessing || to == StateCompleted || to == StateFailed
	case StateProcessing:
		return to == StateCompleted || to == StateFailed
	}
	return stateRank(to) > stateRank(from)
}

// Source tags where a job was submitted from.
type Source string

const (
	SourceAPI       Source = "api"
	SourceDirect    Source = "direct"
	SourceBroadcast Source = "broadcast"
	SourceTest      Source = "test"
)

// Priority bounds. Higher values are scheduled first; ties are FIFO.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// ValidPriority reports whether p is inside the accepted range.
func ValidPriority(p int) bool {
	return p >= MinPriority && p <= MaxPriority
}

// CommandKind identifies a server-to-device command.
type CommandKind string

const (
	CommandPrint       CommandKind = "print"
	CommandTestPrint   CommandKind = "test_print"
	CommandCancel      CommandKind = "cancel"
	CommandReconfigure CommandKind = "reconfigure"
	CommandPing        CommandKind = "ping"
)

// Payload is the tagged union carried by print submissions. Exactly one of the
// three fields must be set.
type Payload struct {
	Inline  string `json:"zpl_raw,omitempty"`
	URL     string `json:"zpl_url,omitempty"`
	FileRef string `json:"zpl_file,omitempty"`
}

// Kind returns the discriminator for the populated variant, or "" when the
// union is empty or ambiguous.
func (p Payload) Kind() string {
	set := 0
	kind := ""
	if p.Inline != "" {
		set++
		kind = "inline"
	}
	if p.URL != "" {
		set++
		kind = "url"
	}
	if p.FileRef != "" {
		set++
		kind = "file"
	}
	if set != 1 {
		return ""
	}
	return kind
}

// Validate returns an error unless exactly one variant is populated.
func (p Payload) Validate() error {
	if p.Kind() == "" {
		return fmt.Errorf("payload must set exactly one of zpl_raw, zpl_url, zpl_file")
	}
	return nil
}

// Command is the envelope published on a device's commands topic.
type Command struct {
	JobID    string      `json:"job_id"`
	Kind     CommandKind `json:"kind"`
	Payload  *Payload    `json:"payload,omitempty"`
	Priority int         `json:"priority"`
	IssuedAt time.Time   `json:"issued_at"`
}

// Lifecycle is the envelope published on a device's events topic as a job
// moves through its state machine.
type Lifecycle struct {
	JobID   string     `json:"job_id"`
	State   JobState   `json:"state"`
	At      time.Time  `json:"at"`
	Attempt int        `json:"attempt"`
	Error   *WireError `json:"error,omitempty"`
}

// Status is the heartbeat payload published on a device's status topic, and
// is also the retained last-will body (`connected:false`).
type Status struct {
	Connected     bool   `json:"connected"`
	QueueDepth    int    `json:"queue_depth,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds,omitempty"`
}

// Capabilities is the declared capability set announced on connect and
// whenever it changes.
type Capabilities struct {
	PrinterModel  string `json:"printer_model,omitempty"`
	LabelSize     string `json:"label_size,omitempty"`
	FirmwareBuild string `json:"firmware_build,omitempty"`
	Protocol      int    `json:"protocol"`
}

// ErrorKind is the stable error taxonomy surfaced on the wire.
type ErrorKind string

const (
	ErrUnauthorized      ErrorKind = "unauthorized"
	ErrNotFound          ErrorKind = "not_found"
	ErrInvalidRequest    ErrorKind = "invalid_request"
	ErrDeviceOffline     ErrorKind = "device_offline"
	ErrQueueFull         ErrorKind = "queue_full"
	ErrQueueFullOffline  ErrorKind = "queue_full_offline"
	ErrPrinterNotPresent ErrorKind = "printer_not_present"
	ErrPrinterBusy       ErrorKind = "printer_busy"
	ErrPrinterIO         ErrorKind = "printer_io_error"
	ErrZPLFetchFailed    ErrorKind = "zpl_fetch_failed"
	ErrTimeout           ErrorKind = "timeout"
	ErrCancelled         ErrorKind = "cancelled"
	ErrExpired           ErrorKind = "expired"
	ErrCrashRecovery     ErrorKind = "crash_recovery"
	ErrInternal          ErrorKind = "internal"
)

// WireError is the error detail attached to lifecycle events and API
// responses.
type WireError struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

func (e *WireError) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Topic helpers. For a device D the scheme is:
//
//	server→device  labelberry/pi/D/commands
//	device→server  labelberry/pi/D/status | /events | /hello
const topicPrefix = "labelberry/pi/"

func TopicCommands(deviceID string) string { return topicPrefix + deviceID + "/commands" }
func TopicStatus(deviceID string) string   { return topicPrefix + deviceID + "/status" }
func TopicEvents(deviceID string) string   { return topicPrefix + deviceID + "/events" }
func TopicHello(deviceID string) string    { return topicPrefix + deviceID + "/hello" }

// ParseTopic splits a topic into device id and channel ("commands", "status",
// "events", "hello"). It returns ok=false for anything outside the scheme.
func ParseTopic(topic string) (deviceID, channel string, ok bool) {
	rest, found := strings.CutPrefix(topic, topicPrefix)
	if !found {
		return "", "", false
	}
	idx := strings.LastIndexByte(rest, '/')
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", false
	}
	deviceID, channel = rest[:idx], rest[idx+1:]
	switch channel {
	case "commands", "status", "events", "hello":
		return deviceID, channel, true
	}
	return "", "", false
}
