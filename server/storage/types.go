package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Baanaaana/labelberry/common/protocol"
)

// ReclaimedPayload replaces inline ZPL payloads elided by the retention sweep.
const ReclaimedPayload = "<reclaimed>"

// Sentinel errors returned by Store implementations.
var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicate         = errors.New("already exists")
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrOfflineQueueFull  = errors.New("offline queue full")
)

// Device is a registered SBC node with an attached label printer.
type Device struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	SecretHash   string     `json:"-"`
	Model        string     `json:"model,omitempty"`
	PrinterPath  string     `json:"printer_path,omitempty"`
	LabelSizeID  int64      `json:"label_size_id,omitempty"`
	RegisteredAt time.Time  `json:"registered_at"`
	LastSeenAt   *time.Time `json:"last_seen_at,omitempty"`

	// Runtime fields populated from the session registry, not persisted.
	Connected bool `json:"connected"`
	QueueSize int  `json:"queue_size,omitempty"`
}

// Job is the durable record of a print submission. The payload is a tagged
// union: PayloadKind discriminates which of the three payload columns is set.
type Job struct {
	ID             string             `json:"id"`
	DeviceID       string             `json:"device_id"`
	PayloadKind    string             `json:"payload_kind"`
	PayloadInline  string             `json:"zpl_raw,omitempty"`
	PayloadURL     string             `json:"zpl_url,omitempty"`
	PayloadFile    string             `json:"zpl_file,omitempty"`
	Priority       int                `json:"priority"`
	Source         protocol.Source    `json:"source"`
	Wait           bool               `json:"wait_for_completion"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
	State          protocol.JobState  `json:"state"`
	ErrorKind      protocol.ErrorKind `json:"error_kind,omitempty"`
	ErrorDetail    string             `json:"error_detail,omitempty"`
	AttemptCount   int                `json:"attempt_count"`
	CreatedAt      time.Time          `json:"created_at"`
	StartedAt      *time.Time         `json:"started_at,omitempty"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
}

// Payload reconstructs the wire payload union from the stored columns.
func (j *Job) Payload() protocol.Payload {
	return protocol.Payload{
		Inline:  j.PayloadInline,
		URL:     j.PayloadURL,
		FileRef: j.PayloadFile,
	}
}

// APICredential authorizes print submissions. Only the SHA-256 digest of the
// token is stored; Prefix keeps the first characters for operator display.
// Revocation (Active=false) is distinct from deletion.
type APICredential struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"`
	Digest     string     `json:"-"`
	CreatedBy  string     `json:"created_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	Active     bool       `json:"active"`
}

// OfflineEntry is one staged command for a disconnected device.
type OfflineEntry struct {
	ID         int64     `json:"id"`
	DeviceID   string    `json:"device_id"`
	JobID      string    `json:"job_id"`
	Envelope   []byte    `json:"envelope"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
}

// LabelSize is a catalog entry referenced by devices.
type LabelSize struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	WidthMM  float64 `json:"width_mm"`
	HeightMM float64 `json:"height_mm"`
}

// DefaultLabelSizes seeds the catalog with the common Zebra media sizes.
var DefaultLabelSizes = []LabelSize{
	{Name: "57x32mm", WidthMM: 57, HeightMM: 32},
	{Name: "102x51mm", WidthMM: 102, HeightMM: 51},
	{Name: "102x76mm", WidthMM: 102, HeightMM: 76},
	{Name: "102x152mm", WidthMM: 102, HeightMM: 152},
	{Name: "4x6in", WidthMM: 101.6, HeightMM: 152.4},
}

// JobFilter narrows ListJobs results. Zero values mean "no constraint".
type JobFilter struct {
	DeviceID string
	State    protocol.JobState
	Since    time.Time
	Limit    int
}

// TransitionResult reports what a TransitionJob call did.
type TransitionResult struct {
	Applied  bool
	Previous protocol.JobState
}

// Store is the durable server-side state: devices, jobs, credentials, the
// per-device offline queues, and the label-size catalog.
type Store interface {
	// Devices
	CreateDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, id string) (*Device, error)
	ListDevices(ctx context.Context) ([]*Device, error)
	UpdateDevice(ctx context.Context, d *Device) error
	DeleteDevice(ctx context.Context, id string) error
	TouchDevice(ctx context.Context, id string, at time.Time) error

	// Jobs
	CreateJob(ctx context.Context, j *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	GetJobByIdempotencyKey(ctx context.Context, deviceID, key string) (*Job, error)
	// TransitionJob applies a state transition under the job state machine.
	// Terminal states are immutable and back-transitions are rejected with
	// ErrInvalidTransition. started/completed timestamps and the attempt
	// counter are maintained as part of the same transaction.
	TransitionJob(ctx context.Context, id string, to protocol.JobState, attempt int, wireErr *protocol.WireError) (*TransitionResult, error)
	ListJobs(ctx context.Context, f JobFilter) ([]*Job, error)
	RecentJobs(ctx context.Context, limit int) ([]*Job, error)
	// ElidePayloads blanks inline payloads of jobs created before cutoff,
	// leaving job metadata and state intact. Returns the number elided.
	ElidePayloads(ctx context.Context, cutoff time.Time) (int64, error)
	// ExpireStaleJobs marks non-terminal jobs created before cutoff as
	// expired and returns their ids.
	ExpireStaleJobs(ctx context.Context, cutoff time.Time) ([]string, error)

	// API credentials
	CreateCredential(ctx context.Context, c *APICredential) error
	GetCredentialByDigest(ctx context.Context, digest string) (*APICredential, error)
	TouchCredential(ctx context.Context, id int64, at time.Time) error
	RevokeCredential(ctx context.Context, id int64) error
	DeleteCredential(ctx context.Context, id int64) error
	ListCredentials(ctx context.Context) ([]*APICredential, error)

	// Offline queue
	EnqueueOffline(ctx context.Context, e *OfflineEntry, maxPerDevice int) error
	// NextOffline returns the oldest entry for a device, or ErrNotFound.
	NextOffline(ctx context.Context, deviceID string) (*OfflineEntry, error)
	DeleteOffline(ctx context.Context, id int64) error
	DeleteOfflineByJob(ctx context.Context, jobID string) error
	BumpOfflineAttempts(ctx context.Context, id int64) error
	CountOffline(ctx context.Context, deviceID string) (int, error)
	DropOfflineForDevice(ctx context.Context, deviceID string) error
	// ExpireOffline removes entries enqueued before cutoff and returns the
	// job ids they carried so the jobs can be marked expired.
	ExpireOffline(ctx context.Context, cutoff time.Time) ([]string, error)

	// Label sizes
	CreateLabelSize(ctx context.Context, ls *LabelSize) error
	ListLabelSizes(ctx context.Context) ([]*LabelSize, error)

	Close() error
}
