package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultJournalPath is where the agent persists its queue between restarts.
const DefaultJournalPath = "/var/lib/labelberry/queue.json"

// journalState is the on-disk shape. Pending is stored in dequeue order so a
// restore preserves scheduling even though arrival sequence numbers reset.
type journalState struct {
	Version  int    `json:"version"`
	Pending  []*Job `json:"pending"`
	InFlight *Job   `json:"in_flight,omitempty"`
}

const journalVersion = 1

// Journal persists queue state with atomic replace semantics: a crash during
// a write leaves the previous journal intact.
type Journal struct {
	path string
}

// NewJournal returns a journal at path. An empty path selects the default.
func NewJournal(path string) *Journal {
	if path == "" {
		path = DefaultJournalPath
	}
	return &Journal{path: path}
}

func (j *Journal) Path() string { return j.path }

// Persist writes the current queue state. Called after every queue mutation;
// the temp-file-plus-rename keeps a crash from leaving a torn journal.
func (j *Journal) Persist(q *Queue) error {
	pending, inFlight := q.Snapshot()
	state := journalState{Version: journalVersion, Pending: pending, InFlight: inFlight}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode journal: %w", err)
	}

	dir := filepath.Dir(j.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create journal directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".queue-*.json")
	if err != nil {
		return fmt.Errorf("create journal temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write journal: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync journal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close journal: %w", err)
	}
	if err := os.Rename(tmpName, j.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace journal: %w", err)
	}
	return nil
}

// Restore loads the journal into q. A job that was in flight when the agent
// died is requeued at its priority with the Recovered mark set, which limits
// it to a single further attempt. A missing journal is not an error.
func (j *Journal) Restore(q *Queue) (restored int, err error) {
	data, err := os.ReadFile(j.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read journal: %w", err)
	}

	var state journalState
	if err := json.Unmarshal(data, &state); err != nil {
		return 0, fmt.Errorf("parse journal: %w", err)
	}

	if state.InFlight != nil {
		job := state.InFlight
		job.Recovered = true
		q.Requeue(job)
		restored++
	}
	for _, job := range state.Pending {
		q.Requeue(job)
		restored++
	}
	return restored, nil
}
