// Package checkpoint persists run progress to a JSON side file so an
// interrupted ingest can resume without repeating committed work.
//
// The file is advisory durable state: losing it means repeating work, never
// corrupting it, because every write to the target store is idempotent.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Version is bumped on incompatible layout changes. A mismatched file is
// treated as absent rather than misread.
const Version = 1

// DatasetProgress tracks one dataset through the run.
type DatasetProgress struct {
	// Downloaded is set once the artifact is fully on local disk, so a
	// restart skips the network entirely.
	Downloaded bool `json:"downloaded"`

	// ProcessedCount is the number of records whose batch has committed.
	// On resume it becomes the decode skip-count.
	ProcessedCount int64 `json:"processed_count"`

	// BatchesCommitted counts committed transactions, for operators reading
	// the file by hand.
	BatchesCommitted int64 `json:"batches_committed"`

	// LastRecordID is the identifier of the final record in the most recent
	// committed batch. Diagnostic only; resumption is positional.
	LastRecordID string `json:"last_record_id,omitempty"`
}

// Advance records a committed batch of n records ending at lastID.
func (d *DatasetProgress) Advance(n int64, lastID string) {
	d.ProcessedCount += n
	d.BatchesCommitted++
	if lastID != "" {
		d.LastRecordID = lastID
	}
}

// Checkpoint is the full progress snapshot for one run.
type Checkpoint struct {
	Version  int                         `json:"version"`
	RunID    string                      `json:"run_id"`
	Phases   map[string]bool             `json:"phases"`
	Datasets map[string]*DatasetProgress `json:"datasets"`
	SavedAt  time.Time                   `json:"saved_at"`
}

// New returns an empty checkpoint for a fresh run.
func New(runID string) *Checkpoint {
	return &Checkpoint{
		Version:  Version,
		RunID:    runID,
		Phases:   map[string]bool{},
		Datasets: map[string]*DatasetProgress{},
	}
}

// Dataset returns the progress entry for kind, creating it on first use.
func (c *Checkpoint) Dataset(kind string) *DatasetProgress {
	if c.Datasets == nil {
		c.Datasets = map[string]*DatasetProgress{}
	}
	d, ok := c.Datasets[kind]
	if !ok {
		d = &DatasetProgress{}
		c.Datasets[kind] = d
	}
	return d
}

// PhaseDone reports whether the named phase has been completed.
func (c *Checkpoint) PhaseDone(phase string) bool { return c.Phases[phase] }

// MarkPhase records the named phase as completed.
func (c *Checkpoint) MarkPhase(phase string) {
	if c.Phases == nil {
		c.Phases = map[string]bool{}
	}
	c.Phases[phase] = true
}

// Store reads and writes checkpoints at a fixed path.
type Store struct {
	Path string
}

// Load returns the checkpoint on disk, or (nil, nil) when no usable
// checkpoint exists: missing file, unreadable JSON, or a version mismatch all
// mean "start fresh".
func (s *Store) Load() (*Checkpoint, error) {
	raw, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read %s: %w", s.Path, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, nil
	}
	if cp.Version != Version {
		return nil, nil
	}
	return &cp, nil
}

// Save writes cp atomically: marshal to a temp file in the same directory,
// fsync, then rename over the target. A crash mid-save leaves the previous
// checkpoint intact.
func (s *Store) Save(cp *Checkpoint) error {
	cp.Version = Version
	cp.SavedAt = time.Now().UTC()

	raw, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}

	dir := filepath.Dir(s.Path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.Path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("checkpoint: temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("checkpoint: write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("checkpoint: sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("checkpoint: close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("checkpoint: rename to %s: %w", s.Path, err)
	}
	return nil
}

// Reset removes the checkpoint file. Missing is not an error.
func (s *Store) Reset() error {
	err := os.Remove(s.Path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("checkpoint: remove %s: %w", s.Path, err)
	}
	return nil
}
