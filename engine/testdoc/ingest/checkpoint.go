package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Counters accumulates ingestion progress across chunks. Persisted in the
// checkpoint so resumed runs report totals, not deltas.
type Counters struct {
	DocsIn       int `json:"docs_in"`
	DocsWritten  int `json:"docs_written"`
	StepsWritten int `json:"steps_written"`
	Warnings     int `json:"warnings"`
	Errors       int `json:"errors"`
}

// Checkpoint records how far a source has been ingested. Chunk indices start
// at zero; LastChunkCompleted is -1 before any chunk finishes.
type Checkpoint struct {
	SourceID           string    `json:"source_id"`
	LastChunkCompleted int       `json:"last_chunk_completed"`
	DeferredChunks     []int     `json:"deferred_chunks,omitempty"`
	Counters           Counters  `json:"counters"`
	StartedAt          time.Time `json:"started_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func newCheckpoint(sourceID string) *Checkpoint {
	now := time.Now().UTC()
	return &Checkpoint{
		SourceID:           sourceID,
		LastChunkCompleted: -1,
		StartedAt:          now,
		UpdatedAt:          now,
	}
}

// checkpointFile persists checkpoints atomically: the JSON is written to a
// sibling temp file and renamed over the target so a crash never leaves a
// torn checkpoint behind.
type checkpointFile struct {
	path string
}

func (c *checkpointFile) enabled() bool { return c != nil && c.path != "" }

// Load reads the checkpoint, returning nil when none exists.
func (c *checkpointFile) Load() (*Checkpoint, error) {
	if !c.enabled() {
		return nil, nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint %q: %w", c.path, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %q: %w", c.path, err)
	}
	return &cp, nil
}

func (c *checkpointFile) Save(cp *Checkpoint) error {
	if !c.enabled() {
		return nil
	}
	cp.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("commit checkpoint %q: %w", c.path, err)
	}
	return nil
}

// Clear removes the checkpoint after a fully successful run.
func (c *checkpointFile) Clear() error {
	if !c.enabled() {
		return nil
	}
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint %q: %w", c.path, err)
	}
	return nil
}
