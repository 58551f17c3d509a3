// ============================================================================
// dspy-jobsvc embedded Job Store - Snapshot Persistence
// ============================================================================
//
// Package: internal/jobstore/local
// Purpose: periodic full-state saves so crash recovery replays only the WAL
// tail written since the last snapshot, not the full history.
//
// Atomic writes: JSON is written to a ".tmp" sibling then moved into place
// with os.Rename, which POSIX guarantees is atomic, so a snapshot on disk
// is always either the previous complete one or the new complete one.
//
// ============================================================================

package local

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/hexdrift/dspy-jobsvc/pkg/types"
)

// Sentinel errors for snapshot load failures.
var (
	ErrCorruptedSnapshot   = errors.New("snapshot: corrupted file")
	ErrIncompatibleVersion = errors.New("snapshot: incompatible schema version")
)

const snapshotSchemaVersion = 1

// SnapshotData is the full recoverable state of the embedded store at the
// moment it was taken, plus the WAL sequence it covers up to.
type SnapshotData struct {
	SchemaVer int                             `json:"schema_ver"`
	LastSeq   uint64                          `json:"last_seq"`
	Jobs      map[types.JobID]*types.Job      `json:"jobs"`
	Progress  map[types.JobID][]types.ProgressEvent `json:"progress"`
	Logs      map[types.JobID][]types.LogEntry      `json:"logs"`
}

func emptySnapshot() SnapshotData {
	return SnapshotData{
		SchemaVer: snapshotSchemaVersion,
		Jobs:      make(map[types.JobID]*types.Job),
		Progress:  make(map[types.JobID][]types.ProgressEvent),
		Logs:      make(map[types.JobID][]types.LogEntry),
	}
}

// snapshotManager handles atomic snapshot persistence for one store instance.
type snapshotManager struct {
	path string
	mu   sync.Mutex
}

func newSnapshotManager(path string) *snapshotManager {
	return &snapshotManager{path: path}
}

func (m *snapshotManager) Write(data SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = snapshotSchemaVersion

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

func (m *snapshotManager) Load() (SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return emptySnapshot(), nil
		}
		return SnapshotData{}, fmt.Errorf("read snapshot: %w", err)
	}

	var data SnapshotData
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return SnapshotData{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != snapshotSchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, snapshotSchemaVersion)
	}
	if data.Jobs == nil {
		data.Jobs = make(map[types.JobID]*types.Job)
	}
	if data.Progress == nil {
		data.Progress = make(map[types.JobID][]types.ProgressEvent)
	}
	if data.Logs == nil {
		data.Logs = make(map[types.JobID][]types.LogEntry)
	}
	return data, nil
}

func (m *snapshotManager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}
