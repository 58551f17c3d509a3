// ============================================================================
// dspy-jobsvc Core Type Definitions
// ============================================================================
//
// Package: pkg/types
// Purpose: Core domain models shared by the job store, worker pool,
// subprocess runner and HTTP control surface.
//
// Core Types:
//   - Job: durable record of one optimization request
//   - JobStatus: lifecycle state enum (pending/validating/running/success/failed/cancelled)
//   - ProgressEvent: one incremental update emitted during a run
//   - LogEntry: one log line captured from the child subprocess
//   - ProgressSnapshot: typed view over the tqdm_* progress keys
//
// Timestamps:
//   time.Time in UTC, matching the Job Store's timezone-aware columns.
//
// ============================================================================

// Package types defines core domain models for the dspy-jobsvc system.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobID uniquely identifies a job. It is a UUID string.
type JobID string

// JobStatus represents a job's lifecycle state.
type JobStatus string

// Job status constants.
const (
	StatusPending    JobStatus = "pending"
	StatusValidating JobStatus = "validating"
	StatusRunning    JobStatus = "running"
	StatusSuccess    JobStatus = "success"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further status transition is permitted.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// JobType distinguishes a single-run request from a grid-search sweep.
type JobType string

// Job type constants.
const (
	JobTypeRun        JobType = "run"
	JobTypeGridSearch JobType = "grid_search"
)

// Job represents a unit of work in the system.
type Job struct {
	// Identification
	ID      JobID   `json:"job_id"`
	JobType JobType `json:"job_type"`

	// State tracking
	Status   JobStatus `json:"status"`
	Username string    `json:"username"`
	Message  string    `json:"message"`

	// Time management, UTC
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Progress and result. LatestMetrics is merged (never replaced) on
	// every RecordProgress call that carries metrics.
	LatestMetrics   map[string]any `json:"latest_metrics"`
	Result          map[string]any `json:"result,omitempty"`
	PayloadOverview map[string]any `json:"payload_overview"`

	// PayloadRaw is the submission stored verbatim, field names exactly as
	// the client sent them, so GET .../payload can return it unmodified
	// and a resubmission round-trips byte for byte.
	PayloadRaw json.RawMessage `json:"-"`
}

// Clone returns a copy safe to hand outside the scheduler mutex: maps and
// the nullable time fields are copied, PayloadRaw is treated as immutable.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.LatestMetrics = cloneMap(j.LatestMetrics)
	cp.Result = cloneMap(j.Result)
	cp.PayloadOverview = cloneMap(j.PayloadOverview)
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ProgressEvent is one incremental update emitted during a run, keyed by
// (job_id, timestamp).
type ProgressEvent struct {
	JobID     JobID          `json:"-"`
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	Metrics   map[string]any `json:"metrics"`
}

// LogLevel is one of the four levels a LogEntry may carry.
type LogLevel string

// Log level constants.
const (
	LogDebug   LogLevel = "DEBUG"
	LogInfo    LogLevel = "INFO"
	LogWarning LogLevel = "WARNING"
	LogError   LogLevel = "ERROR"
)

// LogEntry is one log line captured from the child subprocess, surrogate
// keyed and indexed by JobID.
type LogEntry struct {
	ID         int64     `json:"-"`
	JobID      JobID     `json:"-"`
	Timestamp  time.Time `json:"timestamp"`
	Level      LogLevel  `json:"level"`
	LoggerName string    `json:"logger_name"`
	Message    string    `json:"message"`
}

// ProgressSnapshot is a small typed view decoded on demand from the
// well-known tqdm_* keys inside a Job's latest_metrics.
type ProgressSnapshot struct {
	Total       *float64
	Current     *float64
	Elapsed     *float64
	Rate        *float64
	Remaining   *float64
	Percent     *float64
	Description string
}

// DecodeProgressSnapshot extracts the recognized tqdm_* keys from a metrics
// map. Keys that are absent or of an unexpected type leave the
// corresponding field nil.
func DecodeProgressSnapshot(metrics map[string]any) ProgressSnapshot {
	var snap ProgressSnapshot
	snap.Total = floatPtr(metrics["tqdm_total"])
	snap.Current = floatPtr(metrics["tqdm_n"])
	snap.Elapsed = floatPtr(metrics["tqdm_elapsed"])
	snap.Rate = floatPtr(metrics["tqdm_rate"])
	snap.Remaining = floatPtr(metrics["tqdm_remaining"])
	snap.Percent = floatPtr(metrics["tqdm_percent"])
	if desc, ok := metrics["tqdm_desc"].(string); ok {
		snap.Description = desc
	}
	return snap
}

// EstimatedRemaining formats tqdm_remaining as HH:MM:SS. Terminal jobs
// always report nil, even if the field is still present in latest_metrics.
func EstimatedRemaining(status JobStatus, metrics map[string]any) *string {
	if status.IsTerminal() {
		return nil
	}
	snap := DecodeProgressSnapshot(metrics)
	if snap.Remaining == nil {
		return nil
	}
	d := time.Duration(*snap.Remaining * float64(time.Second))
	s := formatHMS(d)
	return &s
}

func formatHMS(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d.Seconds())
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func floatPtr(v any) *float64 {
	switch n := v.(type) {
	case float64:
		return &n
	case float32:
		f := float64(n)
		return &f
	case int:
		f := float64(n)
		return &f
	case int64:
		f := float64(n)
		return &f
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return nil
		}
		return &f
	default:
		return nil
	}
}
