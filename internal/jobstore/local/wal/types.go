// ============================================================================
// dspy-jobsvc Job Store WAL - Event Types
// ============================================================================
//
// Package: internal/jobstore/local/wal
// Purpose: Write-ahead log event vocabulary for the embedded Job Store.
//
// Every mutating Store call appends one Event before the in-memory state
// changes, so a crash between the two leaves nothing to recover silently:
// on restart the last snapshot plus the WAL tail after it reconstruct the
// exact pre-crash state.
//
// ============================================================================

package wal

import (
	"time"

	"github.com/hexdrift/dspy-jobsvc/pkg/types"
)

// EventType names the Job Store mutation an Event records.
type EventType string

// Event type constants.
const (
	EventJobCreated      EventType = "job_created"
	EventJobUpdated      EventType = "job_updated"
	EventProgressRecorded EventType = "progress_recorded"
	EventLogAppended     EventType = "log_appended"
	EventOverviewSet     EventType = "overview_set"
	EventJobDeleted      EventType = "job_deleted"
)

// Event is one WAL record. Job carries the full post-mutation job row for
// JobCreated/JobUpdated/OverviewSet events (a JobDeleted event carries
// only JobID); Progress/Log carry the appended row for the two
// append-only event kinds.
type Event struct {
	Seq       uint64         `json:"seq"`
	Type      EventType      `json:"type"`
	JobID     types.JobID    `json:"job_id"`
	Timestamp int64          `json:"timestamp"`
	Checksum  uint32         `json:"checksum"`

	Job      *types.Job           `json:"job,omitempty"`
	Progress *types.ProgressEvent `json:"progress,omitempty"`
	Log      *types.LogEntry      `json:"log,omitempty"`
}

// EventHandler applies one replayed event to in-memory state.
type EventHandler func(event *Event) error

// Time returns the event's timestamp as a time.Time.
func (e *Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}
