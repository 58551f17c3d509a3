// Package jobstore defines the durable-storage contract shared by the
// embedded (internal/jobstore/local) and remote (internal/jobstore/remote)
// backends. Both implement Store; the remote package doc lists where its
// behaviour differs from the embedded one. The worker pool and HTTP
// control surface depend only on this interface.
package jobstore

import (
	"context"
	"errors"
	"time"

	"github.com/hexdrift/dspy-jobsvc/pkg/types"
)

// Sentinel errors every backend maps its failures onto.
var (
	ErrNotFound    = errors.New("jobstore: not found")
	ErrConflict    = errors.New("jobstore: conflict")
	ErrStorage     = errors.New("jobstore: storage error")
)

// ListFilter composes the optional filters for ListJobs/CountJobs.
type ListFilter struct {
	Status   *types.JobStatus
	Username *string
	JobType  *types.JobType
	Limit    int
	Offset   int
}

// JobSummary is one row of a listing: the Job plus its precomputed counts,
// avoiding the N+1 query pattern spec.md's list_jobs forbids.
type JobSummary struct {
	Job           types.Job
	ProgressCount int
	LogCount      int
}

// UpdateFields is a partial update for UpdateJob. Nil fields are left
// untouched. LatestMetrics, when non-nil, is merged into the existing map
// rather than replacing it.
type UpdateFields struct {
	Status        *types.JobStatus
	Message       *string
	StartedAt     **time.Time
	CompletedAt   **time.Time
	LatestMetrics map[string]any
	Result        map[string]any
}

// SetTime returns an UpdateFields time pointer that sets the field to t.
func SetTime(t time.Time) **time.Time {
	p := &t
	pp := &p
	return pp
}

// Store is the durable Job/ProgressEvent/LogEntry persistence contract.
// Every operation is atomic with respect to concurrent callers.
type Store interface {
	CreateJob(ctx context.Context, job *types.Job) error
	UpdateJob(ctx context.Context, id types.JobID, fields UpdateFields) error
	GetJob(ctx context.Context, id types.JobID) (*types.Job, error)
	JobExists(ctx context.Context, id types.JobID) (bool, error)
	DeleteJob(ctx context.Context, id types.JobID) error

	RecordProgress(ctx context.Context, id types.JobID, event string, metrics map[string]any) error
	GetProgressEvents(ctx context.Context, id types.JobID) ([]types.ProgressEvent, error)
	GetProgressCount(ctx context.Context, id types.JobID) (int, error)

	AppendLog(ctx context.Context, id types.JobID, level types.LogLevel, logger, message string) error
	GetLogs(ctx context.Context, id types.JobID, level *types.LogLevel, limit, offset int) ([]types.LogEntry, error)
	GetLogCount(ctx context.Context, id types.JobID, level *types.LogLevel) (int, error)

	SetPayloadOverview(ctx context.Context, id types.JobID, overview map[string]any) error

	ListJobs(ctx context.Context, filter ListFilter) ([]JobSummary, error)
	CountJobs(ctx context.Context, filter ListFilter) (int, error)

	RecoverOrphanedJobs(ctx context.Context) (int, error)
	RecoverPendingJobs(ctx context.Context) ([]types.JobID, error)

	Close() error
}
