// ============================================================================
// dspy-jobsvc embedded Job Store
// ============================================================================
//
// Package: internal/jobstore/local
// Purpose: a single-process, WAL+snapshot backed jobstore.Store, the
// default backend for a standalone jobsvc instance.
//
// Every mutation is appended to the WAL before the in-memory maps change,
// and Store.Snapshot folds the WAL into a fresh snapshot so recovery only
// has to replay the tail written since; the store runs no background loop
// of its own that calls Snapshot. All state lives
// under one mutex: jobs are few enough (hundreds, not millions) that a
// single lock plus durable logging is simpler and fast enough, the same
// tradeoff the scheduler's own worker pool makes for its pending queue.
//
// ============================================================================

package local

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hexdrift/dspy-jobsvc/internal/jobstore"
	"github.com/hexdrift/dspy-jobsvc/internal/jobstore/local/wal"
	"github.com/hexdrift/dspy-jobsvc/internal/logging"
	"github.com/hexdrift/dspy-jobsvc/pkg/types"
)

// Options configures a Store.
type Options struct {
	WALPath      string
	SnapshotPath string
	WALBuffer    int
	WALFlush     time.Duration
	MaxProgress  int
	MaxLogs      int
}

// Store is the embedded, in-process jobstore.Store implementation.
type Store struct {
	mu sync.Mutex

	jobs     map[types.JobID]*types.Job
	progress map[types.JobID][]types.ProgressEvent
	logs     map[types.JobID][]types.LogEntry
	nextLog  int64

	maxProgress int
	maxLogs     int

	wal      *wal.WAL
	snapshot *snapshotManager
	log      *logging.Logger
}

var _ jobstore.Store = (*Store)(nil)

// Open loads the last snapshot, replays the WAL tail after it, and returns
// a Store ready to serve requests.
func Open(opts Options, log *logging.Logger) (*Store, error) {
	if opts.MaxProgress <= 0 {
		opts.MaxProgress = 500
	}
	if opts.MaxLogs <= 0 {
		opts.MaxLogs = 2000
	}

	s := &Store{
		jobs:        make(map[types.JobID]*types.Job),
		progress:    make(map[types.JobID][]types.ProgressEvent),
		logs:        make(map[types.JobID][]types.LogEntry),
		maxProgress: opts.MaxProgress,
		maxLogs:     opts.MaxLogs,
		snapshot:    newSnapshotManager(opts.SnapshotPath),
		log:         log,
	}

	snap, err := s.snapshot.Load()
	if err != nil {
		return nil, err
	}
	s.jobs = snap.Jobs
	s.progress = snap.Progress
	s.logs = snap.Logs
	for _, entries := range s.logs {
		for _, e := range entries {
			if e.ID >= s.nextLog {
				s.nextLog = e.ID + 1
			}
		}
	}

	w, err := wal.NewWAL(opts.WALPath, opts.WALBuffer, opts.WALFlush)
	if err != nil {
		return nil, err
	}
	s.wal = w

	if err := w.Replay(s.applyReplayedEvent); err != nil {
		return nil, err
	}

	return s, nil
}

// applyReplayedEvent reapplies one WAL record to in-memory state during
// startup recovery. It only runs before the store serves any request, so
// it does not take s.mu itself (Open already holds exclusive ownership).
func (s *Store) applyReplayedEvent(event *wal.Event) error {
	switch event.Type {
	case wal.EventJobCreated, wal.EventJobUpdated, wal.EventOverviewSet:
		if event.Job != nil {
			s.jobs[event.JobID] = event.Job
		}
	case wal.EventJobDeleted:
		delete(s.jobs, event.JobID)
		delete(s.progress, event.JobID)
		delete(s.logs, event.JobID)
	case wal.EventProgressRecorded:
		if event.Progress != nil {
			s.progress[event.JobID] = appendCapped(s.progress[event.JobID], *event.Progress, s.maxProgress)
		}
	case wal.EventLogAppended:
		if event.Log != nil {
			if event.Log.ID >= s.nextLog {
				s.nextLog = event.Log.ID + 1
			}
			s.logs[event.JobID] = appendCappedLog(s.logs[event.JobID], *event.Log, s.maxLogs)
		}
	}
	return nil
}

func appendCapped(events []types.ProgressEvent, e types.ProgressEvent, max int) []types.ProgressEvent {
	events = append(events, e)
	if len(events) > max {
		events = events[len(events)-max:]
	}
	return events
}

func appendCappedLog(entries []types.LogEntry, e types.LogEntry, max int) []types.LogEntry {
	entries = append(entries, e)
	if len(entries) > max {
		entries = entries[len(entries)-max:]
	}
	return entries
}

// CreateJob implements jobstore.Store.
func (s *Store) CreateJob(ctx context.Context, job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return jobstore.ErrConflict
	}
	stored := job.Clone()
	if err := s.wal.Append(wal.EventJobCreated, job.ID, stored, nil, nil); err != nil {
		return err
	}
	s.jobs[job.ID] = stored
	return nil
}

// UpdateJob implements jobstore.Store.
func (s *Store) UpdateJob(ctx context.Context, id types.JobID, fields jobstore.UpdateFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return jobstore.ErrNotFound
	}
	updated := job.Clone()
	if fields.Status != nil {
		updated.Status = *fields.Status
	}
	if fields.Message != nil {
		updated.Message = *fields.Message
	}
	if fields.StartedAt != nil {
		updated.StartedAt = *fields.StartedAt
	}
	if fields.CompletedAt != nil {
		updated.CompletedAt = *fields.CompletedAt
	}
	if fields.LatestMetrics != nil {
		if updated.LatestMetrics == nil {
			updated.LatestMetrics = make(map[string]any, len(fields.LatestMetrics))
		}
		for k, v := range fields.LatestMetrics {
			updated.LatestMetrics[k] = v
		}
	}
	if fields.Result != nil {
		updated.Result = fields.Result
	}

	if err := s.wal.Append(wal.EventJobUpdated, id, updated, nil, nil); err != nil {
		return err
	}
	s.jobs[id] = updated
	return nil
}

// GetJob implements jobstore.Store.
func (s *Store) GetJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, jobstore.ErrNotFound
	}
	return job.Clone(), nil
}

// JobExists implements jobstore.Store.
func (s *Store) JobExists(ctx context.Context, id types.JobID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok, nil
}

// DeleteJob implements jobstore.Store.
func (s *Store) DeleteJob(ctx context.Context, id types.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return jobstore.ErrNotFound
	}
	if err := s.wal.Append(wal.EventJobDeleted, id, nil, nil, nil); err != nil {
		return err
	}
	delete(s.jobs, id)
	delete(s.progress, id)
	delete(s.logs, id)
	return nil
}

// RecordProgress implements jobstore.Store.
func (s *Store) RecordProgress(ctx context.Context, id types.JobID, event string, metrics map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil
	}
	pe := types.ProgressEvent{JobID: id, Timestamp: time.Now().UTC(), Event: event, Metrics: metrics}
	if err := s.wal.Append(wal.EventProgressRecorded, id, nil, &pe, nil); err != nil {
		return err
	}
	s.progress[id] = appendCapped(s.progress[id], pe, s.maxProgress)
	if len(metrics) > 0 {
		updated := job.Clone()
		if updated.LatestMetrics == nil {
			updated.LatestMetrics = make(map[string]any, len(metrics))
		}
		for k, v := range metrics {
			updated.LatestMetrics[k] = v
		}
		if err := s.wal.Append(wal.EventJobUpdated, id, updated, nil, nil); err != nil {
			return err
		}
		s.jobs[id] = updated
	}
	return nil
}

// GetProgressEvents implements jobstore.Store.
func (s *Store) GetProgressEvents(ctx context.Context, id types.JobID) ([]types.ProgressEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return nil, jobstore.ErrNotFound
	}
	src := s.progress[id]
	out := make([]types.ProgressEvent, len(src))
	copy(out, src)
	return out, nil
}

// GetProgressCount implements jobstore.Store.
func (s *Store) GetProgressCount(ctx context.Context, id types.JobID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return 0, jobstore.ErrNotFound
	}
	return len(s.progress[id]), nil
}

// AppendLog implements jobstore.Store. Silently drops if the job has
// already been deleted: a worker may still be emitting its final log line
// after a DeleteJob already removed the job row.
func (s *Store) AppendLog(ctx context.Context, id types.JobID, level types.LogLevel, logger, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return nil
	}
	entry := types.LogEntry{ID: s.nextLog, JobID: id, Timestamp: time.Now().UTC(), Level: level, LoggerName: logger, Message: message}
	if err := s.wal.Append(wal.EventLogAppended, id, nil, nil, &entry); err != nil {
		return err
	}
	s.nextLog++
	s.logs[id] = appendCappedLog(s.logs[id], entry, s.maxLogs)
	return nil
}

// GetLogs implements jobstore.Store.
func (s *Store) GetLogs(ctx context.Context, id types.JobID, level *types.LogLevel, limit, offset int) ([]types.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return nil, jobstore.ErrNotFound
	}
	filtered := filterLogs(s.logs[id], level)
	return paginateLogs(filtered, limit, offset), nil
}

// GetLogCount implements jobstore.Store.
func (s *Store) GetLogCount(ctx context.Context, id types.JobID, level *types.LogLevel) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return 0, jobstore.ErrNotFound
	}
	return len(filterLogs(s.logs[id], level)), nil
}

func filterLogs(entries []types.LogEntry, level *types.LogLevel) []types.LogEntry {
	if level == nil {
		return entries
	}
	out := make([]types.LogEntry, 0, len(entries))
	for _, e := range entries {
		if e.Level == *level {
			out = append(out, e)
		}
	}
	return out
}

func paginateLogs(entries []types.LogEntry, limit, offset int) []types.LogEntry {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(entries) {
		return []types.LogEntry{}
	}
	end := len(entries)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]types.LogEntry, end-offset)
	copy(out, entries[offset:end])
	return out
}

// SetPayloadOverview implements jobstore.Store.
func (s *Store) SetPayloadOverview(ctx context.Context, id types.JobID, overview map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return jobstore.ErrNotFound
	}
	updated := job.Clone()
	updated.PayloadOverview = overview
	if err := s.wal.Append(wal.EventOverviewSet, id, updated, nil, nil); err != nil {
		return err
	}
	s.jobs[id] = updated
	return nil
}

// ListJobs implements jobstore.Store.
func (s *Store) ListJobs(ctx context.Context, filter jobstore.ListFilter) ([]jobstore.JobSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := s.matchJobs(filter)
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset > 0 && filter.Offset < len(matched) {
		matched = matched[filter.Offset:]
	} else if filter.Offset >= len(matched) {
		matched = nil
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}

	out := make([]jobstore.JobSummary, len(matched))
	for i, job := range matched {
		out[i] = jobstore.JobSummary{
			Job:           *job,
			ProgressCount: len(s.progress[job.ID]),
			LogCount:      len(s.logs[job.ID]),
		}
	}
	return out, nil
}

// CountJobs implements jobstore.Store.
func (s *Store) CountJobs(ctx context.Context, filter jobstore.ListFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.matchJobs(filter)), nil
}

func (s *Store) matchJobs(filter jobstore.ListFilter) []*types.Job {
	matched := make([]*types.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		if filter.Username != nil && job.Username != *filter.Username {
			continue
		}
		if filter.JobType != nil && job.JobType != *filter.JobType {
			continue
		}
		matched = append(matched, job.Clone())
	}
	return matched
}

// RecoverOrphanedJobs implements jobstore.Store. It must run once, before
// the worker pool starts, so nothing races the rewrite.
func (s *Store) RecoverOrphanedJobs(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	now := time.Now().UTC()
	for id, job := range s.jobs {
		if job.Status != types.StatusRunning && job.Status != types.StatusValidating {
			continue
		}
		updated := job.Clone()
		updated.Status = types.StatusFailed
		updated.Message = "Job interrupted by service restart"
		updated.CompletedAt = &now
		if err := s.wal.Append(wal.EventJobUpdated, id, updated, nil, nil); err != nil {
			return count, err
		}
		s.jobs[id] = updated
		count++
	}
	if s.log != nil && count > 0 {
		s.log.InfoF("recovered %d orphaned job(s) to failed", count)
	}
	return count, nil
}

// RecoverPendingJobs implements jobstore.Store, returning pending job ids
// oldest-first so the worker pool's queue replays submission order.
func (s *Store) RecoverPendingJobs(ctx context.Context) ([]types.JobID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make([]*types.Job, 0)
	for _, job := range s.jobs {
		if job.Status == types.StatusPending {
			pending = append(pending, job)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	ids := make([]types.JobID, len(pending))
	for i, job := range pending {
		ids[i] = job.ID
	}
	return ids, nil
}

// Snapshot folds the current in-memory state into a fresh snapshot file
// and truncates the WAL, so a later restart replays a short tail instead
// of the whole history. The store never calls it on its own, and no
// component in this module calls it on a timer.
func (s *Store) Snapshot() error {
	s.mu.Lock()
	jobsCopy := make(map[types.JobID]*types.Job, len(s.jobs))
	for id, job := range s.jobs {
		jobsCopy[id] = job.Clone()
	}
	progressCopy := make(map[types.JobID][]types.ProgressEvent, len(s.progress))
	for id, events := range s.progress {
		cp := make([]types.ProgressEvent, len(events))
		copy(cp, events)
		progressCopy[id] = cp
	}
	logsCopy := make(map[types.JobID][]types.LogEntry, len(s.logs))
	for id, entries := range s.logs {
		cp := make([]types.LogEntry, len(entries))
		copy(cp, entries)
		logsCopy[id] = cp
	}
	lastSeq := s.wal.GetLastSeq()
	s.mu.Unlock()

	if err := s.snapshot.Write(SnapshotData{
		LastSeq:  lastSeq,
		Jobs:     jobsCopy,
		Progress: progressCopy,
		Logs:     logsCopy,
	}); err != nil {
		return err
	}
	return s.wal.Rotate()
}

// Close implements jobstore.Store.
func (s *Store) Close() error {
	return s.wal.Close()
}
