// Package remote implements the jobstore.Store contract on top of
// database/sql, for multi-instance deployments where JOB_STORE_BACKEND=remote.
// No SQL driver ships with this module, and jobsvc serve only wires the
// embedded backend: a custom entrypoint blank-imports a driver and calls
// Open with that driver's name and a DSN such as REMOTE_DB_URL. Queries
// use "?" placeholders and Schema uses SQLite's AUTOINCREMENT syntax.
// Unlike internal/jobstore/local, this backend applies no per-job cap on
// progress events or log entries, and ListJobs/GetLogs apply an offset
// only together with a positive limit. Concurrency control is left
// entirely to the database; there is no process-local mutex here.
package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hexdrift/dspy-jobsvc/internal/jobstore"
	"github.com/hexdrift/dspy-jobsvc/pkg/types"
)

// Store is a database/sql-backed jobstore.Store.
type Store struct {
	db *sql.DB
}

var _ jobstore.Store = (*Store)(nil)

// Schema is the DDL for the three tables this backend reads and writes.
// Applying it is left to the operator's own migration tooling; jobsvc
// never runs DDL itself.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id           TEXT PRIMARY KEY,
	job_type         TEXT NOT NULL,
	status           TEXT NOT NULL,
	username         TEXT NOT NULL,
	message          TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMP NOT NULL,
	started_at       TIMESTAMP,
	completed_at     TIMESTAMP,
	latest_metrics   TEXT NOT NULL DEFAULT '{}',
	result           TEXT,
	payload_overview TEXT NOT NULL DEFAULT '{}',
	payload_raw      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS progress_events (
	job_id    TEXT NOT NULL REFERENCES jobs(job_id),
	timestamp TIMESTAMP NOT NULL,
	event     TEXT NOT NULL,
	metrics   TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_progress_job_id ON progress_events(job_id);

CREATE TABLE IF NOT EXISTS log_entries (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id      TEXT NOT NULL REFERENCES jobs(job_id),
	timestamp   TIMESTAMP NOT NULL,
	level       TEXT NOT NULL,
	logger_name TEXT NOT NULL,
	message     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_log_job_id ON log_entries(job_id);
`

// Open connects using driverName (e.g. "postgres", "sqlite3") against dsn.
// The caller is responsible for registering driverName beforehand via its
// own blank import.
func Open(driverName, dsn string) (*Store, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open remote job store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping remote job store: %w", err)
	}
	return &Store{db: db}, nil
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMap(s string) (map[string]any, error) {
	if s == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// CreateJob implements jobstore.Store.
func (s *Store) CreateJob(ctx context.Context, job *types.Job) error {
	metrics, err := marshalMap(job.LatestMetrics)
	if err != nil {
		return err
	}
	overview, err := marshalMap(job.PayloadOverview)
	if err != nil {
		return err
	}
	var resultJSON sql.NullString
	if job.Result != nil {
		r, err := marshalMap(job.Result)
		if err != nil {
			return err
		}
		resultJSON = sql.NullString{String: r, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, job_type, status, username, message, created_at, started_at, completed_at, latest_metrics, result, payload_overview, payload_raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(job.ID), string(job.JobType), string(job.Status), job.Username, job.Message,
		job.CreatedAt, nullTime(job.StartedAt), nullTime(job.CompletedAt),
		metrics, resultJSON, overview, string(job.PayloadRaw),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", jobstore.ErrStorage, err)
	}
	return nil
}

// UpdateJob implements jobstore.Store.
func (s *Store) UpdateJob(ctx context.Context, id types.JobID, fields jobstore.UpdateFields) error {
	existing, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if fields.Status != nil {
		existing.Status = *fields.Status
	}
	if fields.Message != nil {
		existing.Message = *fields.Message
	}
	if fields.StartedAt != nil {
		existing.StartedAt = *fields.StartedAt
	}
	if fields.CompletedAt != nil {
		existing.CompletedAt = *fields.CompletedAt
	}
	if fields.LatestMetrics != nil {
		if existing.LatestMetrics == nil {
			existing.LatestMetrics = map[string]any{}
		}
		for k, v := range fields.LatestMetrics {
			existing.LatestMetrics[k] = v
		}
	}
	if fields.Result != nil {
		existing.Result = fields.Result
	}

	metrics, err := marshalMap(existing.LatestMetrics)
	if err != nil {
		return err
	}
	var resultJSON sql.NullString
	if existing.Result != nil {
		r, err := marshalMap(existing.Result)
		if err != nil {
			return err
		}
		resultJSON = sql.NullString{String: r, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status=?, message=?, started_at=?, completed_at=?, latest_metrics=?, result=?
		WHERE job_id=?`,
		string(existing.Status), existing.Message, nullTime(existing.StartedAt), nullTime(existing.CompletedAt),
		metrics, resultJSON, string(id),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", jobstore.ErrStorage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return jobstore.ErrNotFound
	}
	return nil
}

// GetJob implements jobstore.Store.
func (s *Store) GetJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, job_type, status, username, message, created_at, started_at, completed_at, latest_metrics, result, payload_overview, payload_raw
		FROM jobs WHERE job_id=?`, string(id))
	return scanJob(row)
}

func scanJob(row *sql.Row) (*types.Job, error) {
	var (
		jobID, jobType, status, username, message, metricsJSON, overviewJSON, payloadRaw string
		createdAt                                                                        time.Time
		startedAt, completedAt                                                            sql.NullTime
		resultJSON                                                                        sql.NullString
	)
	if err := row.Scan(&jobID, &jobType, &status, &username, &message, &createdAt, &startedAt, &completedAt, &metricsJSON, &resultJSON, &overviewJSON, &payloadRaw); err != nil {
		if err == sql.ErrNoRows {
			return nil, jobstore.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", jobstore.ErrStorage, err)
	}

	metrics, err := unmarshalMap(metricsJSON)
	if err != nil {
		return nil, err
	}
	overview, err := unmarshalMap(overviewJSON)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if resultJSON.Valid {
		result, err = unmarshalMap(resultJSON.String)
		if err != nil {
			return nil, err
		}
	}

	job := &types.Job{
		ID:              types.JobID(jobID),
		JobType:         types.JobType(jobType),
		Status:          types.JobStatus(status),
		Username:        username,
		Message:         message,
		CreatedAt:       createdAt,
		LatestMetrics:   metrics,
		Result:          result,
		PayloadOverview: overview,
		PayloadRaw:      json.RawMessage(payloadRaw),
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// JobExists implements jobstore.Store.
func (s *Store) JobExists(ctx context.Context, id types.JobID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE job_id=?)`, string(id)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: %v", jobstore.ErrStorage, err)
	}
	return exists, nil
}

// DeleteJob implements jobstore.Store.
func (s *Store) DeleteJob(ctx context.Context, id types.JobID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", jobstore.ErrStorage, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM progress_events WHERE job_id=?`, string(id)); err != nil {
		return fmt.Errorf("%w: %v", jobstore.ErrStorage, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM log_entries WHERE job_id=?`, string(id)); err != nil {
		return fmt.Errorf("%w: %v", jobstore.ErrStorage, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id=?`, string(id))
	if err != nil {
		return fmt.Errorf("%w: %v", jobstore.ErrStorage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return jobstore.ErrNotFound
	}
	return tx.Commit()
}

// RecordProgress implements jobstore.Store.
func (s *Store) RecordProgress(ctx context.Context, id types.JobID, event string, metrics map[string]any) error {
	exists, err := s.JobExists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	metricsJSON, err := marshalMap(metrics)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO progress_events (job_id, timestamp, event, metrics) VALUES (?, ?, ?, ?)`,
		string(id), time.Now().UTC(), event, metricsJSON)
	if err != nil {
		return fmt.Errorf("%w: %v", jobstore.ErrStorage, err)
	}
	if len(metrics) > 0 {
		return s.UpdateJob(ctx, id, jobstore.UpdateFields{LatestMetrics: metrics})
	}
	return nil
}

// GetProgressEvents implements jobstore.Store.
func (s *Store) GetProgressEvents(ctx context.Context, id types.JobID) ([]types.ProgressEvent, error) {
	exists, err := s.JobExists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, jobstore.ErrNotFound
	}
	rows, err := s.db.QueryContext(ctx, `SELECT timestamp, event, metrics FROM progress_events WHERE job_id=? ORDER BY timestamp ASC`, string(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", jobstore.ErrStorage, err)
	}
	defer rows.Close()

	var out []types.ProgressEvent
	for rows.Next() {
		var ts time.Time
		var eventName, metricsJSON string
		if err := rows.Scan(&ts, &eventName, &metricsJSON); err != nil {
			return nil, fmt.Errorf("%w: %v", jobstore.ErrStorage, err)
		}
		metrics, err := unmarshalMap(metricsJSON)
		if err != nil {
			return nil, err
		}
		out = append(out, types.ProgressEvent{JobID: id, Timestamp: ts, Event: eventName, Metrics: metrics})
	}
	return out, rows.Err()
}

// GetProgressCount implements jobstore.Store.
func (s *Store) GetProgressCount(ctx context.Context, id types.JobID) (int, error) {
	exists, err := s.JobExists(ctx, id)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, jobstore.ErrNotFound
	}
	var count int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM progress_events WHERE job_id=?`, string(id)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", jobstore.ErrStorage, err)
	}
	return count, nil
}

// AppendLog implements jobstore.Store.
func (s *Store) AppendLog(ctx context.Context, id types.JobID, level types.LogLevel, logger, message string) error {
	exists, err := s.JobExists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO log_entries (job_id, timestamp, level, logger_name, message) VALUES (?, ?, ?, ?, ?)`,
		string(id), time.Now().UTC(), string(level), logger, message)
	if err != nil {
		return fmt.Errorf("%w: %v", jobstore.ErrStorage, err)
	}
	return nil
}

// GetLogs implements jobstore.Store.
func (s *Store) GetLogs(ctx context.Context, id types.JobID, level *types.LogLevel, limit, offset int) ([]types.LogEntry, error) {
	exists, err := s.JobExists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, jobstore.ErrNotFound
	}

	query := `SELECT id, timestamp, level, logger_name, message FROM log_entries WHERE job_id=?`
	args := []any{string(id)}
	if level != nil {
		query += ` AND level=?`
		args = append(args, string(*level))
	}
	query += ` ORDER BY id ASC`
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", jobstore.ErrStorage, err)
	}
	defer rows.Close()

	var out []types.LogEntry
	for rows.Next() {
		var entry types.LogEntry
		var lvl string
		var ts time.Time
		if err := rows.Scan(&entry.ID, &ts, &lvl, &entry.LoggerName, &entry.Message); err != nil {
			return nil, fmt.Errorf("%w: %v", jobstore.ErrStorage, err)
		}
		entry.JobID = id
		entry.Timestamp = ts
		entry.Level = types.LogLevel(lvl)
		out = append(out, entry)
	}
	return out, rows.Err()
}

// GetLogCount implements jobstore.Store.
func (s *Store) GetLogCount(ctx context.Context, id types.JobID, level *types.LogLevel) (int, error) {
	exists, err := s.JobExists(ctx, id)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, jobstore.ErrNotFound
	}
	query := `SELECT COUNT(*) FROM log_entries WHERE job_id=?`
	args := []any{string(id)}
	if level != nil {
		query += ` AND level=?`
		args = append(args, string(*level))
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: %v", jobstore.ErrStorage, err)
	}
	return count, nil
}

// SetPayloadOverview implements jobstore.Store.
func (s *Store) SetPayloadOverview(ctx context.Context, id types.JobID, overview map[string]any) error {
	overviewJSON, err := marshalMap(overview)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET payload_overview=? WHERE job_id=?`, overviewJSON, string(id))
	if err != nil {
		return fmt.Errorf("%w: %v", jobstore.ErrStorage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return jobstore.ErrNotFound
	}
	return nil
}

// ListJobs implements jobstore.Store.
func (s *Store) ListJobs(ctx context.Context, filter jobstore.ListFilter) ([]jobstore.JobSummary, error) {
	query := `
		SELECT j.job_id, j.job_type, j.status, j.username, j.message, j.created_at, j.started_at, j.completed_at,
		       j.latest_metrics, j.result, j.payload_overview, j.payload_raw,
		       (SELECT COUNT(*) FROM progress_events p WHERE p.job_id = j.job_id),
		       (SELECT COUNT(*) FROM log_entries l WHERE l.job_id = j.job_id)
		FROM jobs j WHERE 1=1`
	args := []any{}
	query, args = appendFilter(query, args, filter)
	query += ` ORDER BY j.created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", jobstore.ErrStorage, err)
	}
	defer rows.Close()

	var out []jobstore.JobSummary
	for rows.Next() {
		var (
			jobID, jobType, status, username, message, metricsJSON, overviewJSON, payloadRaw string
			createdAt                                                                        time.Time
			startedAt, completedAt                                                           sql.NullTime
			resultJSON                                                                        sql.NullString
			progressCount, logCount                                                           int
		)
		if err := rows.Scan(&jobID, &jobType, &status, &username, &message, &createdAt, &startedAt, &completedAt,
			&metricsJSON, &resultJSON, &overviewJSON, &payloadRaw, &progressCount, &logCount); err != nil {
			return nil, fmt.Errorf("%w: %v", jobstore.ErrStorage, err)
		}
		metrics, err := unmarshalMap(metricsJSON)
		if err != nil {
			return nil, err
		}
		overview, err := unmarshalMap(overviewJSON)
		if err != nil {
			return nil, err
		}
		var result map[string]any
		if resultJSON.Valid {
			result, err = unmarshalMap(resultJSON.String)
			if err != nil {
				return nil, err
			}
		}
		job := types.Job{
			ID: types.JobID(jobID), JobType: types.JobType(jobType), Status: types.JobStatus(status),
			Username: username, Message: message, CreatedAt: createdAt,
			LatestMetrics: metrics, Result: result, PayloadOverview: overview, PayloadRaw: json.RawMessage(payloadRaw),
		}
		if startedAt.Valid {
			t := startedAt.Time
			job.StartedAt = &t
		}
		if completedAt.Valid {
			t := completedAt.Time
			job.CompletedAt = &t
		}
		out = append(out, jobstore.JobSummary{Job: job, ProgressCount: progressCount, LogCount: logCount})
	}
	return out, rows.Err()
}

// CountJobs implements jobstore.Store.
func (s *Store) CountJobs(ctx context.Context, filter jobstore.ListFilter) (int, error) {
	query := `SELECT COUNT(*) FROM jobs j WHERE 1=1`
	args := []any{}
	query, args = appendFilter(query, args, filter)
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: %v", jobstore.ErrStorage, err)
	}
	return count, nil
}

func appendFilter(query string, args []any, filter jobstore.ListFilter) (string, []any) {
	if filter.Status != nil {
		query += ` AND j.status=?`
		args = append(args, string(*filter.Status))
	}
	if filter.Username != nil {
		query += ` AND j.username=?`
		args = append(args, *filter.Username)
	}
	if filter.JobType != nil {
		query += ` AND j.job_type=?`
		args = append(args, string(*filter.JobType))
	}
	return query, args
}

// RecoverOrphanedJobs implements jobstore.Store.
func (s *Store) RecoverOrphanedJobs(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status=?, message=?, completed_at=?
		WHERE status IN (?, ?)`,
		string(types.StatusFailed), "Job interrupted by service restart", time.Now().UTC(),
		string(types.StatusRunning), string(types.StatusValidating),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", jobstore.ErrStorage, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RecoverPendingJobs implements jobstore.Store.
func (s *Store) RecoverPendingJobs(ctx context.Context) ([]types.JobID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT job_id FROM jobs WHERE status=? ORDER BY created_at ASC`, string(types.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", jobstore.ErrStorage, err)
	}
	defer rows.Close()

	var ids []types.JobID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: %v", jobstore.ErrStorage, err)
		}
		ids = append(ids, types.JobID(id))
	}
	return ids, rows.Err()
}

// Close implements jobstore.Store.
func (s *Store) Close() error {
	return s.db.Close()
}
