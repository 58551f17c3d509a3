package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"oss.nandlabs.io/golly/uuid"

	"github.com/hexdrift/dspy-jobsvc/internal/executor"
	"github.com/hexdrift/dspy-jobsvc/internal/jobstore"
	"github.com/hexdrift/dspy-jobsvc/internal/jobstore/artifacts"
	"github.com/hexdrift/dspy-jobsvc/internal/metrics"
	"github.com/hexdrift/dspy-jobsvc/pkg/types"
)

// validatePayload runs the Executor's own semantic validation at intake,
// ahead of the worker pool's identical check, so a payload that is
// schema-valid but Executor-invalid (e.g. a dataset column mismatch) is
// rejected with 400 before it is ever persisted or scheduled.
func validatePayload(ex executor.Executor, jobType types.JobType, payload types.Payload) error {
	switch jobType {
	case types.JobTypeRun:
		return ex.Validate(payload.Run)
	case types.JobTypeGridSearch:
		return ex.ValidateGrid(payload.Grid)
	default:
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Post("/run", s.handleRun)
	s.router.Post("/grid-search", s.handleGridSearch)
	s.router.Get("/jobs", s.handleListJobs)
	s.router.Get("/jobs/:id", s.handleGetJob)
	s.router.Get("/jobs/:id/summary", s.handleGetJobSummary)
	s.router.Get("/jobs/:id/logs", s.handleGetJobLogs)
	s.router.Get("/jobs/:id/payload", s.handleGetJobPayload)
	s.router.Get("/jobs/:id/artifact", s.handleGetJobArtifact)
	s.router.Get("/jobs/:id/grid-result", s.handleGetGridResult)
	s.router.Post("/jobs/:id/cancel", s.handleCancelJob)
	s.router.Delete("/jobs/:id", s.handleDeleteJob)
	s.router.Get("/queue", s.handleQueue)
	s.router.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.Handler().ServeHTTP(w, r)
	})
}

func (s *Server) jobID(r *http.Request) types.JobID {
	id, _ := s.router.GetPathParams("id", r)
	return types.JobID(id)
}

// --- GET /health -----------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.pool.GetStatus()
	if !st.WorkersAlive {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "worker pool is not running")
		return
	}
	if s.pool.IsStale() {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "worker pool has not reported activity within the staleness threshold")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"registered_assets": st.WorkerThreads,
	})
}

// --- POST /run / POST /grid-search -----------------------------------------

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, types.JobTypeRun)
}

func (s *Server) handleGridSearch(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, types.JobTypeGridSearch)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, jobType types.JobType) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		badValidation(w, "could not read request body")
		return
	}

	payload, err := types.ParsePayload(jobType, raw)
	if err != nil {
		badValidation(w, err.Error())
		return
	}

	var schemaErr *types.SchemaError
	switch jobType {
	case types.JobTypeRun:
		schemaErr = types.ValidateRun(payload.Run)
	case types.JobTypeGridSearch:
		schemaErr = types.ValidateGrid(payload.Grid)
	}
	if schemaErr.HasErrors() {
		writeValidationErrors(w, schemaErr)
		return
	}

	ex, err := s.registry.Get(executor.Name(s.executorName))
	if err != nil {
		serverError(w, err.Error())
		return
	}
	if semErr := validatePayload(ex, jobType, payload); semErr != nil {
		badValidation(w, semErr.Error())
		return
	}

	id, err := uuid.V4()
	if err != nil {
		serverError(w, "could not generate job id")
		return
	}
	jobID := types.JobID(id.String())

	now := time.Now().UTC()
	job := &types.Job{
		ID:              jobID,
		JobType:         jobType,
		Status:          types.StatusPending,
		Username:        payload.Username(),
		CreatedAt:       now,
		LatestMetrics:   map[string]any{},
		PayloadOverview: payload.Overview(),
		PayloadRaw:      json.RawMessage(raw),
	}

	if err := s.store.CreateJob(r.Context(), job); err != nil {
		if errors.Is(err, jobstore.ErrConflict) {
			conflict(w, "job id already exists")
			return
		}
		serverError(w, err.Error())
		return
	}

	s.pool.Enqueue(jobID)
	s.metrics.RecordSubmit()

	overview := job.PayloadOverview
	writeJSON(w, http.StatusCreated, map[string]any{
		"job_id":         jobID,
		"job_type":       jobType,
		"status":         job.Status,
		"created_at":     job.CreatedAt,
		"username":       job.Username,
		"module_name":    overview["module_name"],
		"optimizer_name": overview["optimizer_name"],
	})
}

// --- GET /jobs ---------------------------------------------------------

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := jobstore.ListFilter{Limit: 50, Offset: 0}

	if v := q.Get("status"); v != "" {
		status := types.JobStatus(v)
		if !validStatus(status) {
			writeValidationErrors(w, fieldError("status", "unknown status value", v))
			return
		}
		filter.Status = &status
	}
	if v := q.Get("username"); v != "" {
		filter.Username = &v
	}
	if v := q.Get("job_type"); v != "" {
		jt := types.JobType(v)
		if jt != types.JobTypeRun && jt != types.JobTypeGridSearch {
			writeValidationErrors(w, fieldError("job_type", "unknown job type value", v))
			return
		}
		filter.JobType = &jt
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeValidationErrors(w, fieldError("limit", "must be an integer between 1 and 500", v))
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeValidationErrors(w, fieldError("offset", "must be a non-negative integer", v))
			return
		}
		filter.Offset = n
	}

	summaries, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		serverError(w, err.Error())
		return
	}
	total, err := s.store.CountJobs(r.Context(), filter)
	if err != nil {
		serverError(w, err.Error())
		return
	}

	items := make([]map[string]any, 0, len(summaries))
	for _, sum := range summaries {
		items = append(items, summaryView(sum))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":  items,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func validStatus(s types.JobStatus) bool {
	switch s {
	case types.StatusPending, types.StatusValidating, types.StatusRunning,
		types.StatusSuccess, types.StatusFailed, types.StatusCancelled:
		return true
	default:
		return false
	}
}

func fieldError(field, message, value string) *types.SchemaError {
	se := &types.SchemaError{}
	se.Add(field, message+": "+value, "value_error.enum")
	return se
}

func summaryView(sum jobstore.JobSummary) map[string]any {
	j := sum.Job
	return map[string]any{
		"job_id":              j.ID,
		"job_type":            j.JobType,
		"status":              j.Status,
		"username":            j.Username,
		"message":             j.Message,
		"created_at":          j.CreatedAt,
		"started_at":          j.StartedAt,
		"completed_at":        j.CompletedAt,
		"progress_count":      sum.ProgressCount,
		"log_count":           sum.LogCount,
		"estimated_remaining": types.EstimatedRemaining(j.Status, j.LatestMetrics),
	}
}

// --- GET /jobs/{id} / /jobs/{id}/summary --------------------------------

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := s.jobID(r)
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.notFoundOrError(w, err)
		return
	}

	progress, err := s.store.GetProgressEvents(r.Context(), id)
	if err != nil {
		serverError(w, err.Error())
		return
	}
	logs, err := s.store.GetLogs(r.Context(), id, nil, 0, 0)
	if err != nil {
		serverError(w, err.Error())
		return
	}

	resp := map[string]any{
		"job_id":              job.ID,
		"job_type":            job.JobType,
		"status":              job.Status,
		"username":            job.Username,
		"message":             job.Message,
		"created_at":          job.CreatedAt,
		"started_at":          job.StartedAt,
		"completed_at":        job.CompletedAt,
		"latest_metrics":      job.LatestMetrics,
		"progress_events":     progress,
		"logs":                logs,
		"estimated_remaining": types.EstimatedRemaining(job.Status, job.LatestMetrics),
	}
	if job.JobType == types.JobTypeGridSearch {
		if job.Status.IsTerminal() {
			resp["grid_result"] = job.Result
		}
	} else {
		resp["result"] = job.Result
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetJobSummary(w http.ResponseWriter, r *http.Request) {
	id := s.jobID(r)
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.notFoundOrError(w, err)
		return
	}
	progressCount, err := s.store.GetProgressCount(r.Context(), id)
	if err != nil {
		serverError(w, err.Error())
		return
	}
	logCount, err := s.store.GetLogCount(r.Context(), id, nil)
	if err != nil {
		serverError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summaryView(jobstore.JobSummary{Job: *job, ProgressCount: progressCount, LogCount: logCount}))
}

// --- GET /jobs/{id}/logs -------------------------------------------------

func (s *Server) handleGetJobLogs(w http.ResponseWriter, r *http.Request) {
	id := s.jobID(r)
	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		s.notFoundOrError(w, err)
		return
	}

	q := r.URL.Query()
	var level *types.LogLevel
	if v := q.Get("level"); v != "" {
		lv := types.LogLevel(strings.ToUpper(v))
		level = &lv
	}
	limit, offset := 100, 0
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	logs, err := s.store.GetLogs(r.Context(), id, level, limit, offset)
	if err != nil {
		serverError(w, err.Error())
		return
	}
	total, err := s.store.GetLogCount(r.Context(), id, level)
	if err != nil {
		serverError(w, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":  logs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// --- GET /jobs/{id}/payload ----------------------------------------------

func (s *Server) handleGetJobPayload(w http.ResponseWriter, r *http.Request) {
	id := s.jobID(r)
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.notFoundOrError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	// job_type is injected alongside the verbatim payload object so the
	// client knows which intake endpoint a resubmission belongs to.
	_, _ = w.Write(mergeJobType(job.JobType, job.PayloadRaw))
}

func mergeJobType(jobType types.JobType, raw json.RawMessage) []byte {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		out, _ := json.Marshal(map[string]any{"job_type": jobType})
		return out
	}
	typeBytes, _ := json.Marshal(jobType)
	m["job_type"] = typeBytes
	out, _ := json.Marshal(m)
	return out
}

// --- GET /jobs/{id}/artifact -----------------------------------------------

func (s *Server) handleGetJobArtifact(w http.ResponseWriter, r *http.Request) {
	id := s.jobID(r)
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.notFoundOrError(w, err)
		return
	}
	if job.JobType != types.JobTypeRun {
		notFound(w, "artifacts are only available for run jobs; see /jobs/{id}/grid-result")
		return
	}
	switch job.Status {
	case types.StatusSuccess:
		result, err := s.artifacts.Get(id)
		if err != nil {
			if errors.Is(err, artifacts.ErrNotFound) {
				notFound(w, "artifact not found")
				return
			}
			serverError(w, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, result)
	case types.StatusFailed:
		conflict(w, job.Message)
	case types.StatusCancelled:
		conflict(w, "job was cancelled")
	default:
		conflict(w, "job has not finished")
	}
}

// --- GET /jobs/{id}/grid-result --------------------------------------------

func (s *Server) handleGetGridResult(w http.ResponseWriter, r *http.Request) {
	id := s.jobID(r)
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.notFoundOrError(w, err)
		return
	}
	if job.JobType != types.JobTypeGridSearch {
		notFound(w, "grid results are only available for grid_search jobs")
		return
	}
	if !job.Status.IsTerminal() {
		conflict(w, "job has not finished")
		return
	}
	writeJSON(w, http.StatusOK, job.Result)
}

// --- POST /jobs/{id}/cancel -------------------------------------------------

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := s.jobID(r)
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.notFoundOrError(w, err)
		return
	}
	if job.Status.IsTerminal() {
		conflict(w, "job is already in a terminal state")
		return
	}

	s.pool.Cancel(id)

	now := time.Now().UTC()
	message := "Cancelled by user"
	if err := s.store.UpdateJob(r.Context(), id, jobstore.UpdateFields{
		Status:      statusPtr(types.StatusCancelled),
		Message:     &message,
		CompletedAt: jobstore.SetTime(now),
	}); err != nil {
		serverError(w, err.Error())
		return
	}
	s.metrics.RecordCancelled()

	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "status": types.StatusCancelled})
}

func statusPtr(s types.JobStatus) *types.JobStatus { return &s }

// --- DELETE /jobs/{id} -------------------------------------------------------

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := s.jobID(r)
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.notFoundOrError(w, err)
		return
	}
	if !job.Status.IsTerminal() {
		conflict(w, "job must be cancelled or finished before it can be deleted")
		return
	}
	if err := s.store.DeleteJob(r.Context(), id); err != nil {
		serverError(w, err.Error())
		return
	}
	_ = s.artifacts.Delete(id)
	w.WriteHeader(http.StatusNoContent)
}

// --- GET /queue ---------------------------------------------------------

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	st := s.pool.GetStatus()
	writeJSON(w, http.StatusOK, map[string]any{
		"pending_jobs":   st.PendingJobs,
		"active_jobs":    st.ActiveJobs,
		"worker_threads": st.WorkerThreads,
		"workers_alive":  st.WorkersAlive,
	})
}

// --- shared helpers ----------------------------------------------------

func (s *Server) notFoundOrError(w http.ResponseWriter, err error) {
	if errors.Is(err, jobstore.ErrNotFound) {
		notFound(w, "job not found")
		return
	}
	serverError(w, err.Error())
}
