package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexdrift/dspy-jobsvc/internal/executor"
	"github.com/hexdrift/dspy-jobsvc/internal/executor/refexec"
	"github.com/hexdrift/dspy-jobsvc/internal/jobstore/artifacts"
	"github.com/hexdrift/dspy-jobsvc/internal/jobstore/local"
	"github.com/hexdrift/dspy-jobsvc/internal/logging"
	"github.com/hexdrift/dspy-jobsvc/internal/metrics"
	"github.com/hexdrift/dspy-jobsvc/internal/workerpool"
	"github.com/hexdrift/dspy-jobsvc/pkg/types"
)

const testExecutorName = "reference"

func testRegistry() *executor.Registry {
	registry := executor.NewRegistry()
	registry.Register(executor.Name(testExecutorName), refexec.New())
	return registry
}

// sharedCollector is package-scoped because metrics.NewCollector registers
// its gauges against the default Prometheus registry; a second registration
// under the same names would panic.
var (
	sharedCollector     *metrics.Collector
	sharedCollectorOnce sync.Once
)

func testCollector() *metrics.Collector {
	sharedCollectorOnce.Do(func() { sharedCollector = metrics.NewCollector() })
	return sharedCollector
}

func newTestServer(t *testing.T) (*httptest.Server, *local.Store, *workerpool.Pool) {
	t.Helper()
	return newTestServerWithRegistry(t, testRegistry())
}

func newTestServerWithRegistry(t *testing.T, registry *executor.Registry) (*httptest.Server, *local.Store, *workerpool.Pool) {
	t.Helper()
	dir := t.TempDir()
	store, err := local.Open(local.Options{
		WALPath:      filepath.Join(dir, "jobs.wal"),
		SnapshotPath: filepath.Join(dir, "jobs.snapshot"),
		WALBuffer:    16,
		WALFlush:     10 * time.Millisecond,
		MaxProgress:  10,
		MaxLogs:      10,
	}, logging.New("test", nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	art, err := artifacts.New(t.TempDir())
	require.NoError(t, err)

	pool := workerpool.New(store, nil, nil, art, logging.New("test", nil), workerpool.Options{Concurrency: 1}, nil)

	s := New(Options{ListenHost: "127.0.0.1", ListenPort: 0}, store, pool, art, testCollector(), logging.New("test", nil), registry, testExecutorName)

	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)
	return srv, store, pool
}

// semanticRejectExecutor fails every Validate call regardless of the
// payload's schema validity, letting a test isolate the intake-time
// Executor validation path from the worker pool's own safety-net check.
type semanticRejectExecutor struct{}

func (semanticRejectExecutor) Validate(*types.RunPayload) error {
	return fmt.Errorf("%w: dataset column mismatch", executor.ErrValidation)
}
func (semanticRejectExecutor) ValidateGrid(*types.GridPayload) error { return nil }
func (semanticRejectExecutor) Run(context.Context, *types.RunPayload, types.JobID, executor.ProgressFunc) (map[string]any, error) {
	return nil, nil
}
func (semanticRejectExecutor) RunGrid(context.Context, *types.GridPayload, types.JobID, executor.ProgressFunc) (map[string]any, error) {
	return nil, nil
}

func validRunPayloadJSON() []byte {
	body, _ := json.Marshal(map[string]any{
		"username":        "alice",
		"module_name":     "demo-module",
		"optimizer_name":  "bootstrap",
		"dataset":         []map[string]any{{"question": "2+2", "answer": "4"}},
		"column_mapping":  map[string]any{"inputs": map[string]string{"question": "question"}, "outputs": map[string]string{"answer": "answer"}},
		"split_fractions": map[string]float64{"train": 0.7, "val": 0.15, "test": 0.15},
		"model_config":    map[string]any{"name": "gpt-demo", "temperature": 0.7},
	})
	return body
}

func TestHandleHealth_unavailableBeforePoolStarts(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandleRun_acceptsValidPayload(t *testing.T) {
	srv, store, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/run", "application/json", bytes.NewReader(validRunPayloadJSON()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	jobID := body["job_id"].(string)
	assert.NotEmpty(t, jobID)

	job, err := store.GetJob(context.Background(), types.JobID(jobID))
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, job.Status)
}

func TestHandleRun_rejectsInvalidPayload(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/run", "application/json", bytes.NewReader([]byte(`{"username":""}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestHandleRun_rejectsExecutorSemanticFailureAtIntake(t *testing.T) {
	registry := executor.NewRegistry()
	registry.Register(executor.Name(testExecutorName), semanticRejectExecutor{})
	srv, _, _ := newTestServerWithRegistry(t, registry)

	resp, err := http.Post(srv.URL+"/run", "application/json", bytes.NewReader(validRunPayloadJSON()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "validation_error", body["error"])

	listResp, err := http.Get(srv.URL + "/jobs")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var list map[string]any
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	assert.Equal(t, float64(0), list["total"], "a rejected submission must never be persisted")
}

func TestHandleGetJob_notFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/jobs/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleListJobs_rejectsUnknownStatus(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/jobs?status=not-a-status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestHandleListJobs_returnsSubmittedJob(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/run", "application/json", bytes.NewReader(validRunPayloadJSON()))
	require.NoError(t, err)
	resp.Body.Close()

	listResp, err := http.Get(srv.URL + "/jobs")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&body))
	assert.Equal(t, float64(1), body["total"])
}

func TestHandleCancelJob_conflictsOnTerminalJob(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, &types.Job{
		ID: "job-1", JobType: types.JobTypeRun, Status: types.StatusSuccess,
		Username: "alice", CreatedAt: time.Now().UTC(),
		LatestMetrics: map[string]any{}, PayloadOverview: map[string]any{},
	}))

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/jobs/job-1/cancel", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHandleCancelJob_cancelsPendingJob(t *testing.T) {
	srv, store, pool := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, &types.Job{
		ID: "job-1", JobType: types.JobTypeRun, Status: types.StatusPending,
		Username: "alice", CreatedAt: time.Now().UTC(),
		LatestMetrics: map[string]any{}, PayloadOverview: map[string]any{},
	}))
	pool.Enqueue("job-1")

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/jobs/job-1/cancel", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, got.Status)
}

func TestHandleDeleteJob_rejectsNonTerminalJob(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, &types.Job{
		ID: "job-1", JobType: types.JobTypeRun, Status: types.StatusRunning,
		Username: "alice", CreatedAt: time.Now().UTC(),
		LatestMetrics: map[string]any{}, PayloadOverview: map[string]any{},
	}))

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/jobs/job-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHandleDeleteJob_removesTerminalJob(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, &types.Job{
		ID: "job-1", JobType: types.JobTypeRun, Status: types.StatusSuccess,
		Username: "alice", CreatedAt: time.Now().UTC(),
		LatestMetrics: map[string]any{}, PayloadOverview: map[string]any{},
	}))

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/jobs/job-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, err = store.GetJob(ctx, "job-1")
	assert.Error(t, err)
}

func TestHandleQueue_reportsPendingAndActiveCounts(t *testing.T) {
	srv, store, pool := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, &types.Job{
		ID: "job-1", JobType: types.JobTypeRun, Status: types.StatusPending,
		Username: "alice", CreatedAt: time.Now().UTC(),
		LatestMetrics: map[string]any{}, PayloadOverview: map[string]any{},
	}))
	pool.Enqueue("job-1")

	resp, err := http.Get(srv.URL + "/queue")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, float64(1), body["pending_jobs"])
}
