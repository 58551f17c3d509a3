package workerpool

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexdrift/dspy-jobsvc/internal/executor"
	"github.com/hexdrift/dspy-jobsvc/internal/executor/refexec"
	"github.com/hexdrift/dspy-jobsvc/internal/jobstore/artifacts"
	"github.com/hexdrift/dspy-jobsvc/internal/jobstore/local"
	"github.com/hexdrift/dspy-jobsvc/internal/logging"
	"github.com/hexdrift/dspy-jobsvc/pkg/types"
)

func validRunPayload() *types.RunPayload {
	return &types.RunPayload{
		Username:      "alice",
		ModuleName:    "demo-module",
		OptimizerName: "bootstrap",
		Dataset:       []map[string]any{{"question": "2+2", "answer": "4"}},
		ColumnMapping: types.ColumnMapping{
			Inputs:  map[string]string{"question": "question"},
			Outputs: map[string]string{"answer": "answer"},
		},
		SplitFractions: types.DefaultSplitFractions(),
		ModelConfig:    types.ModelConfig{Name: "gpt-demo", Temperature: 0.7},
	}
}

func processTestStore(t *testing.T) *local.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := local.Open(local.Options{
		WALPath:      filepath.Join(dir, "jobs.wal"),
		SnapshotPath: filepath.Join(dir, "jobs.snapshot"),
		WALBuffer:    16,
		WALFlush:     10 * time.Millisecond,
		MaxProgress:  10,
		MaxLogs:      10,
	}, logging.New("test", nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// processTestPool builds a Pool whose runner is left nil: every scenario
// exercised here short-circuits before processJob reaches p.runner.Run.
func processTestPool(t *testing.T, registry *executor.Registry, executorName string) (*Pool, *local.Store) {
	store := processTestStore(t)
	art, err := artifacts.New(t.TempDir())
	require.NoError(t, err)
	p := New(store, registry, nil, art, logging.New("test", nil), Options{Concurrency: 1, ExecutorName: executorName}, nil)
	return p, store
}

func submitJob(t *testing.T, store *local.Store, p *Pool, id types.JobID, raw json.RawMessage) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, &types.Job{
		ID:              id,
		JobType:         types.JobTypeRun,
		Status:          types.StatusPending,
		Username:        "alice",
		CreatedAt:       time.Now().UTC(),
		LatestMetrics:   map[string]any{},
		PayloadOverview: map[string]any{},
		PayloadRaw:      raw,
	}))
	p.Enqueue(id)
	_, err := p.popPending()
	require.NoError(t, err)
}

func TestProcessJob_cancelledBeforeStartSkipsExecution(t *testing.T) {
	p, store := processTestPool(t, executor.NewRegistry(), "reference")
	raw, err := json.Marshal(validRunPayload())
	require.NoError(t, err)
	submitJob(t, store, p, "job-1", raw)

	require.True(t, p.Cancel("job-1"))
	require.NoError(t, p.processJob(0, "job-1"))

	got, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, got.Status)
}

func TestProcessJob_malformedPayloadFailsJob(t *testing.T) {
	p, store := processTestPool(t, executor.NewRegistry(), "reference")
	submitJob(t, store, p, "job-1", json.RawMessage(`not json`))

	require.NoError(t, p.processJob(0, "job-1"))

	got, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
}

func TestProcessJob_unknownExecutorFailsJob(t *testing.T) {
	p, store := processTestPool(t, executor.NewRegistry(), "missing")
	raw, err := json.Marshal(validRunPayload())
	require.NoError(t, err)
	submitJob(t, store, p, "job-1", raw)

	require.NoError(t, p.processJob(0, "job-1"))

	got, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
}

func TestProcessJob_validationFailureFailsJob(t *testing.T) {
	registry := executor.NewRegistry()
	registry.Register(executor.Name("reference"), refexec.New())
	p, store := processTestPool(t, registry, "reference")

	payload := validRunPayload()
	payload.Username = ""
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	submitJob(t, store, p, "job-1", raw)

	require.NoError(t, p.processJob(0, "job-1"))

	got, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
}

func TestSucceedJob_persistsArtifactAndMarksSuccess(t *testing.T) {
	p, store := processTestPool(t, executor.NewRegistry(), "reference")
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, &types.Job{
		ID: "job-1", JobType: types.JobTypeRun, Status: types.StatusRunning,
		Username: "alice", CreatedAt: time.Now().UTC(),
		LatestMetrics: map[string]any{}, PayloadOverview: map[string]any{},
	}))

	require.NoError(t, p.succeedJob(ctx, "job-1", map[string]any{"final_score": 0.9}))

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, got.Status)
	assert.NotNil(t, got.CompletedAt)

	artifact, err := p.artifacts.Get("job-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.9, artifact["final_score"], 1e-9)
}

func TestFailJob_setsFailedStatusAndMessage(t *testing.T) {
	p, store := processTestPool(t, executor.NewRegistry(), "reference")
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, &types.Job{
		ID: "job-1", JobType: types.JobTypeRun, Status: types.StatusRunning,
		Username: "alice", CreatedAt: time.Now().UTC(),
		LatestMetrics: map[string]any{}, PayloadOverview: map[string]any{},
	}))

	p.failJob(ctx, "job-1", "boom", nil)

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, "boom", got.Message)
}

func TestFailJob_persistsResultWhenProvided(t *testing.T) {
	p, store := processTestPool(t, executor.NewRegistry(), "reference")
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, &types.Job{
		ID: "job-1", JobType: types.JobTypeGridSearch, Status: types.StatusRunning,
		Username: "alice", CreatedAt: time.Now().UTC(),
		LatestMetrics: map[string]any{}, PayloadOverview: map[string]any{},
	}))

	p.failJob(ctx, "job-1", "all grid pairs failed", map[string]any{"completed_pairs": 0, "failed_pairs": 2})

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.EqualValues(t, 2, got.Result["failed_pairs"])
}

func TestCancelJob_setsCancelledStatus(t *testing.T) {
	p, store := processTestPool(t, executor.NewRegistry(), "reference")
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, &types.Job{
		ID: "job-1", JobType: types.JobTypeRun, Status: types.StatusRunning,
		Username: "alice", CreatedAt: time.Now().UTC(),
		LatestMetrics: map[string]any{}, PayloadOverview: map[string]any{},
	}))

	require.NoError(t, p.cancelJob(ctx, "job-1"))

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, got.Status)
}
