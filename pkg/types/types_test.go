package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobStatus_isTerminal(t *testing.T) {
	assert.True(t, StatusSuccess.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusValidating.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
}

func TestJob_cloneCopiesMapsAndTimePointers(t *testing.T) {
	started := time.Now().UTC()
	job := &Job{
		ID:            "job-1",
		Status:        StatusRunning,
		LatestMetrics: map[string]any{"a": 1},
		StartedAt:     &started,
	}

	clone := job.Clone()
	clone.LatestMetrics["a"] = 2
	*clone.StartedAt = started.Add(time.Hour)

	assert.Equal(t, 1, job.LatestMetrics["a"], "mutating the clone's map must not affect the original")
	assert.Equal(t, started, *job.StartedAt, "mutating the clone's time pointer must not affect the original")
}

func TestJob_cloneOnNilReceiverReturnsNil(t *testing.T) {
	var job *Job
	assert.Nil(t, job.Clone())
}

func TestDecodeProgressSnapshot_extractsKnownKeys(t *testing.T) {
	snap := DecodeProgressSnapshot(map[string]any{
		"tqdm_total":     100.0,
		"tqdm_n":         25,
		"tqdm_remaining": 30.5,
		"tqdm_desc":      "evaluating",
	})
	assert.NotNil(t, snap.Total)
	assert.Equal(t, 100.0, *snap.Total)
	assert.NotNil(t, snap.Current)
	assert.Equal(t, 25.0, *snap.Current)
	assert.NotNil(t, snap.Remaining)
	assert.Equal(t, 30.5, *snap.Remaining)
	assert.Equal(t, "evaluating", snap.Description)
}

func TestDecodeProgressSnapshot_leavesUnrecognizedTypesNil(t *testing.T) {
	snap := DecodeProgressSnapshot(map[string]any{"tqdm_total": "not-a-number"})
	assert.Nil(t, snap.Total)
}

func TestEstimatedRemaining_nilForTerminalStatus(t *testing.T) {
	r := EstimatedRemaining(StatusSuccess, map[string]any{"tqdm_remaining": 90.0})
	assert.Nil(t, r)
}

func TestEstimatedRemaining_nilWhenFieldAbsent(t *testing.T) {
	r := EstimatedRemaining(StatusRunning, map[string]any{})
	assert.Nil(t, r)
}

func TestEstimatedRemaining_formatsAsHMS(t *testing.T) {
	r := EstimatedRemaining(StatusRunning, map[string]any{"tqdm_remaining": 3725.0}) // 1h 2m 5s
	assert.NotNil(t, r)
	assert.Equal(t, "01:02:05", *r)
}
