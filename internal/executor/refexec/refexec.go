// Package refexec is a reference Executor: a deterministic simulator that
// exercises the full scheduler lifecycle (progress events, metrics,
// per-pair grid results, validation failures) without depending on any
// real optimization library. It stands in for "the optimization engine
// itself", which spec.md treats as an external collaborator out of scope
// for this module.
package refexec

import (
	"context"
	"fmt"
	"time"

	"github.com/hexdrift/dspy-jobsvc/internal/executor"
	"github.com/hexdrift/dspy-jobsvc/pkg/types"
)

// Executor is a reference implementation driven entirely by the payload's
// own fields: dataset size determines step count, and a model name of
// "fail" deterministically fails a run, so tests can exercise failure
// paths without a fault-injection side channel.
type Executor struct {
	// StepDelay is slept between simulated optimizer steps. Zero (the
	// default) runs as fast as possible; tests may override it to assert
	// on intermediate progress events.
	StepDelay time.Duration
}

var _ executor.Executor = (*Executor)(nil)

// New returns a ready-to-register reference Executor.
func New() *Executor {
	return &Executor{}
}

// Validate implements executor.Executor.
func (e *Executor) Validate(payload *types.RunPayload) error {
	if errs := types.ValidateRun(payload); errs != nil && errs.HasErrors() {
		return fmt.Errorf("%w: %s", executor.ErrValidation, errs.Error())
	}
	return nil
}

// ValidateGrid implements executor.Executor.
func (e *Executor) ValidateGrid(payload *types.GridPayload) error {
	if errs := types.ValidateGrid(payload); errs != nil && errs.HasErrors() {
		return fmt.Errorf("%w: %s", executor.ErrValidation, errs.Error())
	}
	return nil
}

// Run implements executor.Executor, simulating a single optimization pass
// over the submitted dataset.
func (e *Executor) Run(ctx context.Context, payload *types.RunPayload, artifactID types.JobID, report executor.ProgressFunc) (map[string]any, error) {
	if payload.ModelConfig.Name == "fail" {
		return nil, fmt.Errorf("dataset column mismatch: expected %q but got %q", "question", "query")
	}

	total := len(payload.Dataset)
	if total == 0 {
		total = 1
	}
	report("dataset_splits_ready", map[string]any{
		"train": int(float64(total) * payload.SplitFractions.Train),
		"val":   int(float64(total) * payload.SplitFractions.Val),
		"test":  int(float64(total) * payload.SplitFractions.Test),
	})

	baseline := 0.5
	report("baseline_evaluated", map[string]any{"baseline_score": baseline})

	best := baseline
	start := time.Now()
	for step := 1; step <= total; step++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if e.StepDelay > 0 {
			time.Sleep(e.StepDelay)
		}
		best += (1 - best) * 0.1
		report("optimizer_progress", map[string]any{
			"tqdm_total":     float64(total),
			"tqdm_n":         float64(step),
			"tqdm_elapsed":   time.Since(start).Seconds(),
			"tqdm_rate":      float64(step) / max(time.Since(start).Seconds(), 0.001),
			"tqdm_remaining": float64(total-step) * 0.01,
			"tqdm_percent":   float64(step) / float64(total) * 100,
			"tqdm_desc":      "optimizing",
			"score":          best,
		})
	}

	return map[string]any{
		"baseline_score": baseline,
		"final_score":    best,
		"steps":          total,
	}, nil
}

// RunGrid implements executor.Executor, sweeping every generation x
// reflection model pair through Run and aggregating per-pair outcomes.
func (e *Executor) RunGrid(ctx context.Context, payload *types.GridPayload, artifactID types.JobID, report executor.ProgressFunc) (map[string]any, error) {
	pairs := make([]map[string]any, 0, payload.PairCount())
	completed, failed := 0, 0

	for gi, gen := range payload.GenerationModels {
		for ri, refl := range payload.ReflectionModels {
			pairID := fmt.Sprintf("pair-%d-%d", gi, ri)
			report("grid_pair_started", map[string]any{"pair_id": pairID, "generation_model": gen.Name, "reflection_model": refl.Name})

			reflCopy := refl
			runPayload := &types.RunPayload{
				ModuleName:            payload.ModuleName,
				OptimizerName:         payload.OptimizerName,
				Dataset:               payload.Dataset,
				ColumnMapping:         payload.ColumnMapping,
				SplitFractions:        payload.SplitFractions,
				Seed:                  payload.Seed,
				Username:              payload.Username,
				ModelConfig:           gen,
				ReflectionModelConfig: &reflCopy,
			}

			result, err := e.Run(ctx, runPayload, artifactID, func(event string, metrics map[string]any) {
				report("grid_pair_progress", map[string]any{"pair_id": pairID, "event": event, "metrics": metrics})
			})
			if err != nil {
				failed++
				pairs = append(pairs, map[string]any{
					"pair_id":          pairID,
					"generation_model": gen.Name,
					"reflection_model": refl.Name,
					"status":           "failed",
					"error":            err.Error(),
				})
				continue
			}
			completed++
			pairs = append(pairs, map[string]any{
				"pair_id":          pairID,
				"generation_model": gen.Name,
				"reflection_model": refl.Name,
				"status":           "success",
				"result":           result,
			})
		}
	}

	result := map[string]any{
		"pairs":           pairs,
		"completed_pairs": completed,
		"failed_pairs":    failed,
	}
	if completed == 0 && failed > 0 {
		return result, fmt.Errorf("all %d grid pairs failed", failed)
	}
	return result, nil
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
