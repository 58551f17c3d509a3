// processJob drives a single job through the lifecycle spec.md §4.4
// describes: observe the cancel flag before every phase transition,
// validate before running, run inside the Subprocess Runner with progress
// and log events streamed straight into the Job Store, and land on exactly
// one terminal status no matter which branch is taken.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hexdrift/dspy-jobsvc/internal/executor"
	"github.com/hexdrift/dspy-jobsvc/internal/jobstore"
	"github.com/hexdrift/dspy-jobsvc/internal/runner"
	"github.com/hexdrift/dspy-jobsvc/pkg/types"
)

func (p *Pool) processJob(worker int, id types.JobID) (err error) {
	ctx := context.Background()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			p.failJob(ctx, id, fmt.Sprintf("%v", r), nil)
		}
	}()

	if p.isCancelled(id) {
		return p.cancelJob(ctx, id)
	}

	job, getErr := p.store.GetJob(ctx, id)
	if getErr != nil {
		return fmt.Errorf("load job: %w", getErr)
	}

	payload, parseErr := types.ParsePayload(job.JobType, job.PayloadRaw)
	if parseErr != nil {
		p.failJob(ctx, id, fmt.Sprintf("could not parse submission: %v", parseErr), nil)
		return nil
	}

	validatingMsg := "Validating payload"
	if err := p.store.UpdateJob(ctx, id, jobstore.UpdateFields{Status: statusPtr(types.StatusValidating), Message: &validatingMsg}); err != nil {
		return fmt.Errorf("transition to validating: %w", err)
	}

	ex, lookupErr := p.registry.Get(executor.Name(p.opts.ExecutorName))
	if lookupErr != nil {
		p.failJob(ctx, id, lookupErr.Error(), nil)
		return nil
	}

	if valErr := validate(ex, payload); valErr != nil {
		p.failJob(ctx, id, valErr.Error(), nil)
		return nil
	}

	if p.isCancelled(id) {
		return p.cancelJob(ctx, id)
	}

	runningMsg := "Running optimization"
	now := time.Now().UTC()
	if err := p.store.UpdateJob(ctx, id, jobstore.UpdateFields{
		Status:    statusPtr(types.StatusRunning),
		Message:   &runningMsg,
		StartedAt: jobstore.SetTime(now),
	}); err != nil {
		return fmt.Errorf("transition to running: %w", err)
	}

	envelope := runner.ChildEnvelope{
		JobID:        id,
		JobType:      job.JobType,
		ExecutorName: p.opts.ExecutorName,
		Payload:      job.PayloadRaw,
	}

	cancelCh := make(chan struct{})
	cancelPoll := p.opts.CancelPollInterval
	if cancelPoll <= 0 {
		cancelPoll = 500 * time.Millisecond
	}
	stopWatch := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cancelPoll)
		defer ticker.Stop()
		for {
			select {
			case <-stopWatch:
				return
			case <-ticker.C:
				if p.isCancelled(id) {
					close(cancelCh)
					return
				}
			}
		}
	}()

	outcome := p.runner.Run(ctx, envelope, p.opts.PollInterval, cancelCh, runner.Callbacks{
		OnProgress: func(event string, metrics map[string]any) {
			_ = p.store.RecordProgress(ctx, id, event, metrics)
		},
		OnLog: func(level types.LogLevel, logger, message string) {
			_ = p.store.AppendLog(ctx, id, level, logger, message)
		},
		OnTick: func() {
			p.touchActivity(worker)
		},
	})
	close(stopWatch)

	if outcome.Cancelled {
		return p.cancelJob(ctx, id)
	}

	if p.isCancelled(id) {
		return p.cancelJob(ctx, id)
	}

	if outcome.Err != nil {
		p.failJob(ctx, id, outcome.Err.Error(), outcome.Result)
		return nil
	}

	return p.succeedJob(ctx, id, outcome.Result)
}

func validate(ex executor.Executor, payload types.Payload) error {
	switch payload.Kind {
	case types.JobTypeRun:
		return ex.Validate(payload.Run)
	case types.JobTypeGridSearch:
		return ex.ValidateGrid(payload.Grid)
	default:
		return errors.New("unknown job type")
	}
}

func (p *Pool) succeedJob(ctx context.Context, id types.JobID, result map[string]any) error {
	now := time.Now().UTC()
	if err := p.artifacts.Put(id, result); err != nil {
		p.log.ErrorF("job %s: persisting artifact: %v", id, err)
	}
	return p.store.UpdateJob(ctx, id, jobstore.UpdateFields{
		Status:      statusPtr(types.StatusSuccess),
		CompletedAt: jobstore.SetTime(now),
		Result:      result,
	})
}

// failJob marks id terminal-failed with message. result is nil for most
// failures; a grid search whose pairs all failed passes its per-pair
// table through here so /grid-result still has something to return.
func (p *Pool) failJob(ctx context.Context, id types.JobID, message string, result map[string]any) {
	now := time.Now().UTC()
	if err := p.store.UpdateJob(ctx, id, jobstore.UpdateFields{
		Status:      statusPtr(types.StatusFailed),
		Message:     &message,
		CompletedAt: jobstore.SetTime(now),
		Result:      result,
	}); err != nil {
		p.log.ErrorF("job %s: recording failure: %v", id, err)
	}
}

func (p *Pool) cancelJob(ctx context.Context, id types.JobID) error {
	now := time.Now().UTC()
	message := "Cancelled by user"
	return p.store.UpdateJob(ctx, id, jobstore.UpdateFields{
		Status:      statusPtr(types.StatusCancelled),
		Message:     &message,
		CompletedAt: jobstore.SetTime(now),
	})
}

func statusPtr(s types.JobStatus) *types.JobStatus { return &s }
