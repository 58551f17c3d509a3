// ============================================================================
// dspy-jobsvc crash-recovery demo
// ============================================================================
//
// File: cmd/demo/main.go
// Purpose: a small standalone driver that submits a batch of run jobs
// directly against the embedded Job Store and worker pool (bypassing the
// HTTP control surface), then lets the operator kill -TERM the process
// mid-batch and rerun in "recover" mode to see the WAL+snapshot recovery
// path mark the interrupted in-flight jobs failed and re-enqueue the
// still-pending ones.
//
// Usage:
//   go run ./cmd/demo start     # submit a batch, then Ctrl+C mid-run
//   go run ./cmd/demo recover   # reopen the same store and resume
//
// ============================================================================

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hexdrift/dspy-jobsvc/internal/executor"
	"github.com/hexdrift/dspy-jobsvc/internal/executor/refexec"
	"github.com/hexdrift/dspy-jobsvc/internal/jobstore/local"
	"github.com/hexdrift/dspy-jobsvc/internal/logging"
	"github.com/hexdrift/dspy-jobsvc/internal/runner"
	"github.com/hexdrift/dspy-jobsvc/internal/workerpool"
	"github.com/hexdrift/dspy-jobsvc/pkg/types"
)

const demoExecutorName = "reference"

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	storeLog := logging.New("jobstore", nil)
	store, err := local.Open(local.Options{
		WALPath:      "demo_jobs.wal",
		SnapshotPath: "demo_jobs.snapshot",
		WALBuffer:    256,
		WALFlush:     200 * time.Millisecond,
		MaxProgress:  500,
		MaxLogs:      2000,
	}, storeLog)
	if err != nil {
		log.Fatalf("failed to open job store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	orphaned, err := store.RecoverOrphanedJobs(ctx)
	if err != nil {
		log.Fatalf("failed to recover orphaned jobs: %v", err)
	}
	pendingIDs, err := store.RecoverPendingJobs(ctx)
	if err != nil {
		log.Fatalf("failed to recover pending jobs: %v", err)
	}

	if orphaned > 0 || len(pendingIDs) > 0 {
		fmt.Printf("\n⚠️  Recovered %d orphaned job(s) and %d pending job(s) from a previous run\n", orphaned, len(pendingIDs))
		fmt.Printf("💡 This proves: WAL + snapshot recovery = no job silently lost\n")
	}

	registry := executor.NewRegistry()
	registry.Register(executor.Name(demoExecutorName), refexec.New())

	binaryPath, err := os.Executable()
	if err != nil {
		binaryPath = os.Args[0]
	}
	r := runner.New(binaryPath, "spawn", logging.New("runner", nil))

	pool := workerpool.New(store, registry, r, nil, logging.New("workerpool", nil), workerpool.Options{
		Concurrency:        4,
		PollInterval:       200 * time.Millisecond,
		CancelPollInterval: 200 * time.Millisecond,
		StaleThreshold:     30 * time.Second,
		ExecutorName:       demoExecutorName,
	}, pendingIDs)
	pool.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if mode == "start" {
		timestamp := time.Now().Unix()
		count := 0
		for i := 1; i <= 200; i++ {
			job := demoJob(fmt.Sprintf("crash-demo-%03d-%d", i, timestamp))
			if err := store.CreateJob(ctx, job); err != nil {
				log.Printf("failed to create job %s: %v", job.ID, err)
				continue
			}
			pool.Enqueue(job.ID)
			count++
		}
		fmt.Printf("✓ Submitted %d jobs\n", count)
		fmt.Printf("⚡ Jobs are being processed by %d workers...\n", 4)
		fmt.Printf("💡 Press Ctrl+C NOW to catch jobs mid-flight, then rerun with 'recover'\n\n")
	} else if mode == "recover" {
		fmt.Printf("⏳ Resuming recovered jobs; waiting for the pool to drain...\n")
	}

	for i := 0; i < 50; i++ {
		select {
		case <-sigChan:
			fmt.Println("\nReceived shutdown signal, stopping gracefully...")
			pool.Stop(5 * time.Second)
			fmt.Println("✓ Worker pool stopped")
			return
		case <-time.After(200 * time.Millisecond):
			st := pool.GetStatus()
			if st.PendingJobs > 0 || st.ActiveJobs > 0 {
				fmt.Printf("📊 Status: pending=%d active=%d\n", st.PendingJobs, st.ActiveJobs)
			}
		}
	}

	fmt.Println("✓ Demo batch drained")
	pool.Stop(5 * time.Second)
}

func demoJob(id string) *types.Job {
	payload := json.RawMessage(`{"module_name":"demo","dataset":{"train":[{"input":"x","output":"y"}]},"optimizer_name":"bootstrap","model_name":"demo-model"}`)
	now := time.Now().UTC()
	return &types.Job{
		ID:              types.JobID(id),
		JobType:         types.JobTypeRun,
		Status:          types.StatusPending,
		Username:        "demo",
		CreatedAt:       now,
		LatestMetrics:   map[string]any{},
		PayloadOverview: map[string]any{"module_name": "demo", "optimizer_name": "bootstrap"},
		PayloadRaw:      payload,
	}
}
