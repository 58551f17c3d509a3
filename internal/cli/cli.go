// ============================================================================
// dspy-jobsvc CLI
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the command line interface based on the Cobra framework
//
// Command Structure:
//   jobsvc                        # Root command
//   ├── serve                     # Start the control plane
//   │   └── --config, -c         # Specify config file
//   ├── exec-child                # Internal: run one job in a fresh process
//   └── --version                 # Display version information
//
// Configuration Management:
//   Uses YAML format config file, layered with environment variable
//   overrides (see internal/config). Configuration items include:
//   - job_store: embedded/remote backend selection and durability knobs
//   - worker: pool concurrency and polling intervals
//   - http: control surface listen address
//   - metrics: enabled/port settings; serve does not read them, and always
//     registers the Prometheus collector and serves /metrics on the HTTP
//     listener
//
// serve Command:
//   Starts the complete control plane, including:
//   1. Load config file
//   2. Open the Job Store and recover orphaned/pending jobs
//   3. Build the worker pool with recovered jobs pre-enqueued
//   4. Start the HTTP control surface
//   5. Listen for SIGTERM and gracefully shut the system down
//
//   Examples:
//     ./jobsvc serve
//     ./jobsvc serve -c custom-config.yaml
//
// exec-child Command:
//   Invoked internally by internal/runner.Runner as "jobsvc exec-child":
//   reads one ChildEnvelope from stdin, runs it against the registered
//   Executor, and writes the IPC event stream to stdout. Not meant to be
//   run by hand.
//
// Signal Handling:
//   serve captures SIGTERM and gracefully shuts the system down, stopping
//   components in reverse start order:
//   1. Stop the HTTP control surface, so no new jobs are accepted
//   2. Signal in-flight jobs to cancel and wait for workers to drain
//   3. Close the Job Store
//
//   The handler chains to whatever SIGTERM handler was previously
//   installed, and is itself uninstalled once serve returns, so repeated
//   start/stop cycles in the same process (as in integration tests) never
//   accumulate handlers.
//
// Error Handling:
//   - Config load failed: return detailed error information
//   - Component start failed: clean up resources and return
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"oss.nandlabs.io/golly/lifecycle"

	"github.com/hexdrift/dspy-jobsvc/internal/api"
	"github.com/hexdrift/dspy-jobsvc/internal/config"
	"github.com/hexdrift/dspy-jobsvc/internal/executor"
	"github.com/hexdrift/dspy-jobsvc/internal/executor/refexec"
	"github.com/hexdrift/dspy-jobsvc/internal/jobstore"
	"github.com/hexdrift/dspy-jobsvc/internal/jobstore/artifacts"
	"github.com/hexdrift/dspy-jobsvc/internal/jobstore/local"
	"github.com/hexdrift/dspy-jobsvc/internal/logging"
	"github.com/hexdrift/dspy-jobsvc/internal/metrics"
	"github.com/hexdrift/dspy-jobsvc/internal/runner"
	"github.com/hexdrift/dspy-jobsvc/internal/workerpool"
)

// DefaultExecutorName is the Executor registered at startup. A deployment
// wiring a real optimization engine registers its own Executor under this
// name in place of the reference simulator.
const DefaultExecutorName = "reference"

var configFile string

// BuildCLI returns the root jobsvc command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "jobsvc",
		Short: "dspy-jobsvc: a crash-recoverable job scheduler control plane",
		Long: `dspy-jobsvc accepts optimization run and grid-search jobs over HTTP,
persists them durably, and drives each one through a subprocess worker pool
until it reaches a terminal state.`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildExecChildCommand())

	return rootCmd
}

func buildServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP control plane and worker pool",
		Long:  "Load the Job Store, recover any orphaned or pending jobs, start the worker pool, and serve the HTTP control surface until SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configFile)
		},
	}
	return cmd
}

func buildExecChildCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "exec-child",
		Short:  "Run one job in a fresh process (invoked internally by the runner)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := defaultRegistry()
			return runner.RunChild(cmd.Context(), registry, os.Stdin, os.Stdout)
		},
	}
	return cmd
}

func defaultRegistry() *executor.Registry {
	registry := executor.NewRegistry()
	registry.Register(executor.Name(DefaultExecutorName), refexec.New())
	return registry
}

// serve wires every component of the control plane together and blocks
// until a shutdown signal arrives.
func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.JobStore.Backend != config.BackendLocal {
		return fmt.Errorf("serve: backend %q requires linking a database/sql driver into a custom entrypoint; this build only wires the embedded backend", cfg.JobStore.Backend)
	}

	collector := metrics.NewCollector()

	store, err := local.Open(local.Options{
		WALPath:      cfg.JobStore.LocalDBPath,
		SnapshotPath: cfg.JobStore.SnapshotPath,
		WALBuffer:    cfg.JobStore.WALBuffer,
		WALFlush:     cfg.JobStore.WALFlush,
		MaxProgress:  cfg.JobStore.MaxProgress,
		MaxLogs:      cfg.JobStore.MaxLogs,
	}, logging.New("jobstore", nil))
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}

	artifactStore, err := artifacts.New("artifacts")
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}

	binaryPath, err := os.Executable()
	if err != nil {
		binaryPath = os.Args[0]
	}
	r := runner.New(binaryPath, cfg.Runner.StartMethod, logging.New("runner", nil))

	ctx := context.Background()
	orphaned, err := store.RecoverOrphanedJobs(ctx)
	if err != nil {
		return fmt.Errorf("recover orphaned jobs: %w", err)
	}
	pendingIDs, err := store.RecoverPendingJobs(ctx)
	if err != nil {
		return fmt.Errorf("recover pending jobs: %w", err)
	}

	poolLog := logging.New("workerpool", nil)
	poolLog.InfoF("recovered %d orphaned job(s) and %d pending job(s) at startup", orphaned, len(pendingIDs))

	registry := defaultRegistry()
	pool := workerpool.New(store, registry, r, artifactStore, poolLog, workerpool.Options{
		Concurrency:        cfg.Worker.Concurrency,
		PollInterval:       cfg.Worker.PollInterval,
		CancelPollInterval: cfg.Worker.CancelPoll,
		StaleThreshold:     cfg.Worker.StaleThreshold,
		ExecutorName:       DefaultExecutorName,
	}, pendingIDs)

	server := api.New(api.Options{
		ListenHost: cfg.HTTP.ListenHost,
		ListenPort: cfg.HTTP.ListenPort,
	}, store, pool, artifactStore, collector, logging.New("http", nil), registry, DefaultExecutorName)

	// Components are started in dependency order (Job Store, then worker
	// pool, then HTTP) and stopped in the reverse order, driven directly
	// rather than through lifecycle.ComponentManager: the vendored
	// ComponentManager/Component interfaces declare signatures (OnChange,
	// StartAll, StopAll) that SimpleComponentManager itself does not
	// implement, so a manager built from NewSimpleComponentManager cannot
	// be relied on. *lifecycle.SimpleComponent, used concretely rather
	// than through the Component interface, has no such mismatch.
	components := []*lifecycle.SimpleComponent{
		storeComponent(store),
		poolComponent(pool),
		server.SimpleComponent,
	}

	for _, c := range components {
		if err := c.Start(); err != nil {
			return fmt.Errorf("start %s: %w", c.Id(), err)
		}
	}

	stopped, cancel := installSignalHandler(components)
	<-stopped
	cancel()
	return nil
}

// installSignalHandler installs a SIGTERM handler that stops every
// component in reverse start order and closes the returned channel once
// that finishes. Calling the returned cancel function before a signal
// arrives (not used on the SIGTERM path, but available for tests that
// build a serve-like lifecycle directly) tears the handler down without
// waiting, so repeated start/stop cycles in the same process never
// accumulate signal subscriptions.
func installSignalHandler(components []*lifecycle.SimpleComponent) (stopped <-chan struct{}, cancel func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)

	done := make(chan struct{})
	cancelled := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-sigCh:
			for i := len(components) - 1; i >= 0; i-- {
				_ = components[i].Stop()
			}
		case <-cancelled:
		}
	}()

	return done, func() {
		close(cancelled)
		signal.Stop(sigCh)
	}
}

// storeComponent adapts a jobstore.Store's Close into a lifecycle
// component with no start-up work of its own: Open already ran before
// this is built, so the recovery steps above have already completed.
func storeComponent(store jobstore.Store) *lifecycle.SimpleComponent {
	return &lifecycle.SimpleComponent{
		CompId:    "job-store",
		StartFunc: func() error { return nil },
		StopFunc:  func() error { return store.Close() },
	}
}

// poolComponent adapts workerpool.Pool's Start/Stop into a lifecycle component.
func poolComponent(pool *workerpool.Pool) *lifecycle.SimpleComponent {
	return &lifecycle.SimpleComponent{
		CompId: "worker-pool",
		StartFunc: func() error {
			pool.Start()
			return nil
		},
		StopFunc: func() error {
			pool.Stop(10 * time.Second)
			return nil
		},
	}
}
