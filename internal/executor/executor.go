// Package executor defines the contract between the scheduler core and the
// pluggable optimization logic it drives: exactly the four operations
// spec.md's Executor Interface names, nothing more. The core never
// inspects payload, result, or metric shapes beyond what it needs for the
// job overview and the well-known progress keys.
package executor

import (
	"context"
	"errors"

	"github.com/hexdrift/dspy-jobsvc/pkg/types"
)

// ErrValidation is returned by Validate/ValidateGrid when a payload fails
// structural checks against the configured registry.
var ErrValidation = errors.New("executor: validation failed")

// ProgressFunc is invoked zero or more times during a run to report an
// incremental update.
type ProgressFunc func(event string, metrics map[string]any)

// Executor is the external collaborator the worker pool drives through
// every job's lifecycle.
type Executor interface {
	// Validate returns nil if payload is structurally valid, or an error
	// wrapping ErrValidation otherwise. Called before the subprocess is
	// spawned so a syntactic failure never pays the launch cost.
	Validate(payload *types.RunPayload) error

	// ValidateGrid is Validate's grid-search counterpart.
	ValidateGrid(payload *types.GridPayload) error

	// Run executes a single optimization request, reporting incremental
	// progress through report. Returns a JSON-serializable result on
	// success; any returned error becomes the job's failure detail.
	Run(ctx context.Context, payload *types.RunPayload, artifactID types.JobID, report ProgressFunc) (map[string]any, error)

	// RunGrid is Run's grid-search counterpart: the result contains one
	// sub-result per generation/reflection pair, including per-pair error
	// strings for pairs that failed independently of the others.
	RunGrid(ctx context.Context, payload *types.GridPayload, artifactID types.JobID, report ProgressFunc) (map[string]any, error)
}

// Name identifies an Executor implementation registered with a Registry
// (e.g. selected by a future multi-executor deployment; today jobsvc runs
// exactly one).
type Name string
