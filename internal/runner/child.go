// Child-side of the Subprocess Runner: the code that runs inside the
// re-exec'd "jobsvc exec-child" process. It reads the job envelope from
// stdin, installs a log sink and a progress callback that both forward to
// the IPC encoder on stdout, invokes the Executor, and ends the stream with
// a Result message on success or an Error message on failure (preceded by
// a Result message when the failing Executor still returned a result).
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime/debug"

	"github.com/hexdrift/dspy-jobsvc/internal/executor"
	"github.com/hexdrift/dspy-jobsvc/internal/logging"
	"github.com/hexdrift/dspy-jobsvc/pkg/types"
)

// ChildEnvelope is the single JSON document written to the child's stdin:
// the job id (doubling as artifact_id), its type, and the payload exactly
// as ParsePayload expects it.
type ChildEnvelope struct {
	JobID        types.JobID     `json:"job_id"`
	JobType      types.JobType   `json:"job_type"`
	ExecutorName string          `json:"executor_name"`
	Payload      json.RawMessage `json:"payload"`
}

// RunChild reads one ChildEnvelope from stdin, runs it against an
// Executor looked up in registry by ExecutorName, and writes the IPC
// event stream to stdout. It never returns an error to its caller for a
// routine Executor failure — that becomes an Error message on the wire —
// only for envelope/transport failures that make the child itself unusable.
func RunChild(ctx context.Context, registry *executor.Registry, stdin io.Reader, stdout io.Writer) error {
	enc := newEncoder(stdout)

	var envelope ChildEnvelope
	if err := json.NewDecoder(stdin).Decode(&envelope); err != nil {
		return fmt.Errorf("decode child envelope: %w", err)
	}

	ex, err := registry.Get(executor.Name(envelope.ExecutorName))
	if err != nil {
		return emitError(enc, err.Error(), "")
	}

	logSink := logging.SinkFunc(func(r logging.Record) {
		_ = enc.emit(MessageLog, func(m *Message) {
			m.Log = &LogPayload{Level: string(r.Level), LoggerName: r.Logger, Message: r.Message}
		})
	})
	log := logging.New("executor", logSink)

	report := func(event string, metrics map[string]any) {
		_ = enc.emit(MessageProgress, func(m *Message) {
			m.Progress = &ProgressPayload{Event: event, Metrics: metrics}
		})
	}

	result, runErr := runEnvelope(ctx, ex, envelope, log, report)
	if runErr != nil {
		traceback := string(debug.Stack())
		log.Error(traceback)
		if result != nil {
			_ = enc.emit(MessageResult, func(m *Message) {
				m.Result = result
			})
		}
		return emitError(enc, runErr.Error(), traceback)
	}
	return enc.emit(MessageResult, func(m *Message) {
		m.Result = result
	})
}

func runEnvelope(ctx context.Context, ex executor.Executor, envelope ChildEnvelope, log *logging.Logger, report executor.ProgressFunc) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in executor: %v", r)
		}
	}()

	switch envelope.JobType {
	case types.JobTypeRun:
		var payload types.RunPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode run payload: %w", err)
		}
		log.InfoF("starting run job %s", envelope.JobID)
		return ex.Run(ctx, &payload, envelope.JobID, report)
	case types.JobTypeGridSearch:
		var payload types.GridPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode grid payload: %w", err)
		}
		log.InfoF("starting grid job %s (%d pairs)", envelope.JobID, payload.PairCount())
		return ex.RunGrid(ctx, &payload, envelope.JobID, report)
	default:
		return nil, fmt.Errorf("unknown job type %q", envelope.JobType)
	}
}

func emitError(enc *encoder, message, traceback string) error {
	return enc.emit(MessageError, func(m *Message) {
		m.Error = &ErrorPayload{Message: message, Traceback: traceback}
	})
}
