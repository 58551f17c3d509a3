package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexdrift/dspy-jobsvc/internal/executor"
	"github.com/hexdrift/dspy-jobsvc/pkg/types"
)

type fakeExecutor struct {
	runResult map[string]any
	runErr    error
}

func (f *fakeExecutor) Validate(*types.RunPayload) error      { return nil }
func (f *fakeExecutor) ValidateGrid(*types.GridPayload) error { return nil }
func (f *fakeExecutor) Run(ctx context.Context, payload *types.RunPayload, id types.JobID, report executor.ProgressFunc) (map[string]any, error) {
	report("started", map[string]any{"step": 1})
	return f.runResult, f.runErr
}
func (f *fakeExecutor) RunGrid(ctx context.Context, payload *types.GridPayload, id types.JobID, report executor.ProgressFunc) (map[string]any, error) {
	return f.runResult, f.runErr
}

func decodeMessages(t *testing.T, buf *bytes.Buffer) []Message {
	t.Helper()
	dec := json.NewDecoder(buf)
	var msgs []Message
	for {
		var m Message
		if err := dec.Decode(&m); err != nil {
			break
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func TestRunChild_emitsProgressThenResult(t *testing.T) {
	registry := executor.NewRegistry()
	registry.Register(executor.Name("fake"), &fakeExecutor{runResult: map[string]any{"score": 0.9}})

	envelope := ChildEnvelope{
		JobID:        "job-1",
		JobType:      types.JobTypeRun,
		ExecutorName: "fake",
		Payload:      json.RawMessage(`{"username":"alice","module_name":"m","optimizer_name":"o","dataset":[{"a":1}],"column_mapping":{"inputs":{"a":"a"},"outputs":{}},"split_fractions":{"train":0.7,"val":0.15,"test":0.15},"model_config":{"name":"gpt"}}`),
	}
	body, err := json.Marshal(envelope)
	require.NoError(t, err)

	var out bytes.Buffer
	err = RunChild(context.Background(), registry, bytes.NewReader(body), &out)
	require.NoError(t, err)

	msgs := decodeMessages(t, &out)
	require.Len(t, msgs, 3) // the "starting run job" INFO log, the progress event, then the result
	assert.Equal(t, MessageProgress, msgs[1].Kind)
	assert.Equal(t, "started", msgs[1].Progress.Event)
	assert.Equal(t, MessageResult, msgs[2].Kind)
	assert.InDelta(t, 0.9, msgs[2].Result["score"], 1e-9)
	assert.True(t, verify(msgs[1]))
	assert.True(t, verify(msgs[2]))
}

func TestRunChild_unknownExecutorEmitsError(t *testing.T) {
	registry := executor.NewRegistry()

	envelope := ChildEnvelope{JobID: "job-1", JobType: types.JobTypeRun, ExecutorName: "missing"}
	body, err := json.Marshal(envelope)
	require.NoError(t, err)

	var out bytes.Buffer
	err = RunChild(context.Background(), registry, bytes.NewReader(body), &out)
	require.NoError(t, err, "an unresolvable executor is reported as a wire Error, not a transport failure")

	msgs := decodeMessages(t, &out)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageError, msgs[0].Kind)
}

func TestRunChild_executorFailureEmitsError(t *testing.T) {
	registry := executor.NewRegistry()
	registry.Register(executor.Name("fake"), &fakeExecutor{runErr: assertErr{"boom"}})

	envelope := ChildEnvelope{
		JobID:        "job-1",
		JobType:      types.JobTypeRun,
		ExecutorName: "fake",
		Payload:      json.RawMessage(`{"model_config":{"name":"gpt"}}`),
	}
	body, err := json.Marshal(envelope)
	require.NoError(t, err)

	var out bytes.Buffer
	err = RunChild(context.Background(), registry, bytes.NewReader(body), &out)
	require.NoError(t, err)

	msgs := decodeMessages(t, &out)
	require.Len(t, msgs, 4) // the "starting run job" INFO log, the progress event, an ERROR log carrying the traceback, then the terminal error
	assert.Equal(t, MessageLog, msgs[2].Kind)
	assert.Equal(t, string(types.LogError), msgs[2].Log.Level)
	assert.NotEmpty(t, msgs[2].Log.Message)
	assert.Equal(t, MessageError, msgs[3].Kind)
	assert.Equal(t, "boom", msgs[3].Error.Message)
	assert.NotEmpty(t, msgs[3].Error.Traceback)
}

func TestRunChild_executorFailureStillEmitsPartialResult(t *testing.T) {
	registry := executor.NewRegistry()
	registry.Register(executor.Name("fake"), &fakeExecutor{
		runResult: map[string]any{"completed_pairs": 0, "failed_pairs": 2},
		runErr:    assertErr{"all pairs failed"},
	})

	envelope := ChildEnvelope{
		JobID:        "job-1",
		JobType:      types.JobTypeGridSearch,
		ExecutorName: "fake",
		Payload:      json.RawMessage(`{"generation_models":[{"name":"gpt"}],"reflection_models":[{"name":"gpt"}]}`),
	}
	body, err := json.Marshal(envelope)
	require.NoError(t, err)

	var out bytes.Buffer
	err = RunChild(context.Background(), registry, bytes.NewReader(body), &out)
	require.NoError(t, err)

	msgs := decodeMessages(t, &out)
	var sawResult, sawError bool
	for _, m := range msgs {
		switch m.Kind {
		case MessageResult:
			sawResult = true
			assert.EqualValues(t, 2, m.Result["failed_pairs"])
		case MessageError:
			sawError = true
			assert.Equal(t, "all pairs failed", m.Error.Message)
		}
	}
	assert.True(t, sawResult, "the per-pair result must still reach the wire so it can be persisted")
	assert.True(t, sawError)
}

func TestRunChild_malformedEnvelopeFailsTransport(t *testing.T) {
	registry := executor.NewRegistry()
	var out bytes.Buffer

	err := RunChild(context.Background(), registry, bytes.NewReader([]byte("not json")), &out)
	assert.Error(t, err)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
