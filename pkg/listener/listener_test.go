package listener

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/pkg/broker"
	"github.com/conveyorhq/conveyor/pkg/config"
	"github.com/conveyorhq/conveyor/pkg/log"
	"github.com/conveyorhq/conveyor/pkg/pipeline"
	"github.com/conveyorhq/conveyor/pkg/state"
	"github.com/conveyorhq/conveyor/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

// stubInvoker completes every node immediately and counts invocations per
// node; an optional gate blocks validate_file until released.
type stubInvoker struct {
	node  string
	calls *atomic.Int32
	gate  chan struct{}
}

func (s *stubInvoker) Invoke(ctx context.Context, st *types.JobState, _ time.Duration) (*types.JobState, error) {
	s.calls.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	out := st.Clone()
	out.Step = s.node + "_done"
	out.Touch()
	return out, nil
}

type harness struct {
	broker   *broker.Memory
	store    *state.Store
	listener *Listener
	calls    map[string]*atomic.Int32
	mu       sync.Mutex
}

// newHarness starts a listener over an in-memory broker with stubbed worker
// invocations. gates maps node names to channels that block that node.
func newHarness(t *testing.T, runs int, gates map[string]chan struct{}) *harness {
	t.Helper()

	h := &harness{
		broker: broker.NewMemory(),
		calls:  map[string]*atomic.Int32{},
	}
	t.Cleanup(func() { _ = h.broker.Close() })

	h.store = state.NewStore(h.broker)

	g, err := pipeline.NewWithFactory(config.Default(), func(worker, task string, _ config.WorkerConfig) pipeline.Invoker {
		c := &atomic.Int32{}
		h.mu.Lock()
		h.calls[task] = c
		h.mu.Unlock()
		return &stubInvoker{node: task, calls: c, gate: gates[task]}
	})
	require.NoError(t, err)

	lcfg := config.Default().Listener
	lcfg.MaxConcurrentRuns = runs

	h.listener = New(h.broker, h.store, pipeline.NewExecutor(g, h.store), lcfg)
	require.NoError(t, h.listener.Start(context.Background()))
	t.Cleanup(h.listener.Stop)
	return h
}

func (h *harness) publish(t *testing.T, ev types.JobCreatedEvent) {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, h.broker.Publish(context.Background(), config.DefaultCommandChannel, data))
}

func pdfEvent(jobID string) types.JobCreatedEvent {
	return types.JobCreatedEvent{
		Event:          types.EventJobCreated,
		JobID:          jobID,
		FilePath:       "/tmp/report.pdf",
		ContentType:    "application/pdf",
		ChecksumSHA256: strings.Repeat("a", 64),
	}
}

func (h *harness) waitStatus(t *testing.T, jobID string, status types.Status) *types.JobState {
	t.Helper()
	var st *types.JobState
	require.Eventually(t, func() bool {
		loaded, err := h.store.Load(context.Background(), jobID)
		if err != nil {
			return false
		}
		st = loaded
		return st.Status == status
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", jobID, status)
	return st
}

func TestListenerRunsJobToCompletion(t *testing.T) {
	h := newHarness(t, 4, nil)

	h.publish(t, pdfEvent("job-1"))

	st := h.waitStatus(t, "job-1", types.StatusSuccess)
	assert.Equal(t, types.BranchPDF, st.Branch)
	assert.Equal(t, "summarize_document_done", st.Step)
}

func TestListenerDropsDuplicateEvents(t *testing.T) {
	h := newHarness(t, 4, nil)

	ev := pdfEvent("job-dup")
	h.publish(t, ev)
	h.publish(t, ev)
	h.publish(t, ev)

	h.waitStatus(t, "job-dup", types.StatusSuccess)

	// Redelivery settles; only one run ever validated the file.
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, h.calls[pipeline.NodeValidateFile].Load())
}

func TestListenerIgnoresMalformedAndUnknownEvents(t *testing.T) {
	h := newHarness(t, 4, nil)

	require.NoError(t, h.broker.Publish(context.Background(), config.DefaultCommandChannel, []byte("{broken")))
	h.publish(t, types.JobCreatedEvent{Event: "FILE_DELETED", JobID: "job-x"})

	// The loop is still alive and serves the next valid event.
	h.publish(t, pdfEvent("job-after-garbage"))
	h.waitStatus(t, "job-after-garbage", types.StatusSuccess)

	_, err := h.store.Load(context.Background(), "job-x")
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestListenerDropsEventMissingRequiredFields(t *testing.T) {
	h := newHarness(t, 4, nil)

	ev := pdfEvent("job-invalid")
	ev.FilePath = ""
	h.publish(t, ev)

	h.publish(t, pdfEvent("job-valid"))
	h.waitStatus(t, "job-valid", types.StatusSuccess)

	_, err := h.store.Load(context.Background(), "job-invalid")
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestListenerGeneratesMissingJobID(t *testing.T) {
	h := newHarness(t, 4, nil)

	ev := pdfEvent("")
	h.publish(t, ev)

	// The generated id is only observable through the run itself.
	require.Eventually(t, func() bool {
		return h.calls[pipeline.NodeSummarizeDocument].Load() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestListenerBoundsConcurrentRuns(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, 1, map[string]chan struct{}{pipeline.NodeValidateFile: gate})

	h.publish(t, pdfEvent("job-a"))
	h.publish(t, pdfEvent("job-b"))

	// One run holds the only pool slot at validate_file.
	require.Eventually(t, func() bool {
		return h.calls[pipeline.NodeValidateFile].Load() == 1
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, h.calls[pipeline.NodeValidateFile].Load())

	close(gate)
	h.waitStatus(t, "job-a", types.StatusSuccess)
	h.waitStatus(t, "job-b", types.StatusSuccess)
}

func TestSubmitSchedulesRun(t *testing.T) {
	h := newHarness(t, 4, nil)

	req := &types.IngestionJobRequest{
		JobID:          "job-submit",
		FilePath:       "/tmp/report.pdf",
		ContentType:    "application/pdf",
		ChecksumSHA256: strings.Repeat("b", 64),
	}

	st, err := h.listener.Submit(context.Background(), req, "api")
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, st.Status)

	h.waitStatus(t, "job-submit", types.StatusSuccess)

	_, err = h.listener.Submit(context.Background(), req, "api")
	assert.ErrorIs(t, err, state.ErrDuplicateJob)
}

func TestSubmitBeforeStart(t *testing.T) {
	m := broker.NewMemory()
	t.Cleanup(func() { _ = m.Close() })

	l := New(m, state.NewStore(m), nil, config.Default().Listener)
	_, err := l.Submit(context.Background(), &types.IngestionJobRequest{JobID: "x"}, "api")
	require.Error(t, err)
}

func TestListenerStartRejectsBadConfig(t *testing.T) {
	m := broker.NewMemory()
	t.Cleanup(func() { _ = m.Close() })

	lcfg := config.Default().Listener
	lcfg.MaxConcurrentRuns = 0

	l := New(m, state.NewStore(m), nil, lcfg)
	require.Error(t, l.Start(context.Background()))
}
