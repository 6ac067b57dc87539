package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/pkg/broker"
	"github.com/conveyorhq/conveyor/pkg/config"
	"github.com/conveyorhq/conveyor/pkg/listener"
	"github.com/conveyorhq/conveyor/pkg/log"
	"github.com/conveyorhq/conveyor/pkg/pipeline"
	"github.com/conveyorhq/conveyor/pkg/state"
	"github.com/conveyorhq/conveyor/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

// fakeSubmitter records the last request and returns a canned result
type fakeSubmitter struct {
	last *types.IngestionJobRequest
	err  error
}

func (f *fakeSubmitter) Submit(_ context.Context, req *types.IngestionJobRequest, _ string) (*types.JobState, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return types.NewJobState(req), nil
}

func newTestServer(t *testing.T, submitter Submitter) (*Server, *state.Store) {
	t.Helper()
	m := broker.NewMemory()
	t.Cleanup(func() { _ = m.Close() })
	store := state.NewStore(m)
	return NewServer(":0", submitter, store), store
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func pdfRequest(jobID string) *types.IngestionJobRequest {
	return &types.IngestionJobRequest{
		JobID:          jobID,
		FilePath:       "/tmp/report.pdf",
		ContentType:    "application/pdf",
		ChecksumSHA256: strings.Repeat("a", 64),
	}
}

func TestSubmitAccepted(t *testing.T) {
	f := &fakeSubmitter{}
	s, _ := newTestServer(t, f)

	rec := doJSON(t, s.Router(), http.MethodPost, "/jobs", pdfRequest("job-1"))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "job-1", resp.JobID)
	assert.Equal(t, types.StatusQueued, resp.Status)
}

func TestSubmitGeneratesJobID(t *testing.T) {
	f := &fakeSubmitter{}
	s, _ := newTestServer(t, f)

	rec := doJSON(t, s.Router(), http.MethodPost, "/jobs", pdfRequest(""))

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NotNil(t, f.last)
	assert.NotEmpty(t, f.last.JobID)

	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, f.last.JobID, resp.JobID)
}

func TestSubmitDuplicate(t *testing.T) {
	f := &fakeSubmitter{err: state.ErrDuplicateJob}
	s, _ := newTestServer(t, f)

	rec := doJSON(t, s.Router(), http.MethodPost, "/jobs", pdfRequest("job-dup"))

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "job-dup")
	assert.Contains(t, rec.Body.String(), "detail")
}

func TestSubmitInvalidBody(t *testing.T) {
	s, _ := newTestServer(t, &fakeSubmitter{})

	tests := []struct {
		name string
		body func() *httptest.ResponseRecorder
	}{
		{"malformed json", func() *httptest.ResponseRecorder {
			req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader("{broken"))
			rec := httptest.NewRecorder()
			s.Router().ServeHTTP(rec, req)
			return rec
		}},
		{"missing file_path", func() *httptest.ResponseRecorder {
			r := pdfRequest("job-x")
			r.FilePath = ""
			return doJSON(t, s.Router(), http.MethodPost, "/jobs", r)
		}},
		{"missing checksum", func() *httptest.ResponseRecorder {
			r := pdfRequest("job-y")
			r.ChecksumSHA256 = ""
			return doJSON(t, s.Router(), http.MethodPost, "/jobs", r)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tt.body()
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "detail")
		})
	}
}

func TestGetJob(t *testing.T) {
	s, store := newTestServer(t, &fakeSubmitter{})

	st := types.NewJobState(pdfRequest("job-get"))
	require.NoError(t, store.Create(context.Background(), st))

	rec := doJSON(t, s.Router(), http.MethodGet, "/jobs/job-get", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var loaded types.JobState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &loaded))
	assert.Equal(t, "job-get", loaded.JobID)
	assert.Equal(t, types.StatusQueued, loaded.Status)
	assert.Equal(t, "application/pdf", loaded.ContentType)
}

func TestGetJobNotFound(t *testing.T) {
	s, _ := newTestServer(t, &fakeSubmitter{})

	rec := doJSON(t, s.Router(), http.MethodGet, "/jobs/nope", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not found")
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, &fakeSubmitter{})

	rec := doJSON(t, s.Router(), http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, &fakeSubmitter{})

	rec := doJSON(t, s.Router(), http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "conveyor_")
}

// TestSubmitEndToEnd drives a real listener and a stubbed pipeline through
// the HTTP surface: accept, run, duplicate conflict, final state read.
func TestSubmitEndToEnd(t *testing.T) {
	m := broker.NewMemory()
	t.Cleanup(func() { _ = m.Close() })
	store := state.NewStore(m)

	var validations atomic.Int32
	g, err := pipeline.NewWithFactory(config.Default(), func(_, task string, _ config.WorkerConfig) pipeline.Invoker {
		return invokerFunc(func(_ context.Context, st *types.JobState, _ time.Duration) (*types.JobState, error) {
			if task == pipeline.NodeValidateFile {
				validations.Add(1)
			}
			out := st.Clone()
			out.Step = task + "_done"
			out.Touch()
			return out, nil
		})
	})
	require.NoError(t, err)

	l := listener.New(m, store, pipeline.NewExecutor(g, store), config.Default().Listener)
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(l.Stop)

	s := NewServer(":0", l, store)

	rec := doJSON(t, s.Router(), http.MethodPost, "/jobs", pdfRequest("job-e2e"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	// Resubmission conflicts and never schedules a second run.
	rec = doJSON(t, s.Router(), http.MethodPost, "/jobs", pdfRequest("job-e2e"))
	require.Equal(t, http.StatusConflict, rec.Code)

	require.Eventually(t, func() bool {
		st, err := store.Load(context.Background(), "job-e2e")
		return err == nil && st.Status == types.StatusSuccess
	}, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, validations.Load())

	rec = doJSON(t, s.Router(), http.MethodGet, "/jobs/job-e2e", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var final types.JobState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &final))
	assert.Equal(t, types.StatusSuccess, final.Status)
	assert.Equal(t, types.BranchPDF, final.Branch)
}

// invokerFunc adapts a function to pipeline.Invoker
type invokerFunc func(context.Context, *types.JobState, time.Duration) (*types.JobState, error)

func (f invokerFunc) Invoke(ctx context.Context, st *types.JobState, timeout time.Duration) (*types.JobState, error) {
	return f(ctx, st, timeout)
}
