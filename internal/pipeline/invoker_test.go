package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/docforge/docforge/internal/models"
	"github.com/docforge/docforge/internal/store"
)

type stubFinalizer struct {
	mu       sync.Mutex
	notified bool
	link     string
}

func (f *stubFinalizer) BuildResult(ctx context.Context, job *models.Job, res Result) *models.JobResult {
	result := &models.JobResult{DocumentCount: res.DocumentCount}
	if f.link != "" {
		link := f.link
		result.ArtifactLink = &link
	}
	return result
}

func (f *stubFinalizer) NotifyCompletion(ctx context.Context, job *models.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = true
}

func (f *stubFinalizer) wasNotified() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notified
}

func newTestStore(t *testing.T) *store.MemoryJobStore {
	t.Helper()
	s := store.NewMemoryJobStore(time.Minute, time.Minute)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func testConfig(callTimeout time.Duration, maxRetries int) Config {
	return Config{
		CallTimeout: callTimeout,
		MaxRetries:  maxRetries,
		BackoffBase: 5 * time.Millisecond,
		BackoffMax:  20 * time.Millisecond,
	}
}

// waitTerminal blocks until the job reaches a terminal state.
func waitTerminal(t *testing.T, s *store.MemoryJobStore, jobID string) *models.Job {
	t.Helper()
	ctx := context.Background()

	require.Eventually(t, func() bool {
		job, ok := s.Get(ctx, jobID)
		return ok && job.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)

	job, ok := s.Get(ctx, jobID)
	require.True(t, ok)
	return job
}

func writeProgressLine(t *testing.T, w http.ResponseWriter, phase string, progress, completed, total int) {
	t.Helper()
	fmt.Fprintf(w, `{"phase":%q,"progress":%d,"documentsCompleted":%d,"documentsTotal":%d}`+"\n",
		phase, progress, completed, total)
	w.(http.Flusher).Flush()
}

func TestInvokerTransientFailuresThenSuccess(t *testing.T) {
	// Two transient failures followed by success: the job ends success with
	// attempts = 3.
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		writeProgressLine(t, w, "normalize", 25, 1, 4)
		writeProgressLine(t, w, "render", 75, 3, 4)
		fmt.Fprintln(w, `{"done":true,"status":"success","artifactPath":"cases/C1/bundle.zip","documentCount":4}`)
	}))
	defer srv.Close()

	s := newTestStore(t)
	finalizer := &stubFinalizer{link: "https://share.example/bundle"}
	inv := NewInvoker(s, NewClient(srv.URL, nil), finalizer, testConfig(time.Second, 3))

	job, err := s.Create(context.Background(), "C1", json.RawMessage(`{"caseId":"C1"}`))
	require.NoError(t, err)
	inv.Invoke(job)

	final := waitTerminal(t, s, job.JobID)
	require.Equal(t, models.StatusSuccess, final.Status)
	require.Equal(t, 3, final.Attempts)
	require.Equal(t, 100, final.Progress)
	require.Nil(t, final.Error)
	require.NotNil(t, final.Result)
	require.Equal(t, 4, final.Result.DocumentCount)
	require.NotNil(t, final.Result.ArtifactLink)
	require.Equal(t, "https://share.example/bundle", *final.Result.ArtifactLink)
	require.Equal(t, models.DocumentProgress{Completed: 3, Total: 4}, final.Docs)

	require.Eventually(t, finalizer.wasNotified, time.Second, 5*time.Millisecond)
}

func TestInvokerPermanentErrorNeverRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown document type", http.StatusBadRequest)
	}))
	defer srv.Close()

	s := newTestStore(t)
	inv := NewInvoker(s, NewClient(srv.URL, nil), &stubFinalizer{}, testConfig(time.Second, 5))

	job, err := s.Create(context.Background(), "C1", nil)
	require.NoError(t, err)
	inv.Invoke(job)

	final := waitTerminal(t, s, job.JobID)
	require.Equal(t, models.StatusFailed, final.Status)
	require.Equal(t, 1, final.Attempts)
	require.EqualValues(t, 1, calls.Load())
	require.NotNil(t, final.Error)
	require.Equal(t, CodeValidationFailed, final.Error.Code)
	require.Nil(t, final.Result)
}

func TestInvokerPipelineReportedFailureNeverRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/x-ndjson")
		writeProgressLine(t, w, "normalize", 40, 1, 2)
		fmt.Fprintln(w, `{"done":true,"status":"failed","error":{"code":"TEMPLATE_MISSING","message":"no template for deed"}}`)
	}))
	defer srv.Close()

	s := newTestStore(t)
	inv := NewInvoker(s, NewClient(srv.URL, nil), &stubFinalizer{}, testConfig(time.Second, 5))

	job, err := s.Create(context.Background(), "C1", nil)
	require.NoError(t, err)
	inv.Invoke(job)

	final := waitTerminal(t, s, job.JobID)
	require.Equal(t, models.StatusFailed, final.Status)
	require.Equal(t, 1, final.Attempts)
	require.EqualValues(t, 1, calls.Load())
	require.Equal(t, "TEMPLATE_MISSING", final.Error.Code)
	require.Equal(t, "no template for deed", final.Error.Message)
}

func TestInvokerExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "still down", http.StatusBadGateway)
	}))
	defer srv.Close()

	s := newTestStore(t)
	inv := NewInvoker(s, NewClient(srv.URL, nil), &stubFinalizer{}, testConfig(time.Second, 2))

	job, err := s.Create(context.Background(), "C1", nil)
	require.NoError(t, err)
	inv.Invoke(job)

	final := waitTerminal(t, s, job.JobID)
	require.Equal(t, models.StatusFailed, final.Status)
	require.Equal(t, 3, final.Attempts) // initial attempt + 2 retries
	require.EqualValues(t, 3, calls.Load())
	require.Equal(t, CodePipelineUnavailable, final.Error.Code)
}

func TestInvokerCallTimeout(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	s := newTestStore(t)
	inv := NewInvoker(s, NewClient(srv.URL, nil), &stubFinalizer{}, testConfig(50*time.Millisecond, 5))

	job, err := s.Create(context.Background(), "C1", nil)
	require.NoError(t, err)
	inv.Invoke(job)

	final := waitTerminal(t, s, job.JobID)
	require.Equal(t, models.StatusFailed, final.Status)
	require.Equal(t, CodePipelineTimeout, final.Error.Code)
	// The timeout is terminal, no further automatic retry.
	require.Equal(t, 1, final.Attempts)
	require.EqualValues(t, 1, calls.Load())
}

func TestInvokerCancelAbortsInFlightCall(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		writeProgressLine(t, w, "normalize", 10, 0, 4)
		close(started)
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	s := newTestStore(t)
	inv := NewInvoker(s, NewClient(srv.URL, nil), &stubFinalizer{}, testConfig(10*time.Second, 0))

	job, err := s.Create(context.Background(), "C1", nil)
	require.NoError(t, err)
	inv.Invoke(job)

	<-started
	require.True(t, inv.Cancel(job.JobID))

	final := waitTerminal(t, s, job.JobID)
	require.Equal(t, models.StatusFailed, final.Status)
	require.Equal(t, CodeJobCancelled, final.Error.Code)
}
