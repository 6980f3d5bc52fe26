package finalize

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/docforge/docforge/internal/models"
	"github.com/docforge/docforge/internal/notify"
	"github.com/docforge/docforge/internal/pipeline"
	"github.com/docforge/docforge/internal/share"
)

// fakeShare scripts the sharing service: capabilities plus a per-visibility
// response code for link creation.
type fakeShare struct {
	mu          sync.Mutex
	caps        share.Capabilities
	capsStatus  int
	linkStatus  map[share.Visibility]int
	visSequence []share.Visibility
}

func newFakeShare() *fakeShare {
	return &fakeShare{
		caps:       share.Capabilities{RestrictedLinks: true, PublicLinks: true},
		capsStatus: http.StatusOK,
		linkStatus: map[share.Visibility]int{
			share.VisibilityRestricted: http.StatusCreated,
			share.VisibilityPublic:     http.StatusCreated,
		},
	}
}

func (f *fakeShare) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/account/capabilities", func(w http.ResponseWriter, r *http.Request) {
		if f.capsStatus != http.StatusOK {
			http.Error(w, "capabilities unavailable", f.capsStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(f.caps)
	})
	mux.HandleFunc("POST /v1/links", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Visibility share.Visibility `json:"visibility"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		f.mu.Lock()
		f.visSequence = append(f.visSequence, req.Visibility)
		status := f.linkStatus[req.Visibility]
		f.mu.Unlock()

		if status != http.StatusCreated {
			http.Error(w, "link creation refused", status)
			return
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"url":"https://share.example/%s/bundle"}`, req.Visibility)
	})
	return mux
}

func (f *fakeShare) attempts() []share.Visibility {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]share.Visibility(nil), f.visSequence...)
}

func newTestFinalizer(t *testing.T, fs *fakeShare, notifyHandler http.Handler) (*Finalizer, Config) {
	t.Helper()

	shareSrv := httptest.NewServer(fs.handler())
	t.Cleanup(shareSrv.Close)

	if notifyHandler == nil {
		notifyHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		})
	}
	notifySrv := httptest.NewServer(notifyHandler)
	t.Cleanup(notifySrv.Close)

	cfg := Config{
		DefaultRecipient:  "ops@example.com",
		NotifyMaxAttempts: 3,
		NotifyBackoffBase: 5 * time.Millisecond,
	}
	return New(
		share.NewClient(shareSrv.URL, 5*time.Second),
		notify.NewClient(notifySrv.URL, 5*time.Second),
		cfg,
	), cfg
}

func testJob() *models.Job {
	return &models.Job{
		JobID:  "job-1",
		CaseID: "C1",
		Status: models.StatusSuccess,
	}
}

func TestBuildResultRestrictedLink(t *testing.T) {
	fs := newFakeShare()
	f, _ := newTestFinalizer(t, fs, nil)

	res := f.BuildResult(context.Background(), testJob(), pipeline.Result{
		ArtifactPath:  "cases/C1/bundle.zip",
		DocumentCount: 3,
	})

	require.Equal(t, 3, res.DocumentCount)
	require.NotNil(t, res.ArtifactLink)
	require.Equal(t, "https://share.example/restricted/bundle", *res.ArtifactLink)
	require.Equal(t, []share.Visibility{share.VisibilityRestricted}, fs.attempts())
}

func TestBuildResultFallsBackToPublicLink(t *testing.T) {
	fs := newFakeShare()
	fs.linkStatus[share.VisibilityRestricted] = http.StatusUnprocessableEntity
	f, _ := newTestFinalizer(t, fs, nil)

	res := f.BuildResult(context.Background(), testJob(), pipeline.Result{
		ArtifactPath:  "cases/C1/bundle.zip",
		DocumentCount: 3,
	})

	require.NotNil(t, res.ArtifactLink)
	require.Equal(t, "https://share.example/public/bundle", *res.ArtifactLink)
	require.Equal(t, []share.Visibility{share.VisibilityRestricted, share.VisibilityPublic}, fs.attempts())
}

func TestBuildResultSkipsRestrictedWhenUnsupported(t *testing.T) {
	fs := newFakeShare()
	fs.caps.RestrictedLinks = false
	f, _ := newTestFinalizer(t, fs, nil)

	res := f.BuildResult(context.Background(), testJob(), pipeline.Result{
		ArtifactPath:  "cases/C1/bundle.zip",
		DocumentCount: 1,
	})

	require.NotNil(t, res.ArtifactLink)
	require.Equal(t, []share.Visibility{share.VisibilityPublic}, fs.attempts())
}

func TestBuildResultSucceedsWithoutLink(t *testing.T) {
	// Both link attempts failing must not spoil the success: the result just
	// carries no link.
	fs := newFakeShare()
	fs.linkStatus[share.VisibilityRestricted] = http.StatusInternalServerError
	fs.linkStatus[share.VisibilityPublic] = http.StatusInternalServerError
	f, _ := newTestFinalizer(t, fs, nil)

	res := f.BuildResult(context.Background(), testJob(), pipeline.Result{
		ArtifactPath:  "cases/C1/bundle.zip",
		DocumentCount: 2,
	})

	require.Nil(t, res.ArtifactLink)
	require.Equal(t, 2, res.DocumentCount)
}

func TestBuildResultNoArtifactPath(t *testing.T) {
	fs := newFakeShare()
	f, _ := newTestFinalizer(t, fs, nil)

	res := f.BuildResult(context.Background(), testJob(), pipeline.Result{DocumentCount: 0})

	require.Nil(t, res.ArtifactLink)
	require.Empty(t, fs.attempts())
}

func TestNotifyCompletionRetriesThenDelivers(t *testing.T) {
	var (
		mu         sync.Mutex
		calls      int
		recipients []string
	)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg notify.Message
		_ = json.NewDecoder(r.Body).Decode(&msg)

		mu.Lock()
		calls++
		n := calls
		recipients = append(recipients, msg.Recipient)
		mu.Unlock()

		if n == 1 {
			http.Error(w, "mail relay busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	f, _ := newTestFinalizer(t, newFakeShare(), handler)

	job := testJob()
	job.Payload = json.RawMessage(`{"notifyRecipient":"paralegal@example.com"}`)
	f.NotifyCompletion(context.Background(), job)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, calls)
	require.Equal(t, []string{"paralegal@example.com", "paralegal@example.com"}, recipients)
}

func TestNotifyCompletionGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int
	var mu sync.Mutex
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.Error(w, "mail relay down", http.StatusServiceUnavailable)
	})

	f, cfg := newTestFinalizer(t, newFakeShare(), handler)
	f.NotifyCompletion(context.Background(), testJob())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, cfg.NotifyMaxAttempts, calls)
}

func TestNotifyCompletionSkipsWithoutRecipient(t *testing.T) {
	var called bool
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	f, _ := newTestFinalizer(t, newFakeShare(), handler)
	f.cfg.DefaultRecipient = ""
	f.NotifyCompletion(context.Background(), testJob())

	require.False(t, called)
}
