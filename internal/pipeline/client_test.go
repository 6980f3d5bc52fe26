package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func generateWith(t *testing.T, handler http.HandlerFunc) (*Result, []Progress, error) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	var seen []Progress
	res, err := NewClient(srv.URL, nil).Generate(context.Background(), nil, func(p Progress) {
		seen = append(seen, p)
	})
	return res, seen, err
}

func requirePipelineErr(t *testing.T, err error, code string, transient bool) {
	t.Helper()
	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, code, perr.Code)
	require.Equal(t, transient, perr.Transient)
}

func TestGenerateSuccess(t *testing.T) {
	res, seen, err := generateWith(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/generate", r.URL.Path)
		fmt.Fprintln(w, `{"phase":"normalize","progress":30,"documentsCompleted":1,"documentsTotal":3}`)
		fmt.Fprintln(w, `{"done":true,"status":"success","artifactPath":"cases/C1/bundle.zip","documentCount":3}`)
	})

	require.NoError(t, err)
	require.Equal(t, &Result{ArtifactPath: "cases/C1/bundle.zip", DocumentCount: 3}, res)
	require.Equal(t, []Progress{{Phase: "normalize", Progress: 30, DocsCompleted: 1, DocsTotal: 3}}, seen)
}

func TestGenerateStatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		code      string
		transient bool
	}{
		{name: "bad request is permanent", status: http.StatusBadRequest, code: CodeValidationFailed, transient: false},
		{name: "service unavailable is transient", status: http.StatusServiceUnavailable, code: CodePipelineUnavailable, transient: true},
		{name: "gateway timeout is transient", status: http.StatusGatewayTimeout, code: CodePipelineUnavailable, transient: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := generateWith(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			})
			requirePipelineErr(t, err, tt.code, tt.transient)
		})
	}
}

func TestGenerateReportedFailure(t *testing.T) {
	_, _, err := generateWith(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"done":true,"status":"failed","error":{"code":"TEMPLATE_MISSING","message":"no template"}}`)
	})
	requirePipelineErr(t, err, "TEMPLATE_MISSING", false)
}

func TestGenerateReportedFailureWithoutDetail(t *testing.T) {
	_, _, err := generateWith(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"done":true,"status":"failed"}`)
	})
	requirePipelineErr(t, err, CodePipelineFailed, false)
}

func TestGenerateMalformedLine(t *testing.T) {
	_, _, err := generateWith(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"phase":`)
	})
	requirePipelineErr(t, err, CodePipelineUnavailable, true)
}

func TestGenerateTruncatedStream(t *testing.T) {
	// Progress lines but no terminal line means the stream broke somewhere;
	// the call is retryable.
	_, seen, err := generateWith(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"phase":"render","progress":60,"documentsCompleted":2,"documentsTotal":3}`)
	})
	requirePipelineErr(t, err, CodePipelineUnavailable, true)
	require.Len(t, seen, 1)
}

func TestGenerateContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewClient(srv.URL, nil).Generate(ctx, nil, nil)
	require.True(t, errors.Is(err, context.Canceled))
}
