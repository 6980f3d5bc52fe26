package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// Progress is one incremental signal from the generation service.
type Progress struct {
	Phase         string
	Progress      int
	DocsCompleted int
	DocsTotal     int
}

// Result is the final artifact set reported by the generation service.
type Result struct {
	ArtifactPath  string
	DocumentCount int
}

// Client talks to the external normalization/generation service. One Generate
// call covers the whole pipeline run: the response body is an NDJSON stream
// of progress lines ending with a terminal line.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
	}
}

// generateLine is the wire format of one NDJSON line. Progress lines carry
// phase/progress fields; the terminal line sets done.
type generateLine struct {
	Done               bool   `json:"done"`
	Status             string `json:"status"`
	Phase              string `json:"phase"`
	Progress           int    `json:"progress"`
	DocumentsCompleted int    `json:"documentsCompleted"`
	DocumentsTotal     int    `json:"documentsTotal"`
	ArtifactPath       string `json:"artifactPath"`
	DocumentCount      int    `json:"documentCount"`
	Error              *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Generate submits the payload and consumes the progress stream, invoking
// onProgress for every incremental signal. The returned error is always a
// classified *Error unless the context was cancelled.
func (c *Client) Generate(ctx context.Context, payload json.RawMessage, onProgress func(Progress)) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, permanentErr(CodeValidationFailed, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transientErr(CodePipelineUnavailable, "pipeline call failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	return c.consumeStream(ctx, resp.Body, onProgress)
}

// classifyStatus maps a non-200 response to the retry taxonomy: 5xx is
// transient, anything else is a permanent submission problem.
func classifyStatus(resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}

	if resp.StatusCode >= 500 {
		return transientErr(CodePipelineUnavailable, "pipeline returned %d: %s", resp.StatusCode, msg)
	}
	return permanentErr(CodeValidationFailed, "pipeline rejected submission (%d): %s", resp.StatusCode, msg)
}

func (c *Client) consumeStream(ctx context.Context, body io.Reader, onProgress func(Progress)) (*Result, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var line generateLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return nil, transientErr(CodePipelineUnavailable, "malformed progress line: %v", err)
		}

		if !line.Done {
			if onProgress != nil {
				onProgress(Progress{
					Phase:         line.Phase,
					Progress:      line.Progress,
					DocsCompleted: line.DocumentsCompleted,
					DocsTotal:     line.DocumentsTotal,
				})
			}
			continue
		}

		if line.Status == "success" {
			return &Result{
				ArtifactPath:  line.ArtifactPath,
				DocumentCount: line.DocumentCount,
			}, nil
		}

		// The service ran the pipeline and reported failure. Not retried,
		// the user has to retry explicitly.
		code := CodePipelineFailed
		msg := "generation pipeline reported failure"
		if line.Error != nil {
			if line.Error.Code != "" {
				code = line.Error.Code
			}
			if line.Error.Message != "" {
				msg = line.Error.Message
			}
		}
		return nil, permanentErr(code, "%s", msg)
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transientErr(CodePipelineUnavailable, "progress stream interrupted: %v", err)
	}

	return nil, transientErr(CodePipelineUnavailable, "progress stream ended without a terminal line")
}
