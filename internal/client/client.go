package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/docforge/docforge/internal/models"
)

// Config holds common client configuration.
type Config struct {
	ServerURL string
	Timeout   time.Duration

	// ReconnectBase and MaxReconnects bound the stream reconnect loop.
	ReconnectBase time.Duration
	MaxReconnects int
}

// DefaultConfig returns a default client configuration.
func DefaultConfig() Config {
	return Config{
		ServerURL:     "http://localhost:8993",
		Timeout:       10 * time.Second,
		ReconnectBase: 500 * time.Millisecond,
		MaxReconnects: 5,
	}
}

// Client talks to the orchestrator API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	streamHTTP *http.Client
}

func New(cfg Config) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		// Streams outlive any sane request timeout.
		streamHTTP: &http.Client{},
	}
}

// Submission is the case payload for POST /jobs.
type Submission struct {
	CaseID          string   `json:"caseId"`
	DocumentTypes   []string `json:"documentTypes"`
	NotifyRecipient string   `json:"notifyRecipient,omitempty"`
}

// Accepted is the 202 response of POST /jobs.
type Accepted struct {
	JobID  string `json:"jobId"`
	CaseID string `json:"caseId"`
}

// Submit creates a generation job and returns immediately.
func (c *Client) Submit(ctx context.Context, sub Submission) (*Accepted, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ServerURL+"/jobs", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit job: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("submit job returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out Accepted
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode submit response: %w", err)
	}
	return &out, nil
}

// Status fetches the latest job snapshot, the polling fallback to Watch.
func (c *Client) Status(ctx context.Context, jobID string) (*models.Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ServerURL+"/jobs/"+jobID+"/status", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("job status: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return &models.Job{JobID: jobID, Status: models.StatusNotFound}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("job status returned %d", resp.StatusCode)
	}

	var job models.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return &job, nil
}

// Retry asks the server for a fresh invocation of a failed job.
func (c *Client) Retry(ctx context.Context, jobID string) (*Accepted, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ServerURL+"/jobs/"+jobID+"/retry", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retry job: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("retry job returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out Accepted
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode retry response: %w", err)
	}
	return &out, nil
}
