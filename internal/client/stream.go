package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/docforge/docforge/internal/models"
)

// Callbacks receive the decoded stream events. Only application-level events
// carry domain data; transport failures never reach these and are handled by
// the reconnect loop instead.
type Callbacks struct {
	OnProgress func(*models.Job)
	OnComplete func(*models.Job)
	OnError    func(models.JobError)
}

// Watch consumes the job's SSE stream until a terminal event arrives. A
// transport-level disconnect before that triggers reconnection with bounded
// exponential backoff; once a terminal event has been seen no reconnect is
// ever attempted, even if the transport errors afterwards.
func (c *Client) Watch(ctx context.Context, jobID string, cb Callbacks) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.cfg.ReconnectBase

	attempts := 0
	var lastErr error

	for {
		completed, received, err := c.consumeStream(ctx, jobID, cb)
		if completed {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if received {
			// The connection was live before it dropped; start the
			// reconnect budget over.
			attempts = 0
			expo.Reset()
		}

		lastErr = err
		attempts++
		if attempts > c.cfg.MaxReconnects {
			return fmt.Errorf("stream for job %s lost after %d reconnect attempts: %w", jobID, c.cfg.MaxReconnects, lastErr)
		}

		wait := expo.NextBackOff()
		log.Warn().
			Err(err).
			Str("job_id", jobID).
			Int("attempt", attempts).
			Dur("next_retry", wait).
			Msg("Stream disconnected, reconnecting")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// consumeStream opens one stream connection and dispatches its events.
// It reports whether a terminal event was seen and whether any event at all
// arrived on this connection.
func (c *Client) consumeStream(ctx context.Context, jobID string, cb Callbacks) (completed bool, received bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ServerURL+"/jobs/"+jobID+"/stream", nil)
	if err != nil {
		return false, false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamHTTP.Do(req)
	if err != nil {
		return false, false, fmt.Errorf("open stream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return false, false, fmt.Errorf("stream returned %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" && data != "" {
				received = true
				if terminal := dispatch(event, data, cb); terminal {
					return true, true, nil
				}
			}
			event, data = "", ""

		case strings.HasPrefix(line, ":"):
			// Heartbeat comment, nothing to do.

		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))

		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}

	if err := scanner.Err(); err != nil {
		return false, received, fmt.Errorf("stream read: %w", err)
	}
	// Server closed without a terminal event.
	return false, received, fmt.Errorf("stream for job %s closed by server", jobID)
}

// dispatch decodes one application event and reports whether it is terminal.
func dispatch(event, data string, cb Callbacks) bool {
	switch event {
	case "progress":
		var job models.Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			log.Warn().Err(err).Msg("Malformed progress event, skipping")
			return false
		}
		if cb.OnProgress != nil {
			cb.OnProgress(&job)
		}
		return false

	case "complete":
		var job models.Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			log.Warn().Err(err).Msg("Malformed complete event")
			return true
		}
		if cb.OnComplete != nil {
			cb.OnComplete(&job)
		}
		return true

	case "error":
		var jerr models.JobError
		if err := json.Unmarshal([]byte(data), &jerr); err != nil {
			log.Warn().Err(err).Msg("Malformed error event")
			return true
		}
		if cb.OnError != nil {
			cb.OnError(jerr)
		}
		return true
	}
	return false
}
