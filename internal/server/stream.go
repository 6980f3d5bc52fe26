package server

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog"

	"github.com/docforge/docforge/internal/models"
	"github.com/docforge/docforge/internal/telemetry"
)

// streamJob serves GET /jobs/{jobID}/stream as a Server-Sent-Events stream.
// The current snapshot goes out first as a progress event, then every store
// change; the terminal state is a single complete or error event after which
// the server closes the connection. Unknown job ids get one synthetic
// complete event with status not_found so clients stop reconnecting.
func (s *Server) streamJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	connID := newConnectionID()

	log := zerolog.Ctx(r.Context()).With().
		Str("job_id", jobID).
		Str("conn_id", connID).
		Logger()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}
	flusher.Flush()

	snapshots, unsubscribe, err := s.store.Subscribe(r.Context(), jobID)
	if err != nil {
		// The job never existed or was already swept. One terminal event,
		// then close, so the client does not reconnect against a ghost.
		writeEvent(w, flusher, "complete", map[string]string{"status": string(models.StatusNotFound)})
		log.Debug().Msg("Stream for unknown job, sent not_found and closed")
		return
	}
	defer unsubscribe()

	telemetry.GetMetrics().ActiveStreams.Add(r.Context(), 1)
	defer telemetry.GetMetrics().ActiveStreams.Add(r.Context(), -1)

	log.Debug().Msg("Stream opened")

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Debug().Msg("Stream client disconnected")
			return

		case snap, open := <-snapshots:
			if !open {
				// Store closed us out after the terminal snapshot.
				return
			}

			switch {
			case snap.Status == models.StatusSuccess:
				writeEvent(w, flusher, "complete", snap)
				log.Debug().Msg("Stream finished with complete event")
				return
			case snap.Status == models.StatusFailed:
				writeEvent(w, flusher, "error", snap.Error)
				log.Debug().Str("code", snap.Error.Code).Msg("Stream finished with error event")
				return
			default:
				writeEvent(w, flusher, "progress", snap)
			}

		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
			telemetry.GetMetrics().HeartbeatsTotal.Add(r.Context(), 1)
		}
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}

// newConnectionID returns a short id used only for log correlation.
func newConnectionID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return base58.Encode(buf)
}
