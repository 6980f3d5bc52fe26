package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/docforge/docforge/internal/httpx"
	"github.com/docforge/docforge/internal/logger"
	"github.com/docforge/docforge/internal/pipeline"
	"github.com/docforge/docforge/internal/profile"
	"github.com/docforge/docforge/internal/store"
)

// Config holds the request-facing knobs of the orchestrator.
type Config struct {
	// HeartbeatInterval bounds how long an SSE connection stays silent
	// before a comment keeps idle-timeout proxies at bay.
	HeartbeatInterval time.Duration

	// CORSOrigins are the allowed origins for browser clients.
	CORSOrigins []string
}

// Server exposes the job orchestrator over HTTP: submission, polling, SSE
// streaming, retry and cancel.
type Server struct {
	store    store.JobStore
	invoker  *pipeline.Invoker
	profiles profile.Profiles
	validate *validator.Validate
	cfg      Config
}

func NewServer(st store.JobStore, invoker *pipeline.Invoker, profiles profile.Profiles, cfg Config) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	return &Server{
		store:    st,
		invoker:  invoker,
		profiles: profiles,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		cfg:      cfg,
	}
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler(log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(logger.RequestLogger(log))
	r.Use(httpx.ClientIPMiddleware())
	r.Use(cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "Last-Event-ID"},
	}).Handler)

	// Health check endpoint for load balancer
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.submitJob)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/status", s.jobStatus)
			r.Get("/stream", s.streamJob)
			r.Post("/retry", s.retryJob)
			r.Post("/cancel", s.cancelJob)
		})
	})

	return r
}
