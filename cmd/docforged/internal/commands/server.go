package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docforge/docforge/internal/finalize"
	"github.com/docforge/docforge/internal/logger"
	"github.com/docforge/docforge/internal/notify"
	"github.com/docforge/docforge/internal/pipeline"
	"github.com/docforge/docforge/internal/profile"
	"github.com/docforge/docforge/internal/server"
	"github.com/docforge/docforge/internal/share"
	"github.com/docforge/docforge/internal/store"
	"github.com/docforge/docforge/internal/telemetry"
)

type ServerCmd struct {
	// Server configuration
	Listen      string   `help:"HTTP server listen address" default:"0.0.0.0:8993" env:"DOCFORGE_LISTEN"`
	CORSOrigins []string `help:"allowed CORS origins for API requests" default:"http://localhost" env:"DOCFORGE_CORS_ORIGINS"`
	Profiles    string   `help:"path to generation profiles YAML file" default:"" env:"DOCFORGE_PROFILES"`
	Tracing     bool     `help:"enable tracing" default:"false" env:"DOCFORGE_TRACING"`

	Pipeline PipelineFlags `embed:"" prefix:"pipeline-"`
	Share    ShareFlags    `embed:"" prefix:"share-"`
	Notify   NotifyFlags   `embed:"" prefix:"notify-"`
	Jobs     JobFlags      `embed:"" prefix:"job-"`
}

// PipelineFlags configures the external generation service call.
type PipelineFlags struct {
	URL         string        `help:"generation service base URL" env:"DOCFORGE_PIPELINE_URL"`
	CallTimeout time.Duration `help:"hard ceiling for a single pipeline call" default:"300s" env:"DOCFORGE_PIPELINE_CALL_TIMEOUT"`
	MaxRetries  int           `help:"max retries for transient pipeline failures" default:"3" env:"DOCFORGE_PIPELINE_MAX_RETRIES"`
	BackoffBase time.Duration `help:"initial retry backoff delay" default:"1s" env:"DOCFORGE_PIPELINE_BACKOFF_BASE"`
	BackoffMax  time.Duration `help:"retry backoff delay cap" default:"30s" env:"DOCFORGE_PIPELINE_BACKOFF_MAX"`
}

func (p *PipelineFlags) Validate() error {
	if p.URL == "" {
		return errors.New("generation service URL is required (--pipeline-url or DOCFORGE_PIPELINE_URL)")
	}
	return nil
}

// ShareFlags configures the storage/sharing collaborator.
type ShareFlags struct {
	URL     string        `help:"storage/sharing service base URL" env:"DOCFORGE_SHARE_URL"`
	Timeout time.Duration `help:"per-call timeout for share operations" default:"30s" env:"DOCFORGE_SHARE_TIMEOUT"`
}

func (s *ShareFlags) Validate() error {
	if s.URL == "" {
		return errors.New("storage/sharing service URL is required (--share-url or DOCFORGE_SHARE_URL)")
	}
	return nil
}

// NotifyFlags configures the completion notifier.
type NotifyFlags struct {
	URL         string        `help:"notification service base URL" env:"DOCFORGE_NOTIFY_URL"`
	Timeout     time.Duration `help:"per-call timeout for notifications" default:"15s" env:"DOCFORGE_NOTIFY_TIMEOUT"`
	Recipient   string        `help:"default completion notification recipient" default:"" env:"DOCFORGE_NOTIFY_RECIPIENT"`
	MaxAttempts int           `help:"max notification delivery attempts" default:"3" env:"DOCFORGE_NOTIFY_MAX_ATTEMPTS"`
	BackoffBase time.Duration `help:"initial notification retry delay" default:"2s" env:"DOCFORGE_NOTIFY_BACKOFF_BASE"`
}

func (n *NotifyFlags) Validate() error {
	if n.URL == "" {
		return errors.New("notification service URL is required (--notify-url or DOCFORGE_NOTIFY_URL)")
	}
	return nil
}

// JobFlags configures job record retention and streaming.
type JobFlags struct {
	TTL               time.Duration `help:"how long terminal job records are kept" default:"10m" env:"DOCFORGE_JOB_TTL"`
	SweepInterval     time.Duration `help:"how often expired terminal jobs are swept" default:"30s" env:"DOCFORGE_JOB_SWEEP_INTERVAL"`
	HeartbeatInterval time.Duration `help:"SSE heartbeat interval" default:"15s" env:"DOCFORGE_SSE_HEARTBEAT_INTERVAL"`
}

func (c *ServerCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)
	ctx := context.Background()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, "docforged", globals.Version)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	profiles, err := profile.Load(c.Profiles)
	if err != nil {
		return err
	}
	if len(profiles) > 0 {
		log.Info().Int("profiles", len(profiles)).Str("path", c.Profiles).Msg("Loaded generation profiles")
	}

	jobStore := store.NewMemoryJobStore(c.Jobs.TTL, c.Jobs.SweepInterval)
	if err := jobStore.Start(); err != nil {
		return err
	}
	defer func() { _ = jobStore.Stop() }()

	finalizer := finalize.New(
		share.NewClient(c.Share.URL, c.Share.Timeout),
		notify.NewClient(c.Notify.URL, c.Notify.Timeout),
		finalize.Config{
			DefaultRecipient:  c.Notify.Recipient,
			NotifyMaxAttempts: c.Notify.MaxAttempts,
			NotifyBackoffBase: c.Notify.BackoffBase,
		},
	)

	invoker := pipeline.NewInvoker(
		jobStore,
		pipeline.NewClient(c.Pipeline.URL, nil),
		finalizer,
		pipeline.Config{
			CallTimeout: c.Pipeline.CallTimeout,
			MaxRetries:  c.Pipeline.MaxRetries,
			BackoffBase: c.Pipeline.BackoffBase,
			BackoffMax:  c.Pipeline.BackoffMax,
		},
	)

	srv := server.NewServer(jobStore, invoker, profiles, server.Config{
		HeartbeatInterval: c.Jobs.HeartbeatInterval,
		CORSOrigins:       c.CORSOrigins,
	})

	httpServer := configureHTTPServer(c.Listen, srv.Handler(log))

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", c.Listen).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
