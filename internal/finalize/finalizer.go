package finalize

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/docforge/docforge/internal/models"
	"github.com/docforge/docforge/internal/notify"
	"github.com/docforge/docforge/internal/pipeline"
	"github.com/docforge/docforge/internal/share"
	"github.com/docforge/docforge/internal/telemetry"
)

// Config controls the best-effort completion chain.
type Config struct {
	// DefaultRecipient receives completion notifications when the
	// submission did not name one. Empty disables notifications.
	DefaultRecipient string

	// NotifyMaxAttempts bounds the notification retry loop.
	NotifyMaxAttempts int

	// NotifyBackoffBase is the initial delay between notification retries.
	NotifyBackoffBase time.Duration
}

// Finalizer runs the optional post-success side effects: shareable link
// creation with visibility fallback, then a completion notification. None of
// these can flip the job back to failed.
type Finalizer struct {
	share    *share.Client
	notifier *notify.Client
	cfg      Config
}

var _ pipeline.Finalizer = (*Finalizer)(nil)

func New(shareClient *share.Client, notifier *notify.Client, cfg Config) *Finalizer {
	return &Finalizer{
		share:    shareClient,
		notifier: notifier,
		cfg:      cfg,
	}
}

// BuildResult assembles the terminal result for a successful pipeline run.
// Link creation tries a restricted link first, falls back to a public one,
// and settles for no link at all rather than spoiling the success.
func (f *Finalizer) BuildResult(ctx context.Context, job *models.Job, res pipeline.Result) *models.JobResult {
	result := &models.JobResult{DocumentCount: res.DocumentCount}

	link := f.createLink(ctx, job, res.ArtifactPath)
	if link != "" {
		result.ArtifactLink = &link
	}
	return result
}

func (f *Finalizer) createLink(ctx context.Context, job *models.Job, artifactPath string) string {
	if artifactPath == "" {
		return ""
	}

	tryRestricted := true
	if caps, err := f.share.Capabilities(ctx); err != nil {
		log.Warn().Err(err).Str("job_id", job.JobID).Msg("Capabilities lookup failed, trying restricted link anyway")
	} else if !caps.RestrictedLinks {
		tryRestricted = false
	}

	if tryRestricted {
		url, err := f.share.CreateLink(ctx, artifactPath, share.VisibilityRestricted)
		if err == nil {
			return url
		}
		log.Warn().Err(err).Str("job_id", job.JobID).Msg("Restricted link creation failed, falling back to public link")
	}
	telemetry.GetMetrics().ShareLinkFallbacksTotal.Add(ctx, 1)

	url, err := f.share.CreateLink(ctx, artifactPath, share.VisibilityPublic)
	if err == nil {
		return url
	}

	log.Warn().
		Err(err).
		Str("job_id", job.JobID).
		Str("case_id", job.CaseID).
		Msg("No shareable link could be created, completing without one")
	return ""
}

// submissionMeta is the slice of the original payload the finalizer cares
// about.
type submissionMeta struct {
	NotifyRecipient string `json:"notifyRecipient"`
}

// NotifyCompletion sends the completion notification with its own bounded
// retry. Permanent failure is logged and never retried further.
func (f *Finalizer) NotifyCompletion(ctx context.Context, job *models.Job) {
	recipient := f.cfg.DefaultRecipient
	var meta submissionMeta
	if len(job.Payload) > 0 && json.Unmarshal(job.Payload, &meta) == nil && meta.NotifyRecipient != "" {
		recipient = meta.NotifyRecipient
	}
	if recipient == "" {
		return
	}

	msg := notify.Message{
		Recipient: recipient,
		Subject:   fmt.Sprintf("Document bundle for case %s is ready", job.CaseID),
		Body:      completionBody(job),
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = f.cfg.NotifyBackoffBase

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, f.notifier.Send(ctx, msg)
	},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(f.cfg.NotifyMaxAttempts)),
	)
	if err != nil {
		telemetry.GetMetrics().NotifyFailuresTotal.Add(ctx, 1)
		log.Warn().
			Err(err).
			Str("job_id", job.JobID).
			Str("case_id", job.CaseID).
			Msg("Completion notification failed after all attempts")
	}
}

func completionBody(job *models.Job) string {
	if job.Result != nil && job.Result.ArtifactLink != nil {
		return fmt.Sprintf("Generated %d documents. Download: %s", job.Result.DocumentCount, *job.Result.ArtifactLink)
	}
	count := 0
	if job.Result != nil {
		count = job.Result.DocumentCount
	}
	return fmt.Sprintf("Generated %d documents. The bundle is available in the case workspace.", count)
}
