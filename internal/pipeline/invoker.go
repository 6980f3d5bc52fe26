package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/docforge/docforge/internal/models"
	"github.com/docforge/docforge/internal/store"
	"github.com/docforge/docforge/internal/telemetry"
)

// Finalizer runs the post-success side effects. BuildResult assembles the
// terminal result (artifact link or nil) before the terminal transition;
// NotifyCompletion runs after it. Neither may fail the job.
type Finalizer interface {
	BuildResult(ctx context.Context, job *models.Job, res Result) *models.JobResult
	NotifyCompletion(ctx context.Context, job *models.Job)
}

// Config controls the pipeline invocation behaviour.
type Config struct {
	// CallTimeout is the hard ceiling for a single pipeline call. Exceeding
	// it fails the job with PIPELINE_TIMEOUT and is never retried.
	CallTimeout time.Duration

	// MaxRetries is the number of retries after the initial attempt for
	// transient failures.
	MaxRetries int

	// BackoffBase and BackoffMax bound the jittered exponential delay
	// between retries.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Invoker runs the generation pipeline for jobs in the background. Each run
// is a supervised task: its cancel handle stays registered until the job
// reaches a terminal state, so an explicit cancel can abort the in-flight
// call deterministically.
type Invoker struct {
	store     store.JobStore
	client    *Client
	finalizer Finalizer
	cfg       Config

	mu    sync.Mutex
	tasks map[string]context.CancelFunc
}

func NewInvoker(st store.JobStore, client *Client, finalizer Finalizer, cfg Config) *Invoker {
	return &Invoker{
		store:     st,
		client:    client,
		finalizer: finalizer,
		cfg:       cfg,
		tasks:     make(map[string]context.CancelFunc),
	}
}

// Invoke starts the pipeline run for the job and returns immediately. It is
// called exactly once per job by the orchestrating handler.
func (inv *Invoker) Invoke(job *models.Job) {
	ctx, cancel := context.WithCancel(context.Background())

	inv.mu.Lock()
	inv.tasks[job.JobID] = cancel
	inv.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			inv.mu.Lock()
			delete(inv.tasks, job.JobID)
			inv.mu.Unlock()
		}()
		inv.run(ctx, job)
	}()
}

// Cancel aborts the in-flight pipeline call for the job, if any. The race
// with completion is resolved by whichever terminal write the store accepts
// first.
func (inv *Invoker) Cancel(jobID string) bool {
	inv.mu.Lock()
	cancel, ok := inv.tasks[jobID]
	inv.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

func (inv *Invoker) run(ctx context.Context, job *models.Job) {
	attempts := 0

	operation := func() (*Result, error) {
		attempts++
		processing := models.StatusProcessing
		inv.store.Update(ctx, job.JobID, models.Update{Status: &processing, Attempts: &attempts})

		callCtx, cancelCall := context.WithTimeout(ctx, inv.cfg.CallTimeout)
		defer cancelCall()

		started := time.Now()
		res, err := inv.client.Generate(callCtx, job.Payload, func(p Progress) {
			docs := models.DocumentProgress{Completed: p.DocsCompleted, Total: p.DocsTotal}
			inv.store.Update(ctx, job.JobID, models.Update{
				Phase:    &p.Phase,
				Progress: &p.Progress,
				Docs:     &docs,
			})
		})
		telemetry.GetMetrics().PipelineCallDuration.Record(ctx, float64(time.Since(started).Milliseconds()))

		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(permanentErr(CodeJobCancelled, "job cancelled before completion"))
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, backoff.Permanent(permanentErr(CodePipelineTimeout, "pipeline call exceeded %s", inv.cfg.CallTimeout))
			}
			var perr *Error
			if errors.As(err, &perr) && !perr.Transient {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return res, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = inv.cfg.BackoffBase
	expo.MaxInterval = inv.cfg.BackoffMax

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(inv.cfg.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			telemetry.GetMetrics().PipelineRetriesTotal.Add(ctx, 1)
			log.Warn().
				Err(err).
				Str("job_id", job.JobID).
				Str("case_id", job.CaseID).
				Int("attempt", attempts).
				Dur("next_retry", next).
				Msg("Pipeline call failed, will retry")
		}),
	)
	if err != nil {
		inv.fail(ctx, job, err)
		return
	}

	result := inv.finalizer.BuildResult(ctx, job, *res)
	if !inv.store.MarkTerminal(ctx, job.JobID, models.Outcome{Status: models.StatusSuccess, Result: result}) {
		// Lost the terminal race, nothing more to do.
		return
	}

	if final, ok := inv.store.Get(ctx, job.JobID); ok {
		inv.finalizer.NotifyCompletion(context.WithoutCancel(ctx), final)
	}
}

// fail converts the invocation failure into the job's structured error. Raw
// errors never cross the process boundary to clients.
func (inv *Invoker) fail(ctx context.Context, job *models.Job, err error) {
	jerr := &models.JobError{Code: CodePipelineUnavailable, Message: "pipeline call failed after all retries"}

	var perr *Error
	switch {
	case errors.As(err, &perr):
		jerr = &models.JobError{Code: perr.Code, Message: perr.Message}
	case errors.Is(err, context.Canceled):
		jerr = &models.JobError{Code: CodeJobCancelled, Message: "job cancelled before completion"}
	}

	inv.store.MarkTerminal(context.WithoutCancel(ctx), job.JobID, models.Outcome{
		Status: models.StatusFailed,
		Err:    jerr,
	})

	log.Error().
		Err(err).
		Str("job_id", job.JobID).
		Str("case_id", job.CaseID).
		Str("code", jerr.Code).
		Msg("Job failed")
}
