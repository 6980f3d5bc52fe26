package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/docforge/docforge/internal/models"
	"github.com/docforge/docforge/internal/telemetry"
)

// MemoryJobStore implements JobStore using in-memory storage. It is the only
// store: job records are single-process state with a bounded lifetime, not
// durable data.
type MemoryJobStore struct {
	mu sync.RWMutex

	// Core job storage
	jobs        map[string]*models.Job // job ID -> Job
	activeCases map[string]string      // case ID -> non-terminal job ID

	// Subscriber registry
	subscribers map[string][]*subscriber // job ID -> active listeners

	// Terminal record TTL
	ttl time.Duration

	// Background sweep
	sweepInterval time.Duration
	sweepTicker   *time.Ticker
	stopSweep     chan struct{}
}

type subscriber struct {
	ch     chan *models.Job
	closed bool
}

// NewMemoryJobStore creates a new in-memory job store. Terminal jobs are
// swept once they have been idle for ttl.
func NewMemoryJobStore(ttl, sweepInterval time.Duration) *MemoryJobStore {
	return &MemoryJobStore{
		jobs:          make(map[string]*models.Job),
		activeCases:   make(map[string]string),
		subscribers:   make(map[string][]*subscriber),
		ttl:           ttl,
		sweepInterval: sweepInterval,
		stopSweep:     make(chan struct{}),
	}
}

// Start begins the background sweep of expired terminal jobs.
func (s *MemoryJobStore) Start() error {
	s.sweepTicker = time.NewTicker(s.sweepInterval)
	go s.sweepLoop()
	return nil
}

// Stop terminates background operations.
func (s *MemoryJobStore) Stop() error {
	if s.sweepTicker != nil {
		s.sweepTicker.Stop()
	}
	close(s.stopSweep)
	return nil
}

func (s *MemoryJobStore) sweepLoop() {
	for {
		select {
		case <-s.sweepTicker.C:
			s.sweep()
		case <-s.stopSweep:
			return
		}
	}
}

// sweep removes terminal jobs that have outlived the TTL.
func (s *MemoryJobStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for jobID, job := range s.jobs {
		if !job.Status.Terminal() {
			continue
		}
		if now.Sub(job.UpdatedAt) <= s.ttl {
			continue
		}

		delete(s.jobs, jobID)
		s.closeSubscribersLocked(jobID)
		log.Debug().Str("job_id", jobID).Str("case_id", job.CaseID).Msg("Swept expired terminal job")
	}
}

// Create allocates a queued job for the given case.
func (s *MemoryJobStore) Create(ctx context.Context, caseID string, payload json.RawMessage) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.activeCases[caseID]; ok {
		return nil, fmt.Errorf("%w: case %s is being processed by job %s", ErrCaseActive, caseID, existing)
	}

	now := time.Now()
	job := &models.Job{
		JobID:     uuid.Must(uuid.NewV7()).String(),
		CaseID:    caseID,
		Status:    models.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
		Payload:   payload,
	}

	s.jobs[job.JobID] = job
	s.activeCases[caseID] = job.JobID

	telemetry.GetMetrics().JobsSubmittedTotal.Add(ctx, 1)

	return job.Clone(), nil
}

// Get returns a snapshot of the job.
func (s *MemoryJobStore) Get(ctx context.Context, jobID string) (*models.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, false
	}
	return job.Clone(), true
}

// Update applies a partial mutation to a non-terminal job and fans the new
// snapshot out to subscribers. Terminal jobs reject all updates.
func (s *MemoryJobStore) Update(ctx context.Context, jobID string, upd models.Update) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.Status.Terminal() {
		return false
	}

	if upd.Status != nil && !upd.Status.Terminal() {
		job.Status = *upd.Status
	}
	if upd.Phase != nil {
		job.Phase = *upd.Phase
	}
	if upd.Progress != nil && *upd.Progress > job.Progress {
		job.Progress = min(*upd.Progress, 100)
	}
	if upd.Docs != nil {
		job.Docs = *upd.Docs
	}
	if upd.Attempts != nil {
		job.Attempts = *upd.Attempts
	}
	job.UpdatedAt = time.Now()

	s.fanoutLocked(ctx, jobID, job.Clone())
	return true
}

// MarkTerminal applies the write-once terminal transition, broadcasts the
// final snapshot and forcibly unsubscribes every listener.
func (s *MemoryJobStore) MarkTerminal(ctx context.Context, jobID string, outcome models.Outcome) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.Status.Terminal() {
		return false
	}

	job.Status = outcome.Status
	job.Error = outcome.Err
	job.Result = outcome.Result
	if outcome.Status == models.StatusSuccess {
		job.Progress = 100
	}
	job.UpdatedAt = time.Now()

	// The case may accept a new submission from here on.
	if s.activeCases[job.CaseID] == jobID {
		delete(s.activeCases, job.CaseID)
	}

	s.fanoutLocked(ctx, jobID, job.Clone())
	s.closeSubscribersLocked(jobID)

	telemetry.GetMetrics().JobsFinishedTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", string(outcome.Status))))

	log.Info().
		Str("job_id", jobID).
		Str("case_id", job.CaseID).
		Str("status", string(outcome.Status)).
		Int("attempts", job.Attempts).
		Msg("Job reached terminal state")
	return true
}

// Subscribe registers a listener. The current snapshot is delivered before
// any subsequent change; after a terminal snapshot the channel is closed.
func (s *MemoryJobStore) Subscribe(ctx context.Context, jobID string) (<-chan *models.Job, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	sub := &subscriber{ch: make(chan *models.Job, 64)}

	// Snapshot goes in before the subscriber is visible to writers, so it
	// always precedes later updates.
	sub.ch <- job.Clone()

	if job.Status.Terminal() {
		// Nothing further will ever be emitted.
		sub.closed = true
		close(sub.ch)
		return sub.ch, func() {}, nil
	}

	s.subscribers[jobID] = append(s.subscribers[jobID], sub)
	telemetry.GetMetrics().ActiveSubscribers.Add(ctx, 1)

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.removeSubscriberLocked(jobID, sub)
	}
	return sub.ch, unsubscribe, nil
}

// fanoutLocked sends a snapshot to all active subscribers for a job.
func (s *MemoryJobStore) fanoutLocked(ctx context.Context, jobID string, snapshot *models.Job) {
	for _, sub := range s.subscribers[jobID] {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- snapshot:
		default:
			// Subscriber is not draining; drop rather than block writers.
			telemetry.GetMetrics().SnapshotsDroppedTotal.Add(ctx, 1)
			log.Warn().Str("job_id", jobID).Msg("Subscriber channel full, dropping snapshot")
		}
	}
}

func (s *MemoryJobStore) closeSubscribersLocked(jobID string) {
	for _, sub := range s.subscribers[jobID] {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
			telemetry.GetMetrics().ActiveSubscribers.Add(context.Background(), -1)
		}
	}
	delete(s.subscribers, jobID)
}

func (s *MemoryJobStore) removeSubscriberLocked(jobID string, sub *subscriber) {
	subs := s.subscribers[jobID]
	for i, candidate := range subs {
		if candidate == sub {
			s.subscribers[jobID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
		telemetry.GetMetrics().ActiveSubscribers.Add(context.Background(), -1)
	}
}
