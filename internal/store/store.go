package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/docforge/docforge/internal/models"
)

// Sentinel errors for common error conditions
var (
	ErrJobNotFound = errors.New("job not found")
	ErrCaseActive  = errors.New("case already has an active job")
	ErrJobTerminal = errors.New("job already terminal")
)

// JobStore defines the interface for job state tracking. Subscribers always
// see the current snapshot first, then every subsequent change in emission
// order.
type JobStore interface {
	// Create allocates a queued job for the case. It rejects a second
	// concurrent job for a case that already has a non-terminal one.
	Create(ctx context.Context, caseID string, payload json.RawMessage) (*models.Job, error)

	// Get returns a snapshot of the job, or false if unknown (or swept).
	Get(ctx context.Context, jobID string) (*models.Job, bool)

	// Update applies a partial progress mutation. It is a no-op returning
	// false once the job is terminal. Progress never regresses.
	Update(ctx context.Context, jobID string, upd models.Update) bool

	// MarkTerminal applies the write-once terminal transition. The first
	// caller wins; later calls return false and change nothing.
	MarkTerminal(ctx context.Context, jobID string, outcome models.Outcome) bool

	// Subscribe registers a listener for the job. The channel delivers the
	// current snapshot immediately, then every change; it is closed after
	// the terminal snapshot is delivered, or when unsubscribe is called.
	Subscribe(ctx context.Context, jobID string) (<-chan *models.Job, func(), error)

	// Lifecycle
	Start() error
	Stop() error
}
