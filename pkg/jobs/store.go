package jobs

import (
	"context"
	"time"

	"github.com/splatforge/platform/pkg/common/models"
)

// MutateFunc edits a private copy of a job. Returning an error aborts the
// mutation and nothing is persisted.
type MutateFunc func(*Job) error

// Store is the durable, concurrency-safe home of job records.
type Store interface {
	Create(ctx context.Context, preset models.Preset) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	// Mutate serializes with every other Mutate on the same id and persists
	// the result before returning it.
	Mutate(ctx context.Context, id string, fn MutateFunc) (*Job, error)
	List(ctx context.Context, limit int) ([]Job, error)
	ListActive(ctx context.Context) ([]Job, error)
}

// apply runs fn on a copy of current and returns the validated successor.
func apply(current *Job, fn MutateFunc) (*Job, error) {
	if current.Terminal() {
		return nil, ErrJobTerminal
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := CheckMutation(current, next); err != nil {
		return nil, err
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	next.Version = current.Version + 1
	next.UpdatedAt = now
	if next.StartedAt == nil && next.Status != StatusUploaded {
		next.StartedAt = &now
	}
	if next.CompletedAt == nil && next.Terminal() {
		next.CompletedAt = &now
	}
	return next, nil
}
