// Package store persists job records. All state-mutating transitions go
// through ConditionalUpdate so that concurrent callbacks for the same job
// id serialize on an atomic read-modify-write.
package store

import (
	"context"

	"github.com/videoforge/api/internal/model"
)

// JobStore is the durable keyed storage for job metadata.
type JobStore interface {
	// Get returns the job or model.ErrJobNotFound.
	Get(ctx context.Context, id string) (*model.Job, error)

	// Put writes the record unconditionally and indexes it for listing.
	Put(ctx context.Context, job *model.Job) error

	// ConditionalUpdate applies mutate to the job only if its current
	// status is in expected, as a single atomic read-modify-write.
	// Returns model.ErrJobNotFound for unknown ids and a wrapped
	// model.ErrInvalidTransition when the status check fails; the wrapped
	// message carries the observed status.
	ConditionalUpdate(ctx context.Context, id string, expected []model.JobStatus, mutate func(*model.Job) error) (*model.Job, error)

	// Delete removes the record and its index entry. Deleting an unknown
	// id is not an error.
	Delete(ctx context.Context, id string) error

	// List returns all jobs, newest first.
	List(ctx context.Context) ([]*model.Job, error)
}

func statusIn(s model.JobStatus, set []model.JobStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
