package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/videoforge/api/internal/model"
)

// MemoryStore is a mutex-guarded in-memory JobStore with the same
// conditional-update semantics as the Redis store. Used by tests and
// for local development without Redis.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*model.Job)}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, model.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) Put(ctx context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) ConditionalUpdate(ctx context.Context, id string, expected []model.JobStatus, mutate func(*model.Job) error) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, model.ErrJobNotFound
	}
	if !statusIn(job.Status, expected) {
		return nil, fmt.Errorf("%w: job %s is %s", model.ErrInvalidTransition, id, job.Status)
	}

	cp := *job
	if err := mutate(&cp); err != nil {
		return nil, err
	}
	cp.UpdatedAt = time.Now().UTC()
	s.jobs[id] = &cp

	out := cp
	return &out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]*model.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		cp := *job
		jobs = append(jobs, &cp)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs, nil
}
