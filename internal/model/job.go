package model

import "time"

// JobKind identifies what kind of work a job performs.
type JobKind string

const (
	JobKindGeneration            JobKind = "generation"
	JobKindBackgroundReplacement JobKind = "background_replacement"
)

// JobStatus is the lifecycle state of a job. Transitions only move forward:
// pending -> processing -> completed | failed.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// SignedURL is a time-limited pointer to a stored asset. It is a cache:
// when it lapses the durable asset ref is still authoritative and a new
// URL can be minted on demand.
type SignedURL struct {
	URL        string    `json:"url"`
	IssuedAt   time.Time `json:"issuedAt"`
	TTLSeconds int64     `json:"ttlSeconds"`
}

// Expired reports whether the URL is past its lifetime at the given instant.
func (u *SignedURL) Expired(now time.Time) bool {
	return !now.Before(u.IssuedAt.Add(time.Duration(u.TTLSeconds) * time.Second))
}

// Job is the durable record for one unit of asynchronous video work.
//
// Invariants maintained by the job service:
//   - OutputRef is set iff Status == completed
//   - Error is set iff Status == failed
//   - ParentJobID is set only on background_replacement jobs
type Job struct {
	ID          string     `json:"id"`
	Kind        JobKind    `json:"kind"`
	Status      JobStatus  `json:"status"`
	Prompt      string     `json:"prompt,omitempty"`
	Model       string     `json:"model,omitempty"`
	InputRefs   []string   `json:"inputRefs,omitempty"`
	OutputRef   string     `json:"outputRef,omitempty"`
	OutputURL   *SignedURL `json:"outputUrl,omitempty"`
	ParentJobID string     `json:"parentJobId,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}
