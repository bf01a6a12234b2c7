package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/videoforge/api/internal/client"
	"github.com/videoforge/api/internal/model"
	"github.com/videoforge/api/internal/store"
)

const (
	TaskTypeGenerate          = "video:generate"
	TaskTypeReplaceBackground = "video:replace-background"
)

// Dispatcher is the fire-and-forget execution primitive: enqueue a task,
// a worker eventually runs it. Delivery is at-least-once with no ordering
// guarantee; the idempotent terminal transitions below make that safe.
// *asynq.Client satisfies this.
type Dispatcher interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// GenerateTaskPayload is the body of a video:generate task.
type GenerateTaskPayload struct {
	JobID string `json:"jobId"`
}

// ReplaceTaskPayload is the body of a video:replace-background task.
type ReplaceTaskPayload struct {
	JobID string               `json:"jobId"`
	Spec  model.BackgroundSpec `json:"spec"`
}

// OutputKey returns the asset-store key a job's output video is stored
// under. Every job owns exactly one output key.
func OutputKey(jobID string) string {
	return fmt.Sprintf("videos/%s.mp4", jobID)
}

func inputKey(jobID, name string) string {
	return fmt.Sprintf("inputs/%s/%s", jobID, name)
}

// JobService is the single authority for job state. Every mutation goes
// through a conditional update keyed by job id, so concurrent callbacks
// for the same job serialize on the store and transitions only ever move
// forward through pending -> processing -> completed|failed.
type JobService struct {
	store        store.JobStore
	assets       client.StorageClient
	dispatcher   Dispatcher
	signedURLTTL time.Duration
	now          func() time.Time
}

func NewJobService(jobStore store.JobStore, assets client.StorageClient, dispatcher Dispatcher, signedURLTTL time.Duration) *JobService {
	return &JobService{
		store:        jobStore,
		assets:       assets,
		dispatcher:   dispatcher,
		signedURLTTL: signedURLTTL,
		now:          time.Now,
	}
}

// CreateGeneration validates the request, persists a pending job, uploads
// the input frames, and dispatches the generation task. It returns the
// pending job without waiting for generation.
func (s *JobService) CreateGeneration(ctx context.Context, req *model.GenerateRequest) (*model.Job, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", model.ErrInvalidInput)
	}
	if req.Image.Start == "" {
		return nil, fmt.Errorf("%w: start image is required", model.ErrInvalidInput)
	}

	modelAlias := req.Model
	if modelAlias == "" {
		modelAlias = model.ModelVeoFast
	}

	startBytes, err := base64.StdEncoding.DecodeString(model.StripDataURL(req.Image.Start))
	if err != nil {
		return nil, fmt.Errorf("%w: start image is not valid base64", model.ErrInvalidInput)
	}
	var endBytes []byte
	if req.Image.End != "" {
		endBytes, err = base64.StdEncoding.DecodeString(model.StripDataURL(req.Image.End))
		if err != nil {
			return nil, fmt.Errorf("%w: end image is not valid base64", model.ErrInvalidInput)
		}
	}

	jobID := uuid.New().String()
	now := s.now().UTC()

	startRef := inputKey(jobID, "start.png")
	if err := s.assets.Upload(ctx, startRef, bytes.NewReader(startBytes), "image/png"); err != nil {
		return nil, fmt.Errorf("failed to store start image: %w", err)
	}
	inputRefs := []string{startRef}

	if endBytes != nil {
		endRef := inputKey(jobID, "end.png")
		if err := s.assets.Upload(ctx, endRef, bytes.NewReader(endBytes), "image/png"); err != nil {
			return nil, fmt.Errorf("failed to store end image: %w", err)
		}
		inputRefs = append(inputRefs, endRef)
	}

	job := &model.Job{
		ID:        jobID,
		Kind:      model.JobKindGeneration,
		Status:    model.JobStatusPending,
		Prompt:    req.Prompt,
		Model:     modelAlias,
		InputRefs: inputRefs,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.Put(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	if err := s.dispatch(TaskTypeGenerate, "generation", &GenerateTaskPayload{JobID: jobID}); err != nil {
		// Dispatch itself failed synchronously: terminate the fresh record.
		s.failDispatch(ctx, jobID, err)
		return nil, fmt.Errorf("failed to dispatch generation: %w", err)
	}

	return job, nil
}

// CreateBackgroundReplacement chains a replacement job onto a completed
// generation job. The parent's output ref is copied into the child's
// inputs at creation time, so deleting the parent later does not affect
// an in-flight or completed child.
func (s *JobService) CreateBackgroundReplacement(ctx context.Context, parentID string, req *model.ReplaceBackgroundRequest) (*model.Job, error) {
	jobID := uuid.New().String()

	spec := model.BackgroundSpec{
		BgColor:  req.BgColor,
		KeyColor: req.ChromaKey,
	}
	if req.BgImage != "" {
		spec.BgImageRef = inputKey(jobID, "background.png")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	parent, err := s.store.Get(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.Status != model.JobStatusCompleted {
		return nil, fmt.Errorf("%w: parent job %s is %s", model.ErrJobNotCompleted, parentID, parent.Status)
	}

	now := s.now().UTC()
	inputRefs := []string{parent.OutputRef}

	if req.BgImage != "" {
		bgBytes, err := base64.StdEncoding.DecodeString(model.StripDataURL(req.BgImage))
		if err != nil {
			return nil, fmt.Errorf("%w: background image is not valid base64", model.ErrInvalidInput)
		}
		if err := s.assets.Upload(ctx, spec.BgImageRef, bytes.NewReader(bgBytes), "image/png"); err != nil {
			return nil, fmt.Errorf("failed to store background image: %w", err)
		}
		inputRefs = append(inputRefs, spec.BgImageRef)
	}

	job := &model.Job{
		ID:          jobID,
		Kind:        model.JobKindBackgroundReplacement,
		Status:      model.JobStatusPending,
		Prompt:      parent.Prompt + " [Background Replaced]",
		Model:       parent.Model,
		InputRefs:   inputRefs,
		ParentJobID: parentID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.Put(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	if err := s.dispatch(TaskTypeReplaceBackground, "compose", &ReplaceTaskPayload{JobID: jobID, Spec: spec}); err != nil {
		s.failDispatch(ctx, jobID, err)
		return nil, fmt.Errorf("failed to dispatch background replacement: %w", err)
	}

	return job, nil
}

// MarkProcessing transitions pending -> processing. Calling it on a job
// that is already processing is a no-op; on a terminal job it returns a
// wrapped model.ErrInvalidTransition.
func (s *JobService) MarkProcessing(ctx context.Context, jobID string) error {
	_, err := s.store.ConditionalUpdate(ctx, jobID,
		[]model.JobStatus{model.JobStatusPending, model.JobStatusProcessing},
		func(j *model.Job) error {
			j.Status = model.JobStatusProcessing
			return nil
		})
	return err
}

// Complete transitions the job to completed and records the output ref.
// A callback arriving after the job is already terminal is logged and
// swallowed: the dispatcher delivers at least once, and the first-reached
// terminal state wins.
func (s *JobService) Complete(ctx context.Context, jobID, outputRef string) error {
	_, err := s.store.ConditionalUpdate(ctx, jobID,
		[]model.JobStatus{model.JobStatusPending, model.JobStatusProcessing},
		func(j *model.Job) error {
			j.Status = model.JobStatusCompleted
			j.OutputRef = outputRef
			j.OutputURL = nil // stale cache from a previous life is meaningless
			j.Error = nil
			return nil
		})
	if errors.Is(err, model.ErrInvalidTransition) {
		log.Printf("[JobService] ignoring duplicate complete for job %s: %v", jobID, err)
		return nil
	}
	return err
}

// Fail transitions the job to failed and records the error detail. It
// accepts pending jobs too, so a synchronous dispatch failure can
// terminate the record it just created. Duplicate terminal callbacks are
// logged and swallowed like in Complete.
func (s *JobService) Fail(ctx context.Context, jobID, detail string) error {
	_, err := s.store.ConditionalUpdate(ctx, jobID,
		[]model.JobStatus{model.JobStatusPending, model.JobStatusProcessing},
		func(j *model.Job) error {
			j.Status = model.JobStatusFailed
			j.Error = &detail
			return nil
		})
	if errors.Is(err, model.ErrInvalidTransition) {
		log.Printf("[JobService] ignoring duplicate fail for job %s: %v", jobID, err)
		return nil
	}
	return err
}

// GetStatus returns a read-only snapshot of the job.
func (s *JobService) GetStatus(ctx context.Context, jobID string) (*model.Job, error) {
	return s.store.Get(ctx, jobID)
}

// List returns all jobs, newest first.
func (s *JobService) List(ctx context.Context) ([]*model.Job, error) {
	return s.store.List(ctx)
}

// RefreshOutputLink returns a usable URL for a completed job's output.
// While the cached link has remaining ttl it is returned unchanged;
// otherwise a fresh one is minted from the asset store. Concurrent
// refreshes may each mint; only the cache write is last-writer-wins.
// OutputRef is never touched.
func (s *JobService) RefreshOutputLink(ctx context.Context, jobID string) (string, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Status != model.JobStatusCompleted {
		return "", fmt.Errorf("%w: job %s is %s", model.ErrJobNotCompleted, jobID, job.Status)
	}

	if job.OutputURL != nil && !job.OutputURL.Expired(s.now()) {
		return job.OutputURL.URL, nil
	}

	url, err := s.assets.GetSignedURL(ctx, job.OutputRef, s.signedURLTTL)
	if err != nil {
		return "", fmt.Errorf("failed to mint signed URL: %w", err)
	}

	_, err = s.store.ConditionalUpdate(ctx, jobID,
		[]model.JobStatus{model.JobStatusCompleted},
		func(j *model.Job) error {
			j.OutputURL = &model.SignedURL{
				URL:        url,
				IssuedAt:   s.now().UTC(),
				TTLSeconds: int64(s.signedURLTTL / time.Second),
			}
			return nil
		})
	if err != nil {
		// The job vanished under us (concurrent delete); the minted URL
		// is still valid for the caller.
		log.Printf("[JobService] could not cache refreshed URL for job %s: %v", jobID, err)
	}

	return url, nil
}

// DeleteJob removes a job. Asset deletion is best-effort and the record
// is removed regardless: an orphaned blob is recoverable by out-of-band
// cleanup, an undeletable record is not. Deleting an unknown id succeeds.
func (s *JobService) DeleteJob(ctx context.Context, jobID string) error {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, model.ErrJobNotFound) {
			return nil
		}
		return err
	}

	if job.OutputRef != "" {
		if err := s.assets.Delete(ctx, job.OutputRef); err != nil {
			log.Printf("[JobService] could not delete output asset for job %s: %v", jobID, err)
		}
	}

	// Only assets this job owns; a chained job's first input ref points at
	// its parent's output and must survive.
	ownPrefix := fmt.Sprintf("inputs/%s/", jobID)
	for _, ref := range job.InputRefs {
		if !strings.HasPrefix(ref, ownPrefix) {
			continue
		}
		if err := s.assets.Delete(ctx, ref); err != nil {
			log.Printf("[JobService] could not delete input asset %s for job %s: %v", ref, jobID, err)
		}
	}

	return s.store.Delete(ctx, jobID)
}

func (s *JobService) dispatch(taskType, queue string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal task payload: %w", err)
	}

	// MaxRetry(0): upstream failures terminate the job, they are never
	// retried; a fresh job is the only retry path.
	_, err = s.dispatcher.Enqueue(asynq.NewTask(taskType, data),
		asynq.Queue(queue),
		asynq.MaxRetry(0),
		asynq.Retention(24*time.Hour),
	)
	return err
}

func (s *JobService) failDispatch(ctx context.Context, jobID string, cause error) {
	detail := fmt.Sprintf("failed to start processing: %v", cause)
	if err := s.Fail(ctx, jobID, detail); err != nil {
		log.Printf("[JobService] could not mark job %s failed after dispatch error: %v", jobID, err)
	}
}
