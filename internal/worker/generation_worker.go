package worker

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

	"github.com/hibiken/asynq"

	"github.com/videoforge/api/internal/client"
	"github.com/videoforge/api/internal/model"
	"github.com/videoforge/api/internal/service"
)

// systemPrompt is prepended to every user prompt sent to the model.
const systemPrompt = `Generate a short video based on the user's prompt and image.
The video should be photorealistic, live action and cinematic, and should be
consistent with the image provided.

`

// mockVideoBytes stands in for model output when no API key is configured.
var mockVideoBytes = []byte("mock-video-content")

// GenerationWorker processes video:generate tasks: it drives the generation
// backend from submit through poll to download and records the outcome on
// the job. Any upstream failure terminates the job; the task itself is
// never retried, so the handler returns nil after recording a failure.
type GenerationWorker struct {
	jobs         *service.JobService
	veo          client.VideoGenerator
	assets       client.StorageClient
	pollInterval time.Duration
	pollTimeout  time.Duration
}

func NewGenerationWorker(jobs *service.JobService, veo client.VideoGenerator, assets client.StorageClient, pollInterval, pollTimeout time.Duration) *GenerationWorker {
	return &GenerationWorker{
		jobs:         jobs,
		veo:          veo,
		assets:       assets,
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
	}
}

// ProcessTask implements asynq.Handler.
func (w *GenerationWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload service.GenerateTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		log.Printf("[GenerationWorker] invalid payload: %v", err)
		return nil
	}
	jobID := payload.JobID

	log.Printf("[GenerationWorker] processing job %s", jobID)

	if err := w.jobs.MarkProcessing(ctx, jobID); err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			// Redelivery of a task whose job already finished
			log.Printf("[GenerationWorker] skipping job %s: %v", jobID, err)
			return nil
		}
		return err
	}

	job, err := w.jobs.GetStatus(ctx, jobID)
	if err != nil {
		return err
	}

	videoBytes, err := w.generate(ctx, job)
	if err != nil {
		return w.fail(ctx, jobID, err)
	}

	outputRef := service.OutputKey(jobID)
	if err := w.assets.Upload(ctx, outputRef, bytes.NewReader(videoBytes), "video/mp4"); err != nil {
		return w.fail(ctx, jobID, fmt.Errorf("failed to store video: %w", err))
	}

	if err := w.jobs.Complete(ctx, jobID, outputRef); err != nil {
		return err
	}

	log.Printf("[GenerationWorker] job %s completed (%d bytes)", jobID, len(videoBytes))
	return nil
}

// generate runs the full backend exchange and returns the video bytes.
func (w *GenerationWorker) generate(ctx context.Context, job *model.Job) ([]byte, error) {
	if !w.veo.IsConfigured() {
		log.Printf("[GenerationWorker] mock mode: skipping model call for job %s", job.ID)
		return mockVideoBytes, nil
	}

	startImage, endImage, err := w.loadInputFrames(ctx, job)
	if err != nil {
		return nil, err
	}

	operation, err := w.veo.Submit(ctx, &client.GenerateVideoRequest{
		Prompt:     systemPrompt + job.Prompt,
		Model:      job.Model,
		StartImage: startImage,
		EndImage:   endImage,
	})
	if err != nil {
		return nil, &model.UpstreamError{Stage: "generation", Err: err}
	}

	status, err := w.veo.PollOperation(ctx, operation, w.pollInterval, w.pollTimeout)
	if err != nil {
		return nil, &model.UpstreamError{Stage: "generation", Err: err}
	}
	if status.ErrorMsg != "" {
		return nil, &model.UpstreamError{Stage: "generation", Err: errors.New(status.ErrorMsg)}
	}
	if status.VideoURI == "" {
		return nil, &model.UpstreamError{Stage: "generation", Err: errors.New("operation finished without a video")}
	}

	videoBytes, err := w.veo.DownloadVideo(ctx, status.VideoURI)
	if err != nil {
		return nil, &model.UpstreamError{Stage: "generation", Err: err}
	}
	return videoBytes, nil
}

// loadInputFrames fetches the stored input frames and re-encodes them for
// the model request. The first ref is the start frame, a second ref ending
// in end.png is the optional end frame.
func (w *GenerationWorker) loadInputFrames(ctx context.Context, job *model.Job) (start, end string, err error) {
	if len(job.InputRefs) == 0 {
		return "", "", fmt.Errorf("job %s has no input frames", job.ID)
	}

	startBytes, err := w.assets.Download(ctx, job.InputRefs[0])
	if err != nil {
		return "", "", fmt.Errorf("failed to load start frame: %w", err)
	}
	start = base64.StdEncoding.EncodeToString(startBytes)

	for _, ref := range job.InputRefs[1:] {
		if !strings.HasSuffix(ref, "end.png") {
			continue
		}
		endBytes, err := w.assets.Download(ctx, ref)
		if err != nil {
			return "", "", fmt.Errorf("failed to load end frame: %w", err)
		}
		end = base64.StdEncoding.EncodeToString(endBytes)
	}
	return start, end, nil
}

func (w *GenerationWorker) fail(ctx context.Context, jobID string, cause error) error {
	log.Printf("[GenerationWorker] job %s failed: %v", jobID, cause)
	return w.jobs.Fail(ctx, jobID, cause.Error())
}
