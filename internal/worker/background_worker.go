package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/videoforge/api/internal/client"
	"github.com/videoforge/api/internal/model"
	"github.com/videoforge/api/internal/service"
)

// defaultKeyColor is the green keyed out when the request does not name one.
var defaultKeyColor = model.RGB{0, 171, 69}

// sourceURLTTL is how long the compositor's read link to the source video
// stays valid. Compositing finishes well within this.
const sourceURLTTL = time.Hour

// BackgroundWorker processes video:replace-background tasks: it hands the
// parent's output video to the compositor together with the background
// spec and stores the composited result as the child job's output.
type BackgroundWorker struct {
	jobs       *service.JobService
	compositor client.Compositor
	assets     client.StorageClient
}

func NewBackgroundWorker(jobs *service.JobService, compositor client.Compositor, assets client.StorageClient) *BackgroundWorker {
	return &BackgroundWorker{
		jobs:       jobs,
		compositor: compositor,
		assets:     assets,
	}
}

// ProcessTask implements asynq.Handler.
func (w *BackgroundWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload service.ReplaceTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		log.Printf("[BackgroundWorker] invalid payload: %v", err)
		return nil
	}
	jobID := payload.JobID

	log.Printf("[BackgroundWorker] processing job %s", jobID)

	if err := w.jobs.MarkProcessing(ctx, jobID); err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			log.Printf("[BackgroundWorker] skipping job %s: %v", jobID, err)
			return nil
		}
		return err
	}

	job, err := w.jobs.GetStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if len(job.InputRefs) == 0 {
		return w.fail(ctx, jobID, fmt.Errorf("job %s has no source video", jobID))
	}
	sourceRef := job.InputRefs[0]

	videoBytes, err := w.compose(ctx, sourceRef, &payload.Spec)
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

	log.Printf("[BackgroundWorker] job %s completed (%d bytes)", jobID, len(videoBytes))
	return nil
}

// compose runs the chroma-key exchange and returns the composited bytes.
func (w *BackgroundWorker) compose(ctx context.Context, sourceRef string, spec *model.BackgroundSpec) ([]byte, error) {
	if !w.compositor.IsConfigured() {
		// Mock mode: pass the source video through unchanged
		log.Printf("[BackgroundWorker] mock mode: copying source %s", sourceRef)
		return w.assets.Download(ctx, sourceRef)
	}

	sourceURL, err := w.assets.GetSignedURL(ctx, sourceRef, sourceURLTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign source video URL: %w", err)
	}

	keyColor := spec.KeyColor
	if keyColor == nil {
		kc := defaultKeyColor
		keyColor = &kc
	}

	composeReq := &client.ComposeRequest{
		VideoURL: sourceURL,
		BgColor:  spec.BgColor,
		KeyColor: keyColor,
	}
	if spec.BgImageRef != "" {
		bgBytes, err := w.assets.Download(ctx, spec.BgImageRef)
		if err != nil {
			return nil, fmt.Errorf("failed to load background image: %w", err)
		}
		composeReq.BgImageBase64 = base64.StdEncoding.EncodeToString(bgBytes)
	}

	videoBytes, err := w.compositor.Compose(ctx, composeReq)
	if err != nil {
		// ErrUnsupportedFormat and ErrComposeTimeout stay visible through
		// Unwrap for callers that care which way it failed.
		return nil, &model.UpstreamError{Stage: "compose", Err: err}
	}
	return videoBytes, nil
}

func (w *BackgroundWorker) fail(ctx context.Context, jobID string, cause error) error {
	log.Printf("[BackgroundWorker] job %s failed: %v", jobID, cause)
	return w.jobs.Fail(ctx, jobID, cause.Error())
}
