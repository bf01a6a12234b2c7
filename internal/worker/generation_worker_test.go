package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/videoforge/api/internal/client"
	"github.com/videoforge/api/internal/model"
	"github.com/videoforge/api/internal/service"
	"github.com/videoforge/api/internal/store"
)

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: map[string][]byte{}}
}

func (f *fakeStorage) Upload(ctx context.Context, key string, body io.Reader, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeStorage) Download(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such object: %s", key)
	}
	return data, nil
}

func (f *fakeStorage) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeStorage) GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://signed.example.com/" + key, nil
}

type nopDispatcher struct{}

func (nopDispatcher) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	return &asynq.TaskInfo{ID: "task-1", Type: task.Type()}, nil
}

// fakeVeo is a scripted VideoGenerator.
type fakeVeo struct {
	configured bool
	submitErr  error
	status     *client.OperationStatus
	pollErr    error
	video      []byte
}

func (f *fakeVeo) Submit(ctx context.Context, req *client.GenerateVideoRequest) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "operations/test-op", nil
}

func (f *fakeVeo) CheckOperation(ctx context.Context, operation string) (*client.OperationStatus, error) {
	return f.status, f.pollErr
}

func (f *fakeVeo) PollOperation(ctx context.Context, operation string, interval, maxWait time.Duration) (*client.OperationStatus, error) {
	return f.status, f.pollErr
}

func (f *fakeVeo) DownloadVideo(ctx context.Context, uri string) ([]byte, error) {
	return f.video, nil
}

func (f *fakeVeo) IsConfigured() bool { return f.configured }

type workerFixture struct {
	jobs    *service.JobService
	storage *fakeStorage
}

func newWorkerFixture() *workerFixture {
	storage := newFakeStorage()
	jobs := service.NewJobService(store.NewMemoryStore(), storage, nopDispatcher{}, 7*24*time.Hour)
	return &workerFixture{jobs: jobs, storage: storage}
}

func (f *workerFixture) pendingGenerationJob(t *testing.T) *model.Job {
	t.Helper()
	job, err := f.jobs.CreateGeneration(context.Background(), &model.GenerateRequest{
		Prompt: "a dog surfing",
		Image: model.ImagePair{
			Start: base64.StdEncoding.EncodeToString([]byte("png-bytes")),
		},
	})
	if err != nil {
		t.Fatalf("CreateGeneration failed: %v", err)
	}
	return job
}

func generateTask(t *testing.T, jobID string) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(service.GenerateTaskPayload{JobID: jobID})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return asynq.NewTask(service.TaskTypeGenerate, payload)
}

func TestGenerationWorkerCompletes(t *testing.T) {
	f := newWorkerFixture()
	ctx := context.Background()
	job := f.pendingGenerationJob(t)

	veo := &fakeVeo{
		configured: true,
		status:     &client.OperationStatus{Done: true, VideoURI: "https://veo.example.com/video"},
		video:      []byte("generated-video"),
	}
	w := NewGenerationWorker(f.jobs, veo, f.storage, time.Millisecond, time.Second)

	if err := w.ProcessTask(ctx, generateTask(t, job.ID)); err != nil {
		t.Fatalf("ProcessTask failed: %v", err)
	}

	got, err := f.jobs.GetStatus(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if got.Status != model.JobStatusCompleted {
		t.Fatalf("expected completed, got %s (error: %v)", got.Status, got.Error)
	}
	if got.OutputRef != service.OutputKey(job.ID) {
		t.Errorf("unexpected output ref %s", got.OutputRef)
	}
	data, err := f.storage.Download(ctx, got.OutputRef)
	if err != nil {
		t.Fatalf("output not uploaded: %v", err)
	}
	if string(data) != "generated-video" {
		t.Errorf("unexpected video bytes: %q", data)
	}
}

func TestGenerationWorkerMockMode(t *testing.T) {
	f := newWorkerFixture()
	ctx := context.Background()
	job := f.pendingGenerationJob(t)

	w := NewGenerationWorker(f.jobs, &fakeVeo{configured: false}, f.storage, time.Millisecond, time.Second)

	if err := w.ProcessTask(ctx, generateTask(t, job.ID)); err != nil {
		t.Fatalf("ProcessTask failed: %v", err)
	}

	got, _ := f.jobs.GetStatus(ctx, job.ID)
	if got.Status != model.JobStatusCompleted {
		t.Fatalf("expected completed in mock mode, got %s", got.Status)
	}
}

func TestGenerationWorkerUpstreamFailure(t *testing.T) {
	f := newWorkerFixture()
	ctx := context.Background()

	cases := []struct {
		name string
		veo  *fakeVeo
	}{
		{"submit error", &fakeVeo{configured: true, submitErr: errors.New("quota exceeded")}},
		{"poll error", &fakeVeo{configured: true, pollErr: errors.New("operation lost")}},
		{"model error", &fakeVeo{configured: true, status: &client.OperationStatus{Done: true, ErrorMsg: "unsafe content"}}},
		{"no video", &fakeVeo{configured: true, status: &client.OperationStatus{Done: true}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			job := f.pendingGenerationJob(t)
			w := NewGenerationWorker(f.jobs, tc.veo, f.storage, time.Millisecond, time.Second)

			// The task is never retried, so the handler must not error
			if err := w.ProcessTask(ctx, generateTask(t, job.ID)); err != nil {
				t.Fatalf("ProcessTask should swallow upstream failures: %v", err)
			}

			got, _ := f.jobs.GetStatus(ctx, job.ID)
			if got.Status != model.JobStatusFailed {
				t.Errorf("expected failed, got %s", got.Status)
			}
			if got.Error == nil {
				t.Error("failed job must carry an error detail")
			}
		})
	}
}

func TestGenerationWorkerSkipsTerminalJob(t *testing.T) {
	f := newWorkerFixture()
	ctx := context.Background()
	job := f.pendingGenerationJob(t)

	_ = f.jobs.MarkProcessing(ctx, job.ID)
	if err := f.jobs.Complete(ctx, job.ID, service.OutputKey(job.ID)); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	w := NewGenerationWorker(f.jobs, &fakeVeo{configured: true}, f.storage, time.Millisecond, time.Second)

	// Redelivered task for a finished job: drop it without touching the record
	if err := w.ProcessTask(ctx, generateTask(t, job.ID)); err != nil {
		t.Fatalf("ProcessTask should skip terminal jobs: %v", err)
	}

	got, _ := f.jobs.GetStatus(ctx, job.ID)
	if got.Status != model.JobStatusCompleted {
		t.Errorf("terminal job must be left alone, got %s", got.Status)
	}
}
