package e2e

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/videoforge/api/internal/auth"
	"github.com/videoforge/api/internal/handler"
	"github.com/videoforge/api/internal/middleware"
	"github.com/videoforge/api/internal/service"
	"github.com/videoforge/api/internal/store"
)

const testJWTSecret = "test-secret-for-e2e"

// memStorage is an in-memory StorageClient so tests never need real R2.
type memStorage struct {
	mu        sync.Mutex
	objects   map[string][]byte
	signCount int
}

func newMemStorage() *memStorage {
	return &memStorage{objects: map[string][]byte{}}
}

func (m *memStorage) Upload(ctx context.Context, key string, body io.Reader, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memStorage) Download(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such object: %s", key)
	}
	return data, nil
}

func (m *memStorage) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memStorage) GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signCount++
	return fmt.Sprintf("https://signed.example.com/%s?sig=%d", key, m.signCount), nil
}

// testApp holds all components needed for testing
type testApp struct {
	app     *fiber.App
	jobs    *service.JobService
	storage *memStorage
}

// setupApp creates a Fiber app wired like main.go but with an in-memory
// job store and asset store. Redis (localhost, DB 15) is still required
// for the rate limiter and the task queue.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	redisClient := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid collision
	})

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr: "localhost:6379",
		DB:   15,
	})
	t.Cleanup(func() { asynqClient.Close() })

	validate := validator.New()

	storage := newMemStorage()
	jobStore := store.NewMemoryStore()
	jobService := service.NewJobService(jobStore, storage, asynqClient, 7*24*time.Hour)

	videoHandler := handler.NewVideoHandler(jobService, validate)

	authMiddleware := middleware.NewHMACAuthMiddleware(testJWTSecret)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	app := fiber.New(fiber.Config{
		BodyLimit: 50 * 1024 * 1024,
	})

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": 1234567890})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"redis":  true,
				"veo":    false,
				"chroma": false,
				"r2":     false,
				"auth":   true,
			},
		})
	})

	api := app.Group("/api", authMiddleware.Authenticate())

	// Use very high rate limits so tests don't get blocked
	api.Post("/generate", rateLimiter.GenerateLimit(10000), videoHandler.Generate)

	videos := api.Group("/videos")
	videos.Get("/", videoHandler.List)
	videos.Get("/:videoId", videoHandler.Get)
	videos.Post("/:videoId/refresh-url", videoHandler.RefreshURL)
	videos.Post("/:videoId/replace-background", rateLimiter.ReplaceLimit(10000), videoHandler.ReplaceBackground)
	videos.Delete("/:videoId", videoHandler.Delete)

	return &testApp{app: app, jobs: jobService, storage: storage}
}

// generateToken creates an HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	signed, err := auth.SignHMACToken("test-user-123", "test@example.com", testJWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// testImageJSON returns a base64 png payload for request bodies.
func testImageJSON() string {
	return base64.StdEncoding.EncodeToString([]byte("png-bytes"))
}

func validGenerateBody() string {
	return fmt.Sprintf(`{
		"prompt": "a cat chasing a laser pointer",
		"image": {"start": "%s"}
	}`, testImageJSON())
}

// completeVideo drives a job to completed through the service so link and
// chaining endpoints can be exercised without running workers.
func completeVideo(t *testing.T, ta *testApp, videoID string) {
	t.Helper()
	ctx := context.Background()

	if err := ta.jobs.MarkProcessing(ctx, videoID); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}
	outputRef := service.OutputKey(videoID)
	if err := ta.storage.Upload(ctx, outputRef, strings.NewReader("video-bytes"), "video/mp4"); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if err := ta.jobs.Complete(ctx, videoID, outputRef); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
