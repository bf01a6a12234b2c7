package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/videoforge/api/internal/config"
	"github.com/videoforge/api/internal/model"
)

// Veo model identifiers, keyed by the aliases clients use.
var veoModelIDs = map[string]string{
	model.ModelVeoFast: "veo-3.1-fast-generate-preview",
	model.ModelVeo:     "veo-3.1-generate-preview",
}

// VideoGenerator is the generation backend: a long-running model invocation
// addressed by operation name, polled until done.
type VideoGenerator interface {
	Submit(ctx context.Context, req *GenerateVideoRequest) (string, error)
	CheckOperation(ctx context.Context, operation string) (*OperationStatus, error)
	PollOperation(ctx context.Context, operation string, interval, maxWait time.Duration) (*OperationStatus, error)
	DownloadVideo(ctx context.Context, uri string) ([]byte, error)
	IsConfigured() bool
}

// GenerateVideoRequest carries a prompt plus base64-encoded start frame and
// optional end frame.
type GenerateVideoRequest struct {
	Prompt     string
	Model      string
	StartImage string // base64, no data-URL prefix
	EndImage   string // optional
}

// OperationStatus is the state of a long-running generation operation.
type OperationStatus struct {
	Done     bool
	VideoURI string
	ErrorMsg string
}

// VeoClient implements VideoGenerator for the Gemini Veo REST API.
type VeoClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewVeoClient creates a new Veo API client.
func NewVeoClient(cfg *config.VeoConfig) *VeoClient {
	return &VeoClient{
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
	}
}

// Submit starts a video generation job and returns the operation name.
func (c *VeoClient) Submit(ctx context.Context, req *GenerateVideoRequest) (string, error) {
	if !c.IsConfigured() {
		// Mock mode for development without an API key
		operation := fmt.Sprintf("mock-operation/%s", uuid.New().String())
		log.Printf("[Veo API] mock mode: created operation %s", operation)
		return operation, nil
	}

	modelID, ok := veoModelIDs[req.Model]
	if !ok {
		modelID = veoModelIDs[model.ModelVeoFast]
	}

	instance := map[string]interface{}{
		"prompt": req.Prompt,
		"image": map[string]string{
			"bytesBase64Encoded": req.StartImage,
			"mimeType":           "image/png",
		},
	}
	if req.EndImage != "" {
		instance["lastFrame"] = map[string]string{
			"bytesBase64Encoded": req.EndImage,
			"mimeType":           "image/png",
		}
	}

	payload := map[string]interface{}{
		"instances": []interface{}{instance},
		"parameters": map[string]string{
			"aspectRatio":    "16:9",
			"negativePrompt": "cartoon, drawing, low quality, 3D",
			"resolution":     "720p",
		},
	}

	endpoint := fmt.Sprintf("%s/models/%s:predictLongRunning", c.baseURL, modelID)

	var result struct {
		Name string `json:"name"`
	}
	if err := c.post(ctx, endpoint, payload, &result); err != nil {
		return "", err
	}
	if result.Name == "" {
		return "", fmt.Errorf("veo API returned no operation name")
	}

	log.Printf("[Veo API] started operation %s (model=%s)", result.Name, modelID)
	return result.Name, nil
}

// CheckOperation fetches the current state of a generation operation.
func (c *VeoClient) CheckOperation(ctx context.Context, operation string) (*OperationStatus, error) {
	endpoint := fmt.Sprintf("%s/%s", c.baseURL, operation)

	var raw struct {
		Done     bool `json:"done"`
		Response struct {
			GenerateVideoResponse struct {
				GeneratedSamples []struct {
					Video struct {
						URI string `json:"uri"`
					} `json:"video"`
				} `json:"generatedSamples"`
			} `json:"generateVideoResponse"`
		} `json:"response"`
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := c.get(ctx, endpoint, &raw); err != nil {
		return nil, err
	}

	status := &OperationStatus{
		Done:     raw.Done,
		ErrorMsg: raw.Error.Message,
	}
	if samples := raw.Response.GenerateVideoResponse.GeneratedSamples; len(samples) > 0 {
		status.VideoURI = samples[0].Video.URI
	}
	return status, nil
}

// PollOperation polls until the operation is done or maxWait elapses.
func (c *VeoClient) PollOperation(ctx context.Context, operation string, interval, maxWait time.Duration) (*OperationStatus, error) {
	deadline := time.Now().Add(maxWait)
	attempt := 0

	for time.Now().Before(deadline) {
		attempt++
		status, err := c.CheckOperation(ctx, operation)
		if err != nil {
			log.Printf("[Veo API] poll #%d (operation=%s) — error: %v", attempt, operation, err)
			return nil, err
		}

		log.Printf("[Veo API] poll #%d (operation=%s) — done: %t", attempt, operation, status.Done)

		if status.Done {
			return status, nil
		}

		select {
		case <-ctx.Done():
			log.Printf("[Veo API] poll (operation=%s) — context cancelled", operation)
			return nil, ctx.Err()
		case <-time.After(interval):
			continue
		}
	}

	return nil, fmt.Errorf("video generation timed out after %v", maxWait)
}

// DownloadVideo fetches the generated video bytes from the model's URI.
func (c *VeoClient) DownloadVideo(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download video: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("video download failed (status %d)", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read video body: %w", err)
	}
	return data, nil
}

// IsConfigured returns true if the client has an API key.
func (c *VeoClient) IsConfigured() bool {
	return c.apiKey != ""
}

func (c *VeoClient) post(ctx context.Context, url string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

func (c *VeoClient) get(ctx context.Context, url string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

func (c *VeoClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	log.Printf("[Veo API] → %s %s", req.Method, req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[Veo API] ✗ %s %s — request failed: %v", req.Method, req.URL.String(), err)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("[Veo API] ✗ %s %s — failed to read response: %v", req.Method, req.URL.String(), err)
		return fmt.Errorf("failed to read response: %w", err)
	}

	log.Printf("[Veo API] ← %d %s %s", resp.StatusCode, req.Method, req.URL.String())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("veo API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}
