package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/videoforge/api/internal/config"
	"github.com/videoforge/api/internal/model"
)

// Compositor failure modes the job service must interpret. Both terminate
// the owning job; neither is retried automatically.
var (
	ErrUnsupportedFormat = errors.New("unsupported video format")
	ErrComposeTimeout    = errors.New("compositing timed out")
)

// Compositor replaces the keyed background of a video with a solid color
// or a background image, returning the composited video bytes.
type Compositor interface {
	Compose(ctx context.Context, req *ComposeRequest) ([]byte, error)
	HealthCheck(ctx context.Context) error
	IsConfigured() bool
}

// ComposeRequest is the contract of the chroma-key sidecar's /compose
// endpoint. VideoURL is a presigned link to the source video; exactly one
// of BgColor and BgImageBase64 is set.
type ComposeRequest struct {
	VideoURL      string     `json:"video_url"`
	BgColor       *model.RGB `json:"bg_color,omitempty"`
	BgImageBase64 string     `json:"bg_image_base64,omitempty"`
	KeyColor      *model.RGB `json:"key_color,omitempty"`
}

// ChromaClient implements Compositor for the Python chroma-key sidecar.
type ChromaClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewChromaClient creates a new compositing client.
func NewChromaClient(cfg *config.ChromaConfig) *ChromaClient {
	return &ChromaClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		baseURL: cfg.ServiceURL,
	}
}

// Compose sends the source video through the chroma-key pipeline and
// returns the composited mp4 bytes.
func (c *ChromaClient) Compose(ctx context.Context, composeReq *ComposeRequest) ([]byte, error) {
	bodyBytes, err := json.Marshal(composeReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/compose", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	log.Printf("[Chroma] → POST %s/compose", c.baseURL)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	log.Printf("[Chroma] ← %d POST %s/compose", resp.StatusCode, c.baseURL)

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		detail, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, string(detail))
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return nil, ErrComposeTimeout
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		detail, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("chroma service error (status %d): %s", resp.StatusCode, string(detail))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read composited video: %w", err)
	}
	return data, nil
}

// HealthCheck checks if the chroma service is available.
func (c *ChromaClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chroma service unhealthy: status %d", resp.StatusCode)
	}

	return nil
}

// IsConfigured returns true if the client has valid configuration.
func (c *ChromaClient) IsConfigured() bool {
	return c.baseURL != ""
}
