package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Generation model aliases exposed to clients, mapped to the backend's
// concrete model identifiers by the Veo client.
const (
	ModelVeoFast = "veo-31-fast"
	ModelVeo     = "veo-31"
)

// ImagePair carries the base64-encoded start frame and optional end frame
// for a generation request. Data-URL prefixes ("data:image/png;base64,")
// are accepted and stripped.
type ImagePair struct {
	Start string `json:"start" validate:"required"`
	End   string `json:"end,omitempty"`
}

// GenerateRequest is the body of POST /api/generate.
type GenerateRequest struct {
	Prompt string    `json:"prompt" validate:"required,min=1"`
	Image  ImagePair `json:"image" validate:"required"`
	Model  string    `json:"model,omitempty" validate:"omitempty,oneof=veo-31-fast veo-31"`
}

// GenerateResponse acknowledges an accepted generation job.
type GenerateResponse struct {
	VideoID string    `json:"videoId"`
	Status  JobStatus `json:"status"`
	Message string    `json:"message"`
}

// ReplaceBackgroundRequest is the body of POST /api/videos/:id/replace-background.
// Exactly one of BgColor and BgImage must be set.
type ReplaceBackgroundRequest struct {
	BgColor   *RGB   `json:"bgColor,omitempty"`
	BgImage   string `json:"bgImage,omitempty"`
	ChromaKey *RGB   `json:"chromaKey,omitempty"`
}

// ReplaceBackgroundResponse acknowledges an accepted replacement job.
type ReplaceBackgroundResponse struct {
	VideoID         string    `json:"videoId"`
	OriginalVideoID string    `json:"originalVideoId"`
	Status          JobStatus `json:"status"`
	Message         string    `json:"message"`
}

// RefreshURLResponse carries a freshly minted (or still valid cached) link.
type RefreshURLResponse struct {
	VideoID  string `json:"videoId"`
	VideoURL string `json:"videoUrl"`
}

// DeleteResponse confirms a delete. Deletes are idempotent.
type DeleteResponse struct {
	VideoID string `json:"videoId"`
	Message string `json:"message"`
}

// ListResponse wraps the newest-first job listing.
type ListResponse struct {
	Videos []*Job `json:"videos"`
}

// BackgroundSpec describes the replacement background for a chained job.
// BgImageRef points at an uploaded background image in the asset store.
type BackgroundSpec struct {
	BgColor    *RGB   `json:"bgColor,omitempty"`
	BgImageRef string `json:"bgImageRef,omitempty"`
	KeyColor   *RGB   `json:"keyColor,omitempty"`
}

// Validate enforces that exactly one background source is present.
func (s *BackgroundSpec) Validate() error {
	if s.BgColor == nil && s.BgImageRef == "" {
		return fmt.Errorf("%w: either bgColor or bgImage must be provided", ErrInvalidInput)
	}
	if s.BgColor != nil && s.BgImageRef != "" {
		return fmt.Errorf("%w: bgColor and bgImage are mutually exclusive", ErrInvalidInput)
	}
	return nil
}

// RGB is a color that unmarshals from either a [r,g,b] array or a
// "#RRGGBB" hex string, and always marshals as an array.
type RGB [3]uint8

func (c RGB) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]int{int(c[0]), int(c[1]), int(c[2])})
}

func (c *RGB) UnmarshalJSON(data []byte) error {
	var arr []int
	if err := json.Unmarshal(data, &arr); err == nil {
		if len(arr) != 3 {
			return fmt.Errorf("color must have exactly 3 components, got %d", len(arr))
		}
		for i, v := range arr {
			if v < 0 || v > 255 {
				return fmt.Errorf("color component %d out of range: %d", i, v)
			}
			c[i] = uint8(v)
		}
		return nil
	}

	var hex string
	if err := json.Unmarshal(data, &hex); err != nil {
		return fmt.Errorf("color must be a [r,g,b] array or hex string")
	}
	return c.parseHex(hex)
}

func (c *RGB) parseHex(s string) error {
	s = strings.TrimPrefix(s, "#")
	if len(s) != 6 {
		return fmt.Errorf("hex color must be 6 digits, got %q", s)
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(s, "%02x%02x%02x", &r, &g, &b); err != nil {
		return fmt.Errorf("invalid hex color %q", s)
	}
	*c = RGB{r, g, b}
	return nil
}

// StripDataURL removes a "data:<mime>;base64," prefix from a base64 payload
// if one is present.
func StripDataURL(s string) string {
	if strings.HasPrefix(s, "data:") {
		if i := strings.IndexByte(s, ','); i >= 0 {
			return s[i+1:]
		}
	}
	return s
}
