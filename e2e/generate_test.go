package e2e

import (
	"fmt"
	"net/http"
	"testing"
)

func TestGenerate_Success(t *testing.T) {
	ta := setupApp(t)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/generate", validGenerateBody())
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusAccepted)

	result := parseJSON(t, resp)
	if result["videoId"] == nil || result["videoId"] == "" {
		t.Error("expected 'videoId' in response")
	}
	if result["status"] != "pending" {
		t.Errorf("expected status 'pending', got %v", result["status"])
	}
}

func TestGenerate_WithEndFrameAndModel(t *testing.T) {
	ta := setupApp(t)

	body := fmt.Sprintf(`{
		"prompt": "a dog surfing at sunset",
		"image": {"start": "%s", "end": "data:image/png;base64,%s"},
		"model": "veo-31"
	}`, testImageJSON(), testImageJSON())

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/generate", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusAccepted)
}

func TestGenerate_NoAuth(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodPost, "/api/generate", validGenerateBody(), nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestGenerate_MissingPrompt(t *testing.T) {
	ta := setupApp(t)

	body := fmt.Sprintf(`{"image": {"start": "%s"}}`, testImageJSON())

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/generate", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusBadRequest)

	result := parseJSON(t, resp)
	errObj := result["error"].(map[string]interface{})
	if errObj["code"] != "VALIDATION_ERROR" {
		t.Errorf("expected error code VALIDATION_ERROR, got %v", errObj["code"])
	}
}

func TestGenerate_MissingStartImage(t *testing.T) {
	ta := setupApp(t)

	body := `{"prompt": "a cat"}`

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/generate", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusBadRequest)
}

func TestGenerate_UnknownModel(t *testing.T) {
	ta := setupApp(t)

	body := fmt.Sprintf(`{
		"prompt": "a cat",
		"image": {"start": "%s"},
		"model": "sora-2"
	}`, testImageJSON())

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/generate", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusBadRequest)
}
