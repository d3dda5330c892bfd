// Package recognize wraps the two external capabilities of the pipeline:
// optical text recognition (Google Cloud Vision) and language-model field
// extraction (OpenAI). Neither client retries; the orchestrator owns the
// per-image retry budget.
package recognize

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/AnMoreNight/OCR-scraping-kaipoke/internal/config"
)

// ErrRecognition marks a rejected recognition call (bad image, quota, auth).
var ErrRecognition = errors.New("recognition error")

// Recognizer extracts text from document photos via the Vision REST API.
type Recognizer struct {
	cfg    config.VisionConfig
	client *http.Client
	logger *logrus.Logger
}

// NewRecognizer creates a Recognizer.
func NewRecognizer(cfg config.VisionConfig, logger *logrus.Logger) *Recognizer {
	return &Recognizer{
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
		logger: logger,
	}
}

type visionRequest struct {
	Requests []visionAnnotateRequest `json:"requests"`
}

type visionAnnotateRequest struct {
	Image        visionImage     `json:"image"`
	Features     []visionFeature `json:"features"`
	ImageContext *visionContext  `json:"imageContext,omitempty"`
}

type visionImage struct {
	Content string `json:"content"`
}

type visionFeature struct {
	Type string `json:"type"`
}

type visionContext struct {
	LanguageHints []string `json:"languageHints,omitempty"`
}

type visionResponse struct {
	Responses []struct {
		TextAnnotations []struct {
			Description string `json:"description"`
		} `json:"textAnnotations"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error,omitempty"`
	} `json:"responses"`
}

// RecognizeFile runs text detection on the image at path and returns the
// full recognized text with line structure preserved. An image with no
// readable text yields an empty string, not an error.
func (r *Recognizer) RecognizeFile(ctx context.Context, path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: read image: %v", ErrRecognition, err)
	}

	reqBody := visionRequest{
		Requests: []visionAnnotateRequest{{
			Image:    visionImage{Content: base64.StdEncoding.EncodeToString(content)},
			Features: []visionFeature{{Type: "TEXT_DETECTION"}},
			ImageContext: &visionContext{
				LanguageHints: []string{"ja"},
			},
		}},
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := r.cfg.Endpoint + "?key=" + r.cfg.APIKey
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: http request: %v", ErrRecognition, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrRecognition, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: api status %d: %s", ErrRecognition, resp.StatusCode, string(body))
	}

	var visionResp visionResponse
	if err := json.Unmarshal(body, &visionResp); err != nil {
		return "", fmt.Errorf("%w: unmarshal response: %v", ErrRecognition, err)
	}
	if len(visionResp.Responses) == 0 {
		return "", fmt.Errorf("%w: empty response", ErrRecognition)
	}

	annotated := visionResp.Responses[0]
	if annotated.Error != nil {
		return "", fmt.Errorf("%w: %s", ErrRecognition, annotated.Error.Message)
	}
	if len(annotated.TextAnnotations) == 0 {
		r.logger.WithField("image", path).Info("No text found in image")
		return "", nil
	}

	// The first annotation carries the whole detected text block.
	return annotated.TextAnnotations[0].Description, nil
}
