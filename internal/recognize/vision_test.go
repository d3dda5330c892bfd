package recognize

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnMoreNight/OCR-scraping-kaipoke/internal/config"
)

func writeImage(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sheet.jpg")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestRecognizeFile(t *testing.T) {
	var gotReq visionRequest
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.URL.Query().Get("key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		resp := map[string]any{
			"responses": []map[string]any{{
				"textAnnotations": []map[string]any{
					{"description": "タイムシート\n田中 太郎\n20:00~09:00"},
					{"description": "タイムシート"},
				},
			}},
		}
		json.NewEncoder(w).Encode(resp) //nolint:errcheck
	}))
	defer srv.Close()

	r := NewRecognizer(config.VisionConfig{Endpoint: srv.URL, APIKey: "vision-key"}, testLogger())

	path := writeImage(t, []byte("jpeg-bytes"))
	text, err := r.RecognizeFile(context.Background(), path)
	require.NoError(t, err)

	// The first annotation is the whole text block, line breaks intact.
	assert.Equal(t, "タイムシート\n田中 太郎\n20:00~09:00", text)

	assert.Equal(t, "vision-key", gotKey)
	require.Len(t, gotReq.Requests, 1)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("jpeg-bytes")), gotReq.Requests[0].Image.Content)
	require.Len(t, gotReq.Requests[0].Features, 1)
	assert.Equal(t, "TEXT_DETECTION", gotReq.Requests[0].Features[0].Type)
	require.NotNil(t, gotReq.Requests[0].ImageContext)
	assert.Equal(t, []string{"ja"}, gotReq.Requests[0].ImageContext.LanguageHints)
}

func TestRecognizeFileNoText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"responses": [{}]}`) //nolint:errcheck
	}))
	defer srv.Close()

	r := NewRecognizer(config.VisionConfig{Endpoint: srv.URL, APIKey: "k"}, testLogger())

	text, err := r.RecognizeFile(context.Background(), writeImage(t, []byte("blank")))
	require.NoError(t, err, "an image with no readable text is not an error")
	assert.Empty(t, text)
}

func TestRecognizeFileAnnotationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"responses": [{"error": {"message": "image too large"}}]}`) //nolint:errcheck
	}))
	defer srv.Close()

	r := NewRecognizer(config.VisionConfig{Endpoint: srv.URL, APIKey: "k"}, testLogger())

	_, err := r.RecognizeFile(context.Background(), writeImage(t, []byte("huge")))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRecognition)
	assert.Contains(t, err.Error(), "image too large")
}

func TestRecognizeFileHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	r := NewRecognizer(config.VisionConfig{Endpoint: srv.URL, APIKey: "bad"}, testLogger())

	_, err := r.RecognizeFile(context.Background(), writeImage(t, []byte("x")))
	assert.ErrorIs(t, err, ErrRecognition)
}

func TestRecognizeFileMissingImage(t *testing.T) {
	r := NewRecognizer(config.VisionConfig{Endpoint: "http://unused", APIKey: "k"}, testLogger())

	_, err := r.RecognizeFile(context.Background(), filepath.Join(t.TempDir(), "missing.jpg"))
	assert.ErrorIs(t, err, ErrRecognition)
}
