package recognize

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnMoreNight/OCR-scraping-kaipoke/internal/config"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestParseExtractorOutputFencedArray(t *testing.T) {
	raw := "```json\n[{\"name\": \"田中 太郎\", \"start_time\": \"20:00\", \"end_time\": \"09:00\"}]\n```"

	fields, err := ParseExtractorOutput(raw)
	require.NoError(t, err)
	require.Len(t, fields, 1)
	require.NotNil(t, fields[0].Name)
	assert.Equal(t, "田中 太郎", *fields[0].Name)
	require.NotNil(t, fields[0].StartTime)
	assert.Equal(t, "20:00", *fields[0].StartTime)
}

func TestParseExtractorOutputBareObjectCoerced(t *testing.T) {
	raw := `{"name": "田中 太郎", "date": "2025 年 8 月 15 日(金)"}`

	fields, err := ParseExtractorOutput(raw)
	require.NoError(t, err)
	require.Len(t, fields, 1)
	require.NotNil(t, fields[0].Date)
	assert.Equal(t, "2025 年 8 月 15 日(金)", *fields[0].Date)
}

func TestParseExtractorOutputNullFields(t *testing.T) {
	raw := `[{"name": "田中 太郎", "date": null, "facility_name": null, "disability_support_hours": 4.5}]`

	fields, err := ParseExtractorOutput(raw)
	require.NoError(t, err)
	require.Len(t, fields, 1)
	assert.Nil(t, fields[0].Date)
	assert.Nil(t, fields[0].FacilityName)
	require.NotNil(t, fields[0].DisabilitySupportHours)
	assert.Equal(t, 4.5, *fields[0].DisabilitySupportHours)
}

func TestParseExtractorOutputEmpty(t *testing.T) {
	for _, raw := range []string{"", "   ", "```json\n```", "[]"} {
		fields, err := ParseExtractorOutput(raw)
		require.NoError(t, err, "%q", raw)
		assert.Empty(t, fields, "%q", raw)
	}
}

func TestParseExtractorOutputMalformed(t *testing.T) {
	_, err := ParseExtractorOutput("the text contains no records")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExtraction)
}

func TestExtractFields(t *testing.T) {
	var gotAuth string
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		answer := "```json\n[{\"name\": \"田中 太郎\", \"start_time\": \"20:00\", \"end_time\": \"09:00\"}]\n```"
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": answer}},
			},
		}
		json.NewEncoder(w).Encode(resp) //nolint:errcheck
	}))
	defer srv.Close()

	e := NewExtractor(config.ExtractConfig{
		Endpoint: srv.URL,
		APIKey:   "test-key",
		Model:    "gpt-4o",
	}, testLogger())

	fields, err := e.ExtractFields(context.Background(), "タイムシート 田中 太郎 20:00~09:00")
	require.NoError(t, err)
	require.Len(t, fields, 1)
	assert.Equal(t, "田中 太郎", *fields[0].Name)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "gpt-4o", gotReq.Model)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Contains(t, gotReq.Messages[1].Content, "タイムシート")
}

func TestExtractFieldsEmptyTextSkipsCall(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	e := NewExtractor(config.ExtractConfig{Endpoint: srv.URL, APIKey: "k", Model: "m"}, testLogger())

	fields, err := e.ExtractFields(context.Background(), "   \n ")
	require.NoError(t, err)
	assert.Empty(t, fields)
	assert.False(t, called)
}

func TestExtractFieldsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error": {"message": "rate limit"}}`) //nolint:errcheck
	}))
	defer srv.Close()

	e := NewExtractor(config.ExtractConfig{Endpoint: srv.URL, APIKey: "k", Model: "m"}, testLogger())

	_, err := e.ExtractFields(context.Background(), "some text")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExtraction)
}
