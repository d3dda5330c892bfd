package recognize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/AnMoreNight/OCR-scraping-kaipoke/internal/config"
	"github.com/AnMoreNight/OCR-scraping-kaipoke/pkg/types"
)

// ErrExtraction marks a malformed or failed field-extraction response.
var ErrExtraction = errors.New("extraction error")

// Extractor turns recognized timesheet text into raw field sets via a
// language model. Text with no recognizable record yields an empty slice,
// not an error.
type Extractor struct {
	cfg    config.ExtractConfig
	client *http.Client
	logger *logrus.Logger
}

// NewExtractor creates an Extractor.
func NewExtractor(cfg config.ExtractConfig, logger *logrus.Logger) *Extractor {
	return &Extractor{
		cfg:    cfg,
		client: &http.Client{Timeout: 120 * time.Second},
		logger: logger,
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

const systemPrompt = "You are a helpful assistant that extracts structured data from Japanese timesheet text. " +
	"Always respond with valid JSON only. Extract ALL records found in the text."

// ExtractFields asks the model for every attendance record present in text.
func (e *Extractor) ExtractFields(ctx context.Context, text string) ([]types.RawFields, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	reqBody := chatRequest{
		Model: e.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(text)},
		},
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: http request: %v", ErrExtraction, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrExtraction, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: api status %d: %s", ErrExtraction, resp.StatusCode, string(body))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("%w: unmarshal response: %v", ErrExtraction, err)
	}
	if chatResp.Error != nil {
		return nil, fmt.Errorf("%w: %s", ErrExtraction, chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrExtraction)
	}

	fields, err := ParseExtractorOutput(chatResp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	e.logger.WithField("records", len(fields)).Debug("Extracted raw fields")
	return fields, nil
}

// ParseExtractorOutput parses the model's JSON answer. Markdown code fences
// are stripped, and a bare object is coerced to a one-element array.
func ParseExtractorOutput(raw string) ([]types.RawFields, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	if cleaned == "" {
		return nil, nil
	}

	if strings.HasPrefix(cleaned, "{") {
		var single types.RawFields
		if err := json.Unmarshal([]byte(cleaned), &single); err != nil {
			return nil, fmt.Errorf("%w: parse json: %v (response: %s)", ErrExtraction, err, cleaned)
		}
		return []types.RawFields{single}, nil
	}

	var fields []types.RawFields
	if err := json.Unmarshal([]byte(cleaned), &fields); err != nil {
		return nil, fmt.Errorf("%w: parse json: %v (response: %s)", ErrExtraction, err, cleaned)
	}
	return fields, nil
}

func buildPrompt(text string) string {
	var sb strings.Builder

	sb.WriteString("Extract ALL instances of the following information from this Japanese text and return as JSON.\n\n")
	sb.WriteString("Text:\n")
	sb.WriteString(text)
	sb.WriteString("\n\n")
	sb.WriteString(`Please extract ALL occurrences of:
1. Name (お名前) - the person's name (there can be 2 names in the text but お名前 is the first one)
2. Date (実施日) - the implementation date (it can't be earlier than last year; if it is, fix it to the current year)
3. Times (時間) - the service time window:
   - ":00 20" style fragments mean 20:00; times are always :00 or :30, fix anything else to that format
   - "(" or ")" can never appear directly before a time; such a glyph is a misread "1", so "(7:30" is "17:30"
   - times come in pairs: the first of each pair is start_time, the second is end_time; end_time may be earlier than start_time
4. Facility Name (事業所名) - the facility/institution name
5. Disability Support Hours (障害者総合支援/身体) - the single number value, 0 if empty or not found
6. Severe Comprehensive Support (重度包括) - the single number value, 0 if empty or not found

Return the result as a JSON array where each object represents one complete record with keys:
"name", "date", "start_time", "end_time", "facility_name", "disability_support_hours", "severe_comprehensive_support"
If any information is not found in a record, use null for that field.

Example format:
[
    {
        "name": "平井 里沙",
        "date": "2025 年 8 月 15 日(金)",
        "start_time": "11:30",
        "end_time": "14:30",
        "facility_name": "メディヴィレッジ群馬HOME",
        "disability_support_hours": 4.5,
        "severe_comprehensive_support": 0
    },
    {
        "name": "田中 太郎",
        "date": "2025 年 8 月 16 日(土)",
        "start_time": "20:00",
        "end_time": "09:00",
        "facility_name": "メディヴィレッジ群馬HOME",
        "disability_support_hours": 3,
        "severe_comprehensive_support": 2
    }
]

If there are multiple records, extract all of them. If there's only one record, return an array with one object.
If there are no records at all, return an empty array.

Return ONLY the JSON, no other text.`)

	return sb.String()
}
