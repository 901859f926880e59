package extract

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mmynk/tabsplit/internal/models"
)

const (
	DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
	DefaultGeminiModel   = "gemini-2.0-flash"
)

const receiptPrompt = `Read this receipt and return ONLY a JSON object, no prose and no markdown, shaped as:
{"items":[{"name":"<line item>","price":<number>}],"subtotal":<number>,"tax":<number>,"tip":<number>,"total":<number>}
Prices are the line totals before tax. Use 0 for tax or tip when the receipt shows none. Do not include tax, tip,
totals or discounts as items.`

// GeminiExtractor calls the Gemini generateContent API with the image inline.
type GeminiExtractor struct {
	client *resty.Client
	apiKey string
	model  string
}

// GeminiOption configures a GeminiExtractor.
type GeminiOption func(*GeminiExtractor)

// WithBaseURL points the extractor at another endpoint.
func WithBaseURL(url string) GeminiOption {
	return func(g *GeminiExtractor) { g.client.SetBaseURL(url) }
}

// WithModel overrides the model name.
func WithModel(model string) GeminiOption {
	return func(g *GeminiExtractor) {
		if model != "" {
			g.model = model
		}
	}
}

// NewGeminiExtractor creates an extractor using apiKey.
func NewGeminiExtractor(apiKey string, opts ...GeminiOption) *GeminiExtractor {
	c := resty.New().
		SetBaseURL(DefaultGeminiBaseURL).
		SetHeader("Content-Type", "application/json").
		SetTimeout(60 * time.Second)

	g := &GeminiExtractor{client: c, apiKey: apiKey, model: DefaultGeminiModel}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig map[string]any  `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Extract sends the image to Gemini and parses the JSON bill it returns.
func (g *GeminiExtractor) Extract(ctx context.Context, image []byte, mimeType string) (*models.BillData, error) {
	if g.apiKey == "" {
		return nil, newError(Unauthenticated, "missing Gemini API key")
	}
	if err := ValidateImage(image, mimeType); err != nil {
		return nil, err
	}

	body := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{
			{Text: receiptPrompt},
			{InlineData: &geminiInlineData{MimeType: mimeType, Data: base64.StdEncoding.EncodeToString(image)}},
		}}},
		GenerationConfig: map[string]any{
			"temperature":      0.1,
			"responseMimeType": "application/json",
		},
	}

	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader("x-goog-api-key", g.apiKey).
		SetBody(&body).
		Post(fmt.Sprintf("/v1beta/models/%s:generateContent", g.model))
	if err != nil {
		return nil, &Error{Kind: ExtractionFailed, Err: fmt.Errorf("gemini request: %w", err)}
	}

	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, newError(Unauthenticated, "gemini status %d", resp.StatusCode())
	case http.StatusBadRequest:
		return nil, newError(InvalidImage, "gemini rejected the image: %s", resp.String())
	default:
		return nil, newError(ExtractionFailed, "gemini status %d: %s", resp.StatusCode(), resp.String())
	}

	var gr geminiResponse
	if err := json.Unmarshal(resp.Body(), &gr); err != nil {
		return nil, &Error{Kind: ExtractionFailed, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return nil, newError(ExtractionFailed, "empty gemini response")
	}
	return ParseBillJSON(gr.Candidates[0].Content.Parts[0].Text)
}

// ParseBillJSON decodes model output into BillData, tolerating a markdown code fence.
// Items without a name or with a negative price are dropped.
func ParseBillJSON(text string) (*models.BillData, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var data models.BillData
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return nil, &Error{Kind: ExtractionFailed, Err: fmt.Errorf("model returned non-JSON output: %w", err)}
	}

	items := data.Items[:0]
	for _, it := range data.Items {
		it.Name = strings.TrimSpace(it.Name)
		if it.Name == "" || it.Price.IsNegative() {
			continue
		}
		items = append(items, it)
	}
	data.Items = items
	if data.Tax.IsNegative() {
		data.Tax = models.Zero
	}
	if data.Tip.IsNegative() {
		data.Tip = models.Zero
	}
	return &data, nil
}
