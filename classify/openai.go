package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"edge_finder/config"
)

const systemPrompt = `You are a real estate analyst verifying leads for large distressed properties (colleges, camps, resorts, hotels, retreat centers) that could house a co-living village for 200+ people. Answer with a single JSON object and nothing else.`

// resultSchema is the strict response schema. Every field is required as
// strict mode demands; unknown values are sent as null.
var resultSchema = json.RawMessage(`{
	"type": "object",
	"additionalProperties": false,
	"required": ["availability", "is_listing", "property_type", "confidence", "reason",
		"price", "beds", "acreage", "year_built", "score", "summary"],
	"properties": {
		"availability":  {"type": "string", "enum": ["available", "sold", "news", "upcoming", "unknown"]},
		"is_listing":    {"type": "boolean"},
		"property_type": {"type": "string"},
		"confidence":    {"type": "number"},
		"reason":        {"type": "string"},
		"price":         {"type": ["string", "number", "null"]},
		"beds":          {"type": ["number", "null"]},
		"acreage":       {"type": ["number", "null"]},
		"year_built":    {"type": ["number", "null"]},
		"score":         {"type": ["number", "null"]},
		"summary":       {"type": ["string", "null"]}
	}
}`)

// OpenAIClassifier asks a chat model for a verdict on a fetched page.
type OpenAIClassifier struct {
	client  *openai.Client
	model   string
	strict  bool
	limiter *rate.Limiter
}

func NewOpenAIClassifier(cfg config.OpenAIConfig, httpClient *http.Client) *OpenAIClassifier {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if httpClient != nil {
		oc.HTTPClient = httpClient
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}

	log.Printf("Classifier: using %s", model)
	return &OpenAIClassifier{
		client:  openai.NewClientWithConfig(oc),
		model:   model,
		strict:  cfg.StrictSchema,
		limiter: rate.NewLimiter(limit, 1),
	}
}

func (c *OpenAIClassifier) Classify(ctx context.Context, req Request) (Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Result{}, transient(err)
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(req)},
		},
		Temperature:    0.1,
		ResponseFormat: c.responseFormat(),
	})
	if err != nil {
		return Result{}, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, malformed(errors.New("no choices returned"))
	}
	return ParseResult(resp.Choices[0].Message.Content)
}

// responseFormat requests schema-constrained output when the endpoint
// supports it and plain JSON-object mode otherwise. ParseResult accepts both.
func (c *OpenAIClassifier) responseFormat() *openai.ChatCompletionResponseFormat {
	if !c.strict {
		return &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}
	return &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
			Name:   "property_verification",
			Schema: resultSchema,
			Strict: true,
		},
	}
}

// classifyError maps transport and API failures onto error kinds.
func classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return byStatus(apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return byStatus(reqErr.HTTPStatusCode, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return transient(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return transient(err)
	}
	return transient(fmt.Errorf("openai: %w", err))
}

func byStatus(code int, err error) error {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return transient(err)
	case code >= 400:
		return fatal(err)
	default:
		return transient(err)
	}
}

// BuildPrompt renders the verification question for one property.
func BuildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Property Title: %s\n", req.Title)
	fmt.Fprintf(&b, "URL: %s\n", req.URL)
	if req.SourceType != "" {
		fmt.Fprintf(&b, "Source Type: %s\n", req.SourceType)
	}
	if req.Location != "" {
		fmt.Fprintf(&b, "Location: %s\n", req.Location)
	}
	if req.Description != "" {
		fmt.Fprintf(&b, "Search Snippet: %s\n", req.Description)
	}
	b.WriteString("\nPage Content:\n")
	b.WriteString(req.PageText)
	b.WriteString(`

Decide:
1. Is this an ACTUAL LISTING (for sale or auction) or a NEWS ARTICLE about a property?
2. Is the property AVAILABLE to buy, or ALREADY SOLD / under contract / acquired by another party?
3. The property type (college, camp, resort, hotel, retreat, other).
4. A viability score 0-100 for conversion into a co-living village for 200+ people, weighing capacity, drive time to a major airport, price and condition.

Treat as sold: acquired by another institution, under contract, closed with no sale of the real estate.

Output JSON:
{
  "availability": "available|sold|news|upcoming|unknown",
  "is_listing": true/false,
  "property_type": "college|camp|resort|hotel|retreat|other",
  "confidence": 0.0-1.0,
  "reason": "one sentence",
  "price": "$X,XXX,XXX or null",
  "beds": number or null,
  "acreage": number or null,
  "year_built": number or null,
  "score": 0-100,
  "summary": "one compelling sentence"
}

Use "news" for coverage with no sale, "upcoming" when a sale or closure is announced but nothing is listed yet, "unknown" when the page does not say.`)
	return b.String()
}
