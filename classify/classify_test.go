package classify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edge_finder/config"
)

func TestParseResult(t *testing.T) {
	content := "Here you go:\n```json\n" + `{
		"availability": "Available",
		"is_listing": true,
		"property_type": "Camp",
		"confidence": 1.4,
		"reason": "Active LandWatch listing",
		"price": 1250000,
		"beds": "about 200",
		"acreage": "120.5",
		"year_built": 1962,
		"score": 140,
		"summary": "Turnkey camp two hours from Denver."
	}` + "\n```"

	r, err := ParseResult(content)
	require.NoError(t, err)
	assert.Equal(t, Available, r.Availability)
	assert.True(t, r.IsListing)
	assert.Equal(t, "camp", r.PropertyType)
	assert.Equal(t, 1.0, r.Confidence)
	require.NotNil(t, r.Price)
	assert.Equal(t, "$1,250,000", *r.Price)
	assert.Nil(t, r.Beds, "unparseable beds must stay unset")
	require.NotNil(t, r.Acreage)
	assert.Equal(t, 120.5, *r.Acreage)
	require.NotNil(t, r.YearBuilt)
	assert.Equal(t, 1962, *r.YearBuilt)
	require.NotNil(t, r.Score)
	assert.Equal(t, 140, *r.Score, "clamping is the caller's job")
	require.NotNil(t, r.Summary)
}

func TestParseResult_Malformed(t *testing.T) {
	tests := map[string]string{
		"no json":              "I could not determine anything.",
		"broken json":          `{"availability": "sold",`,
		"unknown availability": `{"availability": "maybe"}`,
		"missing availability": `{"confidence": 0.9}`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseResult(content)
			require.Error(t, err)
			assert.Equal(t, KindMalformed, KindOf(err))
			assert.False(t, IsRetryable(err))
		})
	}
}

func TestParseResult_NullFields(t *testing.T) {
	r, err := ParseResult(`{"availability":"sold","confidence":0.9,"price":null,"beds":null,"acreage":0,"summary":""}`)
	require.NoError(t, err)
	assert.Equal(t, Sold, r.Availability)
	assert.Nil(t, r.Price)
	assert.Nil(t, r.Beds)
	assert.Nil(t, r.Acreage)
	assert.Nil(t, r.Summary)
	assert.Nil(t, r.Score)
}

func TestParseResult_OutOfRangeNumbersAreAbsent(t *testing.T) {
	r, err := ParseResult(`{"availability":"available","confidence":0.7,"beds":1e300,"score":-1e300,"price":1e300,"year_built":99999}`)
	require.NoError(t, err)
	assert.Nil(t, r.Beds)
	assert.Nil(t, r.Score)
	assert.Nil(t, r.Price)
	assert.Nil(t, r.YearBuilt)

	r, err = ParseResult(`{"availability":"available","beds":"NaN","score":"NaN"}`)
	require.NoError(t, err)
	assert.Nil(t, r.Beds)
	assert.Nil(t, r.Score)

	r, err = ParseResult(`{"availability":"available","beds":240,"score":82}`)
	require.NoError(t, err)
	require.NotNil(t, r.Beds)
	assert.Equal(t, 240, *r.Beds)
	require.NotNil(t, r.Score)
	assert.Equal(t, 82, *r.Score)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"rate limited", &openai.APIError{HTTPStatusCode: 429}, KindTransient},
		{"server error", &openai.APIError{HTTPStatusCode: 503}, KindTransient},
		{"bad key", &openai.APIError{HTTPStatusCode: 401}, KindFatal},
		{"bad request", &openai.RequestError{HTTPStatusCode: 400, Err: errors.New("x")}, KindFatal},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"other", errors.New("connection reset"), KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(classifyError(tt.err)))
		})
	}
}

func TestOpenAIClassifier_Classify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","object":"chat.completion","model":"gpt-4o-mini","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{\"availability\":\"news\",\"confidence\":0.8,\"reason\":\"Closure article\"}"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClassifier(config.OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/v1"}, srv.Client())
	r, err := c.Classify(context.Background(), Request{URL: "https://example.com/a", Title: "College to close"})
	require.NoError(t, err)
	assert.Equal(t, News, r.Availability)
	assert.Equal(t, "Closure article", r.Reason)
}

func TestOpenAIClassifier_StrictSchema(t *testing.T) {
	for _, strict := range []bool{true, false} {
		var format struct {
			Type       string `json:"type"`
			JSONSchema *struct {
				Name   string          `json:"name"`
				Strict bool            `json:"strict"`
				Schema json.RawMessage `json:"schema"`
			} `json:"json_schema"`
		}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body struct {
				ResponseFormat json.RawMessage `json:"response_format"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.NoError(t, json.Unmarshal(body.ResponseFormat, &format))
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"id":"c1","object":"chat.completion","model":"gpt-4o-mini","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{\"availability\":\"sold\",\"is_listing\":true,\"property_type\":\"camp\",\"confidence\":0.9,\"reason\":\"under contract\",\"price\":null,\"beds\":null,\"acreage\":null,\"year_built\":null,\"score\":null,\"summary\":null}"}}]}`))
		}))

		c := NewOpenAIClassifier(config.OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/v1", StrictSchema: strict}, srv.Client())
		r, err := c.Classify(context.Background(), Request{URL: "https://example.com/a", Title: "Camp"})
		srv.Close()
		require.NoError(t, err)
		assert.Equal(t, Sold, r.Availability)
		assert.Nil(t, r.Summary)

		if !strict {
			assert.Equal(t, "json_object", format.Type)
			assert.Nil(t, format.JSONSchema)
			continue
		}
		assert.Equal(t, "json_schema", format.Type)
		require.NotNil(t, format.JSONSchema)
		assert.Equal(t, "property_verification", format.JSONSchema.Name)
		assert.True(t, format.JSONSchema.Strict)
		assert.Contains(t, string(format.JSONSchema.Schema), `"additionalProperties"`)
	}
}

func TestOpenAIClassifier_RateLimitedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit_exceeded"}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClassifier(config.OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/v1"}, srv.Client())
	_, err := c.Classify(context.Background(), Request{URL: "https://example.com/a"})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}
