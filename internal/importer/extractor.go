package importer

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

	"golang.org/x/time/rate"

	"github.com/fairwaylabs/patternd/internal/embeddings"
)

// Extracted is one trigger/response tuple pulled out of unstructured
// input by the extraction model.
type Extracted struct {
	Trigger    string  `json:"trigger"`
	Response   string  `json:"response"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// Extractor turns free-form rule text into trigger/response tuples.
type Extractor interface {
	Extract(ctx context.Context, text string) ([]Extracted, error)
}

const extractionPrompt = `Extract customer-support automation rules from the text below.
Return a JSON array only, no prose. Each element:
{"trigger": "<representative customer message>", "response": "<reply text, may contain {{placeholders}}>", "category": "<booking|tech|faq|general>", "confidence": <0.0-1.0 initial estimate>}

Text:
%s`

// ExtractorConfig holds configuration for the LLM extraction client.
type ExtractorConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  string `koanf:"api_key"`

	// Timeout bounds each request.
	Timeout time.Duration `koanf:"timeout"`

	// RequestsPerSecond and Burst rate-limit extraction calls. Imports
	// run against external quotas shared with the live product.
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`

	// MaxRetries bounds retries on transient failures.
	MaxRetries int `koanf:"max_retries"`
}

// ApplyDefaults sets default values for unset fields.
func (c *ExtractorConfig) ApplyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RequestsPerSecond == 0 {
		c.RequestsPerSecond = 2
	}
	if c.Burst == 0 {
		c.Burst = 2
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

// LLMExtractor extracts tuples via a messages-style completion API.
// Failures surface as embeddings.ErrProviderUnavailable so the importer
// fails the affected rows without aborting the batch.
type LLMExtractor struct {
	config     ExtractorConfig
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewLLMExtractor creates an extraction client.
func NewLLMExtractor(config ExtractorConfig) (*LLMExtractor, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("%w: extractor base URL required", embeddings.ErrInvalidConfig)
	}
	if config.Model == "" {
		return nil, fmt.Errorf("%w: extractor model required", embeddings.ErrInvalidConfig)
	}
	config.ApplyDefaults()

	return &LLMExtractor{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst),
	}, nil
}

type completionRequest struct {
	Model     string              `json:"model"`
	MaxTokens int                 `json:"max_tokens"`
	Messages  []completionMessage `json:"messages"`
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
}

// retryableError marks transient failures worth another attempt.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Extract sends text to the extraction model and parses the returned
// JSON tuples. Retries transient failures with exponential backoff.
func (e *LLMExtractor) Extract(ctx context.Context, text string) ([]Extracted, error) {
	if strings.TrimSpace(text) == "" {
		return nil, embeddings.ErrEmptyInput
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req := completionRequest{
		Model:     e.config.Model,
		MaxTokens: 4096,
		Messages: []completionMessage{
			{Role: "user", Content: fmt.Sprintf(extractionPrompt, text)},
		},
	}

	var lastErr error
	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Second * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		tuples, err := e.doRequest(ctx, req)
		if err == nil {
			return tuples, nil
		}
		lastErr = err

		var retryable *retryableError
		if !errors.As(err, &retryable) {
			return nil, fmt.Errorf("%w: %v", embeddings.ErrProviderUnavailable, err)
		}
	}

	return nil, fmt.Errorf("%w: max retries exceeded: %v", embeddings.ErrProviderUnavailable, lastErr)
}

func (e *LLMExtractor) doRequest(ctx context.Context, req completionRequest) ([]Extracted, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.BaseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.config.APIKey != "" {
		httpReq.Header.Set("X-API-Key", e.config.APIKey)
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("extraction request: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("reading response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &retryableError{err: fmt.Errorf("rate limited (429)")}
	case resp.StatusCode >= 500:
		return nil, &retryableError{err: fmt.Errorf("server error (%d)", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("extraction API error (%d): %s", resp.StatusCode, string(body))
	}

	var cr completionResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(cr.Content) == 0 {
		return nil, fmt.Errorf("empty completion")
	}

	return parseTuples(cr.Content[0].Text)
}

// parseTuples reads the model's JSON array, tolerating surrounding
// prose or a code fence.
func parseTuples(text string) ([]Extracted, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("no JSON array in extraction output")
	}

	var tuples []Extracted
	if err := json.Unmarshal([]byte(text[start:end+1]), &tuples); err != nil {
		return nil, fmt.Errorf("parsing extraction output: %w", err)
	}
	return tuples, nil
}

var _ Extractor = (*LLMExtractor)(nil)
