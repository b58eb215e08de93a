package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config holds configuration for the HTTP embedding service.
type Config struct {
	// BaseURL is the base URL of an OpenAI-compatible embeddings API.
	BaseURL string `koanf:"base_url"`

	// Model is the embedding model name.
	Model string `koanf:"model"`

	// APIKey is sent as a bearer token when set.
	APIKey string `koanf:"api_key"`

	// Dimension is the expected vector dimension (e.g. 1536).
	Dimension int `koanf:"dimension"`

	// Timeout bounds each embedding call. Bounded latency is a hard
	// requirement: on timeout the caller degrades to keyword matching
	// instead of blocking the conversation pipeline.
	Timeout time.Duration `koanf:"timeout"`
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	return nil
}

// Service generates embeddings via an OpenAI-compatible HTTP API.
type Service struct {
	config Config
	client *http.Client
}

// NewService creates a new embedding service.
func NewService(config Config) (*Service, error) {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &Service{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}, nil
}

// embedRequest is the request body for the /embeddings endpoint.
type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// embedResponse is the response body for the /embeddings endpoint.
type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// EmbedQuery generates an embedding for a single text. Transport
// errors, timeouts, and non-2xx responses all surface as
// ErrProviderUnavailable.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}

	body, err := json.Marshal(embedRequest{Model: s.config.Model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrProviderUnavailable, resp.StatusCode, string(respBody))
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrProviderUnavailable, err)
	}
	if len(decoded.Data) == 0 || len(decoded.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrProviderUnavailable)
	}

	vec := decoded.Data[0].Embedding
	if len(vec) != s.config.Dimension {
		return nil, fmt.Errorf("%w: got %d dimensions, want %d", ErrProviderUnavailable, len(vec), s.config.Dimension)
	}

	return vec, nil
}

// Dimension returns the configured embedding dimension.
func (s *Service) Dimension() int {
	return s.config.Dimension
}

var _ Provider = (*Service)(nil)
