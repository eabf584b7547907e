// Package embeddings provides text embedding via Ollama.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Service handles embedding generation
type Service struct {
	baseURL string
	model   string
	client  *http.Client

	mu        sync.Mutex
	dimension uint64
}

// Config for embedding service
type Config struct {
	BaseURL string        // Ollama URL, default "http://localhost:11434"
	Model   string        // Embedding model, default "nomic-embed-text"
	Timeout time.Duration // Request timeout
}

// DefaultConfig returns the local Ollama defaults
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:11434",
		Model:   "nomic-embed-text",
		Timeout: 30 * time.Second,
	}
}

// Known output sizes, so collections can be created before the first call
var knownDimensions = map[string]uint64{
	"nomic-embed-text":  768,
	"mxbai-embed-large": 1024,
	"all-minilm":        384,
}

// NewService creates an embedding service
func NewService(cfg Config) *Service {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}

	return &Service{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		model:     cfg.Model,
		client:    &http.Client{Timeout: cfg.Timeout},
		dimension: knownDimensions[strings.SplitN(cfg.Model, ":", 2)[0]],
	}
}

// EmbedRequest is the Ollama embedding API request
type EmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// EmbedResponse is the Ollama embedding API response
type EmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed generates an embedding for the given text
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(EmbedRequest{Model: s.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embedding failed: %s - %s", resp.Status, string(respBody))
	}

	var embedResp EmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(embedResp.Embedding) == 0 {
		return nil, fmt.Errorf("embedding failed: empty vector from model %s", s.model)
	}

	s.mu.Lock()
	if s.dimension == 0 {
		s.dimension = uint64(len(embedResp.Embedding))
	}
	s.mu.Unlock()

	return embedResp.Embedding, nil
}

// Dimension returns the vector size of the model. Unknown models are probed
// with a single embedding call.
func (s *Service) Dimension(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	dim := s.dimension
	s.mu.Unlock()
	if dim > 0 {
		return dim, nil
	}

	vec, err := s.Embed(ctx, "dimension probe")
	if err != nil {
		return 0, err
	}
	return uint64(len(vec)), nil
}

// ModelName returns the model being used
func (s *Service) ModelName() string {
	return s.model
}

// Health checks if Ollama is available
func (s *Service) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama unhealthy: %s", resp.Status)
	}
	return nil
}
