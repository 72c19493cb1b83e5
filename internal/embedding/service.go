// Package embedding turns repository text into vectors via an
// OpenAI-compatible embeddings endpoint.
package embedding

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/pdybowski/stargazer/internal/apperr"
)

// Service produces embeddings. A misbehaving backend degrades the service
// to empty vectors rather than failing callers.
type Service struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	baseURL    string
	model      string
	dim        int
	batchSize  int
	logger     zerolog.Logger
}

// ServiceConfig configures the embedding service.
type ServiceConfig struct {
	BaseURL   string
	Model     string
	Dim       int
	BatchSize int
}

// NewService builds the embedding service. BaseURL empty means embeddings
// are disabled and every call returns empty vectors.
func NewService(cfg ServiceConfig, logger zerolog.Logger) *Service {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "embedder",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Service{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		breaker:    breaker,
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		dim:        cfg.Dim,
		batchSize:  batchSize,
		logger:     logger.With().Str("component", "embedding").Logger(),
	}
}

// Dim returns the configured embedding dimensionality.
func (s *Service) Dim() int { return s.dim }

// Enabled reports whether a backend is configured.
func (s *Service) Enabled() bool { return s.baseURL != "" }

// Embed returns the vector for one text. Any backend failure yields an
// empty vector and a warning; the caller decides whether to skip indexing.
func (s *Service) Embed(ctx context.Context, text string) []float32 {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	vectors := s.EmbedBatch(ctx, []string{text})
	return vectors[0]
}

// EmbedBatch embeds texts in backend-sized chunks. The result always has
// one entry per input; failed chunks produce empty vectors in their slots.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) [][]float32 {
	vectors := make([][]float32, len(texts))
	if !s.Enabled() {
		return vectors
	}

	for start := 0; start < len(texts); start += s.batchSize {
		end := start + s.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		chunk, err := s.embedChunk(ctx, texts[start:end])
		if err != nil {
			s.logger.Warn().Err(err).Int("start", start).Int("count", end-start).
				Msg("embedding chunk failed, returning empty vectors")
			continue
		}
		copy(vectors[start:end], chunk)
	}

	return vectors
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (s *Service) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	result, err := s.breaker.Execute(func() (any, error) {
		return s.callBackend(ctx, texts)
	})
	if err != nil {
		return nil, err
	}
	return result.([][]float32), nil
}

func (s *Service) callBackend(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(embedRequest{Model: s.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 50<<20))
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed backend returned %d", resp.StatusCode)
	}

	var parsed embedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embed backend returned %d vectors for %d inputs",
			len(parsed.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("embed backend returned out-of-range index %d", d.Index)
		}
		if s.dim > 0 && len(d.Embedding) != s.dim {
			return nil, fmt.Errorf("embed backend returned dim %d, want %d",
				len(d.Embedding), s.dim)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

// Health probes the backend with a tiny embedding call.
func (s *Service) Health(ctx context.Context) error {
	if !s.Enabled() {
		return apperr.New(apperr.KindEmbedderUnavailable, "no embedding backend configured")
	}
	if _, err := s.embedChunk(ctx, []string{"ping"}); err != nil {
		return apperr.Wrap(apperr.KindEmbedderUnavailable, "embedding backend unhealthy", err)
	}
	return nil
}
