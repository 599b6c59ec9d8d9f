package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ik-labs/textile/pkg/errors"
)

// OpenAIConfig configures an OpenAI-compatible /embeddings client.
type OpenAIConfig struct {
	BaseURL           string
	APIKey            string
	Model             string
	Dimensions        int
	RequestsPerMinute int
	Burst             int
	Timeout           time.Duration
	// Retry repeats transient failures (transport errors, 429, 5xx). Nil
	// means a single attempt.
	Retry *errors.RetryConfig
}

// OpenAI is an embedding Model backed by an OpenAI-compatible API.
type OpenAI struct {
	cfg        OpenAIConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	dimension  atomic.Int64
	logger     *zap.Logger
}

// NewOpenAI creates a client. A zero RequestsPerMinute disables client-side
// rate limiting.
func NewOpenAI(cfg OpenAIConfig, httpClient *http.Client, logger *zap.Logger) *OpenAI {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), max(1, cfg.Burst))
	}

	m := &OpenAI{
		cfg:        cfg,
		httpClient: httpClient,
		limiter:    limiter,
		logger:     logger,
	}
	m.dimension.Store(int64(cfg.Dimensions))
	return m
}

// Dimension returns the configured dimension, or the one observed on the
// first response.
func (m *OpenAI) Dimension() int {
	return int(m.dimension.Load())
}

// Encode embeds a single text.
func (m *OpenAI) Encode(ctx context.Context, text string) ([]float32, error) {
	vectors, err := m.EncodeBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// EncodeBatch embeds texts in one request, returning vectors in input order.
func (m *OpenAI) EncodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embeddingRequest{Model: m.cfg.Model, Input: texts, Dimensions: m.cfg.Dimensions})
	if err != nil {
		return nil, fmt.Errorf("marshaling embedding request: %w", err)
	}

	start := time.Now()
	var decoded *embeddingResponse
	attempt := func(ctx context.Context) error {
		var err error
		decoded, err = m.post(ctx, body)
		return err
	}

	retry := m.cfg.Retry
	if retry == nil {
		retry = &errors.RetryConfig{MaxAttempts: 1}
	}
	result := errors.Retry(ctx, retry, attempt)
	if result.Attempts > 1 {
		m.logger.Warn("Embedding request needed retries",
			zap.Int("attempts", result.Attempts),
			zap.Duration("duration", result.Duration),
			zap.Error(result.LastError),
		)
	}
	if result.LastError != nil {
		return nil, result.LastError
	}

	if len(decoded.Data) != len(texts) {
		return nil, errors.Upstream(http.StatusBadGateway, fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(decoded.Data)))
	}

	sort.Slice(decoded.Data, func(i, j int) bool { return decoded.Data[i].Index < decoded.Data[j].Index })
	vectors := make([][]float32, len(decoded.Data))
	for i, d := range decoded.Data {
		vectors[i] = d.Embedding
	}

	if m.dimension.Load() == 0 && len(vectors[0]) > 0 {
		m.dimension.Store(int64(len(vectors[0])))
	}

	m.logger.Debug("Embeddings computed",
		zap.String("model", m.cfg.Model),
		zap.Int("inputs", len(texts)),
		zap.Duration("duration", time.Since(start)),
	)

	return vectors, nil
}

func (m *OpenAI) post(ctx context.Context, body []byte) (*embeddingResponse, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for embedding rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.KindUpstream, err, "sending embedding request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.Upstream(resp.StatusCode, fmt.Sprintf("embedding provider returned HTTP %d: %s", resp.StatusCode, msg))
	}

	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, errors.Wrap(errors.KindUpstream, err, "decoding embedding response")
	}
	return &decoded, nil
}
