package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ik-labs/textile/pkg/errors"
)

// OpenAIConfig configures an OpenAI-compatible provider. Any API that
// implements the chat completions wire format works (OpenAI, Azure OpenAI,
// OpenRouter, vLLM, Ollama, llama.cpp).
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Headers map[string]string
	Timeout time.Duration
}

// OpenAI implements Provider for the OpenAI Chat Completions API.
type OpenAI struct {
	httpClient *http.Client
	baseURL    string
	headers    http.Header
	logger     *zap.Logger
}

// NewOpenAI creates an OpenAI-compatible provider. A nil httpClient gets a
// client with cfg.Timeout.
func NewOpenAI(cfg OpenAIConfig, httpClient *http.Client, logger *zap.Logger) *OpenAI {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	headers := make(http.Header)
	if cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	for key, value := range cfg.Headers {
		headers.Set(key, value)
	}

	return &OpenAI{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		headers:    headers,
		logger:     logger,
	}
}

func (provider *OpenAI) endpoint() string {
	return provider.baseURL + "/chat/completions"
}

// Complete sends a non-streaming request and returns the full response.
func (provider *OpenAI) Complete(ctx context.Context, request Request) (*Response, error) {
	request.Stream = false
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	start := time.Now()
	httpResponse, err := doProviderRequest(ctx, provider.httpClient, provider.endpoint(), body, provider.headers, false)
	if err != nil {
		return nil, err
	}
	defer httpResponse.Body.Close()

	raw, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return nil, errors.Wrap(errors.KindUpstream, err, "reading response")
	}

	var response Response
	if err := json.Unmarshal(raw, &response); err != nil {
		return nil, errors.Wrap(errors.KindUpstream, err, "decoding response")
	}
	response.Raw = raw

	provider.logger.Debug("Completion received",
		zap.String("model", response.Model),
		zap.Duration("duration", time.Since(start)),
	)

	return &response, nil
}

// Stream sends a streaming request and returns its chunks.
func (provider *OpenAI) Stream(ctx context.Context, request Request) (ChunkStream, error) {
	request.Stream = true
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpResponse, err := doProviderRequest(ctx, provider.httpClient, provider.endpoint(), body, provider.headers, true)
	if err != nil {
		return nil, err
	}

	return NewSSEChunkStream(httpResponse.Body), nil
}

// SSEChunkStream decodes chat completion chunks from an SSE body.
type SSEChunkStream struct {
	scanner *SSEScanner
	body    io.Closer
	done    bool
}

// NewSSEChunkStream reads chunks from body until "data: [DONE]" or EOF.
func NewSSEChunkStream(body io.ReadCloser) *SSEChunkStream {
	return &SSEChunkStream{
		scanner: NewSSEScanner(body),
		body:    body,
	}
}

// Next returns the next chunk or io.EOF.
func (stream *SSEChunkStream) Next() (Chunk, error) {
	if stream.done {
		return Chunk{}, io.EOF
	}

	for stream.scanner.Next() {
		event := stream.scanner.Event()
		data := strings.TrimSpace(event.Data)
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			stream.done = true
			return Chunk{}, io.EOF
		}
		if event.Type == "error" {
			stream.done = true
			return Chunk{}, errors.Upstream(http.StatusBadGateway, "provider stream error: "+data)
		}

		chunk, err := DecodeChunk([]byte(data))
		if err != nil {
			return Chunk{}, errors.Wrap(errors.KindUpstream, err, "decoding chunk")
		}
		return chunk, nil
	}

	stream.done = true
	if err := stream.scanner.Err(); err != nil {
		return Chunk{}, errors.Wrap(errors.KindUpstream, err, "reading stream")
	}
	return Chunk{}, io.EOF
}

// Close releases the response body.
func (stream *SSEChunkStream) Close() error {
	if stream.body != nil {
		return stream.body.Close()
	}
	return nil
}
