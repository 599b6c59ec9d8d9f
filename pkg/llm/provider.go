package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ik-labs/textile/pkg/errors"
)

// Provider sends chat completion requests to an LLM backend.
type Provider interface {
	// Complete sends a request and blocks until the full response is
	// available.
	Complete(ctx context.Context, request Request) (*Response, error)

	// Stream sends a request and returns the streamed chunks. The caller
	// must Close the stream, even if iteration ended early.
	Stream(ctx context.Context, request Request) (ChunkStream, error)
}

// ChunkStream yields streamed chunks. Next returns io.EOF when the stream is
// complete.
type ChunkStream interface {
	Next() (Chunk, error)
	Close() error
}

// doProviderRequest POSTs body to endpoint. Non-200 responses are returned as
// upstream errors with the body already closed; on success the caller closes
// the body.
func doProviderRequest(ctx context.Context, httpClient *http.Client, endpoint string, body []byte, headers http.Header, streaming bool) (*http.Response, error) {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for key, values := range headers {
		for _, value := range values {
			httpRequest.Header.Add(key, value)
		}
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if streaming {
		httpRequest.Header.Set("Accept", "text/event-stream")
	}

	httpResponse, err := httpClient.Do(httpRequest)
	if err != nil {
		return nil, errors.Wrap(errors.KindUpstream, err, "sending request")
	}

	if httpResponse.StatusCode != http.StatusOK {
		defer httpResponse.Body.Close()
		return nil, readProviderError(httpResponse)
	}

	return httpResponse, nil
}

// readProviderError parses {"error":{"type":"...","message":"..."}} bodies.
func readProviderError(httpResponse *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 4096))

	var wireError struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	message := string(body)
	if json.Unmarshal(body, &wireError) == nil && wireError.Error.Message != "" {
		message = wireError.Error.Message
		if wireError.Error.Type != "" {
			message = wireError.Error.Type + ": " + message
		}
	}

	return errors.Upstream(httpResponse.StatusCode, fmt.Sprintf("provider returned HTTP %d: %s", httpResponse.StatusCode, message))
}
