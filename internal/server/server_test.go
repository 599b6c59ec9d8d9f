package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap/zaptest"

	"github.com/ik-labs/textile/pkg/completion"
	"github.com/ik-labs/textile/pkg/config"
	textileerrors "github.com/ik-labs/textile/pkg/errors"
	"github.com/ik-labs/textile/pkg/health"
	"github.com/ik-labs/textile/pkg/llm"
	"github.com/ik-labs/textile/pkg/rewrite"
	"github.com/ik-labs/textile/pkg/transform"
)

type sliceStream struct {
	chunks []llm.Chunk
	err    error
}

func (s *sliceStream) Next() (llm.Chunk, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return llm.Chunk{}, s.err
		}
		return llm.Chunk{}, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *sliceStream) Close() error { return nil }

type fakeProvider struct {
	content   string
	pieces    []string
	err       error
	streamErr error
}

func (f *fakeProvider) Complete(_ context.Context, request llm.Request) (*llm.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{
		ID:     "cmpl-1",
		Object: "chat.completion",
		Model:  request.Model,
		Choices: []llm.Choice{{
			Message:      llm.Message{Role: "assistant", Content: f.content},
			FinishReason: "stop",
		}},
	}, nil
}

func (f *fakeProvider) Stream(_ context.Context, request llm.Request) (llm.ChunkStream, error) {
	if f.err != nil {
		return nil, f.err
	}
	chunks := make([]llm.Chunk, len(f.pieces))
	for i, p := range f.pieces {
		data := fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","model":%q,"choices":[{"index":0,"delta":{"content":%q}}]}`, request.Model, p)
		chunk, err := llm.DecodeChunk([]byte(data))
		if err != nil {
			return nil, err
		}
		chunks[i] = chunk
	}
	return &sliceStream{chunks: chunks, err: f.streamErr}, nil
}

func newTestServer(t *testing.T, provider llm.Provider, opts ...Option) (*Server, *rewrite.Monitor) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	pattern, err := rewrite.NewPattern("<PHONE>", "555-1234", rewrite.WithName("phone"))
	require.NoError(t, err)
	rules := transform.NewResponseRules("rewrite", pattern)

	monitor := rewrite.NewMonitor(logger, 0.01)
	client := completion.NewClient(provider, completion.Config{
		Transformers: []transform.Transformer{rules},
	}, completion.WithLogger(logger), completion.WithMonitor(monitor))

	opts = append([]Option{WithMonitor(monitor)}, opts...)
	return NewServer(logger, nil, client, opts...), monitor
}

func chatBody(stream bool) string {
	return fmt.Sprintf(`{"model":"gpt-test","stream":%t,"messages":[{"role":"user","content":"number?"}]}`, stream)
}

func postChat(t *testing.T, handler http.Handler, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

// sseData returns the payloads of every data line in body.
func sseData(t *testing.T, body string) []string {
	t.Helper()
	var events []string
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		if data, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
			events = append(events, data)
		}
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestChatCompletionsNonStreaming(t *testing.T) {
	s, monitor := newTestServer(t, &fakeProvider{content: "Call <PHONE> now"})

	w := postChat(t, s.Handler(), chatBody(false))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "Call 555-1234 now", gjson.Get(w.Body.String(), "choices.0.message.content").String())
	assert.False(t, gjson.Get(w.Body.String(), "textile_trace").Exists())

	assert.EqualValues(t, 1, monitor.Report().TotalReplacements)
}

func TestChatCompletionsDebugTrace(t *testing.T) {
	s, _ := newTestServer(t, &fakeProvider{content: "Call <PHONE>"})

	w := postChat(t, s.Handler(), chatBody(false), DebugHeader, "true")

	require.Equal(t, http.StatusOK, w.Code)
	trace := gjson.Get(w.Body.String(), "textile_trace")
	require.True(t, trace.Exists())
	assert.Equal(t, "rewrite", trace.Get("transformers.0").String())
	assert.Equal(t, "number?", trace.Get("user_message").String())
}

func TestChatCompletionsStreaming(t *testing.T) {
	s, monitor := newTestServer(t, &fakeProvider{pieces: []string{"Call <PH", "ONE> to", "day"}})

	w := postChat(t, s.Handler(), chatBody(true))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := sseData(t, w.Body.String())
	require.NotEmpty(t, events)
	assert.Equal(t, "[DONE]", events[len(events)-1])

	var text strings.Builder
	for _, event := range events[:len(events)-1] {
		text.WriteString(gjson.Get(event, "choices.0.delta.content").String())
	}
	assert.Equal(t, "Call 555-1234 today", text.String())

	stats := monitor.Report().Sources["stream"]
	require.NotNil(t, stats)
	assert.EqualValues(t, 1, stats.Replacements)
	assert.EqualValues(t, 0, s.GetMetrics()["active_streams"])
}

func TestChatCompletionsStreamErrorAfterHeaders(t *testing.T) {
	provider := &fakeProvider{
		pieces:    []string{"partial "},
		streamErr: textileerrors.Upstream(502, "connection reset"),
	}
	s, _ := newTestServer(t, provider)

	w := postChat(t, s.Handler(), chatBody(true))

	require.Equal(t, http.StatusOK, w.Code)
	events := sseData(t, w.Body.String())
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.NotEqual(t, "[DONE]", last)
	assert.Equal(t, string(textileerrors.KindUpstream), gjson.Get(last, "error.type").String())
}

func TestChatCompletionsStreamErrorKeepsBufferedText(t *testing.T) {
	provider := &fakeProvider{
		pieces:    []string{"Dial <PHONE>", " please"},
		streamErr: textileerrors.Upstream(502, "connection reset"),
	}
	s, _ := newTestServer(t, provider)

	w := postChat(t, s.Handler(), chatBody(true))

	require.Equal(t, http.StatusOK, w.Code)
	events := sseData(t, w.Body.String())
	require.Len(t, events, 2)
	assert.Equal(t, "Dial 555-1234 please", gjson.Get(events[0], "choices.0.delta.content").String())
	assert.Equal(t, string(textileerrors.KindUpstream), gjson.Get(events[1], "error.type").String())
}

func TestChatCompletionsErrors(t *testing.T) {
	tests := []struct {
		name       string
		provider   *fakeProvider
		body       string
		wantStatus int
		wantType   string
	}{
		{
			name:       "invalid JSON",
			provider:   &fakeProvider{},
			body:       `{"model":`,
			wantStatus: http.StatusBadRequest,
			wantType:   string(textileerrors.KindInvalidRequest),
		},
		{
			name:       "missing model",
			provider:   &fakeProvider{},
			body:       `{"messages":[{"role":"user","content":"hi"}]}`,
			wantStatus: http.StatusBadRequest,
			wantType:   string(textileerrors.KindInvalidRequest),
		},
		{
			name:       "no messages",
			provider:   &fakeProvider{},
			body:       `{"model":"m","messages":[]}`,
			wantStatus: http.StatusBadRequest,
			wantType:   string(textileerrors.KindInvalidRequest),
		},
		{
			name:       "upstream client error passes through",
			provider:   &fakeProvider{err: textileerrors.Upstream(401, "invalid api key")},
			body:       chatBody(false),
			wantStatus: http.StatusUnauthorized,
			wantType:   string(textileerrors.KindUpstream),
		},
		{
			name:       "upstream server error",
			provider:   &fakeProvider{err: textileerrors.Upstream(500, "boom")},
			body:       chatBody(true),
			wantStatus: http.StatusBadGateway,
			wantType:   string(textileerrors.KindUpstream),
		},
		{
			name:       "open circuit",
			provider:   &fakeProvider{err: textileerrors.NewCircuitOpenError(10 * time.Second)},
			body:       chatBody(false),
			wantStatus: http.StatusServiceUnavailable,
			wantType:   string(textileerrors.KindUpstream),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, tt.provider)

			w := postChat(t, s.Handler(), tt.body, "X-Request-ID", "req-fixed")

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, "req-fixed", w.Header().Get("X-Request-ID"))

			var body textileerrors.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			require.NotNil(t, body.Error)
			assert.Equal(t, tt.wantType, body.Error.Type)
			assert.Equal(t, "req-fixed", body.Error.RequestID)
		})
	}
}

func TestOpenCircuitSetsRetryAfter(t *testing.T) {
	s, _ := newTestServer(t, &fakeProvider{err: textileerrors.NewCircuitOpenError(10 * time.Second)})

	w := postChat(t, s.Handler(), chatBody(false))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "10", w.Header().Get("Retry-After"))
}

func TestRequestBodyLimit(t *testing.T) {
	s, _ := newTestServer(t, &fakeProvider{})
	s.config.MaxRequestBytes = 16

	w := postChat(t, s.Handler(), chatBody(false))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "exceeds 16 bytes")
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, &fakeProvider{})

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHealthEndpoints(t *testing.T) {
	checker := health.NewHealthChecker(zaptest.NewLogger(t))
	checker.RegisterCheck("provider", func(ctx context.Context) (health.Status, string) {
		return health.StatusUnhealthy, "circuit open"
	})
	s, _ := newTestServer(t, &fakeProvider{}, WithHealthChecker(checker))

	live := httptest.NewRecorder()
	s.Handler().ServeHTTP(live, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, live.Code)

	ready := httptest.NewRecorder()
	s.Handler().ServeHTTP(ready, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, ready.Code)
}

func TestStatsEndpoint(t *testing.T) {
	hook := transform.NewMetricsHook()
	s, _ := newTestServer(t, &fakeProvider{content: "Call <PHONE>"}, WithMetricsHook(hook))
	handler := s.Handler()

	require.Equal(t, http.StatusOK, postChat(t, handler, chatBody(false)).Code)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/textile/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.EqualValues(t, 1, gjson.Get(body, "server.requests_total").Int())
	assert.EqualValues(t, 1, gjson.Get(body, "server.requests_succeeded").Int())
	assert.EqualValues(t, 1, gjson.Get(body, "rewrite.total_replacements").Int())
	assert.EqualValues(t, 1, gjson.Get(body, "latency.samples").Int())
	assert.True(t, gjson.Get(body, "transformers").Exists())
}

func TestReloadEndpoints(t *testing.T) {
	s, _ := newTestServer(t, &fakeProvider{})
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/textile/reload", nil))
	assert.Equal(t, http.StatusNotFound, w.Code, "reload routes need a reload manager")

	initial := &config.Config{Server: config.ServerConfig{Addr: ":8080"}}
	reload := config.NewReloadManager("/nonexistent/textile.yaml", config.NewLoader(), initial, nil)
	s, _ = newTestServer(t, &fakeProvider{}, WithReloadManager(reload))
	handler := s.Handler()

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/textile/reload", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ":8080", gjson.Get(w.Body.String(), "current_config_summary.server_addr").String())

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/textile/reload", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.False(t, gjson.Get(w.Body.String(), "success").Bool())

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/textile/reload/diff", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestSetClientSwapsRules(t *testing.T) {
	provider := &fakeProvider{content: "Call <PHONE>"}
	s, _ := newTestServer(t, provider)
	handler := s.Handler()

	pattern, err := rewrite.NewPattern("<PHONE>", "[redacted]")
	require.NoError(t, err)
	s.SetClient(completion.NewClient(provider, completion.Config{
		Transformers: []transform.Transformer{transform.NewResponseRules("rewrite", pattern)},
	}))

	w := postChat(t, handler, chatBody(false))
	assert.Equal(t, "Call [redacted]", gjson.Get(w.Body.String(), "choices.0.message.content").String())
}

func TestServerStartStop(t *testing.T) {
	logger := zaptest.NewLogger(t)
	client := completion.NewClient(&fakeProvider{content: "hello"}, completion.Config{})
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	s := NewServer(logger, cfg, client)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "second start must fail")

	resp, err := http.Post("http://"+s.Addr()+"/v1/chat/completions", "application/json", strings.NewReader(chatBody(false)))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", gjson.GetBytes(body, "choices.0.message.content").String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx), "stopping twice is a no-op")
}
