package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	textileerrors "github.com/ik-labs/textile/pkg/errors"
	"github.com/ik-labs/textile/pkg/llm"
	"github.com/ik-labs/textile/pkg/rewrite"
	"github.com/ik-labs/textile/pkg/transform"
)

type sliceStream struct {
	chunks []llm.Chunk
	err    error
	closed int
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

func (s *sliceStream) Close() error {
	s.closed++
	return nil
}

type fakeProvider struct {
	content string
	chunks  []llm.Chunk
	err     error
	stream  *sliceStream
	last    llm.Request
}

func (f *fakeProvider) Complete(_ context.Context, request llm.Request) (*llm.Response, error) {
	f.last = request
	if f.err != nil {
		return nil, f.err
	}
	raw := fmt.Sprintf(`{"id":"cmpl-1","object":"chat.completion","model":%q,"choices":[{"index":0,"message":{"role":"assistant","content":%q},"finish_reason":"stop"}],"system_fingerprint":"fp"}`,
		request.Model, f.content)
	var resp llm.Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, err
	}
	resp.Raw = json.RawMessage(raw)
	return &resp, nil
}

func (f *fakeProvider) Stream(_ context.Context, request llm.Request) (llm.ChunkStream, error) {
	f.last = request
	if f.err != nil {
		return nil, f.err
	}
	f.stream = &sliceStream{chunks: f.chunks}
	return f.stream, nil
}

// contentChunks turns text pieces into provider chunks, the last one
// carrying finish_reason when finish is set.
func contentChunks(t *testing.T, finish bool, pieces ...string) []llm.Chunk {
	t.Helper()
	var out []llm.Chunk
	for i, p := range pieces {
		reason := "null"
		if finish && i == len(pieces)-1 {
			reason = `"stop"`
		}
		data := fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"content":%q},"finish_reason":%s}]}`, p, reason)
		c, err := llm.DecodeChunk([]byte(data))
		require.NoError(t, err)
		out = append(out, c)
	}
	return out
}

func phonePattern(t *testing.T) *rewrite.Pattern {
	t.Helper()
	p, err := rewrite.NewPattern("<PHONE>", "555-1234", rewrite.WithName("phone"))
	require.NoError(t, err)
	return p
}

func request(messages ...string) llm.Request {
	r := llm.Request{Model: "m"}
	for i := 0; i < len(messages); i += 2 {
		r.Messages = append(r.Messages, llm.Message{Role: messages[i], Content: messages[i+1]})
	}
	return r
}

func collect(t *testing.T, s *Stream) string {
	t.Helper()
	var out strings.Builder
	for chunk, err := range s.All() {
		require.NoError(t, err)
		out.WriteString(chunk.Content())
	}
	return out.String()
}

func TestCompletePassthrough(t *testing.T) {
	provider := &fakeProvider{content: "Call <PHONE>"}
	client := NewClient(provider, Config{}, WithLogger(zaptest.NewLogger(t)))

	resp, err := client.Complete(context.Background(), request("user", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "Call <PHONE>", resp.Content())
	assert.Nil(t, resp.Trace)
	assert.Equal(t, "hi", provider.last.Messages[0].Content)
}

func TestCompleteRewritesContent(t *testing.T) {
	provider := &fakeProvider{content: "Call <PHONE> now"}
	monitor := rewrite.NewMonitor(zaptest.NewLogger(t), 0.01)
	client := NewClient(provider, Config{
		Transformers: []transform.Transformer{transform.NewResponseRules("contact", phonePattern(t))},
	}, WithMonitor(monitor))

	resp, err := client.Complete(context.Background(), request("user", "number?"), WithDebug())
	require.NoError(t, err)
	assert.Equal(t, "Call 555-1234 now", resp.Content())

	raw, err := resp.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"content":"Call 555-1234 now"`)
	assert.Contains(t, string(raw), `"system_fingerprint":"fp"`, "unknown provider fields survive")

	require.NotNil(t, resp.Trace)
	assert.Equal(t, []string{"contact"}, resp.Trace.Transformers)
	assert.Equal(t, "number?", resp.Trace.UserMessage)
	assert.Equal(t, DefaultMaxTokens, resp.Trace.MaxTokens)
	assert.Equal(t, 1, resp.Trace.Stats.PatternsApplied)
	require.Len(t, resp.Trace.Steps, 2)

	report := monitor.Report("phone")
	assert.Equal(t, int64(1), report.TotalReplacements)
}

func TestCompleteSendsTransformedContext(t *testing.T) {
	provider := &fakeProvider{content: "ok"}
	decay, err := transform.NewDecay(transform.DecayConfig{HalfLifeTurns: 1, Threshold: 0.6, MinRecentMessages: 1}, nil)
	require.NoError(t, err)

	client := NewClient(provider, Config{
		Transformers:   []transform.Transformer{decay},
		ModelMaxTokens: map[string]int{"m": 8192},
	})

	_, err = client.Complete(context.Background(), request(
		"system", "be brief",
		"user", "first",
		"assistant", "reply",
		"user", "second",
	))
	require.NoError(t, err)

	var got []string
	for _, m := range provider.last.Messages {
		got = append(got, m.Content)
	}
	assert.Equal(t, []string{"be brief", "second"}, got)
}

func TestCompleteEmptyMessages(t *testing.T) {
	client := NewClient(&fakeProvider{}, Config{
		Transformers: []transform.Transformer{transform.NewResponseRules("", phonePattern(t))},
	})
	_, err := client.Complete(context.Background(), llm.Request{Model: "m"})
	require.Error(t, err)
	assert.True(t, textileerrors.IsKind(err, textileerrors.KindInvalidRequest))
}

func TestCompleteProviderError(t *testing.T) {
	provider := &fakeProvider{err: textileerrors.Upstream(429, "slow down")}
	client := NewClient(provider, Config{})

	_, err := client.Complete(context.Background(), request("user", "hi"))
	require.Error(t, err)
	assert.Equal(t, 429, textileerrors.HTTPStatus(err))
}

func TestStreamRewritesSplitPattern(t *testing.T) {
	provider := &fakeProvider{chunks: contentChunks(t, true, "Call <PHO", "NE> now!")}
	client := NewClient(provider, Config{
		Transformers: []transform.Transformer{transform.NewResponseRules("contact", phonePattern(t))},
	}, WithLogger(zaptest.NewLogger(t)))

	s, err := client.Stream(context.Background(), request("user", "number?"))
	require.NoError(t, err)
	assert.True(t, provider.last.Stream)

	first, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "Call 555-1234 now!", first.Content(), "held-back text is flushed into the finishing chunk")
	assert.Equal(t, "stop", first.FinishReason())
	raw, err := first.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"content":"Call 555-1234 now!"`)

	_, err = s.Next()
	assert.Equal(t, io.EOF, err)

	require.NoError(t, s.Close())
	assert.Empty(t, s.Salvaged())
	assert.Equal(t, 1, provider.stream.closed)
}

func TestStreamEmitsRemainderAtEOF(t *testing.T) {
	provider := &fakeProvider{chunks: contentChunks(t, false, "Call <PHONE>", " please")}
	client := NewClient(provider, Config{}, WithLogger(zaptest.NewLogger(t)))

	s, err := client.Stream(context.Background(), request("user", "x"), WithPatterns(phonePattern(t)), WithDebug())
	require.NoError(t, err)
	assert.Equal(t, "Call 555-1234 please", collect(t, s))
	assert.Equal(t, 1, provider.stream.closed)
	require.NotNil(t, s.Trace())
	assert.Equal(t, 2, s.Trace().Stats.ChunksProcessed)
}

func TestStreamCloseSalvagesBuffer(t *testing.T) {
	long := strings.Repeat("a", 70)
	provider := &fakeProvider{chunks: contentChunks(t, false, long, "Call <PHONE>")}
	client := NewClient(provider, Config{}, WithLogger(zaptest.NewLogger(t)))

	s, err := client.Stream(context.Background(), request("user", "x"), WithPatterns(phonePattern(t)))
	require.NoError(t, err)

	// stop consuming after the first chunk
	var first string
	for chunk, err := range s.All() {
		require.NoError(t, err)
		first = chunk.Content()
		break
	}
	require.NotEmpty(t, first)
	require.NotEmpty(t, s.Salvaged())
	assert.Equal(t, long, first+s.Salvaged())
	assert.Equal(t, 1, provider.stream.closed)

	require.NoError(t, s.Close())
	assert.Equal(t, 1, provider.stream.closed, "Close is idempotent")
}

func TestStreamDeliversBufferBeforeUpstreamError(t *testing.T) {
	provider := &fakeProvider{chunks: contentChunks(t, false, "Dial <PHONE>", " please")}
	client := NewClient(provider, Config{})

	s, err := client.Stream(context.Background(), request("user", "x"), WithPatterns(phonePattern(t)))
	require.NoError(t, err)
	provider.stream.err = textileerrors.Upstream(502, "reset")

	var text strings.Builder
	var gotErr error
	for chunk, err := range s.All() {
		if err != nil {
			gotErr = err
			break
		}
		text.WriteString(chunk.Content())
	}
	require.Error(t, gotErr)
	assert.True(t, textileerrors.IsKind(gotErr, textileerrors.KindUpstream))
	assert.Equal(t, "Dial 555-1234 please", text.String())
	assert.Empty(t, s.Salvaged(), "nothing left behind for Close")

	_, err = s.Next()
	assert.Equal(t, gotErr, err, "the error sticks")
}

func TestStreamPassthroughKeepsEmptyChunks(t *testing.T) {
	chunks := contentChunks(t, true, "", "hi")
	provider := &fakeProvider{chunks: chunks}
	client := NewClient(provider, Config{})

	s, err := client.Stream(context.Background(), request("user", "x"))
	require.NoError(t, err)

	n := 0
	for _, err := range s.All() {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 2, n, "without patterns chunks are forwarded as they are")
}

func TestStreamEmbedsForSemanticTransformers(t *testing.T) {
	provider := &fakeProvider{content: "ok"}
	prune, err := transform.NewSemanticPrune(0.5, nil)
	require.NoError(t, err)

	embedder := &axisEmbedder{}
	client := NewClient(provider, Config{
		Transformers: []transform.Transformer{prune},
		Embedder:     embedder,
	})

	_, err = client.Complete(context.Background(), request(
		"user", "cats are great",
		"assistant", "dogs are loud",
		"user", "tell me about cats",
	))
	require.NoError(t, err)

	var got []string
	for _, m := range provider.last.Messages {
		got = append(got, m.Content)
	}
	assert.Equal(t, []string{"cats are great", "tell me about cats"}, got)
}

// axisEmbedder maps text mentioning cats and dogs to orthogonal vectors.
type axisEmbedder struct{}

func (axisEmbedder) Encode(_ context.Context, text string) ([]float32, error) {
	if strings.Contains(text, "cat") {
		return []float32{1, 0}, nil
	}
	return []float32{0, 1}, nil
}

func (a axisEmbedder) EncodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i], _ = a.Encode(ctx, text)
	}
	return out, nil
}

func (axisEmbedder) Dimension() int { return 2 }

func TestBuildContextTurnIndices(t *testing.T) {
	client := NewClient(&fakeProvider{}, Config{})
	w, state, err := client.buildContext(context.Background(), request("system", "s", "user", "a", "user", "b"))
	require.NoError(t, err)

	for i, m := range w.Messages {
		assert.Equal(t, i, m.TurnIndex())
	}
	assert.Equal(t, 2, state.TurnIndex)
	assert.Equal(t, "b", state.UserMessage)
	assert.Equal(t, DefaultMaxTokens, w.MaxTokens)

	_, _, err = client.buildContext(context.Background(), request("robot", "?"))
	assert.Error(t, err)
}
