package transform

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ik-labs/textile/pkg/conversation"
	"github.com/ik-labs/textile/pkg/llm"
	"github.com/ik-labs/textile/pkg/rewrite"
)

// window builds a window from alternating role/content pairs, assigning turn
// indices by position.
func window(t *testing.T, pairs ...string) *conversation.Window {
	t.Helper()
	require.Zero(t, len(pairs)%2)

	var messages []*conversation.Message
	for i := 0; i < len(pairs); i += 2 {
		m, err := conversation.NewMessage(pairs[i], pairs[i+1])
		require.NoError(t, err)
		require.NoError(t, m.SetTurnIndex(i/2))
		messages = append(messages, m)
	}
	w, err := conversation.NewWindow(messages, 4096)
	require.NoError(t, err)
	return w
}

func contents(w *conversation.Window) []string {
	out := make([]string, len(w.Messages))
	for i, m := range w.Messages {
		out[i] = m.Content
	}
	return out
}

type dropFirst struct{}

func (dropFirst) Name() string { return "drop_first" }

func (dropFirst) Transform(_ context.Context, w *conversation.Window, state conversation.TurnState) (conversation.TurnState, error) {
	w.Messages = w.Messages[1:]
	return state.WithMetadata("dropped", true), nil
}

type neverApply struct{ dropFirst }

func (neverApply) Name() string { return "never" }

func (neverApply) ShouldApply(*conversation.Window, conversation.TurnState) bool { return false }

type failing struct{}

func (failing) Name() string { return "failing" }

func (failing) Transform(_ context.Context, _ *conversation.Window, state conversation.TurnState) (conversation.TurnState, error) {
	return state, stderrors.New("boom")
}

func TestPipelineThreadsState(t *testing.T) {
	hook := NewMetricsHook()
	p := NewPipeline([]Transformer{dropFirst{}, neverApply{}, dropFirst{}},
		WithHook(hook), WithPipelineLogger(zaptest.NewLogger(t)))

	w := window(t, "user", "a", "assistant", "b", "user", "c")
	state, trace, err := p.ApplyTraced(context.Background(), w, conversation.TurnState{TurnIndex: 2})
	require.NoError(t, err)

	assert.Equal(t, []string{"c"}, contents(w))
	assert.Equal(t, true, state.Metadata["dropped"])

	require.Len(t, trace, 3, "initial snapshot plus two executed steps")
	assert.Equal(t, 0, trace[0].Step)
	assert.Len(t, trace[0].Messages, 3)
	assert.Equal(t, 3, trace[2].Step)
	assert.Equal(t, "drop_first", trace[2].Transformer)
	assert.Equal(t, 1, trace[2].Removed)

	summary := hook.Summary()
	assert.Equal(t, 3, summary.TotalExecutions)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 2, summary.Executed)
	assert.Equal(t, 2, summary.TotalRemoved)
	assert.ElementsMatch(t, []string{"drop_first", "never"}, summary.Transformers)
}

func TestPipelineError(t *testing.T) {
	p := NewPipeline([]Transformer{failing{}, dropFirst{}})
	w := window(t, "user", "a", "user", "b")

	_, err := p.Apply(context.Background(), w, conversation.TurnState{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transformer failing")
	assert.Equal(t, 2, w.Len(), "later transformers do not run")
}

func TestPipelineAddRemove(t *testing.T) {
	p := NewPipeline(nil)
	p.Add(dropFirst{})
	p.Add(neverApply{})

	assert.True(t, p.Remove("drop_first"))
	assert.False(t, p.Remove("drop_first"))
	require.Len(t, p.Transformers(), 1)
	assert.Equal(t, "never", p.Transformers()[0].Name())
}

func TestResponsePatternsReverseOrder(t *testing.T) {
	first, err := rewrite.NewPattern("a", "1", rewrite.WithName("first"))
	require.NoError(t, err)
	second, err := rewrite.NewPattern("b", "2", rewrite.WithName("second"))
	require.NoError(t, err)

	transformers := []Transformer{
		NewResponseRules("one", first),
		dropFirst{},
		NewResponseRules("two", second),
	}

	patterns := ResponsePatterns(transformers, conversation.TurnState{})
	require.Len(t, patterns, 2)
	assert.Equal(t, "second", patterns[0].Name())
	assert.Equal(t, "first", patterns[1].Name())
}

func TestMetricsHookCallbacks(t *testing.T) {
	hook := NewMetricsHook()
	var seen []string
	hook.OnRecord(func(m Metrics) { seen = append(seen, m.Name) })

	hook.Record(Metrics{Name: "a", Before: 4, After: 3, Removed: 1})
	hook.Record(Metrics{Name: "b", Skipped: true})

	assert.Equal(t, []string{"a", "b"}, seen)
	assert.Equal(t, 1, hook.TotalRemoved("a"))
	assert.Equal(t, 0, hook.TotalRemoved("b"))
	assert.InDelta(t, 25.0, hook.Metrics()[0].RemovalRate(), 1e-9)

	hook.Clear()
	assert.Empty(t, hook.Metrics())
}

func TestDecayConfigValidate(t *testing.T) {
	cfg := DefaultDecayConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Threshold = 1.5
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.MinRecentMessages = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.HalfLifeTurns = 0
	assert.Error(t, bad.Validate())
}

func TestDecayKeepsSystemAndRecent(t *testing.T) {
	d, err := NewDecay(DecayConfig{HalfLifeTurns: 1, Threshold: 0.5, MinRecentMessages: 2}, zaptest.NewLogger(t))
	require.NoError(t, err)

	w := window(t,
		"system", "rules",
		"user", "old question",
		"assistant", "old answer",
		"user", "recent question",
		"assistant", "recent answer",
		"user", "now",
	)
	state := conversation.TurnState{TurnIndex: 5}

	require.True(t, d.ShouldApply(w, state))
	_, err = d.Transform(context.Background(), w, state)
	require.NoError(t, err)

	// turn 4 has prominence 0.5 and meets the threshold, turn 5 is the newest
	assert.Equal(t, []string{"rules", "recent answer", "now"}, contents(w))
	assert.InDelta(t, 0.5, w.Messages[1].Metadata.Prominence(), 1e-9)
}

func TestDecayMinRecentOverridesThreshold(t *testing.T) {
	d, err := NewDecay(DecayConfig{HalfLifeTurns: 1, Threshold: 1, MinRecentMessages: 3}, nil)
	require.NoError(t, err)

	w := window(t, "user", "a", "assistant", "b", "user", "c", "assistant", "d")
	_, err = d.Transform(context.Background(), w, conversation.TurnState{TurnIndex: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "d"}, contents(w))
}

func TestDecaySkipsSingleMessage(t *testing.T) {
	d, err := NewDecay(DefaultDecayConfig(), nil)
	require.NoError(t, err)
	assert.False(t, d.ShouldApply(window(t, "user", "hi"), conversation.TurnState{}))
}

func TestSemanticPrune(t *testing.T) {
	p, err := NewSemanticPrune(0.5, zaptest.NewLogger(t))
	require.NoError(t, err)

	w := window(t, "system", "sys", "user", "on topic", "assistant", "off topic", "user", "no embedding")
	w.Messages[0].SetEmbedding([]float32{0, 1})
	w.Messages[1].SetEmbedding([]float32{1, 0.1})
	w.Messages[2].SetEmbedding([]float32{0, 1})
	state := conversation.TurnState{TurnIndex: 3, UserEmbedding: []float32{1, 0}}

	require.True(t, p.ShouldApply(w, state))
	_, err = p.Transform(context.Background(), w, state)
	require.NoError(t, err)
	assert.Equal(t, []string{"sys", "on topic", "no embedding"}, contents(w))
}

func TestSemanticPruneKeepsMostRecent(t *testing.T) {
	p, err := NewSemanticPrune(0.9, nil)
	require.NoError(t, err)

	w := window(t, "user", "a", "assistant", "b")
	w.Messages[0].SetEmbedding([]float32{0, 1})
	w.Messages[1].SetEmbedding([]float32{0, 1})

	_, err = p.Transform(context.Background(), w, conversation.TurnState{UserEmbedding: []float32{1, 0}})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, contents(w))
}

func TestSemanticPruneKeepsOnMismatch(t *testing.T) {
	p, err := NewSemanticPrune(0.9, nil)
	require.NoError(t, err)

	w := window(t, "user", "a", "user", "b")
	w.Messages[0].SetEmbedding([]float32{0, 1, 0})
	w.Messages[1].SetEmbedding([]float32{1, 0})

	_, err = p.Transform(context.Background(), w, conversation.TurnState{UserEmbedding: []float32{1, 0}})
	require.NoError(t, err)
	assert.Equal(t, 2, w.Len())
}

func TestSemanticDecayConfigValidate(t *testing.T) {
	require.NoError(t, DefaultSemanticDecayConfig().Validate())

	cfg := DefaultSemanticDecayConfig()
	cfg.SemanticWeight = 0.7
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sum to 1.0")

	cfg = DefaultSemanticDecayConfig()
	cfg.SemanticDecayPower = 0.5
	assert.Error(t, cfg.Validate())
}

func TestSemanticDecayKeepsOnTopic(t *testing.T) {
	d, err := NewSemanticDecay(DefaultSemanticDecayConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	w := window(t,
		"system", "sys",
		"user", "old on topic",
		"assistant", "old off topic",
		"user", "current",
	)
	w.Messages[1].SetEmbedding([]float32{1, 0})
	w.Messages[2].SetEmbedding([]float32{0, 1})
	w.Messages[3].SetEmbedding([]float32{1, 0})
	state := conversation.TurnState{TurnIndex: 3, UserEmbedding: []float32{1, 0}}

	state, err = d.Transform(context.Background(), w, state)
	require.NoError(t, err)

	assert.Equal(t, []string{"sys", "old on topic", "current"}, contents(w))
	assert.Equal(t, 1, state.Metadata[PrunedStateKey])

	components, ok := w.Messages[1].Metadata.Get(DecayComponentsKey)
	require.True(t, ok)
	assert.Equal(t, 2, components.(DecayComponents).AgeTurns)

	var meta DecayMetadata
	found, err := w.Messages[1].Metadata.Namespace(SemanticDecayNamespace, &meta)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 3, meta.LastAccessTurn)
	assert.Equal(t, MessageConversational, meta.MessageType)
}

func TestSemanticDecayWithoutEmbeddings(t *testing.T) {
	d, err := NewSemanticDecay(DefaultSemanticDecayConfig(), nil)
	require.NoError(t, err)

	w := window(t, "user", "a", "assistant", "b", "user", "c")
	state, err := d.Transform(context.Background(), w, conversation.TurnState{TurnIndex: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, w.Len(), "temporal decay alone keeps recent messages")
	assert.NotContains(t, state.Metadata, PrunedStateKey)
}

func TestMessageTypeOf(t *testing.T) {
	w := window(t, "system", "s", "user", "do this", "assistant", "fact", "assistant", "chat")
	w.Messages[1].Metadata.Set("is_instruction", true)
	w.Messages[2].Metadata.Set("is_factual", true)

	assert.Equal(t, MessageSystem, MessageTypeOf(w.Messages[0]))
	assert.Equal(t, MessageInstruction, MessageTypeOf(w.Messages[1]))
	assert.Equal(t, MessageFactual, MessageTypeOf(w.Messages[2]))
	assert.Equal(t, MessageConversational, MessageTypeOf(w.Messages[3]))
	assert.InDelta(t, 0.4, MessageHistorical.Modifier(), 1e-9)
}

// keywordModel embeds text on two axes: weather and finance.
type keywordModel struct{ calls int }

func (k *keywordModel) Encode(_ context.Context, text string) ([]float32, error) {
	k.calls++
	text = strings.ToLower(text)
	switch {
	case strings.Contains(text, "weather"):
		return []float32{1, 0}, nil
	case strings.Contains(text, "stock"):
		return []float32{0, 1}, nil
	}
	return []float32{0.6, 0.8}, nil
}

func (k *keywordModel) EncodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i], _ = k.Encode(ctx, text)
	}
	return out, nil
}

func (k *keywordModel) Dimension() int { return 2 }

func tool(name, description string) llm.Tool {
	return llm.Tool{Type: "function", Function: llm.Function{Name: name, Description: description}}
}

func TestToolSelection(t *testing.T) {
	model := &keywordModel{}
	ts, err := NewToolSelection(ToolSelectionConfig{MaxTools: 1, SimilarityThreshold: 0.5, CacheEmbeddings: true}, model, zaptest.NewLogger(t))
	require.NoError(t, err)

	tools := []llm.Tool{
		tool("get_stock", "Look up a stock price"),
		tool("get_weather", "Current weather for a city"),
		{Type: "retrieval"},
	}
	w := window(t, "user", "what's the weather in Oslo?")
	state := conversation.TurnState{UserMessage: w.Messages[0].Content, Tools: tools}

	require.True(t, ts.ShouldApply(w, state))
	next, err := ts.Transform(context.Background(), w, state)
	require.NoError(t, err)

	require.Len(t, next.Tools, 1)
	assert.Equal(t, "get_weather", next.Tools[0].Function.Name)
	assert.Len(t, state.Tools, 3, "input state is not modified")

	selected, _ := w.Messages[0].Metadata.Get(SelectedToolsKey)
	assert.Equal(t, []string{"get_weather"}, selected)
	filtered, _ := w.Messages[0].Metadata.Get(ToolsFilteredKey)
	assert.Equal(t, 2, filtered)

	// query plus two function tools
	assert.Equal(t, 3, model.calls)
	_, err = ts.Transform(context.Background(), w, state)
	require.NoError(t, err)
	assert.Equal(t, 4, model.calls, "tool embeddings come from the cache")
}

func TestToolSelectionRequiresModel(t *testing.T) {
	_, err := NewToolSelection(DefaultToolSelectionConfig(), nil, nil)
	assert.Error(t, err)

	_, err = NewToolSelection(ToolSelectionConfig{MaxTools: 0}, &keywordModel{}, nil)
	assert.Error(t, err)
}

func TestToolSelectionGate(t *testing.T) {
	ts, err := NewToolSelection(DefaultToolSelectionConfig(), &keywordModel{}, nil)
	require.NoError(t, err)

	w := window(t, "user", "hi")
	assert.False(t, ts.ShouldApply(w, conversation.TurnState{Tools: []llm.Tool{tool("a", "")}}))
	assert.False(t, ts.ShouldApply(w, conversation.TurnState{}))
}
