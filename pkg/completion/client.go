// Package completion wraps an LLM provider with context transformation on
// the way in and pattern rewriting on the way out.
package completion

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ik-labs/textile/pkg/conversation"
	"github.com/ik-labs/textile/pkg/embeddings"
	textileerrors "github.com/ik-labs/textile/pkg/errors"
	"github.com/ik-labs/textile/pkg/llm"
	"github.com/ik-labs/textile/pkg/observability"
	"github.com/ik-labs/textile/pkg/rewrite"
	"github.com/ik-labs/textile/pkg/tokens"
	"github.com/ik-labs/textile/pkg/transform"
)

// DefaultMaxTokens is the context size assumed when neither the request nor
// the model table provides one.
const DefaultMaxTokens = 16384

// Config holds everything a Client needs. There is no package-level state.
type Config struct {
	Transformers     []transform.Transformer
	Embedder         embeddings.Model
	MaxBufferSize    int
	DefaultMaxTokens int
	ModelMaxTokens   map[string]int
	Hooks            []transform.Hook
}

// Client sends completion requests through the transformer pipeline.
type Client struct {
	provider   llm.Provider
	cfg        Config
	logger     *zap.Logger
	middleware *observability.Middleware
	monitor    *rewrite.Monitor
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTelemetry records spans and metrics through middleware.
func WithTelemetry(middleware *observability.Middleware) Option {
	return func(c *Client) {
		c.middleware = middleware
	}
}

// WithMonitor reports every finished rewrite to monitor.
func WithMonitor(monitor *rewrite.Monitor) Option {
	return func(c *Client) {
		c.monitor = monitor
	}
}

// NewClient creates a client for provider.
func NewClient(provider llm.Provider, cfg Config, opts ...Option) *Client {
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = DefaultMaxTokens
	}
	c := &Client{
		provider: provider,
		cfg:      cfg,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CallOption adjusts a single call.
type CallOption func(*callOptions)

type callOptions struct {
	debug        bool
	transformers []transform.Transformer
	patterns     []*rewrite.Pattern
}

// WithDebug attaches a Trace to the result.
func WithDebug() CallOption {
	return func(o *callOptions) { o.debug = true }
}

// WithTransformers replaces the configured transformers for this call.
func WithTransformers(transformers ...transform.Transformer) CallOption {
	return func(o *callOptions) { o.transformers = transformers }
}

// WithPatterns adds response patterns after those collected from the
// transformers.
func WithPatterns(patterns ...*rewrite.Pattern) CallOption {
	return func(o *callOptions) { o.patterns = append(o.patterns, patterns...) }
}

// Response is a provider response with the rewrite applied.
type Response struct {
	*llm.Response
	Trace *Trace
}

// prepared is a request after the pipeline has run.
type prepared struct {
	request  llm.Request
	patterns []*rewrite.Pattern
	trace    *Trace
}

// Complete sends a non-streaming request.
func (c *Client) Complete(ctx context.Context, request llm.Request, opts ...CallOption) (*Response, error) {
	request.Stream = false
	p, err := c.prepare(ctx, request, opts)
	if err != nil {
		return nil, err
	}

	upstreamCtx, finish := c.middleware.TraceUpstreamCall(ctx, request.Model)
	resp, err := c.provider.Complete(upstreamCtx, p.request)
	finish(err)
	if err != nil {
		return nil, err
	}

	if len(p.patterns) > 0 && resp.Content() != "" {
		handler := c.newHandler(p.patterns)
		content := handler.TransformChunk(resp.Content()) + handler.Flush()
		if err := resp.SetContent(content); err != nil {
			return nil, fmt.Errorf("rewriting response: %w", err)
		}
		c.record(ctx, "complete", handler.Stats())
		if p.trace != nil {
			p.trace.Stats = handler.Stats()
		}
	}

	return &Response{Response: resp, Trace: p.trace}, nil
}

// Stream sends a streaming request. The caller must Close the returned
// stream.
func (c *Client) Stream(ctx context.Context, request llm.Request, opts ...CallOption) (*Stream, error) {
	request.Stream = true
	p, err := c.prepare(ctx, request, opts)
	if err != nil {
		return nil, err
	}

	upstreamCtx, finish := c.middleware.TraceUpstreamCall(ctx, request.Model)
	upstream, err := c.provider.Stream(upstreamCtx, p.request)
	finish(err)
	if err != nil {
		return nil, err
	}

	var handler *rewrite.StreamingHandler
	if len(p.patterns) > 0 {
		handler = c.newHandler(p.patterns)
	}
	return newStream(ctx, upstream, handler, p.trace, c), nil
}

func (c *Client) newHandler(patterns []*rewrite.Pattern) *rewrite.StreamingHandler {
	return rewrite.NewStreamingHandler(patterns,
		rewrite.WithMaxBufferSize(c.cfg.MaxBufferSize),
		rewrite.WithLogger(c.logger),
	)
}

func (c *Client) record(ctx context.Context, source string, stats rewrite.Stats) {
	c.middleware.RecordRewrite(ctx, source, stats)
	if c.monitor != nil {
		c.monitor.Record(source, stats)
	}
	if stats.Errors > 0 || stats.ForcedFlushes > 0 {
		c.logger.Warn("Response rewrite degraded",
			zap.String("request_id", observability.GetRequestID(ctx)),
			zap.Int("errors", stats.Errors),
			zap.Int("forced_flushes", stats.ForcedFlushes),
		)
	}
}

func (c *Client) prepare(ctx context.Context, request llm.Request, opts []CallOption) (*prepared, error) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	transformers := o.transformers
	if transformers == nil {
		transformers = c.cfg.Transformers
	}

	if len(transformers) == 0 {
		p := &prepared{request: request, patterns: o.patterns}
		if o.debug {
			p.trace = &Trace{
				ContextSize:     len(request.Messages),
				MaxTokens:       c.maxTokens(request),
				Transformers:    []string{},
				EstimatedTokens: tokens.Count(request.Messages),
			}
		}
		return p, nil
	}

	w, state, err := c.buildContext(ctx, request)
	if err != nil {
		return nil, err
	}

	hooks := c.cfg.Hooks
	if t := c.middleware.Telemetry(); t != nil {
		hooks = append(hooks[:len(hooks):len(hooks)], t.TransformerHook(ctx))
	}
	pipelineOpts := []transform.PipelineOption{transform.WithPipelineLogger(c.logger)}
	for _, h := range hooks {
		pipelineOpts = append(pipelineOpts, transform.WithHook(h))
	}
	pipeline := transform.NewPipeline(transformers, pipelineOpts...)

	var steps []transform.TraceStep
	if o.debug {
		state, steps, err = pipeline.ApplyTraced(ctx, w, state)
	} else {
		state, err = pipeline.Apply(ctx, w, state)
	}
	if err != nil {
		return nil, fmt.Errorf("applying transformers: %w", err)
	}

	patterns := append(transform.ResponsePatterns(transformers, state), o.patterns...)

	request.Messages = w.Render()
	request.Tools = state.Tools

	p := &prepared{request: request, patterns: patterns}
	if o.debug {
		p.trace = newTrace(w, state, transformers, steps)
	}
	return p, nil
}

func (c *Client) maxTokens(request llm.Request) int {
	if request.MaxTokens > 0 {
		return request.MaxTokens
	}
	if n, ok := c.cfg.ModelMaxTokens[request.Model]; ok && n > 0 {
		return n
	}
	c.logger.Warn("Could not determine max tokens for model, using fallback",
		zap.String("model", request.Model),
		zap.Int("fallback", c.cfg.DefaultMaxTokens),
	)
	return c.cfg.DefaultMaxTokens
}

// buildContext turns the request into a window and turn state. Turn indices
// are message positions and the current turn is the last message.
func (c *Client) buildContext(ctx context.Context, request llm.Request) (*conversation.Window, conversation.TurnState, error) {
	if len(request.Messages) == 0 {
		return nil, conversation.TurnState{}, textileerrors.New(textileerrors.KindInvalidRequest, "messages must not be empty")
	}

	messages := make([]*conversation.Message, len(request.Messages))
	for i, m := range request.Messages {
		msg, err := conversation.FromLLM(m)
		if err != nil {
			return nil, conversation.TurnState{}, textileerrors.Wrap(textileerrors.KindInvalidRequest, err, fmt.Sprintf("messages[%d]", i))
		}
		if err := msg.SetTurnIndex(i); err != nil {
			return nil, conversation.TurnState{}, err
		}
		messages[i] = msg
	}

	w, err := conversation.NewWindow(messages, c.maxTokens(request))
	if err != nil {
		return nil, conversation.TurnState{}, err
	}

	state := conversation.TurnState{
		UserMessage: request.Messages[len(request.Messages)-1].Content,
		TurnIndex:   len(messages) - 1,
		Tools:       request.Tools,
		Metadata:    map[string]any{},
	}

	if c.cfg.Embedder != nil {
		state = c.embed(ctx, w, state)
	}
	return w, state, nil
}

// embed attaches embeddings to every message with content and to the turn
// state. Failures leave the window without embeddings.
func (c *Client) embed(ctx context.Context, w *conversation.Window, state conversation.TurnState) conversation.TurnState {
	var texts []string
	var targets []*conversation.Message
	for _, m := range w.Messages {
		if m.Content != "" {
			texts = append(texts, m.Content)
			targets = append(targets, m)
		}
	}
	if len(texts) == 0 {
		return state
	}

	vectors, err := c.cfg.Embedder.EncodeBatch(ctx, texts)
	if err != nil {
		c.logger.Warn("Failed to embed messages, continuing without embeddings",
			zap.String("request_id", observability.GetRequestID(ctx)),
			zap.Error(err),
		)
		return state
	}

	for i, m := range targets {
		m.SetEmbedding(vectors[i])
	}
	if last := w.Messages[len(w.Messages)-1]; last.Embedding() != nil {
		state = state.WithUserEmbedding(last.Embedding())
	}
	return state
}
