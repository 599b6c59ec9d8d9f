// Package transform provides context transformers that edit the message
// window before it is sent to the model, and the pipeline that runs them.
package transform

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ik-labs/textile/pkg/conversation"
	"github.com/ik-labs/textile/pkg/rewrite"
)

// Transformer edits the window in place and returns the (possibly new) turn
// state. Transformers are shared between requests and must be safe for
// concurrent use.
type Transformer interface {
	Name() string
	Transform(ctx context.Context, w *conversation.Window, state conversation.TurnState) (conversation.TurnState, error)
}

// Gate is implemented by transformers that only run under some conditions.
type Gate interface {
	ShouldApply(w *conversation.Window, state conversation.TurnState) bool
}

// Responder is implemented by transformers that rewrite the model's answer.
type Responder interface {
	OnResponse(state conversation.TurnState) []*rewrite.Pattern
}

// ShouldApply reports whether t runs for this window and state.
func ShouldApply(t Transformer, w *conversation.Window, state conversation.TurnState) bool {
	if g, ok := t.(Gate); ok {
		return g.ShouldApply(w, state)
	}
	return true
}

// ResponsePatterns collects the patterns of every Responder, iterating the
// transformers from last to first.
func ResponsePatterns(transformers []Transformer, state conversation.TurnState) []*rewrite.Pattern {
	var patterns []*rewrite.Pattern
	for i := len(transformers) - 1; i >= 0; i-- {
		if r, ok := transformers[i].(Responder); ok {
			patterns = append(patterns, r.OnResponse(state)...)
		}
	}
	return patterns
}

// TraceMessage is a message as recorded in a trace.
type TraceMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TraceStep is a snapshot of the window after one pipeline step. Step 0 is
// the initial window.
type TraceStep struct {
	Step           int            `json:"step"`
	Transformer    string         `json:"transformer,omitempty"`
	MessagesBefore int            `json:"messages_before"`
	MessagesAfter  int            `json:"messages_after"`
	Removed        int            `json:"messages_removed"`
	Messages       []TraceMessage `json:"messages"`
}

// Hook receives one Metrics record per transformer the pipeline visits.
type Hook interface {
	Record(m Metrics)
}

// Pipeline runs transformers in order, threading the turn state through.
type Pipeline struct {
	mu           sync.RWMutex
	transformers []Transformer
	hooks        []Hook
	logger       *zap.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithHook adds a hook that observes every step.
func WithHook(h Hook) PipelineOption {
	return func(p *Pipeline) {
		p.hooks = append(p.hooks, h)
	}
}

// WithPipelineLogger sets the pipeline logger.
func WithPipelineLogger(logger *zap.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPipeline creates a pipeline over transformers.
func NewPipeline(transformers []Transformer, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		transformers: append([]Transformer(nil), transformers...),
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Transformers returns a snapshot of the pipeline's transformers.
func (p *Pipeline) Transformers() []Transformer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Transformer(nil), p.transformers...)
}

// Add appends a transformer.
func (p *Pipeline) Add(t Transformer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transformers = append(p.transformers, t)
}

// Remove deletes the first transformer named name.
func (p *Pipeline) Remove(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, t := range p.transformers {
		if t.Name() == name {
			p.transformers = append(p.transformers[:i:i], p.transformers[i+1:]...)
			return true
		}
	}
	return false
}

// Apply runs every transformer whose gate allows it.
func (p *Pipeline) Apply(ctx context.Context, w *conversation.Window, state conversation.TurnState) (conversation.TurnState, error) {
	return p.apply(ctx, w, state, nil)
}

// ApplyTraced is Apply that also returns a snapshot of the window after each
// executed step.
func (p *Pipeline) ApplyTraced(ctx context.Context, w *conversation.Window, state conversation.TurnState) (conversation.TurnState, []TraceStep, error) {
	trace := []TraceStep{{
		Step:           0,
		MessagesBefore: w.Len(),
		MessagesAfter:  w.Len(),
		Messages:       snapshot(w),
	}}
	state, err := p.apply(ctx, w, state, &trace)
	return state, trace, err
}

func (p *Pipeline) apply(ctx context.Context, w *conversation.Window, state conversation.TurnState, trace *[]TraceStep) (conversation.TurnState, error) {
	for i, t := range p.Transformers() {
		if err := ctx.Err(); err != nil {
			return state, err
		}

		before := w.Len()
		if !ShouldApply(t, w, state) {
			p.record(Metrics{Name: t.Name(), Before: before, After: before, Skipped: true})
			continue
		}

		start := time.Now()
		next, err := t.Transform(ctx, w, state)
		duration := time.Since(start)
		if err != nil {
			return state, fmt.Errorf("transformer %s: %w", t.Name(), err)
		}
		state = next

		after := w.Len()
		p.record(Metrics{
			Name:     t.Name(),
			Duration: duration,
			Before:   before,
			After:    after,
			Removed:  before - after,
		})
		p.logger.Debug("Transformer applied",
			zap.String("transformer", t.Name()),
			zap.Int("messages_before", before),
			zap.Int("messages_after", after),
			zap.Duration("duration", duration),
		)

		if trace != nil {
			*trace = append(*trace, TraceStep{
				Step:           i + 1,
				Transformer:    t.Name(),
				MessagesBefore: before,
				MessagesAfter:  after,
				Removed:        before - after,
				Messages:       snapshot(w),
			})
		}
	}
	return state, nil
}

func (p *Pipeline) record(m Metrics) {
	for _, h := range p.hooks {
		h.Record(m)
	}
}

func snapshot(w *conversation.Window) []TraceMessage {
	out := make([]TraceMessage, len(w.Messages))
	for i, m := range w.Messages {
		out[i] = TraceMessage{Role: m.Role, Content: m.Content}
	}
	return out
}
