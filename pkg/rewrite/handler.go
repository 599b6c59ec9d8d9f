// Package rewrite applies ordered match-and-replace rules to streamed LLM
// output. Text is buffered just long enough that no match is ever split
// across two emitted pieces, memory stays bounded, and any failure falls back
// to emitting the text unchanged.
package rewrite

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	// DefaultMaxBufferSize is the default bound on buffered characters.
	DefaultMaxBufferSize = 10240

	minBufferSize = 50
	safetyMargin  = 50
)

// Stats counts what a handler has done so far.
type Stats struct {
	ChunksProcessed int            `json:"chunks_processed"`
	PatternsApplied int            `json:"patterns_applied"`
	Errors          int            `json:"errors"`
	ForcedFlushes   int            `json:"forced_flushes"`
	PatternsHit     map[string]int `json:"patterns_hit,omitempty"`
}

func (s Stats) clone() Stats {
	if s.PatternsHit != nil {
		hits := make(map[string]int, len(s.PatternsHit))
		for k, v := range s.PatternsHit {
			hits[k] = v
		}
		s.PatternsHit = hits
	}
	return s
}

// StreamingHandler rewrites one response. It is not safe for concurrent use.
type StreamingHandler struct {
	patterns      []*Pattern
	maxBufferSize int
	threshold     int
	buffer        []rune
	partial       []byte
	stats         Stats
	logger        *zap.Logger
}

// HandlerOption configures a StreamingHandler.
type HandlerOption func(*StreamingHandler)

// WithMaxBufferSize bounds the number of buffered characters. Non-positive
// values select DefaultMaxBufferSize.
func WithMaxBufferSize(n int) HandlerOption {
	return func(h *StreamingHandler) {
		if n > 0 {
			h.maxBufferSize = n
		}
	}
}

// WithLogger sets the handler's logger.
func WithLogger(logger *zap.Logger) HandlerOption {
	return func(h *StreamingHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewStreamingHandler creates a handler applying patterns in order. Nil
// patterns are ignored.
func NewStreamingHandler(patterns []*Pattern, opts ...HandlerOption) *StreamingHandler {
	h := &StreamingHandler{
		patterns:      make([]*Pattern, 0, len(patterns)),
		maxBufferSize: DefaultMaxBufferSize,
		logger:        zap.NewNop(),
	}
	for _, p := range patterns {
		if p != nil {
			h.patterns = append(h.patterns, p)
		}
	}
	for _, opt := range opts {
		opt(h)
	}

	h.threshold = calculateThreshold(h.patterns, h.maxBufferSize)
	return h
}

// calculateThreshold returns how many trailing characters are held back:
// the longest expression source plus a margin, at least minBufferSize and at
// most half the buffer bound.
func calculateThreshold(patterns []*Pattern, maxBufferSize int) int {
	threshold := minBufferSize
	if len(patterns) > 0 {
		longest := 0
		for _, p := range patterns {
			longest = max(longest, utf8.RuneCountInString(p.Source()))
		}
		threshold = max(longest+safetyMargin, minBufferSize)
	}
	return min(threshold, maxBufferSize/2)
}

// TransformChunk buffers chunk and returns whatever prefix of the buffer can
// be committed without splitting a match, with all patterns applied. It
// returns "" while text is being held back.
func (h *StreamingHandler) TransformChunk(chunk string) (out string) {
	if chunk == "" {
		return ""
	}

	h.stats.ChunksProcessed++
	h.buffer = append(h.buffer, []rune(h.completeRunes(chunk))...)

	boundary := h.findSafeBoundary()
	if boundary <= 0 {
		return ""
	}

	committed := string(h.buffer[:boundary])
	h.buffer = append(make([]rune, 0, len(h.buffer)-boundary+minBufferSize), h.buffer[boundary:]...)

	defer func() {
		if r := recover(); r != nil {
			h.stats.Errors++
			h.logger.Error("Error transforming chunk", zap.Any("panic", r))
			out = committed
		}
	}()

	return h.ApplyPatterns(committed)
}

// completeRunes prepends bytes held from the previous chunk and holds back
// a trailing incomplete UTF-8 sequence, so a character split across chunks
// is decoded once it is whole.
func (h *StreamingHandler) completeRunes(chunk string) string {
	if len(h.partial) > 0 {
		chunk = string(h.partial) + chunk
		h.partial = nil
	}

	// a rune is at most utf8.UTFMax bytes, so only the tail can be incomplete
	for i := len(chunk) - 1; i >= 0 && i >= len(chunk)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(chunk[i]) {
			continue
		}
		if !utf8.FullRuneInString(chunk[i:]) {
			h.partial = []byte(chunk[i:])
			return chunk[:i]
		}
		break
	}
	return chunk
}

// Flush applies all patterns to whatever is still buffered, clears the
// buffer and returns the result. It must be called when the stream ends.
// Bytes of an incomplete trailing character are emitted unchanged.
func (h *StreamingHandler) Flush() (out string) {
	tail := string(h.partial)
	h.partial = nil
	if len(h.buffer) == 0 {
		return tail
	}

	remaining := string(h.buffer)
	h.buffer = nil
	defer func() { out += tail }()

	defer func() {
		if r := recover(); r != nil {
			h.stats.Errors++
			h.logger.Error("Error flushing buffer", zap.Any("panic", r))
			out = remaining
		}
	}()

	return h.ApplyPatterns(remaining)
}

// findSafeBoundary returns the number of leading buffered characters that
// can be committed.
func (h *StreamingHandler) findSafeBoundary() int {
	bufferLen := len(h.buffer)

	if bufferLen < h.threshold && bufferLen < h.maxBufferSize {
		return 0
	}

	boundary := bufferLen - h.threshold

	if bufferLen > h.maxBufferSize {
		h.stats.ForcedFlushes++
		h.logger.Warn("Buffer exceeded max size, forcing flush",
			zap.Int("max_buffer_size", h.maxBufferSize),
			zap.Int("buffered", bufferLen),
		)
		return max(0, boundary)
	}

	// Pulling the boundary back for one pattern can make it land inside a
	// match of an earlier one, so repeat until nothing moves.
	for {
		previous := boundary
		for _, p := range h.patterns {
			adjusted, err := h.adjustForFullMatches(boundary, p)
			if err == nil {
				adjusted, err = h.adjustForPartialPattern(adjusted, p)
			}
			if err != nil {
				h.stats.Errors++
				h.logger.Error("Error scanning buffer for pattern",
					zap.String("pattern", p.Name()),
					zap.Error(err),
				)
				continue
			}
			boundary = adjusted
		}
		if boundary >= previous {
			break
		}
	}

	return max(0, boundary)
}

// adjustForFullMatches moves boundary to the start of any match of p that
// spans it.
func (h *StreamingHandler) adjustForFullMatches(boundary int, p *Pattern) (int, error) {
	m, err := p.re.FindRunesMatch(h.buffer)
	for m != nil {
		if m.Index >= boundary {
			break
		}
		if boundary < m.Index+m.Length {
			return m.Index, nil
		}
		m, err = p.re.FindNextMatch(m)
	}
	return boundary, err
}

// adjustForPartialPattern looks for a match of p beginning within
// threshold characters before boundary that extends past it, trying every
// start offset in the window left to right, and moves boundary to its start.
func (h *StreamingHandler) adjustForPartialPattern(boundary int, p *Pattern) (int, error) {
	if boundary <= 0 || boundary >= len(h.buffer) {
		return boundary, nil
	}

	searchStart := max(0, boundary-h.threshold)
	searchEnd := min(len(h.buffer), boundary+h.threshold)
	region := h.buffer[searchStart:searchEnd]

	// The engine is leftmost-first: the first match found from offset i is
	// exactly the anchored match at the earliest offset >= i that has one.
	for i := 0; i < len(region); {
		m, err := p.re.FindRunesMatchStartingAt(region, i)
		if err != nil {
			return boundary, err
		}
		if m == nil {
			break
		}

		start := searchStart + m.Index
		end := start + m.Length
		if start < boundary && boundary < end {
			return start, nil
		}
		i = m.Index + 1
	}

	return boundary, nil
}

// ApplyPatterns applies every pattern to text in order, each pattern fully
// rewriting the output of the previous one. Failures are counted and logged;
// a failed replacement keeps the matched text and a failed pattern keeps the
// text it was given.
func (h *StreamingHandler) ApplyPatterns(text string) string {
	if len(h.patterns) == 0 {
		return text
	}

	result := text
	for _, p := range h.patterns {
		rewritten, err := h.applySinglePattern(result, p)
		if err != nil {
			h.stats.Errors++
			h.logger.Error("Error applying pattern",
				zap.String("pattern", p.Name()),
				zap.Error(err),
			)
			continue
		}
		result = rewritten
	}

	return result
}

func (h *StreamingHandler) applySinglePattern(text string, p *Pattern) (string, error) {
	if p.maxReplacements == 0 {
		return text, nil
	}

	input := []rune(text)
	m, err := p.re.FindRunesMatch(input)
	if err != nil {
		return "", err
	}
	if m == nil {
		return text, nil
	}

	var b strings.Builder
	b.Grow(len(text))

	last := 0
	replacementsMade := 0
	for m != nil {
		b.WriteString(string(input[last:m.Index]))

		match := newMatch(m)
		replaced, rerr := p.Resolve(match)
		if rerr != nil {
			h.stats.Errors++
			h.logger.Error("Error in replacement function",
				zap.String("pattern", p.Name()),
				zap.Error(rerr),
			)
			b.WriteString(match.Text)
		} else {
			b.WriteString(replaced)
			replacementsMade++
		}
		last = m.Index + m.Length

		if p.maxReplacements > 0 && replacementsMade >= p.maxReplacements {
			break
		}
		if m, err = p.re.FindNextMatch(m); err != nil {
			return "", fmt.Errorf("match %d: %w", replacementsMade, err)
		}
	}
	b.WriteString(string(input[last:]))

	if replacementsMade > 0 {
		h.stats.PatternsApplied += replacementsMade
		if h.stats.PatternsHit == nil {
			h.stats.PatternsHit = make(map[string]int)
		}
		h.stats.PatternsHit[p.Name()] += replacementsMade
	}

	return b.String(), nil
}

// Stats returns a snapshot of the handler's counters.
func (h *StreamingHandler) Stats() Stats {
	return h.stats.clone()
}

// Buffered returns the number of characters currently held back, not
// counting bytes of an incomplete character.
func (h *StreamingHandler) Buffered() int {
	return len(h.buffer)
}

// Threshold returns the number of trailing characters held back between chunks.
func (h *StreamingHandler) Threshold() int {
	return h.threshold
}

// MaxBufferSize returns the buffer bound.
func (h *StreamingHandler) MaxBufferSize() int {
	return h.maxBufferSize
}

// Patterns returns the handler's patterns in application order.
func (h *StreamingHandler) Patterns() []*Pattern {
	patterns := make([]*Pattern, len(h.patterns))
	copy(patterns, h.patterns)
	return patterns
}
