package completion

import (
	"context"
	"io"
	"iter"

	"go.uber.org/zap"

	"github.com/ik-labs/textile/pkg/llm"
	"github.com/ik-labs/textile/pkg/rewrite"
)

// Stream yields rewritten chunks from a provider stream. It is not safe for
// concurrent use.
type Stream struct {
	ctx      context.Context
	upstream llm.ChunkStream
	handler  *rewrite.StreamingHandler
	trace    *Trace
	client   *Client

	last     llm.Chunk
	err      error
	done     bool
	flushed  bool
	closed   bool
	salvaged string
}

func newStream(ctx context.Context, upstream llm.ChunkStream, handler *rewrite.StreamingHandler, trace *Trace, client *Client) *Stream {
	return &Stream{
		ctx:      ctx,
		upstream: upstream,
		handler:  handler,
		trace:    trace,
		client:   client,
		flushed:  handler == nil,
	}
}

// Next returns the next chunk, or io.EOF once the stream and any buffered
// text have been delivered. When the provider fails mid-stream, the buffered
// text is returned first and the error on the following call.
func (s *Stream) Next() (llm.Chunk, error) {
	if s.err != nil {
		return llm.Chunk{}, s.err
	}

	for {
		if s.done || s.closed {
			return llm.Chunk{}, io.EOF
		}

		chunk, err := s.upstream.Next()
		if err == io.EOF {
			s.done = true
			if rest := s.flush(); rest != "" {
				return s.finalChunk(rest), nil
			}
			return llm.Chunk{}, io.EOF
		}
		if err != nil {
			s.done = true
			s.err = err
			if rest := s.flush(); rest != "" {
				return s.finalChunk(rest), nil
			}
			return llm.Chunk{}, err
		}
		s.last = chunk

		if s.flushed {
			return chunk, nil
		}

		content := chunk.Content()
		transformed := s.handler.TransformChunk(content)
		if chunk.FinishReason() != "" {
			transformed += s.flush()
		}

		if transformed == "" && !chunk.HasPayload() {
			continue
		}
		if transformed != content {
			if chunk, err = chunk.WithContent(transformed); err != nil {
				return llm.Chunk{}, err
			}
		}
		return chunk, nil
	}
}

// finalChunk synthesizes a chunk carrying text that was still buffered when
// the provider stream ended.
func (s *Stream) finalChunk(content string) llm.Chunk {
	return llm.Chunk{
		ID:      s.last.ID,
		Object:  "chat.completion.chunk",
		Created: s.last.Created,
		Model:   s.last.Model,
		Choices: []llm.ChunkChoice{{Delta: llm.Delta{Content: content}}},
	}
}

func (s *Stream) flush() string {
	if s.flushed {
		return ""
	}
	s.flushed = true

	rest := s.handler.Flush()
	stats := s.handler.Stats()
	s.client.record(s.ctx, "stream", stats)
	if s.trace != nil {
		s.trace.Stats = stats
	}
	return rest
}

// Close flushes the rewrite buffer if that has not happened yet and closes
// the provider stream. Text flushed here is available from Salvaged.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if rest := s.flush(); rest != "" {
		s.salvaged = rest
		s.client.logger.Debug("Salvaged buffered text on close",
			zap.Int("chars", len([]rune(rest))),
		)
	}
	return s.upstream.Close()
}

// Salvaged returns the text that was still buffered when the stream was
// closed before reaching its end.
func (s *Stream) Salvaged() string {
	return s.salvaged
}

// Trace returns the debug trace, or nil when debug was not requested. Stats
// are filled in once the rewrite buffer has been flushed.
func (s *Stream) Trace() *Trace {
	return s.trace
}

// All iterates over the remaining chunks and closes the stream when the
// iteration ends for any reason.
func (s *Stream) All() iter.Seq2[llm.Chunk, error] {
	return func(yield func(llm.Chunk, error) bool) {
		defer s.Close()
		for {
			chunk, err := s.Next()
			if err == io.EOF {
				return
			}
			if !yield(chunk, err) || err != nil {
				return
			}
		}
	}
}
