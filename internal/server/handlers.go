package server

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/ik-labs/textile/pkg/completion"
	textileerrors "github.com/ik-labs/textile/pkg/errors"
	"github.com/ik-labs/textile/pkg/llm"
	"github.com/ik-labs/textile/pkg/observability"
)

// DebugHeader asks the gateway to attach the pipeline trace to the response.
const DebugHeader = "X-Textile-Debug"

var doneEvent = []byte("[DONE]")

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	requestID := observability.GetRequestID(ctx)
	s.metrics.RecordRequest()

	request, err := s.decodeRequest(r)
	if err != nil {
		s.metrics.RecordFailure(time.Since(start))
		s.writeError(w, err, requestID)
		return
	}

	ctx = observability.WithModel(ctx, request.Model)
	ctx, reqCtx := s.middleware.StartRequest(ctx, requestID, request.Model, request.Stream)

	var opts []completion.CallOption
	if debug, _ := strconv.ParseBool(r.Header.Get(DebugHeader)); debug {
		opts = append(opts, completion.WithDebug())
	}

	client := s.client.Load()
	if request.Stream {
		err = s.serveStream(w, r.WithContext(ctx), client, request, opts)
	} else {
		err = s.serveComplete(w, r.WithContext(ctx), client, request, opts)
	}

	duration := time.Since(start)
	status := "success"
	if err != nil {
		status = string(textileerrors.KindOf(err))
		s.metrics.RecordFailure(duration)
	} else {
		s.metrics.RecordSuccess(duration)
		s.latency.AddSample(duration)
	}
	s.middleware.FinishRequest(ctx, reqCtx, status, err)
}

func (s *Server) decodeRequest(r *http.Request) (llm.Request, error) {
	var request llm.Request

	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, s.config.MaxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return request, textileerrors.Newf(textileerrors.KindInvalidRequest, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return request, textileerrors.Wrap(textileerrors.KindInvalidRequest, err, "reading request body")
	}

	if err := json.Unmarshal(body, &request); err != nil {
		return request, textileerrors.Wrap(textileerrors.KindInvalidRequest, err, "invalid JSON body")
	}
	if request.Model == "" {
		return request, textileerrors.New(textileerrors.KindInvalidRequest, "model is required")
	}
	if len(request.Messages) == 0 {
		return request, textileerrors.New(textileerrors.KindInvalidRequest, "messages must not be empty")
	}
	return request, nil
}

func (s *Server) serveComplete(w http.ResponseWriter, r *http.Request, client *completion.Client, request llm.Request, opts []completion.CallOption) error {
	requestID := observability.GetRequestID(r.Context())

	response, err := client.Complete(r.Context(), request, opts...)
	if err != nil {
		s.writeError(w, err, requestID)
		return err
	}

	body, err := response.Encode()
	if err != nil {
		err = textileerrors.Wrap(textileerrors.KindInternal, err, "encoding response")
		s.writeError(w, err, requestID)
		return err
	}
	if response.Trace != nil {
		if patched, err := sjson.SetBytes(body, "textile_trace", response.Trace); err == nil {
			body = patched
		} else {
			s.logger.Warn("Failed to attach trace", zap.String("request_id", requestID), zap.Error(err))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		s.logger.Debug("Client went away before response was written",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
	}
	return nil
}

// serveStream relays rewritten chunks as server-sent events. Errors before
// the first byte become a JSON error response; later errors are sent as an
// error event, after any text the rewrite buffer still held, and end the
// stream without [DONE].
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, client *completion.Client, request llm.Request, opts []completion.CallOption) error {
	ctx := r.Context()
	requestID := observability.GetRequestID(ctx)

	flusher, ok := w.(http.Flusher)
	if !ok {
		err := textileerrors.New(textileerrors.KindInternal, "streaming unsupported by response writer")
		s.writeError(w, err, requestID)
		return err
	}

	stream, err := client.Stream(ctx, request, opts...)
	if err != nil {
		s.writeError(w, err, requestID)
		return err
	}
	defer stream.Close()

	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.logger.Warn("Stream failed after headers were sent",
				zap.String("request_id", requestID),
				zap.Error(err),
			)
			s.writeStreamError(w, err, requestID)
			flusher.Flush()
			return err
		}

		data, err := chunk.Encode()
		if err != nil {
			return textileerrors.Wrap(textileerrors.KindInternal, err, "encoding chunk")
		}
		if err := llm.WriteSSE(w, data); err != nil {
			// Client disconnected; Close salvages the buffer for the stats.
			return textileerrors.Wrap(textileerrors.KindInternal, err, "writing chunk")
		}
		flusher.Flush()
	}

	if trace := stream.Trace(); trace != nil {
		if data, err := json.Marshal(map[string]any{"textile_trace": trace}); err == nil {
			_ = llm.WriteSSE(w, data)
		}
	}
	if err := llm.WriteSSE(w, doneEvent); err != nil {
		return textileerrors.Wrap(textileerrors.KindInternal, err, "writing done event")
	}
	flusher.Flush()
	return nil
}

func (s *Server) writeStreamError(w http.ResponseWriter, err error, requestID string) {
	httpErr := textileerrors.FromError(err, requestID)
	data, marshalErr := json.Marshal(&textileerrors.ErrorResponse{Error: httpErr.APIError})
	if marshalErr != nil {
		return
	}
	_ = llm.WriteSSE(w, data)
}

func (s *Server) writeError(w http.ResponseWriter, err error, requestID string) {
	httpErr := textileerrors.FromError(err, requestID)
	if httpErr.HTTPStatus >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("request_id", requestID),
			zap.Int("status", httpErr.HTTPStatus),
			zap.Error(err),
		)
	}
	if writeErr := httpErr.WriteHTTPResponse(w); writeErr != nil {
		s.logger.Debug("Failed to write error response",
			zap.String("request_id", requestID),
			zap.Error(writeErr),
		)
	}
}

// StatsResponse is served on /v1/textile/stats.
type StatsResponse struct {
	Timestamp    time.Time                    `json:"timestamp"`
	Server       map[string]any               `json:"server"`
	Latency      observability.LatencySummary `json:"latency"`
	Rewrite      any                          `json:"rewrite,omitempty"`
	Transformers any                          `json:"transformers,omitempty"`
	RateLimit    map[string]any               `json:"rate_limit,omitempty"`
	Reload       any                          `json:"reload,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	response := StatsResponse{
		Timestamp: time.Now(),
		Server:    s.metrics.GetStats(),
		Latency:   s.latency.Summary(),
	}
	if s.monitor != nil {
		response.Rewrite = s.monitor.Report()
	}
	if s.hook != nil {
		response.Transformers = s.hook.Summary()
	}
	if s.limiter != nil {
		response.RateLimit = s.limiter.Stats()
	}
	if s.reload != nil {
		response.Reload = s.reload.GetStats()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Failed to encode stats", zap.Error(err))
	}
}
