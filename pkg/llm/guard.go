package llm

import (
	"context"
	stderrors "errors"

	"go.uber.org/zap"

	"github.com/ik-labs/textile/pkg/errors"
)

// Guarded fails fast while the upstream is known to be down. Calls are made
// once; an open circuit rejects them without contacting the provider.
type Guarded struct {
	provider Provider
	breaker  *errors.CircuitBreaker
	logger   *zap.Logger
}

// NewGuarded wraps provider. A nil breaker passes every call through.
func NewGuarded(provider Provider, breaker *errors.CircuitBreaker, logger *zap.Logger) *Guarded {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guarded{provider: provider, breaker: breaker, logger: logger}
}

func (g *Guarded) call(ctx context.Context, op string, fn errors.RetryableFunc) error {
	if g.breaker == nil {
		return fn(ctx)
	}

	before := g.breaker.GetState()
	err := g.breaker.Execute(ctx, fn)

	var open *errors.CircuitOpenError
	switch after := g.breaker.GetState(); {
	case stderrors.As(err, &open):
		g.logger.Debug("Upstream call rejected by open circuit", zap.String("operation", op))
	case after != before && after == errors.CircuitOpen:
		g.logger.Warn("Upstream circuit opened",
			zap.String("operation", op),
			zap.Int("failures", g.breaker.GetFailures()),
			zap.Error(err),
		)
	case after != before && after == errors.CircuitClosed:
		g.logger.Info("Upstream circuit closed", zap.String("operation", op))
	}
	return err
}

// Complete implements Provider.
func (g *Guarded) Complete(ctx context.Context, request Request) (*Response, error) {
	var response *Response
	err := g.call(ctx, "complete", func(ctx context.Context) error {
		var err error
		response, err = g.provider.Complete(ctx, request)
		return err
	})
	if err != nil {
		return nil, err
	}
	return response, nil
}

// Stream implements Provider. Only opening the stream counts toward the
// breaker; failures after chunks flow are the caller's to handle.
func (g *Guarded) Stream(ctx context.Context, request Request) (ChunkStream, error) {
	var stream ChunkStream
	err := g.call(ctx, "stream", func(ctx context.Context) error {
		var err error
		stream, err = g.provider.Stream(ctx, request)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// BreakerState reports the circuit state, or closed when there is no
// breaker.
func (g *Guarded) BreakerState() errors.CircuitState {
	if g.breaker == nil {
		return errors.CircuitClosed
	}
	return g.breaker.GetState()
}
