package errors

import (
	"context"
	stderrors "errors"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// RetryConfig defines configuration for retry behavior
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay  time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier    float64       `yaml:"multiplier" json:"multiplier"`
	JitterPercent float64       `yaml:"jitter_percent" json:"jitter_percent"`
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		Multiplier:    2.0,
		JitterPercent: 0.1,
	}
}

// RetryableFunc is a function that can be retried
type RetryableFunc func(ctx context.Context) error

// RetryResult contains the result of a retry operation
type RetryResult struct {
	Attempts  int
	LastError error
	Duration  time.Duration
}

// IsRetryableError reports whether a failed upstream call may succeed when
// repeated: transport failures, 429 and 5xx responses. Caller mistakes,
// cancellations and an open circuit are never retried.
func IsRetryableError(err error) bool {
	if err == nil || stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var open *CircuitOpenError
	if stderrors.As(err, &open) {
		return false
	}
	var e *Error
	if !stderrors.As(err, &e) || e.Kind != KindUpstream {
		return false
	}
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Retry executes a function with exponential backoff retry logic
func Retry(ctx context.Context, config *RetryConfig, fn RetryableFunc) *RetryResult {
	if config == nil {
		config = DefaultRetryConfig()
	}
	maxAttempts := max(1, config.MaxAttempts)

	startTime := time.Now()
	var lastError error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return &RetryResult{Attempts: attempt - 1, LastError: err, Duration: time.Since(startTime)}
		}

		err := fn(ctx)
		if err == nil {
			return &RetryResult{Attempts: attempt, Duration: time.Since(startTime)}
		}
		lastError = err

		if !IsRetryableError(err) || attempt == maxAttempts {
			return &RetryResult{Attempts: attempt, LastError: err, Duration: time.Since(startTime)}
		}

		timer := time.NewTimer(config.calculateDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return &RetryResult{Attempts: attempt, LastError: ctx.Err(), Duration: time.Since(startTime)}
		case <-timer.C:
		}
	}

	return &RetryResult{Attempts: maxAttempts, LastError: lastError, Duration: time.Since(startTime)}
}

// calculateDelay calculates the delay for the given attempt with exponential backoff and jitter
func (c *RetryConfig) calculateDelay(attempt int) time.Duration {
	multiplier := c.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(c.InitialDelay) * math.Pow(multiplier, float64(attempt-1))

	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}

	if c.JitterPercent > 0 {
		delay += delay * c.JitterPercent * (rand.Float64()*2 - 1)
	}

	if delay < 0 {
		delay = float64(c.InitialDelay)
	}

	return time.Duration(delay)
}

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// String returns the string representation of the circuit state
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig defines circuit breaker configuration
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures" json:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
}

// DefaultCircuitBreakerConfig returns a default circuit breaker configuration
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxFailures:  5,
		ResetTimeout: 30 * time.Second,
	}
}

// CircuitBreaker stops calling a failing upstream for ResetTimeout after
// MaxFailures consecutive retryable failures. It is safe for concurrent use.
type CircuitBreaker struct {
	mu        sync.Mutex
	config    *CircuitBreakerConfig
	state     CircuitState
	failures  int
	nextRetry time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	return &CircuitBreaker{config: config}
}

// Execute executes a function through the circuit breaker
func (cb *CircuitBreaker) Execute(ctx context.Context, fn RetryableFunc) error {
	cb.mu.Lock()
	if cb.state == CircuitOpen {
		if wait := time.Until(cb.nextRetry); wait > 0 {
			cb.mu.Unlock()
			return NewCircuitOpenError(wait)
		}
		cb.state = CircuitHalfOpen
	}
	cb.mu.Unlock()

	err := fn(ctx)
	cb.recordResult(err)
	return err
}

// recordResult updates the circuit breaker state based on the execution result
func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.failures = 0
		cb.state = CircuitClosed
		return
	}

	// Only upstream failures count; a rejected request says nothing about
	// upstream health.
	if !IsRetryableError(err) {
		return
	}

	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.config.MaxFailures {
		cb.state = CircuitOpen
		cb.nextRetry = time.Now().Add(cb.config.ResetTimeout)
	}
}

// GetState returns the current circuit breaker state
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetFailures returns the current failure count
func (cb *CircuitBreaker) GetFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failures = 0
	cb.nextRetry = time.Time{}
}

// CircuitOpenError is returned while the breaker rejects calls. It unwraps
// to an upstream error with status 503.
type CircuitOpenError struct {
	err        *Error
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return e.err.Error()
}

// Unwrap exposes the classified error so KindOf and HTTPStatus see it.
func (e *CircuitOpenError) Unwrap() error {
	return e.err
}

// NewCircuitOpenError creates the error returned by an open breaker.
func NewCircuitOpenError(retryAfter time.Duration) *CircuitOpenError {
	return &CircuitOpenError{
		err:        &Error{Kind: KindUpstream, Message: "upstream circuit open", Status: http.StatusServiceUnavailable},
		RetryAfter: retryAfter,
	}
}
