// Package errors provides the error taxonomy shared by textile components and
// its mapping onto OpenAI-compatible HTTP error responses.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error by the caller mistake or failure it represents.
type Kind string

const (
	// KindType is returned when an argument has an unsupported type.
	KindType Kind = "type_error"
	// KindValue is returned when an argument has the right type but an invalid value.
	KindValue Kind = "value_error"
	// KindConfig is returned for invalid configuration.
	KindConfig Kind = "config_error"
	// KindUpstream is returned when the LLM or embedding provider fails.
	KindUpstream Kind = "upstream_error"
	// KindRateLimit is returned when a client exceeds its request budget.
	KindRateLimit Kind = "rate_limit_error"
	// KindInvalidRequest is returned for malformed API requests.
	KindInvalidRequest Kind = "invalid_request_error"
	// KindInternal covers everything else.
	KindInternal Kind = "internal_error"
)

// Error is a classified error. Status is the upstream or HTTP status when known.
type Error struct {
	Kind    Kind
	Message string
	Status  int
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind. This lets callers
// write errors.Is(err, errors.New(errors.KindType, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Upstream creates a KindUpstream error carrying the provider's HTTP status.
func Upstream(status int, message string) *Error {
	return &Error{Kind: KindUpstream, Message: message, Status: status}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Kind to HTTP status mapping table
var kindToHTTPMapping = map[Kind]int{
	KindType:           http.StatusBadRequest,
	KindValue:          http.StatusBadRequest,
	KindInvalidRequest: http.StatusBadRequest,
	KindConfig:         http.StatusInternalServerError,
	KindUpstream:       http.StatusBadGateway,
	KindRateLimit:      http.StatusTooManyRequests,
	KindInternal:       http.StatusInternalServerError,
}

// HTTPStatus returns the status code a gateway should answer with for err.
// Upstream client errors (4xx) are passed through unchanged.
func HTTPStatus(err error) int {
	var e *Error
	if !stderrors.As(err, &e) {
		return http.StatusInternalServerError
	}
	if e.Kind == KindUpstream && e.Status >= 400 && e.Status < 500 {
		return e.Status
	}
	if status, ok := kindToHTTPMapping[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// APIError is the OpenAI-compatible error payload.
type APIError struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      any    `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorResponse wraps APIError the way OpenAI-compatible clients expect.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// HTTPError represents an error ready to be written to an HTTP client
type HTTPError struct {
	HTTPStatus int
	APIError   *APIError
	RetryAfter time.Duration
}

// Error implements the error interface
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.HTTPStatus, e.APIError.Message)
}

// NewHTTPError creates a new HTTP error for the given status
func NewHTTPError(httpStatus int, kind Kind, message string) *HTTPError {
	return &HTTPError{
		HTTPStatus: httpStatus,
		APIError: &APIError{
			Message: message,
			Type:    string(kind),
			Code:    httpStatus,
		},
	}
}

// FromError converts any error into an HTTPError. Internal details are hidden.
func FromError(err error, requestID string) *HTTPError {
	status := HTTPStatus(err)
	kind := KindOf(err)

	message := "Internal server error"
	if kind != KindInternal && kind != KindConfig {
		message = err.Error()
	}

	var open *CircuitOpenError
	if stderrors.As(err, &open) {
		status = http.StatusServiceUnavailable
	}

	httpErr := NewHTTPError(status, kind, message)
	httpErr.APIError.RequestID = requestID
	if open != nil {
		httpErr.RetryAfter = open.RetryAfter
	}
	return httpErr
}

// NewInvalidRequestError creates a 400 error for malformed requests
func NewInvalidRequestError(message, requestID string) *HTTPError {
	e := NewHTTPError(http.StatusBadRequest, KindInvalidRequest, message)
	e.APIError.RequestID = requestID
	return e
}

// NewRateLimitError creates a 429 rate limit error
func NewRateLimitError(retryAfter time.Duration, requestID string) *HTTPError {
	e := NewHTTPError(http.StatusTooManyRequests, KindRateLimit, "Rate limit exceeded")
	e.APIError.RequestID = requestID
	e.RetryAfter = retryAfter
	return e
}

// WriteHTTPResponse writes the error as an HTTP response
func (e *HTTPError) WriteHTTPResponse(w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "application/json")
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(e.RetryAfter.Seconds()+0.5)))
	}
	w.WriteHeader(e.HTTPStatus)

	return json.NewEncoder(w).Encode(&ErrorResponse{Error: e.APIError})
}
