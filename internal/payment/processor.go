package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Processor is the remote card processor. Every mutating call carries an
// idempotency key; replaying a key must not create a second external effect.
type Processor interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (string, error)
	Capture(ctx context.Context, paymentIntentID string, metadata map[string]string, idempotencyKey string) (string, error)
	Cancel(ctx context.Context, paymentIntentID string) error
}

type AuthorizeRequest struct {
	Amount         int64
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
	// OnBehalfOf routes the funds to a connected account when set.
	OnBehalfOf string
}

type ErrorKind string

const (
	KindConnection     ErrorKind = "connection"
	KindRateLimit      ErrorKind = "rate_limit"
	KindAPI            ErrorKind = "api"
	KindCard           ErrorKind = "card"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindIdempotency    ErrorKind = "idempotency"
	KindUnknown        ErrorKind = "unknown"
)

// ProcessorError is a failure reported by (or while reaching) the processor.
type ProcessorError struct {
	Kind       ErrorKind
	StatusCode int
	Code       string
	Message    string
}

func (e *ProcessorError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("processor %s error (%d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("processor %s error: %s", e.Kind, e.Message)
}

// Retryable: connection failures, rate limiting and 5xx API responses.
func (e *ProcessorError) Retryable() bool {
	switch e.Kind {
	case KindConnection, KindRateLimit:
		return true
	case KindAPI:
		switch e.StatusCode {
		case http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
	}
	return false
}

// IsRetryable classifies err. Errors that are not a *ProcessorError are
// treated as permanent.
func IsRetryable(err error) bool {
	var perr *ProcessorError
	if errors.As(err, &perr) {
		return perr.Retryable()
	}
	return false
}

// ErrorCode returns the processor decline/error code carried by err, or "".
func ErrorCode(err error) string {
	var perr *ProcessorError
	if errors.As(err, &perr) {
		if perr.Code != "" {
			return perr.Code
		}
		return string(perr.Kind)
	}
	return ""
}
