package source

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/kjstillabower/relieflink-refdata/internal/circuitbreaker"
)

var (
	// ErrConfig means a source is missing or misconfigured. It disables the live path
	// of one resource; other resources keep serving.
	ErrConfig = errors.New("source config")
	// ErrUpstream means the upstream failed to answer usefully. Triggers the fallback chain.
	ErrUpstream = errors.New("upstream failure")
	// ErrParse means the upstream answered with content that could not be decoded.
	// Handled exactly like ErrUpstream.
	ErrParse = errors.New("parse failure")
	// ErrContentType is wrapped together with ErrUpstream when a WMS server answers with a non-image body.
	ErrContentType = errors.New("unexpected content type")
	// ErrInvalidRequest means the caller's parameters (e.g. an overlay bbox) are unusable.
	// Unlike ErrConfig it says nothing about the source itself.
	ErrInvalidRequest = errors.New("invalid request")
)

// StatusError is returned for non-2xx upstream responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream failure: HTTP %d", e.Code)
}

func (e *StatusError) Unwrap() error {
	return ErrUpstream
}

// Untrustworthy reports whether err should send a caller down the fallback chain.
// ParseError and UpstreamError are treated identically.
func Untrustworthy(err error) bool {
	return errors.Is(err, ErrUpstream) || errors.Is(err, ErrParse) ||
		errors.Is(err, circuitbreaker.ErrOpen) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// ErrorCategory is a stable label for error classification in metrics.
type ErrorCategory string

const (
	ErrorCategoryConfig      ErrorCategory = "config"
	ErrorCategoryTimeout     ErrorCategory = "timeout"
	ErrorCategoryNetwork     ErrorCategory = "network"
	ErrorCategoryUpstream4xx ErrorCategory = "upstream_4xx"
	ErrorCategoryUpstream5xx ErrorCategory = "upstream_5xx"
	ErrorCategoryContentType ErrorCategory = "content_type"
	ErrorCategoryParsing     ErrorCategory = "parsing"
	ErrorCategoryCircuitOpen ErrorCategory = "circuit_open"
	ErrorCategoryInvalid     ErrorCategory = "invalid_request"
	ErrorCategoryUnknown     ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory for metrics.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrConfig) {
		return ErrorCategoryConfig
	}
	if errors.Is(err, ErrInvalidRequest) {
		return ErrorCategoryInvalid
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return ErrorCategoryCircuitOpen
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorCategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorCategoryTimeout
		}
		return ErrorCategoryNetwork
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Code >= 500 {
			return ErrorCategoryUpstream5xx
		}
		return ErrorCategoryUpstream4xx
	}
	if errors.Is(err, ErrContentType) {
		return ErrorCategoryContentType
	}
	if errors.Is(err, ErrParse) {
		return ErrorCategoryParsing
	}
	if errors.Is(err, ErrUpstream) {
		return ErrorCategoryNetwork
	}
	return ErrorCategoryUnknown
}
