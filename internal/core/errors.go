package core

import (
	"errors"
	"fmt"
)

// ProviderErrorKind classifies a failure reported by a synthesis provider.
type ProviderErrorKind int

const (
	// InvalidRequest covers rejected markup, unknown voices and bad credentials.
	InvalidRequest ProviderErrorKind = iota
	// RateLimited means the provider asked us to slow down.
	RateLimited
	// Transient covers timeouts and connection failures.
	Transient
	// ServerError covers 5xx-class failures.
	ServerError
)

func (k ProviderErrorKind) String() string {
	switch k {
	case InvalidRequest:
		return "invalid_request"
	case RateLimited:
		return "rate_limited"
	case Transient:
		return "transient"
	case ServerError:
		return "server_error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ProviderError is the typed error crossing the provider boundary.
type ProviderError struct {
	Kind       ProviderErrorKind
	StatusCode int
	Message    string
	Err        error
}

// NewProviderError wraps err with a provider error kind.
func NewProviderError(kind ProviderErrorKind, message string, err error) *ProviderError {
	return &ProviderError{Kind: kind, Message: message, Err: err}
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}

	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s (status %d): %s", e.Kind, e.StatusCode, msg)
	}

	return fmt.Sprintf("provider %s: %s", e.Kind, msg)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed.
func (e *ProviderError) Retryable() bool {
	return e.Kind != InvalidRequest
}

// IsRetryableProviderError reports whether err carries a retryable classification.
// Errors without a classification are treated as retryable.
func IsRetryableProviderError(err error) bool {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Retryable()
	}

	return true
}
