package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies an LLM call failure for retry decisions.
type ErrorKind string

const (
	// KindRateLimited indicates the provider returned a rate-limit response (HTTP 429).
	KindRateLimited ErrorKind = "rate_limited"
	// KindTimeout indicates the call exceeded its deadline.
	KindTimeout ErrorKind = "timeout"
	// KindTransient indicates a temporary failure (5xx, connection reset).
	KindTransient ErrorKind = "transient"
	// KindPermanent indicates a non-retriable failure (auth, bad request).
	KindPermanent ErrorKind = "permanent"
)

// Error is a classified LLM provider error.
type Error struct {
	Kind     ErrorKind
	Provider string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retriable reports whether the error kind warrants a backoff retry.
func (e *Error) Retriable() bool {
	switch e.Kind {
	case KindRateLimited, KindTimeout, KindTransient:
		return true
	}
	return false
}

// NewError creates a classified provider error.
func NewError(kind ErrorKind, provider string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Err: err}
}

// KindOf returns the classification of err, or KindPermanent if it is not
// a classified LLM error.
func KindOf(err error) ErrorKind {
	var lerr *Error
	if errors.As(err, &lerr) {
		return lerr.Kind
	}
	return KindPermanent
}

// IsRetriable reports whether err is a classified error worth retrying.
func IsRetriable(err error) bool {
	var lerr *Error
	if errors.As(err, &lerr) {
		return lerr.Retriable()
	}
	return false
}

// classifyStatus maps an HTTP status code plus transport conditions onto an
// error kind shared by all providers.
func classifyStatus(provider string, status int, err error) *Error {
	switch {
	case status == 429:
		return NewError(KindRateLimited, provider, err)
	case status == 408 || status >= 500:
		return NewError(KindTransient, provider, err)
	case status > 0:
		return NewError(KindPermanent, provider, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, provider, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewError(KindTimeout, provider, err)
		}
		return NewError(KindTransient, provider, err)
	}
	return NewError(KindPermanent, provider, err)
}
