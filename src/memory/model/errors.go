package model

import (
	"context"
	"errors"
)

var (
	// ErrProviderUnavailable reports a network or auth failure talking to the embedding service.
	ErrProviderUnavailable = errors.New("embedding provider unavailable")
	// ErrInvalidInput reports malformed, empty or oversized input.
	ErrInvalidInput = errors.New("invalid input")
	// ErrStoreUnavailable reports a backend connectivity or query failure.
	ErrStoreUnavailable = errors.New("memory store unavailable")
	// ErrNotFound reports a referenced memory that does not exist for the owner.
	ErrNotFound = errors.New("memory not found")
	// ErrDuplicateIdentity reports an insert whose id already exists.
	ErrDuplicateIdentity = errors.New("duplicate memory identity")
	// ErrScopeViolation reports an attempted or detected cross-owner access.
	// It is fatal: never retried and always logged as a security event.
	ErrScopeViolation = errors.New("owner scope violation")
	// ErrConflict reports optimistic or lock contention. It is the only store
	// error that write paths retry.
	ErrConflict = errors.New("concurrent modification conflict")
	// ErrInvalidConfig reports malformed configuration detected at startup.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrModelMismatch reports a store bound to a different embedding model or dimensionality.
	ErrModelMismatch = errors.New("embedding model mismatch")
)

// Retryable reports whether err is a transient failure worth another attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrConflict)
}

// Kind returns a short label for err suitable for logs and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrScopeViolation):
		return "scope_violation"
	case errors.Is(err, ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicateIdentity):
		return "duplicate_identity"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidConfig):
		return "invalid_config"
	case errors.Is(err, ErrModelMismatch):
		return "model_mismatch"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "unknown"
}
