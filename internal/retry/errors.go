// Package retry drives idempotent operations through exponential backoff
// with jitter, bounded by attempt count, elapsed time, and error
// classification. It generalizes the two-bucket recoverable/fatal scheme
// into the six named error kinds the transport layer needs.
package retry

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies why an operation failed, independent of the concrete
// error type that produced it. Classification drives both retry
// eligibility here and consumer-facing error reporting upstream.
type Kind int

const (
	// KindUnknown is never retried; it exists only as the zero value.
	KindUnknown Kind = iota
	// KindSchema is a payload rejected by the remote service (socket
	// close 1007, in-band schema-validation messages). Handled by
	// transport-local variant rotation, not generic retry.
	KindSchema
	// KindTransport covers connection loss, I/O errors, timeouts, and
	// 5xx responses. Retryable under a transport's policy.
	KindTransport
	// KindRateLimited is retried with a long backoff preset.
	KindRateLimited
	// KindAuth is terminal: invalid or expired credentials.
	KindAuth
	// KindFallbackExhausted is terminal at the core level: no transport
	// remains to try.
	KindFallbackExhausted
	// KindCancelled marks an operation interrupted by destroy() or an
	// explicit retry cancellation. Never counted as a transport failure.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindSchema:
		return "schema"
	case KindTransport:
		return "transport"
	case KindRateLimited:
		return "rate_limited"
	case KindAuth:
		return "auth"
	case KindFallbackExhausted:
		return "fallback_exhausted"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// sentinel errors, one per Kind, used as the %w target for errors.Is.
var (
	ErrSchema            = errors.New("schema error")
	ErrTransport         = errors.New("transport error")
	ErrRateLimited       = errors.New("rate limited")
	ErrAuth              = errors.New("auth error")
	ErrFallbackExhausted = errors.New("fallback exhausted")
	ErrCancelled         = errors.New("cancelled")
)

func sentinelFor(k Kind) error {
	switch k {
	case KindSchema:
		return ErrSchema
	case KindTransport:
		return ErrTransport
	case KindRateLimited:
		return ErrRateLimited
	case KindAuth:
		return ErrAuth
	case KindFallbackExhausted:
		return ErrFallbackExhausted
	case KindCancelled:
		return ErrCancelled
	default:
		return nil
	}
}

// KindError wraps an underlying error with its classification, the way
// provider errors elsewhere in this codebase wrap an ErrRecoverable or
// ErrFatal sentinel.
type KindError struct {
	Kind       Kind
	Underlying error
}

// Classify produces a KindError for a given Kind and underlying cause.
func Classify(kind Kind, underlying error) error {
	if underlying == nil {
		underlying = sentinelFor(kind)
	}
	return &KindError{Kind: kind, Underlying: underlying}
}

func (e *KindError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Underlying)
}

func (e *KindError) Unwrap() error {
	return errors.Join(sentinelFor(e.Kind), e.Underlying)
}

// KindOf extracts the Kind carried by err, or KindUnknown if err was not
// produced by Classify.
func KindOf(err error) Kind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	for k := KindSchema; k <= KindCancelled; k++ {
		if errors.Is(err, sentinelFor(k)) {
			return k
		}
	}
	return KindUnknown
}

// Retryable reports whether an error's Kind should drive another retry
// attempt, per the RetryPolicy allow-list: transport and rate-limited
// errors retry; schema, auth, fallback-exhausted, and cancellation do
// not (schema is handled by transport-local variant rotation instead).
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindRateLimited:
		return true
	default:
		return false
	}
}

// IsCancelled reports whether err represents operation cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
