package pipeline

import (
	"fmt"
	"net/http"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	KindThrottled Kind = iota + 1
	KindAuthFailed
	KindInsufficientCredit
	KindProviderError
	KindUpstreamTransient
	KindPersistence
	KindWebhook
)

// String returns the stable tag used in responses, logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindThrottled:
		return "throttled"
	case KindAuthFailed:
		return "auth_failed"
	case KindInsufficientCredit:
		return "insufficient_credit"
	case KindProviderError:
		return "provider_error"
	case KindUpstreamTransient:
		return "upstream_unavailable"
	case KindPersistence:
		return "persistence_error"
	case KindWebhook:
		return "webhook_error"
	default:
		return "unknown"
	}
}

// HTTPStatus maps a kind to the status returned to the caller.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindThrottled:
		return http.StatusTooManyRequests
	case KindAuthFailed:
		return http.StatusUnauthorized
	case KindInsufficientCredit:
		return http.StatusForbidden
	case KindUpstreamTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified pipeline failure.
type Error struct {
	Kind   Kind
	Reason string // short machine-readable detail, e.g. "invalid_key"
	Cause  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same kind, so errors.Is works against the
// per-kind sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrThrottled          = &Error{Kind: KindThrottled}
	ErrAuthFailed         = &Error{Kind: KindAuthFailed}
	ErrInsufficientCredit = &Error{Kind: KindInsufficientCredit}
	ErrProvider           = &Error{Kind: KindProviderError}
	ErrUpstreamTransient  = &Error{Kind: KindUpstreamTransient}
	ErrPersistence        = &Error{Kind: KindPersistence}
	ErrWebhook            = &Error{Kind: KindWebhook}
)
