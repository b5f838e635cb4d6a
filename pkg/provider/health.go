package provider

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/genai"

	"github.com/abdhe/tryon-inference-proxy/pkg/resilience"
)

// IsHealthFailure reports whether err says the provider itself is unhealthy:
// a transport error, a timeout, or an upstream 5xx or 429. Failures caused by
// the request (an unreachable input image, a 4xx answer) and local failures
// before the upstream call return false. It is the circuit breaker's
// classifier, so one caller's bad input cannot open the breaker for others.
func IsHealthFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var perr *Error
	if errors.As(err, &perr) {
		switch perr.Stage {
		case "fetch", "request":
			return false
		}
		if perr.Status != 0 {
			return unhealthyStatus(perr.Status)
		}
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return unhealthyStatus(apiErr.Code)
	}

	return resilience.IsTransient(err)
}

func unhealthyStatus(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}
