package provider

import (
	"context"

	"golang.org/x/time/rate"
)

type rateLimited struct {
	Provider
	limiter *rate.Limiter
}

// WithRateLimit makes every Generate call wait for a token from limiter.
// The wait is bounded by the call's context.
func WithRateLimit(p Provider, limiter *rate.Limiter) Provider {
	return &rateLimited{Provider: p, limiter: limiter}
}

func (r *rateLimited) Generate(ctx context.Context, in Input) (Output, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Output{}, &Error{Provider: r.Name(), Stage: "request", Message: "outbound rate limit", Cause: err}
	}
	return r.Provider.Generate(ctx, in)
}
