package providers

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedProvider wraps a Provider with a token-bucket limiter on
// outbound calls, so a burst of lane workers hitting maxConcurrency
// can't all fire model requests in the same instant and trip the
// provider's own rate limiting. Grounded on the teacher's use of
// golang.org/x/time for its own outbound-call throttling.
type RateLimitedProvider struct {
	inner   Provider
	limiter *rate.Limiter
}

// NewRateLimitedProvider wraps inner with a limiter allowing
// ratePerSecond requests/sec, bursting up to burst at once. A
// ratePerSecond of zero or less disables limiting and returns inner
// unwrapped.
func NewRateLimitedProvider(inner Provider, ratePerSecond float64, burst int) Provider {
	if ratePerSecond <= 0 {
		return inner
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedProvider{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
	}
}

func (p *RateLimitedProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.inner.Chat(ctx, req)
}

func (p *RateLimitedProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.inner.ChatStream(ctx, req, onChunk)
}

func (p *RateLimitedProvider) DefaultModel() string { return p.inner.DefaultModel() }

func (p *RateLimitedProvider) Name() string { return p.inner.Name() }
