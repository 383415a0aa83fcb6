package dnsprovider

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimited shares one request budget between all callers of the inner provider, so parallel
// issuance doesn't trip the provider's API rate limits
type RateLimited struct {
	inner   Adapter
	limiter *rate.Limiter
}

var _ Adapter = (*RateLimited)(nil)

// one call per interval, with burst calls allowed back-to-back
func NewRateLimited(inner Adapter, interval time.Duration, burst int) *RateLimited {
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Every(interval), burst),
	}
}

func (r *RateLimited) Create(ctx context.Context, record Record) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	return r.inner.Create(ctx, record)
}

func (r *RateLimited) Delete(ctx context.Context, record Record) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	return r.inner.Delete(ctx, record)
}
