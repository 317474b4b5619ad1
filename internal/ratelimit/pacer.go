// Package ratelimit paces outbound requests per source.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bizharvest/bizharvest/internal/engine"
)

// Pacer enforces a minimum delay between requests, partitioned by source so
// pacing on one site never stalls another.
type Pacer struct {
	mu       sync.Mutex
	limiters map[engine.Source]*rate.Limiter
	limit    rate.Limit
}

// New builds a Pacer allowing one request per delay interval per source.
func New(delay time.Duration) *Pacer {
	lim := rate.Inf
	if delay > 0 {
		lim = rate.Every(delay)
	}
	return &Pacer{
		limiters: make(map[engine.Source]*rate.Limiter),
		limit:    lim,
	}
}

// Wait blocks until the source's limiter grants a slot or ctx is done.
func (p *Pacer) Wait(ctx context.Context, source engine.Source) error {
	p.mu.Lock()
	lim, ok := p.limiters[source]
	if !ok {
		// Burst of 1 so the very first request goes straight through.
		lim = rate.NewLimiter(p.limit, 1)
		p.limiters[source] = lim
	}
	p.mu.Unlock()
	return lim.Wait(ctx)
}
