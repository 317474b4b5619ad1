package extract

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/bizharvest/bizharvest/internal/engine"
)

// pageOutcome is one secondary fetch result, kept in request order.
type pageOutcome struct {
	Page engine.PageContent
	Err  error
}

// fetchAll performs the secondary fetches concurrently with a bounded pool
// and returns outcomes index-aligned with targets. The pacer is honored
// before every fetch, same as primary pages. Individual failures are
// recorded per slot, never propagated; the caller decides drop vs degrade.
func fetchAll(ctx context.Context, fetcher engine.Fetcher, pacer engine.Pacer, source engine.Source, limit int, targets []engine.FetchTarget) []pageOutcome {
	out := make([]pageOutcome, len(targets))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			if err := pacer.Wait(ctx, source); err != nil {
				out[i] = pageOutcome{Err: err}
				return nil
			}
			page, err := fetcher.Fetch(ctx, target)
			out[i] = pageOutcome{Page: page, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
