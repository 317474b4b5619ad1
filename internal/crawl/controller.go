// Package crawl drives the page loop for one run: pacing, fetching,
// extraction, normalization, and dedup, with the stop conditions that bound
// a run.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bizharvest/bizharvest/internal/dedupe"
	"github.com/bizharvest/bizharvest/internal/engine"
	"github.com/bizharvest/bizharvest/internal/metrics"
	"github.com/bizharvest/bizharvest/internal/normalize"
)

// Outcome is the non-fatal result of a crawl. Diagnostic is set when the
// crawl stopped early for an abnormal but non-fatal reason; Aborted marks
// the consecutive-failure stop specifically, which fails the run when no
// records accumulated.
type Outcome struct {
	Records    []engine.NormalizedRecord
	Counts     engine.RunCounts
	Diagnostic string
	Aborted    bool
}

// Controller owns the crawl loop. It is stateless across runs; all per-run
// state lives on the stack of Crawl. Each source has its own fetcher since
// some sites need a rendering browser and others plain HTTP.
type Controller struct {
	fetchers   map[engine.Source]engine.Fetcher
	pacer      engine.Pacer
	normalizer *normalize.Normalizer
	snapshots  engine.SnapshotStore
	log        *zap.Logger

	maxConsecutiveFailures int
}

// New builds a Controller. snapshots may be nil to disable page archiving.
func New(
	fetchers map[engine.Source]engine.Fetcher,
	pacer engine.Pacer,
	normalizer *normalize.Normalizer,
	snapshots engine.SnapshotStore,
	maxConsecutiveFailures int,
	log *zap.Logger,
) *Controller {
	if maxConsecutiveFailures < 1 {
		maxConsecutiveFailures = 3
	}
	return &Controller{
		fetchers:               fetchers,
		pacer:                  pacer,
		normalizer:             normalizer,
		snapshots:              snapshots,
		maxConsecutiveFailures: maxConsecutiveFailures,
		log:                    log,
	}
}

// Crawl runs the page loop until one of the stop conditions fires: the
// result cap is met, the page budget is spent, the source is exhausted, or
// too many consecutive failures accumulate. A structure mismatch on the very
// first page is fatal; afterwards it stops the crawl with a diagnostic.
func (c *Controller) Crawl(ctx context.Context, runID string, req engine.RunRequest, extractor engine.Extractor) (Outcome, error) {
	var (
		counts   engine.RunCounts
		cursor   engine.Cursor
		deduper  = dedupe.New(req.Source)
		failures = 0
		diag     = ""
		aborted  = false
	)
	source := string(req.Source)
	fetcher, ok := c.fetchers[req.Source]
	if !ok {
		return c.outcome(deduper, counts, diag, aborted, req), fmt.Errorf("no fetcher for source %q", req.Source)
	}

	for pageIndex := 0; ; {
		if deduper.Len() >= req.MaxResults {
			break
		}
		if req.MaxPages > 0 && pageIndex >= req.MaxPages {
			break
		}

		if err := c.pacer.Wait(ctx, req.Source); err != nil {
			return c.outcome(deduper, counts, diag, aborted, req), fmt.Errorf("pacing: %w", err)
		}

		target, err := extractor.PageTarget(req, cursor)
		if err != nil {
			return c.outcome(deduper, counts, diag, aborted, req), fmt.Errorf("resolve page target: %w", err)
		}

		page, err := fetcher.Fetch(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				return c.outcome(deduper, counts, diag, aborted, req), ctx.Err()
			}
			counts.FetchFailures++
			kind, _ := engine.FetchKindOf(err)
			metrics.FetchErrors.WithLabelValues(source, string(kind)).Inc()
			c.log.Warn("page fetch failed",
				zap.String("run_id", runID),
				zap.String("url", target.URL),
				zap.Int("page_index", pageIndex),
				zap.Error(err),
			)
			failures++
			if failures >= c.maxConsecutiveFailures {
				diag = fmt.Sprintf("aborted after %d consecutive failures", failures)
				aborted = true
				break
			}
			continue
		}
		failures = 0
		counts.PagesFetched++
		metrics.PagesFetched.WithLabelValues(source).Inc()
		c.archive(ctx, runID, pageIndex, page)

		extraction, err := extractor.Extract(ctx, page, engine.ExtractContext{
			Request:   req,
			Cursor:    cursor,
			PageIndex: pageIndex,
			Remaining: req.MaxResults - deduper.Len(),
		})
		if err != nil {
			if errors.Is(err, engine.ErrUnrecognizedPage) {
				if pageIndex == 0 {
					return c.outcome(deduper, counts, diag, aborted, req), err
				}
				counts.ParseFailures++
				diag = fmt.Sprintf("page structure not recognized on page %d", pageIndex)
				break
			}
			counts.ParseFailures++
			failures++
			if failures >= c.maxConsecutiveFailures {
				diag = fmt.Sprintf("aborted after %d consecutive failures", failures)
				aborted = true
				break
			}
			continue
		}

		counts.SecondaryDropped += extraction.SecondaryDropped
		counts.SecondaryDegraded += extraction.SecondaryDegraded
		metrics.CandidatesExtracted.WithLabelValues(source).Add(float64(len(extraction.Candidates)))
		metrics.SecondaryDropped.WithLabelValues(source).Add(float64(extraction.SecondaryDropped))

		for _, cand := range extraction.Candidates {
			rec, nerr := c.normalizer.Normalize(cand)
			if nerr != nil {
				counts.CandidatesRejected++
				metrics.CandidatesRejected.WithLabelValues(source).Inc()
				continue
			}
			counts.RecordsFound++
			deduper.Add(rec)
			if deduper.Len() >= req.MaxResults {
				break
			}
		}

		pageIndex++
		if !extraction.Pagination.HasMore {
			break
		}
		cursor = extraction.Pagination.NextCursor
	}

	return c.outcome(deduper, counts, diag, aborted, req), nil
}

func (c *Controller) outcome(deduper *dedupe.Deduper, counts engine.RunCounts, diag string, aborted bool, req engine.RunRequest) Outcome {
	records := deduper.Records()
	if len(records) > req.MaxResults {
		records = records[:req.MaxResults]
	}
	counts.RecordsAfterDedup = len(records)
	return Outcome{Records: records, Counts: counts, Diagnostic: diag, Aborted: aborted}
}

// archive snapshots the raw page body when a snapshot store is configured.
// Archive failures are logged and ignored; they never affect the crawl.
func (c *Controller) archive(ctx context.Context, runID string, pageIndex int, page engine.PageContent) {
	if c.snapshots == nil {
		return
	}
	path := fmt.Sprintf("%s/page-%03d.html", runID, pageIndex)
	putCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := c.snapshots.Put(putCtx, path, "text/html; charset=utf-8", page.Body); err != nil {
		c.log.Warn("page snapshot failed",
			zap.String("run_id", runID),
			zap.String("path", path),
			zap.Error(err),
		)
	}
}
