// Package run owns the lifecycle of a run: validation, identity, the crawl
// itself, persistence of the terminal result, and the completion event.
package run

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bizharvest/bizharvest/internal/crawl"
	"github.com/bizharvest/bizharvest/internal/engine"
	"github.com/bizharvest/bizharvest/internal/metrics"
)

// Coordinator executes runs end to end. One Coordinator serves all sources;
// extractors are selected per request.
type Coordinator struct {
	controller *crawl.Controller
	extractors map[engine.Source]engine.Extractor
	store      engine.RunStore
	publisher  engine.Publisher
	topic      string
	clock      engine.Clock
	ids        engine.IDGenerator
	log        *zap.Logger
}

// New builds a Coordinator. publisher may be nil to disable completion
// events.
func New(
	controller *crawl.Controller,
	extractors []engine.Extractor,
	store engine.RunStore,
	publisher engine.Publisher,
	topic string,
	clock engine.Clock,
	ids engine.IDGenerator,
	log *zap.Logger,
) *Coordinator {
	bySource := make(map[engine.Source]engine.Extractor, len(extractors))
	for _, ex := range extractors {
		bySource[ex.Source()] = ex
	}
	return &Coordinator{
		controller: controller,
		extractors: bySource,
		store:      store,
		publisher:  publisher,
		topic:      topic,
		clock:      clock,
		ids:        ids,
		log:        log,
	}
}

// CompletionEvent is the payload published when a run reaches a terminal
// state.
type CompletionEvent struct {
	RunID       string           `json:"run_id"`
	Source      engine.Source    `json:"source"`
	Status      engine.RunStatus `json:"status"`
	Reason      string           `json:"reason,omitempty"`
	RecordCount int              `json:"record_count"`
	FinishedAt  time.Time        `json:"finished_at"`
}

// Prepare validates the request, assigns the run its identity, and persists
// the initial run record. Any error here is synchronous; nothing has been
// fetched yet.
func (c *Coordinator) Prepare(ctx context.Context, req engine.RunRequest) (string, error) {
	now := c.clock.Now()
	if err := req.Validate(now); err != nil {
		return "", fmt.Errorf("invalid request: %w", err)
	}
	if _, ok := c.extractors[req.Source]; !ok {
		return "", fmt.Errorf("no extractor for source %q", req.Source)
	}
	runID, err := c.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("assign run id: %w", err)
	}

	record := engine.RunRecord{
		ID:        runID,
		Source:    req.Source,
		Keyword:   req.Keyword,
		Location:  req.Location,
		Status:    engine.RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Source == engine.SourceRegistry {
		d := req.Date
		record.Date = &d
	}
	if err := c.store.CreateRun(ctx, record); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	c.log.Info("run started",
		zap.String("run_id", runID),
		zap.String("source", string(req.Source)),
		zap.String("keyword", req.Keyword),
	)
	return runID, nil
}

// Execute drives a prepared run to a terminal state. It never returns an
// error: crawl failures and panics are absorbed into a failed result, and a
// cancelled run fails with its records discarded while its terminal status
// still persists.
func (c *Coordinator) Execute(ctx context.Context, runID string, req engine.RunRequest) (result engine.RunResult) {
	startedAt := c.clock.Now()

	defer func() {
		if r := recover(); r != nil {
			c.log.Error("run panicked",
				zap.String("run_id", runID),
				zap.Any("panic", r),
			)
			result = engine.RunResult{
				RunID:  runID,
				Source: req.Source,
				Status: engine.RunStatusFailed,
				Reason: fmt.Sprintf("internal error: %v", r),
			}
			c.finish(ctx, result, startedAt)
		}
	}()

	extractor := c.extractors[req.Source]
	outcome, crawlErr := c.controller.Crawl(ctx, runID, req, extractor)
	result = resolve(runID, req, outcome, crawlErr, ctx.Err())
	c.finish(ctx, result, startedAt)
	return result
}

// Start runs a request synchronously: Prepare then Execute.
func (c *Coordinator) Start(ctx context.Context, req engine.RunRequest) (engine.RunResult, error) {
	runID, err := c.Prepare(ctx, req)
	if err != nil {
		return engine.RunResult{}, err
	}
	return c.Execute(ctx, runID, req), nil
}

// resolve folds the crawl outcome into a terminal result.
func resolve(runID string, req engine.RunRequest, outcome crawl.Outcome, crawlErr, ctxErr error) engine.RunResult {
	result := engine.RunResult{
		RunID:   runID,
		Source:  req.Source,
		Records: outcome.Records,
		Counts:  outcome.Counts,
	}
	switch {
	case ctxErr != nil || errors.Is(crawlErr, context.Canceled) || errors.Is(crawlErr, context.DeadlineExceeded):
		result.Status = engine.RunStatusFailed
		result.Reason = "cancelled"
		result.Records = nil
		result.Counts.RecordsAfterDedup = 0
	case crawlErr != nil:
		result.Status = engine.RunStatusFailed
		result.Reason = crawlErr.Error()
	case outcome.Aborted && len(outcome.Records) == 0:
		// Sustained failures with zero yield; partial yield still completes
		// with the diagnostic attached.
		result.Status = engine.RunStatusFailed
		result.Reason = outcome.Diagnostic
	default:
		result.Status = engine.RunStatusCompleted
		result.Reason = outcome.Diagnostic
	}
	return result
}

// finish persists the terminal result and emits the completion event. The
// save uses a detached context so a cancelled run still records its status.
func (c *Coordinator) finish(ctx context.Context, result engine.RunResult, startedAt time.Time) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	if err := c.store.SaveResult(saveCtx, result); err != nil {
		c.log.Error("persist run result failed",
			zap.String("run_id", result.RunID),
			zap.Error(err),
		)
	}

	finished := c.clock.Now()
	metrics.RunsCompleted.WithLabelValues(string(result.Source), string(result.Status)).Inc()
	metrics.RunDuration.WithLabelValues(string(result.Source)).Observe(finished.Sub(startedAt).Seconds())

	if c.publisher != nil {
		event := CompletionEvent{
			RunID:       result.RunID,
			Source:      result.Source,
			Status:      result.Status,
			Reason:      result.Reason,
			RecordCount: len(result.Records),
			FinishedAt:  finished,
		}
		if _, err := c.publisher.Publish(saveCtx, c.topic, event); err != nil {
			c.log.Warn("completion event publish failed",
				zap.String("run_id", result.RunID),
				zap.Error(err),
			)
		}
	}

	c.log.Info("run finished",
		zap.String("run_id", result.RunID),
		zap.String("status", string(result.Status)),
		zap.String("reason", result.Reason),
		zap.Int("records", len(result.Records)),
	)
}
