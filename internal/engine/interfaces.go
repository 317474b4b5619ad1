package engine

import (
	"context"
	"time"
)

// Fetcher acquires page content for a target. Implementations own all
// network and browser state; they do not pace requests, pacing belongs to
// the caller.
type Fetcher interface {
	Fetch(ctx context.Context, target FetchTarget) (PageContent, error)
}

// ExtractContext carries per-page context into an extractor.
type ExtractContext struct {
	Request   RunRequest
	Cursor    Cursor
	PageIndex int
	// Remaining is how many more records the run still wants; extractors
	// may use it to bound secondary fan-out.
	Remaining int
}

// Extraction is the outcome of extracting one page.
type Extraction struct {
	Candidates []CandidateRecord
	Pagination PaginationHint
	// SecondaryDropped counts candidates discarded because a mandatory
	// secondary fetch failed; SecondaryDegraded counts candidates kept with
	// reduced fields after an optional secondary fetch failed.
	SecondaryDropped  int
	SecondaryDegraded int
}

// Extractor turns page content into candidates plus a pagination hint for
// one source shape.
type Extractor interface {
	Source() Source
	// PageTarget resolves the fetch target for the page identified by
	// cursor (nil means the first page).
	PageTarget(req RunRequest, cursor Cursor) (FetchTarget, error)
	Extract(ctx context.Context, page PageContent, ec ExtractContext) (Extraction, error)
}

// Pacer enforces the cooperative minimum inter-request delay, partitioned
// per source so one run's backoff never penalizes another source.
type Pacer interface {
	Wait(ctx context.Context, source Source) error
}

// RunRecord is the persisted view of a run.
type RunRecord struct {
	ID         string             `json:"id"`
	Source     Source             `json:"source"`
	Keyword    string             `json:"keyword,omitempty"`
	Location   string             `json:"location,omitempty"`
	Date       *time.Time         `json:"date,omitempty"`
	Status     RunStatus          `json:"status"`
	Diagnostic string             `json:"diagnostic,omitempty"`
	Counts     RunCounts          `json:"counts"`
	Records    []NormalizedRecord `json:"records,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// StoredBusiness is one persisted record with its parent run.
type StoredBusiness struct {
	RunID     string           `json:"run_id"`
	Record    NormalizedRecord `json:"record"`
	CreatedAt time.Time        `json:"created_at"`
}

// RunStore is the persistence collaborator. It assigns durable identity to
// records; the engine only hands results off as a single unit.
type RunStore interface {
	CreateRun(ctx context.Context, run RunRecord) error
	SaveResult(ctx context.Context, result RunResult) error
	GetRun(ctx context.Context, runID string) (RunRecord, error)
	ListRuns(ctx context.Context) ([]RunRecord, error)
	SearchBusinesses(ctx context.Context, keyword string) ([]StoredBusiness, error)
}

// SnapshotStore archives raw page bodies for structure-drift diagnostics.
type SnapshotStore interface {
	Put(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes run-completion events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (swappable for tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
