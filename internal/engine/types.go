// Package engine defines the core types and capability interfaces shared by
// the crawl-and-extract pipeline.
package engine

import (
	"errors"
	"fmt"
	"time"
)

// Source identifies which site shape a run crawls.
type Source string

// Supported sources.
const (
	SourceDirectory Source = "directory"
	SourceWebSearch Source = "web_search"
	SourceRegistry  Source = "registry"
)

// Valid reports whether s is one of the supported sources.
func (s Source) Valid() bool {
	switch s {
	case SourceDirectory, SourceWebSearch, SourceRegistry:
		return true
	default:
		return false
	}
}

// ParseSource converts a raw string into a Source.
func ParseSource(raw string) (Source, error) {
	s := Source(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown source %q", raw)
	}
	return s, nil
}

// RunRequest is the immutable input for one run.
type RunRequest struct {
	Source     Source    `json:"source"`
	Keyword    string    `json:"keyword,omitempty"`
	Location   string    `json:"location,omitempty"`
	Date       time.Time `json:"date,omitempty"`
	MaxResults int       `json:"max_results"`
	MaxPages   int       `json:"max_pages,omitempty"`
}

// Validate checks the request constraints before any fetch happens.
func (r RunRequest) Validate(now time.Time) error {
	if !r.Source.Valid() {
		return fmt.Errorf("unknown source %q", r.Source)
	}
	if r.MaxResults < 1 {
		return fmt.Errorf("max_results must be >= 1, got %d", r.MaxResults)
	}
	switch r.Source {
	case SourceDirectory, SourceWebSearch:
		if r.Keyword == "" {
			return errors.New("keyword is required")
		}
	case SourceRegistry:
		if r.Date.IsZero() {
			return errors.New("date is required for the registry source")
		}
		if dateOnly(r.Date).After(dateOnly(now)) {
			return fmt.Errorf("date %s is in the future", r.Date.Format("2006-01-02"))
		}
		if r.MaxPages < 1 {
			return fmt.Errorf("max_pages must be >= 1 for the registry source, got %d", r.MaxPages)
		}
	}
	return nil
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// RunStatus represents the lifecycle state of a run.
type RunStatus string

// Run status values owned by the Run Coordinator.
const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// RunCounts aggregates run diagnostics.
type RunCounts struct {
	PagesFetched       int `json:"pages_fetched"`
	RecordsFound       int `json:"records_found"`
	RecordsAfterDedup  int `json:"records_after_dedup"`
	CandidatesRejected int `json:"candidates_rejected"`
	SecondaryDropped   int `json:"secondary_dropped"`
	SecondaryDegraded  int `json:"secondary_degraded"`
	FetchFailures      int `json:"fetch_failures"`
	ParseFailures      int `json:"parse_failures"`
}

// RunResult is the terminal output handed to the persistence collaborator.
type RunResult struct {
	RunID   string             `json:"run_id"`
	Source  Source             `json:"source"`
	Status  RunStatus          `json:"status"`
	Reason  string             `json:"reason,omitempty"`
	Records []NormalizedRecord `json:"records"`
	Counts  RunCounts          `json:"counts"`
}

// Candidate field names used by extractors.
const (
	FieldName         = "name"
	FieldPhone        = "phone"
	FieldEmail        = "email"
	FieldAddress      = "address"
	FieldWebsite      = "website"
	FieldRating       = "rating"
	FieldReviewsCount = "reviews_count"
	FieldLatitude     = "latitude"
	FieldLongitude    = "longitude"
	FieldTaxID        = "tax_id"
	FieldLegalRep     = "legal_representative"
	FieldIssueDate    = "issue_date"
	FieldStatusText   = "status_text"
	FieldCategory     = "category"
)

// CandidateRecord is the sparse, unvalidated output of an extractor for one
// prospective business. It is never persisted directly.
type CandidateRecord struct {
	Fields  map[string]string
	Locator string
}

// NewCandidate returns an empty candidate anchored to a source locator
// (listing URL or position).
func NewCandidate(locator string) CandidateRecord {
	return CandidateRecord{
		Fields:  make(map[string]string),
		Locator: locator,
	}
}

// Set stores a raw field value, ignoring empties.
func (c CandidateRecord) Set(field, value string) {
	if value == "" {
		return
	}
	c.Fields[field] = value
}

// Get returns the raw value for field, or "".
func (c CandidateRecord) Get(field string) string {
	return c.Fields[field]
}

// NormalizedRecord is the typed, validated projection of a candidate.
// String fields use "" for absent; numeric and date fields use nil.
type NormalizedRecord struct {
	Name                string     `json:"name"`
	Phone               string     `json:"phone,omitempty"`
	Email               string     `json:"email,omitempty"`
	Address             string     `json:"address,omitempty"`
	Website             string     `json:"website,omitempty"`
	Rating              *float64   `json:"rating,omitempty"`
	ReviewsCount        *int       `json:"reviews_count,omitempty"`
	Latitude            *float64   `json:"latitude,omitempty"`
	Longitude           *float64   `json:"longitude,omitempty"`
	TaxID               string     `json:"tax_id,omitempty"`
	LegalRepresentative string     `json:"legal_representative,omitempty"`
	IssueDate           *time.Time `json:"issue_date,omitempty"`
	StatusText          string     `json:"status_text,omitempty"`
	Category            string     `json:"category,omitempty"`
	Locator             string     `json:"locator,omitempty"`
}

// PopulatedFields counts the non-empty fields, used for dedup merge decisions.
func (r NormalizedRecord) PopulatedFields() int {
	n := 0
	for _, s := range []string{
		r.Name, r.Phone, r.Email, r.Address, r.Website,
		r.TaxID, r.LegalRepresentative, r.StatusText, r.Category,
	} {
		if s != "" {
			n++
		}
	}
	if r.Rating != nil {
		n++
	}
	if r.ReviewsCount != nil {
		n++
	}
	if r.Latitude != nil {
		n++
	}
	if r.Longitude != nil {
		n++
	}
	if r.IssueDate != nil {
		n++
	}
	return n
}

// PageContent is the rendered or raw HTML returned by a Fetcher.
type PageContent struct {
	URL      string
	FinalURL string
	Status   int
	Body     []byte
	Rendered bool
	Duration time.Duration
}

// Cursor is an opaque pagination token. The Crawl Controller threads it
// between pages without interpreting it; each extractor defines its own.
type Cursor any

// PaginationHint signals whether and how to fetch the next page.
type PaginationHint struct {
	HasMore    bool
	NextCursor Cursor
}

// FetchTarget describes one page acquisition.
type FetchTarget struct {
	URL string
	// WaitSelector, when set, must be present in the DOM before the
	// snapshot is taken. Only honored by rendering fetchers.
	WaitSelector string
	// ScrollSelector/ScrollPasses drive feed scrolling on scroll-paginated
	// sources before the snapshot.
	ScrollSelector string
	ScrollPasses   int
}

// FetchErrorKind classifies non-fatal fetch failures.
type FetchErrorKind string

// Fetch failure kinds.
const (
	FetchTimeout FetchErrorKind = "timeout"
	FetchBlocked FetchErrorKind = "blocked"
	FetchNetwork FetchErrorKind = "network"
)

// FetchError wraps a failed fetch attempt with its classification.
type FetchError struct {
	Kind FetchErrorKind
	URL  string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError builds a classified fetch error.
func NewFetchError(kind FetchErrorKind, url string, err error) *FetchError {
	return &FetchError{Kind: kind, URL: url, Err: err}
}

// FetchKindOf extracts the classification from err, if it is a FetchError.
func FetchKindOf(err error) (FetchErrorKind, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// ErrUnrecognizedPage signals that a page's structure matched none of the
// extractor's expectations. Fatal on the first page of a run, a diagnostic
// afterwards.
var ErrUnrecognizedPage = errors.New("page structure not recognized")
