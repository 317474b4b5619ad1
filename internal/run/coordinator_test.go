package run

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bizharvest/bizharvest/internal/crawl"
	"github.com/bizharvest/bizharvest/internal/engine"
	"github.com/bizharvest/bizharvest/internal/normalize"
	pubmemory "github.com/bizharvest/bizharvest/internal/publisher/memory"
	storememory "github.com/bizharvest/bizharvest/internal/store/memory"
)

// MockFetcher is a mock implementation of the engine.Fetcher interface.
type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) Fetch(ctx context.Context, target engine.FetchTarget) (engine.PageContent, error) {
	args := m.Called(ctx, target)
	return args.Get(0).(engine.PageContent), args.Error(1)
}

// MockExtractor is a mock implementation of the engine.Extractor interface.
type MockExtractor struct {
	mock.Mock
}

func (m *MockExtractor) Source() engine.Source {
	args := m.Called()
	return args.Get(0).(engine.Source)
}

func (m *MockExtractor) PageTarget(req engine.RunRequest, cursor engine.Cursor) (engine.FetchTarget, error) {
	args := m.Called(req, cursor)
	return args.Get(0).(engine.FetchTarget), args.Error(1)
}

func (m *MockExtractor) Extract(ctx context.Context, page engine.PageContent, ec engine.ExtractContext) (engine.Extraction, error) {
	args := m.Called(ctx, page, ec)
	return args.Get(0).(engine.Extraction), args.Error(1)
}

type fixedClock struct {
	t time.Time
}

func (c fixedClock) Now() time.Time { return c.t }

type fixedIDs struct {
	id string
}

func (g fixedIDs) NewID() (string, error) { return g.id, nil }

type nopPacer struct{}

func (nopPacer) Wait(context.Context, engine.Source) error { return nil }

type fixture struct {
	coordinator *Coordinator
	store       *storememory.Store
	publisher   *pubmemory.Publisher
	fetcher     *MockFetcher
	extractor   *MockExtractor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := fixedClock{t: time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)}
	store := storememory.New(clk)
	publisher := pubmemory.New()
	fetcher := new(MockFetcher)
	extractor := new(MockExtractor)
	extractor.On("Source").Return(engine.SourceDirectory)

	controller := crawl.New(
		map[engine.Source]engine.Fetcher{engine.SourceDirectory: fetcher},
		nopPacer{},
		normalize.New("84"),
		nil,
		3,
		zap.NewNop(),
	)
	coordinator := New(
		controller,
		[]engine.Extractor{extractor},
		store,
		publisher,
		"run-completions",
		clk,
		fixedIDs{id: "run-test-1"},
		zap.NewNop(),
	)
	return &fixture{
		coordinator: coordinator,
		store:       store,
		publisher:   publisher,
		fetcher:     fetcher,
		extractor:   extractor,
	}
}

func validRequest() engine.RunRequest {
	return engine.RunRequest{
		Source:     engine.SourceDirectory,
		Keyword:    "cafe",
		MaxResults: 5,
	}
}

func TestStartRejectsInvalidRequestSynchronously(t *testing.T) {
	f := newFixture(t)

	_, err := f.coordinator.Start(context.Background(), engine.RunRequest{
		Source:     engine.SourceDirectory,
		MaxResults: 5,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "keyword")

	runs, lerr := f.store.ListRuns(context.Background())
	require.NoError(t, lerr)
	require.Empty(t, runs, "nothing persists for an invalid request")
	require.Empty(t, f.publisher.Messages())
}

func TestStartCompletesAndPersists(t *testing.T) {
	f := newFixture(t)

	cand := engine.NewCandidate("loc-1")
	cand.Set(engine.FieldName, "Cafe X")
	cand.Set(engine.FieldPhone, "0901234567")

	f.extractor.On("PageTarget", mock.Anything, mock.Anything).Return(engine.FetchTarget{URL: "u"}, nil)
	f.fetcher.On("Fetch", mock.Anything, mock.Anything).Return(engine.PageContent{Body: []byte("p")}, nil)
	f.extractor.On("Extract", mock.Anything, mock.Anything, mock.Anything).Return(engine.Extraction{
		Candidates: []engine.CandidateRecord{cand},
		Pagination: engine.PaginationHint{HasMore: false},
	}, nil)

	result, err := f.coordinator.Start(context.Background(), validRequest())
	require.NoError(t, err)
	require.Equal(t, "run-test-1", result.RunID)
	require.Equal(t, engine.RunStatusCompleted, result.Status)
	require.Len(t, result.Records, 1)
	require.Equal(t, "+84901234567", result.Records[0].Phone)

	record, err := f.store.GetRun(context.Background(), "run-test-1")
	require.NoError(t, err)
	require.Equal(t, engine.RunStatusCompleted, record.Status)
	require.Len(t, record.Records, 1)
	require.Equal(t, 1, record.Counts.PagesFetched)

	messages := f.publisher.Messages()
	require.Len(t, messages, 1)
	require.Equal(t, "run-completions", messages[0].Topic)
	event, ok := messages[0].Payload.(CompletionEvent)
	require.True(t, ok)
	require.Equal(t, engine.RunStatusCompleted, event.Status)
	require.Equal(t, 1, event.RecordCount)
}

func TestStartFailsRunOnFirstPageStructureMismatch(t *testing.T) {
	f := newFixture(t)

	f.extractor.On("PageTarget", mock.Anything, mock.Anything).Return(engine.FetchTarget{URL: "u"}, nil)
	f.fetcher.On("Fetch", mock.Anything, mock.Anything).Return(engine.PageContent{Body: []byte("p")}, nil)
	f.extractor.On("Extract", mock.Anything, mock.Anything, mock.Anything).
		Return(engine.Extraction{}, engine.ErrUnrecognizedPage)

	result, err := f.coordinator.Start(context.Background(), validRequest())
	require.NoError(t, err, "crawl failures become a failed result, not an error")
	require.Equal(t, engine.RunStatusFailed, result.Status)
	require.Contains(t, result.Reason, "not recognized")

	record, gerr := f.store.GetRun(context.Background(), "run-test-1")
	require.NoError(t, gerr)
	require.Equal(t, engine.RunStatusFailed, record.Status)
}

func TestStartFailsWhenAbortYieldedNoRecords(t *testing.T) {
	f := newFixture(t)

	fetchErr := engine.NewFetchError(engine.FetchNetwork, "u", context.DeadlineExceeded)
	f.extractor.On("PageTarget", mock.Anything, mock.Anything).Return(engine.FetchTarget{URL: "u"}, nil)
	f.fetcher.On("Fetch", mock.Anything, mock.Anything).Return(engine.PageContent{Body: []byte("p")}, nil).Once()
	f.fetcher.On("Fetch", mock.Anything, mock.Anything).Return(engine.PageContent{}, fetchErr).Times(3)
	f.extractor.On("Extract", mock.Anything, mock.Anything, mock.Anything).Return(engine.Extraction{
		Pagination: engine.PaginationHint{HasMore: true, NextCursor: "page-2"},
	}, nil).Once()

	result, err := f.coordinator.Start(context.Background(), validRequest())
	require.NoError(t, err)
	require.Equal(t, engine.RunStatusFailed, result.Status,
		"sustained failures with zero records fail the run even after a fetched page")
	require.Contains(t, result.Reason, "3 consecutive failures")
	require.Equal(t, 1, result.Counts.PagesFetched)

	record, gerr := f.store.GetRun(context.Background(), "run-test-1")
	require.NoError(t, gerr)
	require.Equal(t, engine.RunStatusFailed, record.Status)
}

func TestStartCompletesWithDiagnosticWhenAbortFollowedRecords(t *testing.T) {
	f := newFixture(t)

	cand := engine.NewCandidate("loc-1")
	cand.Set(engine.FieldName, "Cafe X")
	cand.Set(engine.FieldPhone, "0901234567")

	fetchErr := engine.NewFetchError(engine.FetchNetwork, "u", context.DeadlineExceeded)
	f.extractor.On("PageTarget", mock.Anything, mock.Anything).Return(engine.FetchTarget{URL: "u"}, nil)
	f.fetcher.On("Fetch", mock.Anything, mock.Anything).Return(engine.PageContent{Body: []byte("p")}, nil).Once()
	f.fetcher.On("Fetch", mock.Anything, mock.Anything).Return(engine.PageContent{}, fetchErr).Times(3)
	f.extractor.On("Extract", mock.Anything, mock.Anything, mock.Anything).Return(engine.Extraction{
		Candidates: []engine.CandidateRecord{cand},
		Pagination: engine.PaginationHint{HasMore: true, NextCursor: "page-2"},
	}, nil).Once()

	result, err := f.coordinator.Start(context.Background(), validRequest())
	require.NoError(t, err)
	require.Equal(t, engine.RunStatusCompleted, result.Status, "partial yield survives the abort")
	require.Contains(t, result.Reason, "3 consecutive failures")
	require.Len(t, result.Records, 1)
}

func TestStartCancelledRunPersistsStatusWithoutRecords(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	f.extractor.On("PageTarget", mock.Anything, mock.Anything).Return(engine.FetchTarget{URL: "u"}, nil)
	f.fetcher.On("Fetch", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		cancel()
	}).Return(engine.PageContent{}, context.Canceled)

	result, err := f.coordinator.Start(ctx, validRequest())
	require.NoError(t, err)
	require.Equal(t, engine.RunStatusFailed, result.Status)
	require.Equal(t, "cancelled", result.Reason)
	require.Empty(t, result.Records)

	record, gerr := f.store.GetRun(context.Background(), "run-test-1")
	require.NoError(t, gerr)
	require.Equal(t, engine.RunStatusFailed, record.Status)
	require.Equal(t, "cancelled", record.Diagnostic)
	require.Empty(t, record.Records)
}

type panicExtractor struct{}

func (panicExtractor) Source() engine.Source { return engine.SourceDirectory }

func (panicExtractor) PageTarget(engine.RunRequest, engine.Cursor) (engine.FetchTarget, error) {
	return engine.FetchTarget{URL: "u"}, nil
}

func (panicExtractor) Extract(context.Context, engine.PageContent, engine.ExtractContext) (engine.Extraction, error) {
	panic("selector cache corrupted")
}

func TestStartContainsPanics(t *testing.T) {
	f := newFixture(t)

	clk := fixedClock{t: time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)}
	fetcher := new(MockFetcher)
	fetcher.On("Fetch", mock.Anything, mock.Anything).Return(engine.PageContent{Body: []byte("p")}, nil)

	controller := crawl.New(
		map[engine.Source]engine.Fetcher{engine.SourceDirectory: fetcher},
		nopPacer{},
		normalize.New("84"),
		nil,
		3,
		zap.NewNop(),
	)
	coordinator := New(
		controller,
		[]engine.Extractor{panicExtractor{}},
		f.store,
		f.publisher,
		"run-completions",
		clk,
		fixedIDs{id: "run-panic-1"},
		zap.NewNop(),
	)

	result, err := coordinator.Start(context.Background(), validRequest())
	require.NoError(t, err)
	require.Equal(t, engine.RunStatusFailed, result.Status)
	require.Contains(t, result.Reason, "internal error")

	record, gerr := f.store.GetRun(context.Background(), "run-panic-1")
	require.NoError(t, gerr)
	require.Equal(t, engine.RunStatusFailed, record.Status)
}
