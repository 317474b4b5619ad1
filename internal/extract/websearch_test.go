package extract

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bizharvest/bizharvest/internal/engine"
)

// MockFetcher is a mock implementation of the engine.Fetcher interface.
type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) Fetch(ctx context.Context, target engine.FetchTarget) (engine.PageContent, error) {
	args := m.Called(ctx, target)
	return args.Get(0).(engine.PageContent), args.Error(1)
}

type nopPacer struct{}

func (nopPacer) Wait(context.Context, engine.Source) error { return nil }

// countingPacer records every Wait so tests can assert secondary fetches
// are paced.
type countingPacer struct {
	mu    sync.Mutex
	waits []engine.Source
}

func (p *countingPacer) Wait(_ context.Context, source engine.Source) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waits = append(p.waits, source)
	return nil
}

func (p *countingPacer) Waits() []engine.Source {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]engine.Source(nil), p.waits...)
}

const searchPageHTML = `<html><body>
<div id="links">
  <article data-testid="result">
    <a data-testid="result-title-a"
       href="https://search.example.com/l/?uddg=https%3A%2F%2Fcafex.vn%2F&amp;rut=abc">Cafe X - Cà phê Quận 1</a>
    <div data-result="snippet">Cà phê rang xay tại Quận 1.</div>
  </article>
  <article data-testid="result">
    <a data-testid="result-title-a"
       href="https://search.example.com/l/?uddg=https%3A%2F%2Fhoasen.vn%2F">Nhà Hàng Hoa Sen</a>
  </article>
</div>
<div class="nav-link"><form><input name="s" value="20" type="hidden"/><input type="submit" value="Next"/></form></div>
</body></html>`

const contactPageHTML = `<html><body>
<a href="tel:0283823 9999">Gọi ngay</a>
<a href="mailto:lienhe@cafex.vn?subject=hi">Email</a>
<p>Địa chỉ: 12 Lê Lợi, Phường Bến Nghé, Quận 1, TP.HCM</p>
</body></html>`

func newTestWebSearch(fetcher engine.Fetcher) *WebSearch {
	return newTestWebSearchPaced(fetcher, nopPacer{})
}

func newTestWebSearchPaced(fetcher engine.Fetcher, pacer engine.Pacer) *WebSearch {
	return NewWebSearch(Config{
		WebSearchBaseURL:     "https://search.example.com/html",
		SecondaryConcurrency: 2,
	}, fetcher, pacer, zap.NewNop())
}

func searchRequest() engine.RunRequest {
	return engine.RunRequest{
		Source:     engine.SourceWebSearch,
		Keyword:    "cà phê",
		Location:   "quận 1",
		MaxResults: 10,
	}
}

func TestWebSearchPageTarget(t *testing.T) {
	w := newTestWebSearch(nil)

	t.Run("first page", func(t *testing.T) {
		target, err := w.PageTarget(searchRequest(), nil)
		require.NoError(t, err)
		require.Contains(t, target.URL, "https://search.example.com/html/?")
		require.Contains(t, target.URL, "q=")
		require.NotContains(t, target.URL, "s=")
	})

	t.Run("offset page", func(t *testing.T) {
		target, err := w.PageTarget(searchRequest(), &webSearchCursor{offset: 20})
		require.NoError(t, err)
		require.Contains(t, target.URL, "s=20")
	})
}

func TestWebSearchExtractEnrichesFromSites(t *testing.T) {
	fetcher := new(MockFetcher)
	fetcher.On("Fetch", mock.Anything, engine.FetchTarget{URL: "https://cafex.vn/"}).
		Return(engine.PageContent{URL: "https://cafex.vn/", Body: []byte(contactPageHTML)}, nil)
	fetcher.On("Fetch", mock.Anything, engine.FetchTarget{URL: "https://hoasen.vn/"}).
		Return(engine.PageContent{}, errors.New("connection refused"))

	w := newTestWebSearch(fetcher)
	page := engine.PageContent{URL: "u", Body: []byte(searchPageHTML)}

	extraction, err := w.Extract(context.Background(), page, engine.ExtractContext{
		Request: searchRequest(), Remaining: 10,
	})
	require.NoError(t, err)
	require.Len(t, extraction.Candidates, 2)
	require.Equal(t, 1, extraction.SecondaryDegraded)

	enriched := extraction.Candidates[0]
	require.Equal(t, "Cafe X - Cà phê Quận 1", enriched.Get(engine.FieldName))
	require.Equal(t, "https://cafex.vn/", enriched.Get(engine.FieldWebsite))
	require.Equal(t, "0283823 9999", enriched.Get(engine.FieldPhone))
	require.Equal(t, "lienhe@cafex.vn", enriched.Get(engine.FieldEmail))
	require.Contains(t, enriched.Get(engine.FieldAddress), "12 Lê Lợi")

	degraded := extraction.Candidates[1]
	require.Equal(t, "Nhà Hàng Hoa Sen", degraded.Get(engine.FieldName))
	require.Equal(t, "https://hoasen.vn/", degraded.Get(engine.FieldWebsite))
	require.Empty(t, degraded.Get(engine.FieldPhone))

	require.True(t, extraction.Pagination.HasMore)
	next, ok := extraction.Pagination.NextCursor.(*webSearchCursor)
	require.True(t, ok)
	require.Equal(t, 2, next.offset)

	fetcher.AssertExpectations(t)
}

func TestWebSearchRemainingBoundsSecondaryFetches(t *testing.T) {
	fetcher := new(MockFetcher)
	fetcher.On("Fetch", mock.Anything, engine.FetchTarget{URL: "https://cafex.vn/"}).
		Return(engine.PageContent{URL: "https://cafex.vn/", Body: []byte(contactPageHTML)}, nil)

	w := newTestWebSearch(fetcher)
	page := engine.PageContent{URL: "u", Body: []byte(searchPageHTML)}

	extraction, err := w.Extract(context.Background(), page, engine.ExtractContext{
		Request: searchRequest(), Remaining: 1,
	})
	require.NoError(t, err)
	require.Len(t, extraction.Candidates, 1)
	fetcher.AssertNumberOfCalls(t, "Fetch", 1)
}

func TestWebSearchSecondaryFetchesArePaced(t *testing.T) {
	fetcher := new(MockFetcher)
	fetcher.On("Fetch", mock.Anything, mock.Anything).
		Return(engine.PageContent{Body: []byte(contactPageHTML)}, nil)

	pacer := &countingPacer{}
	w := newTestWebSearchPaced(fetcher, pacer)
	page := engine.PageContent{URL: "u", Body: []byte(searchPageHTML)}

	_, err := w.Extract(context.Background(), page, engine.ExtractContext{
		Request: searchRequest(), Remaining: 10,
	})
	require.NoError(t, err)

	waits := pacer.Waits()
	require.Len(t, waits, 2, "one pacer wait per site visit")
	for _, source := range waits {
		require.Equal(t, engine.SourceWebSearch, source)
	}
}

func TestWebSearchNoResultsIsNotUnrecognized(t *testing.T) {
	w := newTestWebSearch(new(MockFetcher))
	page := engine.PageContent{URL: "u", Body: []byte(`<html><body><div id="links"></div></body></html>`)}

	extraction, err := w.Extract(context.Background(), page, engine.ExtractContext{Request: searchRequest(), Remaining: 10})
	require.NoError(t, err)
	require.Empty(t, extraction.Candidates)
	require.False(t, extraction.Pagination.HasMore)
}

func TestWebSearchUnrecognizedPage(t *testing.T) {
	w := newTestWebSearch(new(MockFetcher))
	page := engine.PageContent{URL: "u", Body: []byte(`<html><body><h1>503</h1></body></html>`)}

	_, err := w.Extract(context.Background(), page, engine.ExtractContext{Request: searchRequest(), Remaining: 10})
	require.ErrorIs(t, err, engine.ErrUnrecognizedPage)
}

func TestUnwrapRedirect(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"wrapped", "https://search.example.com/l/?uddg=https%3A%2F%2Fcafex.vn%2Fmenu&rut=x", "https://cafex.vn/menu"},
		{"plain", "https://cafex.vn/", "https://cafex.vn/"},
		{"scheme relative", "//cafex.vn/", "https://cafex.vn/"},
		{"empty", "", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, unwrapRedirect(tc.in))
		})
	}
}
