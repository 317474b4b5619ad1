package extract

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/bizharvest/bizharvest/internal/engine"
)

const (
	searchResultSelector         = `article[data-testid="result"]`
	searchResultFallbackSelector = `li[data-layout="organic"]`
	searchTitleSelector          = `a[data-testid="result-title-a"]`
	searchSnippetSelector        = `[data-result="snippet"]`
	searchMoreSelector           = `.nav-link form, form input[name="s"], a.result--more__btn`
	searchShellSelector          = `#links, .results, input[name="q"]`
)

// WebSearch extracts organic results from the HTML search endpoint and then
// visits each result site to recover contact details. Contact fetches are
// best effort; a candidate that loses its site visit keeps name and website.
type WebSearch struct {
	cfg     Config
	fetcher engine.Fetcher
	pacer   engine.Pacer
	log     *zap.Logger
}

// NewWebSearch builds the web search extractor. fetcher performs the
// secondary site visits, paced by pacer like any other request.
func NewWebSearch(cfg Config, fetcher engine.Fetcher, pacer engine.Pacer, log *zap.Logger) *WebSearch {
	return &WebSearch{cfg: cfg.withDefaults(), fetcher: fetcher, pacer: pacer, log: log}
}

type webSearchCursor struct {
	offset int
}

// Source identifies the web search shape.
func (w *WebSearch) Source() engine.Source {
	return engine.SourceWebSearch
}

// PageTarget builds the search URL, carrying the result offset for pages
// after the first.
func (w *WebSearch) PageTarget(req engine.RunRequest, cursor engine.Cursor) (engine.FetchTarget, error) {
	query := req.Keyword
	if req.Location != "" {
		query += " " + req.Location
	}
	params := url.Values{}
	params.Set("q", query)
	if c, ok := cursor.(*webSearchCursor); ok && c != nil && c.offset > 0 {
		params.Set("s", fmt.Sprintf("%d", c.offset))
	}
	return engine.FetchTarget{
		URL: strings.TrimRight(w.cfg.WebSearchBaseURL, "/") + "/?" + params.Encode(),
	}, nil
}

// Extract parses the result list and enriches each result from its own site.
func (w *WebSearch) Extract(ctx context.Context, page engine.PageContent, ec engine.ExtractContext) (engine.Extraction, error) {
	doc, err := parseDocument(page)
	if err != nil {
		return engine.Extraction{}, err
	}

	results := doc.Find(searchResultSelector)
	if results.Length() == 0 {
		results = doc.Find(searchResultFallbackSelector)
	}
	if results.Length() == 0 && doc.Find(searchShellSelector).Length() == 0 {
		return engine.Extraction{}, fmt.Errorf("%s: %w", page.URL, engine.ErrUnrecognizedPage)
	}

	type hit struct {
		name    string
		website string
	}
	var hits []hit
	results.Each(func(_ int, sel *goquery.Selection) {
		title := sel.Find(searchTitleSelector).First()
		if title.Length() == 0 {
			title = sel.Find("h2 a, h3 a").First()
		}
		name := strings.TrimSpace(title.Text())
		href, _ := title.Attr("href")
		website := unwrapRedirect(href)
		if name == "" || website == "" {
			return
		}
		hits = append(hits, hit{name: name, website: website})
	})

	limit := len(hits)
	if ec.Remaining > 0 && ec.Remaining < limit {
		limit = ec.Remaining
	}

	targets := make([]engine.FetchTarget, limit)
	for i := 0; i < limit; i++ {
		targets[i] = engine.FetchTarget{URL: hits[i].website}
	}
	outcomes := fetchAll(ctx, w.fetcher, w.pacer, engine.SourceWebSearch, w.cfg.SecondaryConcurrency, targets)

	degraded := 0
	candidates := make([]engine.CandidateRecord, 0, limit)
	for i := 0; i < limit; i++ {
		cand := engine.NewCandidate(hits[i].website)
		cand.Set(engine.FieldName, hits[i].name)
		cand.Set(engine.FieldWebsite, hits[i].website)

		if outcomes[i].Err != nil {
			degraded++
			w.log.Warn("site visit failed, keeping degraded candidate",
				zap.String("website", hits[i].website),
				zap.Error(outcomes[i].Err),
			)
		} else if contactDoc, perr := parseDocument(outcomes[i].Page); perr != nil {
			degraded++
		} else {
			contacts := extractContacts(contactDoc)
			cand.Set(engine.FieldPhone, contacts.Phone)
			cand.Set(engine.FieldEmail, contacts.Email)
			cand.Set(engine.FieldAddress, contacts.Address)
		}
		candidates = append(candidates, cand)
	}

	offset := 0
	if c, ok := ec.Cursor.(*webSearchCursor); ok && c != nil {
		offset = c.offset
	}
	hasMore := len(hits) > 0 && doc.Find(searchMoreSelector).Length() > 0

	w.log.Debug("search page extracted",
		zap.Int("page_index", ec.PageIndex),
		zap.Int("results", len(hits)),
		zap.Int("degraded", degraded),
		zap.Bool("has_more", hasMore),
	)

	return engine.Extraction{
		Candidates:        candidates,
		Pagination:        engine.PaginationHint{HasMore: hasMore, NextCursor: &webSearchCursor{offset: offset + len(hits)}},
		SecondaryDegraded: degraded,
	}, nil
}

// unwrapRedirect resolves the search engine's redirect links, which wrap the
// destination in a uddg query parameter.
func unwrapRedirect(href string) string {
	if href == "" {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if wrapped := u.Query().Get("uddg"); wrapped != "" {
		if dest, derr := url.QueryUnescape(wrapped); derr == nil {
			return dest
		}
		return wrapped
	}
	if strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	return href
}
