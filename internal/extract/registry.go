package extract

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/bizharvest/bizharvest/internal/engine"
)

var (
	registryTotalPattern = regexp.MustCompile(`tìm thấy\s+([\d,\.]+)\s+hồ sơ`)

	taxIDPattern      = regexp.MustCompile(`Mã số thuế\s*[:：]?\s*([0-9][0-9\-]{8,13})`)
	legalRepPattern   = regexp.MustCompile(`Đại diện pháp luật\s*[:：]?\s*([^\n]+)`)
	regPhonePattern   = regexp.MustCompile(`Điện thoại\s*[:：]?\s*([\d][\d\s\.\+\-]{7,14})`)
	issueDatePattern  = regexp.MustCompile(`Ngày cấp\s*[:：]?\s*(\d{1,2}/\d{1,2}/\d{4})`)
	regStatusPattern  = regexp.MustCompile(`Trạng thái\s*[:：]?\s*([^\n]+)`)
	regAddressPattern = regexp.MustCompile(`Địa chỉ\s*[:：]?\s*([^\n]+)`)
)

// Registry extracts newly registered companies from the public registry's
// daily listing. Every listing requires a detail page visit; a candidate
// whose detail page cannot be fetched or parsed is dropped, since the
// listing alone carries too little to be a usable record.
type Registry struct {
	cfg     Config
	fetcher engine.Fetcher
	pacer   engine.Pacer
	log     *zap.Logger
}

// NewRegistry builds the registry extractor. fetcher performs the detail
// page visits, paced by pacer like any other request.
func NewRegistry(cfg Config, fetcher engine.Fetcher, pacer engine.Pacer, log *zap.Logger) *Registry {
	return &Registry{cfg: cfg.withDefaults(), fetcher: fetcher, pacer: pacer, log: log}
}

type registryCursor struct {
	page       int
	totalPages int
}

// Source identifies the registry shape.
func (r *Registry) Source() engine.Source {
	return engine.SourceRegistry
}

// PageTarget builds the daily listing URL. Pages after the first append a
// page suffix.
func (r *Registry) PageTarget(req engine.RunRequest, cursor engine.Cursor) (engine.FetchTarget, error) {
	page := 1
	if c, ok := cursor.(*registryCursor); ok && c != nil {
		page = c.page
	}
	base := strings.TrimRight(r.cfg.RegistryBaseURL, "/")
	u := fmt.Sprintf("%s/ngay-%d/%d/%d", base, req.Date.Day(), int(req.Date.Month()), req.Date.Year())
	if page > 1 {
		u = fmt.Sprintf("%s/page-%d", u, page)
	}
	return engine.FetchTarget{URL: u}, nil
}

// Extract parses the listing page, visits each detail page, and keeps only
// candidates whose detail page yielded structured fields.
func (r *Registry) Extract(ctx context.Context, page engine.PageContent, ec engine.ExtractContext) (engine.Extraction, error) {
	doc, err := parseDocument(page)
	if err != nil {
		return engine.Extraction{}, err
	}

	total, totalFound := reportedTotal(doc)

	type listing struct {
		name      string
		detailURL string
	}
	var listings []listing
	doc.Find("li").Each(func(_ int, li *goquery.Selection) {
		link := li.Find("h3 a").First()
		if link.Length() == 0 {
			return
		}
		name := strings.TrimSpace(link.Text())
		href, _ := link.Attr("href")
		detail := resolveURL(r.cfg.RegistryBaseURL, href)
		if name == "" || detail == "" {
			return
		}
		listings = append(listings, listing{name: name, detailURL: detail})
	})

	if len(listings) == 0 && !totalFound {
		return engine.Extraction{}, fmt.Errorf("%s: %w", page.URL, engine.ErrUnrecognizedPage)
	}

	limit := len(listings)
	if ec.Remaining > 0 && ec.Remaining < limit {
		limit = ec.Remaining
	}

	targets := make([]engine.FetchTarget, limit)
	for i := 0; i < limit; i++ {
		targets[i] = engine.FetchTarget{URL: listings[i].detailURL}
	}
	outcomes := fetchAll(ctx, r.fetcher, r.pacer, engine.SourceRegistry, r.cfg.SecondaryConcurrency, targets)

	dropped := 0
	candidates := make([]engine.CandidateRecord, 0, limit)
	for i := 0; i < limit; i++ {
		if outcomes[i].Err != nil {
			dropped++
			r.log.Warn("detail page fetch failed, dropping candidate",
				zap.String("detail_url", listings[i].detailURL),
				zap.Error(outcomes[i].Err),
			)
			continue
		}
		detailDoc, perr := parseDocument(outcomes[i].Page)
		if perr != nil {
			dropped++
			continue
		}
		cand := engine.NewCandidate(listings[i].detailURL)
		cand.Set(engine.FieldName, listings[i].name)
		applyDetailFields(&cand, detailDoc)
		if cand.Get(engine.FieldTaxID) == "" && len(cand.Fields) <= 1 {
			dropped++
			r.log.Warn("detail page yielded no structured fields, dropping candidate",
				zap.String("detail_url", listings[i].detailURL),
			)
			continue
		}
		candidates = append(candidates, cand)
	}

	pageNum := 1
	if c, ok := ec.Cursor.(*registryCursor); ok && c != nil {
		pageNum = c.page
	}
	totalPages := pagesForTotal(total, r.cfg.RegistryPageSize)
	if c, ok := ec.Cursor.(*registryCursor); ok && c != nil && !totalFound {
		totalPages = c.totalPages
	}
	hasMore := len(listings) > 0 && pageNum < totalPages

	r.log.Debug("registry page extracted",
		zap.Int("page", pageNum),
		zap.Int("listings", len(listings)),
		zap.Int("dropped", dropped),
		zap.Int("total_pages", totalPages),
		zap.Bool("has_more", hasMore),
	)

	return engine.Extraction{
		Candidates:       candidates,
		Pagination:       engine.PaginationHint{HasMore: hasMore, NextCursor: &registryCursor{page: pageNum + 1, totalPages: totalPages}},
		SecondaryDropped: dropped,
	}, nil
}

// reportedTotal reads the record count the listing header announces, e.g.
// "tìm thấy 1,234 hồ sơ".
func reportedTotal(doc *goquery.Document) (int, bool) {
	m := registryTotalPattern.FindStringSubmatch(doc.Text())
	if m == nil {
		return 0, false
	}
	digits := strings.NewReplacer(",", "", ".", "").Replace(m[1])
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return n, true
}

func pagesForTotal(total, pageSize int) int {
	if total <= 0 {
		return 1
	}
	return int(math.Ceil(float64(total) / float64(pageSize)))
}

// applyDetailFields scrapes the labeled fields from a company detail page.
func applyDetailFields(cand *engine.CandidateRecord, doc *goquery.Document) {
	text := doc.Text()
	set := func(field string, pattern *regexp.Regexp) {
		if m := pattern.FindStringSubmatch(text); m != nil {
			cand.Set(field, strings.TrimSpace(m[1]))
		}
	}
	set(engine.FieldTaxID, taxIDPattern)
	set(engine.FieldLegalRep, legalRepPattern)
	set(engine.FieldPhone, regPhonePattern)
	set(engine.FieldIssueDate, issueDatePattern)
	set(engine.FieldStatusText, regStatusPattern)
	set(engine.FieldAddress, regAddressPattern)
}

func resolveURL(base, href string) string {
	if href == "" {
		return ""
	}
	refURL, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if refURL.IsAbs() {
		return href
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return ""
	}
	return baseURL.ResolveReference(refURL).String()
}
