package extract

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/bizharvest/bizharvest/internal/engine"
)

const (
	directoryFeedSelector      = `div[role="feed"]`
	directoryCardSelector      = "div.Nv2PK"
	directoryLinkSelector      = "a.hfpxzc"
	directorySponsoredSelector = ".jHLihd"
	directoryRatingSelector    = `span.ZkP5Je[role="img"]`
	directoryDetailSelector    = "div.W4Efsd"
)

var (
	permalinkCoordsPattern = regexp.MustCompile(`!3d(-?\d+\.\d+)!4d(-?\d+\.\d+)`)
	viewportCoordsPattern  = regexp.MustCompile(`@(-?\d+\.\d+),(-?\d+\.\d+)`)
	ratingAriaPattern      = regexp.MustCompile(`([\d][\d,.]*)\s+sao\s+([\d][\d,.]*)\s+bài đánh giá`)
	ratingOnlyAriaPattern  = regexp.MustCompile(`([\d][\d,.]*)\s+sao`)
)

// Directory extracts business cards from the map directory's scrollable
// result feed. Pagination is scroll depth: each page re-renders the feed with
// more scroll passes and reports only cards not seen on earlier pages.
type Directory struct {
	cfg Config
	log *zap.Logger
}

// NewDirectory builds the directory extractor.
func NewDirectory(cfg Config, log *zap.Logger) *Directory {
	return &Directory{cfg: cfg.withDefaults(), log: log}
}

type directoryCursor struct {
	scrollPasses int
	seen         map[string]struct{}
	// stablePages counts consecutive pages that surfaced no new cards.
	stablePages int
}

// Source identifies the directory shape.
func (d *Directory) Source() engine.Source {
	return engine.SourceDirectory
}

// PageTarget builds the search URL with the scroll depth recorded in cursor.
func (d *Directory) PageTarget(req engine.RunRequest, cursor engine.Cursor) (engine.FetchTarget, error) {
	passes := 0
	if c, ok := cursor.(*directoryCursor); ok && c != nil {
		passes = c.scrollPasses
	}
	query := req.Keyword
	if req.Location != "" {
		query += " " + req.Location
	}
	u := fmt.Sprintf("%s/maps/search/%s",
		strings.TrimRight(d.cfg.DirectoryBaseURL, "/"),
		url.PathEscape(query))
	return engine.FetchTarget{
		URL:            u,
		WaitSelector:   directoryFeedSelector,
		ScrollSelector: directoryFeedSelector,
		ScrollPasses:   passes,
	}, nil
}

// Extract pulls candidates from the rendered feed.
func (d *Directory) Extract(_ context.Context, page engine.PageContent, ec engine.ExtractContext) (engine.Extraction, error) {
	doc, err := parseDocument(page)
	if err != nil {
		return engine.Extraction{}, err
	}

	cards := doc.Find(directoryCardSelector)
	if cards.Length() == 0 && doc.Find(directoryFeedSelector).Length() == 0 {
		return engine.Extraction{}, fmt.Errorf("%s: %w", page.URL, engine.ErrUnrecognizedPage)
	}

	prev, _ := ec.Cursor.(*directoryCursor)
	seen := make(map[string]struct{})
	if prev != nil {
		for k := range prev.seen {
			seen[k] = struct{}{}
		}
	}

	var candidates []engine.CandidateRecord
	cards.Each(func(_ int, card *goquery.Selection) {
		if card.Find(directorySponsoredSelector).Length() > 0 {
			return
		}
		link := card.Find(directoryLinkSelector).First()
		href, _ := link.Attr("href")
		name, _ := link.Attr("aria-label")
		name = strings.TrimSpace(name)
		if href == "" || name == "" {
			return
		}
		if _, dup := seen[href]; dup {
			return
		}
		seen[href] = struct{}{}

		cand := engine.NewCandidate(href)
		cand.Set(engine.FieldName, name)
		cand.Set(engine.FieldWebsite, websiteFromCard(card))

		if lat, lng, ok := coordsFromHref(href); ok {
			cand.Set(engine.FieldLatitude, lat)
			cand.Set(engine.FieldLongitude, lng)
		}
		if rating, reviews, ok := ratingFromCard(card); ok {
			cand.Set(engine.FieldRating, rating)
			cand.Set(engine.FieldReviewsCount, reviews)
		}
		applyDetailLines(&cand, card)

		candidates = append(candidates, cand)
	})

	next := &directoryCursor{
		scrollPasses: scrollDepth(prev) + d.cfg.ScrollPasses,
		seen:         seen,
	}
	if len(candidates) == 0 {
		next.stablePages = stableCount(prev) + 1
	}
	hasMore := next.stablePages < d.cfg.MaxStablePages

	d.log.Debug("directory page extracted",
		zap.Int("page_index", ec.PageIndex),
		zap.Int("cards", cards.Length()),
		zap.Int("new_candidates", len(candidates)),
		zap.Bool("has_more", hasMore),
	)

	return engine.Extraction{
		Candidates: candidates,
		Pagination: engine.PaginationHint{HasMore: hasMore, NextCursor: next},
	}, nil
}

func scrollDepth(c *directoryCursor) int {
	if c == nil {
		return 0
	}
	return c.scrollPasses
}

func stableCount(c *directoryCursor) int {
	if c == nil {
		return 0
	}
	return c.stablePages
}

// coordsFromHref recovers the pin coordinates from the card's permalink,
// preferring the precise !3d/!4d pair over the viewport @lat,lng fallback.
func coordsFromHref(href string) (lat, lng string, ok bool) {
	if m := permalinkCoordsPattern.FindStringSubmatch(href); m != nil {
		return m[1], m[2], true
	}
	if m := viewportCoordsPattern.FindStringSubmatch(href); m != nil {
		return m[1], m[2], true
	}
	return "", "", false
}

// ratingFromCard parses the localized rating aria-label, which reads like
// "4,9 sao 31 bài đánh giá".
func ratingFromCard(card *goquery.Selection) (rating, reviews string, ok bool) {
	label, exists := card.Find(directoryRatingSelector).First().Attr("aria-label")
	if !exists {
		return "", "", false
	}
	if m := ratingAriaPattern.FindStringSubmatch(label); m != nil {
		return m[1], m[2], true
	}
	if m := ratingOnlyAriaPattern.FindStringSubmatch(label); m != nil {
		return m[1], "", true
	}
	return "", "", false
}

func websiteFromCard(card *goquery.Selection) string {
	href, _ := card.Find(`a[data-value="Trang web"], a[aria-label^="Truy cập"]`).First().Attr("href")
	return href
}

// applyDetailLines walks the card's detail rows, which hold middle-dot
// separated segments like "Nhà hàng · Quận 1, TP.HCM" and "Mở cửa · 028 3823 9999".
func applyDetailLines(cand *engine.CandidateRecord, card *goquery.Selection) {
	card.Find(directoryDetailSelector).Each(func(lineIdx int, line *goquery.Selection) {
		parts := strings.Split(line.Text(), "·")
		for partIdx, part := range parts {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			switch {
			case phonePattern.MatchString(part):
				cand.Set(engine.FieldPhone, phonePattern.FindString(part))
			case lineIdx == 0 && partIdx == 0 && !strings.ContainsAny(part, "0123456789"):
				cand.Set(engine.FieldCategory, part)
			case looksLikeAddress(part):
				if cand.Get(engine.FieldAddress) == "" {
					cand.Set(engine.FieldAddress, part)
				}
			}
		}
	})
}

func looksLikeAddress(s string) bool {
	if !strings.ContainsAny(s, "0123456789") {
		return false
	}
	lower := strings.ToLower(s)
	for _, marker := range []string{"đường", "phố", "quận", "phường", "tp", "street", "district", ","} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
