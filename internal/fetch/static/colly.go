// Package static contains the plain-HTTP fetcher for sources that do not
// need JavaScript rendering.
package static

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/bizharvest/bizharvest/internal/engine"
)

// Config controls the static fetcher.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher implements engine.Fetcher over colly. Each Fetch uses a fresh
// collector so runs never share cookie state.
type Fetcher struct {
	cfg Config
}

// New creates a static fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Fetcher{cfg: cfg}
}

// Fetch downloads one page. WaitSelector and scrolling are ignored; this
// fetcher never renders.
func (f *Fetcher) Fetch(ctx context.Context, target engine.FetchTarget) (engine.PageContent, error) {
	c := colly.NewCollector(
		colly.UserAgent(f.cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(f.cfg.Timeout)

	var (
		body     []byte
		status   int
		finalURL string
		fetchErr error
	)
	c.OnResponse(func(r *colly.Response) {
		body = r.Body
		status = r.StatusCode
		finalURL = r.Request.URL.String()
	})
	c.OnError(func(r *colly.Response, err error) {
		status = r.StatusCode
		fetchErr = err
	})
	c.OnRequest(func(r *colly.Request) {
		select {
		case <-ctx.Done():
			r.Abort()
			fetchErr = ctx.Err()
		default:
		}
	})

	start := time.Now()
	if err := c.Visit(target.URL); err != nil && fetchErr == nil {
		fetchErr = err
	}
	c.Wait()

	if fetchErr != nil {
		return engine.PageContent{}, classify(target.URL, status, fetchErr)
	}
	if status == http.StatusForbidden || status == http.StatusTooManyRequests || looksBlocked(body) {
		return engine.PageContent{}, engine.NewFetchError(engine.FetchBlocked, target.URL,
			fmt.Errorf("status %d", status))
	}

	return engine.PageContent{
		URL:      target.URL,
		FinalURL: finalURL,
		Status:   status,
		Body:     body,
		Rendered: false,
		Duration: time.Since(start),
	}, nil
}

func classify(url string, status int, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return engine.NewFetchError(engine.FetchTimeout, url, err)
	case status == http.StatusForbidden || status == http.StatusTooManyRequests:
		return engine.NewFetchError(engine.FetchBlocked, url, err)
	default:
		return engine.NewFetchError(engine.FetchNetwork, url, err)
	}
}

// looksBlocked sniffs interstitial challenge pages that arrive with a 200.
func looksBlocked(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	head := strings.ToLower(string(body[:min(len(body), 4096)]))
	return strings.Contains(head, "captcha") || strings.Contains(head, "unusual traffic")
}
