// Package headless contains fetchers that render pages in a real browser.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/bizharvest/bizharvest/internal/engine"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	Headless  bool
	UserAgent string
	Timeout   time.Duration
	// ScrollDelay is the settle time between scroll passes.
	ScrollDelay time.Duration
}

// Fetcher implements engine.Fetcher using chromedp and Chrome.
type Fetcher struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a browser-backed fetcher. Call Close when done to tear down
// the allocator.
func New(cfg Config) (*Fetcher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ScrollDelay <= 0 {
		cfg.ScrollDelay = 1500 * time.Millisecond
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("lang", "vi-VN,vi"),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch navigates to the target, optionally waits for a selector and scrolls
// the feed, then returns the rendered DOM.
func (f *Fetcher) Fetch(ctx context.Context, target engine.FetchTarget) (engine.PageContent, error) {
	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.cfg.Timeout)
	defer cancel()

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			taskCancel()
		case <-stop:
		}
	}()
	defer close(stop)

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := f.run(taskCtx, target)
	if err != nil {
		return engine.PageContent{}, classify(target.URL, err)
	}

	status, responseURL := meta.snapshotWithFallbacks(target.URL, finalURL)
	if status == http.StatusForbidden || status == http.StatusTooManyRequests {
		return engine.PageContent{}, engine.NewFetchError(engine.FetchBlocked, target.URL,
			fmt.Errorf("status %d", status))
	}

	return engine.PageContent{
		URL:      target.URL,
		FinalURL: responseURL,
		Status:   status,
		Body:     []byte(html),
		Rendered: true,
		Duration: time.Since(start),
	}, nil
}

func (f *Fetcher) run(ctx context.Context, target engine.FetchTarget) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(target.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if target.WaitSelector != "" {
		actions = append(actions, chromedp.WaitVisible(target.WaitSelector, chromedp.ByQuery))
	}
	for i := 0; i < target.ScrollPasses; i++ {
		actions = append(actions,
			f.scrollAction(target.ScrollSelector),
			chromedp.Sleep(f.cfg.ScrollDelay),
		)
	}
	actions = append(actions,
		chromedp.Sleep(500*time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (f *Fetcher) scrollAction(selector string) chromedp.Action {
	if selector == "" {
		return chromedp.Evaluate(`window.scrollBy(0, window.innerHeight)`, nil)
	}
	script := fmt.Sprintf(
		`(() => { const el = document.querySelector(%q); if (el) { el.scrollTop = el.scrollHeight; } })()`,
		selector,
	)
	return chromedp.Evaluate(script, nil)
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func classify(url string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return engine.NewFetchError(engine.FetchTimeout, url, err)
	}
	return engine.NewFetchError(engine.FetchNetwork, url, err)
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok {
		return
	}
	if resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.url = resp.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()

	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}
