package fetch

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
	"go.uber.org/zap"

	"github.com/sitequest/sitequest/internal/crawler"
)

// ErrHeadlessDisabled indicates headless fetching is disabled via
// configuration.
var ErrHeadlessDisabled = errors.New("headless fetcher disabled")

// HeadlessConfig tunes the Chrome-backed fetcher.
type HeadlessConfig struct {
	UserAgent string
	// MaxConcurrency bounds simultaneous tabs; zero disables the fetcher.
	MaxConcurrency int
	// NavTimeout bounds a single page load (default 45s).
	NavTimeout time.Duration
}

// HeadlessFetcher renders pages in headless Chrome via chromedp. A single
// browser process is shared; each Fetch runs in its own tab.
type HeadlessFetcher struct {
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	logger          *zap.Logger
	sem             chan struct{}
	timeout         time.Duration
	userAgent       string
}

// NewHeadlessFetcher launches the shared browser. A launch failure is
// returned so the caller can fall back to the HTTP fetcher.
func NewHeadlessFetcher(cfg HeadlessConfig, logger *zap.Logger) (*HeadlessFetcher, error) {
	if cfg.MaxConcurrency <= 0 {
		return nil, ErrHeadlessDisabled
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.UserAgent(cfg.UserAgent),
	)
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	return &HeadlessFetcher{
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		logger:          logger,
		sem:             make(chan struct{}, cfg.MaxConcurrency),
		timeout:         cfg.NavTimeout,
		userAgent:       cfg.UserAgent,
	}, nil
}

// Close tears down the browser and allocator contexts.
func (f *HeadlessFetcher) Close() error {
	if f == nil {
		return nil
	}
	f.browserCancel()
	f.allocatorCancel()
	return nil
}

// Fetch navigates a fresh tab to the URL and returns the rendered DOM.
// Browser-level failures are marked fatal: once Chrome is gone every
// subsequent fetch for the job would fail the same way.
func (f *HeadlessFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	if f == nil {
		return crawler.FetchResponse{}, ErrHeadlessDisabled
	}

	select {
	case f.sem <- struct{}{}:
		defer func() { <-f.sem }()
	case <-ctx.Done():
		return crawler.FetchResponse{}, fmt.Errorf("acquire tab slot: %w", ctx.Err())
	}

	if err := f.browserCtx.Err(); err != nil {
		return crawler.FetchResponse{}, crawler.Fatal(fmt.Errorf("browser unavailable: %w", err))
	}

	tabCtx, cancelTab := chromedp.NewContext(f.browserCtx)
	defer cancelTab()
	taskCtx, cancelTask := context.WithTimeout(tabCtx, f.timeout)
	defer cancelTask()
	stop := forwardCancel(ctx, cancelTask)
	defer stop()

	meta := &responseMeta{headers: make(http.Header)}
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok || resp.Type != network.ResourceTypeDocument {
			return
		}
		meta.once.Do(func() {
			meta.statusCode = int(resp.Response.Status)
			meta.url = resp.Response.URL
			for k, v := range resp.Response.Headers {
				meta.headers.Add(k, fmt.Sprint(v))
			}
		})
	})

	start := time.Now()
	var html string
	err := chromedp.Run(taskCtx, chromedp.Tasks{
		network.Enable(),
		emulation.SetUserAgentOverride(f.userAgent),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	})
	if err != nil {
		if f.browserCtx.Err() != nil {
			return crawler.FetchResponse{}, crawler.Fatal(fmt.Errorf("browser crashed: %w", err))
		}
		return crawler.FetchResponse{}, fmt.Errorf("render %s: %w", req.URL, err)
	}

	status := meta.statusCode
	if status == 0 {
		status = http.StatusOK
	}
	finalURL := meta.url
	if finalURL == "" {
		finalURL = req.URL
	}
	return crawler.FetchResponse{
		URL:        req.URL,
		FinalURL:   finalURL,
		StatusCode: status,
		Headers:    meta.headers,
		Body:       []byte(html),
		Duration:   time.Since(start),
	}, nil
}

type responseMeta struct {
	once       sync.Once
	statusCode int
	headers    http.Header
	url        string
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
