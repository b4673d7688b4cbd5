// Package fetch provides the Fetcher implementations: a fast Colly-based
// HTTP fetcher and a headless Chrome fetcher for JavaScript-heavy sites.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sitequest/sitequest/internal/crawler"
)

const defaultUserAgent = "sitequest/1.0 (+https://github.com/sitequest/sitequest)"

// CollyConfig tunes the HTTP fetcher.
type CollyConfig struct {
	UserAgent      string
	RequestTimeout time.Duration
	// MaxConnsPerHost bounds the transport (default 16).
	MaxConnsPerHost int
	// DomainQPS limits requests per second per host; zero disables.
	DomainQPS float64
}

func (c CollyConfig) withDefaults() CollyConfig {
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxConnsPerHost <= 0 {
		c.MaxConnsPerHost = 16
	}
	return c
}

// CollyFetcher implements crawler.Fetcher on a shared Colly collector. Safe
// for concurrent use; each Fetch clones the base collector.
type CollyFetcher struct {
	base           *colly.Collector
	logger         *zap.Logger
	domainQPS      float64
	domainLimiters sync.Map
}

// NewCollyFetcher constructs the fetcher with a tuned transport.
func NewCollyFetcher(cfg CollyConfig, logger *zap.Logger) *CollyFetcher {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	base := colly.NewCollector(colly.UserAgent(cfg.UserAgent))
	base.AllowURLRevisit = true // dedup is the frontier's job
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   32,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(cfg.RequestTimeout)

	return &CollyFetcher{
		base:      base,
		logger:    logger,
		domainQPS: cfg.DomainQPS,
	}
}

// Fetch retrieves one page. HTTP error statuses are returned as responses,
// not errors, so the caller decides how to record them.
func (f *CollyFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := f.waitDomainBudget(ctx, req.URL); err != nil {
		return crawler.FetchResponse{}, err
	}

	collector := f.base.Clone()
	resultCh := make(chan fetchResult, 1)
	var once sync.Once
	send := func(res fetchResult) {
		once.Do(func() { resultCh <- res })
	}

	start := time.Now()
	collector.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			for k, v := range *r.Headers {
				headers[k] = append([]string(nil), v...)
			}
		}
		send(fetchResult{resp: crawler.FetchResponse{
			URL:        req.URL,
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}})
	})
	collector.OnError(func(r *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown colly error")
		}
		// Colly reports non-2xx as errors; surface them as responses.
		if r != nil && r.StatusCode > 0 {
			send(fetchResult{resp: crawler.FetchResponse{
				URL:        req.URL,
				FinalURL:   req.URL,
				StatusCode: r.StatusCode,
				Body:       append([]byte(nil), r.Body...),
				Duration:   time.Since(start),
			}})
			return
		}
		send(fetchResult{err: err})
	})

	visit := collector.Visit
	if len(req.Headers) > 0 {
		visit = func(rawURL string) error {
			return collector.Request(http.MethodGet, rawURL, nil, nil, req.Headers)
		}
	}
	if err := visit(req.URL); err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("visit %s: %w", req.URL, err)
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		if err := ctx.Err(); err != nil {
			return crawler.FetchResponse{}, err
		}
		return res.resp, res.err
	default:
		return crawler.FetchResponse{}, errors.New("fetch produced no result")
	}
}

func (f *CollyFetcher) waitDomainBudget(ctx context.Context, rawURL string) error {
	if f.domainQPS <= 0 {
		return nil
	}
	host := crawler.Host(rawURL)
	val, _ := f.domainLimiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(f.domainQPS), 1))
	limiter := val.(*rate.Limiter)
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("domain rate limit: %w", err)
	}
	return nil
}

type fetchResult struct {
	resp crawler.FetchResponse
	err  error
}
