// Package worker runs the fetch loop for one job: pop a frontier entry,
// fetch, extract, decide, push children, report. Workers never touch job
// state directly; every outcome flows through the coordinator.
package worker

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sitequest/sitequest/internal/coordinator"
	"github.com/sitequest/sitequest/internal/crawler"
	"github.com/sitequest/sitequest/internal/decision"
)

// Config sizes the pool for one job.
type Config struct {
	// Workers is the number of concurrent fetch loops (default 4).
	Workers int
	// IdleWait is the poll interval while the frontier is empty but pages
	// are still in flight (default 100ms).
	IdleWait time.Duration
	// Retry bounds per-fetch retries.
	Retry RetryConfig
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.IdleWait <= 0 {
		c.IdleWait = 100 * time.Millisecond
	}
	c.Retry = c.Retry.withDefaults()
	return c
}

// Deps are the collaborators a pool needs. Store and Blobs are optional;
// their failures are logged and never fail the job.
type Deps struct {
	Coordinator *coordinator.Coordinator
	Engine      *decision.Engine
	Fetcher     crawler.Fetcher
	Extractor   crawler.Extractor
	Store       crawler.ResultStore
	Blobs       crawler.BlobStore
	Clock       crawler.Clock
	Logger      *zap.Logger
}

// Pool executes one job's crawl with a fixed number of workers.
type Pool struct {
	cfg  Config
	deps Deps

	jobID     string
	objective string
	formats   []crawler.Format
}

// New builds a Pool. The job's formats and objective are read once from the
// coordinator; they are immutable for the job's lifetime.
func New(cfg Config, deps Deps) *Pool {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	job := deps.Coordinator.Snapshot()
	formats := job.Config.Formats
	if len(formats) == 0 {
		formats = []crawler.Format{crawler.FormatMarkdown}
	}
	workers := cfg.Workers
	if job.Config.Concurrency > 0 {
		workers = job.Config.Concurrency
	}
	cfg.Workers = workers
	return &Pool{
		cfg:       cfg.withDefaults(),
		deps:      deps,
		jobID:     job.ID,
		objective: job.Objective,
		formats:   formats,
	}
}

// Run starts the coordinator and blocks until the job reaches a terminal
// state or ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	p.deps.Coordinator.Start()

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx)
		}()
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		entry, ok, done := p.deps.Coordinator.Next()
		if done {
			return
		}
		if !ok {
			select {
			case <-time.After(p.cfg.IdleWait):
			case <-ctx.Done():
			}
			continue
		}
		// A fatal cause rides inside the report so recording the failed page
		// and failing the job happen in one coordinator step.
		rep, fatal := p.process(ctx, entry)
		rep.Fatal = fatal
		p.deps.Coordinator.ReportResult(rep)
		if fatal != nil {
			return
		}
	}
}

// process handles one frontier entry and always produces exactly one Report
// so the coordinator's in-flight accounting stays balanced, even on panic.
func (p *Pool) process(ctx context.Context, entry crawler.FrontierEntry) (rep coordinator.Report, fatal error) {
	defer func() {
		if r := recover(); r != nil {
			p.deps.Logger.Error("worker panic recovered",
				zap.String("job_id", p.jobID),
				zap.String("url", entry.URL),
				zap.Any("panic", r),
			)
			rep = coordinator.Report{Page: crawler.PageResult{
				URL:       entry.URL,
				Success:   false,
				ErrorText: "internal error",
				FetchedAt: p.deps.Clock.Now(),
			}}
			fatal = nil
		}
	}()

	resp, err := fetchWithRetry(ctx, p.deps.Fetcher, crawler.FetchRequest{
		JobID: p.jobID,
		URL:   entry.URL,
		Depth: entry.Depth,
	}, p.cfg.Retry)
	if err != nil {
		page := crawler.PageResult{
			URL:       entry.URL,
			Success:   false,
			ErrorText: err.Error(),
			FetchedAt: p.deps.Clock.Now(),
		}
		if crawler.IsFatal(err) {
			return coordinator.Report{Page: page}, err
		}
		return coordinator.Report{Page: page}, nil
	}
	if resp.StatusCode >= 400 {
		return coordinator.Report{Page: crawler.PageResult{
			URL:        entry.URL,
			Success:    false,
			StatusCode: resp.StatusCode,
			ErrorText:  fmt.Sprintf("http status %d", resp.StatusCode),
			FetchedAt:  p.deps.Clock.Now(),
			DurationMs: resp.Duration.Milliseconds(),
		}}, nil
	}

	p.archive(ctx, resp.Body)

	ext, err := p.deps.Extractor.Extract(ctx, resp.Body, resp.FinalURL, p.extractFormats())
	if err != nil {
		return coordinator.Report{Page: crawler.PageResult{
			URL:        entry.URL,
			Success:    false,
			StatusCode: resp.StatusCode,
			ErrorText:  fmt.Sprintf("extract: %v", err),
			FetchedAt:  p.deps.Clock.Now(),
			DurationMs: resp.Duration.Milliseconds(),
		}}, nil
	}

	res := p.deps.Engine.Decide(ctx, decision.Request{
		JobID:     p.jobID,
		URL:       entry.URL,
		Content:   oracleContent(ext),
		Objective: p.objective,
		ChildURLs: len(ext.Links),
	})

	page := crawler.PageResult{
		URL:        entry.URL,
		Success:    true,
		StatusCode: resp.StatusCode,
		Relevance:  res.Relevance,
		FetchedAt:  p.deps.Clock.Now(),
		DurationMs: resp.Duration.Milliseconds(),
	}
	if p.wantsFormat(crawler.FormatMarkdown) {
		page.Markdown = ext.Markdown
	}
	if p.wantsFormat(crawler.FormatText) {
		page.Text = ext.Text
	}
	if p.wantsFormat(crawler.FormatLinks) {
		page.Links = append([]string(nil), ext.Links...)
	}

	dec := res.Decision
	report := coordinator.Report{Page: page, Decision: &dec}
	if dec.Action != crawler.ActionSkip {
		report.Children = p.children(entry, ext.Links, res)
		p.persist(ctx, page)
	}
	return report, nil
}

// children assigns push-time priorities to the page's outbound links plus
// any URLs the oracle suggested.
func (p *Pool) children(parent crawler.FrontierEntry, links []string, res decision.Result) []crawler.FrontierEntry {
	now := p.deps.Clock.Now()
	candidates := make([]string, 0, len(links)+len(res.ChildURLs))
	candidates = append(candidates, links...)
	candidates = append(candidates, res.ChildURLs...)

	out := make([]crawler.FrontierEntry, 0, len(candidates))
	for _, link := range candidates {
		out = append(out, crawler.FrontierEntry{
			URL:        link,
			Depth:      parent.Depth + 1,
			Parent:     parent.URL,
			Priority:   p.deps.Engine.ChildPriority(link, res),
			Discovered: now,
		})
	}
	return out
}

// extractFormats is the requested set plus what the pipeline itself needs:
// links for discovery, text for oracle scoring.
func (p *Pool) extractFormats() []crawler.Format {
	out := append([]crawler.Format(nil), p.formats...)
	if !containsFormat(out, crawler.FormatLinks) {
		out = append(out, crawler.FormatLinks)
	}
	if p.objective != "" && !containsFormat(out, crawler.FormatText) {
		out = append(out, crawler.FormatText)
	}
	return out
}

func (p *Pool) wantsFormat(f crawler.Format) bool {
	return containsFormat(p.formats, f)
}

func containsFormat(formats []crawler.Format, f crawler.Format) bool {
	for _, have := range formats {
		if have == f {
			return true
		}
	}
	return false
}

func oracleContent(ext crawler.Extraction) string {
	if ext.Markdown != "" {
		return ext.Markdown
	}
	return ext.Text
}

func (p *Pool) archive(ctx context.Context, body []byte) {
	if p.deps.Blobs == nil || len(body) == 0 {
		return
	}
	name := fmt.Sprintf("jobs/%s/%x.html", p.jobID, sha256.Sum256(body))
	if err := p.deps.Blobs.Save(ctx, name, body); err != nil {
		p.deps.Logger.Warn("artifact archive failed",
			zap.String("job_id", p.jobID),
			zap.String("object", name),
			zap.Error(err),
		)
	}
}

func (p *Pool) persist(ctx context.Context, page crawler.PageResult) {
	if p.deps.Store == nil {
		return
	}
	if err := p.deps.Store.SavePage(ctx, p.jobID, page); err != nil {
		p.deps.Logger.Warn("page persistence failed",
			zap.String("job_id", p.jobID),
			zap.String("url", page.URL),
			zap.Error(err),
		)
	}
}
