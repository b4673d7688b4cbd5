// Package coordinator owns the per-job state machine. One coordinator is the
// single writer for its Job record; workers feed it results through
// ReportResult and everything readers see is a deep-copied snapshot.
package coordinator

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sitequest/sitequest/internal/crawler"
	"github.com/sitequest/sitequest/internal/frontier"
	"github.com/sitequest/sitequest/internal/pattern"
	"github.com/sitequest/sitequest/internal/progress"
)

// DefaultSatisfactionTarget is the cumulative relevance mass that counts as a
// fully satisfied objective when the client does not set one.
const DefaultSatisfactionTarget = 5.0

const seedPriority = 1.0

// Report carries one worker iteration's outcome back to the coordinator.
type Report struct {
	// Page is the fetch outcome. For failed fetches Success is false and the
	// page is recorded as a failure-marked result.
	Page crawler.PageResult
	// Decision is nil when the fetch failed before the engine ran.
	Decision *crawler.Decision
	// Children are candidate URLs discovered on the page, with push-time
	// priorities already assigned.
	Children []crawler.FrontierEntry
	// Fatal carries a systemic fetcher failure. ReportResult transitions the
	// job to error in the same locked step it records the page, so a sibling
	// worker draining the frontier can never observe nothing-in-flight and
	// finish the job as done first.
	Fatal error
}

// Coordinator drives one job from pending to a terminal state.
type Coordinator struct {
	mu       sync.Mutex
	job      crawler.Job
	frontier *frontier.Frontier
	patterns *pattern.Index
	emitter  progress.Emitter
	clock    crawler.Clock
	logger   *zap.Logger

	decisions      []crawler.Decision
	relevanceSum   float64
	fetchSuccesses int
	inflight       int
	doneCh         chan struct{}
}

// New builds a coordinator for an accepted submission. Include and exclude
// patterns must already be validated; a compile failure here is an error.
func New(sub crawler.Submission, emitter progress.Emitter, clock crawler.Clock, logger *zap.Logger) (*Coordinator, error) {
	include, err := compilePatterns(sub.Config.IncludePatterns)
	if err != nil {
		return nil, fmt.Errorf("include patterns: %w", err)
	}
	exclude, err := compilePatterns(sub.Config.ExcludePatterns)
	if err != nil {
		return nil, fmt.Errorf("exclude patterns: %w", err)
	}
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Coordinator{
		job: crawler.Job{
			ID:        sub.JobID,
			Status:    crawler.JobStatusPending,
			SeedURL:   sub.SeedURL,
			Objective: sub.Objective,
			Config:    sub.Config,
			Webhook:   sub.Webhook,
			Submitted: time.Unix(sub.Submitted, 0).UTC(),
		},
		frontier: frontier.New(frontier.Config{
			MaxPages:   sub.Config.MaxPages,
			MaxDepth:   sub.Config.MaxDepth,
			MaxDomains: sub.Config.MaxDomains,
			Include:    include,
			Exclude:    exclude,
		}),
		patterns: pattern.NewIndex(),
		emitter:  emitter,
		clock:    clock,
		logger:   logger.With(zap.String("job_id", sub.JobID)),
		doneCh:   make(chan struct{}),
	}

	if !c.frontier.Push(crawler.FrontierEntry{
		URL:        sub.SeedURL,
		Depth:      0,
		Priority:   seedPriority,
		Discovered: c.clock.Now(),
	}) {
		return nil, fmt.Errorf("seed url %q rejected by frontier", sub.SeedURL)
	}
	c.job.PagesFound = c.frontier.Accepted()
	return c, nil
}

func compilePatterns(raw []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(raw))
	for _, p := range raw {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Start transitions the job from pending to running and emits job.started.
// Starting a job twice or after a terminal state is a no-op.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job.Status != crawler.JobStatusPending {
		return
	}
	now := c.clock.Now()
	c.job.Status = crawler.JobStatusRunning
	c.job.Started = &now
	c.emitter.Emit(progress.Event{
		Type:  progress.EventJobStarted,
		JobID: c.job.ID,
		TS:    now,
		Data: map[string]any{
			"url":       c.job.SeedURL,
			"objective": c.job.Objective,
		},
	})
}

// Next hands the caller the highest-priority pending entry.
//
// The tri-state return distinguishes three situations a worker must handle
// differently: (entry, true, false) means fetch it; (_, false, false) means
// the frontier is momentarily empty but siblings are still in flight, so wait
// and retry; (_, false, true) means the job reached a terminal state and the
// worker should exit. The terminal transition happens inside Next once the
// frontier drains with nothing in flight.
func (c *Coordinator) Next() (crawler.FrontierEntry, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.job.Status.IsTerminal() {
		return crawler.FrontierEntry{}, false, true
	}
	if c.timeLimitExceededLocked() {
		c.finishLocked("time limit reached")
		return crawler.FrontierEntry{}, false, true
	}
	if entry, ok := c.frontier.Pop(); ok {
		c.inflight++
		return entry, true, false
	}
	if c.inflight == 0 {
		c.finishLocked("frontier exhausted")
		return crawler.FrontierEntry{}, false, true
	}
	return crawler.FrontierEntry{}, false, false
}

func (c *Coordinator) timeLimitExceededLocked() bool {
	if c.job.Config.TimeLimit <= 0 || c.job.Started == nil {
		return false
	}
	return c.clock.Now().Sub(*c.job.Started) >= c.job.Config.TimeLimit
}

// ReportResult folds one worker iteration into the job. Results arriving
// after a terminal transition are dropped: the terminal snapshot is
// immutable.
func (c *Coordinator) ReportResult(rep Report) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inflight--
	if c.job.Status.IsTerminal() {
		return
	}

	if rep.Decision != nil {
		c.decisions = append(c.decisions, *rep.Decision)
		c.emitter.Emit(progress.Event{
			Type:  progress.EventDecisionMade,
			JobID: c.job.ID,
			TS:    rep.Decision.At,
			Data: map[string]any{
				"url":        rep.Decision.URL,
				"action":     string(rep.Decision.Action),
				"reasoning":  rep.Decision.Reasoning,
				"confidence": rep.Decision.Confidence,
			},
		})
	}

	if rep.Page.Success {
		c.fetchSuccesses++
	}

	// Skipped pages keep their decision-log entry but stay out of the
	// result set; failed fetches are recorded so the client sees them.
	kept := rep.Decision == nil || rep.Decision.Action != crawler.ActionSkip
	if kept {
		c.job.Results = append(c.job.Results, rep.Page)
		c.job.PagesCompleted = len(c.job.Results)
		if rep.Page.Success {
			c.relevanceSum += rep.Page.Relevance
			c.patterns.Learn(rep.Page.URL)
		}
	}

	for _, child := range rep.Children {
		c.frontier.Push(child)
	}
	c.job.PagesFound = c.frontier.Accepted()

	c.emitter.Emit(progress.Event{
		Type:  progress.EventPageScraped,
		JobID: c.job.ID,
		TS:    c.clock.Now(),
		Data: map[string]any{
			"url":         rep.Page.URL,
			"success":     rep.Page.Success,
			"status_code": rep.Page.StatusCode,
			"relevance":   rep.Page.Relevance,
		},
	})

	if rep.Fatal != nil {
		c.failLocked("fetch_fatal", rep.Fatal.Error())
		return
	}

	if c.objectiveSatisfiedLocked() {
		c.finishLocked("objective satisfied")
	}
}

func (c *Coordinator) objectiveSatisfiedLocked() bool {
	if c.job.Objective == "" || !c.job.Config.EarlyTermination {
		return false
	}
	return c.objectiveCompletionLocked() >= 1
}

func (c *Coordinator) objectiveCompletionLocked() float64 {
	target := c.job.Config.SatisfactionTarget
	if target <= 0 {
		target = DefaultSatisfactionTarget
	}
	completion := c.relevanceSum / target
	if completion > 1 {
		completion = 1
	}
	return completion
}

// finishLocked resolves the natural terminal state: done when at least one
// page was fetched, error when every fetch failed.
func (c *Coordinator) finishLocked(reason string) {
	now := c.clock.Now()
	if c.fetchSuccesses == 0 {
		c.job.Status = crawler.JobStatusError
		c.job.Error = &crawler.JobError{
			Code:       "all_fetches_failed",
			Message:    "no page could be fetched",
			OccurredAt: now,
		}
		c.job.Completed = &now
		close(c.doneCh)
		c.logger.Warn("job failed", zap.String("reason", c.job.Error.Message))
		c.emitter.Emit(progress.Event{
			Type:  progress.EventJobError,
			JobID: c.job.ID,
			TS:    now,
			Data: map[string]any{
				"code":    c.job.Error.Code,
				"message": c.job.Error.Message,
			},
		})
		return
	}
	c.job.Status = crawler.JobStatusDone
	c.job.Completed = &now
	close(c.doneCh)
	c.logger.Info("job done",
		zap.String("reason", reason),
		zap.Int("pages_completed", c.job.PagesCompleted),
	)
	c.emitter.Emit(progress.Event{
		Type:  progress.EventJobCompleted,
		JobID: c.job.ID,
		TS:    now,
		Data: map[string]any{
			"status":               string(crawler.JobStatusDone),
			"reason":               reason,
			"pages_completed":      c.job.PagesCompleted,
			"objective_completion": c.objectiveCompletionLocked(),
		},
	})
}

// Fail forces the job into the error state with a structured cause. Partial
// results collected so far are retained. No-op after a terminal state.
func (c *Coordinator) Fail(code, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job.Status.IsTerminal() {
		return
	}
	c.failLocked(code, message)
}

func (c *Coordinator) failLocked(code, message string) {
	now := c.clock.Now()
	c.job.Status = crawler.JobStatusError
	c.job.Error = &crawler.JobError{Code: code, Message: message, OccurredAt: now}
	c.job.Completed = &now
	close(c.doneCh)
	c.logger.Warn("job failed", zap.String("code", code), zap.String("message", message))
	c.emitter.Emit(progress.Event{
		Type:  progress.EventJobError,
		JobID: c.job.ID,
		TS:    now,
		Data:  map[string]any{"code": code, "message": message},
	})
}

// Cancel moves the job to cancelled. Results collected so far are retained
// and job.completed is emitted with the cancelled status so webhook
// consumers observe a single terminal notification. No-op after a terminal
// state.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job.Status.IsTerminal() {
		return
	}
	now := c.clock.Now()
	c.job.Status = crawler.JobStatusCancelled
	c.job.Completed = &now
	close(c.doneCh)
	c.logger.Info("job cancelled")
	c.emitter.Emit(progress.Event{
		Type:  progress.EventJobCompleted,
		JobID: c.job.ID,
		TS:    now,
		Data: map[string]any{
			"status":               string(crawler.JobStatusCancelled),
			"pages_completed":      c.job.PagesCompleted,
			"objective_completion": c.objectiveCompletionLocked(),
		},
	})
}

// Snapshot returns a deep copy of the job record, safe to serialize while
// workers keep reporting.
func (c *Coordinator) Snapshot() crawler.Job {
	c.mu.Lock()
	defer c.mu.Unlock()

	job := c.job
	if c.job.Started != nil {
		started := *c.job.Started
		job.Started = &started
	}
	if c.job.Completed != nil {
		completed := *c.job.Completed
		job.Completed = &completed
	}
	if c.job.Error != nil {
		jobErr := *c.job.Error
		job.Error = &jobErr
	}
	if c.job.Webhook != nil {
		webhook := crawler.WebhookConfig{
			URL:    c.job.Webhook.URL,
			Events: append([]string(nil), c.job.Webhook.Events...),
		}
		job.Webhook = &webhook
	}
	job.Config.Formats = append([]crawler.Format(nil), c.job.Config.Formats...)
	job.Config.IncludePatterns = append([]string(nil), c.job.Config.IncludePatterns...)
	job.Config.ExcludePatterns = append([]string(nil), c.job.Config.ExcludePatterns...)
	job.Results = make([]crawler.PageResult, len(c.job.Results))
	for i, res := range c.job.Results {
		res.Links = append([]string(nil), res.Links...)
		job.Results[i] = res
	}
	return job
}

// Decisions returns a copy of the decision log in arrival order.
func (c *Coordinator) Decisions() []crawler.Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]crawler.Decision(nil), c.decisions...)
}

// Patterns returns the job's learned URL templates, ordered by confidence.
func (c *Coordinator) Patterns() []crawler.DiscoveredPattern {
	return c.patterns.Snapshot()
}

// PatternIndex exposes the live index so the decision engine can score
// candidate URLs against it.
func (c *Coordinator) PatternIndex() *pattern.Index {
	return c.patterns
}

// Done is closed once the job reaches a terminal state.
func (c *Coordinator) Done() <-chan struct{} {
	return c.doneCh
}

// ID returns the job id.
func (c *Coordinator) ID() string {
	return c.job.ID
}
