package coordinator

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitequest/sitequest/internal/crawler"
	"github.com/sitequest/sitequest/internal/progress"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *captureEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	e.events = append(e.events, evt)
	e.mu.Unlock()
}

func (e *captureEmitter) types() []progress.EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]progress.EventType, len(e.events))
	for i, evt := range e.events {
		out[i] = evt.Type
	}
	return out
}

func submission(cfg crawler.JobConfig) crawler.Submission {
	return crawler.Submission{
		JobID:     "job-1",
		SeedURL:   "https://example.com/docs",
		Config:    cfg,
		Submitted: time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC).Unix(),
	}
}

func successPage(url string) crawler.PageResult {
	return crawler.PageResult{URL: url, Success: true, StatusCode: 200, Relevance: 0.7}
}

func crawlDecision(url string) *crawler.Decision {
	return &crawler.Decision{
		URL:        url,
		Action:     crawler.ActionCrawl,
		Reasoning:  "relevant",
		Confidence: 0.7,
		At:         time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC),
	}
}

func TestCoordinator_SeedIsQueuedAtCreation(t *testing.T) {
	t.Parallel()

	c, err := New(submission(crawler.JobConfig{}), nil, newFakeClock(), nil)
	require.NoError(t, err)

	snap := c.Snapshot()
	require.Equal(t, crawler.JobStatusPending, snap.Status)
	require.Equal(t, 1, snap.PagesFound)
	require.Zero(t, snap.PagesCompleted)
}

func TestCoordinator_RejectsUnusableSeed(t *testing.T) {
	t.Parallel()

	sub := submission(crawler.JobConfig{})
	sub.SeedURL = "ftp://example.com/files"
	_, err := New(sub, nil, newFakeClock(), nil)
	require.Error(t, err)
}

func TestCoordinator_RejectsInvalidPatterns(t *testing.T) {
	t.Parallel()

	_, err := New(submission(crawler.JobConfig{
		IncludePatterns: []string{"["},
	}), nil, newFakeClock(), nil)
	require.Error(t, err)
}

func TestCoordinator_HappyPathSinglePage(t *testing.T) {
	t.Parallel()

	emitter := &captureEmitter{}
	c, err := New(submission(crawler.JobConfig{}), emitter, newFakeClock(), nil)
	require.NoError(t, err)

	c.Start()
	require.Equal(t, crawler.JobStatusRunning, c.Snapshot().Status)

	entry, ok, done := c.Next()
	require.True(t, ok)
	require.False(t, done)
	require.Equal(t, "https://example.com/docs", entry.URL)

	// Frontier is empty but the seed is in flight: workers must wait.
	_, ok, done = c.Next()
	require.False(t, ok)
	require.False(t, done)

	c.ReportResult(Report{Page: successPage(entry.URL), Decision: crawlDecision(entry.URL)})

	_, ok, done = c.Next()
	require.False(t, ok)
	require.True(t, done)

	snap := c.Snapshot()
	require.Equal(t, crawler.JobStatusDone, snap.Status)
	require.Equal(t, 1, snap.PagesCompleted)
	require.Len(t, snap.Results, 1)
	require.NotNil(t, snap.Completed)
	require.Equal(t, []progress.EventType{
		progress.EventJobStarted,
		progress.EventDecisionMade,
		progress.EventPageScraped,
		progress.EventJobCompleted,
	}, emitter.types())
}

func TestCoordinator_ChildrenExtendTheCrawl(t *testing.T) {
	t.Parallel()

	c, err := New(submission(crawler.JobConfig{}), nil, newFakeClock(), nil)
	require.NoError(t, err)
	c.Start()

	entry, ok, _ := c.Next()
	require.True(t, ok)
	c.ReportResult(Report{
		Page:     successPage(entry.URL),
		Decision: crawlDecision(entry.URL),
		Children: []crawler.FrontierEntry{
			{URL: "https://example.com/docs/a", Depth: 1, Parent: entry.URL, Priority: 0.4},
			{URL: "https://example.com/docs/b", Depth: 1, Parent: entry.URL, Priority: 0.9},
		},
	})

	// Higher priority child comes out first.
	next, ok, _ := c.Next()
	require.True(t, ok)
	require.Equal(t, "https://example.com/docs/b", next.URL)

	require.Equal(t, 3, c.Snapshot().PagesFound)
}

func TestCoordinator_AllFetchesFailedIsError(t *testing.T) {
	t.Parallel()

	c, err := New(submission(crawler.JobConfig{}), nil, newFakeClock(), nil)
	require.NoError(t, err)
	c.Start()

	entry, ok, _ := c.Next()
	require.True(t, ok)
	c.ReportResult(Report{Page: crawler.PageResult{
		URL:       entry.URL,
		Success:   false,
		ErrorText: "connection refused",
	}})

	_, _, done := c.Next()
	require.True(t, done)

	snap := c.Snapshot()
	require.Equal(t, crawler.JobStatusError, snap.Status)
	require.NotNil(t, snap.Error)
	require.Equal(t, "all_fetches_failed", snap.Error.Code)
	// The failed fetch is still visible as a failure-marked result.
	require.Len(t, snap.Results, 1)
	require.False(t, snap.Results[0].Success)
}

func TestCoordinator_FatalReportFailsJobBeforeSiblingsFinishIt(t *testing.T) {
	t.Parallel()

	c, err := New(submission(crawler.JobConfig{}), nil, newFakeClock(), nil)
	require.NoError(t, err)
	c.Start()

	// Seed succeeds and discovers one child.
	entry, ok, _ := c.Next()
	require.True(t, ok)
	c.ReportResult(Report{
		Page:     successPage(entry.URL),
		Decision: crawlDecision(entry.URL),
		Children: []crawler.FrontierEntry{
			{URL: "https://example.com/docs/a", Depth: 1, Parent: entry.URL, Priority: 0.5},
		},
	})

	// The child fetch dies fatally. The report drains the frontier with
	// nothing left in flight, so a sibling calling Next immediately after
	// would otherwise resolve the job as done.
	child, ok, _ := c.Next()
	require.True(t, ok)
	c.ReportResult(Report{
		Page: crawler.PageResult{
			URL:       child.URL,
			Success:   false,
			ErrorText: "browser crashed",
		},
		Fatal: crawler.Fatal(errors.New("browser crashed")),
	})

	_, _, done := c.Next()
	require.True(t, done)

	snap := c.Snapshot()
	require.Equal(t, crawler.JobStatusError, snap.Status)
	require.NotNil(t, snap.Error)
	require.Equal(t, "fetch_fatal", snap.Error.Code)
	// The successful seed page is retained as a partial result.
	require.Len(t, snap.Results, 2)
	require.True(t, snap.Results[0].Success)
}

func TestCoordinator_PartialFailureStillCompletes(t *testing.T) {
	t.Parallel()

	c, err := New(submission(crawler.JobConfig{}), nil, newFakeClock(), nil)
	require.NoError(t, err)
	c.Start()

	entry, _, _ := c.Next()
	c.ReportResult(Report{
		Page:     successPage(entry.URL),
		Decision: crawlDecision(entry.URL),
		Children: []crawler.FrontierEntry{{URL: "https://example.com/docs/a", Depth: 1}},
	})
	child, _, _ := c.Next()
	c.ReportResult(Report{Page: crawler.PageResult{URL: child.URL, Success: false, ErrorText: "timeout"}})

	_, _, done := c.Next()
	require.True(t, done)
	require.Equal(t, crawler.JobStatusDone, c.Snapshot().Status)
}

func TestCoordinator_SkippedPagesStayOutOfResults(t *testing.T) {
	t.Parallel()

	c, err := New(submission(crawler.JobConfig{}), nil, newFakeClock(), nil)
	require.NoError(t, err)
	c.Start()

	entry, _, _ := c.Next()
	c.ReportResult(Report{
		Page: successPage(entry.URL),
		Decision: &crawler.Decision{
			URL:       entry.URL,
			Action:    crawler.ActionSkip,
			Reasoning: "relevance 0.10 below threshold 0.50",
			At:        time.Unix(200, 0),
		},
	})

	_, _, done := c.Next()
	require.True(t, done)

	snap := c.Snapshot()
	// Fetch succeeded, so the job is done even though nothing was kept.
	require.Equal(t, crawler.JobStatusDone, snap.Status)
	require.Empty(t, snap.Results)
	require.Zero(t, snap.PagesCompleted)
	require.Len(t, c.Decisions(), 1)
}

func TestCoordinator_ReportAfterTerminalIsDropped(t *testing.T) {
	t.Parallel()

	c, err := New(submission(crawler.JobConfig{}), nil, newFakeClock(), nil)
	require.NoError(t, err)
	c.Start()

	entry, _, _ := c.Next()
	c.Cancel()
	c.ReportResult(Report{Page: successPage(entry.URL), Decision: crawlDecision(entry.URL)})

	snap := c.Snapshot()
	require.Equal(t, crawler.JobStatusCancelled, snap.Status)
	require.Empty(t, snap.Results)
}

func TestCoordinator_CancelEmitsCompletedWithCancelledStatus(t *testing.T) {
	t.Parallel()

	emitter := &captureEmitter{}
	c, err := New(submission(crawler.JobConfig{}), emitter, newFakeClock(), nil)
	require.NoError(t, err)
	c.Start()
	c.Cancel()

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	last := emitter.events[len(emitter.events)-1]
	require.Equal(t, progress.EventJobCompleted, last.Type)
	require.Equal(t, "cancelled", last.Data["status"])

	select {
	case <-c.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestCoordinator_TimeLimitTerminates(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	c, err := New(submission(crawler.JobConfig{TimeLimit: time.Minute}), nil, clock, nil)
	require.NoError(t, err)
	c.Start()

	entry, _, _ := c.Next()
	c.ReportResult(Report{
		Page:     successPage(entry.URL),
		Decision: crawlDecision(entry.URL),
		Children: []crawler.FrontierEntry{{URL: "https://example.com/docs/a", Depth: 1}},
	})

	clock.Advance(2 * time.Minute)

	_, ok, done := c.Next()
	require.False(t, ok)
	require.True(t, done)
	require.Equal(t, crawler.JobStatusDone, c.Snapshot().Status)
}

func TestCoordinator_EarlyTerminationOnSatisfiedObjective(t *testing.T) {
	t.Parallel()

	sub := submission(crawler.JobConfig{
		SatisfactionTarget: 1.0,
		EarlyTermination:   true,
	})
	sub.Objective = "find pricing details"
	c, err := New(sub, nil, newFakeClock(), nil)
	require.NoError(t, err)
	c.Start()

	entry, _, _ := c.Next()
	page := successPage(entry.URL)
	page.Relevance = 1.0
	c.ReportResult(Report{
		Page:     page,
		Decision: crawlDecision(entry.URL),
		Children: []crawler.FrontierEntry{{URL: "https://example.com/docs/a", Depth: 1}},
	})

	require.Equal(t, crawler.JobStatusDone, c.Snapshot().Status)
}

func TestCoordinator_NoEarlyTerminationWhenDisabled(t *testing.T) {
	t.Parallel()

	sub := submission(crawler.JobConfig{
		SatisfactionTarget: 1.0,
		EarlyTermination:   false,
	})
	sub.Objective = "find pricing details"
	c, err := New(sub, nil, newFakeClock(), nil)
	require.NoError(t, err)
	c.Start()

	entry, _, _ := c.Next()
	page := successPage(entry.URL)
	page.Relevance = 1.0
	c.ReportResult(Report{
		Page:     page,
		Decision: crawlDecision(entry.URL),
		Children: []crawler.FrontierEntry{{URL: "https://example.com/docs/a", Depth: 1}},
	})

	require.Equal(t, crawler.JobStatusRunning, c.Snapshot().Status)
}

func TestCoordinator_SnapshotIsDeepCopy(t *testing.T) {
	t.Parallel()

	c, err := New(submission(crawler.JobConfig{}), nil, newFakeClock(), nil)
	require.NoError(t, err)
	c.Start()

	entry, _, _ := c.Next()
	page := successPage(entry.URL)
	page.Links = []string{"https://example.com/docs/a"}
	c.ReportResult(Report{Page: page, Decision: crawlDecision(entry.URL)})

	snap := c.Snapshot()
	snap.Results[0].Links[0] = "mutated"
	snap.Results[0].URL = "mutated"

	again := c.Snapshot()
	require.Equal(t, "https://example.com/docs/a", again.Results[0].Links[0])
	require.Equal(t, entry.URL, again.Results[0].URL)
}

func TestCoordinator_PatternsLearnFromKeptPages(t *testing.T) {
	t.Parallel()

	c, err := New(submission(crawler.JobConfig{}), nil, newFakeClock(), nil)
	require.NoError(t, err)
	c.Start()

	entry, _, _ := c.Next()
	c.ReportResult(Report{
		Page:     successPage(entry.URL),
		Decision: crawlDecision(entry.URL),
		Children: []crawler.FrontierEntry{{URL: "https://example.com/docs/a", Depth: 1}},
	})
	child, _, _ := c.Next()
	c.ReportResult(Report{Page: successPage(child.URL), Decision: crawlDecision(child.URL)})

	patterns := c.Patterns()
	require.NotEmpty(t, patterns)
	require.Equal(t, "example.com/docs/{leaf}", patterns[0].Template)
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	c, err := New(submission(crawler.JobConfig{}), nil, newFakeClock(), nil)
	require.NoError(t, err)

	reg.Add(c)
	got, ok := reg.Get("job-1")
	require.True(t, ok)
	require.Same(t, c, got)
	require.Equal(t, 1, reg.Len())

	reg.Remove("job-1")
	_, ok = reg.Get("job-1")
	require.False(t, ok)
}
