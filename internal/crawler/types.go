// Package crawler defines core types shared across subsystems.
package crawler

import (
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values exposed through the API.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusDone      JobStatus = "done"
	JobStatusError     JobStatus = "error"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusDone, JobStatusError, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Format names an output representation requested for fetched pages.
type Format string

// Supported extraction formats.
const (
	FormatMarkdown Format = "markdown"
	FormatText     Format = "text"
	FormatLinks    Format = "links"
)

// JobConfig captures per-job budgets and filters requested by the client.
type JobConfig struct {
	MaxPages           int           `json:"max_pages"`
	MaxDepth           int           `json:"max_depth"`
	MaxDomains         int           `json:"max_domains"`
	TimeLimit          time.Duration `json:"time_limit"`
	Concurrency        int           `json:"concurrency"`
	Formats            []Format      `json:"formats"`
	IncludePatterns    []string      `json:"include_patterns"`
	ExcludePatterns    []string      `json:"exclude_patterns"`
	SatisfactionTarget float64       `json:"satisfaction_target"`
	EarlyTermination   bool          `json:"early_termination"`
}

// WebhookConfig selects an endpoint and the event types it receives.
type WebhookConfig struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

// JobError is the structured fatal cause attached to a job in state error.
type JobError struct {
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Job represents one crawl request's full lifecycle record. It is owned by a
// single coordinator; everything readers see is a deep-copied snapshot.
type Job struct {
	ID             string         `json:"job_id"`
	Status         JobStatus      `json:"status"`
	SeedURL        string         `json:"url"`
	Objective      string         `json:"objective,omitempty"`
	Config         JobConfig      `json:"config"`
	Webhook        *WebhookConfig `json:"webhook,omitempty"`
	Submitted      time.Time      `json:"submitted_at"`
	Started        *time.Time     `json:"started_at,omitempty"`
	Completed      *time.Time     `json:"completed_at,omitempty"`
	PagesFound     int            `json:"pages_found"`
	PagesCompleted int            `json:"pages_completed"`
	Results        []PageResult   `json:"data"`
	Error          *JobError      `json:"error,omitempty"`
}

// PageResult is one fetched page's outcome. Immutable once created.
type PageResult struct {
	URL        string    `json:"url"`
	Success    bool      `json:"success"`
	StatusCode int       `json:"status_code,omitempty"`
	ErrorText  string    `json:"error,omitempty"`
	Markdown   string    `json:"markdown,omitempty"`
	Text       string    `json:"text,omitempty"`
	Links      []string  `json:"links,omitempty"`
	Relevance  float64   `json:"relevance,omitempty"`
	FetchedAt  time.Time `json:"fetched_at"`
	DurationMs int64     `json:"duration_ms"`
}

// FrontierEntry is a candidate URL awaiting a visit.
type FrontierEntry struct {
	URL        string    `json:"url"`
	Depth      int       `json:"depth"`
	Parent     string    `json:"parent,omitempty"`
	Priority   float64   `json:"priority"`
	Discovered time.Time `json:"discovered_at"`
}

// DecisionAction is the verdict the decision engine reaches for one URL.
type DecisionAction string

// Decision actions.
const (
	ActionCrawl         DecisionAction = "crawl"
	ActionSkip          DecisionAction = "skip"
	ActionExploreDeeply DecisionAction = "explore_deeply"
)

// Decision is an immutable decision-log entry.
type Decision struct {
	URL        string         `json:"url"`
	Action     DecisionAction `json:"action"`
	Reasoning  string         `json:"reasoning"`
	Confidence float64        `json:"confidence"`
	ChildURLs  int            `json:"child_urls_identified,omitempty"`
	At         time.Time      `json:"timestamp"`
}

// DiscoveredPattern is a URL path template inferred from observed URLs.
type DiscoveredPattern struct {
	Template   string   `json:"template"`
	Confidence float64  `json:"confidence"`
	Examples   []string `json:"examples"`
}

// Submission is the queue payload for an accepted crawl request.
type Submission struct {
	JobID     string         `json:"job_id"`
	SeedURL   string         `json:"url"`
	Objective string         `json:"objective,omitempty"`
	Config    JobConfig      `json:"config"`
	Webhook   *WebhookConfig `json:"webhook,omitempty"`
	Submitted int64          `json:"submitted"`
}
