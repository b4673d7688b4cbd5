package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Fetcher retrieves a single URL and returns the rendered body plus metadata.
// Implementations must honor ctx deadlines and be safe for concurrent use
// across distinct URLs.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	JobID   string
	URL     string
	Depth   int
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Extractor turns raw HTML into the representations a job requested.
type Extractor interface {
	Extract(ctx context.Context, html []byte, baseURL string, formats []Format) (Extraction, error)
}

// Extraction holds the representations produced for one page.
type Extraction struct {
	Markdown string
	Text     string
	Links    []string
}

// Oracle scores a page's relevance to an objective. Implementations may call
// out to an LLM; callers must treat any error as "decision unavailable" and
// fail open rather than block the job.
type Oracle interface {
	Score(ctx context.Context, request ScoreRequest) (ScoreResponse, error)
}

// ScoreRequest is the oracle input for one page.
type ScoreRequest struct {
	URL       string
	Objective string
	Content   string
}

// ScoreResponse carries the relevance verdict and any suggested child URLs.
type ScoreResponse struct {
	Relevance float64
	ChildURLs []string
}

// ResultStore persists page results out-of-band. Failures are logged by the
// caller and never escalate to the job.
type ResultStore interface {
	SavePage(ctx context.Context, jobID string, page PageResult) error
}

// BlobStore archives raw artifacts such as fetched HTML.
type BlobStore interface {
	Save(ctx context.Context, objectName string, data []byte) error
}

// JobQueue provides enqueue/dequeue semantics for accepted crawl requests.
type JobQueue interface {
	Enqueue(ctx context.Context, sub Submission) error
	Dequeue(ctx context.Context) (Submission, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// FatalError marks a fetcher failure as systemic and non-retryable. Workers
// escalate it to the coordinator, which fails the whole job while retaining
// partial results.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal fetch error: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal wraps err so the worker pool treats it as job-scoped.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err carries a FatalError anywhere in its chain.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
