// Package decision combines oracle relevance, learned URL patterns, and
// remaining budget into a crawl/skip/explore_deeply verdict with a logged
// rationale.
package decision

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sitequest/sitequest/internal/crawler"
)

// PatternScorer provides read-only access to a job's learned URL templates.
// *pattern.Index satisfies it.
type PatternScorer interface {
	Score(rawURL string) (float64, bool)
}

// Config holds the engine's thresholds and priority weights.
type Config struct {
	// RelevanceThreshold separates skip from crawl when an objective is set.
	RelevanceThreshold float64
	// DeepThreshold is the relevance above which, combined with pattern
	// confidence, a subtree is explored deeply.
	DeepThreshold float64
	// PatternConfidenceMin is the minimum template confidence required for
	// explore_deeply.
	PatternConfidenceMin float64
	// PatternWeight and RelevanceWeight blend the two scores into a child
	// URL's frontier priority.
	PatternWeight   float64
	RelevanceWeight float64
	// DeepBoost is added to child priorities under an explore_deeply parent.
	DeepBoost float64
	// OracleTimeout bounds a single oracle call.
	OracleTimeout time.Duration
}

// DefaultConfig mirrors the service-level defaults.
func DefaultConfig() Config {
	return Config{
		RelevanceThreshold:   0.5,
		DeepThreshold:        0.8,
		PatternConfidenceMin: 0.5,
		PatternWeight:        0.4,
		RelevanceWeight:      0.6,
		DeepBoost:            1.0,
		OracleTimeout:        30 * time.Second,
	}
}

// Engine is a pure function of its inputs plus the job's pattern snapshot;
// it never mutates shared state. Callers record the returned Decision.
type Engine struct {
	cfg      Config
	oracle   crawler.Oracle
	patterns PatternScorer
	clock    crawler.Clock
	logger   *zap.Logger
}

// New constructs an Engine. oracle may be nil when no objective-driven jobs
// are expected; Decide then degrades to plain crawling.
func New(cfg Config, oracle crawler.Oracle, patterns PatternScorer, clock crawler.Clock, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, oracle: oracle, patterns: patterns, clock: clock, logger: logger}
}

// Request carries one fetched page into the engine.
type Request struct {
	JobID     string
	URL       string
	Content   string
	Objective string
	ChildURLs int
}

// Result pairs the decision with the oracle's raw output so callers can
// propagate relevance and suggested children.
type Result struct {
	Decision  crawler.Decision
	Relevance float64
	ChildURLs []string
}

// Decide evaluates one fetched page. With no objective every page within
// budget is accepted, degrading the system to a conventional breadth-limited
// crawl. Oracle failures fail open to skip with confidence 0.
func (e *Engine) Decide(ctx context.Context, req Request) Result {
	now := e.clock.Now()

	if req.Objective == "" {
		return Result{
			Decision: crawler.Decision{
				URL:        req.URL,
				Action:     crawler.ActionCrawl,
				Reasoning:  "no objective set; crawling within budget",
				Confidence: 1,
				ChildURLs:  req.ChildURLs,
				At:         now,
			},
			Relevance: 1,
		}
	}

	if e.oracle == nil {
		return e.unavailable(req, now, "no relevance oracle configured")
	}

	oracleCtx := ctx
	if e.cfg.OracleTimeout > 0 {
		var cancel context.CancelFunc
		oracleCtx, cancel = context.WithTimeout(ctx, e.cfg.OracleTimeout)
		defer cancel()
	}
	score, err := e.oracle.Score(oracleCtx, crawler.ScoreRequest{
		URL:       req.URL,
		Objective: req.Objective,
		Content:   req.Content,
	})
	if err != nil {
		e.logger.Warn("relevance oracle failed; failing open to skip",
			zap.String("job_id", req.JobID),
			zap.String("url", req.URL),
			zap.Error(err),
		)
		return e.unavailable(req, now, "decision unavailable")
	}

	patternScore, _ := e.patterns.Score(req.URL)
	childCount := req.ChildURLs + len(score.ChildURLs)

	var action crawler.DecisionAction
	var reasoning string
	switch {
	case score.Relevance < e.cfg.RelevanceThreshold:
		action = crawler.ActionSkip
		reasoning = fmt.Sprintf("relevance %.2f below threshold %.2f", score.Relevance, e.cfg.RelevanceThreshold)
	case score.Relevance >= e.cfg.DeepThreshold && patternScore >= e.cfg.PatternConfidenceMin:
		action = crawler.ActionExploreDeeply
		reasoning = fmt.Sprintf("relevance %.2f with pattern confidence %.2f; raising subtree priority", score.Relevance, patternScore)
	default:
		action = crawler.ActionCrawl
		reasoning = fmt.Sprintf("relevance %.2f meets threshold %.2f", score.Relevance, e.cfg.RelevanceThreshold)
	}

	return Result{
		Decision: crawler.Decision{
			URL:        req.URL,
			Action:     action,
			Reasoning:  reasoning,
			Confidence: score.Relevance,
			ChildURLs:  childCount,
			At:         now,
		},
		Relevance: score.Relevance,
		ChildURLs: score.ChildURLs,
	}
}

// ChildPriority computes the push-time frontier priority for a child URL
// discovered under the given decision.
func (e *Engine) ChildPriority(childURL string, parent Result) float64 {
	patternScore, _ := e.patterns.Score(childURL)
	priority := e.cfg.PatternWeight*patternScore + e.cfg.RelevanceWeight*parent.Relevance
	if parent.Decision.Action == crawler.ActionExploreDeeply {
		priority += e.cfg.DeepBoost
	}
	return priority
}

func (e *Engine) unavailable(req Request, now time.Time, reason string) Result {
	return Result{
		Decision: crawler.Decision{
			URL:        req.URL,
			Action:     crawler.ActionSkip,
			Reasoning:  reason,
			Confidence: 0,
			ChildURLs:  req.ChildURLs,
			At:         now,
		},
	}
}
