package api

import (
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/sitequest/sitequest/internal/crawler"
	"github.com/sitequest/sitequest/internal/progress"
)

// Limits are the service-level defaults and caps applied to every accepted
// job config.
type Limits struct {
	DefaultMaxPages    int
	MaxPages           int
	DefaultMaxDepth    int
	MaxDepth           int
	DefaultConcurrency int
	MaxConcurrency     int
	DefaultTimeLimit   time.Duration
	MaxTimeLimit       time.Duration
}

// DefaultLimits mirrors the config package defaults.
func DefaultLimits() Limits {
	return Limits{
		DefaultMaxPages:    100,
		MaxPages:           1000,
		DefaultMaxDepth:    5,
		MaxDepth:           10,
		DefaultConcurrency: 4,
		MaxConcurrency:     16,
		DefaultTimeLimit:   5 * time.Minute,
		MaxTimeLimit:       30 * time.Minute,
	}
}

type crawlRequest struct {
	URL       string          `json:"url"`
	Objective string          `json:"objective"`
	Config    crawlConfig     `json:"config"`
	Webhook   *webhookRequest `json:"webhook"`
}

type crawlConfig struct {
	MaxPages   int `json:"max_pages"`
	MaxDepth   int `json:"max_depth"`
	MaxDomains int `json:"max_domains"`
	// TimeLimitSeconds bounds the whole job's wall clock.
	TimeLimitSeconds   int      `json:"time_limit"`
	Concurrency        int      `json:"concurrency"`
	Formats            []string `json:"formats"`
	IncludePatterns    []string `json:"include_patterns"`
	ExcludePatterns    []string `json:"exclude_patterns"`
	SatisfactionTarget float64  `json:"satisfaction_target"`
	// EarlyTermination defaults to true when omitted.
	EarlyTermination *bool `json:"early_termination"`
}

type webhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

// validate rejects requests the dispatcher could never run, so clients get a
// 400 instead of a job that immediately errors.
func (r crawlRequest) validate() error {
	if _, err := crawler.NormalizeURL(r.URL); err != nil {
		return fmt.Errorf("url: %w", err)
	}
	for _, f := range r.Config.Formats {
		switch crawler.Format(f) {
		case crawler.FormatMarkdown, crawler.FormatText, crawler.FormatLinks:
		default:
			return fmt.Errorf("unknown format %q", f)
		}
	}
	for _, p := range r.Config.IncludePatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("include pattern %q: %w", p, err)
		}
	}
	for _, p := range r.Config.ExcludePatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("exclude pattern %q: %w", p, err)
		}
	}
	if r.Config.MaxPages < 0 || r.Config.MaxDepth < 0 || r.Config.MaxDomains < 0 ||
		r.Config.Concurrency < 0 || r.Config.TimeLimitSeconds < 0 {
		return fmt.Errorf("config values must be non-negative")
	}
	if r.Config.SatisfactionTarget < 0 {
		return fmt.Errorf("satisfaction_target must be non-negative")
	}
	if r.Webhook != nil {
		u, err := url.Parse(r.Webhook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhook url must be absolute http(s)")
		}
		for _, e := range r.Webhook.Events {
			if !progress.KnownEventType(e) {
				return fmt.Errorf("unknown webhook event %q", e)
			}
		}
	}
	return nil
}

// toJobConfig applies defaults and caps.
func (r crawlRequest) toJobConfig(limits Limits) crawler.JobConfig {
	cfg := crawler.JobConfig{
		MaxPages:           clamp(r.Config.MaxPages, limits.DefaultMaxPages, limits.MaxPages),
		MaxDepth:           clamp(r.Config.MaxDepth, limits.DefaultMaxDepth, limits.MaxDepth),
		MaxDomains:         r.Config.MaxDomains,
		TimeLimit:          clampDuration(time.Duration(r.Config.TimeLimitSeconds)*time.Second, limits.DefaultTimeLimit, limits.MaxTimeLimit),
		Concurrency:        clamp(r.Config.Concurrency, limits.DefaultConcurrency, limits.MaxConcurrency),
		IncludePatterns:    r.Config.IncludePatterns,
		ExcludePatterns:    r.Config.ExcludePatterns,
		SatisfactionTarget: r.Config.SatisfactionTarget,
		EarlyTermination:   r.Config.EarlyTermination == nil || *r.Config.EarlyTermination,
	}
	if len(r.Config.Formats) == 0 {
		cfg.Formats = []crawler.Format{crawler.FormatMarkdown}
	} else {
		cfg.Formats = make([]crawler.Format, len(r.Config.Formats))
		for i, f := range r.Config.Formats {
			cfg.Formats[i] = crawler.Format(f)
		}
	}
	return cfg
}

func clamp(v, def, ceiling int) int {
	if v <= 0 {
		v = def
	}
	if ceiling > 0 && v > ceiling {
		v = ceiling
	}
	return v
}

func clampDuration(v, def, ceiling time.Duration) time.Duration {
	if v <= 0 {
		v = def
	}
	if ceiling > 0 && v > ceiling {
		v = ceiling
	}
	return v
}
