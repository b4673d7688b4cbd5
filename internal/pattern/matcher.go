// Package pattern learns URL path templates from pages a job has accepted
// and scores candidate URLs against them. A template generalizes the
// variable segments of a path ("/docs/api-v2/138" -> "/docs/{slug}/{num}")
// so structurally similar siblings can be prioritized before they are
// fetched.
package pattern

import (
	"net/url"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/sitequest/sitequest/internal/crawler"
)

const (
	// Saturation constant for confidence: n observations yield n/(n+2),
	// approaching 1 as a template keeps recurring.
	confidenceK = 2

	maxExamplesPerTemplate = 5
)

// Index accumulates templates per job. Safe for concurrent use.
type Index struct {
	mu    sync.RWMutex
	stats map[string]*templateStat
}

type templateStat struct {
	count    int
	examples []string
}

// NewIndex creates an empty Index.
func NewIndex() *Index {
	return &Index{stats: make(map[string]*templateStat)}
}

// Templatize reduces a URL to host plus a generalized path template. It
// returns false for URLs that cannot be parsed.
func Templatize(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", false
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		out = append(out, classifySegment(seg))
	}
	// The leaf segment is where siblings differ ("/docs/intro",
	// "/docs/setup"); always generalize it so they share a template.
	if n := len(out); n > 0 && !strings.HasPrefix(out[n-1], "{") {
		out[n-1] = "{leaf}"
	}
	return strings.ToLower(u.Hostname()) + "/" + strings.Join(out, "/"), true
}

func classifySegment(seg string) string {
	digits := 0
	hexish := true
	for _, r := range seg {
		switch {
		case unicode.IsDigit(r):
			digits++
		case (r < 'a' || r > 'f') && (r < 'A' || r > 'F') && r != '-':
			hexish = false
		}
	}
	switch {
	case digits == len(seg):
		return "{num}"
	case hexish && digits > 0 && len(seg) >= 8:
		// Hex-and-dash identifiers: hashes, UUIDs, short SHAs.
		return "{id}"
	case digits > 0:
		return "{slug}"
	default:
		return strings.ToLower(seg)
	}
}

// Learn records one accepted URL. Unparseable URLs are ignored.
func (ix *Index) Learn(rawURL string) {
	tmpl, ok := Templatize(rawURL)
	if !ok {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	st, ok := ix.stats[tmpl]
	if !ok {
		st = &templateStat{}
		ix.stats[tmpl] = st
	}
	st.count++
	if len(st.examples) < maxExamplesPerTemplate {
		st.examples = append(st.examples, rawURL)
	}
}

// Score returns the confidence of the template matching rawURL, and whether
// any observation of that template exists.
func (ix *Index) Score(rawURL string) (float64, bool) {
	tmpl, ok := Templatize(rawURL)
	if !ok {
		return 0, false
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	st, ok := ix.stats[tmpl]
	if !ok {
		return 0, false
	}
	return confidence(st.count), true
}

// Snapshot returns the discovered patterns ordered by descending confidence.
func (ix *Index) Snapshot() []crawler.DiscoveredPattern {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]crawler.DiscoveredPattern, 0, len(ix.stats))
	for tmpl, st := range ix.stats {
		out = append(out, crawler.DiscoveredPattern{
			Template:   tmpl,
			Confidence: confidence(st.count),
			Examples:   append([]string(nil), st.examples...),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Template < out[j].Template
	})
	return out
}

func confidence(count int) float64 {
	return float64(count) / float64(count+confidenceK)
}
