// Package oracle provides relevance scoring backends: a Claude-backed oracle
// for production and a deterministic keyword oracle for development and
// tests.
package oracle

import (
	"context"
	"strings"
	"unicode"

	"github.com/sitequest/sitequest/internal/crawler"
)

// Keyword scores a page by the fraction of distinct objective terms present
// in the content. Deterministic and dependency-free; useful when no API key
// is configured.
type Keyword struct{}

// NewKeyword creates a Keyword oracle.
func NewKeyword() *Keyword {
	return &Keyword{}
}

// Score implements crawler.Oracle.
func (*Keyword) Score(_ context.Context, req crawler.ScoreRequest) (crawler.ScoreResponse, error) {
	terms := tokenize(req.Objective)
	if len(terms) == 0 {
		return crawler.ScoreResponse{Relevance: 1}, nil
	}
	content := strings.ToLower(req.Content)
	matched := 0
	for term := range terms {
		if strings.Contains(content, term) {
			matched++
		}
	}
	return crawler.ScoreResponse{Relevance: float64(matched) / float64(len(terms))}, nil
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "all": {}, "any": {},
	"find": {}, "with": {}, "about": {}, "from": {}, "that": {},
}

// tokenize lowercases the objective and keeps distinct terms longer than two
// characters, minus stopwords.
func tokenize(objective string) map[string]struct{} {
	out := make(map[string]struct{})
	words := strings.FieldsFunc(strings.ToLower(objective), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		if len(w) <= 2 {
			continue
		}
		if _, skip := stopwords[w]; skip {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}
