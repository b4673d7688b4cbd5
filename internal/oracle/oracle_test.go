package oracle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sitequest/sitequest/internal/crawler"
)

func TestKeyword_ScoresTermFraction(t *testing.T) {
	t.Parallel()

	o := NewKeyword()
	resp, err := o.Score(context.Background(), crawler.ScoreRequest{
		Objective: "find pricing plans",
		Content:   "Our pricing page lists every tier.",
	})
	require.NoError(t, err)
	// "pricing" matches; "plans" does not; "find" is a stopword.
	require.InDelta(t, 0.5, resp.Relevance, 1e-9)
}

func TestKeyword_FullMatch(t *testing.T) {
	t.Parallel()

	o := NewKeyword()
	resp, err := o.Score(context.Background(), crawler.ScoreRequest{
		Objective: "kubernetes operators",
		Content:   "Writing Kubernetes operators in Go.",
	})
	require.NoError(t, err)
	require.Equal(t, 1.0, resp.Relevance)
}

func TestKeyword_EmptyObjectiveIsFullyRelevant(t *testing.T) {
	t.Parallel()

	o := NewKeyword()
	resp, err := o.Score(context.Background(), crawler.ScoreRequest{Content: "anything"})
	require.NoError(t, err)
	require.Equal(t, 1.0, resp.Relevance)
}

func TestParseVerdict_PlainJSON(t *testing.T) {
	t.Parallel()

	resp, err := parseVerdict(`{"relevance": 0.8, "child_urls": ["https://example.com/a"]}`)
	require.NoError(t, err)
	require.Equal(t, 0.8, resp.Relevance)
	require.Equal(t, []string{"https://example.com/a"}, resp.ChildURLs)
}

func TestParseVerdict_MarkdownFenced(t *testing.T) {
	t.Parallel()

	resp, err := parseVerdict("```json\n{\"relevance\": 0.3, \"child_urls\": []}\n```")
	require.NoError(t, err)
	require.Equal(t, 0.3, resp.Relevance)
}

func TestParseVerdict_ClampsRange(t *testing.T) {
	t.Parallel()

	resp, err := parseVerdict(`{"relevance": 1.7}`)
	require.NoError(t, err)
	require.Equal(t, 1.0, resp.Relevance)

	resp, err = parseVerdict(`{"relevance": -0.2}`)
	require.NoError(t, err)
	require.Equal(t, 0.0, resp.Relevance)
}

func TestParseVerdict_RejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := parseVerdict("the page seems relevant")
	require.Error(t, err)
}

func TestNewClaude_RequiresAPIKey(t *testing.T) {
	t.Parallel()

	_, err := NewClaude(ClaudeConfig{}, nil)
	require.Error(t, err)
}
