package extract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sitequest/sitequest/internal/crawler"
)

const page = `<html>
<head><title>Docs</title><style>body { color: red }</style></head>
<body>
<h1>Getting Started</h1>
<p>Install the <strong>CLI</strong> first.</p>
<script>console.log("noise")</script>
<a href="/docs/install">Install</a>
<a href="https://example.com/docs/config">Config</a>
<a href="/docs/install">Install again</a>
<a href="#section">Jump</a>
<a href="mailto:team@example.com">Mail</a>
<a href="javascript:void(0)">JS</a>
<a href="ftp://example.com/file">FTP</a>
</body>
</html>`

func extractAll(t *testing.T, formats ...crawler.Format) crawler.Extraction {
	t.Helper()
	ext, err := New().Extract(context.Background(), []byte(page), "https://example.com/docs", formats)
	require.NoError(t, err)
	return ext
}

func TestExtract_Markdown(t *testing.T) {
	t.Parallel()

	ext := extractAll(t, crawler.FormatMarkdown)
	require.Contains(t, ext.Markdown, "# Getting Started")
	require.Contains(t, ext.Markdown, "**CLI**")
	require.Empty(t, ext.Text)
	require.Empty(t, ext.Links)
}

func TestExtract_TextStripsScriptAndStyle(t *testing.T) {
	t.Parallel()

	ext := extractAll(t, crawler.FormatText)
	require.Contains(t, ext.Text, "Getting Started")
	require.Contains(t, ext.Text, "Install the CLI first.")
	require.NotContains(t, ext.Text, "console.log")
	require.NotContains(t, ext.Text, "color: red")
}

func TestExtract_LinksResolvedAndFiltered(t *testing.T) {
	t.Parallel()

	ext := extractAll(t, crawler.FormatLinks)
	require.Equal(t, []string{
		"https://example.com/docs/install",
		"https://example.com/docs/config",
	}, ext.Links)
}

func TestExtract_MultipleFormats(t *testing.T) {
	t.Parallel()

	ext := extractAll(t, crawler.FormatMarkdown, crawler.FormatText, crawler.FormatLinks)
	require.NotEmpty(t, ext.Markdown)
	require.NotEmpty(t, ext.Text)
	require.Len(t, ext.Links, 2)
}

func TestExtract_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Extract(ctx, []byte(page), "https://example.com", []crawler.Format{crawler.FormatText})
	require.ErrorIs(t, err, context.Canceled)
}
