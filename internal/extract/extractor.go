// Package extract turns fetched HTML into the representations a job
// requested: markdown, plain text, and outbound links.
package extract

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/sitequest/sitequest/internal/crawler"
)

// Extractor implements crawler.Extractor with goquery parsing and an
// html-to-markdown converter. Stateless and safe for concurrent use.
type Extractor struct{}

// New creates an Extractor.
func New() *Extractor {
	return &Extractor{}
}

// Extract parses the document once and produces only the requested formats;
// unrequested ones stay empty.
func (e *Extractor) Extract(ctx context.Context, html []byte, baseURL string, formats []crawler.Format) (crawler.Extraction, error) {
	if err := ctx.Err(); err != nil {
		return crawler.Extraction{}, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(html)))
	if err != nil {
		return crawler.Extraction{}, fmt.Errorf("parse html: %w", err)
	}

	var out crawler.Extraction
	for _, f := range formats {
		switch f {
		case crawler.FormatMarkdown:
			out.Markdown, err = toMarkdown(string(html), baseURL)
			if err != nil {
				return crawler.Extraction{}, err
			}
		case crawler.FormatText:
			out.Text = toText(doc)
		case crawler.FormatLinks:
			out.Links = extractLinks(doc, baseURL)
		}
	}
	return out, nil
}

func toMarkdown(html, baseURL string) (string, error) {
	domain := ""
	if u, err := url.Parse(baseURL); err == nil {
		domain = u.Scheme + "://" + u.Host
	}
	converter := md.NewConverter(domain, true, nil)
	markdown, err := converter.ConvertString(html)
	if err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}
	return strings.TrimSpace(markdown), nil
}

// toText flattens the body's visible text, dropping script and style
// contents.
func toText(doc *goquery.Document) string {
	clone := doc.Clone()
	clone.Find("script, style, noscript").Remove()
	body := clone.Find("body")
	if body.Length() == 0 {
		body = clone
	}
	fields := strings.Fields(body.Text())
	return strings.Join(fields, " ")
}

// extractLinks collects unique http(s) anchors resolved against the page
// URL, in document order. Fragment-only, mailto, tel, and javascript links
// are skipped.
func extractLinks(doc *goquery.Document, baseURL string) []string {
	base, err := url.Parse(baseURL)
	if err != nil {
		base = nil
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		if skipHref(href) {
			return
		}
		resolved := resolve(href, base)
		if resolved == "" {
			return
		}
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}
		links = append(links, resolved)
	})
	return links
}

func skipHref(href string) bool {
	if href == "" || strings.HasPrefix(href, "#") {
		return true
	}
	lower := strings.ToLower(href)
	return strings.HasPrefix(lower, "javascript:") ||
		strings.HasPrefix(lower, "mailto:") ||
		strings.HasPrefix(lower, "tel:") ||
		strings.HasPrefix(lower, "data:")
}

func resolve(href string, base *url.URL) string {
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return ""
	}
	ref.Fragment = ""
	return ref.String()
}
