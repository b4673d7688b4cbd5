package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/sitequest/sitequest/internal/crawler"
)

const (
	defaultClaudeModel = "claude-sonnet-4-20250514"
	maxContentChars    = 12000
	scoreMaxTokens     = 1024
)

const systemPrompt = `You judge how relevant a web page is to a crawl objective.
Respond with a single JSON object and nothing else:
{"relevance": <0.0-1.0>, "child_urls": ["absolute urls worth visiting next, at most 5"]}
relevance 0 means the page has nothing to do with the objective, 1 means it fully answers it.
Only include child_urls that appear in the page content.`

// ClaudeConfig selects the model and credentials.
type ClaudeConfig struct {
	APIKey string
	Model  string
}

// Claude implements crawler.Oracle on the Anthropic Messages API.
type Claude struct {
	client anthropic.Client
	model  anthropic.Model
	logger *zap.Logger
}

// NewClaude builds the oracle. The API key is required.
func NewClaude(cfg ClaudeConfig, logger *zap.Logger) (*Claude, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultClaudeModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Claude{
		client: anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:  anthropic.Model(cfg.Model),
		logger: logger,
	}, nil
}

// Score asks the model for a relevance verdict. Content is truncated to keep
// request sizes bounded; callers own the timeout via ctx.
func (c *Claude) Score(ctx context.Context, req crawler.ScoreRequest) (crawler.ScoreResponse, error) {
	content := req.Content
	if len(content) > maxContentChars {
		content = content[:maxContentChars]
	}
	prompt := fmt.Sprintf("Objective: %s\n\nPage URL: %s\n\nPage content:\n%s", req.Objective, req.URL, content)

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: scoreMaxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return crawler.ScoreResponse{}, fmt.Errorf("anthropic messages: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	verdict, err := parseVerdict(text.String())
	if err != nil {
		c.logger.Warn("unparseable oracle verdict",
			zap.String("url", req.URL),
			zap.Error(err),
		)
		return crawler.ScoreResponse{}, err
	}
	return verdict, nil
}

type verdictPayload struct {
	Relevance float64  `json:"relevance"`
	ChildURLs []string `json:"child_urls"`
}

// parseVerdict tolerates markdown fences and surrounding prose around the
// JSON object.
func parseVerdict(raw string) (crawler.ScoreResponse, error) {
	raw = strings.TrimSpace(raw)
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	var payload verdictPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return crawler.ScoreResponse{}, fmt.Errorf("decode verdict: %w", err)
	}
	if payload.Relevance < 0 {
		payload.Relevance = 0
	}
	if payload.Relevance > 1 {
		payload.Relevance = 1
	}
	return crawler.ScoreResponse{
		Relevance: payload.Relevance,
		ChildURLs: payload.ChildURLs,
	}, nil
}
