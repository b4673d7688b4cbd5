package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sitequest/sitequest/internal/app"
	"github.com/sitequest/sitequest/internal/clock/system"
	"github.com/sitequest/sitequest/internal/coordinator"
	"github.com/sitequest/sitequest/internal/crawler"
	"github.com/sitequest/sitequest/internal/decision"
	"github.com/sitequest/sitequest/internal/extract"
	"github.com/sitequest/sitequest/internal/fetch"
	"github.com/sitequest/sitequest/internal/id/uuid"
	"github.com/sitequest/sitequest/internal/logging"
	"github.com/sitequest/sitequest/internal/progress"
	"github.com/sitequest/sitequest/internal/progress/sinks"
	"github.com/sitequest/sitequest/internal/worker"
)

type crawlFlags struct {
	url         string
	objective   string
	maxPages    int
	maxDepth    int
	concurrency int
	timeLimit   time.Duration
	formats     []string
}

func newCrawlCmd() *cobra.Command {
	var flags crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs a single crawl job and prints the result",
		Long: `Runs one crawl job in-process, without the HTTP server or job queue,
and prints the final job state as JSON to stdout. Useful for trying out
objectives and for scripting.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.url, "url", "", "seed URL to crawl (required)")
	cmd.Flags().StringVar(&flags.objective, "objective", "", "natural-language objective guiding the crawl")
	cmd.Flags().IntVar(&flags.maxPages, "max-pages", 20, "page budget")
	cmd.Flags().IntVar(&flags.maxDepth, "max-depth", 3, "link depth budget")
	cmd.Flags().IntVar(&flags.concurrency, "concurrency", 4, "concurrent fetch workers")
	cmd.Flags().DurationVar(&flags.timeLimit, "time-limit", 5*time.Minute, "wall-clock budget")
	cmd.Flags().StringSliceVar(&flags.formats, "format", []string{"markdown"}, "output formats: markdown, text, links")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func runCrawl(cmd *cobra.Command, flags crawlFlags) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	formats, err := parseFormats(flags.formats)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := system.New()
	jobID, err := uuid.NewGenerator().NewID()
	if err != nil {
		return fmt.Errorf("generate job id: %w", err)
	}

	sub := crawler.Submission{
		JobID:     jobID,
		SeedURL:   flags.url,
		Objective: flags.objective,
		Config: crawler.JobConfig{
			MaxPages:         flags.maxPages,
			MaxDepth:         flags.maxDepth,
			Concurrency:      flags.concurrency,
			TimeLimit:        flags.timeLimit,
			Formats:          formats,
			EarlyTermination: true,
		},
		Submitted: clk.Now().Unix(),
	}

	hub := progress.NewHub(progress.Config{Logger: logger}, sinks.NewLogSink(logger))
	coord, err := coordinator.New(sub, hub, clk, logger)
	if err != nil {
		return fmt.Errorf("build job: %w", err)
	}

	scorer, err := app.BuildOracle(cfg.Oracle, logger)
	if err != nil {
		return err
	}
	fetcher := fetch.NewCollyFetcher(fetch.CollyConfig{
		UserAgent:      cfg.Fetcher.UserAgent,
		RequestTimeout: time.Duration(cfg.Fetcher.RequestTimeoutSeconds) * time.Second,
		DomainQPS:      cfg.Fetcher.DomainQPS,
	}, logger)
	engine := decision.New(app.DecisionConfig(cfg.Decision), scorer, coord.PatternIndex(), clk, logger)

	pool := worker.New(worker.Config{
		Retry: worker.RetryConfig{
			MaxAttempts:    cfg.Fetcher.MaxRetries,
			BackoffInitial: time.Duration(cfg.Fetcher.BackoffInitialMs) * time.Millisecond,
			BackoffMax:     time.Duration(cfg.Fetcher.BackoffMaxMs) * time.Millisecond,
		},
	}, worker.Deps{
		Coordinator: coord,
		Engine:      engine,
		Fetcher:     fetcher,
		Extractor:   extract.New(),
		Clock:       clk,
		Logger:      logger,
	})
	pool.Run(ctx)

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := hub.Close(flushCtx); err != nil {
		logger.Warn("event flush incomplete", zap.Error(err))
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(coord.Snapshot()); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

func parseFormats(raw []string) ([]crawler.Format, error) {
	formats := make([]crawler.Format, 0, len(raw))
	for _, f := range raw {
		switch crawler.Format(f) {
		case crawler.FormatMarkdown, crawler.FormatText, crawler.FormatLinks:
			formats = append(formats, crawler.Format(f))
		default:
			return nil, fmt.Errorf("unknown format %q", f)
		}
	}
	return formats, nil
}
