// Package dispatcher consumes accepted submissions from the job queue and
// runs each job's worker pool, bounding how many jobs crawl at once.
package dispatcher

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/sitequest/sitequest/internal/coordinator"
	"github.com/sitequest/sitequest/internal/crawler"
	"github.com/sitequest/sitequest/internal/progress"
	"github.com/sitequest/sitequest/internal/webhook"
)

// Runner executes one job to a terminal state. *worker.Pool satisfies it.
type Runner interface {
	Run(ctx context.Context)
}

// PoolFactory builds the worker pool for one job's coordinator.
type PoolFactory func(c *coordinator.Coordinator) Runner

// Config bounds the dispatcher.
type Config struct {
	// MaxConcurrentJobs caps jobs crawling simultaneously (default 8).
	MaxConcurrentJobs int
}

// Deps are the dispatcher's collaborators. Webhooks is optional.
type Deps struct {
	Queue    crawler.JobQueue
	Registry *coordinator.Registry
	Emitter  progress.Emitter
	Clock    crawler.Clock
	Webhooks *webhook.Dispatcher
	NewPool  PoolFactory
	Logger   *zap.Logger
}

// Dispatcher owns the dequeue loop.
type Dispatcher struct {
	cfg  Config
	deps Deps
	sem  chan struct{}
	wg   sync.WaitGroup
}

// New builds a Dispatcher.
func New(cfg Config, deps Deps) *Dispatcher {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 8
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:  cfg,
		deps: deps,
		sem:  make(chan struct{}, cfg.MaxConcurrentJobs),
	}
}

// Run blocks dequeuing submissions until ctx is cancelled or the queue
// closes, then waits for in-flight jobs to finish.
func (d *Dispatcher) Run(ctx context.Context) {
	defer d.wg.Wait()
	for {
		sub, err := d.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			d.deps.Logger.Error("job intake stopped", zap.Error(err))
			return
		}

		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		d.wg.Add(1)
		go func(sub crawler.Submission) {
			defer d.wg.Done()
			defer func() { <-d.sem }()
			d.runJob(ctx, sub)
		}(sub)
	}
}

// runJob resolves the submission's coordinator and drives it to a terminal
// state. The registry misses when the submission was accepted by another
// process (durable queue); the coordinator is rebuilt from the submission.
func (d *Dispatcher) runJob(ctx context.Context, sub crawler.Submission) {
	coord, ok := d.deps.Registry.Get(sub.JobID)
	if !ok {
		var err error
		coord, err = coordinator.New(sub, d.deps.Emitter, d.deps.Clock, d.deps.Logger)
		if err != nil {
			d.deps.Logger.Error("submission rejected at dispatch",
				zap.String("job_id", sub.JobID),
				zap.Error(err),
			)
			return
		}
		d.deps.Registry.Add(coord)
	}

	if d.deps.Webhooks != nil && sub.Webhook != nil {
		d.deps.Webhooks.Register(sub.JobID, *sub.Webhook)
	}

	d.deps.Logger.Info("job dispatched",
		zap.String("job_id", sub.JobID),
		zap.String("url", sub.SeedURL),
	)
	d.deps.NewPool(coord).Run(ctx)

	// On shutdown the pool exits without a terminal transition; resolve the
	// job so registry readers and webhook consumers see it end.
	if ctx.Err() != nil {
		coord.Cancel()
	}
}
