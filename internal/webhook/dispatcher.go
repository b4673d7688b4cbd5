// Package webhook delivers job lifecycle events to per-job HTTP endpoints
// with at-least-once semantics. It plugs into the progress hub as a sink so
// delivery latency and retries never stall job progress.
package webhook

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sitequest/sitequest/internal/crawler"
	"github.com/sitequest/sitequest/internal/progress"
)

// Config controls delivery behavior.
type Config struct {
	// MaxAttempts bounds deliveries per event (default 4).
	MaxAttempts int
	// BackoffInitial is the first retry delay (default 250ms).
	BackoffInitial time.Duration
	// BackoffMax caps the retry delay (default 5s).
	BackoffMax time.Duration
	// RequestTimeout bounds each POST (default 10s).
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 250 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	return c
}

// Dispatcher implements progress.Sink. Subscriptions are registered per job
// at submission time and dropped once a terminal event has been delivered.
type Dispatcher struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[string]subscription
}

type subscription struct {
	url    string
	events map[progress.EventType]struct{} // nil means all events
}

// New constructs a Dispatcher. client may be nil.
func New(cfg Config, client *http.Client, logger *zap.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:    cfg,
		client: client,
		logger: logger,
		subs:   make(map[string]subscription),
	}
}

// Register subscribes a job's webhook. An empty event list subscribes to all
// event types.
func (d *Dispatcher) Register(jobID string, cfg crawler.WebhookConfig) {
	if cfg.URL == "" {
		return
	}
	sub := subscription{url: cfg.URL}
	if len(cfg.Events) > 0 {
		sub.events = make(map[progress.EventType]struct{}, len(cfg.Events))
		for _, e := range cfg.Events {
			sub.events[progress.EventType(e)] = struct{}{}
		}
	}
	d.mu.Lock()
	d.subs[jobID] = sub
	d.mu.Unlock()
}

// Unregister drops a job's subscription.
func (d *Dispatcher) Unregister(jobID string) {
	d.mu.Lock()
	delete(d.subs, jobID)
	d.mu.Unlock()
}

// Consume delivers each matching event as an independent POST. Failures are
// retried with jittered exponential backoff and finally dropped with a
// warning; they never propagate to the job.
func (d *Dispatcher) Consume(ctx context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		d.mu.RLock()
		sub, ok := d.subs[evt.JobID]
		d.mu.RUnlock()
		if !ok || !sub.wants(evt.Type) {
			d.finishIfTerminal(evt)
			continue
		}
		d.deliver(ctx, sub.url, evt)
		d.finishIfTerminal(evt)
	}
	return nil
}

// Close implements progress.Sink.
func (d *Dispatcher) Close(context.Context) error {
	return nil
}

func (s subscription) wants(t progress.EventType) bool {
	if s.events == nil {
		return true
	}
	_, ok := s.events[t]
	return ok
}

func (d *Dispatcher) finishIfTerminal(evt progress.Event) {
	if evt.Type == progress.EventJobCompleted || evt.Type == progress.EventJobError {
		d.Unregister(evt.JobID)
	}
}

type payload struct {
	Event     string         `json:"event"`
	JobID     string         `json:"job_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

func (d *Dispatcher) deliver(ctx context.Context, url string, evt progress.Event) {
	body, err := json.Marshal(payload{
		Event:     string(evt.Type),
		JobID:     evt.JobID,
		Timestamp: evt.TS,
		Data:      evt.Data,
	})
	if err != nil {
		d.logger.Warn("webhook payload marshal failed", zap.String("job_id", evt.JobID), zap.Error(err))
		return
	}

	for attempt := 0; attempt < d.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(d.backoff(attempt)):
			case <-ctx.Done():
				d.logger.Warn("webhook delivery abandoned",
					zap.String("job_id", evt.JobID),
					zap.String("event", string(evt.Type)),
					zap.Error(ctx.Err()),
				)
				return
			}
		}
		if err = d.post(ctx, url, body); err == nil {
			return
		}
	}
	d.logger.Warn("webhook delivery dropped after retries",
		zap.String("job_id", evt.JobID),
		zap.String("event", string(evt.Type)),
		zap.Int("attempts", d.cfg.MaxAttempts),
		zap.Error(err),
	)
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := float64(d.cfg.BackoffInitial) * math.Pow(2, float64(attempt-1))
	if delay > float64(d.cfg.BackoffMax) {
		delay = float64(d.cfg.BackoffMax)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
