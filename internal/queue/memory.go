// Package queue provides the job intake queue between the API and the crawl
// dispatcher: an in-memory channel for single-process deployments and a
// Pub/Sub implementation for durable intake.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sitequest/sitequest/internal/crawler"
)

// Memory is a bounded in-memory queue with context-aware operations.
type Memory struct {
	ch      chan crawler.Submission
	closeMu sync.Mutex
	closed  bool
}

// NewMemory constructs a queue with the provided capacity.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 64
	}
	return &Memory{ch: make(chan crawler.Submission, capacity)}
}

// Enqueue pushes a submission or returns if the context ends.
func (q *Memory) Enqueue(ctx context.Context, sub crawler.Submission) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- sub:
		return nil
	}
}

// Dequeue pops the next submission, respecting context cancellation.
func (q *Memory) Dequeue(ctx context.Context) (crawler.Submission, error) {
	select {
	case <-ctx.Done():
		return crawler.Submission{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case sub, ok := <-q.ch:
		if !ok {
			return crawler.Submission{}, errors.New("queue closed")
		}
		return sub, nil
	}
}

// Close closes the underlying channel for shutdown.
func (q *Memory) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
