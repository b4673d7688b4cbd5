package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (s *captureSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, batch...)
	return nil
}

func (s *captureSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *captureSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func evt(typ EventType, jobID string) Event {
	return Event{Type: typ, JobID: jobID, TS: time.Unix(100, 0)}
}

func TestHub_DeliversEventsInOrder(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchWait: 10 * time.Millisecond}, sink)

	hub.Emit(evt(EventJobStarted, "job-1"))
	hub.Emit(evt(EventPageScraped, "job-1"))
	hub.Emit(evt(EventJobCompleted, "job-1"))

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 3
	}, time.Second, 10*time.Millisecond)

	got := sink.snapshot()
	require.Equal(t, EventJobStarted, got[0].Type)
	require.Equal(t, EventPageScraped, got[1].Type)
	require.Equal(t, EventJobCompleted, got[2].Type)

	require.NoError(t, hub.Close(context.Background()))
	require.True(t, sink.closed)
}

func TestHub_DropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchWait: 10 * time.Millisecond}, sink)
	defer func() { _ = hub.Close(context.Background()) }()

	hub.Emit(Event{Type: "bogus", JobID: "job-1", TS: time.Unix(100, 0)})
	hub.Emit(Event{Type: EventJobStarted, TS: time.Unix(100, 0)}) // missing job id
	hub.Emit(evt(EventJobStarted, "job-1"))

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestHub_CloseFlushesPending(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchWait: time.Hour}, sink) // no timer flush

	for i := 0; i < 10; i++ {
		hub.Emit(evt(EventPageScraped, "job-1"))
	}
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.snapshot(), 10)
}

func TestHub_EmitAfterCloseIsIgnored(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{}, sink)
	require.NoError(t, hub.Close(context.Background()))
	hub.Emit(evt(EventJobStarted, "job-1"))
	require.Empty(t, sink.snapshot())
}

func TestKnownEventType(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"job.started", "page.scraped", "decision.made", "job.completed", "job.error"} {
		require.True(t, KnownEventType(s), s)
	}
	require.False(t, KnownEventType("job.heartbeat"))
}
