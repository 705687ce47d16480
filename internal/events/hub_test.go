package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
)

func sampleEvent(t Type) Event {
	return Event{
		Type:       t,
		JobID:      "job-1",
		SourceID:   "src-1",
		CustomerID: "acme",
		Status:     crawler.JobStatusPending,
		TS:         time.Unix(1700000000, 0).UTC(),
	}
}

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, nil, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(TypeJobSpawned))
	hub.Emit(sampleEvent(TypeJobSpawned))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: 20 * time.Millisecond}, nil, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(TypeJobSpawned))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubEmitNonBlockingWhenFull(t *testing.T) {
	t.Parallel()

	hub := &Hub{intake: make(chan Event), logger: zap.NewNop()}
	start := time.Now()
	hub.Emit(sampleEvent(TypeJobSpawned))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, int64(0), hub.dropped.Load(), "drop counter resets once the warning is logged")
}

func TestHubDiscardsInvalidAndLateEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, nil, sink)

	hub.Emit(Event{Type: TypeJobSpawned})
	hub.Emit(Event{Type: "bogus", JobID: "x", TS: time.Now()})
	require.NoError(t, hub.Close(context.Background()))
	hub.Emit(sampleEvent(TypeJobSpawned))

	assert.Empty(t, sink.Batches())
	assert.True(t, sink.closed)
}

func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, nil, sink)
	hub.Emit(sampleEvent(TypeJobRetried))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
}

func TestHubSinkErrorDoesNotStopDelivery(t *testing.T) {
	t.Parallel()

	good := newStubSink()
	bad := sinkFunc(func(context.Context, []Event) error { return errors.New("unavailable") })
	hub := NewHub(Config{MaxBatchEvents: 1}, nil, bad, good)
	hub.Emit(sampleEvent(TypeJobSpawned))
	require.NoError(t, hub.Close(context.Background()))
	assert.Len(t, good.Batches(), 1)
}

func TestEventValidateAndWakes(t *testing.T) {
	t.Parallel()

	status := sampleEvent(TypeJobStatus)
	status.Status = ""
	assert.Error(t, status.Validate())

	assert.True(t, sampleEvent(TypeJobSpawned).Wakes())
	assert.True(t, sampleEvent(TypeJobReaped).Wakes())

	done := sampleEvent(TypeJobStatus)
	done.Status = crawler.JobStatusCompleted
	require.NoError(t, done.Validate())
	assert.False(t, done.Wakes())

	requeued := sampleEvent(TypeJobStatus)
	assert.True(t, requeued.Wakes())
}

func TestFromJob(t *testing.T) {
	t.Parallel()

	job := crawler.CrawlJob{
		ID:         "job-9",
		SourceID:   "src",
		CustomerID: "acme",
		URL:        "https://example.com",
		Status:     crawler.JobStatusCompleted,
		RetryCount: 1,
		Result:     crawler.JobResult{ProcessingTime: 3 * time.Second},
	}
	ts := time.Unix(1700000000, 0)
	evt := FromJob(TypeJobStatus, job, ts)
	assert.Equal(t, "job-9", evt.JobID)
	assert.Equal(t, 3*time.Second, evt.Dur)
	assert.Equal(t, ts, evt.TS)
	require.NoError(t, evt.Validate())
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}
