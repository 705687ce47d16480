package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
	"github.com/JakeFAU/crawl-ingest/internal/events"
)

// PrometheusSink exports job lifecycle metrics. It owns its collectors so
// tests can register it against a private registry.
type PrometheusSink struct {
	jobsSpawned  prometheus.Counter
	jobsFinished *prometheus.CounterVec
	jobsRetried  prometheus.Counter
	jobsReaped   prometheus.Counter
	jobsRunning  prometheus.Gauge
	jobRuntime   *prometheus.HistogramVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_job_events_spawned_total",
			Help: "Jobs enqueued.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_job_events_finished_total",
			Help: "Jobs reaching a terminal status, by status.",
		}, []string{"status"}),
		jobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_job_events_retried_total",
			Help: "Failed jobs manually reset to pending.",
		}),
		jobsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_job_events_reaped_total",
			Help: "Stale in-progress jobs returned to pending.",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_job_events_running",
			Help: "Jobs currently claimed by a worker.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_job_runtime_seconds",
			Help:    "Processing time per completed job.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"status"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsSpawned,
		s.jobsFinished,
		s.jobsRetried,
		s.jobsReaped,
		s.jobsRunning,
		s.jobRuntime,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt events.Event) {
	switch evt.Type {
	case events.TypeJobSpawned:
		s.jobsSpawned.Inc()
	case events.TypeJobRetried:
		s.jobsRetried.Inc()
	case events.TypeJobReaped:
		s.jobsReaped.Inc()
		if s.tracker.stop(evt.JobID) {
			s.jobsRunning.Dec()
		}
	case events.TypeJobStatus:
		s.handleStatus(evt)
	}
}

func (s *PrometheusSink) handleStatus(evt events.Event) {
	switch evt.Status {
	case crawler.JobStatusInProgress:
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
		return
	case crawler.JobStatusCompleted, crawler.JobStatusFailed:
		s.jobsFinished.WithLabelValues(string(evt.Status)).Inc()
		if evt.Dur > 0 {
			s.jobRuntime.WithLabelValues(string(evt.Status)).Observe(evt.Dur.Seconds())
		}
	}
	if s.tracker.stop(evt.JobID) {
		s.jobsRunning.Dec()
	}
}

// Close implements events.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) stop(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
