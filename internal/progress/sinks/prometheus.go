package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/news-parser/internal/progress"
)

// PrometheusSink turns progress events into stage counters, an in-flight
// gauge, and latency histograms.
type PrometheusSink struct {
	stages      *prometheus.CounterVec
	inFlight    prometheus.Gauge
	jobDuration *prometheus.HistogramVec
	scanJobs    prometheus.Histogram

	fetchRequests *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec

	tracker *deliveryTracker
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsparser_progress_events_total",
			Help: "Progress events partitioned by stage.",
		}, []string{"stage"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "newsparser_progress_deliveries_in_flight",
			Help: "Deliveries received by a worker and not yet settled.",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "newsparser_progress_job_duration_seconds",
			Help:    "Wall time from receipt to settlement per delivery.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"result"}),
		scanJobs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "newsparser_progress_scan_published_jobs",
			Help:    "Jobs published per completed scan.",
			Buckets: []float64{0, 1, 5, 10, 20, 50, 100},
		}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsparser_progress_fetch_requests_total",
			Help: "Article fetch completions partitioned by site and status class.",
		}, []string{"site", "status_class"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsparser_progress_fetch_bytes_total",
			Help: "Article bytes downloaded per site.",
		}, []string{"site"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "newsparser_progress_fetch_duration_seconds",
			Help:    "Article fetch duration partitioned by site and status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"site", "status_class"}),
		tracker: &deliveryTracker{open: make(map[string]struct{})},
	}
	for _, collector := range []prometheus.Collector{
		s.stages,
		s.inFlight,
		s.jobDuration,
		s.scanJobs,
		s.fetchRequests,
		s.fetchBytes,
		s.fetchDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.stages.WithLabelValues(string(evt.Stage)).Inc()
		switch evt.Stage {
		case progress.StageJobReceived:
			if s.tracker.start(evt.MessageID) {
				s.inFlight.Inc()
			}
		case progress.StageAcked, progress.StageIgnored:
			s.settle(evt, "acked")
		case progress.StageFailed, progress.StageDeadLettered:
			s.settle(evt, "failed")
		case progress.StageFetchDone:
			s.observeFetch(evt)
		case progress.StageScanDone:
			s.scanJobs.Observe(float64(evt.Count))
		}
	}
	return nil
}

func (s *PrometheusSink) settle(evt progress.Event, result string) {
	if s.tracker.finish(evt.MessageID) {
		s.inFlight.Dec()
	}
	if evt.Dur > 0 {
		s.jobDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) observeFetch(evt progress.Event) {
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	class := string(evt.StatusClass)
	s.fetchRequests.WithLabelValues(site, class).Inc()
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(site, class).Observe(evt.Dur.Seconds())
	}
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// deliveryTracker keeps the in-flight gauge honest when a stage event is
// dropped or repeated.
type deliveryTracker struct {
	mu   sync.Mutex
	open map[string]struct{}
}

func (t *deliveryTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.open[id]; ok {
		return false
	}
	t.open[id] = struct{}{}
	return true
}

func (t *deliveryTracker) finish(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.open[id]; !ok {
		return false
	}
	delete(t.open, id)
	return true
}
