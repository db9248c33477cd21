package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/egazette-harvester/internal/progress"
)

// PrometheusSink exports run and cycle progress via Prometheus. Per-download
// counters live in the metrics package; this sink tracks the run lifecycle.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsActive    prometheus.Gauge
	cycleRuntime  *prometheus.HistogramVec
	cycleFiles    prometheus.Histogram
	reportsSent   prometheus.Counter
	reloadsByPage *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_runs_started_total",
			Help: "Harvester runs that have started.",
		}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_runs_active",
			Help: "Harvester runs currently in progress.",
		}),
		cycleRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_cycle_runtime_seconds",
			Help:    "Wall time per harvest cycle partitioned by result.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		cycleFiles: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvester_cycle_files",
			Help:    "Files downloaded per successful cycle.",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		}),
		reportsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_reports_total",
			Help: "Operator reports emitted.",
		}),
		reloadsByPage: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_page_reloads_total",
			Help: "Session reloads partitioned by reason and the page they happened on.",
		}, []string{"reason", "page"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsActive,
		s.cycleRuntime,
		s.cycleFiles,
		s.reportsSent,
		s.reloadsByPage,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsActive.Inc()
		}
	case progress.StageRunStop:
		if s.tracker.complete(evt.RunID) {
			s.runsActive.Dec()
		}
	case progress.StageCycleDone:
		s.cycleFiles.Observe(float64(evt.Count))
		s.observeRuntime(evt, "success")
	case progress.StageCycleError:
		s.observeRuntime(evt, "error")
	case progress.StageReload:
		s.reloadsByPage.WithLabelValues(evt.Strategy, fmt.Sprint(evt.Page)).Inc()
	case progress.StageReport:
		s.reportsSent.Inc()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.cycleRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
