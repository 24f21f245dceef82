package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lernfeed/lernfeed/internal/progress"
)

// PrometheusSink exports pipeline progress metrics via Prometheus. It owns all
// collectors for runs started/completed/running and per-stage item counters.
type PrometheusSink struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	items  *prometheus.CounterVec
	cost   *prometheus.CounterVec
	tokens *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lernfeed_runs_started_total",
			Help: "Total batch runs that have started, partitioned by stage.",
		}, []string{"stage"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lernfeed_runs_completed_total",
			Help: "Total batch runs finished, partitioned by stage and final state.",
		}, []string{"stage", "state"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lernfeed_runs_running",
			Help: "Current number of running batch runs.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lernfeed_run_duration_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"stage", "state"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lernfeed_items_total",
			Help: "Item outcomes partitioned by stage and status.",
		}, []string{"stage", "status"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lernfeed_cost_usd_total",
			Help: "Budget spent per stage, in the stage's cost unit.",
		}, []string{"stage"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lernfeed_tokens_total",
			Help: "Model tokens consumed per stage.",
		}, []string{"stage"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runDuration,
		s.items,
		s.cost,
		s.tokens,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Kind {
	case progress.KindRunStart:
		s.runsStarted.WithLabelValues(evt.Stage).Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.KindRunDone:
		state := evt.Status
		if state == "" {
			state = "unknown"
		}
		s.runsCompleted.WithLabelValues(evt.Stage, state).Inc()
		if evt.Dur > 0 {
			s.runDuration.WithLabelValues(evt.Stage, state).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.RunID) {
			s.runsRunning.Dec()
		}
	case progress.KindItemDone:
		s.handleItemEvent(evt)
	}
}

func (s *PrometheusSink) handleItemEvent(evt progress.Event) {
	status := evt.Status
	if status == "" {
		status = "unknown"
	}
	s.items.WithLabelValues(evt.Stage, status).Inc()
	if evt.Cost > 0 {
		s.cost.WithLabelValues(evt.Stage).Add(evt.Cost)
	}
	if evt.Tokens > 0 {
		s.tokens.WithLabelValues(evt.Stage).Add(float64(evt.Tokens))
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
