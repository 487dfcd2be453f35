package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SchedulerCollector exposes event scheduler metrics. It satisfies
// events.Recorder.
type SchedulerCollector struct {
	gatherer prometheus.Gatherer

	EventsFired      *prometheus.CounterVec
	CallbackFailures *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec
}

// NewSchedulerCollector registers scheduler metrics against the provided registerer.
func NewSchedulerCollector(reg prometheus.Registerer) (*SchedulerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	fired, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_events_fired_total",
		Help: "Events whose callback ran, labeled by queue (tick or time).",
	}, []string{"queue"}), "scheduler_events_fired_total")
	if err != nil {
		return nil, err
	}

	failures, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_callback_failures_total",
		Help: "Event callbacks that returned an error or panicked, labeled by queue.",
	}, []string{"queue"}), "scheduler_callback_failures_total")
	if err != nil {
		return nil, err
	}

	depth, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scheduler_queue_depth",
		Help: "Number of events currently queued, including cancelled ones not yet skipped.",
	}, []string{"queue"}), "scheduler_queue_depth")
	if err != nil {
		return nil, err
	}

	return &SchedulerCollector{
		gatherer:         gatherer,
		EventsFired:      fired,
		CallbackFailures: failures,
		QueueDepth:       depth,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SchedulerCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

func (c *SchedulerCollector) EventFired(queue string) {
	if c == nil || c.EventsFired == nil {
		return
	}
	c.EventsFired.WithLabelValues(queue).Inc()
}

func (c *SchedulerCollector) CallbackFailed(queue string) {
	if c == nil || c.CallbackFailures == nil {
		return
	}
	c.CallbackFailures.WithLabelValues(queue).Inc()
}

func (c *SchedulerCollector) SetQueueDepth(queue string, depth int) {
	if c == nil || c.QueueDepth == nil {
		return
	}
	if depth < 0 {
		depth = 0
	}
	c.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}
