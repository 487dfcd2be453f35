package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EngineCollector bundles Prometheus metrics for the propagation engine and
// the observer stream. It satisfies core.EngineMetricsRecorder.
type EngineCollector struct {
	gatherer prometheus.Gatherer

	Ticks           prometheus.Counter
	TickDuration    prometheus.Histogram
	PoweredElements prometheus.Gauge
	WorldMaps       prometheus.Gauge
	WorldElements   prometheus.Gauge
	Observers       prometheus.Gauge
}

// NewEngineCollector registers engine metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewEngineCollector(reg prometheus.Registerer) (*EngineCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	ticks, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "circuit_ticks_total",
		Help: "Total number of simulation ticks completed.",
	}), "circuit_ticks_total")
	if err != nil {
		return nil, err
	}

	duration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "circuit_tick_duration_seconds",
		Help:    "Wall time spent running one simulation tick.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	}), "circuit_tick_duration_seconds")
	if err != nil {
		return nil, err
	}

	powered, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "circuit_powered_elements",
		Help: "Number of powered elements at the end of the last tick.",
	}), "circuit_powered_elements")
	if err != nil {
		return nil, err
	}
	maps, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "circuit_world_maps",
		Help: "Current number of loaded maps.",
	}), "circuit_world_maps")
	if err != nil {
		return nil, err
	}
	elements, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "circuit_world_elements",
		Help: "Current number of elements across all loaded maps.",
	}), "circuit_world_elements")
	if err != nil {
		return nil, err
	}
	observers, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "circuit_observers",
		Help: "Current number of connected snapshot observers.",
	}), "circuit_observers")
	if err != nil {
		return nil, err
	}

	return &EngineCollector{
		gatherer:        gatherer,
		Ticks:           ticks,
		TickDuration:    duration,
		PoweredElements: powered,
		WorldMaps:       maps,
		WorldElements:   elements,
		Observers:       observers,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *EngineCollector) Handler() http.Handler {
	return handlerFor(c.gatherer)
}

// ObserveTick records one completed tick.
func (c *EngineCollector) ObserveTick(d time.Duration, powered int) {
	if c == nil {
		return
	}
	if c.Ticks != nil {
		c.Ticks.Inc()
	}
	if c.TickDuration != nil {
		c.TickDuration.Observe(d.Seconds())
	}
	if c.PoweredElements != nil {
		c.PoweredElements.Set(float64(powered))
	}
}

// SetWorldCounts updates the world size gauges.
func (c *EngineCollector) SetWorldCounts(maps, elements int) {
	if c == nil {
		return
	}
	if c.WorldMaps != nil {
		c.WorldMaps.Set(float64(maps))
	}
	if c.WorldElements != nil {
		c.WorldElements.Set(float64(elements))
	}
}

// SetObservers updates the connected observer gauge.
func (c *EngineCollector) SetObservers(n int) {
	if c == nil || c.Observers == nil {
		return
	}
	c.Observers.Set(float64(n))
}

func handlerFor(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
