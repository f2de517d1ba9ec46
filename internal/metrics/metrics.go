// Package metrics exports the core's stats snapshots as Prometheus
// metrics. The exporter is pull-based: every scrape takes fresh snapshots
// from the wired subsystems.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	kucoin "github.com/CAJUDA30/kucoin"
	"github.com/CAJUDA30/kucoin/internal/bus"
	"github.com/CAJUDA30/kucoin/internal/optimizer"
	"github.com/CAJUDA30/kucoin/internal/scheduler"
	"github.com/CAJUDA30/kucoin/pkg/ratelimit"
)

// Exporter implements prometheus.Collector over the core's snapshot
// providers. Nil providers are skipped.
type Exporter struct {
	controller func() kucoin.ControllerStats
	limiter    func() ratelimit.Stats
	scheduler  func() scheduler.Stats
	optimizer  func() optimizer.Stats
	bus        func() bus.Stats

	usageDesc         *prometheus.Desc
	capacityDesc      *prometheus.Desc
	categoryDesc      *prometheus.Desc
	queueDepthDesc    *prometheus.Desc
	pressureDesc      *prometheus.Desc
	requestsDesc      *prometheus.Desc
	throttledDesc     *prometheus.Desc
	slaViolationsDesc *prometheus.Desc

	limiterWeightDesc     *prometheus.Desc
	limiterViolationsDesc *prometheus.Desc
	limiterBreakerDesc    *prometheus.Desc

	schedulerStateDesc  *prometheus.Desc
	schedulerResetsDesc *prometheus.Desc

	optimizerAdjustDesc *prometheus.Desc
	optimizerVetoDesc   *prometheus.Desc

	busDroppedDesc *prometheus.Desc
}

// Option wires one snapshot provider into the exporter.
type Option func(*Exporter)

// WithController wires the unified controller snapshot.
func WithController(fn func() kucoin.ControllerStats) Option {
	return func(e *Exporter) { e.controller = fn }
}

// WithLimiter wires the weight-window limiter snapshot.
func WithLimiter(fn func() ratelimit.Stats) Option {
	return func(e *Exporter) { e.limiter = fn }
}

// WithScheduler wires the adaptive scheduler snapshot.
func WithScheduler(fn func() scheduler.Stats) Option {
	return func(e *Exporter) { e.scheduler = fn }
}

// WithOptimizer wires the optimizer snapshot.
func WithOptimizer(fn func() optimizer.Stats) Option {
	return func(e *Exporter) { e.optimizer = fn }
}

// WithBus wires the event bus snapshot.
func WithBus(fn func() bus.Stats) Option {
	return func(e *Exporter) { e.bus = fn }
}

// NewExporter creates an Exporter over the wired providers.
func NewExporter(opts ...Option) *Exporter {
	e := &Exporter{
		usageDesc: prometheus.NewDesc("kucoin_controller_usage_weight",
			"Committed weight in the current rolling window", nil, nil),
		capacityDesc: prometheus.NewDesc("kucoin_controller_capacity_weight",
			"Safety-margined weight capacity", nil, nil),
		categoryDesc: prometheus.NewDesc("kucoin_controller_category_usage_weight",
			"Committed weight by category", []string{"category"}, nil),
		queueDepthDesc: prometheus.NewDesc("kucoin_controller_queue_depth",
			"Queued admissions by priority", []string{"priority"}, nil),
		pressureDesc: prometheus.NewDesc("kucoin_controller_pressure_state",
			"Current pressure state as an ordinal", nil, nil),
		requestsDesc: prometheus.NewDesc("kucoin_controller_requests_total",
			"Lifetime admission requests", nil, nil),
		throttledDesc: prometheus.NewDesc("kucoin_controller_throttled_total",
			"Lifetime slow-path admissions", nil, nil),
		slaViolationsDesc: prometheus.NewDesc("kucoin_controller_sla_violations_total",
			"Lifetime SLA violations", nil, nil),
		limiterWeightDesc: prometheus.NewDesc("kucoin_limiter_window_weight",
			"Weight committed in the limiter window", nil, nil),
		limiterViolationsDesc: prometheus.NewDesc("kucoin_limiter_violations_total",
			"Lifetime saturation waits", nil, nil),
		limiterBreakerDesc: prometheus.NewDesc("kucoin_limiter_breaker_trips_total",
			"Lifetime circuit breaker trips", nil, nil),
		schedulerStateDesc: prometheus.NewDesc("kucoin_scheduler_state",
			"Scheduler throttle state as an ordinal", nil, nil),
		schedulerResetsDesc: prometheus.NewDesc("kucoin_scheduler_resets_total",
			"Window resets by outcome", []string{"outcome"}, nil),
		optimizerAdjustDesc: prometheus.NewDesc("kucoin_optimizer_adjustments_total",
			"Applied parameter adjustments", nil, nil),
		optimizerVetoDesc: prometheus.NewDesc("kucoin_optimizer_bounds_vetoes_total",
			"Proposals discarded by safety bounds", nil, nil),
		busDroppedDesc: prometheus.NewDesc("kucoin_bus_dropped_events_total",
			"Events lost to subscriber overflow", nil, nil),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.usageDesc
	ch <- e.capacityDesc
	ch <- e.categoryDesc
	ch <- e.queueDepthDesc
	ch <- e.pressureDesc
	ch <- e.requestsDesc
	ch <- e.throttledDesc
	ch <- e.slaViolationsDesc
	ch <- e.limiterWeightDesc
	ch <- e.limiterViolationsDesc
	ch <- e.limiterBreakerDesc
	ch <- e.schedulerStateDesc
	ch <- e.schedulerResetsDesc
	ch <- e.optimizerAdjustDesc
	ch <- e.optimizerVetoDesc
	ch <- e.busDroppedDesc
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	if e.controller != nil {
		s := e.controller()
		ch <- prometheus.MustNewConstMetric(e.usageDesc, prometheus.GaugeValue, float64(s.CurrentUsage))
		ch <- prometheus.MustNewConstMetric(e.capacityDesc, prometheus.GaugeValue, float64(s.Capacity))
		ch <- prometheus.MustNewConstMetric(e.categoryDesc, prometheus.GaugeValue, float64(s.TradingUsage), "trading")
		ch <- prometheus.MustNewConstMetric(e.categoryDesc, prometheus.GaugeValue, float64(s.ScanningUsage), "scanning")
		ch <- prometheus.MustNewConstMetric(e.categoryDesc, prometheus.GaugeValue, float64(s.AdminUsage), "admin")
		for priority, depth := range s.QueueDepths {
			ch <- prometheus.MustNewConstMetric(e.queueDepthDesc, prometheus.GaugeValue, float64(depth), priority.String())
		}
		ch <- prometheus.MustNewConstMetric(e.pressureDesc, prometheus.GaugeValue, float64(s.State))
		ch <- prometheus.MustNewConstMetric(e.requestsDesc, prometheus.CounterValue, float64(s.TotalRequests))
		ch <- prometheus.MustNewConstMetric(e.throttledDesc, prometheus.CounterValue, float64(s.ThrottledRequests))
		ch <- prometheus.MustNewConstMetric(e.slaViolationsDesc, prometheus.CounterValue, float64(s.SlaViolations))
	}
	if e.limiter != nil {
		s := e.limiter()
		ch <- prometheus.MustNewConstMetric(e.limiterWeightDesc, prometheus.GaugeValue, float64(s.CurrentWeight))
		ch <- prometheus.MustNewConstMetric(e.limiterViolationsDesc, prometheus.CounterValue, float64(s.Violations))
		ch <- prometheus.MustNewConstMetric(e.limiterBreakerDesc, prometheus.CounterValue, float64(s.BreakerTrips))
	}
	if e.scheduler != nil {
		s := e.scheduler()
		ch <- prometheus.MustNewConstMetric(e.schedulerStateDesc, prometheus.GaugeValue, float64(s.State))
		ch <- prometheus.MustNewConstMetric(e.schedulerResetsDesc, prometheus.CounterValue, float64(s.SuccessfulResets), "success")
		ch <- prometheus.MustNewConstMetric(e.schedulerResetsDesc, prometheus.CounterValue, float64(s.FailedResets), "failed")
	}
	if e.optimizer != nil {
		s := e.optimizer()
		ch <- prometheus.MustNewConstMetric(e.optimizerAdjustDesc, prometheus.CounterValue, float64(s.TotalAdjustments))
		ch <- prometheus.MustNewConstMetric(e.optimizerVetoDesc, prometheus.CounterValue, float64(s.SafetyBoundsHits))
	}
	if e.bus != nil {
		s := e.bus()
		ch <- prometheus.MustNewConstMetric(e.busDroppedDesc, prometheus.CounterValue, float64(s.Dropped))
	}
}

// Handler returns an HTTP handler scraping a registry with this exporter
// registered.
func Handler(e *Exporter) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(e)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
