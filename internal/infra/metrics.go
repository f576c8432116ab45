package infra

import (
	"errors"
	"net/http"
	"time"

	"exchange_core/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "exchange"

// Metrics holds the process collectors on a private registry.
// Every method is safe on a nil *Metrics so components can run unobserved in tests.
type Metrics struct {
	registry *prometheus.Registry

	pipelineTotal    *prometheus.CounterVec
	pipelineDuration prometheus.Histogram

	ordersTotal   *prometheus.CounterVec
	fillsTotal    *prometheus.CounterVec
	hedgesTotal   *prometheus.CounterVec
	eventsTotal   *prometheus.CounterVec
	eventsDropped prometheus.Counter

	liquidationsTotal *prometheus.CounterVec
	sweepDuration     *prometheus.HistogramVec
	positionsOpen     prometheus.Gauge
	marginAlerts      prometheus.Gauge

	feedConnected *prometheus.GaugeVec
	tickersTotal  *prometheus.CounterVec
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		pipelineTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ledger",
			Name:      "pipelines_total",
			Help:      "Ledger pipelines by outcome",
		}, []string{"result"}), // committed, rejected, integrity
		pipelineDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "ledger",
			Name:      "pipeline_duration_ms",
			Help:      "Time from pipeline open to commit or rollback in milliseconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
		}),

		ordersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "matching",
			Name:      "orders_total",
			Help:      "Submitted orders by symbol and resulting status",
		}, []string{"symbol", "status"}),
		fillsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "matching",
			Name:      "fills_total",
			Help:      "Executed fills by symbol",
		}, []string{"symbol"}),
		hedgesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "hedge",
			Name:      "requests_total",
			Help:      "Hedge requests by venue and result",
		}, []string{"venue", "result"}),
		eventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Published domain events by type",
		}, []string{"type"}),
		eventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped because the publish buffer was full",
		}),

		liquidationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "margin",
			Name:      "liquidations_total",
			Help:      "Liquidation attempts by outcome",
		}, []string{"outcome"}), // closed, partial, unfilled, failed
		sweepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "margin",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of periodic margin jobs",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		positionsOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "margin",
			Name:      "positions_open",
			Help:      "OPEN positions seen by the last sweep",
		}),
		marginAlerts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "margin",
			Name:      "alerts_active",
			Help:      "Accounts under an active margin call",
		}),

		feedConnected: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "feed",
			Name:      "connection_status",
			Help:      "Price feed connection status (1=connected, 0=disconnected)",
		}, []string{"exchange"}),
		tickersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "feed",
			Name:      "tickers_total",
			Help:      "Ticker updates received",
		}, []string{"exchange"}),
	}
}

// Registry exposes the private registry (tests, custom collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObservePipeline records the outcome and duration of one ledger pipeline.
func (m *Metrics) ObservePipeline(err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "committed"
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrIntegrity):
		result = "integrity"
	default:
		result = "rejected"
	}
	m.pipelineTotal.WithLabelValues(result).Inc()
	m.pipelineDuration.Observe(float64(d.Microseconds()) / 1000)
}

// RecordOrder counts a submitted order by its status after matching.
func (m *Metrics) RecordOrder(symbol string, status domain.OrderStatus) {
	if m == nil {
		return
	}
	m.ordersTotal.WithLabelValues(symbol, string(status)).Inc()
}

// RecordFills counts fills of one submit.
func (m *Metrics) RecordFills(symbol string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.fillsTotal.WithLabelValues(symbol).Add(float64(n))
}

// RecordHedge counts a hedge request.
func (m *Metrics) RecordHedge(venue string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.hedgesTotal.WithLabelValues(venue, result).Inc()
}

// RecordEvent counts a published event.
func (m *Metrics) RecordEvent(t domain.EventType) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(string(t)).Inc()
}

// RecordEventDropped counts an event lost to a full buffer.
func (m *Metrics) RecordEventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

// RecordLiquidation counts a liquidation attempt by outcome.
func (m *Metrics) RecordLiquidation(outcome string) {
	if m == nil {
		return
	}
	m.liquidationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveSweep records the duration of a periodic margin job.
func (m *Metrics) ObserveSweep(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.WithLabelValues(job).Observe(d.Seconds())
}

// SetOpenPositions sets the OPEN position gauge.
func (m *Metrics) SetOpenPositions(n int) {
	if m == nil {
		return
	}
	m.positionsOpen.Set(float64(n))
}

// AddMarginAlerts moves the active alert gauge by delta.
func (m *Metrics) AddMarginAlerts(delta int) {
	if m == nil {
		return
	}
	m.marginAlerts.Add(float64(delta))
}

// SetFeedConnected records the connection state of a price feed.
func (m *Metrics) SetFeedConnected(exchange string, connected bool) {
	if m == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	m.feedConnected.WithLabelValues(exchange).Set(v)
}

// RecordTicker counts a ticker update.
func (m *Metrics) RecordTicker(exchange string) {
	if m == nil {
		return
	}
	m.tickersTotal.WithLabelValues(exchange).Inc()
}
