package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the crawler.
type Metrics struct {
	Registry           *prometheus.Registry
	RunsTotal          prometheus.Counter
	RunDuration        prometheus.Histogram
	LocationsTotal     *prometheus.CounterVec
	RequestsTotal      *prometheus.CounterVec
	ProtocolFailures   *prometheus.CounterVec
	SessionsCreated    *prometheus.CounterVec
	SessionsDiscarded  *prometheus.CounterVec
	PoolSessions       *prometheus.GaugeVec
	ConcurrencyLevel   prometheus.Gauge
	WarehouseRowsTotal prometheus.Counter
	RelayedEvents      *prometheus.CounterVec
}

// New constructs and registers all metrics on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	runs := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offer_crawler_runs_total",
		Help: "Total crawl runs started.",
	})
	runDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "offer_crawler_run_duration_seconds",
		Help:    "Wall-clock duration of crawl runs.",
		Buckets: []float64{1, 2.5, 5, 7.5, 10, 15, 20, 25, 30},
	})
	locations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offer_crawler_locations_total",
		Help: "Locations processed by outcome.",
	}, []string{"status", "error_type"})
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offer_crawler_requests_total",
		Help: "Requests issued to the target by operation and result.",
	}, []string{"op", "result"})
	protocolFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offer_crawler_location_change_failures_total",
		Help: "Location change failures by protocol step.",
	}, []string{"step"})
	created := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offer_crawler_sessions_created_total",
		Help: "Session creation attempts by result.",
	}, []string{"result"})
	discarded := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offer_crawler_sessions_discarded_total",
		Help: "Sessions discarded by reason.",
	}, []string{"reason"})
	poolSessions := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "offer_crawler_pool_sessions",
		Help: "Sessions in the pool by lifecycle state.",
	}, []string{"state"})
	concurrency := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "offer_crawler_concurrency_level",
		Help: "Current adaptive concurrency level.",
	})
	rows := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offer_crawler_warehouse_rows_total",
		Help: "Offer rows written to the warehouse.",
	})
	relayed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offer_crawler_outbox_relayed_total",
		Help: "Outbox events forwarded to Redis streams by event type and result.",
	}, []string{"event_type", "result"})

	registry.MustRegister(runs, runDuration, locations, requests, protocolFailures,
		created, discarded, poolSessions, concurrency, rows, relayed)

	return &Metrics{
		Registry:           registry,
		RunsTotal:          runs,
		RunDuration:        runDuration,
		LocationsTotal:     locations,
		RequestsTotal:      requests,
		ProtocolFailures:   protocolFailures,
		SessionsCreated:    created,
		SessionsDiscarded:  discarded,
		PoolSessions:       poolSessions,
		ConcurrencyLevel:   concurrency,
		WarehouseRowsTotal: rows,
		RelayedEvents:      relayed,
	}
}

func (m *Metrics) IncRun() {
	if m == nil {
		return
	}
	m.RunsTotal.Inc()
}

func (m *Metrics) ObserveRun(d time.Duration) {
	if m == nil {
		return
	}
	m.RunDuration.Observe(d.Seconds())
}

func (m *Metrics) IncLocation(status, errorType string) {
	if m == nil {
		return
	}
	m.LocationsTotal.WithLabelValues(status, errorType).Inc()
}

func (m *Metrics) IncRequest(op, result string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(op, result).Inc()
}

func (m *Metrics) IncProtocolFailure(step string) {
	if m == nil {
		return
	}
	m.ProtocolFailures.WithLabelValues(step).Inc()
}

func (m *Metrics) IncSessionCreated(result string) {
	if m == nil {
		return
	}
	m.SessionsCreated.WithLabelValues(result).Inc()
}

func (m *Metrics) IncSessionDiscarded(reason string) {
	if m == nil {
		return
	}
	m.SessionsDiscarded.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetPoolSessions(state string, n int) {
	if m == nil {
		return
	}
	m.PoolSessions.WithLabelValues(state).Set(float64(n))
}

func (m *Metrics) SetConcurrency(level int) {
	if m == nil {
		return
	}
	m.ConcurrencyLevel.Set(float64(level))
}

func (m *Metrics) AddWarehouseRows(n int) {
	if m == nil {
		return
	}
	m.WarehouseRowsTotal.Add(float64(n))
}

func (m *Metrics) IncRelayed(eventType, result string) {
	if m == nil {
		return
	}
	m.RelayedEvents.WithLabelValues(eventType, result).Inc()
}
