package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Results a request can end with, as recorded by the requests counter.
const (
	resultOK     = "ok"
	resultError  = "error"
	resultClosed = "pool_closed"
)

// Metrics holds the pool's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	openConnections    prometheus.Gauge
	idleConnections    prometheus.Gauge
	pendingRequests    prometheus.Gauge
	connectionsCreated prometheus.Counter
	connectionsReused  prometheus.Counter
	requests           *prometheus.CounterVec
}

// NewMetrics registers the pool collectors with reg. It returns nil when reg
// is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)
	return &Metrics{
		openConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "jersey_pool_open_connections",
			Help: "Number of connections that are open or opening",
		}),
		idleConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "jersey_pool_idle_connections",
			Help: "Number of open connections waiting for a request",
		}),
		pendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "jersey_pool_pending_requests",
			Help: "Number of requests waiting for a connection",
		}),
		connectionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "jersey_pool_connections_created_total",
			Help: "Total number of connections opened",
		}),
		connectionsReused: factory.NewCounter(prometheus.CounterOpts{
			Name: "jersey_pool_connections_reused_total",
			Help: "Total number of requests served by an already open connection",
		}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jersey_pool_requests_total",
			Help: "Total number of requests by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) setGauges(open, idle, pending int) {
	if m == nil {
		return
	}
	m.openConnections.Set(float64(open))
	m.idleConnections.Set(float64(idle))
	m.pendingRequests.Set(float64(pending))
}

func (m *Metrics) connectionCreated() {
	if m == nil {
		return
	}
	m.connectionsCreated.Inc()
}

func (m *Metrics) connectionReused() {
	if m == nil {
		return
	}
	m.connectionsReused.Inc()
}

func (m *Metrics) requestDone(result string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(result).Inc()
}
