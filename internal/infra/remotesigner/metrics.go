package remotesigner

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 暴露远端签名连接池与调用指标。
type Metrics struct {
	activeConns    *prometheus.GaugeVec
	streamResets   *prometheus.CounterVec
	breakerTrips   *prometheus.CounterVec
	acquireLatency *prometheus.HistogramVec
	calls          *prometheus.CounterVec
}

// NewMetrics 在注册器中注册指标，reg 为空时使用默认注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		activeConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "anysigner",
			Subsystem: "remote",
			Name:      "active_conns",
			Help:      "Number of established gRPC connections per remote signer target",
		}, []string{"target"}),
		streamResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anysigner",
			Subsystem: "remote",
			Name:      "transient_failures_total",
			Help:      "Total number of connections entering TRANSIENT_FAILURE",
		}, []string{"target"}),
		breakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anysigner",
			Subsystem: "remote",
			Name:      "breaker_trips_total",
			Help:      "Total number of circuit breaker trips per target",
		}, []string{"target"}),
		acquireLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "anysigner",
			Subsystem: "remote",
			Name:      "acquire_latency_ms",
			Help:      "Time spent waiting for a pooled connection in milliseconds",
			Buckets:   []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 20, 50, 100, 200, 500},
		}, []string{"target"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anysigner",
			Subsystem: "remote",
			Name:      "calls_total",
			Help:      "Remote signer RPCs by target, method and gRPC status code",
		}, []string{"target", "method", "code"}),
	}
	reg.MustRegister(m.activeConns, m.streamResets, m.breakerTrips, m.acquireLatency, m.calls)
	return m
}

func (m *Metrics) setActive(target string, value int) {
	m.activeConns.WithLabelValues(target).Set(float64(value))
}

func (m *Metrics) incTransientFailure(target string) {
	m.streamResets.WithLabelValues(target).Inc()
}

func (m *Metrics) incBreakerTrip(target string) {
	m.breakerTrips.WithLabelValues(target).Inc()
}

func (m *Metrics) observeAcquire(target string, d time.Duration) {
	m.acquireLatency.WithLabelValues(target).Observe(float64(d) / float64(time.Millisecond))
}

func (m *Metrics) incCall(target, method, code string) {
	m.calls.WithLabelValues(target, method, code).Inc()
}
