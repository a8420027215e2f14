package anysigner

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	opSign         = "sign"
	opPlan         = "plan"
	opSignJSON     = "sign_json"
	opSupportsJSON = "supports_json"

	outcomeOK   = "OK"
	unknownCoin = "unknown"
)

// Metrics 暴露 requests_total / request_duration_ms。
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics 在注册器中注册分发器指标。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anysigner",
			Name:      "requests_total",
			Help:      "Total number of dispatched requests by coin, operation and result code",
		}, []string{"coin", "operation", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "anysigner",
			Name:      "request_duration_ms",
			Help:      "Time spent inside the dispatcher and the chain signer in milliseconds",
			Buckets:   []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 20, 50, 100, 200, 500, 1000},
		}, []string{"operation"}),
	}
	reg.MustRegister(m.requests, m.duration)
	return m
}

func (m *Metrics) observe(coinLabel, operation, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(coinLabel, operation, code).Inc()
	m.duration.WithLabelValues(operation).Observe(elapsed.Seconds() * 1000)
}
