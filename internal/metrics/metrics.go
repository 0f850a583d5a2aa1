package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "crmpulse"

// Metrics holds the engine collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	CheckDuration   *prometheus.HistogramVec
	CheckStatus     *prometheus.GaugeVec
	IncidentsOpened *prometheus.CounterVec
	TokenRefreshes  *prometheus.CounterVec
	DPWebhooks      *prometheus.CounterVec
	AggregateBucket *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CheckDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_duration_seconds",
			Help:      "Probe response time per tenant and check type",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30, 60},
		}, []string{"tenant", "check_type"}),
		CheckStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "check_status",
			Help:      "Confirmed status: 0 unknown, 1 up, 2 warning, 3 down",
		}, []string{"tenant", "check_type"}),
		IncidentsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_opened_total",
			Help:      "Incidents opened",
		}, []string{"tenant", "check_type"}),
		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_total",
			Help:      "OAuth2 refresh attempts by result",
		}, []string{"tenant", "result"}),
		DPWebhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dp_webhooks_total",
			Help:      "Inbound webhook callbacks by match outcome",
		}, []string{"tenant", "matched"}),
		AggregateBucket: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregate_buckets_total",
			Help:      "Aggregate buckets recomputed",
		}, []string{"resolution"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ratelimit_queue_depth",
			Help:      "Calls waiting for a dispatch slot",
		}, []string{"tenant"}),
	}
	if reg != nil {
		reg.MustRegister(m.CheckDuration, m.CheckStatus, m.IncidentsOpened,
			m.TokenRefreshes, m.DPWebhooks, m.AggregateBucket, m.QueueDepth)
	}
	return m
}

func (m *Metrics) ObserveCheck(tenant, checkType string, d time.Duration) {
	if m == nil {
		return
	}
	m.CheckDuration.WithLabelValues(tenant, checkType).Observe(d.Seconds())
}

func (m *Metrics) SetStatus(tenant, checkType string, level float64) {
	if m == nil {
		return
	}
	m.CheckStatus.WithLabelValues(tenant, checkType).Set(level)
}

func (m *Metrics) IncidentOpened(tenant, checkType string) {
	if m == nil {
		return
	}
	m.IncidentsOpened.WithLabelValues(tenant, checkType).Inc()
}

func (m *Metrics) TokenRefresh(tenant string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.TokenRefreshes.WithLabelValues(tenant, result).Inc()
}

func (m *Metrics) Webhook(tenant string, matched bool) {
	if m == nil {
		return
	}
	label := "false"
	if matched {
		label = "true"
	}
	m.DPWebhooks.WithLabelValues(tenant, label).Inc()
}

func (m *Metrics) BucketComputed(resolution string) {
	if m == nil {
		return
	}
	m.AggregateBucket.WithLabelValues(resolution).Inc()
}

func (m *Metrics) SetQueueDepth(tenant string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(tenant).Set(float64(depth))
}
