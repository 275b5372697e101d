package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"overlay-wan/pkg/health"
	"overlay-wan/pkg/model"
)

const metricsNamespace = "overlay_wan"

// Metrics are the Prometheus collectors the monitor updates.
type Metrics struct {
	pathScore       *prometheus.GaugeVec
	pathStatus      *prometheus.GaugeVec
	activePath      *prometheus.GaugeVec
	usingPrimary    *prometheus.GaugeVec
	events          *prometheus.CounterVec
	pendingEvents   prometheus.Gauge
	persistFailures prometheus.Counter
	droppedNotices  prometheus.Counter
	stalePaths      prometheus.Counter
	evalDuration    prometheus.Histogram
}

// NewMetrics registers the collectors on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		pathScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Name: "path_health_score",
			Help: "Composite health score of a path (0-100).",
		}, []string{"path"}),
		pathStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Name: "path_status",
			Help: "1 for the current status of a path, 0 otherwise.",
		}, []string{"path", "status"}),
		activePath: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Name: "policy_active_path",
			Help: "Path id currently carrying traffic for a policy.",
		}, []string{"policy"}),
		usingPrimary: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Name: "policy_using_primary",
			Help: "1 while a policy is on its primary path.",
		}, []string{"policy"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "failover_events_total",
			Help: "Failover audit events produced, by policy and type.",
		}, []string{"policy", "type"}),
		pendingEvents: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Name: "pending_events",
			Help: "Events produced but not yet persisted.",
		}),
		persistFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "event_persist_failures_total",
			Help: "Failed attempts to persist failover events.",
		}),
		droppedNotices: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "event_notifications_dropped_total",
			Help: "Persisted events not delivered to live subscribers because they lagged.",
		}),
		stalePaths: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "stale_path_reads_total",
			Help: "Path scores read after their last probe had expired.",
		}),
		evalDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Name: "evaluation_duration_seconds",
			Help:    "Time to evaluate every policy once.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) observePath(h health.PathHealth) {
	id := h.PathID.String()
	m.pathScore.WithLabelValues(id).Set(h.Score.Score)
	for _, s := range []health.Status{health.StatusUp, health.StatusDegraded, health.StatusDown} {
		v := 0.0
		if s == h.Status {
			v = 1
		}
		m.pathStatus.WithLabelValues(id, string(s)).Set(v)
	}
}

func (m *Metrics) observeState(policyID string, active model.PathID, usingPrimary bool) {
	m.activePath.WithLabelValues(policyID).Set(float64(active))
	v := 0.0
	if usingPrimary {
		v = 1
	}
	m.usingPrimary.WithLabelValues(policyID).Set(v)
}

func (m *Metrics) forgetPolicy(policyID string) {
	m.activePath.DeleteLabelValues(policyID)
	m.usingPrimary.DeleteLabelValues(policyID)
}
