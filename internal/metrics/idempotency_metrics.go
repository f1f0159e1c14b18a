package metrics

import "github.com/prometheus/client_golang/prometheus"

// Результаты прохода очистки ключей идемпотентности.
const (
	CleanupResultOK    = "ok"
	CleanupResultError = "error"
)

// IdempotencyCleanupMetrics описывает работу воркера очистки ключей.
type IdempotencyCleanupMetrics struct {
	sweeps      *prometheus.CounterVec
	deleted     prometheus.Counter
	lastDeleted prometheus.Gauge
}

// NewIdempotencyCleanupMetricsWithRegisterer регистрирует метрики очистки в registerer.
func NewIdempotencyCleanupMetricsWithRegisterer(registerer prometheus.Registerer) *IdempotencyCleanupMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &IdempotencyCleanupMetrics{
		sweeps: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "checkout_idempotency_cleanup_runs_total",
			Help: "Total number of idempotency cleanup runs grouped by result.",
		}, []string{"result"}),
		deleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "checkout_idempotency_cleanup_deleted_total",
			Help: "Total number of deleted expired idempotency keys.",
		}),
		lastDeleted: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "checkout_idempotency_cleanup_last_deleted",
			Help: "Number of keys deleted by the last cleanup run.",
		}),
	}
}

// RecordSweep учитывает завершённый проход очистки.
func (m *IdempotencyCleanupMetrics) RecordSweep(result string, deleted int) {
	m.sweeps.WithLabelValues(result).Inc()
	if result == CleanupResultOK {
		m.lastDeleted.Set(float64(deleted))
	}
}

// AddDeleted учитывает удалённую порцию ключей.
func (m *IdempotencyCleanupMetrics) AddDeleted(n int) {
	if n > 0 {
		m.deleted.Add(float64(n))
	}
}
