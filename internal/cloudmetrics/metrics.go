package cloudmetrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics are the usage accounting series pushed to the control plane. They
// live on a private registry so the scrape endpoint never exposes them.
type metrics struct {
	transactionsCreated *prometheus.CounterVec
	auditsAdmitted      *prometheus.CounterVec
	auditTokens         *prometheus.CounterVec
	engineErrors        *prometheus.CounterVec

	organizationsTotal prometheus.Gauge
	memoryBytes        prometheus.Gauge
}

func newMetrics(registry *prometheus.Registry) *metrics {
	m := &metrics{
		transactionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "binsight_cloud_transactions_created_total",
			Help: "Transactions created, by organization.",
		}, []string{"org"}),
		auditsAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "binsight_cloud_audits_admitted_total",
			Help: "Transactions admitted into audit batches, by organization.",
		}, []string{"org"}),
		auditTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "binsight_cloud_audit_tokens_total",
			Help: "Model tokens consumed by audit runs, by organization and direction.",
		}, []string{"org", "direction"}),
		engineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "binsight_cloud_engine_errors_total",
			Help: "Engine errors surfaced to the control plane, by organization and operation.",
		}, []string{"org", "operation"}),
		organizationsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "binsight_cloud_organizations",
			Help: "Organizations present in this installation.",
		}),
		memoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "binsight_cloud_memory_bytes",
			Help: "Process memory obtained from the OS.",
		}),
	}

	registry.MustRegister(
		m.transactionsCreated,
		m.auditsAdmitted,
		m.auditTokens,
		m.engineErrors,
		m.organizationsTotal,
		m.memoryBytes,
	)
	return m
}

var (
	activeMetrics   *metrics
	activeMetricsMu sync.RWMutex
)

func setActiveMetrics(m *metrics) {
	if m == nil {
		return
	}
	activeMetricsMu.Lock()
	activeMetrics = m
	activeMetricsMu.Unlock()
}

// SetOrganizationsTotal updates the installation-wide organization gauge.
// A noop until cloud accounting is registered.
func SetOrganizationsTotal(count int64) {
	activeMetricsMu.RLock()
	m := activeMetrics
	activeMetricsMu.RUnlock()
	if m == nil {
		return
	}
	if count < 0 {
		count = 0
	}
	m.organizationsTotal.Set(float64(count))
}

// SetMemoryBytes updates the process memory gauge.
func SetMemoryBytes(bytes uint64) {
	activeMetricsMu.RLock()
	m := activeMetrics
	activeMetricsMu.RUnlock()
	if m == nil {
		return
	}
	m.memoryBytes.Set(float64(bytes))
}
