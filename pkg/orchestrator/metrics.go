package orchestrator

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/core-tools/hsu-orchestrator/pkg/domain"
	"github.com/core-tools/hsu-orchestrator/pkg/emergency"
	"github.com/core-tools/hsu-orchestrator/pkg/monitoring"
)

const metricsNamespace = "hsu_orchestrator"

var emergencyStates = []emergency.State{
	emergency.StateNormal,
	emergency.StateEmergencyTriggered,
	emergency.StateRecovering,
}

// metrics live on a per-orchestrator registry
type metrics struct {
	registry *prometheus.Registry

	cycles          prometheus.Counter
	cycleDuration   prometheus.Histogram
	serviceHealthy  *prometheus.GaugeVec
	restartCount    *prometheus.GaugeVec
	exhausted       *prometheus.GaugeVec
	restartOutcomes *prometheus.CounterVec
	emergencyState  *prometheus.GaugeVec
	emergencyEvents prometheus.Counter
	hostUsage       *prometheus.GaugeVec
	pendingWork     prometheus.Gauge
	actions         *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &metrics{
		registry: registry,
		cycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cycles_total",
			Help:      "Completed orchestration cycles.",
		}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "cycle_duration_seconds",
			Help:      "Time spent in one orchestration cycle.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		serviceHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "service_healthy",
			Help:      "1 when the last probe of the service succeeded.",
		}, []string{"service"}),
		restartCount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "service_restart_count",
			Help:      "Restart attempts counted against the service budget.",
		}, []string{"service"}),
		exhausted: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "service_restart_exhausted",
			Help:      "1 when the service used up its restart budget.",
		}, []string{"service"}),
		restartOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "restart_outcomes_total",
			Help:      "Restart decisions by outcome.",
		}, []string{"service", "outcome"}),
		emergencyState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "emergency_state",
			Help:      "1 for the current emergency responder state.",
		}, []string{"state"}),
		emergencyEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "emergency_events_total",
			Help:      "Emergencies triggered.",
		}),
		hostUsage: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "host_usage_percent",
			Help:      "Host resource usage seen by the decision engine.",
		}, []string{"resource"}),
		pendingWork: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending_work",
			Help:      "Queued tasks seen by the decision engine.",
		}),
		actions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "advisory_actions_total",
			Help:      "Advisory actions emitted by the decision engine.",
		}, []string{"type"}),
	}
}

func (m *metrics) observe(report *domain.StatusReport, triggered bool) {
	m.cycles.Inc()
	m.cycleDuration.Observe(report.Duration.Seconds())

	for _, service := range report.Services {
		m.serviceHealthy.WithLabelValues(service.Name).Set(boolGauge(service.Status == monitoring.HealthStatusHealthy))
		m.restartCount.WithLabelValues(service.Name).Set(float64(service.RestartCount))
		m.exhausted.WithLabelValues(service.Name).Set(boolGauge(service.Exhausted))
		if service.Outcome != "" {
			m.restartOutcomes.WithLabelValues(service.Name, string(service.Outcome)).Inc()
		}
	}

	for _, state := range emergencyStates {
		m.emergencyState.WithLabelValues(string(state)).Set(boolGauge(report.Emergency.State == state))
	}
	if triggered {
		m.emergencyEvents.Inc()
	}

	m.hostUsage.WithLabelValues("cpu").Set(report.Metrics.CPUPercent)
	m.hostUsage.WithLabelValues("memory").Set(report.Metrics.MemoryPercent)
	m.hostUsage.WithLabelValues("disk").Set(report.Metrics.DiskPercent)
	m.pendingWork.Set(float64(report.Metrics.PendingWork))

	for _, action := range report.Actions {
		m.actions.WithLabelValues(string(action.Type)).Inc()
	}
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func boolGauge(value bool) float64 {
	if value {
		return 1
	}
	return 0
}
