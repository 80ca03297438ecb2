package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"devicemanager/api_hub/internal/activity"
	"devicemanager/pkg/api/devicehub"
	"devicemanager/pkg/cache"
	"devicemanager/pkg/monitoring"
)

// Metrics holds all Prometheus metrics for the bosun service
type Metrics struct {
	// Hub transport metrics
	HubConnections  *prometheus.GaugeVec
	ConnectionLife  *prometheus.HistogramVec
	Invocations     *prometheus.CounterVec
	InvocationTime  *prometheus.HistogramVec
	AuthRejections  *prometheus.CounterVec
	CommandOutcomes *prometheus.CounterVec
	CommandLatency  *prometheus.HistogramVec
	PendingCommands prometheus.Gauge

	// Activity pipeline metrics
	ActivityQueueDepth prometheus.Gauge
	ActivityOutcomes   *prometheus.CounterVec

	CacheResults *prometheus.CounterVec
}

// New registers every bosun metric on the collector.
func New(mc *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		HubConnections:     mc.NewGauge("hub_connections_active", "Active hub connections", []string{"hub"}),
		ConnectionLife:     mc.NewHistogram("hub_connection_lifetime_seconds", "Lifetime of closed hub connections", []string{"hub"}, []float64{1, 10, 60, 300, 1800, 3600, 21600, 86400}),
		Invocations:        mc.NewCounter("hub_invocations_total", "Hub invocations handled", []string{"hub", "method", "code"}),
		InvocationTime:     mc.NewHistogram("hub_invocation_duration_seconds", "Hub invocation handling time", []string{"hub", "method"}, nil),
		AuthRejections:     mc.NewCounter("hub_auth_rejections_total", "Hub connections rejected before upgrade", []string{"hub", "status"}),
		CommandOutcomes:    mc.NewCounter("device_commands_total", "Device commands by outcome", []string{"kind", "outcome"}),
		CommandLatency:     mc.NewHistogram("device_command_latency_seconds", "Time from dispatch to outcome", []string{"kind"}, nil),
		PendingCommands:    mc.NewGauge("device_commands_pending", "Commands awaiting a device response", nil).WithLabelValues(),
		ActivityQueueDepth: mc.NewGauge("activity_queue_depth", "Connection activities waiting to be processed", nil).WithLabelValues(),
		ActivityOutcomes:   mc.NewCounter("activity_processed_total", "Connection activities processed", []string{"kind", "outcome"}),
		CacheResults:       mc.NewCounter("cache_results_total", "Cache lookups by result", []string{"cache", "result"}),
	}
}

func (m *Metrics) ConnectionOpened(hub string) {
	m.HubConnections.WithLabelValues(hub).Inc()
}

func (m *Metrics) ConnectionClosed(hub string, lifetime time.Duration) {
	m.HubConnections.WithLabelValues(hub).Dec()
	m.ConnectionLife.WithLabelValues(hub).Observe(lifetime.Seconds())
}

func (m *Metrics) InvocationHandled(hub, method, code string, d time.Duration) {
	if code == "" {
		code = "ok"
	}
	m.Invocations.WithLabelValues(hub, method, code).Inc()
	m.InvocationTime.WithLabelValues(hub, method).Observe(d.Seconds())
}

func (m *Metrics) AuthRejected(hub string, status int) {
	m.AuthRejections.WithLabelValues(hub, strconv.Itoa(status)).Inc()
}

func (m *Metrics) ObserveCommand(kind devicehub.CommandKind, outcome string, latency time.Duration) {
	m.CommandOutcomes.WithLabelValues(string(kind), outcome).Inc()
	m.CommandLatency.WithLabelValues(string(kind)).Observe(latency.Seconds())
}

func (m *Metrics) SetPending(n int) { m.PendingCommands.Set(float64(n)) }

func (m *Metrics) SetQueueDepth(n int) { m.ActivityQueueDepth.Set(float64(n)) }

func (m *Metrics) ActivityProcessed(kind activity.Kind, outcome string) {
	m.ActivityOutcomes.WithLabelValues(string(kind), outcome).Inc()
}

// CacheHooks returns hooks that count lookups of the named cache.
func (m *Metrics) CacheHooks(name string) cache.MetricsHooks {
	return cache.MetricsHooks{
		OnHit:   func() { m.CacheResults.WithLabelValues(name, "hit").Inc() },
		OnMiss:  func() { m.CacheResults.WithLabelValues(name, "miss").Inc() },
		OnError: func() { m.CacheResults.WithLabelValues(name, "error").Inc() },
	}
}
