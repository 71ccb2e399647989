package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is one runtime's Prometheus sink. Every runtime builds its own
// registry, so several runtimes in a process (common in tests) never collide
// on registration.
type Metrics struct {
	registry *prometheus.Registry

	// RPC metrics
	RPCRequests *prometheus.CounterVec
	RPCDuration *prometheus.HistogramVec

	// Event metrics
	EventsPublished *prometheus.CounterVec
	EventsHandled   *prometheus.CounterVec

	// Command metrics
	CommandsProcessed   *prometheus.CounterVec
	CommandDuration     *prometheus.HistogramVec
	CommandsDeadLetters *prometheus.CounterVec

	// Registry metrics
	Heartbeats        *prometheus.CounterVec
	InstancesTotal    *prometheus.GaugeVec
	ServicesTotal     prometheus.Gauge

	// Election metrics
	ElectionTransitions *prometheus.CounterVec
	Leader              *prometheus.GaugeVec

	// Runtime metrics
	TaskRestarts     *prometheus.CounterVec
	BrokerReconnects prometheus.Counter
}

// New builds and registers the full metric set on registry. A nil registry
// gets a fresh private one.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,

		RPCRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_rpc_requests_total",
				Help: "Total number of RPC requests handled, by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		RPCDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aegis_rpc_duration_seconds",
				Help:    "RPC handler duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_events_published_total",
				Help: "Total number of events published, by domain",
			},
			[]string{"domain"},
		),
		EventsHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_events_handled_total",
				Help: "Total number of event handler invocations, by pattern and outcome",
			},
			[]string{"pattern", "outcome"},
		),

		CommandsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_commands_processed_total",
				Help: "Total number of command deliveries processed, by command and status",
			},
			[]string{"command", "status"},
		),
		CommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aegis_command_duration_seconds",
				Help:    "Command handler duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"command"},
		),
		CommandsDeadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_commands_dead_lettered_total",
				Help: "Total number of commands that exhausted retries and were dead-lettered",
			},
			[]string{"command"},
		),

		Heartbeats: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_heartbeats_total",
				Help: "Total number of registry heartbeats, by outcome",
			},
			[]string{"outcome"},
		),
		InstancesTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "aegis_registry_instances",
				Help: "Healthy registry instances, by service and status",
			},
			[]string{"service", "status"},
		),
		ServicesTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "aegis_registry_services",
				Help: "Number of distinct services with at least one healthy instance",
			},
		),

		ElectionTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_election_transitions_total",
				Help: "Total number of election state transitions",
			},
			[]string{"from", "to"},
		),
		Leader: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "aegis_leader",
				Help: "Whether this instance is the sticky-active leader (1 = leader, 0 = standby)",
			},
			[]string{"group"},
		),

		TaskRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_task_restarts_total",
				Help: "Total number of supervised task restarts, by task",
			},
			[]string{"task"},
		),
		BrokerReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aegis_broker_reconnects_total",
				Help: "Total number of broker reconnects",
			},
		),
	}

	registry.MustRegister(
		m.RPCRequests,
		m.RPCDuration,
		m.EventsPublished,
		m.EventsHandled,
		m.CommandsProcessed,
		m.CommandDuration,
		m.CommandsDeadLetters,
		m.Heartbeats,
		m.InstancesTotal,
		m.ServicesTotal,
		m.ElectionTransitions,
		m.Leader,
		m.TaskRestarts,
		m.BrokerReconnects,
	)
	return m
}

// Handler returns the Prometheus scrape handler for this sink's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for callers that add their own
// collectors next to the built-in set.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
