package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики среды выполнения оркестраций.
var (
	InstancesStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_instances_started_total",
		Help: "Orchestration instance executions started",
	}, []string{"orchestration"})

	InstancesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_instances_finished_total",
		Help: "Orchestration instances finished by runtime status",
	}, []string{"orchestration", "status"})

	InstanceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tandem_instance_duration_seconds",
		Help:    "Wall time of a single orchestration execution",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"orchestration"})

	ActiveInstances = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tandem_active_instances",
		Help: "Orchestration instances currently executing in this process",
	})

	ActivitiesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_activities_executed_total",
		Help: "Activity executions by outcome",
	}, []string{"activity", "outcome"})

	ActivityDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tandem_activity_duration_seconds",
		Help:    "Activity execution time including retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"activity"})
)

// Метрики команд и провайдеров.
var (
	CommandsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_commands_accepted_total",
		Help: "Commands accepted for orchestration",
	}, []string{"command_type"})

	CommandsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_commands_finished_total",
		Help: "Commands finished by runtime status",
	}, []string{"command_type", "status"})

	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_provider_requests_total",
		Help: "Provider HTTP requests by outcome",
	}, []string{"provider", "outcome"})

	DeploymentPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_deployment_polls_total",
		Help: "Deployment state polls by observed state",
	}, []string{"state"})

	ComponentTaskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_component_task_runs_total",
		Help: "Component task container runs by outcome",
	}, []string{"outcome"})

	Callbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_callbacks_total",
		Help: "Provider callbacks by outcome (issued, accepted, rejected, invalidated)",
	}, []string{"outcome"})
)

// BrokerReconnects — восстановления канала или соединения RabbitMQ.
var BrokerReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tandem_broker_reconnects_total",
	Help: "RabbitMQ channel and connection recoveries",
}, []string{"scope"})

// Метрики сообщений RabbitMQ.
var (
	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_broker_messages_published_total",
		Help: "Messages published to RabbitMQ",
	}, []string{"type", "result"})

	MessagesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_broker_messages_consumed_total",
		Help: "Messages consumed from RabbitMQ by outcome",
	}, []string{"queue", "outcome"})

	MessageHandleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tandem_broker_message_handle_duration_seconds",
		Help:    "Time spent in a consumer handler",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})
)

// Метрики HTTP API.
var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_api_http_requests_total",
		Help: "Total HTTP requests handled by tandem-api",
	}, []string{"method", "code"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tandem_api_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
)
