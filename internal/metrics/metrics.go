package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP метрики
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geolog_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geolog_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// WebSocket метрики
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geolog_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)

	WebSocketMessagesOut = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geolog_websocket_messages_out_total",
			Help: "Total number of WebSocket status messages sent",
		},
	)

	// MQTT метрики
	MQTTMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geolog_mqtt_messages_total",
			Help: "Total number of MQTT messages received",
		},
		[]string{"kind"},
	)

	MQTTParseErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geolog_mqtt_parse_errors_total",
			Help: "Total number of MQTT message parse errors",
		},
	)

	MQTTConnectionStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geolog_mqtt_connection_status",
			Help: "MQTT connection status (1 = connected, 0 = disconnected)",
		},
	)

	MQTTControlPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geolog_mqtt_control_published_total",
			Help: "Total number of subscription control messages published",
		},
		[]string{"source"},
	)

	// Метрики движка
	EngineEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geolog_engine_events_total",
			Help: "Total number of events processed by the sampling engine",
		},
		[]string{"kind"},
	)

	EngineQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geolog_engine_queue_depth",
			Help: "Number of tasks waiting in the engine queue",
		},
	)

	RecordingActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geolog_recording_active",
			Help: "Whether an engine instance is recording (1) or stopped (0)",
		},
	)

	SamplesStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geolog_samples_stored_total",
			Help: "Total number of location samples written to storage",
		},
	)

	SamplesCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geolog_samples_coalesced_total",
			Help: "Total number of fixes merged into the previous sample",
		},
	)

	RelaxScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geolog_hysteresis_relax_scheduled_total",
			Help: "Total number of scheduled accuracy relax transitions",
		},
	)

	LocationSubscriptionChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geolog_location_subscription_changes_total",
			Help: "Total number of location subscription changes by accuracy tier",
		},
		[]string{"accuracy"},
	)

	StorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geolog_storage_errors_total",
			Help: "Total number of storage errors",
		},
		[]string{"operation"},
	)

	StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geolog_storage_operation_duration_seconds",
			Help:    "Duration of storage operations in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	// Redis метрики
	RedisOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geolog_redis_operation_duration_seconds",
			Help:    "Duration of Redis operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)
)
