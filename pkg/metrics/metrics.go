package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Change events applied to the local store
	EventAppliedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_event_applied_count",
			Help: "Total number of change events applied to the local store",
		},
		[]string{"kind"}, // kind: created, updated, deleted
	)

	// Change events discarded without touching the store
	EventDroppedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_event_dropped_count",
			Help: "Total number of change events dropped before application",
		},
		[]string{"reason"}, // reason: stale, duplicate, wrong_recipient, malformed, unknown_kind
	)

	// Mutation outcomes
	MutationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_mutation_count",
			Help: "Total number of inbox mutations by outcome",
		},
		[]string{"operation", "outcome"}, // outcome: committed, rolled_back, conflict
	)

	// Full resyncs against the backend
	ResyncCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_resync_count",
			Help: "Total number of full inbox resyncs",
		},
		[]string{"outcome"}, // outcome: success, failure
	)

	// Event stream reconnect attempts
	ReconnectCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inbox_stream_reconnect_count",
			Help: "Total number of event stream reconnect attempts",
		},
	)

	// Remote call latency (milliseconds)
	RemoteCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inbox_remote_call_latency_ms",
			Help:    "Backend call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"operation", "status"},
	)

	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)

	// Current unread count held by the store
	UnreadGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inbox_unread_records",
			Help: "Unread notification count held by the local store",
		},
	)

	// Current record count held by the store
	RecordsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inbox_records",
			Help: "Notification record count held by the local store",
		},
	)

	// Slow database queries
	SlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_query_count",
			Help: "Total number of slow database queries",
		},
		[]string{"sql"},
	)

	// Outbox 事件投递结果
	OutboxDispatchCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_dispatch_count",
			Help: "Total number of outbox event dispatch attempts by outcome",
		},
		[]string{"outcome"}, // outcome: published, failed
	)
)

// IncrementEventApplied 记录已应用的变更事件
func IncrementEventApplied(kind string) {
	EventAppliedCount.WithLabelValues(kind).Inc()
}

// IncrementEventDropped 记录被丢弃的变更事件
func IncrementEventDropped(reason string) {
	EventDroppedCount.WithLabelValues(reason).Inc()
}

// IncrementMutation 记录一次变更操作结果
func IncrementMutation(operation, outcome string) {
	MutationCount.WithLabelValues(operation, outcome).Inc()
}

// IncrementResync 记录一次全量同步结果
func IncrementResync(outcome string) {
	ResyncCount.WithLabelValues(outcome).Inc()
}

// IncrementReconnect 记录一次事件流重连
func IncrementReconnect() {
	ReconnectCount.Inc()
}

// RecordRemoteCallLatency 记录后端调用延迟
func RecordRemoteCallLatency(operation, status string, duration time.Duration) {
	RemoteCallLatency.WithLabelValues(operation, status).Observe(float64(duration.Milliseconds()))
}

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// SetStoreGauges 更新本地存储规模指标
func SetStoreGauges(records, unread int) {
	RecordsGauge.Set(float64(records))
	UnreadGauge.Set(float64(unread))
}

// IncrementSlowQuery 记录慢查询
func IncrementSlowQuery(sql string, duration time.Duration) {
	SlowQueryCount.WithLabelValues(sql).Inc()
}

// IncrementOutboxDispatch 记录 Outbox 事件投递结果
func IncrementOutboxDispatch(outcome string) {
	OutboxDispatchCount.WithLabelValues(outcome).Inc()
}
