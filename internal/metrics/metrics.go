// Package metrics 提供监控指标收集功能
package metrics

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once           sync.Once
	registry       *prometheus.Registry
	defaultMetrics *Metrics
)

// Metrics 封装所有监控指标
type Metrics struct {
	// 连接指标
	ConnectedClients  prometheus.Gauge
	ConnectionRate    prometheus.Counter
	DisconnectionRate prometheus.Counter
	HandshakeFailures prometheus.Counter

	// 消息指标
	MessagesTotal   prometheus.Counter
	MessageSize     prometheus.Histogram
	MessageRateOut  prometheus.Counter
	BroadcastDrops  prometheus.Counter
	LagEvents       prometheus.Counter
	LagSkippedTotal prometheus.Counter

	// 消息总线指标，按总线类型区分
	BusPublishErrors   *prometheus.CounterVec
	BusSubscribeErrors *prometheus.CounterVec
	BusReconnects      *prometheus.CounterVec
	BusLatency         *prometheus.HistogramVec

	// 错误指标
	ErrorsTotal         prometheus.Counter
	CriticalErrorsTotal prometheus.Counter
}

// NewMetrics 在新的注册表上创建Metrics实例
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		ConnectedClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "当前连接的客户端总数",
		}),
		ConnectionRate: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "握手成功的连接总数",
		}),
		DisconnectionRate: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnections_total",
			Help:      "断开的连接总数",
		}),
		HandshakeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "握手失败次数",
		}),

		MessagesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "收到的客户端消息总数",
		}),
		MessageSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_size_bytes",
			Help:      "消息大小分布",
			Buckets:   []float64{64, 256, 1024, 4096, 16384, 65536, 262144},
		}),
		MessageRateOut: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "写给客户端的消息总数",
		}),
		BroadcastDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_dropped_total",
			Help:      "因没有订阅者而丢弃的广播消息数",
		}),
		LagEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_lag_events_total",
			Help:      "订阅者落后事件次数",
		}),
		LagSkippedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_lag_skipped_total",
			Help:      "订阅者因落后被跳过的消息数",
		}),

		BusPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_publish_errors_total",
			Help:      "消息总线发布错误总数",
		}, []string{"bus"}),
		BusSubscribeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_subscribe_errors_total",
			Help:      "消息总线订阅错误总数",
		}, []string{"bus"}),
		BusReconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_reconnects_total",
			Help:      "消息总线重连次数",
		}, []string{"bus"}),
		BusLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bus_latency_seconds",
			Help:      "跨节点消息延迟(秒)",
			Buckets:   prometheus.DefBuckets,
		}, []string{"bus"}),

		ErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "错误总数",
		}),
		CriticalErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "critical_errors_total",
			Help:      "严重错误总数",
		}),
	}
}

// GetRegistry 获取Prometheus注册表
func GetRegistry() *prometheus.Registry {
	Default()
	return registry
}

// Default 获取默认指标实例
func Default() *Metrics {
	once.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		defaultMetrics = NewMetrics("gorelay", registry)
	})
	return defaultMetrics
}

// ClientConnected 记录客户端连接
func ClientConnected() {
	m := Default()
	m.ConnectedClients.Inc()
	m.ConnectionRate.Inc()
}

// ClientDisconnected 记录客户端断开连接
func ClientDisconnected() {
	m := Default()
	m.ConnectedClients.Dec()
	m.DisconnectionRate.Inc()
}

// HandshakeFailed 记录握手失败
func HandshakeFailed() {
	Default().HandshakeFailures.Inc()
}

// MessageReceived 记录收到消息
func MessageReceived(sizeBytes float64) {
	m := Default()
	m.MessagesTotal.Inc()
	m.MessageSize.Observe(sizeBytes)
}

// MessageSent 记录发送消息
func MessageSent(sizeBytes float64) {
	Default().MessageRateOut.Inc()
}

// BroadcastDropped 记录没有订阅者时被丢弃的消息
func BroadcastDropped() {
	Default().BroadcastDrops.Inc()
}

// SubscriberLagged 记录一次落后事件及跳过的消息数
func SubscriberLagged(skipped uint64) {
	m := Default()
	m.LagEvents.Inc()
	m.LagSkippedTotal.Add(float64(skipped))
}

func BusPublishError(bus string) {
	Default().BusPublishErrors.WithLabelValues(bus).Inc()
}

func BusSubscribeError(bus string) {
	Default().BusSubscribeErrors.WithLabelValues(bus).Inc()
}

func BusReconnect(bus string) {
	Default().BusReconnects.WithLabelValues(bus).Inc()
}

func ObserveBusLatency(bus string, d time.Duration) {
	Default().BusLatency.WithLabelValues(bus).Observe(d.Seconds())
}

// RecordError 记录错误
func RecordError() {
	Default().ErrorsTotal.Inc()
}

// RecordCriticalError 记录严重错误
func RecordCriticalError(errorType string) {
	Default().CriticalErrorsTotal.Inc()

	// 记录在日志中，便于排查
	slog.Error("critical error encountered", "type", errorType)
}
