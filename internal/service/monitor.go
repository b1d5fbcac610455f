package service

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/example/shopchat/internal/presence"
)

// Prometheus 指标，admin 的 /metrics 暴露
var (
	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shopchat",
			Subsystem: "chat",
			Name:      "messages_total",
			Help:      "Persisted chat messages",
		},
		[]string{"kind"},
	)

	rejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shopchat",
			Subsystem: "chat",
			Name:      "rejected_total",
			Help:      "Rejected chat operations",
		},
		[]string{"reason"},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shopchat",
			Subsystem: "chat",
			Name:      "errors_total",
			Help:      "Infrastructure errors by component",
		},
		[]string{"component"},
	)

	workerJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shopchat",
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "System message jobs handled by chat-worker",
		},
		[]string{"status"},
	)

	onlineConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shopchat",
			Subsystem: "chat",
			Name:      "online_connections",
			Help:      "Currently registered websocket connections",
		},
	)
)

// Monitor 监控服务，统计聊天链路的错误和吞吐
type Monitor struct {
	mu sync.RWMutex

	// 错误统计
	DBErrors      int64
	MQErrors      int64
	PublishErrors int64

	// 业务统计
	MessagesSent    int64
	SystemMessages  int64
	Rejected        int64
	WorkerProcessed int64
	WorkerFailed    int64

	// 时间统计
	LastDBError      time.Time
	LastMQError      time.Time
	LastPublishError time.Time
	LastMessageTime  time.Time
	LastWorkerTime   time.Time

	presence func() presence.Stats
}

var globalMonitor = &Monitor{}

// GetMonitor 获取全局监控实例
func GetMonitor() *Monitor {
	return globalMonitor
}

// AttachPresence 让统计里带上在线连接信息
func (m *Monitor) AttachPresence(fn func() presence.Stats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presence = fn
}

// RecordDBError 记录数据库错误
func (m *Monitor) RecordDBError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DBErrors++
	m.LastDBError = time.Now()
	errorsTotal.WithLabelValues("db").Inc()
}

// RecordMQError 记录MQ错误
func (m *Monitor) RecordMQError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MQErrors++
	m.LastMQError = time.Now()
	errorsTotal.WithLabelValues("mq").Inc()
}

// RecordPublishError 推送（本地或 NATS）失败
func (m *Monitor) RecordPublishError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PublishErrors++
	m.LastPublishError = time.Now()
	errorsTotal.WithLabelValues("publish").Inc()
}

// RecordMessage 记录一条落库消息
func (m *Monitor) RecordMessage(system bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kind := "chat"
	if system {
		kind = "system"
		m.SystemMessages++
	}
	m.MessagesSent++
	m.LastMessageTime = time.Now()
	messagesTotal.WithLabelValues(kind).Inc()
}

// RecordRejected 记录被拒绝的操作
func (m *Monitor) RecordRejected(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Rejected++
	rejectedTotal.WithLabelValues(reason).Inc()
}

// RecordWorkerProcessed 记录Worker处理成功
func (m *Monitor) RecordWorkerProcessed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WorkerProcessed++
	m.LastWorkerTime = time.Now()
	workerJobsTotal.WithLabelValues("ok").Inc()
}

// RecordWorkerFailed 记录Worker处理失败
func (m *Monitor) RecordWorkerFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WorkerFailed++
	workerJobsTotal.WithLabelValues("failed").Inc()
}

// ConnOpened / ConnClosed 维护在线连接数
func (m *Monitor) ConnOpened() { onlineConns.Inc() }

func (m *Monitor) ConnClosed() { onlineConns.Dec() }

// GetStats 获取统计信息
func (m *Monitor) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	workerSuccessRate := float64(0)
	totalWorker := m.WorkerProcessed + m.WorkerFailed
	if totalWorker > 0 {
		workerSuccessRate = float64(m.WorkerProcessed) / float64(totalWorker) * 100
	}

	stats := map[string]interface{}{
		"errors": map[string]interface{}{
			"db":      m.DBErrors,
			"mq":      m.MQErrors,
			"publish": m.PublishErrors,
		},
		"chat": map[string]interface{}{
			"messages":        m.MessagesSent,
			"system_messages": m.SystemMessages,
			"rejected":        m.Rejected,
		},
		"worker": map[string]interface{}{
			"processed":    m.WorkerProcessed,
			"failed":       m.WorkerFailed,
			"success_rate": workerSuccessRate,
		},
		"last_events": map[string]interface{}{
			"db_error":      m.LastDBError,
			"mq_error":      m.LastMQError,
			"publish_error": m.LastPublishError,
			"last_message":  m.LastMessageTime,
			"last_worker":   m.LastWorkerTime,
		},
	}
	if m.presence != nil {
		stats["presence"] = m.presence()
	}
	return stats
}

// Reset 重置统计（用于测试）
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DBErrors = 0
	m.MQErrors = 0
	m.PublishErrors = 0
	m.MessagesSent = 0
	m.SystemMessages = 0
	m.Rejected = 0
	m.WorkerProcessed = 0
	m.WorkerFailed = 0
	m.presence = nil
}
