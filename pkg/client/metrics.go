package client

import (
	"sync"
	"time"
)

// ewmaAlpha 平均响应时间的平滑系数
const ewmaAlpha = 0.1

// Metrics 单个服务的调用统计，每次真正发出的尝试计一次，熔断器拒绝的调用不计入
type Metrics struct {
	mu                  sync.Mutex
	totalRequests       int64
	successfulRequests  int64
	failedRequests      int64
	averageResponseTime float64
	lastRequestTime     time.Time
}

// MetricsSnapshot 调用统计快照
type MetricsSnapshot struct {
	Service             string     `json:"service"`
	TotalRequests       int64      `json:"total_requests"`
	SuccessfulRequests  int64      `json:"successful_requests"`
	FailedRequests      int64      `json:"failed_requests"`
	SuccessRate         float64    `json:"success_rate"`
	AverageResponseTime float64    `json:"average_response_time"` // 秒
	LastRequestTime     *time.Time `json:"last_request_time,omitempty"`
	CircuitState        string     `json:"circuit_state"`
	CircuitFailures     int        `json:"circuit_failures"`
}

// record 记录一次已发出的尝试
func (m *Metrics) record(success bool, elapsed time.Duration, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalRequests++
	if success {
		m.successfulRequests++
	} else {
		m.failedRequests++
	}
	m.lastRequestTime = at

	seconds := elapsed.Seconds()
	if m.averageResponseTime == 0 {
		m.averageResponseTime = seconds
	} else {
		m.averageResponseTime = ewmaAlpha*seconds + (1-ewmaAlpha)*m.averageResponseTime
	}
}

func (m *Metrics) snapshot(service string) MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := MetricsSnapshot{
		Service:             service,
		TotalRequests:       m.totalRequests,
		SuccessfulRequests:  m.successfulRequests,
		FailedRequests:      m.failedRequests,
		AverageResponseTime: m.averageResponseTime,
	}
	if m.totalRequests > 0 {
		s.SuccessRate = float64(m.successfulRequests) / float64(m.totalRequests)
	}
	if !m.lastRequestTime.IsZero() {
		t := m.lastRequestTime
		s.LastRequestTime = &t
	}
	return s
}
