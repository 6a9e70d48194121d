package client

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/pkg/config"
)

// Manager 为每个服务名维护一个 ServiceClient
type Manager struct {
	discovery Discovery
	selector  Selector
	opts      Options
	logger    config.Logger

	mu      sync.RWMutex
	clients map[string]*ServiceClient
}

// NewManager 创建客户端管理器
func NewManager(discovery Discovery, selector Selector, logger config.Logger, opts Options) *Manager {
	if logger == nil {
		logger = config.NewNopLogger()
	}
	return &Manager{
		discovery: discovery,
		selector:  selector,
		opts:      opts,
		logger:    logger,
		clients:   make(map[string]*ServiceClient),
	}
}

// Client 返回服务的客户端，不存在时创建
func (m *Manager) Client(service string) *ServiceClient {
	m.mu.RLock()
	c, ok := m.clients[service]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok = m.clients[service]; ok {
		return c
	}
	c = New(service, m.discovery, m.selector, m.logger, m.opts)
	m.clients[service] = c
	m.logger.Debug("创建服务客户端", zap.String("service", service))
	return c
}

// Call 调用指定服务
func (m *Manager) Call(ctx context.Context, service, method, path string, body any) (*Response, error) {
	return m.Client(service).Call(ctx, method, path, body, nil)
}

// GetMetrics 返回所有服务的调用统计
func (m *Manager) GetMetrics() map[string]MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	metrics := make(map[string]MetricsSnapshot, len(m.clients))
	for name, c := range m.clients {
		metrics[name] = c.Metrics()
	}
	return metrics
}

// Services 返回已创建客户端的服务名，按名称排序
func (m *Manager) Services() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
