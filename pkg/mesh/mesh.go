// Package mesh 把注册中心、健康检查、负载均衡、服务调用和消息队列组装成一个进程内的服务网格客户端
package mesh

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hewenyu/kong-mesh/pkg/balancer"
	"github.com/hewenyu/kong-mesh/pkg/client"
	"github.com/hewenyu/kong-mesh/pkg/config"
	"github.com/hewenyu/kong-mesh/pkg/health"
	"github.com/hewenyu/kong-mesh/pkg/model"
	"github.com/hewenyu/kong-mesh/pkg/queue"
	"github.com/hewenyu/kong-mesh/pkg/registry"
)

// ErrQueueDisabled 没有配置消息队列
var ErrQueueDisabled = errors.New("消息队列未启用")

// Mesh 服务网格客户端
type Mesh struct {
	registry *registry.Registry
	checker  *health.Checker
	balancer *balancer.Balancer
	clients  *client.Manager
	queue    *queue.Queue
	logger   config.Logger
	strategy balancer.Strategy
}

// New 使用已构造好的组件创建服务网格，queue 可以为 nil
func New(reg *registry.Registry, checker *health.Checker, bal *balancer.Balancer, clients *client.Manager, q *queue.Queue, logger config.Logger) *Mesh {
	if logger == nil {
		logger = config.NewNopLogger()
	}
	return &Mesh{
		registry: reg,
		checker:  checker,
		balancer: bal,
		clients:  clients,
		queue:    q,
		logger:   logger,
		strategy: balancer.RoundRobin,
	}
}

// NewFromConfig 根据配置组装所有组件，redisClient 为 nil 时不启用消息队列
func NewFromConfig(cfg *config.Config, redisClient redis.UniversalClient, logger config.Logger) (*Mesh, error) {
	if logger == nil {
		logger = config.NewNopLogger()
	}

	clientOpts, err := client.OptionsFromConfig(cfg.Client)
	if err != nil {
		return nil, fmt.Errorf("客户端配置错误: %w", err)
	}

	reg := registry.New()
	bal := balancer.New()
	checker := health.NewChecker(reg, logger, health.OptionsFromConfig(cfg.Health))
	clients := client.NewManager(reg, bal, logger, clientOpts)

	var q *queue.Queue
	if redisClient != nil {
		store := queue.NewRedisStore(redisClient, cfg.Queue.HistoryLimit)
		q = queue.New(store, logger, queue.OptionsFromConfig(cfg.Queue))
	}

	m := New(reg, checker, bal, clients, q, logger)
	m.strategy = clientOpts.Strategy
	return m, nil
}

// Registry 注册中心
func (m *Mesh) Registry() *registry.Registry { return m.registry }

// Queue 消息队列，未启用时为 nil
func (m *Mesh) Queue() *queue.Queue { return m.queue }

// Checker 健康检查器
func (m *Mesh) Checker() *health.Checker { return m.checker }

// RegisterService 注册服务实例。检查器运行中时立即异步探测新实例。
func (m *Mesh) RegisterService(name, host string, port, weight int, metadata map[string]string) (*model.ServiceInstance, error) {
	if name == "" || host == "" {
		return nil, fmt.Errorf("服务名称和主机地址不能为空")
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("无效的端口: %d", port)
	}
	return m.Register(model.NewServiceInstance(name, host, port, weight, metadata)), nil
}

// Register 注册已构造的实例
func (m *Mesh) Register(inst *model.ServiceInstance) *model.ServiceInstance {
	stored := m.registry.Register(inst)
	m.logger.Info("注册服务实例",
		zap.String("service", stored.ServiceName()),
		zap.String("address", stored.Address()),
		zap.Int("weight", stored.Weight()))

	if m.checker != nil && stored.Status() != model.StatusMaintenance {
		m.checker.Go(stored)
	}
	return stored
}

// DeregisterService 注销服务实例
func (m *Mesh) DeregisterService(name, host string, port int) bool {
	return m.Deregister(name, host, port)
}

// Deregister 注销服务实例，实例不存在时返回 false
func (m *Mesh) Deregister(name, host string, port int) bool {
	ok := m.registry.Deregister(name, host, port)
	if ok {
		m.logger.Info("注销服务实例",
			zap.String("service", name),
			zap.String("address", model.InstanceKey(name, host, port)))
	}
	return ok
}

// SelectInstance 按策略从健康实例中选择一个，没有可用实例时返回 nil
func (m *Mesh) SelectInstance(name string, strategy balancer.Strategy) *model.ServiceInstance {
	if strategy == "" {
		strategy = m.strategy
	}
	return m.balancer.Select(m.registry.HealthyInstances(name), strategy)
}

// GetServiceInstance 同 SelectInstance
func (m *Mesh) GetServiceInstance(name string, strategy balancer.Strategy) *model.ServiceInstance {
	return m.SelectInstance(name, strategy)
}

// SelectInstanceByKey 按路由键做一致性哈希选择
func (m *Mesh) SelectInstanceByKey(name, key string) *model.ServiceInstance {
	return m.balancer.SelectByKey(m.registry.HealthyInstances(name), key)
}

// SetInstanceStatus 手动设置实例状态，实例不存在时返回 false
func (m *Mesh) SetInstanceStatus(name, host string, port int, status model.InstanceStatus) bool {
	ok := m.registry.SetStatus(name, host, port, status)
	if ok {
		m.logger.Info("更新实例状态",
			zap.String("service", name),
			zap.String("address", model.InstanceKey(name, host, port)),
			zap.String("status", string(status)))
	}
	return ok
}

// GetServiceURL 返回按默认策略选出的实例地址
func (m *Mesh) GetServiceURL(name string) (string, bool) {
	inst := m.SelectInstance(name, "")
	if inst == nil {
		return "", false
	}
	return inst.BaseURL(), true
}

// Client 返回服务的调用客户端
func (m *Mesh) Client(name string) *client.ServiceClient {
	return m.clients.Client(name)
}

// Call 调用服务
func (m *Mesh) Call(ctx context.Context, service, method, path string, body any) (*client.Response, error) {
	return m.clients.Call(ctx, service, method, path, body)
}

// Get 发送GET请求
func (m *Mesh) Get(ctx context.Context, service, path string) (*client.Response, error) {
	return m.Call(ctx, service, http.MethodGet, path, nil)
}

// GetMetrics 返回所有服务的调用统计
func (m *Mesh) GetMetrics() map[string]client.MetricsSnapshot {
	return m.clients.GetMetrics()
}

// Publish 发布消息
func (m *Mesh) Publish(ctx context.Context, topic string, payload model.Payload, priority model.Priority, opts ...queue.PublishOption) (string, error) {
	if m.queue == nil {
		return "", ErrQueueDisabled
	}
	return m.queue.Publish(ctx, topic, payload, priority, opts...)
}

// PublishEvent 发布事件
func (m *Mesh) PublishEvent(ctx context.Context, eventType, source string, data any) (string, error) {
	if m.queue == nil {
		return "", ErrQueueDisabled
	}
	return m.queue.PublishEvent(ctx, eventType, source, data)
}

// RegisterHandler 注册消息处理函数
func (m *Mesh) RegisterHandler(topic string, handler queue.Handler) error {
	if m.queue == nil {
		return ErrQueueDisabled
	}
	m.queue.RegisterHandler(topic, handler)
	return nil
}

// GetQueueStats 返回消息队列统计
func (m *Mesh) GetQueueStats(ctx context.Context) (*queue.Stats, error) {
	if m.queue == nil {
		return nil, ErrQueueDisabled
	}
	return m.queue.GetQueueStats(ctx)
}

// DeadLetters 返回最近进入死信的消息
func (m *Mesh) DeadLetters(ctx context.Context, limit int64) ([]*model.Message, error) {
	if m.queue == nil {
		return nil, ErrQueueDisabled
	}
	return m.queue.DeadLetters(ctx, limit)
}

// Start 启动健康检查和消息队列
func (m *Mesh) Start(ctx context.Context) {
	if m.checker != nil {
		m.checker.Start(ctx)
	}
	if m.queue != nil {
		m.queue.Start(ctx)
	}
	m.logger.Info("服务网格已启动", zap.Strings("services", m.registry.Services()))
}

// Stop 并行停止后台任务，等待进行中的工作完成或 ctx 结束
func (m *Mesh) Stop(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if m.checker != nil {
		g.Go(func() error {
			m.checker.Stop()
			return nil
		})
	}
	if m.queue != nil {
		g.Go(func() error {
			return m.queue.Stop(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("停止服务网格失败: %w", err)
	}
	m.logger.Info("服务网格已停止")
	return nil
}
