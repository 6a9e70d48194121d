package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/internal/backoff"
	"github.com/hewenyu/kong-mesh/pkg/balancer"
	"github.com/hewenyu/kong-mesh/pkg/breaker"
	"github.com/hewenyu/kong-mesh/pkg/config"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

// Discovery 提供服务的健康实例
type Discovery interface {
	HealthyInstances(serviceName string) []*model.ServiceInstance
}

// Selector 负载均衡器
type Selector interface {
	Select(instances []*model.ServiceInstance, strategy balancer.Strategy) *model.ServiceInstance
	SelectByKey(instances []*model.ServiceInstance, key string) *model.ServiceInstance
}

const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxAttempts = 3
)

// Options 客户端配置
type Options struct {
	Strategy    balancer.Strategy
	Timeout     time.Duration // 单次尝试的超时
	MaxAttempts int           // 总尝试次数，包含第一次
	Retry       backoff.Policy
	Breaker     breaker.Settings
	HTTPClient  *http.Client
}

// DefaultOptions 返回默认配置
func DefaultOptions() Options {
	return Options{
		Strategy:    balancer.RoundRobin,
		Timeout:     DefaultTimeout,
		MaxAttempts: DefaultMaxAttempts,
		Retry: backoff.Policy{
			InitialDelay: time.Second,
			MaxDelay:     60 * time.Second,
			Base:         2,
			Jitter:       true,
		},
	}
}

// OptionsFromConfig 从配置构造客户端选项
func OptionsFromConfig(cfg config.ClientConfig) (Options, error) {
	strategy, err := balancer.ParseStrategy(cfg.Strategy)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Strategy:    strategy,
		Timeout:     cfg.Timeout,
		MaxAttempts: cfg.Retry.MaxAttempts,
		Retry: backoff.Policy{
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Base:         cfg.Retry.Base,
			Jitter:       cfg.Retry.Jitter,
		},
		Breaker: breaker.SettingsFromConfig("", cfg.Breaker),
	}, nil
}

func (o Options) withDefaults() Options {
	if o.Strategy == "" {
		o.Strategy = balancer.RoundRobin
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	return o
}

type routingKeyCtx struct{}

// WithRoutingKey 为请求设置路由键，同一个键会按一致性哈希落到同一实例
func WithRoutingKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, routingKeyCtx{}, key)
}

// RoutingKeyFrom 读取路由键
func RoutingKeyFrom(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(routingKeyCtx{}).(string)
	return key, ok && key != ""
}

// Response 服务调用的响应
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Instance   *model.ServiceInstance
}

// JSON 将响应体解析到 v
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	return nil
}

// ServiceClient 调用单个逻辑服务：负载均衡、熔断、重试和统计
type ServiceClient struct {
	service   string
	discovery Discovery
	selector  Selector
	breaker   *breaker.CircuitBreaker
	opts      Options
	logger    config.Logger
	metrics   Metrics
}

// New 创建服务客户端，每个服务拥有独立的熔断器
func New(service string, discovery Discovery, selector Selector, logger config.Logger, opts Options) *ServiceClient {
	if logger == nil {
		logger = config.NewNopLogger()
	}
	opts = opts.withDefaults()

	settings := opts.Breaker
	settings.Name = service
	return &ServiceClient{
		service:   service,
		discovery: discovery,
		selector:  selector,
		breaker:   breaker.New(settings, logger),
		opts:      opts,
		logger:    logger,
	}
}

// Service 服务名称
func (c *ServiceClient) Service() string {
	return c.service
}

// Breaker 服务的熔断器
func (c *ServiceClient) Breaker() *breaker.CircuitBreaker {
	return c.breaker
}

// Metrics 返回调用统计快照
func (c *ServiceClient) Metrics() MetricsSnapshot {
	s := c.metrics.snapshot(c.service)
	s.CircuitState = string(c.breaker.State())
	s.CircuitFailures = c.breaker.Counts().FailureCount
	return s
}

// Get 发送GET请求
func (c *ServiceClient) Get(ctx context.Context, path string, headers map[string]string) (*Response, error) {
	return c.Call(ctx, http.MethodGet, path, nil, headers)
}

// Post 发送POST请求
func (c *ServiceClient) Post(ctx context.Context, path string, body any, headers map[string]string) (*Response, error) {
	return c.Call(ctx, http.MethodPost, path, body, headers)
}

// Put 发送PUT请求
func (c *ServiceClient) Put(ctx context.Context, path string, body any, headers map[string]string) (*Response, error) {
	return c.Call(ctx, http.MethodPut, path, body, headers)
}

// Delete 发送DELETE请求
func (c *ServiceClient) Delete(ctx context.Context, path string, headers map[string]string) (*Response, error) {
	return c.Call(ctx, http.MethodDelete, path, nil, headers)
}

// Call 发送请求。body 为 []byte 时原样发送，否则编码为JSON。
// 每次尝试重新选择实例，重试之间按指数退避等待，重试耗尽后返回最后一次的错误。
func (c *ServiceClient) Call(ctx context.Context, method, path string, body any, headers map[string]string) (*Response, error) {
	payload, err := encodeBody(body)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.opts.Retry.Delay(attempt - 1)
			c.logger.Warn("服务调用失败，准备重试",
				zap.String("service", c.service),
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := backoff.Sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("重试等待被中断: %w", errors.Join(err, lastErr))
			}
		}

		resp, err := c.attempt(ctx, method, path, payload, headers)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !IsRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
	}

	c.logger.Error("服务调用重试耗尽",
		zap.String("service", c.service),
		zap.Int("attempts", c.opts.MaxAttempts),
		zap.Error(lastErr))
	return nil, lastErr
}

// pick 选择实例，带路由键时使用一致性哈希
func (c *ServiceClient) pick(ctx context.Context) *model.ServiceInstance {
	instances := c.discovery.HealthyInstances(c.service)
	if key, ok := RoutingKeyFrom(ctx); ok {
		return c.selector.SelectByKey(instances, key)
	}
	return c.selector.Select(instances, c.opts.Strategy)
}

// attempt 执行一次尝试
func (c *ServiceClient) attempt(ctx context.Context, method, path string, payload []byte, headers map[string]string) (*Response, error) {
	inst := c.pick(ctx)
	if inst == nil {
		return nil, &ServiceUnavailableError{Service: c.service}
	}

	inst.Acquire()
	defer inst.Release()

	elapsed := time.Duration(-1)
	resp, err := breaker.Do(c.breaker, func() (*Response, error) {
		start := time.Now()
		defer func() { elapsed = time.Since(start) }()
		return c.do(ctx, inst, method, path, payload, headers)
	})

	// 熔断器拒绝时没有发出请求，不计入统计
	if elapsed >= 0 {
		c.metrics.record(err == nil, elapsed, time.Now())
	}
	return resp, err
}

// do 向实例发送HTTP请求
func (c *ServiceClient) do(ctx context.Context, inst *model.ServiceInstance, method, path string, payload []byte, headers map[string]string) (*Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, inst.BaseURL()+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, c.wrapTransportError(ctx, reqCtx, inst, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.wrapTransportError(ctx, reqCtx, inst, err)
	}

	if resp.StatusCode >= 400 {
		return nil, &HTTPError{
			Service:    c.service,
			Instance:   inst.Address(),
			StatusCode: resp.StatusCode,
			Body:       respBody,
		}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
		Instance:   inst,
	}, nil
}

// wrapTransportError 区分单次超时和调用方取消
func (c *ServiceClient) wrapTransportError(ctx, reqCtx context.Context, inst *model.ServiceInstance, err error) error {
	if ctx.Err() == nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Service: c.service, Instance: inst.Address(), Timeout: c.opts.Timeout}
	}
	return fmt.Errorf("请求服务 %s (%s) 失败: %w", c.service, inst.Address(), err)
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("序列化请求体失败: %w", err)
		}
		return data, nil
	}
}
