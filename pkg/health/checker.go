package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hewenyu/kong-mesh/pkg/config"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

const (
	// DefaultInterval 默认检查周期
	DefaultInterval = 30 * time.Second
	// DefaultTimeout 单次探测的默认超时
	DefaultTimeout = 10 * time.Second
	// DefaultPath 默认健康检查路径
	DefaultPath = "/health"
	// DefaultConcurrency 默认并发探测数
	DefaultConcurrency = 10

	// 健康检查响应体的读取上限
	maxBodySize = 64 << 10
)

// InstanceSource 提供需要探测的实例
type InstanceSource interface {
	All() map[string][]*model.ServiceInstance
}

// Options 健康检查器配置
type Options struct {
	Interval    time.Duration
	Timeout     time.Duration
	Path        string
	Concurrency int
	HTTPClient  *http.Client
}

// OptionsFromConfig 从配置构造选项
func OptionsFromConfig(cfg config.HealthConfig) Options {
	return Options{
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		Path:        cfg.Path,
		Concurrency: cfg.Concurrency,
	}
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Path == "" {
		o.Path = DefaultPath
	}
	if o.Concurrency < 1 {
		o.Concurrency = DefaultConcurrency
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	return o
}

// Checker 周期性探测实例健康状态并回写到实例上
type Checker struct {
	source InstanceSource
	opts   Options
	logger config.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// NewChecker 创建健康检查器
func NewChecker(source InstanceSource, logger config.Logger, opts Options) *Checker {
	if logger == nil {
		logger = config.NewNopLogger()
	}
	return &Checker{
		source: source,
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

// Start 启动后台检查任务，立即执行一轮，之后每个周期执行一轮
func (c *Checker) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.ctx = ctx
	c.running = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.opts.Interval)
		defer ticker.Stop()

		c.spawnRound(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.spawnRound(ctx)
			}
		}
	}()

	c.logger.Info("健康检查已启动",
		zap.Duration("interval", c.opts.Interval),
		zap.Int("concurrency", c.opts.Concurrency))
}

// spawnRound 在独立的goroutine中执行一轮检查，避免阻塞定时器
func (c *Checker) spawnRound(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.RunOnce(ctx)
	}()
}

// Stop 停止后台任务并等待进行中的探测结束
func (c *Checker) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.cancel()
	c.running = false
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("健康检查已停止")
}

// Running 是否正在运行
func (c *Checker) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Go 在检查器的生命周期内异步探测单个实例，检查器未运行时不做任何事
func (c *Checker) Go(inst *model.ServiceInstance) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return false
	}

	ctx := c.ctx
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.CheckInstance(ctx, inst)
	}()
	return true
}

// RunOnce 同步执行一轮检查，维护中的实例不探测
func (c *Checker) RunOnce(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)

	for _, instances := range c.source.All() {
		for _, inst := range instances {
			if inst.Status() == model.StatusMaintenance {
				continue
			}
			g.Go(func() error {
				c.CheckInstance(ctx, inst)
				return nil
			})
		}
	}
	_ = g.Wait()
}

// CheckInstance 探测单个实例并记录结果，ctx 被取消时不记录，状态保持不变
func (c *Checker) CheckInstance(ctx context.Context, inst *model.ServiceInstance) model.InstanceStatus {
	start := time.Now()
	err := c.probe(ctx, inst)
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		return inst.Status()
	}

	// 检查过程中被置为维护状态时不覆盖
	if inst.Status() == model.StatusMaintenance {
		return model.StatusMaintenance
	}

	status := model.StatusHealthy
	if err != nil {
		status = model.StatusUnhealthy
		c.logger.Debug("健康检查失败",
			zap.String("service", inst.ServiceName()),
			zap.String("address", inst.Address()),
			zap.Error(err))
	}

	inst.RecordHealthCheck(status, elapsed.Seconds(), time.Now())
	return status
}

type healthPayload struct {
	Status string `json:"status"`
}

// probe 发起一次健康检查请求，只有 {"status":"healthy"} 视为健康
func (c *Checker) probe(ctx context.Context, inst *model.ServiceInstance) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.BaseURL()+c.opts.Path, nil)
	if err != nil {
		return fmt.Errorf("创建健康检查请求失败: %w", err)
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("健康检查请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("健康检查返回状态码: %d", resp.StatusCode)
	}

	var payload healthPayload
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&payload); err != nil {
		return fmt.Errorf("解析健康检查响应失败: %w", err)
	}
	if payload.Status != string(model.StatusHealthy) {
		return fmt.Errorf("实例报告状态: %q", payload.Status)
	}
	return nil
}
