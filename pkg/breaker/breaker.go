package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/pkg/config"
)

// State 熔断器状态
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
	StateUnknown  State = "unknown"
)

func convertState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
	DefaultSuccessThreshold = 3
)

// Settings 熔断器配置
type Settings struct {
	Name             string
	FailureThreshold int           // 连续失败多少次后打开
	RecoveryTimeout  time.Duration // 打开后多久进入半开
	SuccessThreshold int           // 半开状态下连续成功多少次后关闭
}

// SettingsFromConfig 从配置构造熔断器参数
func SettingsFromConfig(name string, cfg config.BreakerConfig) Settings {
	return Settings{
		Name:             name,
		FailureThreshold: cfg.FailureThreshold,
		RecoveryTimeout:  cfg.RecoveryTimeout,
		SuccessThreshold: cfg.SuccessThreshold,
	}
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold < 1 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if s.SuccessThreshold < 1 {
		s.SuccessThreshold = DefaultSuccessThreshold
	}
	return s
}

// ErrOpen 熔断器拒绝调用
var ErrOpen = errors.New("熔断器已打开")

// OpenError 熔断器处于打开状态（或半开状态下探测名额已满）时返回，被包装的函数不会执行
type OpenError struct {
	Service string
	State   State
}

// Error 实现error接口
func (e *OpenError) Error() string {
	return fmt.Sprintf("服务 %s 熔断中 (%s)", e.Service, e.State)
}

// Unwrap 支持 errors.Is(err, ErrOpen)
func (e *OpenError) Unwrap() error {
	return ErrOpen
}

// Counts 熔断器计数快照
type Counts struct {
	FailureCount    int       `json:"failure_count"`     // 当前连续失败次数
	SuccessCount    int       `json:"success_count"`     // 当前连续成功次数
	TotalRequests   int       `json:"total_requests"`    // 当前统计周期内的请求数
	LastFailureTime time.Time `json:"last_failure_time"` // 最近一次失败时间
}

// CircuitBreaker 包装 gobreaker，对应一个逻辑服务
type CircuitBreaker struct {
	name    string
	breaker *gobreaker.CircuitBreaker
	logger  config.Logger

	mu              sync.RWMutex
	lastFailureTime time.Time
}

// New 创建熔断器，初始状态为关闭
func New(settings Settings, logger config.Logger) *CircuitBreaker {
	if logger == nil {
		logger = config.NewNopLogger()
	}
	settings = settings.withDefaults()

	cb := &CircuitBreaker{
		name:   settings.Name,
		logger: logger,
	}

	failureThreshold := uint32(settings.FailureThreshold)
	cb.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: uint32(settings.SuccessThreshold),
		Timeout:     settings.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cb.onStateChange(from, to)
		},
	})
	return cb
}

func (cb *CircuitBreaker) onStateChange(from, to gobreaker.State) {
	fields := []zap.Field{
		zap.String("service", cb.name),
		zap.String("from", string(convertState(from))),
		zap.String("to", string(convertState(to))),
	}
	if to == gobreaker.StateOpen {
		cb.logger.Warn("熔断器打开", fields...)
		return
	}
	cb.logger.Info("熔断器状态变更", fields...)
}

// Name 熔断器名称
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State 当前状态，打开超过恢复时间后返回半开
func (cb *CircuitBreaker) State() State {
	return convertState(cb.breaker.State())
}

// Counts 返回计数快照
func (cb *CircuitBreaker) Counts() Counts {
	counts := cb.breaker.Counts()

	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return Counts{
		FailureCount:    int(counts.ConsecutiveFailures),
		SuccessCount:    int(counts.ConsecutiveSuccesses),
		TotalRequests:   int(counts.Requests),
		LastFailureTime: cb.lastFailureTime,
	}
}

// Execute 通过熔断器执行一次 fn。
// fn 返回的错误计为失败并原样返回；熔断时返回 *OpenError 且不执行 fn。
func (cb *CircuitBreaker) Execute(fn func() error) error {
	_, err := Do(cb, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Do 通过熔断器执行带返回值的函数
func Do[T any](cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T

	result, err := cb.breaker.Execute(func() (any, error) {
		v, err := fn()
		if err != nil {
			cb.recordFailure()
			return v, err
		}
		return v, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		cb.logger.Debug("熔断器拒绝请求", zap.String("service", cb.name), zap.Error(err))
		return zero, &OpenError{Service: cb.name, State: cb.State()}
	}

	v, _ := result.(T)
	return v, err
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFailureTime = time.Now()
}
