// Package backoff 提供指数退避延迟计算和可取消的等待
package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Policy 指数退避策略：InitialDelay * Base^attempt，上限 MaxDelay
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Base         float64
	// Jitter 为真时延迟乘以 [0.5, 1.0) 内的随机系数
	Jitter bool
}

// Delay 返回第 attempt 次重试前的等待时间，attempt 从0开始
func (p Policy) Delay(attempt int) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	base := p.Base
	if base < 1 {
		base = 2
	}

	delay := float64(p.InitialDelay) * math.Pow(base, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if delay > math.MaxInt64 {
		delay = math.MaxInt64
	}
	if p.Jitter {
		delay *= 0.5 + rand.Float64()*0.5
	}
	return time.Duration(delay)
}

// Exponential 返回 min(limit, base * 2^n)
func Exponential(base time.Duration, n int, limit time.Duration) time.Duration {
	return Policy{InitialDelay: base, MaxDelay: limit, Base: 2}.Delay(n)
}

// Sleep 等待指定时间，ctx 结束时提前返回错误
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("等待被取消: %w", ctx.Err())
	}
}
