package sdk

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SendHeartbeat 重新注册一次，meshd 重启或实例被注销后可以恢复
func (c *Client) SendHeartbeat(ctx context.Context) error {
	if !c.IsRegistered() {
		return fmt.Errorf("服务尚未注册")
	}
	if _, err := c.Register(ctx); err != nil {
		return fmt.Errorf("发送心跳失败: %w", err)
	}
	return nil
}

// StartHeartbeat 开始心跳任务
func (c *Client) StartHeartbeat() {
	// 停止已有心跳任务
	c.StopHeartbeat()

	c.mu.Lock()
	stop := make(chan struct{})
	done := make(chan struct{})
	c.stopChan = stop
	c.done = done
	c.mu.Unlock()

	go func() {
		defer close(done)

		ticker := time.NewTicker(c.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
				if err := c.SendHeartbeat(ctx); err != nil {
					c.logger.Warn("心跳发送失败，将在下一个周期重试", zap.Error(err))
				}
				cancel()
			case <-stop:
				return
			}
		}
	}()
}

// StopHeartbeat 停止心跳任务并等待进行中的心跳结束
func (c *Client) StopHeartbeat() {
	c.mu.Lock()
	stop, done := c.stopChan, c.done
	c.stopChan, c.done = nil, nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// Close 停止心跳并注销服务
func (c *Client) Close(ctx context.Context) error {
	c.StopHeartbeat()

	if c.IsRegistered() {
		if err := c.Deregister(ctx); err != nil {
			return fmt.Errorf("注销服务失败: %w", err)
		}
	}
	return nil
}
