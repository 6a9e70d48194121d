package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// RegisterRequest 服务注册请求
type RegisterRequest struct {
	Name     string            `json:"name"`
	Host     string            `json:"host"`
	Port     int               `json:"port"`
	Weight   int               `json:"weight,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Instance 管理API返回的实例快照
type Instance struct {
	ServiceName       string            `json:"service_name"`
	Host              string            `json:"host"`
	Port              int               `json:"port"`
	Weight            int               `json:"weight"`
	Status            string            `json:"status"`
	LastHealthCheck   *time.Time        `json:"last_health_check,omitempty"`
	ResponseTime      float64           `json:"response_time"`
	ActiveConnections int               `json:"active_connections"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	URL               string            `json:"url"`
}

func (c *Client) instancePath() string {
	return fmt.Sprintf("/api/v1/services/%s/%s/%d",
		url.PathEscape(c.config.ServiceName), url.PathEscape(c.config.Host), c.config.Port)
}

// Register 注册当前服务。重复注册是幂等的，只会更新权重和元数据。
func (c *Client) Register(ctx context.Context) (*Instance, error) {
	if c.config.ServiceName == "" || c.config.Host == "" || c.config.Port <= 0 {
		return nil, fmt.Errorf("服务名称、主机和端口必须配置")
	}

	req := RegisterRequest{
		Name:     c.config.ServiceName,
		Host:     c.config.Host,
		Port:     c.config.Port,
		Weight:   c.config.Weight,
		Metadata: c.config.Metadata,
	}
	resp, err := c.doRequest(ctx, http.MethodPost, "/api/v1/services", req)
	if err != nil {
		return nil, fmt.Errorf("服务注册失败: %w", err)
	}

	var inst Instance
	if err := json.Unmarshal(resp.Data, &inst); err != nil {
		return nil, fmt.Errorf("解析注册响应失败: %w", err)
	}

	c.mu.Lock()
	c.isRegistered = true
	c.mu.Unlock()
	return &inst, nil
}

// Deregister 注销当前服务
func (c *Client) Deregister(ctx context.Context) error {
	if !c.IsRegistered() {
		return fmt.Errorf("服务尚未注册")
	}

	if _, err := c.doRequest(ctx, http.MethodDelete, c.instancePath(), nil); err != nil {
		return fmt.Errorf("服务注销失败: %w", err)
	}

	c.mu.Lock()
	c.isRegistered = false
	c.mu.Unlock()
	return nil
}

// SetStatus 手动设置当前服务的状态，例如发布前进入 maintenance
func (c *Client) SetStatus(ctx context.Context, status string) error {
	_, err := c.doRequest(ctx, http.MethodPut, c.instancePath()+"/status", map[string]string{"status": status})
	if err != nil {
		return fmt.Errorf("更新实例状态失败: %w", err)
	}
	return nil
}

// Select 为目标服务选择一个健康实例，strategy 为空时使用 meshd 的默认策略
func (c *Client) Select(ctx context.Context, service, strategy string) (*Instance, error) {
	path := "/api/v1/services/" + url.PathEscape(service) + "/select"
	if strategy != "" {
		path += "?strategy=" + url.QueryEscape(strategy)
	}
	return c.selectInstance(ctx, path)
}

// SelectByKey 按路由键做一致性哈希选择
func (c *Client) SelectByKey(ctx context.Context, service, key string) (*Instance, error) {
	path := "/api/v1/services/" + url.PathEscape(service) + "/select?key=" + url.QueryEscape(key)
	return c.selectInstance(ctx, path)
}

func (c *Client) selectInstance(ctx context.Context, path string) (*Instance, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("选择实例失败: %w", err)
	}

	var inst Instance
	if err := json.Unmarshal(resp.Data, &inst); err != nil {
		return nil, fmt.Errorf("解析实例失败: %w", err)
	}
	return &inst, nil
}

// PublishRequest 消息发布请求
type PublishRequest struct {
	Topic       string            `json:"topic"`
	Payload     Payload           `json:"payload"`
	Priority    string            `json:"priority,omitempty"`
	Delay       string            `json:"delay,omitempty"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	MaxRetries  *int              `json:"max_retries,omitempty"`
	Timeout     int               `json:"timeout,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Payload 消息体
type Payload struct {
	Type          string          `json:"type"`
	SchemaVersion int             `json:"schema_version"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// Publish 发布消息，返回消息ID
func (c *Client) Publish(ctx context.Context, req PublishRequest) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/api/v1/queue/messages", req)
	if err != nil {
		return "", fmt.Errorf("消息发布失败: %w", err)
	}

	var data struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return "", fmt.Errorf("解析发布响应失败: %w", err)
	}
	return data.ID, nil
}

// QueueStats 队列统计
type QueueStats struct {
	Queues    map[string]map[string]int64 `json:"queues"`
	Scheduled int64                       `json:"scheduled"`
	Completed int64                       `json:"completed"`
	Failed    int64                       `json:"failed"`
	Workers   int                         `json:"workers"`
	Running   bool                        `json:"running"`
	Topics    []string                    `json:"topics"`
}

// GetQueueStats 查询队列统计
func (c *Client) GetQueueStats(ctx context.Context) (*QueueStats, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/v1/queue/stats", nil)
	if err != nil {
		return nil, fmt.Errorf("获取队列统计失败: %w", err)
	}

	var stats QueueStats
	if err := json.Unmarshal(resp.Data, &stats); err != nil {
		return nil, fmt.Errorf("解析队列统计失败: %w", err)
	}
	return &stats, nil
}

// IsRegistered 检查服务是否已注册
func (c *Client) IsRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isRegistered
}
