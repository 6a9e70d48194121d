package model

import (
	"fmt"
	"maps"
	"strconv"
	"sync"
	"time"
)

// InstanceStatus 表示服务实例健康状态
type InstanceStatus string

const (
	// StatusUnknown 尚未完成健康检查
	StatusUnknown InstanceStatus = "unknown"
	// StatusHealthy 健康状态
	StatusHealthy InstanceStatus = "healthy"
	// StatusUnhealthy 不健康状态
	StatusUnhealthy InstanceStatus = "unhealthy"
	// StatusMaintenance 维护中，由运维手动设置
	StatusMaintenance InstanceStatus = "maintenance"
)

// ParseInstanceStatus 解析状态字符串
func ParseInstanceStatus(s string) (InstanceStatus, error) {
	switch InstanceStatus(s) {
	case StatusUnknown, StatusHealthy, StatusUnhealthy, StatusMaintenance:
		return InstanceStatus(s), nil
	default:
		return "", fmt.Errorf("未知的实例状态: %s", s)
	}
}

// ServiceInstance 表示一个服务实例，身份由 (服务名, 主机, 端口) 决定。
// 实例以指针形式在注册中心、健康检查器和客户端之间共享，所有可变字段都通过方法访问。
type ServiceInstance struct {
	serviceName string
	host        string
	port        int

	mu                sync.RWMutex
	weight            int
	status            InstanceStatus
	lastHealthCheck   time.Time
	responseTime      float64
	activeConnections int
	metadata          map[string]string
}

// NewServiceInstance 创建一个状态为 unknown 的服务实例
func NewServiceInstance(serviceName, host string, port, weight int, metadata map[string]string) *ServiceInstance {
	md := make(map[string]string, len(metadata))
	maps.Copy(md, metadata)
	return &ServiceInstance{
		serviceName: serviceName,
		host:        host,
		port:        port,
		weight:      normalizeWeight(weight),
		status:      StatusUnknown,
		metadata:    md,
	}
}

func normalizeWeight(weight int) int {
	if weight < 1 {
		return 1
	}
	return weight
}

// InstanceKey 生成实例身份键
func InstanceKey(serviceName, host string, port int) string {
	return serviceName + "/" + host + ":" + strconv.Itoa(port)
}

// Key 返回实例身份键
func (i *ServiceInstance) Key() string {
	return InstanceKey(i.serviceName, i.host, i.port)
}

// ServiceName 服务名称
func (i *ServiceInstance) ServiceName() string { return i.serviceName }

// Host 主机地址
func (i *ServiceInstance) Host() string { return i.host }

// Port 端口
func (i *ServiceInstance) Port() int { return i.port }

// Address 返回 host:port
func (i *ServiceInstance) Address() string {
	return i.host + ":" + strconv.Itoa(i.port)
}

// BaseURL 返回实例的HTTP基础地址
func (i *ServiceInstance) BaseURL() string {
	return "http://" + i.Address()
}

// Weight 权重
func (i *ServiceInstance) Weight() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.weight
}

// Status 健康状态
func (i *ServiceInstance) Status() InstanceStatus {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.status
}

// SetStatus 设置健康状态
func (i *ServiceInstance) SetStatus(status InstanceStatus) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status = status
}

// IsHealthy 是否处于健康状态
func (i *ServiceInstance) IsHealthy() bool {
	return i.Status() == StatusHealthy
}

// ResponseTime 最近一次观测到的响应时间（秒）
func (i *ServiceInstance) ResponseTime() float64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.responseTime
}

// LastHealthCheck 最近一次健康检查时间
func (i *ServiceInstance) LastHealthCheck() time.Time {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lastHealthCheck
}

// RecordHealthCheck 记录一次健康检查结果。
// responseTime 小于0表示本次没有可用的延迟观测，保留原值。
func (i *ServiceInstance) RecordHealthCheck(status InstanceStatus, responseTime float64, at time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status = status
	if responseTime >= 0 {
		i.responseTime = responseTime
	}
	i.lastHealthCheck = at
}

// ActiveConnections 当前活跃连接数
func (i *ServiceInstance) ActiveConnections() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.activeConnections
}

// Acquire 占用一个连接
func (i *ServiceInstance) Acquire() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.activeConnections++
}

// Release 释放一个连接，计数不会小于0
func (i *ServiceInstance) Release() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.activeConnections > 0 {
		i.activeConnections--
	}
}

// Metadata 返回元数据副本
func (i *ServiceInstance) Metadata() map[string]string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	md := make(map[string]string, len(i.metadata))
	maps.Copy(md, i.metadata)
	return md
}

// Merge 用最新的权重覆盖原值，并合并元数据（新值优先）
func (i *ServiceInstance) Merge(weight int, metadata map[string]string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.weight = normalizeWeight(weight)
	if i.metadata == nil {
		i.metadata = make(map[string]string, len(metadata))
	}
	maps.Copy(i.metadata, metadata)
}

// InstanceView 服务实例的只读快照，用于序列化输出
type InstanceView struct {
	ServiceName       string            `json:"service_name"`                // 服务名称
	Host              string            `json:"host"`                        // 主机地址
	Port              int               `json:"port"`                        // 端口
	Weight            int               `json:"weight"`                      // 权重
	Status            InstanceStatus    `json:"status"`                      // 健康状态
	LastHealthCheck   *time.Time        `json:"last_health_check,omitempty"` // 最后健康检查时间
	ResponseTime      float64           `json:"response_time"`               // 响应时间（秒）
	ActiveConnections int               `json:"active_connections"`          // 活跃连接数
	Metadata          map[string]string `json:"metadata,omitempty"`          // 元数据
	URL               string            `json:"url"`                         // 基础地址
}

// View 返回实例快照
func (i *ServiceInstance) View() InstanceView {
	i.mu.RLock()
	defer i.mu.RUnlock()

	view := InstanceView{
		ServiceName:       i.serviceName,
		Host:              i.host,
		Port:              i.port,
		Weight:            i.weight,
		Status:            i.status,
		ResponseTime:      i.responseTime,
		ActiveConnections: i.activeConnections,
		Metadata:          make(map[string]string, len(i.metadata)),
		URL:               i.BaseURL(),
	}
	maps.Copy(view.Metadata, i.metadata)
	if !i.lastHealthCheck.IsZero() {
		t := i.lastHealthCheck
		view.LastHealthCheck = &t
	}
	return view
}
