package handler

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/kong-mesh/pkg/client"
	"github.com/hewenyu/kong-mesh/pkg/mesh"
)

// Metrics 系统指标
type Metrics struct {
	Services          map[string]client.MetricsSnapshot `json:"services"`
	RegisteredCount   int                               `json:"registered_count"`
	ResourceUsage     map[string]any                    `json:"resource_usage"`
	Uptime            string                            `json:"uptime"`
	LastCollectedTime time.Time                         `json:"last_collected_time"`
}

// MetricsHandler 指标处理器
type MetricsHandler struct {
	mesh *mesh.Mesh
}

// NewMetricsHandler 创建指标处理器
func NewMetricsHandler(m *mesh.Mesh) *MetricsHandler {
	return &MetricsHandler{mesh: m}
}

// GetMetrics 返回每个下游服务的调用统计和进程资源使用情况
func (h *MetricsHandler) GetMetrics(c echo.Context) error {
	return success(c, Metrics{
		Services:          h.mesh.GetMetrics(),
		RegisteredCount:   h.mesh.Registry().Len(),
		ResourceUsage:     getResourceUsage(),
		Uptime:            time.Since(startTime).String(),
		LastCollectedTime: time.Now(),
	})
}
