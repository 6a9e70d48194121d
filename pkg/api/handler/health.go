package handler

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/kong-mesh/pkg/mesh"
)

// HealthResponse 健康检查响应，status 字段与网格探测的约定一致
type HealthResponse struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// HealthHandler 健康检查处理器
type HealthHandler struct {
	mesh *mesh.Mesh
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(m *mesh.Mesh) *HealthHandler {
	return &HealthHandler{mesh: m}
}

// HealthCheck 健康检查处理函数
func (h *HealthHandler) HealthCheck(c echo.Context) error {
	details := map[string]any{
		"uptime":     time.Since(startTime).String(),
		"services":   len(h.mesh.Registry().Services()),
		"goroutines": runtime.NumGoroutine(),
	}
	if q := h.mesh.Queue(); q != nil {
		details["queue_running"] = q.Running()
	}

	return c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Details:   details,
	})
}

// 应用启动时间
var startTime = time.Now()

// getResourceUsage 获取资源使用情况
func getResourceUsage() map[string]any {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return map[string]any{
		"memory_alloc":   formatBytes(memStats.Alloc),
		"memory_heap":    formatBytes(memStats.HeapAlloc),
		"num_gc":         memStats.NumGC,
		"num_goroutines": runtime.NumGoroutine(),
	}
}

// formatBytes 将字节数格式化为可读形式
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
