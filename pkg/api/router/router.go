package router

import (
	"github.com/labstack/echo/v4"

	"github.com/hewenyu/kong-mesh/pkg/api/handler"
)

// Handlers 管理API用到的全部处理器
type Handlers struct {
	Service *handler.ServiceHandler
	Queue   *handler.QueueHandler
	Health  *handler.HealthHandler
	Metrics *handler.MetricsHandler
}

// RegisterRoutes 配置管理API路由
func RegisterRoutes(e *echo.Echo, h Handlers) {
	// 供其他网格节点探测
	e.GET("/health", h.Health.HealthCheck)

	// API分组，版本v1
	api := e.Group("/api/v1")
	api.GET("/health", h.Health.HealthCheck)

	// 服务注册与发现
	services := api.Group("/services")
	services.POST("", h.Service.RegisterService)                       // 注册实例
	services.GET("", h.Service.ListServices)                           // 服务列表
	services.GET("/:name/instances", h.Service.ListInstances)          // 实例列表
	services.GET("/:name/select", h.Service.SelectInstance)            // 选择实例
	services.DELETE("/:name/:host/:port", h.Service.DeregisterService) // 注销实例
	services.PUT("/:name/:host/:port/status", h.Service.UpdateStatus)  // 更新状态

	// 调用统计
	api.GET("/metrics", h.Metrics.GetMetrics)

	// 消息队列
	q := api.Group("/queue")
	q.GET("/stats", h.Queue.GetStats)
	q.GET("/dead-letters", h.Queue.ListDeadLetters)
	q.POST("/messages", h.Queue.PublishMessage)
}
