package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/kong-mesh/pkg/balancer"
	"github.com/hewenyu/kong-mesh/pkg/mesh"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

// RegisterRequest 服务实例注册请求
type RegisterRequest struct {
	Name     string            `json:"name"`
	Host     string            `json:"host"`
	Port     int               `json:"port"`
	Weight   int               `json:"weight"`
	Metadata map[string]string `json:"metadata"`
}

// StatusRequest 实例状态更新请求
type StatusRequest struct {
	Status string `json:"status"`
}

// ServiceSummary 服务列表中的一项
type ServiceSummary struct {
	Name      string `json:"name"`
	Instances int    `json:"instances"`
	Healthy   int    `json:"healthy"`
}

// ServiceHandler 服务注册与发现相关API
type ServiceHandler struct {
	mesh *mesh.Mesh
}

// NewServiceHandler 创建服务处理器
func NewServiceHandler(m *mesh.Mesh) *ServiceHandler {
	return &ServiceHandler{mesh: m}
}

// RegisterService 注册服务实例，已存在的实例合并元数据并更新权重
func (h *ServiceHandler) RegisterService(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "请求参数无效: "+err.Error())
	}

	inst, err := h.mesh.RegisterService(req.Name, req.Host, req.Port, req.Weight, req.Metadata)
	if err != nil {
		return fail(c, http.StatusBadRequest, "参数验证失败: "+err.Error())
	}

	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "服务注册成功",
		Data:    inst.View(),
	})
}

// DeregisterService 注销服务实例
func (h *ServiceHandler) DeregisterService(c echo.Context) error {
	name, host, port, err := instanceParams(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "端口格式无效")
	}

	if !h.mesh.DeregisterService(name, host, port) {
		return fail(c, http.StatusNotFound, "服务实例不存在: "+model.InstanceKey(name, host, port))
	}

	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "服务注销成功",
	})
}

// ListServices 返回所有服务及其实例数量
func (h *ServiceHandler) ListServices(c echo.Context) error {
	reg := h.mesh.Registry()
	names := reg.Services()

	services := make([]ServiceSummary, 0, len(names))
	for _, name := range names {
		services = append(services, ServiceSummary{
			Name:      name,
			Instances: len(reg.Instances(name)),
			Healthy:   len(reg.HealthyInstances(name)),
		})
	}

	return success(c, map[string]any{
		"services": services,
	})
}

// ListInstances 返回服务的所有实例
func (h *ServiceHandler) ListInstances(c echo.Context) error {
	name := c.Param("name")
	instances := h.mesh.Registry().Instances(name)
	if len(instances) == 0 {
		return fail(c, http.StatusNotFound, "服务不存在: "+name)
	}

	views := make([]model.InstanceView, 0, len(instances))
	for _, inst := range instances {
		views = append(views, inst.View())
	}
	return success(c, map[string]any{
		"service":   name,
		"instances": views,
	})
}

// UpdateStatus 手动设置实例状态，例如进入维护
func (h *ServiceHandler) UpdateStatus(c echo.Context) error {
	name, host, port, err := instanceParams(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "端口格式无效")
	}

	var req StatusRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "请求参数无效: "+err.Error())
	}
	status, err := model.ParseInstanceStatus(req.Status)
	if err != nil {
		return fail(c, http.StatusBadRequest, err.Error())
	}

	if !h.mesh.SetInstanceStatus(name, host, port, status) {
		return fail(c, http.StatusNotFound, "服务实例不存在: "+model.InstanceKey(name, host, port))
	}
	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "状态更新成功",
		Data:    map[string]string{"status": string(status)},
	})
}

// SelectInstance 按策略选择一个健康实例。带 key 参数时使用一致性哈希。
func (h *ServiceHandler) SelectInstance(c echo.Context) error {
	name := c.Param("name")

	var inst *model.ServiceInstance
	if key := c.QueryParam("key"); key != "" {
		inst = h.mesh.SelectInstanceByKey(name, key)
	} else {
		var strategy balancer.Strategy
		if raw := c.QueryParam("strategy"); raw != "" {
			parsed, err := balancer.ParseStrategy(raw)
			if err != nil {
				return fail(c, http.StatusBadRequest, err.Error())
			}
			strategy = parsed
		}
		inst = h.mesh.SelectInstance(name, strategy)
	}

	if inst == nil {
		return fail(c, http.StatusServiceUnavailable, "没有可用的健康实例: "+name)
	}
	return success(c, inst.View())
}
