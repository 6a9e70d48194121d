package registry

import (
	"slices"
	"sync"

	"github.com/hewenyu/kong-mesh/pkg/model"
)

// Registry 是基于内存的服务实例注册表。
// 同一服务的实例按注册顺序保存，返回的切片是快照，实例指针是共享的。
type Registry struct {
	services map[string][]*model.ServiceInstance
	mutex    sync.RWMutex
}

// New 创建空注册表
func New() *Registry {
	return &Registry{
		services: make(map[string][]*model.ServiceInstance),
	}
}

// Register 注册服务实例。
// 身份相同的实例已存在时，权重被新值覆盖，元数据按键合并，返回已保存的实例。
func (r *Registry) Register(instance *model.ServiceInstance) *model.ServiceInstance {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	name := instance.ServiceName()
	instances := r.services[name]
	if idx := indexOf(instances, instance.Host(), instance.Port()); idx >= 0 {
		existing := instances[idx]
		existing.Merge(instance.Weight(), instance.Metadata())
		return existing
	}

	r.services[name] = append(instances, instance)
	return instance
}

// Deregister 注销服务实例，实例不存在时返回 false
func (r *Registry) Deregister(serviceName, host string, port int) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	instances := r.services[serviceName]
	idx := indexOf(instances, host, port)
	if idx < 0 {
		return false
	}

	instances = slices.Delete(slices.Clone(instances), idx, idx+1)
	if len(instances) == 0 {
		delete(r.services, serviceName)
	} else {
		r.services[serviceName] = instances
	}
	return true
}

// Lookup 查找指定实例
func (r *Registry) Lookup(serviceName, host string, port int) (*model.ServiceInstance, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	instances := r.services[serviceName]
	if idx := indexOf(instances, host, port); idx >= 0 {
		return instances[idx], true
	}
	return nil, false
}

// Instances 返回服务的全部实例
func (r *Registry) Instances(serviceName string) []*model.ServiceInstance {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return slices.Clone(r.services[serviceName])
}

// HealthyInstances 返回服务中状态为 healthy 的实例
func (r *Registry) HealthyInstances(serviceName string) []*model.ServiceInstance {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var healthy []*model.ServiceInstance
	for _, inst := range r.services[serviceName] {
		if inst.IsHealthy() {
			healthy = append(healthy, inst)
		}
	}
	return healthy
}

// SetStatus 手动设置实例状态，实例不存在时返回 false
func (r *Registry) SetStatus(serviceName, host string, port int, status model.InstanceStatus) bool {
	inst, ok := r.Lookup(serviceName, host, port)
	if !ok {
		return false
	}
	inst.SetStatus(status)
	return true
}

// Services 返回按名称排序的服务列表
func (r *Registry) Services() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// All 返回所有服务的全部实例
func (r *Registry) All() map[string][]*model.ServiceInstance {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	all := make(map[string][]*model.ServiceInstance, len(r.services))
	for name, instances := range r.services {
		all[name] = slices.Clone(instances)
	}
	return all
}

// Len 返回实例总数
func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	n := 0
	for _, instances := range r.services {
		n += len(instances)
	}
	return n
}

func indexOf(instances []*model.ServiceInstance, host string, port int) int {
	return slices.IndexFunc(instances, func(inst *model.ServiceInstance) bool {
		return inst.Host() == host && inst.Port() == port
	})
}
