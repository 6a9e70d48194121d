package balancer

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/hewenyu/kong-mesh/pkg/model"
)

// Strategy 负载均衡策略
type Strategy string

const (
	RoundRobin         Strategy = "round_robin"
	Random             Strategy = "random"
	LeastConnections   Strategy = "least_connections"
	WeightedRoundRobin Strategy = "weighted_round_robin"
	HealthBased        Strategy = "health_based"
	ConsistentHash     Strategy = "consistent_hash"
)

// Strategies 返回所有支持的策略
func Strategies() []Strategy {
	return []Strategy{RoundRobin, Random, LeastConnections, WeightedRoundRobin, HealthBased, ConsistentHash}
}

// ParseStrategy 解析策略名称，大小写和连字符不敏感
func ParseStrategy(s string) (Strategy, error) {
	normalized := Strategy(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if normalized == "" {
		return RoundRobin, nil
	}
	for _, strategy := range Strategies() {
		if strategy == normalized {
			return strategy, nil
		}
	}
	return "", fmt.Errorf("未知的负载均衡策略: %s", s)
}

// Balancer 在调用方给出的健康实例列表中选择一个实例。
// 轮询类策略按服务名维护单调递增的计数器，成员变化时不重置。
type Balancer struct {
	mu         sync.Mutex
	rrCounter  map[string]uint64
	wrrCounter map[string]uint64
}

// New 创建负载均衡器
func New() *Balancer {
	return &Balancer{
		rrCounter:  make(map[string]uint64),
		wrrCounter: make(map[string]uint64),
	}
}

// Select 按策略选择实例，列表为空时返回 nil
func (b *Balancer) Select(instances []*model.ServiceInstance, strategy Strategy) *model.ServiceInstance {
	if len(instances) == 0 {
		return nil
	}

	switch strategy {
	case Random:
		return instances[rand.IntN(len(instances))]
	case LeastConnections:
		return argmin(instances, func(inst *model.ServiceInstance) float64 {
			return float64(inst.ActiveConnections())
		})
	case WeightedRoundRobin:
		return b.weightedRoundRobin(instances)
	case HealthBased:
		return argmin(instances, (*model.ServiceInstance).ResponseTime)
	default:
		// 没有路由键的一致性哈希按轮询处理
		return b.roundRobin(instances)
	}
}

// SelectByKey 使用最高随机权重（rendezvous）哈希为路由键选择实例，
// 实例集合不变时同一个键总是落到同一个实例上
func (b *Balancer) SelectByKey(instances []*model.ServiceInstance, key string) *model.ServiceInstance {
	if len(instances) == 0 {
		return nil
	}

	var (
		best      *model.ServiceInstance
		bestScore uint64
	)
	for _, inst := range instances {
		d := xxhash.New()
		_, _ = d.WriteString(key)
		_, _ = d.WriteString("|")
		_, _ = d.WriteString(inst.Address())
		score := d.Sum64()
		if best == nil || score > bestScore {
			best, bestScore = inst, score
		}
	}
	return best
}

func (b *Balancer) next(counters map[string]uint64, service string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := counters[service]
	counters[service] = n + 1
	return n
}

func (b *Balancer) roundRobin(instances []*model.ServiceInstance) *model.ServiceInstance {
	n := b.next(b.rrCounter, instances[0].ServiceName())
	return instances[n%uint64(len(instances))]
}

func (b *Balancer) weightedRoundRobin(instances []*model.ServiceInstance) *model.ServiceInstance {
	expanded := make([]*model.ServiceInstance, 0, len(instances))
	for _, inst := range instances {
		for range inst.Weight() {
			expanded = append(expanded, inst)
		}
	}
	n := b.next(b.wrrCounter, instances[0].ServiceName())
	return expanded[n%uint64(len(expanded))]
}

// argmin 返回指标最小的实例，相同时取列表中靠前的
func argmin(instances []*model.ServiceInstance, metric func(*model.ServiceInstance) float64) *model.ServiceInstance {
	best := instances[0]
	bestValue := metric(best)
	for _, inst := range instances[1:] {
		if v := metric(inst); v < bestValue {
			best, bestValue = inst, v
		}
	}
	return best
}
