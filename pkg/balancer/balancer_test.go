package balancer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/kong-mesh/pkg/model"
)

func makeInstances(service string, n int) []*model.ServiceInstance {
	instances := make([]*model.ServiceInstance, 0, n)
	for i := range n {
		inst := model.NewServiceInstance(service, fmt.Sprintf("host%d", i+1), 8000+i, 1, nil)
		inst.SetStatus(model.StatusHealthy)
		instances = append(instances, inst)
	}
	return instances
}

func TestSelectEmpty(t *testing.T) {
	b := New()
	for _, strategy := range Strategies() {
		assert.Nil(t, b.Select(nil, strategy), string(strategy))
	}
	assert.Nil(t, b.SelectByKey(nil, "user-1"))
}

func TestRoundRobinVisitsEachOncePerCycle(t *testing.T) {
	for n := 1; n <= 7; n++ {
		b := New()
		instances := makeInstances("svc", n)

		// 先做几次选择让计数器偏移
		for range n + 2 {
			b.Select(instances, RoundRobin)
		}

		seen := make(map[*model.ServiceInstance]int)
		for range n {
			seen[b.Select(instances, RoundRobin)]++
		}
		assert.Len(t, seen, n, "每%d次选择应覆盖全部实例", n)
		for _, count := range seen {
			assert.Equal(t, 1, count)
		}
	}
}

func TestRoundRobinCountersArePerService(t *testing.T) {
	b := New()
	a := makeInstances("a", 2)
	c := makeInstances("c", 2)

	assert.Same(t, a[0], b.Select(a, RoundRobin))
	assert.Same(t, c[0], b.Select(c, RoundRobin), "不同服务的计数器互不影响")
	assert.Same(t, a[1], b.Select(a, RoundRobin))
}

func TestRoundRobinNotResetOnResize(t *testing.T) {
	b := New()
	instances := makeInstances("svc", 3)

	b.Select(instances, RoundRobin) // counter 0
	b.Select(instances, RoundRobin) // counter 1

	// 成员减少后计数器继续递增：2 % 2 == 0
	assert.Same(t, instances[0], b.Select(instances[:2], RoundRobin))
}

func TestLeastConnections(t *testing.T) {
	b := New()
	instances := makeInstances("svc", 3)
	for range 3 {
		instances[0].Acquire()
	}
	instances[1].Acquire()
	instances[2].Acquire()

	// 相同连接数时取列表中靠前的
	assert.Same(t, instances[1], b.Select(instances, LeastConnections))

	selected := b.Select(instances, LeastConnections)
	for _, inst := range instances {
		assert.LessOrEqual(t, selected.ActiveConnections(), inst.ActiveConnections())
	}

	instances[1].Acquire()
	assert.Same(t, instances[2], b.Select(instances, LeastConnections))
}

func TestWeightedRoundRobin(t *testing.T) {
	b := New()
	a := model.NewServiceInstance("svc", "host1", 8001, 1, nil)
	bb := model.NewServiceInstance("svc", "host2", 8002, 2, nil)
	instances := []*model.ServiceInstance{a, bb}

	counts := map[*model.ServiceInstance]int{}
	for range 3 {
		counts[b.Select(instances, WeightedRoundRobin)]++
	}
	assert.Equal(t, 1, counts[a])
	assert.Equal(t, 2, counts[bb])

	// 展开列表 [A,B,B] 循环
	assert.Same(t, a, b.Select(instances, WeightedRoundRobin))
	assert.Same(t, bb, b.Select(instances, WeightedRoundRobin))
	assert.Same(t, bb, b.Select(instances, WeightedRoundRobin))
}

func TestWeightedCounterIndependentOfRoundRobin(t *testing.T) {
	b := New()
	instances := makeInstances("svc", 2)

	b.Select(instances, RoundRobin)
	b.Select(instances, RoundRobin)
	b.Select(instances, RoundRobin)

	assert.Same(t, instances[0], b.Select(instances, WeightedRoundRobin))
}

func TestHealthBased(t *testing.T) {
	b := New()
	instances := makeInstances("svc", 3)
	instances[0].RecordHealthCheck(model.StatusHealthy, 0.30, instances[0].LastHealthCheck())
	instances[1].RecordHealthCheck(model.StatusHealthy, 0.05, instances[1].LastHealthCheck())
	instances[2].RecordHealthCheck(model.StatusHealthy, 0.05, instances[2].LastHealthCheck())

	assert.Same(t, instances[1], b.Select(instances, HealthBased))
}

func TestRandom(t *testing.T) {
	b := New()
	instances := makeInstances("svc", 3)

	seen := map[*model.ServiceInstance]bool{}
	for range 300 {
		inst := b.Select(instances, Random)
		require.Contains(t, instances, inst)
		seen[inst] = true
	}
	assert.Len(t, seen, 3, "随机策略应能选到所有实例")
}

func TestSelectByKeyIsStable(t *testing.T) {
	b := New()
	instances := makeInstances("svc", 5)

	first := b.SelectByKey(instances, "user-42")
	for range 20 {
		assert.Same(t, first, b.SelectByKey(instances, "user-42"))
	}

	// 移除其他实例不影响已命中的键
	var remaining []*model.ServiceInstance
	for _, inst := range instances {
		if inst == first || len(remaining) < 2 {
			remaining = append(remaining, inst)
		}
	}
	assert.Same(t, first, b.SelectByKey(remaining, "user-42"))

	spread := map[*model.ServiceInstance]bool{}
	for i := range 100 {
		spread[b.SelectByKey(instances, fmt.Sprintf("user-%d", i))] = true
	}
	assert.Greater(t, len(spread), 1, "不同的键应分布到多个实例")
}

func TestConsistentHashWithoutKeyFallsBackToRoundRobin(t *testing.T) {
	b := New()
	instances := makeInstances("svc", 2)
	assert.Same(t, instances[0], b.Select(instances, ConsistentHash))
	assert.Same(t, instances[1], b.Select(instances, ConsistentHash))
}

func TestParseStrategy(t *testing.T) {
	cases := map[string]Strategy{
		"round_robin":          RoundRobin,
		"Least-Connections":    LeastConnections,
		"WEIGHTED_ROUND_ROBIN": WeightedRoundRobin,
		"":                     RoundRobin,
		"consistent_hash":      ConsistentHash,
	}
	for in, want := range cases {
		got, err := ParseStrategy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseStrategy("fastest")
	assert.Error(t, err)
}
