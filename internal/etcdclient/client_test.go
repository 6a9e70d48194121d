package etcdclient

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/kong-mesh/pkg/config"
	"github.com/hewenyu/kong-mesh/pkg/model"
	"github.com/hewenyu/kong-mesh/pkg/registry"
)

// createTestClient 连接环境变量中的etcd，未设置时跳过
func createTestClient(t *testing.T) *Client {
	t.Helper()

	endpoints := os.Getenv("KONG_MESH_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("未设置KONG_MESH_ETCD_ENDPOINTS，跳过etcd集成测试")
	}

	logger, err := config.NewLogger(true)
	require.NoError(t, err, "创建测试日志记录器失败")

	// 每个测试使用独立前缀
	prefix := "/kong-mesh-test/" + strings.ReplaceAll(t.Name(), "/", "_")
	c, err := Connect(config.EtcdConfig{
		Endpoints: strings.Split(endpoints, ","),
		Prefix:    prefix,
	}, logger)
	require.NoError(t, err, "连接etcd失败")
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Ping(ctx), "Ping etcd失败")
	return c
}

func TestConnectRequiresEndpoints(t *testing.T) {
	_, err := Connect(config.EtcdConfig{}, nil)
	assert.Error(t, err)
}

func TestNotConnected(t *testing.T) {
	c := &Client{prefix: DefaultPrefix, logger: config.NewNopLogger()}
	ctx := context.Background()

	assert.ErrorIs(t, c.Ping(ctx), ErrNotConnected)
	_, err := c.List(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.Announce(ctx, model.NewServiceInstance("svc", "h", 80, 1, nil), time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.Remove(ctx, "svc", "h", 80), ErrNotConnected)
	assert.ErrorIs(t, c.Mirror(ctx, registry.New()), ErrNotConnected)
	assert.NoError(t, c.Close())
}

func TestAnnounceAndList(t *testing.T) {
	c := createTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inst := model.NewServiceInstance("render-service", "10.0.0.1", 8001, 2, map[string]string{"zone": "a"})
	leaseID, err := c.Announce(ctx, inst, 10*time.Second)
	require.NoError(t, err)

	instances, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, inst.Key(), instances[0].Key())
	assert.Equal(t, 2, instances[0].Weight())

	require.NoError(t, c.Withdraw(ctx, leaseID))
	instances, err = c.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, instances, "撤销租约后实例被删除")
}

func TestMirror(t *testing.T) {
	c := createTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	existing := model.NewServiceInstance("svc", "10.0.0.1", 80, 1, nil)
	_, err := c.Announce(ctx, existing, 10*time.Second)
	require.NoError(t, err)

	reg := registry.New()
	require.NoError(t, c.Mirror(ctx, reg))
	assert.Len(t, reg.Instances("svc"), 1, "启动时加载已有实例")

	added := model.NewServiceInstance("svc", "10.0.0.2", 80, 3, nil)
	leaseID, err := c.Announce(ctx, added, 10*time.Second)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		inst, ok := reg.Lookup("svc", "10.0.0.2", 80)
		return ok && inst.Weight() == 3
	}, 5*time.Second, 20*time.Millisecond, "新增实例应同步到注册中心")

	require.NoError(t, c.Withdraw(ctx, leaseID))
	require.Eventually(t, func() bool {
		_, ok := reg.Lookup("svc", "10.0.0.2", 80)
		return !ok
	}, 5*time.Second, 20*time.Millisecond, "删除的实例应从注册中心注销")

	require.NoError(t, c.Remove(ctx, "svc", "10.0.0.1", 80))
	require.Eventually(t, func() bool { return reg.Len() == 0 }, 5*time.Second, 20*time.Millisecond)
}
