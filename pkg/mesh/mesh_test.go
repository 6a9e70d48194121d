package mesh

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/kong-mesh/pkg/balancer"
	"github.com/hewenyu/kong-mesh/pkg/client"
	"github.com/hewenyu/kong-mesh/pkg/config"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Health.Interval = time.Hour
	cfg.Health.Timeout = time.Second
	cfg.Client.Timeout = time.Second
	cfg.Client.Retry.InitialDelay = time.Millisecond
	cfg.Client.Retry.MaxDelay = 5 * time.Millisecond
	cfg.Queue.PollInterval = 5 * time.Millisecond
	cfg.Queue.SchedulerInterval = 10 * time.Millisecond
	cfg.Queue.RetryBaseDelay = time.Millisecond
	cfg.Queue.MaxRetryDelay = 10 * time.Millisecond
	return cfg
}

func newTestMesh(t *testing.T, withQueue bool) *Mesh {
	t.Helper()

	var rdb *redis.Client
	if withQueue {
		mr := miniredis.RunT(t)
		rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
	}

	var (
		m   *Mesh
		err error
	)
	if rdb != nil {
		m, err = NewFromConfig(testConfig(), rdb, nil)
	} else {
		m, err = NewFromConfig(testConfig(), nil, nil)
	}
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return m
}

// startPeer 启动一个带健康检查接口的下游服务，返回主机和端口
func startPeer(t *testing.T, hits *atomic.Int32) (string, int) {
	t.Helper()

	e := echo.New()
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})
	e.GET("/videos/:id", func(c echo.Context) error {
		if hits != nil {
			hits.Add(1)
		}
		return c.JSON(http.StatusOK, map[string]string{"id": c.Param("id")})
	})
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func TestRegisterServiceValidation(t *testing.T) {
	m := newTestMesh(t, false)

	_, err := m.RegisterService("", "h", 80, 1, nil)
	assert.Error(t, err)
	_, err = m.RegisterService("svc", "h", 0, 1, nil)
	assert.Error(t, err)
	_, err = m.RegisterService("svc", "h", 70000, 1, nil)
	assert.Error(t, err)
}

func TestRegisterServiceUpsert(t *testing.T) {
	m := newTestMesh(t, false)

	first, err := m.RegisterService("svc", "h", 80, 1, map[string]string{"v": "1"})
	require.NoError(t, err)
	second, err := m.RegisterService("svc", "h", 80, 3, map[string]string{"v": "2"})
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Len(t, m.Registry().Instances("svc"), 1)
	assert.Equal(t, 3, first.Weight())
	assert.Equal(t, "2", first.Metadata()["v"])

	assert.True(t, m.DeregisterService("svc", "h", 80))
	assert.False(t, m.DeregisterService("svc", "h", 80))
}

func TestRegisteredInstanceIsProbedImmediately(t *testing.T) {
	m := newTestMesh(t, false)
	m.Start(context.Background())

	host, port := startPeer(t, nil)
	inst, err := m.RegisterService("render-service", host, port, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusUnknown, inst.Status(), "新实例初始状态为unknown")

	require.Eventually(t, inst.IsHealthy, 2*time.Second, 10*time.Millisecond, "检查器运行时应立即探测新实例")

	u, ok := m.GetServiceURL("render-service")
	require.True(t, ok)
	assert.Equal(t, inst.BaseURL(), u)
}

func TestSelectInstanceWeighted(t *testing.T) {
	m := newTestMesh(t, false)

	a, err := m.RegisterService("svc", "host1", 8001, 1, nil)
	require.NoError(t, err)
	b, err := m.RegisterService("svc", "host2", 8002, 2, nil)
	require.NoError(t, err)
	a.SetStatus(model.StatusHealthy)
	b.SetStatus(model.StatusHealthy)

	counts := map[*model.ServiceInstance]int{}
	for range 3 {
		counts[m.SelectInstance("svc", balancer.WeightedRoundRobin)]++
	}
	assert.Equal(t, 1, counts[a])
	assert.Equal(t, 2, counts[b])

	assert.Nil(t, m.GetServiceInstance("missing", balancer.RoundRobin))
	_, ok := m.GetServiceURL("missing")
	assert.False(t, ok)
}

func TestCallWithoutHealthyInstance(t *testing.T) {
	m := newTestMesh(t, false)

	var hits atomic.Int32
	host, port := startPeer(t, &hits)
	_, err := m.RegisterService("svc", host, port, 1, nil)
	require.NoError(t, err)

	_, err = m.Client("svc").Get(context.Background(), "/videos/1", nil)
	var unavailable *client.ServiceUnavailableError
	require.ErrorAs(t, err, &unavailable, "状态未知的实例不可被选择")
	assert.Zero(t, hits.Load())
}

func TestCallHealthyInstance(t *testing.T) {
	m := newTestMesh(t, false)
	m.Start(context.Background())

	var hits atomic.Int32
	host, port := startPeer(t, &hits)
	inst, err := m.RegisterService("svc", host, port, 1, nil)
	require.NoError(t, err)
	require.Eventually(t, inst.IsHealthy, 2*time.Second, 10*time.Millisecond)

	resp, err := m.Get(context.Background(), "svc", "/videos/v-7")
	require.NoError(t, err)
	var body map[string]string
	require.NoError(t, resp.JSON(&body))
	assert.Equal(t, "v-7", body["id"])
	assert.EqualValues(t, 1, hits.Load())

	metrics := m.GetMetrics()
	assert.EqualValues(t, 1, metrics["svc"].SuccessfulRequests)
}

func TestQueueDisabled(t *testing.T) {
	m := newTestMesh(t, false)
	ctx := context.Background()

	_, err := m.Publish(ctx, "render", model.Payload{}, model.PriorityNormal)
	assert.ErrorIs(t, err, ErrQueueDisabled)
	_, err = m.PublishEvent(ctx, "x", "y", nil)
	assert.ErrorIs(t, err, ErrQueueDisabled)
	assert.ErrorIs(t, m.RegisterHandler("render", nil), ErrQueueDisabled)
	_, err = m.GetQueueStats(ctx)
	assert.ErrorIs(t, err, ErrQueueDisabled)
	assert.Nil(t, m.Queue())
}

func TestPublishAndHandle(t *testing.T) {
	m := newTestMesh(t, true)
	ctx := context.Background()

	handled := make(chan *model.Message, 1)
	require.NoError(t, m.RegisterHandler("events.video.ready", func(ctx context.Context, msg *model.Message) (bool, error) {
		handled <- msg
		return true, nil
	}))
	m.Start(ctx)

	id, err := m.PublishEvent(ctx, "video.ready", "render-service", map[string]string{"video_id": "v-1"})
	require.NoError(t, err)

	select {
	case msg := <-handled:
		assert.Equal(t, id, msg.ID)
		assert.Equal(t, "render-service", msg.Metadata["source"])
	case <-time.After(2 * time.Second):
		t.Fatal("消息未被处理")
	}

	require.Eventually(t, func() bool {
		stats, err := m.GetQueueStats(ctx)
		return err == nil && stats.Completed == 1
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(stopCtx))
	assert.False(t, m.Queue().Running())
	assert.False(t, m.Checker().Running())
}

func TestNewFromConfigRejectsUnknownStrategy(t *testing.T) {
	cfg := testConfig()
	cfg.Client.Strategy = "fastest"
	_, err := NewFromConfig(cfg, nil, nil)
	assert.Error(t, err)
}
