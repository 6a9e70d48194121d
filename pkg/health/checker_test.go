package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/kong-mesh/pkg/model"
	"github.com/hewenyu/kong-mesh/pkg/registry"
)

// newPeer 启动一个返回指定健康检查响应的服务
func newPeer(t *testing.T, handler echo.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	hits := &atomic.Int32{}
	e := echo.New()
	e.GET("/health", func(c echo.Context) error {
		hits.Add(1)
		return handler(c)
	})
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv, hits
}

func instanceFor(t *testing.T, name string, srv *httptest.Server) *model.ServiceInstance {
	t.Helper()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return model.NewServiceInstance(name, u.Hostname(), port, 1, nil)
}

func healthyHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

func TestCheckInstance(t *testing.T) {
	tests := []struct {
		name    string
		handler echo.HandlerFunc
		want    model.InstanceStatus
	}{
		{
			name:    "健康响应",
			handler: healthyHandler,
			want:    model.StatusHealthy,
		},
		{
			name: "2xx但状态不是healthy",
			handler: func(c echo.Context) error {
				return c.JSON(http.StatusOK, map[string]string{"status": "degraded"})
			},
			want: model.StatusUnhealthy,
		},
		{
			name: "非JSON响应",
			handler: func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			},
			want: model.StatusUnhealthy,
		},
		{
			name: "服务端错误",
			handler: func(c echo.Context) error {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "healthy"})
			},
			want: model.StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newPeer(t, tt.handler)
			inst := instanceFor(t, "svc", srv)
			checker := NewChecker(registry.New(), nil, Options{Timeout: time.Second})

			got := checker.CheckInstance(context.Background(), inst)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, inst.Status())
			assert.False(t, inst.LastHealthCheck().IsZero(), "应记录检查时间")
			assert.GreaterOrEqual(t, inst.ResponseTime(), 0.0)
		})
	}
}

func TestCheckInstanceTimeout(t *testing.T) {
	srv, _ := newPeer(t, func(c echo.Context) error {
		select {
		case <-time.After(2 * time.Second):
		case <-c.Request().Context().Done():
		}
		return healthyHandler(c)
	})
	inst := instanceFor(t, "svc", srv)
	checker := NewChecker(registry.New(), nil, Options{Timeout: 50 * time.Millisecond})

	start := time.Now()
	assert.Equal(t, model.StatusUnhealthy, checker.CheckInstance(context.Background(), inst))
	assert.Less(t, time.Since(start), time.Second, "超时后应立即返回")
}

func TestCheckInstanceConnectionRefused(t *testing.T) {
	srv, _ := newPeer(t, healthyHandler)
	inst := instanceFor(t, "svc", srv)
	srv.Close()

	checker := NewChecker(registry.New(), nil, Options{Timeout: time.Second})
	assert.Equal(t, model.StatusUnhealthy, checker.CheckInstance(context.Background(), inst))
}

func TestRunOnceSkipsMaintenance(t *testing.T) {
	healthySrv, healthyHits := newPeer(t, healthyHandler)
	maintSrv, maintHits := newPeer(t, healthyHandler)

	reg := registry.New()
	a := reg.Register(instanceFor(t, "svc", healthySrv))
	b := reg.Register(instanceFor(t, "svc", maintSrv))
	b.SetStatus(model.StatusMaintenance)

	checker := NewChecker(reg, nil, Options{Timeout: time.Second, Concurrency: 1})
	checker.RunOnce(context.Background())

	assert.Equal(t, model.StatusHealthy, a.Status())
	assert.Equal(t, model.StatusMaintenance, b.Status(), "维护状态不应被覆盖")
	assert.EqualValues(t, 1, healthyHits.Load())
	assert.EqualValues(t, 0, maintHits.Load(), "维护中的实例不应被探测")
}

func TestStartAndStop(t *testing.T) {
	srv, hits := newPeer(t, healthyHandler)

	reg := registry.New()
	inst := reg.Register(instanceFor(t, "svc", srv))

	checker := NewChecker(reg, nil, Options{Interval: 20 * time.Millisecond, Timeout: time.Second})
	checker.Start(context.Background())
	checker.Start(context.Background()) // 重复启动无副作用
	assert.True(t, checker.Running())

	require.Eventually(t, func() bool {
		return inst.IsHealthy() && hits.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond, "应周期性地执行健康检查")

	checker.Stop()
	assert.False(t, checker.Running())

	stopped := hits.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, stopped, hits.Load(), "停止后不应再发起探测")

	checker.Stop() // 重复停止无副作用
}

func TestCustomPath(t *testing.T) {
	e := echo.New()
	e.GET("/status", healthyHandler)
	srv := httptest.NewServer(e)
	defer srv.Close()

	inst := instanceFor(t, "svc", srv)
	checker := NewChecker(registry.New(), nil, Options{Path: "/status"})
	assert.Equal(t, model.StatusHealthy, checker.CheckInstance(context.Background(), inst))
}

func TestStopDuringProbeKeepsStatus(t *testing.T) {
	srv, hits := newPeer(t, func(c echo.Context) error {
		time.Sleep(300 * time.Millisecond)
		return healthyHandler(c)
	})

	reg := registry.New()
	inst := reg.Register(instanceFor(t, "svc", srv))
	inst.SetStatus(model.StatusHealthy)

	checker := NewChecker(reg, nil, Options{Interval: time.Hour, Timeout: 5 * time.Second})
	checker.Start(context.Background())

	require.Eventually(t, func() bool {
		return hits.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond, "探测应已发出")

	checker.Stop()
	assert.Equal(t, model.StatusHealthy, inst.Status(), "停止检查器不应把实例标记为不健康")
	assert.True(t, inst.LastHealthCheck().IsZero(), "被取消的探测不应记录结果")
}

func TestCheckInstanceCancelledContext(t *testing.T) {
	srv, _ := newPeer(t, healthyHandler)
	inst := instanceFor(t, "svc", srv)
	inst.SetStatus(model.StatusHealthy)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	checker := NewChecker(registry.New(), nil, Options{})
	assert.Equal(t, model.StatusHealthy, checker.CheckInstance(ctx, inst))
	assert.True(t, inst.LastHealthCheck().IsZero())
}

func TestGoRequiresRunningChecker(t *testing.T) {
	srv, hits := newPeer(t, healthyHandler)

	reg := registry.New()
	inst := reg.Register(instanceFor(t, "svc", srv))

	checker := NewChecker(reg, nil, Options{Interval: time.Hour, Timeout: time.Second})
	assert.False(t, checker.Go(inst), "未启动时不应探测")
	assert.Zero(t, hits.Load())

	checker.Start(context.Background())
	require.Eventually(t, inst.IsHealthy, 2*time.Second, 10*time.Millisecond)

	inst.SetStatus(model.StatusUnknown)
	assert.True(t, checker.Go(inst))
	require.Eventually(t, inst.IsHealthy, 2*time.Second, 10*time.Millisecond)

	checker.Stop()
	assert.False(t, checker.Go(inst), "停止后不应探测")
}
