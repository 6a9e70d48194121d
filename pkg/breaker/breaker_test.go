package breaker

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func newTestBreaker(recovery time.Duration) *CircuitBreaker {
	return New(Settings{
		Name:             "render-service",
		FailureThreshold: 5,
		RecoveryTimeout:  recovery,
		SuccessThreshold: 3,
	}, nil)
}

func fail(cb *CircuitBreaker, n int) {
	for range n {
		_ = cb.Execute(func() error { return errBoom })
	}
}

func TestInitialState(t *testing.T) {
	cb := New(Settings{Name: "svc"}, nil)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, "svc", cb.Name())
	assert.Zero(t, cb.Counts().FailureCount)
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	cb := newTestBreaker(time.Minute)

	fail(cb, 4)
	assert.Equal(t, StateClosed, cb.State(), "未达到阈值前保持关闭")
	assert.Equal(t, 4, cb.Counts().FailureCount)

	before := time.Now()
	fail(cb, 1)
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Counts().LastFailureTime.Before(before), "应记录最后失败时间")

	// 打开状态下不执行被包装的函数
	var called atomic.Bool
	err := cb.Execute(func() error {
		called.Store(true)
		return nil
	})
	require.Error(t, err)
	assert.False(t, called.Load())

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "render-service", openErr.Service)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	cb := newTestBreaker(time.Minute)

	fail(cb, 4)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Zero(t, cb.Counts().FailureCount)

	fail(cb, 4)
	assert.Equal(t, StateClosed, cb.State(), "连续失败计数应在成功后重新开始")
}

func TestErrorsPassThroughUnchanged(t *testing.T) {
	cb := newTestBreaker(time.Minute)
	err := cb.Execute(func() error { return errBoom })
	assert.Same(t, errBoom, err)
}

func TestHalfOpenClosesAfterSuccesses(t *testing.T) {
	cb := newTestBreaker(50 * time.Millisecond)
	fail(cb, 5)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State(), "超过恢复时间后进入半开")

	var calls atomic.Int32
	for i := range 3 {
		err := cb.Execute(func() error {
			calls.Add(1)
			return nil
		})
		require.NoError(t, err)
		if i < 2 {
			assert.Equal(t, StateHalfOpen, cb.State())
		}
	}
	assert.EqualValues(t, 3, calls.Load(), "半开状态下的请求应被执行")
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.Counts().FailureCount)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := newTestBreaker(50 * time.Millisecond)
	fail(cb, 5)

	time.Sleep(80 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(func() error { return nil }))
	fail(cb, 1)
	assert.Equal(t, StateOpen, cb.State(), "半开状态下任何失败都会重新打开")

	err := cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestDo(t *testing.T) {
	cb := newTestBreaker(time.Minute)

	v, err := Do(cb, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, err = Do(cb, func() (string, error) { return "", errBoom })
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, cb.Counts().FailureCount)
}
