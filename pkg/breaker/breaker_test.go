package breaker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"CallWave/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Logger = zap.NewNop()
	m.Run()
}

var errBoom = fmt.Errorf("boom")

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	cb := New("test", 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := cb.Call(ctx, func() error { return errBoom })
		require.Error(t, err)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	// 熔断期间调用不执行，直接拒绝
	executed := false
	err := cb.Call(ctx, func() error {
		executed = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, executed)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := New("test", 3, time.Minute)
	ctx := context.Background()

	require.Error(t, cb.Call(ctx, func() error { return errBoom }))
	require.Error(t, cb.Call(ctx, func() error { return errBoom }))
	require.NoError(t, cb.Call(ctx, func() error { return nil }))

	// 计数已清零，再失败两次不应触发熔断
	require.Error(t, cb.Call(ctx, func() error { return errBoom }))
	require.Error(t, cb.Call(ctx, func() error { return errBoom }))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := New("test", 1, 10*time.Millisecond)
	ctx := context.Background()

	require.Error(t, cb.Call(ctx, func() error { return errBoom }))
	require.Equal(t, StateOpen, cb.GetState())

	time.Sleep(20 * time.Millisecond)

	// 重置超时后放行一次探测，成功则关闭
	require.NoError(t, cb.Call(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := New("test", 1, 10*time.Millisecond)
	ctx := context.Background()

	require.Error(t, cb.Call(ctx, func() error { return errBoom }))
	time.Sleep(20 * time.Millisecond)

	require.Error(t, cb.Call(ctx, func() error { return errBoom }))
	assert.Equal(t, StateOpen, cb.GetState())
}
