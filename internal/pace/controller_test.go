package pace

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"CallWave/internal/model"
	"CallWave/internal/ratelimit"
	"CallWave/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Logger = zap.NewNop()
	m.Run()
}

func newTestController(t *testing.T, startLimit int) (*Controller, *ratelimit.Limiter, *[]model.PaceAdjustment) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter := ratelimit.NewLimiter(client, startLimit)

	var adjustments []model.PaceAdjustment
	c := &Controller{
		limiter:         limiter,
		floor:           2,
		ceiling:         50,
		cpuThreshold:    0.80,
		memThreshold:    0.85,
		maxActiveCalls:  200,
		minAnswerRate:   0.10,
		recoverySamples: 3,
		now:             time.Now,
		audit: func(_ context.Context, adj *model.PaceAdjustment) error {
			adjustments = append(adjustments, *adj)
			return nil
		},
	}
	return c, limiter, &adjustments
}

func nominal() HealthSample {
	return HealthSample{CPUUsage: 0.30, MemUsage: 0.40, ActiveCalls: 10, AnswerRate: 0.60, Dials: 100}
}

// CPU 越限：上限减半，恰好一条审计记录，不会在同一次采样里连砍两刀
func TestEvaluateBreachHalvesOnce(t *testing.T) {
	c, limiter, adjustments := newTestController(t, 20)
	ctx := context.Background()

	sample := nominal()
	sample.CPUUsage = 0.92
	c.Evaluate(ctx, sample)

	limit, err := limiter.CurrentLimit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, limit)

	require.Len(t, *adjustments, 1)
	adj := (*adjustments)[0]
	assert.Equal(t, 20, adj.OldLimit)
	assert.Equal(t, 10, adj.NewLimit)
	assert.Equal(t, "cpu", adj.TriggerSignal)
	assert.InDelta(t, 0.92, adj.SampledValue, 0.001)
}

// 连续越限样本只砍一刀：第二个越限样本观察，不再减半
func TestEvaluateConsecutiveBreachesHalveOnce(t *testing.T) {
	c, limiter, adjustments := newTestController(t, 20)
	ctx := context.Background()

	sample := nominal()
	sample.CPUUsage = 0.92

	c.Evaluate(ctx, sample)
	c.Evaluate(ctx, sample)

	limit, err := limiter.CurrentLimit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, limit)

	require.Len(t, *adjustments, 1)
	assert.Equal(t, 20, (*adjustments)[0].OldLimit)
	assert.Equal(t, 10, (*adjustments)[0].NewLimit)
}

// 持续越限不会一路砍到下限，越限 -> 回落 -> 再越限才减第二刀
func TestEvaluateHalvesAgainOnlyAfterClear(t *testing.T) {
	c, limiter, adjustments := newTestController(t, 20)
	ctx := context.Background()

	breach := nominal()
	breach.MemUsage = 0.95

	for i := 0; i < 6; i++ {
		c.Evaluate(ctx, breach)
	}
	limit, err := limiter.CurrentLimit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, limit)
	require.Len(t, *adjustments, 1)

	// 回落一个周期解除闩锁
	c.Evaluate(ctx, nominal())

	c.Evaluate(ctx, breach)
	limit, err = limiter.CurrentLimit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, limit)

	require.Len(t, *adjustments, 2)
	assert.Equal(t, 5, (*adjustments)[1].NewLimit)
	assert.Equal(t, "memory", (*adjustments)[1].TriggerSignal)
}

// 连续 N 个正常样本后 +1 恢复，到天花板为止
func TestEvaluateRecoveryStepsUp(t *testing.T) {
	c, limiter, adjustments := newTestController(t, 10)
	ctx := context.Background()

	// 前两个正常样本不动
	c.Evaluate(ctx, nominal())
	c.Evaluate(ctx, nominal())
	limit, err := limiter.CurrentLimit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, limit)
	assert.Empty(t, *adjustments)

	// 第三个样本触发恢复
	c.Evaluate(ctx, nominal())
	limit, err = limiter.CurrentLimit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 11, limit)

	require.Len(t, *adjustments, 1)
	assert.Equal(t, "recovery", (*adjustments)[0].TriggerSignal)
}

// 越限清零恢复计数：砍半之后要重新攒满正常样本才会加速
func TestEvaluateBreachResetsRecoveryStreak(t *testing.T) {
	c, limiter, _ := newTestController(t, 20)
	ctx := context.Background()

	c.Evaluate(ctx, nominal())
	c.Evaluate(ctx, nominal())

	breach := nominal()
	breach.ActiveCalls = 500
	c.Evaluate(ctx, breach)

	limit, err := limiter.CurrentLimit(ctx)
	require.NoError(t, err)
	require.Equal(t, 10, limit)

	// 两个正常样本不够恢复
	c.Evaluate(ctx, nominal())
	c.Evaluate(ctx, nominal())
	limit, err = limiter.CurrentLimit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, limit)

	c.Evaluate(ctx, nominal())
	limit, err = limiter.CurrentLimit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 11, limit)
}

// 没有拨号样本时应答率是冷启动噪声，不触发降速
func TestEvaluateAnswerRateIgnoredWithoutDials(t *testing.T) {
	c, limiter, adjustments := newTestController(t, 20)
	ctx := context.Background()

	sample := nominal()
	sample.AnswerRate = 0.0
	sample.Dials = 0
	c.Evaluate(ctx, sample)

	limit, err := limiter.CurrentLimit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, limit)
	assert.Empty(t, *adjustments)
}

func TestEvaluateAnswerRateBreach(t *testing.T) {
	c, limiter, adjustments := newTestController(t, 20)
	ctx := context.Background()

	sample := nominal()
	sample.AnswerRate = 0.05
	sample.Dials = 80
	c.Evaluate(ctx, sample)

	limit, err := limiter.CurrentLimit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, limit)
	require.Len(t, *adjustments, 1)
	assert.Equal(t, "answer_rate", (*adjustments)[0].TriggerSignal)
}

// 天花板之上不再恢复
func TestEvaluateRecoveryCappedAtCeiling(t *testing.T) {
	c, limiter, adjustments := newTestController(t, 50)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		c.Evaluate(ctx, nominal())
	}

	limit, err := limiter.CurrentLimit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, limit)
	assert.Empty(t, *adjustments)
}
