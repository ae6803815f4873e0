package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, defaultLimit int) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l := NewLimiter(client, defaultLimit)
	// 固定时钟，让所有请求落进同一个秒桶
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }
	return l, mr
}

// 限速 10，15 个并发请求同时到达：恰好 10 个通过，5 个被拒，
// 不多拨也不少拨。
func TestTryAdmitConcurrentExactLimit(t *testing.T) {
	l, _ := newTestLimiter(t, 10)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan bool, 15)
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.TryAdmit(ctx, 1, 0)
			assert.NoError(t, err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	admitted := 0
	for ok := range results {
		if ok {
			admitted++
		}
	}
	assert.Equal(t, 10, admitted)
}

func TestTryAdmitNewBucketEachSecond(t *testing.T) {
	l, _ := newTestLimiter(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.TryAdmit(ctx, 1, 0)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.TryAdmit(ctx, 1, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	// 下一秒，新桶从零开始
	next := time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC)
	l.now = func() time.Time { return next }

	ok, err = l.TryAdmit(ctx, 1, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

// 活动级桶更紧时以它为准，且拒绝时退还全局额度
func TestTryAdmitCampaignLimitTighter(t *testing.T) {
	l, _ := newTestLimiter(t, 100)
	ctx := context.Background()

	admitted := 0
	for i := 0; i < 5; i++ {
		ok, err := l.TryAdmit(ctx, 7, 2)
		require.NoError(t, err)
		if ok {
			admitted++
		}
	}
	assert.Equal(t, 2, admitted)

	// 活动桶拒绝不应消耗全局额度：全局还有余量给别的活动
	ok, err := l.TryAdmit(ctx, 8, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseReturnsQuota(t *testing.T) {
	l, _ := newTestLimiter(t, 1)
	ctx := context.Background()

	ok, err := l.TryAdmit(ctx, 1, 0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.TryAdmit(ctx, 1, 0)
	require.NoError(t, err)
	require.False(t, ok)

	// 黑名单补偿路径：退还额度后同一秒还能再准入一次
	require.NoError(t, l.Release(ctx, 1, 0))

	ok, err = l.TryAdmit(ctx, 1, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

// 限速值放在 Redis：调速器改一次，所有 worker 立即生效
func TestCurrentLimitFollowsPaceController(t *testing.T) {
	l, _ := newTestLimiter(t, 10)
	ctx := context.Background()

	limit, err := l.CurrentLimit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, limit)

	require.NoError(t, l.SetLimit(ctx, 5))

	limit, err = l.CurrentLimit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, limit)

	admitted := 0
	for i := 0; i < 10; i++ {
		ok, err := l.TryAdmit(ctx, 1, 0)
		require.NoError(t, err)
		if ok {
			admitted++
		}
	}
	assert.Equal(t, 5, admitted)
}
