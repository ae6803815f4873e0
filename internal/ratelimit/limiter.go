package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"CallWave/storage/redis"
)

const (
	bucketPrefix = "cps:bucket"
	limitKey     = "cps:limit"

	// 桶宽固定 1 秒（CPS 语义），桶过期留 2 秒余量
	bucketTTLSeconds = 2
)

// admitScript 原子地检查并自增当前秒桶：count < limit 才自增，
// 超限时无副作用。这是多个 dialer 进程间唯一的同步点，
// 必须是单次原子操作而不是读-改-写。
var admitScript = goredis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if current >= limit then
  return 0
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
end
return 1
`)

// Limiter 共享的按秒计数准入器。限速值本身放在 Redis 里，
// 由调速器统一调整，所有 worker 实时读到同一个值。
type Limiter struct {
	client       *goredis.Client
	defaultLimit int
	now          func() time.Time
}

func NewLimiter(client *goredis.Client, defaultLimit int) *Limiter {
	return &Limiter{
		client:       client,
		defaultLimit: defaultLimit,
		now:          time.Now,
	}
}

// TryAdmit 尝试在当前秒桶内占一个全局拨号额度；campaignLimit > 0 时
// 还要同时通过活动级桶。任一桶拒绝则整体拒绝且不留副作用。
func (l *Limiter) TryAdmit(ctx context.Context, campaignID int64, campaignLimit int) (bool, error) {
	limit, err := l.CurrentLimit(ctx)
	if err != nil {
		return false, err
	}

	bucket := l.bucketKey("global", l.now())
	admitted, err := l.admitOne(ctx, bucket, limit)
	if err != nil || !admitted {
		return false, err
	}

	if campaignLimit > 0 {
		campaignBucket := l.bucketKey(fmt.Sprintf("campaign:%d", campaignID), l.now())
		campaignAdmitted, err := l.admitOne(ctx, campaignBucket, campaignLimit)
		if err != nil {
			// 活动桶出错时退回全局额度，宁可少拨不可超拨
			l.release(ctx, bucket)
			return false, err
		}
		if !campaignAdmitted {
			l.release(ctx, bucket)
			return false, nil
		}
	}

	return true, nil
}

// Release 退回一次已占用的额度（准入后黑名单命中时的补偿）。
func (l *Limiter) Release(ctx context.Context, campaignID int64, campaignLimit int) error {
	now := l.now()
	if err := l.release(ctx, l.bucketKey("global", now)); err != nil {
		return err
	}
	if campaignLimit > 0 {
		return l.release(ctx, l.bucketKey(fmt.Sprintf("campaign:%d", campaignID), now))
	}
	return nil
}

// CurrentLimit 读取调速器维护的实时全局上限，缺失时用启动默认值。
func (l *Limiter) CurrentLimit(ctx context.Context) (int, error) {
	val, err := l.client.Get(ctx, redis.Key(limitKey)).Int()
	if err == goredis.Nil {
		return l.defaultLimit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cps limit: %w", err)
	}
	return val, nil
}

// SetLimit 调速器写入新的全局上限。
func (l *Limiter) SetLimit(ctx context.Context, limit int) error {
	return l.client.Set(ctx, redis.Key(limitKey), limit, 0).Err()
}

func (l *Limiter) admitOne(ctx context.Context, bucket string, limit int) (bool, error) {
	res, err := admitScript.Run(ctx, l.client, []string{bucket}, limit, bucketTTLSeconds).Int()
	if err != nil {
		return false, fmt.Errorf("failed to run admit script: %w", err)
	}
	return res == 1, nil
}

func (l *Limiter) release(ctx context.Context, bucket string) error {
	return l.client.Decr(ctx, bucket).Err()
}

func (l *Limiter) bucketKey(scope string, t time.Time) string {
	return redis.Key(bucketPrefix, scope, strconv.FormatInt(t.Unix(), 10))
}
