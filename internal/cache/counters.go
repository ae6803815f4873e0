package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"CallWave/storage/redis"
)

// 调速器与看板消费的实时计数：
//   - 在通话数（up/down）
//   - 滚动应答率（按分钟桶的 dials/answers 计数）
//   - 活动级聚合（HINCRBY）

const (
	activeCallsKey      = "calls:active"
	answerBucketPrefix  = "calls:answered"
	dialBucketPrefix    = "calls:dialed"
	campaignStatsPrefix = "campaign:stats"

	// 应答率窗口：最近 5 个分钟桶
	answerRateWindowMinutes = 5
	rateBucketTTL           = (answerRateWindowMinutes + 2) * time.Minute
)

// IncrActiveCalls 呼叫发起时 +1。
func IncrActiveCalls(ctx context.Context) error {
	return redis.Client().Incr(ctx, redis.Key(activeCallsKey)).Err()
}

// DecrActiveCalls 呼叫终止时 -1，不允许降到负数以下太多（崩溃恢复时归零）。
func DecrActiveCalls(ctx context.Context) error {
	val, err := redis.Client().Decr(ctx, redis.Key(activeCallsKey)).Result()
	if err != nil {
		return err
	}
	if val < 0 {
		return redis.Client().Set(ctx, redis.Key(activeCallsKey), 0, 0).Err()
	}
	return nil
}

// ActiveCalls 当前在通话数。
func ActiveCalls(ctx context.Context) (int, error) {
	val, err := redis.Client().Get(ctx, redis.Key(activeCallsKey)).Int()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read active calls: %w", err)
	}
	return val, nil
}

// RecordDialOutcome 记录一次拨号终态，answered 表示是否接通。
func RecordDialOutcome(ctx context.Context, answered bool, now time.Time) error {
	bucket := strconv.FormatInt(now.Truncate(time.Minute).Unix(), 10)
	pipe := redis.Client().Pipeline()

	dialKey := redis.Key(dialBucketPrefix, bucket)
	pipe.Incr(ctx, dialKey)
	pipe.Expire(ctx, dialKey, rateBucketTTL)

	if answered {
		answerKey := redis.Key(answerBucketPrefix, bucket)
		pipe.Incr(ctx, answerKey)
		pipe.Expire(ctx, answerKey, rateBucketTTL)
	}

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to record dial outcome: %w", err)
	}
	return nil
}

// AnswerRate 最近窗口内的应答率。没有任何拨号时返回 (1.0, 0)，
// 避免冷启动时调速器把空闲当故障。
func AnswerRate(ctx context.Context, now time.Time) (float64, int, error) {
	client := redis.Client()

	var dials, answers int
	for i := 0; i < answerRateWindowMinutes; i++ {
		bucket := strconv.FormatInt(now.Add(-time.Duration(i)*time.Minute).Truncate(time.Minute).Unix(), 10)

		d, err := client.Get(ctx, redis.Key(dialBucketPrefix, bucket)).Int()
		if err != nil && err != goredis.Nil {
			return 0, 0, fmt.Errorf("failed to read dial bucket: %w", err)
		}
		a, err := client.Get(ctx, redis.Key(answerBucketPrefix, bucket)).Int()
		if err != nil && err != goredis.Nil {
			return 0, 0, fmt.Errorf("failed to read answer bucket: %w", err)
		}
		dials += d
		answers += a
	}

	if dials == 0 {
		return 1.0, 0, nil
	}
	return float64(answers) / float64(dials), dials, nil
}

// IncrCampaignStat 活动级实时聚合（看板直接读这个 hash）。
func IncrCampaignStat(ctx context.Context, campaignID int64, field string, delta int64) error {
	key := redis.Key(campaignStatsPrefix, strconv.FormatInt(campaignID, 10))
	return redis.Client().HIncrBy(ctx, key, field, delta).Err()
}

// CampaignStats 读取活动的全部实时聚合。
func CampaignStats(ctx context.Context, campaignID int64) (map[string]string, error) {
	key := redis.Key(campaignStatsPrefix, strconv.FormatInt(campaignID, 10))
	stats, err := redis.Client().HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read campaign stats: %w", err)
	}
	return stats, nil
}
