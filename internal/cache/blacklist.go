package cache

import (
	"context"
	"fmt"

	"CallWave/storage/redis"
)

// 黑名单快速查询缓存。只做"确定在黑名单里"的正向缓存：
// 命中即可短路，未命中仍必须回源数据库复查（新条目随时会插入，
// 负向缓存会打穿合规不变量）。
const blacklistSetKey = "blacklist:numbers"

// BlacklistAdd 把号码写入快速查询集合（数据库写成功之后调用）。
func BlacklistAdd(ctx context.Context, phoneNumber string) error {
	if err := redis.Client().SAdd(ctx, redis.Key(blacklistSetKey), phoneNumber).Err(); err != nil {
		return fmt.Errorf("failed to add blacklist cache entry: %w", err)
	}
	return nil
}

// BlacklistRemove 显式移除黑名单条目时同步清缓存。
func BlacklistRemove(ctx context.Context, phoneNumber string) error {
	return redis.Client().SRem(ctx, redis.Key(blacklistSetKey), phoneNumber).Err()
}

// BlacklistHit 正向缓存查询。true 可信，false 需要回源。
func BlacklistHit(ctx context.Context, phoneNumber string) (bool, error) {
	hit, err := redis.Client().SIsMember(ctx, redis.Key(blacklistSetKey), phoneNumber).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist cache: %w", err)
	}
	return hit, nil
}
