package cache

import (
	"context"
	"time"

	"CallWave/storage/redis"
)

// 基于 SetNX 的分布式锁。编排器的派发周期用它做互斥，
// 误起两个编排进程时不会重复派发同一批联系人。
const (
	lockPrefix = "lock"
)

func TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {

	fullkey := redis.Key(lockPrefix, key)

	result, err := redis.Client().SetNX(ctx, fullkey, 1, ttl).Result()

	if err != nil {
		return false, err
	}

	return result, err
}

func Unlock(ctx context.Context, key string) error {
	fullkey := redis.Key(lockPrefix, key)

	return redis.Client().Del(ctx, fullkey).Err()
}
