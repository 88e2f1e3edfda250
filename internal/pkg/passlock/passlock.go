package passlock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const lockKey = "pricetracker:lock:monitor_pass"

// Lock 是基于 Redis SetNX 的巡检互斥锁。
//
// 定时巡检和手动触发共用同一把锁，保证任意时刻最多只有一轮巡检在执行，
// 多实例部署时也同样成立。TTL 作为兜底：持有者崩溃后锁会自动过期。
type Lock struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewLock 创建巡检锁。ttl 不应小于一轮巡检的最长预期耗时。
func NewLock(rdb *redis.Client, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Lock{
		rdb: rdb,
		ttl: ttl,
	}
}

// TryAcquire 尝试获取锁，拿不到时返回 false（不阻塞等待）。
//
// 没有配置 Redis 时退化为总是成功：单实例下队列本身已保证串行。
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	if l == nil || l.rdb == nil {
		return true, nil
	}
	ok, err := l.rdb.SetNX(ctx, lockKey, "1", l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("passlock setnx: %w", err)
	}
	return ok, nil
}

// Release 释放锁。
func (l *Lock) Release(ctx context.Context) error {
	if l == nil || l.rdb == nil {
		return nil
	}
	if err := l.rdb.Del(ctx, lockKey).Err(); err != nil {
		return fmt.Errorf("passlock del: %w", err)
	}
	return nil
}
