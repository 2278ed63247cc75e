package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TickLock 은 여러 replica 중 하나만 같은 tick 을 제출하도록 한다.
type TickLock interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// NoopLock 은 단일 인스턴스용. 항상 획득한다.
type NoopLock struct{}

func (NoopLock) Acquire(context.Context, string, time.Duration) (bool, error) { return true, nil }

// RedisTickLock 은 SET NX PX 기반 잠금.
// 해제하지 않고 TTL 로 만료시킨다 (같은 tick 을 두 번 잡지 않는 것이 목적).
type RedisTickLock struct {
	client redis.UniversalClient
	owner  string
}

func NewRedisTickLock(addr, owner string) *RedisTickLock {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 2 * time.Second,
	})
	return &RedisTickLock{client: rdb, owner: owner}
}

func (l *RedisTickLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, "tick:"+key, l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis tick lock: %w", err)
	}
	return ok, nil
}

func (l *RedisTickLock) Close() error { return l.client.Close() }
