package lock

import (
	"context"
	"errors"
	"time"

	"KeyCompare/internal/config"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	// ErrLockNotAcquired 锁已被其他实例持有
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockNotHeld 释放时锁已不属于自己（过期或被抢占）
	ErrLockNotHeld = errors.New("lock not held")
)

// Locker 跨实例互斥；同进程内的去重由 singleflight 负责
type Locker interface {
	Acquire(ctx context.Context, key string) (Lock, error)
}

// Lock 已持有的锁
type Lock interface {
	Release(ctx context.Context) error
}

// releaseScript 仅当 value 仍是自己的 token 时才删除
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisLocker 基于 SET NX 的分布式锁
type RedisLocker struct {
	rdb       redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	logger    *logrus.Logger
}

// NewRedisLocker 创建 RedisLocker
func NewRedisLocker(rdb redis.UniversalClient, keyPrefix string, ttl time.Duration, logger *logrus.Logger) *RedisLocker {
	if keyPrefix == "" {
		keyPrefix = "lock:"
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RedisLocker{rdb: rdb, keyPrefix: keyPrefix, ttl: ttl, logger: logger}
}

// New 按配置创建 Locker：未配置 redis.addr 时返回进程内空实现
func New(cfg config.RedisConfig, logger *logrus.Logger) Locker {
	if cfg.Addr == "" {
		logger.Info("未配置 Redis，生成互斥仅在进程内生效")
		return NoopLocker{}
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	logger.WithField("addr", cfg.Addr).Info("生成互斥使用 Redis 分布式锁")
	return NewRedisLocker(rdb, cfg.KeyPrefix, cfg.LockTTL, logger)
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (Lock, error) {
	lockKey := l.keyPrefix + key
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, lockKey, token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}
	l.logger.WithField("key", lockKey).Debug("acquired generation lock")
	return &redisLock{locker: l, key: lockKey, token: token}, nil
}

type redisLock struct {
	locker *RedisLocker
	key    string
	token  string
}

func (lk *redisLock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, lk.locker.rdb, []string{lk.key}, lk.token).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	lk.locker.logger.WithField("key", lk.key).Debug("released generation lock")
	return nil
}

// NoopLocker 单实例部署时使用，总是获取成功
type NoopLocker struct{}

func (NoopLocker) Acquire(context.Context, string) (Lock, error) { return noopLock{}, nil }

type noopLock struct{}

func (noopLock) Release(context.Context) error { return nil }
