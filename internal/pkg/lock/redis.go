package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"gitlab-tracker/internal/pkg/logger"
)

const keyPrefix = "gitlab-tracker:lock:"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker 基于 SET NX PX 的分布式锁，多实例部署使用
type RedisLocker struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisLocker 创建分布式锁，ttl 应大于单次同步的最长耗时
func NewRedisLocker(rdb redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLocker{rdb: rdb, ttl: ttl}
}

// TryLock 获取锁，已被持有时返回 ErrLocked
func (l *RedisLocker) TryLock(ctx context.Context, key string) (UnlockFunc, error) {
	fullKey := keyPrefix + key
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, fullKey, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("获取锁失败: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}

	return func() {
		// 请求上下文可能已取消，释放使用独立超时
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.rdb, []string{fullKey}, token).Err(); err != nil {
			logger.Warn("释放锁失败", zap.String("key", fullKey), zap.Error(err))
		}
	}, nil
}
