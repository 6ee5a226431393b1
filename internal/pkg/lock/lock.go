package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLocked 锁已被占用
var ErrLocked = errors.New("lock already held")

// UnlockFunc 释放锁
type UnlockFunc func()

// Locker 按 key 的非阻塞互斥
type Locker interface {
	TryLock(ctx context.Context, key string) (UnlockFunc, error)
}

// LocalLocker 进程内锁，单实例部署使用
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker 创建进程内锁
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

// TryLock 获取锁，已被持有时返回 ErrLocked
func (l *LocalLocker) TryLock(_ context.Context, key string) (UnlockFunc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, ErrLocked
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// Acquire 轮询 TryLock 直到拿到锁或 ctx 结束
func Acquire(ctx context.Context, l Locker, key string, interval time.Duration) (UnlockFunc, error) {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		unlock, err := l.TryLock(ctx, key)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
