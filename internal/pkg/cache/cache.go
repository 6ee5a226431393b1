package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache 带过期时间的并发安全缓存
type TTLCache[K comparable, V any] struct {
	items sync.Map
	now   func() time.Time
}

// New 创建缓存
func New[K comparable, V any]() *TTLCache[K, V] {
	return &TTLCache[K, V]{now: time.Now}
}

// Set 写入并设置 TTL
func (c *TTLCache[K, V]) Set(key K, value V, ttl time.Duration) {
	c.items.Store(key, entry[V]{value: value, expiresAt: c.now().Add(ttl)})
}

// Get 读取，过期视为不存在
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	var zero V
	raw, ok := c.items.Load(key)
	if !ok {
		return zero, false
	}
	e := raw.(entry[V])
	if c.now().After(e.expiresAt) {
		c.items.Delete(key)
		return zero, false
	}
	return e.value, true
}

// Take 读取后立即删除，用于一次性凭据
func (c *TTLCache[K, V]) Take(key K) (V, bool) {
	var zero V
	raw, ok := c.items.LoadAndDelete(key)
	if !ok {
		return zero, false
	}
	e := raw.(entry[V])
	if c.now().After(e.expiresAt) {
		return zero, false
	}
	return e.value, true
}

// Delete 删除
func (c *TTLCache[K, V]) Delete(key K) {
	c.items.Delete(key)
}

// Cleanup 清理过期项
func (c *TTLCache[K, V]) Cleanup() {
	now := c.now()
	c.items.Range(func(key, value any) bool {
		if now.After(value.(entry[V]).expiresAt) {
			c.items.Delete(key)
		}
		return true
	})
}
