package xlru

import (
	"reflect"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const maxSize = 1 << 24

// Config 缓存配置
type Config struct {
	// Size 最大条目数，取值 (0, 16777216]
	Size int
	// TTL 条目存活时间，0 表示不过期
	TTL time.Duration
}

// Cache 带 TTL 的 LRU 缓存，并发安全。Close 之后读返回零值，写被忽略。
type Cache[K comparable, V any] struct {
	lru       *expirable.LRU[K, V]
	mu        sync.Mutex // 串行化 SetIfAbsent 的检查与写入
	closed    atomic.Bool
	closeOnce sync.Once
}

// New 创建缓存
func New[K comparable, V any](cfg Config) (*Cache[K, V], error) {
	switch {
	case cfg.Size <= 0:
		return nil, ErrInvalidSize
	case cfg.Size > maxSize:
		return nil, ErrSizeExceedsMax
	case cfg.TTL < 0:
		return nil, ErrInvalidTTL
	}
	return &Cache[K, V]{lru: expirable.NewLRU[K, V](cfg.Size, nil, cfg.TTL)}, nil
}

// Peek 读取但不刷新 LRU 顺序，已过期条目视为不存在
func (c *Cache[K, V]) Peek(key K) (value V, ok bool) {
	if c.closed.Load() {
		return value, false
	}
	return c.lru.Peek(key)
}

// Contains 报告 key 是否存在且未过期。
// 上游 Contains 只查 map，这里走 Peek 以保证过期语义一致。
func (c *Cache[K, V]) Contains(key K) bool {
	_, ok := c.Peek(key)
	return ok
}

// Set 写入或覆盖条目并刷新 TTL，返回是否淘汰了旧条目
func (c *Cache[K, V]) Set(key K, value V) bool {
	if c.closed.Load() {
		return false
	}
	return c.lru.Add(key, value)
}

// SetIfAbsent key 不存在（或已过期）时写入并返回 true，否则返回 false 且不刷新 TTL。
// Close 之后缓存视为空，不再写入，始终返回 true。
func (c *Cache[K, V]) SetIfAbsent(key K, value V) bool {
	if c.closed.Load() {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lru.Peek(key); ok {
		return false
	}
	c.lru.Add(key, value)
	return true
}

// Delete 删除条目，返回是否存在
func (c *Cache[K, V]) Delete(key K) bool {
	if c.closed.Load() {
		return false
	}
	return c.lru.Remove(key)
}

// Len 条目数，可能包含已过期但尚未清理的条目
func (c *Cache[K, V]) Len() int {
	if c.closed.Load() {
		return 0
	}
	return c.lru.Len()
}

// Close 清空缓存并停止过期清理 goroutine，可重复调用
func (c *Cache[K, V]) Close() {
	c.closed.Store(true)
	c.closeOnce.Do(func() {
		c.lru.Purge()
		stopCleanupGoroutine(c.lru)
	})
}

// stopCleanupGoroutine 关闭 expirable.LRU 未导出的 done 通道，让清理 goroutine 退出。
// golang-lru v2.0.7 没有公开的 Close；升级依赖后若上游提供了，改为直接调用。
// 字段不存在、类型不符或通道已关闭时返回 false。
func stopCleanupGoroutine(lru any) (stopped bool) {
	defer func() {
		if recover() != nil {
			stopped = false
		}
	}()

	v := reflect.ValueOf(lru)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return false
	}
	done := v.Elem().FieldByName("done")
	if !done.IsValid() || done.Type() != reflect.TypeFor[chan struct{}]() || done.IsNil() {
		return false
	}
	ch := *(*chan struct{})(unsafe.Pointer(done.UnsafeAddr())) //nolint:gosec // 访问上游未导出字段
	close(ch)
	return true
}
