package cache

import (
	"strings"
	"sync"
	"time"

	"musicsync/logger"
)

// 响应缓存操作名，各操作可单独设置TTL
const (
	OpListFolder = "listFolder"
	OpMetadata   = "metadata"
)

type responseEntry struct {
	value     interface{}
	expiresAt time.Time
}

// ResponseCache 会话内的短时响应缓存
// 以 操作名+参数 为键，避免同一会话里对源站的重复请求；
// 过期在读取时判定，后台协程定期清扫
type ResponseCache struct {
	mu         sync.RWMutex
	entries    map[string]responseEntry
	ttls       map[string]time.Duration
	defaultTTL time.Duration

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewResponseCache 创建响应缓存并启动清扫协程
func NewResponseCache(defaultTTL time.Duration) *ResponseCache {
	c := &ResponseCache{
		entries:    make(map[string]responseEntry),
		ttls:       make(map[string]time.Duration),
		defaultTTL: defaultTTL,
		stopChan:   make(chan struct{}),
	}

	go c.janitor()
	return c
}

// SetOperationTTL 为指定操作设置独立的TTL
func (c *ResponseCache) SetOperationTTL(op string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttls[op] = ttl
}

func cacheKey(op string, params []string) string {
	if len(params) == 0 {
		return op
	}
	return op + "|" + strings.Join(params, "|")
}

// Get 读取缓存值，过期条目视为不存在
func (c *ResponseCache) Get(op string, params ...string) (interface{}, bool) {
	c.mu.RLock()
	entry, ok := c.entries[cacheKey(op, params)]
	c.mu.RUnlock()

	if !ok || !entry.expiresAt.After(time.Now()) {
		return nil, false
	}
	return entry.value, true
}

// Set 写入缓存值，TTL 取操作级配置或默认值
func (c *ResponseCache) Set(op string, value interface{}, params ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ttl, ok := c.ttls[op]
	if !ok {
		ttl = c.defaultTTL
	}
	c.entries[cacheKey(op, params)] = responseEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
}

// Invalidate 删除指定键的缓存
func (c *ResponseCache) Invalidate(op string, params ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(op, params))
}

// Close 停止清扫协程，幂等
func (c *ResponseCache) Close() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
}

// janitor 定期清除过期条目
func (c *ResponseCache) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			now := time.Now()
			removed := 0

			c.mu.Lock()
			for key, entry := range c.entries {
				if !entry.expiresAt.After(now) {
					delete(c.entries, key)
					removed++
				}
			}
			c.mu.Unlock()

			if removed > 0 {
				logger.Debug("响应缓存清扫完成", logger.Int("removed", removed))
			}
		}
	}
}
