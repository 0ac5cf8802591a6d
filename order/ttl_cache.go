package order

import (
	"container/list"
	"time"
)

const (
	DefaultCacheSize = 1000
	DefaultCacheTTL  = 30 * time.Second
)

// TTLCache 有容量上限、按插入顺序淘汰、带过期时间的缓存。
// 过期项在 Set/Get/Len 时惰性清理；非并发安全，由调用方加锁。
type TTLCache[K comparable, V any] struct {
	maxSize int
	ttl     time.Duration
	now     func() time.Time

	order *list.List // front = 最老
	items map[K]*list.Element
}

type ttlEntry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// NewTTLCache maxSize/ttl <=0 时使用默认值；now 为 nil 时使用 time.Now。
func NewTTLCache[K comparable, V any](maxSize int, ttl time.Duration, now func() time.Time) *TTLCache[K, V] {
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if now == nil {
		now = time.Now
	}
	return &TTLCache[K, V]{
		maxSize: maxSize,
		ttl:     ttl,
		now:     now,
		order:   list.New(),
		items:   make(map[K]*list.Element),
	}
}

// Set 插入或刷新（移到队尾并重置过期时间）。
func (c *TTLCache[K, V]) Set(key K, value V) {
	now := c.now()
	c.expire(now)
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
	for c.order.Len() >= c.maxSize {
		c.removeElement(c.order.Front())
	}
	el := c.order.PushBack(&ttlEntry[K, V]{key: key, value: value, expiresAt: now.Add(c.ttl)})
	c.items[key] = el
}

func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.expire(c.now())
	el, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	return el.Value.(*ttlEntry[K, V]).value, true
}

func (c *TTLCache[K, V]) Delete(key K) {
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

func (c *TTLCache[K, V]) Len() int {
	c.expire(c.now())
	return c.order.Len()
}

// Range 按插入顺序遍历未过期项，fn 返回 false 时停止。
func (c *TTLCache[K, V]) Range(fn func(key K, value V) bool) {
	c.expire(c.now())
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*ttlEntry[K, V])
		if !fn(e.key, e.value) {
			return
		}
	}
}

// expire 插入顺序即过期顺序（ttl 固定），从队首清理即可。
func (c *TTLCache[K, V]) expire(now time.Time) {
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		if el.Value.(*ttlEntry[K, V]).expiresAt.After(now) {
			return
		}
		c.removeElement(el)
	}
}

func (c *TTLCache[K, V]) removeElement(el *list.Element) {
	e := el.Value.(*ttlEntry[K, V])
	c.order.Remove(el)
	delete(c.items, e.key)
}
