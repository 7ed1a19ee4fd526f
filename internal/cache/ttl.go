// Package cache provides a small generic TTL cache used to memoize expensive
// lookups against external services.
package cache

import (
	"container/list"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
)

type entry[K comparable, V any] struct {
	key      K
	value    V
	inserted time.Time
}

// TTL is a key/value cache whose entries expire a fixed timeout after they
// were set. Expiry is lazy: expired entries are dropped from the oldest end of
// the insertion order whenever the cache is accessed, so each expired entry is
// visited at most once. A TTL is safe for concurrent use.
type TTL[K comparable, V any] struct {
	mu      sync.Mutex
	timeout time.Duration
	maxSize int
	clock   clock.Clock
	order   *list.List
	items   map[K]*list.Element

	// examined counts entries inspected by expire; tests read it
	examined int
}

// Option configures a TTL cache
type Option func(*options)

type options struct {
	clock   clock.Clock
	maxSize int
}

// WithClock overrides the time source
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithMaxSize bounds the number of live entries; the oldest entry is evicted
// when the bound is exceeded. Zero means unbounded.
func WithMaxSize(n int) Option {
	return func(o *options) {
		o.maxSize = n
	}
}

// NewTTL creates a cache whose entries live for timeout
func NewTTL[K comparable, V any](timeout time.Duration, opts ...Option) *TTL[K, V] {
	o := options{clock: clock.NewClock()}
	for _, opt := range opts {
		opt(&o)
	}
	return &TTL[K, V]{
		timeout: timeout,
		maxSize: o.maxSize,
		clock:   o.clock,
		order:   list.New(),
		items:   make(map[K]*list.Element),
	}
}

// Get returns the value stored for key if it has not expired
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expire(c.clock.Now())

	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	return el.Value.(*entry[K, V]).value, true
}

// Set stores value for key, restarting its timeout
func (c *TTL[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	c.expire(now)

	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
	c.items[key] = c.order.PushBack(&entry[K, V]{key: key, value: value, inserted: now})

	if c.maxSize > 0 {
		for c.order.Len() > c.maxSize {
			c.removeElement(c.order.Front())
		}
	}
}

// Delete removes key from the cache
func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// Len returns the number of entries currently held, expired or not
func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// expire drops entries older than the timeout. Entries are kept in insertion
// order so the walk stops at the first live entry.
func (c *TTL[K, V]) expire(now time.Time) {
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		c.examined++
		e := el.Value.(*entry[K, V])
		if now.Sub(e.inserted) < c.timeout {
			return
		}
		c.removeElement(el)
	}
}

func (c *TTL[K, V]) removeElement(el *list.Element) {
	e := el.Value.(*entry[K, V])
	c.order.Remove(el)
	delete(c.items, e.key)
}
