// Package cache provides a weight bounded LRU cache.
package cache

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrKeyExists is returned when inserting a key already held by the cache.
var ErrKeyExists = errors.New("key already exists in cache")

// Cache holds entries until their combined weight exceeds the budget, at which
// point the least recently used entries are evicted. It is safe for
// concurrent use.
type Cache[K comparable, V any] struct {
	log *logrus.Entry

	mu      sync.Mutex
	entries map[K]*entry[K, V]
	// Sentinel of a circular list, most recently used first.
	root   entry[K, V]
	weight int
	budget int
}

type entry[K comparable, V any] struct {
	prev, next *entry[K, V]
	key        K
	value      V
	weight     int
}

// New returns an empty cache with the given weight budget.
func New[K comparable, V any](budget int) *Cache[K, V] {
	c := &Cache[K, V]{
		log:     logrus.StandardLogger().WithField("type", "cache"),
		entries: make(map[K]*entry[K, V]),
		budget:  budget,
	}
	c.root.next = &c.root
	c.root.prev = &c.root
	return c
}

// Weight returns the combined weight of the held entries.
func (c *Cache[K, V]) Weight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.weight
}

// Len returns the number of held entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Insert adds key, evicting as needed to stay within budget. An entry heavier
// than the whole budget is evicted immediately.
func (c *Cache[K, V]) Insert(key K, value V, weight int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		return ErrKeyExists
	}
	c.insert(key, value, weight)
	return nil
}

// Get returns the value for key and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.touch(e)
	return e.value, true
}

// GetOrInsert returns the value for key, inserting the result of create with
// the given weight if the key is absent.
func (c *Cache[K, V]) GetOrInsert(key K, weight int, create func() V) V {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.touch(e)
		return e.value
	}

	value := create()
	c.insert(key, value, weight)
	return value
}

// Clear removes every entry.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[K]*entry[K, V])
	c.root.next = &c.root
	c.root.prev = &c.root
	c.weight = 0
}

func (c *Cache[K, V]) insert(key K, value V, weight int) {
	e := &entry[K, V]{key: key, value: value, weight: weight}
	c.link(e)
	c.entries[key] = e
	c.weight += weight

	for c.weight > c.budget && c.root.prev != &c.root {
		oldest := c.root.prev
		c.unlink(oldest)
		delete(c.entries, oldest.key)
		c.weight -= oldest.weight

		if c.log.Logger.IsLevelEnabled(logrus.TraceLevel) {
			c.log.WithFields(logrus.Fields{
				"key":    oldest.key,
				"weight": oldest.weight,
				"spare":  c.budget - c.weight,
			}).Trace("evicted cache entry")
		}
	}
}

func (c *Cache[K, V]) touch(e *entry[K, V]) {
	if c.root.next == e {
		return
	}
	c.unlink(e)
	c.link(e)
}

func (c *Cache[K, V]) link(e *entry[K, V]) {
	e.prev = &c.root
	e.next = c.root.next
	c.root.next.prev = e
	c.root.next = e
}

func (c *Cache[K, V]) unlink(e *entry[K, V]) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev, e.next = nil, nil
}
