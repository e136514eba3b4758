// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache provides the TTL-bounded LRU the pull pipeline uses to
// dampen repeated pulls against partitions this broker does not own.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// PullKey identifies one negative-cache slot.
type PullKey struct {
	Group   string
	Topic   string
	QueueID int32
}

// PullCache is a bounded LRU of "nothing owned here" markers with a TTL.
type PullCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	ll       *list.List
	items    map[PullKey]*list.Element
}

type pullEntry struct {
	key      PullKey
	expireAt time.Time
}

// NewPullCache creates a cache holding up to capacity markers, each valid
// for ttl.
func NewPullCache(capacity int, ttl time.Duration) *PullCache {
	if capacity <= 0 {
		capacity = 1
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &PullCache{
		capacity: capacity,
		ttl:      ttl,
		ll:       list.New(),
		items:    make(map[PullKey]*list.Element),
	}
}

// Put marks a key, refreshing its TTL if already present.
func (c *PullCache) Put(key PullKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		elem.Value.(*pullEntry).expireAt = time.Now().Add(c.ttl)
		c.ll.MoveToFront(elem)
		return
	}
	elem := c.ll.PushFront(&pullEntry{key: key, expireAt: time.Now().Add(c.ttl)})
	c.items[key] = elem
	c.evictIfNeeded()
}

// Contains reports whether a live marker exists for the key; expired
// markers are dropped on lookup.
func (c *PullCache) Contains(key PullKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		return false
	}
	entry := elem.Value.(*pullEntry)
	if time.Now().After(entry.expireAt) {
		delete(c.items, key)
		c.ll.Remove(elem)
		return false
	}
	c.ll.MoveToFront(elem)
	return true
}

// Remove drops a marker, typically when new data arrives for the key.
func (c *PullCache) Remove(key PullKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		delete(c.items, key)
		c.ll.Remove(elem)
	}
}

// Len returns the number of markers currently held.
func (c *PullCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *PullCache) evictIfNeeded() {
	for c.ll.Len() > c.capacity {
		elem := c.ll.Back()
		entry := elem.Value.(*pullEntry)
		delete(c.items, entry.key)
		c.ll.Remove(elem)
	}
}
