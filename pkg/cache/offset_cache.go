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

package cache

import (
	"container/list"
	"fmt"
	"sync"
)

// entryOverhead approximates the per-entry bookkeeping cost so tiny metadata strings still count.
const entryOverhead = 64

// CachedOffset is a committed offset held in memory.
type CachedOffset struct {
	Offset   int64
	Metadata string
}

// OffsetCache is a byte-bounded LRU of committed offsets keyed by group/topic/partition.
type OffsetCache struct {
	mu       sync.Mutex
	capacity int
	size     int
	ll       *list.List
	items    map[string]*list.Element
	hits     uint64
	misses   uint64
	fills    map[string]*pendingFill
}

// pendingFill tracks store reads in flight for one key. version moves on
// every write so a read that started before it cannot install its result.
type pendingFill struct {
	group   string
	refs    int
	version uint64
}

// FillTicket is handed out by BeginFill and redeemed by CompleteFill.
type FillTicket struct {
	key     string
	group   string
	version uint64
}

type cacheEntry struct {
	key    string
	group  string
	offset CachedOffset
}

// NewOffsetCache creates a cache with capacity in bytes.
func NewOffsetCache(capacityBytes int) *OffsetCache {
	if capacityBytes <= 0 {
		capacityBytes = 1
	}
	return &OffsetCache{
		capacity: capacityBytes,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		fills:    make(map[string]*pendingFill),
	}
}

func makeKey(group, topic string, partition int32) string {
	return fmt.Sprintf("%s:%s:%d", group, topic, partition)
}

func (e *cacheEntry) cost() int {
	return len(e.key) + len(e.offset.Metadata) + entryOverhead
}

// Get returns the cached offset if present.
func (c *OffsetCache) Get(group, topic string, partition int32) (CachedOffset, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[makeKey(group, topic, partition)]; ok {
		c.ll.MoveToFront(elem)
		c.hits++
		return elem.Value.(*cacheEntry).offset, true
	}
	c.misses++
	return CachedOffset{}, false
}

// Set adds or updates a cache entry.
func (c *OffsetCache) Set(group, topic string, partition int32, offset CachedOffset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := makeKey(group, topic, partition)
	c.bumpFill(key)
	c.setLocked(key, group, offset)
}

func (c *OffsetCache) setLocked(key, group string, offset CachedOffset) {
	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*cacheEntry)
		c.size -= entry.cost()
		entry.offset = offset
		c.size += entry.cost()
		c.ll.MoveToFront(elem)
		c.evictIfNeeded()
		return
	}
	entry := &cacheEntry{key: key, group: group, offset: offset}
	elem := c.ll.PushFront(entry)
	c.items[key] = elem
	c.size += entry.cost()
	c.evictIfNeeded()
}

// Invalidate drops a single entry, used when a write's outcome is unknown.
func (c *OffsetCache) Invalidate(group, topic string, partition int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := makeKey(group, topic, partition)
	c.bumpFill(key)
	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// InvalidateGroup drops every entry belonging to group.
func (c *OffsetCache) InvalidateGroup(group string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, fill := range c.fills {
		if fill.group == group {
			fill.version++
		}
	}
	for elem := c.ll.Front(); elem != nil; {
		next := elem.Next()
		if elem.Value.(*cacheEntry).group == group {
			c.removeElement(elem)
		}
		elem = next
	}
}

// BeginFill registers a store read for a key that missed. Every BeginFill
// must be paired with CompleteFill.
func (c *OffsetCache) BeginFill(group, topic string, partition int32) FillTicket {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := makeKey(group, topic, partition)
	fill, ok := c.fills[key]
	if !ok {
		fill = &pendingFill{group: group}
		c.fills[key] = fill
	}
	fill.refs++
	return FillTicket{key: key, group: group, version: fill.version}
}

// CompleteFill caches offset when found is set and no Set, Invalidate or
// InvalidateGroup touched the key since the ticket was issued. It reports
// whether the value was installed.
func (c *OffsetCache) CompleteFill(ticket FillTicket, offset CachedOffset, found bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	fill, ok := c.fills[ticket.key]
	if !ok {
		return false
	}
	fill.refs--
	if fill.refs <= 0 {
		delete(c.fills, ticket.key)
	}
	if !found || fill.version != ticket.version {
		return false
	}
	c.setLocked(ticket.key, ticket.group, offset)
	return true
}

func (c *OffsetCache) bumpFill(key string) {
	if fill, ok := c.fills[key]; ok {
		fill.version++
	}
}

// Stats reports hit and miss counters since creation.
func (c *OffsetCache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Len returns the number of cached entries.
func (c *OffsetCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *OffsetCache) removeElement(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
	c.ll.Remove(elem)
	c.size -= entry.cost()
}

func (c *OffsetCache) evictIfNeeded() {
	for c.size > c.capacity && c.ll.Len() > 0 {
		c.removeElement(c.ll.Back())
	}
}
