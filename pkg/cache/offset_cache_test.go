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

import "testing"

func TestOffsetCacheEviction(t *testing.T) {
	probe := &cacheEntry{key: makeKey("g", "orders", 0)}
	cache := NewOffsetCache(2 * probe.cost())
	cache.Set("g", "orders", 0, CachedOffset{Offset: 1})
	if _, ok := cache.Get("g", "orders", 0); !ok {
		t.Fatalf("expected cache hit")
	}
	cache.Set("g", "orders", 1, CachedOffset{Offset: 2})
	if cache.Len() != 2 {
		t.Fatalf("expected two entries, got %d", cache.Len())
	}
	cache.Get("g", "orders", 0)
	cache.Set("g", "orders", 2, CachedOffset{Offset: 3}) // evicts partition 1, the least recently used

	if _, ok := cache.Get("g", "orders", 1); ok {
		t.Fatalf("least recently used entry should be evicted")
	}
	if got, ok := cache.Get("g", "orders", 2); !ok || got.Offset != 3 {
		t.Fatalf("new entry missing: %#v %v", got, ok)
	}
}

func TestOffsetCacheUpdateAndInvalidate(t *testing.T) {
	cache := NewOffsetCache(1 << 20)
	cache.Set("g1", "orders", 0, CachedOffset{Offset: 10, Metadata: "a"})
	cache.Set("g1", "orders", 0, CachedOffset{Offset: 11, Metadata: "b"})
	cache.Set("g1", "orders", 1, CachedOffset{Offset: 5})
	cache.Set("g2", "orders", 0, CachedOffset{Offset: 7})

	if got, _ := cache.Get("g1", "orders", 0); got.Offset != 11 || got.Metadata != "b" {
		t.Fatalf("update not applied: %#v", got)
	}
	cache.Invalidate("g1", "orders", 1)
	if _, ok := cache.Get("g1", "orders", 1); ok {
		t.Fatalf("expected invalidated entry to miss")
	}
	cache.InvalidateGroup("g1")
	if _, ok := cache.Get("g1", "orders", 0); ok {
		t.Fatalf("expected group entries to be dropped")
	}
	if _, ok := cache.Get("g2", "orders", 0); !ok {
		t.Fatalf("other groups must be untouched")
	}
	hits, misses := cache.Stats()
	if hits != 2 || misses != 2 {
		t.Fatalf("unexpected stats hits=%d misses=%d", hits, misses)
	}
}

func TestOffsetCacheFillLosesToConcurrentWrites(t *testing.T) {
	cache := NewOffsetCache(1 << 20)

	ticket := cache.BeginFill("g", "orders", 0)
	cache.Set("g", "orders", 0, CachedOffset{Offset: 7})
	if cache.CompleteFill(ticket, CachedOffset{Offset: 5}, true) {
		t.Fatalf("fill that started before a write must not install")
	}
	if got, _ := cache.Get("g", "orders", 0); got.Offset != 7 {
		t.Fatalf("expected newer value 7, got %d", got.Offset)
	}

	ticket = cache.BeginFill("g", "orders", 1)
	cache.Invalidate("g", "orders", 1)
	if cache.CompleteFill(ticket, CachedOffset{Offset: 1}, true) {
		t.Fatalf("fill must not survive an invalidate")
	}

	ticket = cache.BeginFill("g", "orders", 2)
	cache.InvalidateGroup("g")
	if cache.CompleteFill(ticket, CachedOffset{Offset: 1}, true) {
		t.Fatalf("fill must not survive a group invalidate")
	}

	ticket = cache.BeginFill("g", "orders", 3)
	if cache.CompleteFill(ticket, CachedOffset{}, false) {
		t.Fatalf("missing offsets are not cached")
	}
	if _, ok := cache.Get("g", "orders", 3); ok {
		t.Fatalf("expected miss for a not-found fill")
	}
}

func TestOffsetCacheFillInstallsUncontendedRead(t *testing.T) {
	cache := NewOffsetCache(1 << 20)
	first := cache.BeginFill("g", "orders", 0)
	second := cache.BeginFill("g", "orders", 0)
	if !cache.CompleteFill(first, CachedOffset{Offset: 9, Metadata: "m"}, true) {
		t.Fatalf("expected uncontended fill to install")
	}
	if !cache.CompleteFill(second, CachedOffset{Offset: 9, Metadata: "m"}, true) {
		t.Fatalf("expected second reader of the same value to install")
	}
	if got, ok := cache.Get("g", "orders", 0); !ok || got.Offset != 9 || got.Metadata != "m" {
		t.Fatalf("unexpected cached value %#v %v", got, ok)
	}
	cache.mu.Lock()
	pending := len(cache.fills)
	cache.mu.Unlock()
	if pending != 0 {
		t.Fatalf("completed fills should be released, %d left", pending)
	}
}
