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

package broker

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

const defaultGroupShards = 64

// GroupMetadataTable is the in-memory registry of consumer groups. Groups are
// spread over independently locked shards, and every group carries its own
// mutex, so operations on different groups never contend while operations on
// the same group are serialized.
type GroupMetadataTable struct {
	shards  []*groupShard
	loading atomic.Bool
}

type groupShard struct {
	mu     sync.Mutex
	groups map[string]*groupEntry
}

// groupEntry owns one group's state. The state is only touched while mu is held.
type groupEntry struct {
	mu      sync.Mutex
	id      string
	removed bool
	state   *groupState
}

// NewGroupMetadataTable builds a table with the given shard count.
func NewGroupMetadataTable(shards int) *GroupMetadataTable {
	if shards <= 0 {
		shards = defaultGroupShards
	}
	t := &GroupMetadataTable{shards: make([]*groupShard, shards)}
	for i := range t.shards {
		t.shards[i] = &groupShard{groups: make(map[string]*groupEntry)}
	}
	return t
}

func (t *GroupMetadataTable) shardFor(groupID string) *groupShard {
	return t.shards[xxhash.Sum64String(groupID)%uint64(len(t.shards))]
}

// SetLoading toggles the bootstrap flag checked by every group-scoped request.
func (t *GroupMetadataTable) SetLoading(loading bool) {
	t.loading.Store(loading)
}

// Loading reports whether group metadata is still being restored.
func (t *GroupMetadataTable) Loading() bool {
	return t.loading.Load()
}

// acquire returns the locked entry for groupID. When create is set a missing
// group is registered in the Empty phase; otherwise nil is returned for
// unknown groups. The caller must call release.
func (t *GroupMetadataTable) acquire(groupID string, create bool) *groupEntry {
	shard := t.shardFor(groupID)
	for {
		shard.mu.Lock()
		entry, ok := shard.groups[groupID]
		if !ok {
			if !create {
				shard.mu.Unlock()
				return nil
			}
			entry = &groupEntry{id: groupID, state: newGroupState(groupID)}
			shard.groups[groupID] = entry
		}
		shard.mu.Unlock()

		entry.mu.Lock()
		if !entry.removed {
			return entry
		}
		// Lost a race with removal; the shard no longer points at this entry.
		entry.mu.Unlock()
	}
}

// put installs a restored group, replacing any existing entry.
func (t *GroupMetadataTable) put(state *groupState) {
	shard := t.shardFor(state.id)
	shard.mu.Lock()
	old := shard.groups[state.id]
	shard.groups[state.id] = &groupEntry{id: state.id, state: state}
	shard.mu.Unlock()
	if old != nil {
		old.mu.Lock()
		old.removed = true
		old.mu.Unlock()
	}
}

func (e *groupEntry) release() {
	e.mu.Unlock()
}

// remove unregisters a locked entry. The entry lock is held by the caller, and
// shard locks are never held while waiting on an entry lock, so the order is safe.
func (t *GroupMetadataTable) remove(entry *groupEntry) {
	shard := t.shardFor(entry.id)
	shard.mu.Lock()
	if shard.groups[entry.id] == entry {
		delete(shard.groups, entry.id)
	}
	shard.mu.Unlock()
	entry.removed = true
}

// GroupIDs returns a sorted snapshot of registered group ids.
func (t *GroupMetadataTable) GroupIDs() []string {
	ids := make([]string, 0)
	for _, shard := range t.shards {
		shard.mu.Lock()
		for id := range shard.groups {
			ids = append(ids, id)
		}
		shard.mu.Unlock()
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered groups.
func (t *GroupMetadataTable) Len() int {
	n := 0
	for _, shard := range t.shards {
		shard.mu.Lock()
		n += len(shard.groups)
		shard.mu.Unlock()
	}
	return n
}
