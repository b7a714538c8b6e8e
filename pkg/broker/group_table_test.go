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
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestGroupTableAcquire(t *testing.T) {
	table := NewGroupMetadataTable(4)
	if entry := table.acquire("missing", false); entry != nil {
		t.Fatalf("expected nil for unknown group without create")
	}
	entry := table.acquire("g1", true)
	if entry == nil || entry.state.phase != groupStateEmpty {
		t.Fatalf("expected new empty group, got %+v", entry)
	}
	entry.release()

	again := table.acquire("g1", false)
	if again != entry {
		t.Fatalf("expected the same entry back")
	}
	table.remove(again)
	again.release()
	if table.Len() != 0 {
		t.Fatalf("expected empty table after remove, got %d", table.Len())
	}
	if entry := table.acquire("g1", false); entry != nil {
		t.Fatalf("removed group should not be returned")
	}
}

func TestGroupTableWaiterSkipsRemovedEntry(t *testing.T) {
	table := NewGroupMetadataTable(1)
	holder := table.acquire("g1", true)

	got := make(chan *groupEntry, 1)
	go func() {
		got <- table.acquire("g1", true)
	}()
	time.Sleep(20 * time.Millisecond)
	table.remove(holder)
	holder.release()

	fresh := <-got
	defer fresh.release()
	if fresh == holder || fresh.removed {
		t.Fatalf("waiter should receive a fresh entry")
	}
	if table.Len() != 1 {
		t.Fatalf("expected the recreated group, got %d", table.Len())
	}
}

func TestGroupTablePutReplacesEntry(t *testing.T) {
	table := NewGroupMetadataTable(2)
	old := table.acquire("g1", true)
	old.release()

	restored := newGroupState("g1")
	restored.generationID = 9
	table.put(restored)

	entry := table.acquire("g1", false)
	defer entry.release()
	if entry.state.generationID != 9 {
		t.Fatalf("expected restored state, got generation %d", entry.state.generationID)
	}
	if !old.removed {
		t.Fatalf("replaced entry should be marked removed")
	}
}

func TestGroupTableIDsSortedAcrossShards(t *testing.T) {
	table := NewGroupMetadataTable(8)
	for _, id := range []string{"c", "a", "b", "e", "d"} {
		table.acquire(id, true).release()
	}
	ids := table.GroupIDs()
	want := []string{"a", "b", "c", "d", "e"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Fatalf("expected %v got %v", want, ids)
	}
}

func TestGroupTableSerializesSameGroup(t *testing.T) {
	table := NewGroupMetadataTable(16)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				entry := table.acquire("hot", true)
				entry.state.generationID++
				entry.release()
			}
		}()
	}
	wg.Wait()
	entry := table.acquire("hot", false)
	defer entry.release()
	if entry.state.generationID != 1600 {
		t.Fatalf("lost updates: generation %d", entry.state.generationID)
	}
}

func TestGroupTableLoadingFlag(t *testing.T) {
	table := NewGroupMetadataTable(0)
	if table.Loading() {
		t.Fatalf("new table should not be loading")
	}
	table.SetLoading(true)
	if !table.Loading() {
		t.Fatalf("expected loading")
	}
}
