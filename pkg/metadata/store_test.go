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

package metadata

import (
	"context"
	"testing"
)

func TestInMemoryStoreConsumerOffsets(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	if _, ok, err := store.FetchConsumerOffset(ctx, "group-1", "orders", 0); err != nil || ok {
		t.Fatalf("expected no committed offset, ok=%v err=%v", ok, err)
	}
	if err := store.CommitConsumerOffset(ctx, "group-1", "orders", 0, 12, "meta"); err != nil {
		t.Fatalf("CommitConsumerOffset: %v", err)
	}
	if err := store.CommitConsumerOffset(ctx, "group-1", "orders", 0, 15, "meta-2"); err != nil {
		t.Fatalf("CommitConsumerOffset: %v", err)
	}
	stored, ok, err := store.FetchConsumerOffset(ctx, "group-1", "orders", 0)
	if err != nil || !ok {
		t.Fatalf("FetchConsumerOffset: ok=%v err=%v", ok, err)
	}
	if stored.Offset != 15 || stored.Metadata != "meta-2" {
		t.Fatalf("expected last write to win, got %#v", stored)
	}
	if stored.CommittedAt.IsZero() {
		t.Fatalf("expected commit timestamp")
	}
	if _, ok, _ := store.FetchConsumerOffset(ctx, "group-2", "orders", 0); ok {
		t.Fatalf("offsets leaked across groups")
	}
}

func TestInMemoryStoreConsumerGroups(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	group := &ConsumerGroup{
		GroupID:      "group-1",
		State:        "stable",
		GenerationID: 4,
		Members: map[string]*GroupMember{
			"member-a": {ClientID: "client-a", SessionTimeoutMs: 10000, Assignment: []byte{1, 2}},
		},
	}
	if err := store.PutConsumerGroup(ctx, group); err != nil {
		t.Fatalf("PutConsumerGroup: %v", err)
	}
	group.Members["member-a"].Assignment[0] = 9

	loaded, err := store.FetchConsumerGroup(ctx, "group-1")
	if err != nil {
		t.Fatalf("FetchConsumerGroup: %v", err)
	}
	if loaded.GenerationID != 4 || loaded.Members["member-a"].Assignment[0] != 1 {
		t.Fatalf("stored group was not isolated from caller: %#v", loaded.Members["member-a"])
	}
	if err := store.PutConsumerGroup(ctx, &ConsumerGroup{GroupID: "group-0"}); err != nil {
		t.Fatalf("PutConsumerGroup: %v", err)
	}
	groups, err := store.ListConsumerGroups(ctx)
	if err != nil {
		t.Fatalf("ListConsumerGroups: %v", err)
	}
	if len(groups) != 2 || groups[0].GroupID != "group-0" {
		t.Fatalf("unexpected group listing: %#v", groups)
	}
	if err := store.DeleteConsumerGroup(ctx, "group-1"); err != nil {
		t.Fatalf("DeleteConsumerGroup: %v", err)
	}
	if loaded, _ := store.FetchConsumerGroup(ctx, "group-1"); loaded != nil {
		t.Fatalf("expected group to be removed")
	}
	if err := store.PutConsumerGroup(ctx, &ConsumerGroup{}); err != ErrInvalidGroup {
		t.Fatalf("expected ErrInvalidGroup, got %v", err)
	}
}

func TestInMemoryStoreHonorsCanceledContext(t *testing.T) {
	store := NewInMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.CommitConsumerOffset(ctx, "g", "t", 0, 1, ""); err == nil {
		t.Fatalf("expected canceled context error")
	}
	if err := store.Ping(ctx); err == nil {
		t.Fatalf("expected ping to fail on canceled context")
	}
}
