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
	"fmt"
	"os"
	"testing"
	"time"
)

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("KAFSCALE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("KAFSCALE_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPostgresStoreConsumerOffsets(t *testing.T) {
	store := newTestPostgresStore(t)
	ctx := context.Background()
	group := fmt.Sprintf("pg-group-%d", time.Now().UnixNano())

	if err := store.CommitConsumerOffset(ctx, group, "orders", 0, 5, "a"); err != nil {
		t.Fatalf("CommitConsumerOffset: %v", err)
	}
	if err := store.CommitConsumerOffset(ctx, group, "orders", 0, 9, "b"); err != nil {
		t.Fatalf("CommitConsumerOffset: %v", err)
	}
	stored, ok, err := store.FetchConsumerOffset(ctx, group, "orders", 0)
	if err != nil || !ok {
		t.Fatalf("FetchConsumerOffset: ok=%v err=%v", ok, err)
	}
	if stored.Offset != 9 || stored.Metadata != "b" {
		t.Fatalf("unexpected offset: %#v", stored)
	}
}

func TestPostgresStoreConsumerGroups(t *testing.T) {
	store := newTestPostgresStore(t)
	ctx := context.Background()
	groupID := fmt.Sprintf("pg-group-%d", time.Now().UnixNano())

	if err := store.PutConsumerGroup(ctx, &ConsumerGroup{GroupID: groupID, State: "empty", GenerationID: 2}); err != nil {
		t.Fatalf("PutConsumerGroup: %v", err)
	}
	loaded, err := store.FetchConsumerGroup(ctx, groupID)
	if err != nil || loaded == nil || loaded.GenerationID != 2 {
		t.Fatalf("FetchConsumerGroup: %#v %v", loaded, err)
	}
	if err := store.DeleteConsumerGroup(ctx, groupID); err != nil {
		t.Fatalf("DeleteConsumerGroup: %v", err)
	}
	if loaded, _ := store.FetchConsumerGroup(ctx, groupID); loaded != nil {
		t.Fatalf("expected deleted group")
	}
}
