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
	"errors"
	"sort"
	"sync"
	"time"
)

// StoredOffset is the durable checkpoint for one (group, topic, partition).
type StoredOffset struct {
	Offset      int64
	Metadata    string
	CommittedAt time.Time
}

// OffsetStore persists consumer group offsets. Writes are last-writer-wins per
// (group, topic, partition).
type OffsetStore interface {
	// CommitConsumerOffset persists a consumer group offset.
	CommitConsumerOffset(ctx context.Context, group, topic string, partition int32, offset int64, metadata string) error
	// FetchConsumerOffset retrieves the committed offset for a consumer group partition.
	// The boolean is false when nothing was committed yet.
	FetchConsumerOffset(ctx context.Context, group, topic string, partition int32) (StoredOffset, bool, error)
}

// GroupStore persists consumer group snapshots so a restarted coordinator keeps
// generations and membership.
type GroupStore interface {
	// PutConsumerGroup persists consumer group metadata.
	PutConsumerGroup(ctx context.Context, group *ConsumerGroup) error
	// FetchConsumerGroup retrieves consumer group metadata, or nil when absent.
	FetchConsumerGroup(ctx context.Context, groupID string) (*ConsumerGroup, error)
	// DeleteConsumerGroup removes consumer group metadata.
	DeleteConsumerGroup(ctx context.Context, groupID string) error
	// ListConsumerGroups returns every persisted group snapshot.
	ListConsumerGroups(ctx context.Context) ([]*ConsumerGroup, error)
}

// Store is the full persistence surface used by the broker.
type Store interface {
	OffsetStore
	GroupStore
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
}

var (
	// ErrStoreUnavailable is returned when the metadata store cannot be reached.
	ErrStoreUnavailable = errors.New("metadata store unavailable")
	// ErrInvalidGroup is returned for snapshots without a group id.
	ErrInvalidGroup = errors.New("consumer group id required")
)

// InMemoryStore is a Store backed by in-process state. Useful for single-broker development and tests.
type InMemoryStore struct {
	mu              sync.RWMutex
	consumerOffsets map[string]StoredOffset
	consumerGroups  map[string]*ConsumerGroup
	now             func() time.Time
}

// NewInMemoryStore builds an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		consumerOffsets: make(map[string]StoredOffset),
		consumerGroups:  make(map[string]*ConsumerGroup),
		now:             time.Now,
	}
}

func consumerKey(group, topic string, partition int32) string {
	return ConsumerOffsetKey(group, topic, partition)
}

// CommitConsumerOffset implements OffsetStore.
func (s *InMemoryStore) CommitConsumerOffset(ctx context.Context, group, topic string, partition int32, offset int64, metadata string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumerOffsets[consumerKey(group, topic, partition)] = StoredOffset{
		Offset:      offset,
		Metadata:    metadata,
		CommittedAt: s.now().UTC(),
	}
	return nil
}

// FetchConsumerOffset implements OffsetStore.
func (s *InMemoryStore) FetchConsumerOffset(ctx context.Context, group, topic string, partition int32) (StoredOffset, bool, error) {
	if err := ctx.Err(); err != nil {
		return StoredOffset{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.consumerOffsets[consumerKey(group, topic, partition)]
	return stored, ok, nil
}

// PutConsumerGroup implements GroupStore.
func (s *InMemoryStore) PutConsumerGroup(ctx context.Context, group *ConsumerGroup) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if group == nil || group.GroupID == "" {
		return ErrInvalidGroup
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumerGroups[group.GroupID] = group.Clone()
	return nil
}

// FetchConsumerGroup implements GroupStore.
func (s *InMemoryStore) FetchConsumerGroup(ctx context.Context, groupID string) (*ConsumerGroup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, ok := s.consumerGroups[groupID]
	if !ok {
		return nil, nil
	}
	return group.Clone(), nil
}

// DeleteConsumerGroup implements GroupStore.
func (s *InMemoryStore) DeleteConsumerGroup(ctx context.Context, groupID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.consumerGroups, groupID)
	return nil
}

// ListConsumerGroups implements GroupStore. Groups are sorted by id.
func (s *InMemoryStore) ListConsumerGroups(ctx context.Context) ([]*ConsumerGroup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ConsumerGroup, 0, len(s.consumerGroups))
	for _, group := range s.consumerGroups {
		out = append(out, group.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out, nil
}

// Ping implements Store.
func (s *InMemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}
