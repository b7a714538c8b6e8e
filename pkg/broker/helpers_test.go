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
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/novatechflow/kafscale-coordinator/pkg/cache"
	"github.com/novatechflow/kafscale-coordinator/pkg/metadata"
	"github.com/novatechflow/kafscale-coordinator/pkg/protocol"
	"github.com/twmb/franz-go/pkg/kmsg"
)

var testHeader = &protocol.RequestHeader{ClientID: kmsg.StringPtr("tester")}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCoordinator(t *testing.T, store metadata.Store) *GroupCoordinator {
	t.Helper()
	c := NewGroupCoordinator(store, protocol.MetadataBroker{NodeID: 1, Host: "127.0.0.1", Port: 19092}, &CoordinatorConfig{
		CleanupInterval:   time.Hour,
		EmptyGroupTTL:     time.Minute,
		MinSessionTimeout: time.Second,
		StoreTimeout:      time.Second,
		Cache:             cache.NewOffsetCache(1 << 20),
		Logger:            quietLogger(),
	})
	t.Cleanup(c.Stop)
	return c
}

func consumerMetadata(topics ...string) []byte {
	meta := kmsg.NewConsumerMemberMetadata()
	meta.Topics = topics
	return meta.AppendTo(nil)
}

func consumerAssignment(topic string, partitions ...int32) []byte {
	assignment := kmsg.NewConsumerMemberAssignment()
	t := kmsg.NewConsumerMemberAssignmentTopic()
	t.Topic = topic
	t.Partitions = partitions
	assignment.Topics = append(assignment.Topics, t)
	return assignment.AppendTo(nil)
}

func joinRequest(group, memberID string, topics ...string) *kmsg.JoinGroupRequest {
	req := kmsg.NewPtrJoinGroupRequest()
	req.Version = 5
	req.Group = group
	req.MemberID = memberID
	req.SessionTimeoutMillis = 10000
	req.RebalanceTimeoutMillis = 10000
	req.ProtocolType = "consumer"
	p := kmsg.NewJoinGroupRequestProtocol()
	p.Name = "range"
	p.Metadata = consumerMetadata(topics...)
	req.Protocols = append(req.Protocols, p)
	return req
}

func syncRequest(group, memberID string, generation int32, assignments map[string][]byte) *kmsg.SyncGroupRequest {
	req := kmsg.NewPtrSyncGroupRequest()
	req.Version = 3
	req.Group = group
	req.MemberID = memberID
	req.Generation = generation
	for id, data := range assignments {
		a := kmsg.NewSyncGroupRequestGroupAssignment()
		a.MemberID = id
		a.MemberAssignment = data
		req.GroupAssignment = append(req.GroupAssignment, a)
	}
	return req
}

func heartbeatRequest(group, memberID string, generation int32) *kmsg.HeartbeatRequest {
	req := kmsg.NewPtrHeartbeatRequest()
	req.Version = 3
	req.Group = group
	req.MemberID = memberID
	req.Generation = generation
	return req
}

// stableSingleMember joins and syncs one member and returns its id and generation.
func stableSingleMember(t *testing.T, c *GroupCoordinator, group string) (string, int32) {
	t.Helper()
	ctx := context.Background()
	join := c.JoinGroup(ctx, testHeader, joinRequest(group, "", "orders"))
	if join.ErrorCode != protocol.NONE {
		t.Fatalf("join: %s", protocol.ErrorName(join.ErrorCode))
	}
	synced := c.SyncGroup(ctx, syncRequest(group, join.MemberID, join.Generation, map[string][]byte{
		join.MemberID: consumerAssignment("orders", 0, 1),
	}))
	if synced.ErrorCode != protocol.NONE {
		t.Fatalf("sync: %s", protocol.ErrorName(synced.ErrorCode))
	}
	return join.MemberID, join.Generation
}

// seedStableGroup persists a stable group and loads it into c.
func seedStableGroup(t *testing.T, c *GroupCoordinator, store metadata.Store, group, member string, generation int32, state string) {
	t.Helper()
	ctx := context.Background()
	err := store.PutConsumerGroup(ctx, &metadata.ConsumerGroup{
		GroupID:      group,
		State:        state,
		ProtocolType: "consumer",
		Protocol:     "range",
		Leader:       member,
		GenerationID: generation,
		Members: map[string]*metadata.GroupMember{
			member: {
				ClientID:         "tester",
				SessionTimeoutMs: 10000,
				Protocols:        []metadata.MemberProtocol{{Name: "range", Metadata: consumerMetadata("orders")}},
			},
		},
	})
	if err != nil {
		t.Fatalf("seed group: %v", err)
	}
	if err := c.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
}

// faultyStore injects failures into an in-memory store.
type faultyStore struct {
	*metadata.InMemoryStore

	mu         sync.Mutex
	commitErrs map[string]error
	putErr     error
	commits    int

	commitEntered chan struct{}
	commitRelease chan struct{}

	// fetchRead, when set, parks the next offset read after it has read the
	// store until fetchRelease is closed.
	fetchRead    chan struct{}
	fetchRelease chan struct{}
}

func newFaultyStore() *faultyStore {
	return &faultyStore{
		InMemoryStore: metadata.NewInMemoryStore(),
		commitErrs:    make(map[string]error),
	}
}

func (s *faultyStore) failTopic(topic string, err error) {
	s.mu.Lock()
	s.commitErrs[topic] = err
	s.mu.Unlock()
}

func (s *faultyStore) CommitConsumerOffset(ctx context.Context, group, topic string, partition int32, offset int64, meta string) error {
	if s.commitEntered != nil {
		s.commitEntered <- struct{}{}
		<-s.commitRelease
	}
	s.mu.Lock()
	s.commits++
	err := s.commitErrs[topic]
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.InMemoryStore.CommitConsumerOffset(ctx, group, topic, partition, offset, meta)
}

func (s *faultyStore) PutConsumerGroup(ctx context.Context, group *metadata.ConsumerGroup) error {
	s.mu.Lock()
	err := s.putErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.InMemoryStore.PutConsumerGroup(ctx, group)
}

func (s *faultyStore) commitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

func (s *faultyStore) FetchConsumerOffset(ctx context.Context, group, topic string, partition int32) (metadata.StoredOffset, bool, error) {
	stored, found, err := s.InMemoryStore.FetchConsumerOffset(ctx, group, topic, partition)
	s.mu.Lock()
	read, release := s.fetchRead, s.fetchRelease
	s.fetchRead = nil
	s.mu.Unlock()
	if read != nil {
		close(read)
		<-release
	}
	return stored, found, err
}
