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
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const etcdOpTimeout = 3 * time.Second

// EtcdStoreConfig defines how we connect to etcd for offsets and group snapshots.
type EtcdStoreConfig struct {
	Endpoints   []string
	Username    string
	Password    string
	DialTimeout time.Duration
}

// EtcdStore persists offsets and group snapshots in etcd.
type EtcdStore struct {
	client *clientv3.Client
	now    func() time.Time
}

// NewEtcdStore initializes a store backed by etcd.
func NewEtcdStore(cfg EtcdStoreConfig) (*EtcdStore, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd endpoints required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	return &EtcdStore{client: cli, now: time.Now}, nil
}

// Client exposes the underlying etcd client so other components can share the connection.
func (s *EtcdStore) Client() *clientv3.Client {
	return s.client
}

// Close releases the etcd connection.
func (s *EtcdStore) Close() error {
	return s.client.Close()
}

// classifyEtcdError keeps deadlines recognizable and folds transport failures into ErrStoreUnavailable.
func classifyEtcdError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// CommitConsumerOffset implements OffsetStore.
func (s *EtcdStore) CommitConsumerOffset(ctx context.Context, group, topic string, partition int32, offset int64, metadata string) error {
	ctx, cancel := context.WithTimeout(ctx, etcdOpTimeout)
	defer cancel()
	payload, err := EncodeConsumerOffset(StoredOffset{
		Offset:      offset,
		Metadata:    metadata,
		CommittedAt: s.now(),
	})
	if err != nil {
		return err
	}
	_, err = s.client.Put(ctx, ConsumerOffsetKey(group, topic, partition), string(payload))
	return classifyEtcdError("put consumer offset", err)
}

// FetchConsumerOffset implements OffsetStore.
func (s *EtcdStore) FetchConsumerOffset(ctx context.Context, group, topic string, partition int32) (StoredOffset, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, etcdOpTimeout)
	defer cancel()
	resp, err := s.client.Get(ctx, ConsumerOffsetKey(group, topic, partition))
	if err != nil {
		return StoredOffset{}, false, classifyEtcdError("get consumer offset", err)
	}
	if len(resp.Kvs) == 0 {
		return StoredOffset{}, false, nil
	}
	stored, err := DecodeConsumerOffset(resp.Kvs[0].Value)
	if err != nil {
		return StoredOffset{}, false, err
	}
	return stored, true, nil
}

// PutConsumerGroup persists consumer group metadata in etcd.
func (s *EtcdStore) PutConsumerGroup(ctx context.Context, group *ConsumerGroup) error {
	if group == nil || group.GroupID == "" {
		return ErrInvalidGroup
	}
	ctx, cancel := context.WithTimeout(ctx, etcdOpTimeout)
	defer cancel()
	payload, err := EncodeConsumerGroup(group)
	if err != nil {
		return err
	}
	_, err = s.client.Put(ctx, ConsumerGroupKey(group.GroupID), string(payload))
	return classifyEtcdError("put consumer group", err)
}

// FetchConsumerGroup loads consumer group metadata from etcd.
func (s *EtcdStore) FetchConsumerGroup(ctx context.Context, groupID string) (*ConsumerGroup, error) {
	ctx, cancel := context.WithTimeout(ctx, etcdOpTimeout)
	defer cancel()
	resp, err := s.client.Get(ctx, ConsumerGroupKey(groupID))
	if err != nil {
		return nil, classifyEtcdError("get consumer group", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	return DecodeConsumerGroup(resp.Kvs[0].Value)
}

// DeleteConsumerGroup removes persisted consumer group metadata. Committed offsets are kept.
func (s *EtcdStore) DeleteConsumerGroup(ctx context.Context, groupID string) error {
	ctx, cancel := context.WithTimeout(ctx, etcdOpTimeout)
	defer cancel()
	_, err := s.client.Delete(ctx, ConsumerGroupKey(groupID))
	return classifyEtcdError("delete consumer group", err)
}

// ListConsumerGroups scans the consumer prefix for group snapshots.
func (s *EtcdStore) ListConsumerGroups(ctx context.Context) ([]*ConsumerGroup, error) {
	ctx, cancel := context.WithTimeout(ctx, etcdOpTimeout)
	defer cancel()
	resp, err := s.client.Get(ctx, ConsumerGroupPrefix()+"/", clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, classifyEtcdError("list consumer groups", err)
	}
	groups := make([]*ConsumerGroup, 0)
	for _, kv := range resp.Kvs {
		if _, ok := ParseConsumerGroupID(string(kv.Key)); !ok {
			continue
		}
		group, err := DecodeConsumerGroup(kv.Value)
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, nil
}

// Ping issues a cheap read against the cluster.
func (s *EtcdStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, etcdOpTimeout)
	defer cancel()
	_, err := s.client.Get(ctx, ConsumerGroupPrefix(), clientv3.WithCountOnly())
	return classifyEtcdError("ping etcd", err)
}
