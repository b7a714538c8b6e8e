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

package retry

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	retryKeyPrefix   = "/kafscale/retry/"
	retrySeqPrefix   = "/kafscale/retry-seq/"
	etcdRetryTimeout = 3 * time.Second
)

// EtcdStore keeps each record under /kafscale/retry/<topic>/<app>/<id> and
// each namespace's sequence counter under /kafscale/retry-seq/<topic>/<app>,
// with path segments escaped.
type EtcdStore struct {
	client *clientv3.Client
	owned  bool
}

// NewEtcdStore shares client; Close leaves it open.
func NewEtcdStore(client *clientv3.Client) *EtcdStore {
	return &EtcdStore{client: client}
}

// NewEtcdStoreFromEndpoints dials its own client, closed by Close.
func NewEtcdStoreFromEndpoints(endpoints []string, username, password string) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		Username:    username,
		Password:    password,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	return &EtcdStore{client: cli, owned: true}, nil
}

// RetryRecordKey returns the etcd key of one record.
func RetryRecordKey(topic, app, id string) string {
	return retryKeyPrefix + url.PathEscape(topic) + "/" + url.PathEscape(app) + "/" + url.PathEscape(id)
}

// RetrySequenceKey returns the etcd key of a namespace's sequence counter.
func RetrySequenceKey(topic, app string) string {
	return retrySeqPrefix + url.PathEscape(topic) + "/" + url.PathEscape(app)
}

// ReserveSequences advances the counter with a compare-and-swap on its mod
// revision, retrying when another writer got there first.
func (s *EtcdStore) ReserveSequences(ctx context.Context, topic, app string, floor, n int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, etcdRetryTimeout)
	defer cancel()
	key := RetrySequenceKey(topic, app)
	for {
		resp, err := s.client.Get(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("etcd read retry sequence: %w", err)
		}
		first, rev := floor, int64(0)
		if len(resp.Kvs) > 0 {
			cur, err := strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("decode %s: %w", key, err)
			}
			first = max(first, cur)
			rev = resp.Kvs[0].ModRevision
		}
		txn, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
			Then(clientv3.OpPut(key, strconv.FormatInt(first+n, 10))).
			Commit()
		if err != nil {
			return 0, fmt.Errorf("etcd reserve retry sequence: %w", err)
		}
		if txn.Succeeded {
			return first, nil
		}
	}
}

func (s *EtcdStore) Put(ctx context.Context, msg *Message) error {
	ctx, cancel := context.WithTimeout(ctx, etcdRetryTimeout)
	defer cancel()
	if _, err := s.client.Put(ctx, RetryRecordKey(msg.Topic, msg.App, msg.ID), string(EncodeMessage(msg))); err != nil {
		return fmt.Errorf("etcd put retry record: %w", err)
	}
	return nil
}

func (s *EtcdStore) Delete(ctx context.Context, topic, app, id string) error {
	ctx, cancel := context.WithTimeout(ctx, etcdRetryTimeout)
	defer cancel()
	if _, err := s.client.Delete(ctx, RetryRecordKey(topic, app, id)); err != nil {
		return fmt.Errorf("etcd delete retry record: %w", err)
	}
	return nil
}

func (s *EtcdStore) Load(ctx context.Context) ([]*Message, error) {
	ctx, cancel := context.WithTimeout(ctx, etcdRetryTimeout)
	defer cancel()
	resp, err := s.client.Get(ctx, retryKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd load retry records: %w", err)
	}
	out := make([]*Message, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		msg, err := DecodeMessage(kv.Value)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", kv.Key, err)
		}
		out = append(out, msg)
	}
	sortBySequence(out)
	return out, nil
}

func (s *EtcdStore) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}
