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
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStoreConfig describes the Redis connection of the retry store.
type RedisStoreConfig struct {
	Addr      string
	Network   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps one hash per namespace (field = record id, value =
// EncodeMessage bytes), a set naming every namespace hash, and a sequence
// counter per namespace.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects and pings Redis.
func NewRedisStore(ctx context.Context, cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address required")
	}
	client := redis.NewClient(&redis.Options{
		Network:  cfg.Network,
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "kafscale:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) namespaceKey(topic, app string) string {
	return fmt.Sprintf("%sretry:{%s}:%s", s.prefix, topic, app)
}

func (s *RedisStore) sequenceKey(topic, app string) string {
	return fmt.Sprintf("%sretry-seq:{%s}:%s", s.prefix, topic, app)
}

// reserveScript raises the counter to ARGV[1] if it is lower, then claims
// ARGV[2] numbers and returns the first.
var reserveScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local floor = tonumber(ARGV[1])
if floor > cur then cur = floor end
redis.call('SET', KEYS[1], cur + tonumber(ARGV[2]))
return cur
`)

func (s *RedisStore) ReserveSequences(ctx context.Context, topic, app string, floor, n int64) (int64, error) {
	first, err := reserveScript.Run(ctx, s.client, []string{s.sequenceKey(topic, app)}, floor, n).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis reserve sequences %s/%s: %w", topic, app, err)
	}
	return first, nil
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "retry:namespaces"
}

func (s *RedisStore) Put(ctx context.Context, msg *Message) error {
	key := s.namespaceKey(msg.Topic, msg.App)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, msg.ID, EncodeMessage(msg))
		pipe.SAdd(ctx, s.indexKey(), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put %s: %w", msg.ID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, topic, app, id string) error {
	key := s.namespaceKey(topic, app)
	if err := s.client.HDel(ctx, key, id).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %w", id, err)
	}
	remaining, err := s.client.HLen(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis hlen %s: %w", key, err)
	}
	if remaining == 0 {
		if err := s.client.SRem(ctx, s.indexKey(), key).Err(); err != nil {
			return fmt.Errorf("redis srem %s: %w", key, err)
		}
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context) ([]*Message, error) {
	keys, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list namespaces: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HGetAll(ctx, key)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis load namespaces: %w", err)
	}
	out := make([]*Message, 0)
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("redis load %s: %w", keys[i], err)
		}
		for id, raw := range fields {
			msg, err := DecodeMessage([]byte(raw))
			if err != nil {
				return nil, fmt.Errorf("redis decode %s/%s: %w", keys[i], id, err)
			}
			out = append(out, msg)
		}
	}
	sortBySequence(out)
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
