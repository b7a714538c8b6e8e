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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const consumerGroupPrefix = "/kafscale/consumers"

// ConsumerGroupKey returns the etcd key for a consumer group metadata blob.
func ConsumerGroupKey(groupID string) string {
	return fmt.Sprintf("%s/%s/metadata", consumerGroupPrefix, groupID)
}

// ConsumerGroupPrefix returns the etcd prefix for consumer groups.
func ConsumerGroupPrefix() string {
	return consumerGroupPrefix
}

// ParseConsumerGroupID extracts a group ID from a metadata key.
func ParseConsumerGroupID(key string) (string, bool) {
	prefix := consumerGroupPrefix + "/"
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, "/metadata") {
		return "", false
	}
	groupID := strings.TrimSuffix(strings.TrimPrefix(key, prefix), "/metadata")
	if groupID == "" || strings.Contains(groupID, "/") {
		return "", false
	}
	return groupID, true
}

// ConsumerOffsetKey returns the etcd key holding the committed offset for a partition.
func ConsumerOffsetKey(groupID, topic string, partition int32) string {
	return fmt.Sprintf("%s/%s/offsets/%s/%d", consumerGroupPrefix, groupID, topic, partition)
}

// ParseConsumerOffsetKey extracts group, topic, and partition from an offset key.
func ParseConsumerOffsetKey(key string) (string, string, int32, bool) {
	prefix := consumerGroupPrefix + "/"
	if !strings.HasPrefix(key, prefix) {
		return "", "", 0, false
	}
	parts := strings.Split(strings.TrimPrefix(key, prefix), "/")
	if len(parts) != 4 {
		return "", "", 0, false
	}
	groupID := parts[0]
	if parts[1] != "offsets" || groupID == "" || parts[2] == "" {
		return "", "", 0, false
	}
	partition, err := strconv.ParseInt(parts[3], 10, 32)
	if err != nil {
		return "", "", 0, false
	}
	return groupID, parts[2], int32(partition), true
}

type consumerOffsetRecord struct {
	Offset      int64  `json:"offset"`
	Metadata    string `json:"metadata"`
	CommittedAt string `json:"committed_at"`
}

// EncodeConsumerOffset serializes a committed offset.
func EncodeConsumerOffset(stored StoredOffset) ([]byte, error) {
	rec := consumerOffsetRecord{
		Offset:      stored.Offset,
		Metadata:    stored.Metadata,
		CommittedAt: stored.CommittedAt.UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal consumer offset: %w", err)
	}
	return data, nil
}

// DecodeConsumerOffset parses bytes written by EncodeConsumerOffset.
func DecodeConsumerOffset(data []byte) (StoredOffset, error) {
	var rec consumerOffsetRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return StoredOffset{}, fmt.Errorf("unmarshal consumer offset: %w", err)
	}
	stored := StoredOffset{Offset: rec.Offset, Metadata: rec.Metadata}
	if rec.CommittedAt != "" {
		if ts, err := time.Parse(time.RFC3339Nano, rec.CommittedAt); err == nil {
			stored.CommittedAt = ts
		}
	}
	return stored, nil
}

// EncodeConsumerGroup serializes a ConsumerGroup.
func EncodeConsumerGroup(group *ConsumerGroup) ([]byte, error) {
	data, err := json.Marshal(group)
	if err != nil {
		return nil, fmt.Errorf("marshal consumer group: %w", err)
	}
	return data, nil
}

// DecodeConsumerGroup parses bytes into a ConsumerGroup struct.
func DecodeConsumerGroup(data []byte) (*ConsumerGroup, error) {
	group := &ConsumerGroup{}
	if err := json.Unmarshal(data, group); err != nil {
		return nil, fmt.Errorf("unmarshal consumer group: %w", err)
	}
	return group, nil
}
