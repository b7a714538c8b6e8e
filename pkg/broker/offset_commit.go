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
	"errors"
	"log/slog"
	"time"

	"github.com/novatechflow/kafscale-coordinator/internal/metrics"
	"github.com/novatechflow/kafscale-coordinator/pkg/cache"
	"github.com/novatechflow/kafscale-coordinator/pkg/metadata"
	"github.com/novatechflow/kafscale-coordinator/pkg/protocol"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// TopicPartition identifies one partition of a topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

// OffsetCommitEntry is one requested commit.
type OffsetCommitEntry struct {
	Topic     string
	Partition int32
	Offset    int64
	Metadata  string
}

// OffsetMetadataAndError is the per-partition outcome of a commit.
type OffsetMetadataAndError struct {
	Offset    int64
	Metadata  string
	ErrorCode int16
}

// OffsetCommitResult holds exactly one outcome per submitted partition, in the
// order each partition first appeared in the request.
type OffsetCommitResult struct {
	order []TopicPartition
	rows  map[TopicPartition]OffsetMetadataAndError
}

func newOffsetCommitResult(n int) *OffsetCommitResult {
	return &OffsetCommitResult{
		order: make([]TopicPartition, 0, n),
		rows:  make(map[TopicPartition]OffsetMetadataAndError, n),
	}
}

// set records an outcome. A repeated partition keeps its first position and
// takes the latest outcome.
func (r *OffsetCommitResult) set(tp TopicPartition, row OffsetMetadataAndError) {
	if _, ok := r.rows[tp]; !ok {
		r.order = append(r.order, tp)
	}
	r.rows[tp] = row
}

// Len returns the number of distinct partitions.
func (r *OffsetCommitResult) Len() int {
	return len(r.order)
}

// Get returns the outcome for tp.
func (r *OffsetCommitResult) Get(tp TopicPartition) (OffsetMetadataAndError, bool) {
	row, ok := r.rows[tp]
	return row, ok
}

// Partitions returns the partitions in submission order.
func (r *OffsetCommitResult) Partitions() []TopicPartition {
	return append([]TopicPartition(nil), r.order...)
}

// Each visits every outcome in submission order.
func (r *OffsetCommitResult) Each(fn func(TopicPartition, OffsetMetadataAndError)) {
	for _, tp := range r.order {
		fn(tp, r.rows[tp])
	}
}

func uniformCommitResult(entries []OffsetCommitEntry, code int16) *OffsetCommitResult {
	result := newOffsetCommitResult(len(entries))
	for _, e := range entries {
		result.set(TopicPartition{Topic: e.Topic, Partition: e.Partition}, OffsetMetadataAndError{
			Offset:    e.Offset,
			Metadata:  e.Metadata,
			ErrorCode: code,
		})
	}
	metrics.OffsetCommits.WithLabelValues(protocol.ErrorName(code)).Add(float64(result.Len()))
	return result
}

// OffsetCommitProcessorConfig configures validation limits and side caches.
type OffsetCommitProcessorConfig struct {
	MaxMetadataBytes int
	StoreTimeout     time.Duration
	Cache            *cache.OffsetCache
	Health           *StoreHealthMonitor
	Logger           *slog.Logger
}

// OffsetCommitProcessor validates and durably writes offsets for a group whose
// membership has already been checked.
type OffsetCommitProcessor struct {
	store  metadata.OffsetStore
	cfg    OffsetCommitProcessorConfig
	logger *slog.Logger
}

// NewOffsetCommitProcessor builds a processor on top of store.
func NewOffsetCommitProcessor(store metadata.OffsetStore, cfg OffsetCommitProcessorConfig) *OffsetCommitProcessor {
	if cfg.MaxMetadataBytes <= 0 {
		cfg.MaxMetadataBytes = defaultCoordinatorConfig.MaxMetadataBytes
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultCoordinatorConfig.StoreTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &OffsetCommitProcessor{store: store, cfg: cfg, logger: logger}
}

// Process writes each entry independently; one partition failing does not
// affect the others.
func (p *OffsetCommitProcessor) Process(ctx context.Context, groupID string, entries []OffsetCommitEntry) *OffsetCommitResult {
	result := newOffsetCommitResult(len(entries))
	for _, e := range entries {
		tp := TopicPartition{Topic: e.Topic, Partition: e.Partition}
		code := p.commitOne(ctx, groupID, e)
		row := OffsetMetadataAndError{Offset: e.Offset, Metadata: e.Metadata, ErrorCode: code}
		result.set(tp, row)
		metrics.OffsetCommits.WithLabelValues(protocol.ErrorName(code)).Inc()
		p.logger.Debug("offset commit",
			"group", groupID,
			"topic", e.Topic,
			"partition", e.Partition,
			"offset", e.Offset,
			"error", protocol.ErrorName(code))
	}
	return result
}

func (p *OffsetCommitProcessor) commitOne(ctx context.Context, groupID string, e OffsetCommitEntry) int16 {
	if e.Offset < 0 {
		return protocol.OFFSET_OUT_OF_RANGE
	}
	if len(e.Metadata) > p.cfg.MaxMetadataBytes {
		return protocol.OFFSET_METADATA_TOO_LARGE
	}
	writeCtx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	start := time.Now()
	err := p.store.CommitConsumerOffset(writeCtx, groupID, e.Topic, e.Partition, e.Offset, e.Metadata)
	cancel()
	p.cfg.Health.RecordOperation("commit_offset", time.Since(start), err)
	if err != nil {
		if p.cfg.Cache != nil {
			p.cfg.Cache.Invalidate(groupID, e.Topic, e.Partition)
		}
		p.logger.Warn("offset commit failed",
			"group", groupID,
			"topic", e.Topic,
			"partition", e.Partition,
			"error", err)
		return storageErrorCode(err)
	}
	if p.cfg.Cache != nil {
		p.cfg.Cache.Set(groupID, e.Topic, e.Partition, cache.CachedOffset{Offset: e.Offset, Metadata: e.Metadata})
	}
	return protocol.NONE
}

// storageErrorCode maps a store failure onto the Kafka code clients retry on.
func storageErrorCode(err error) int16 {
	switch {
	case err == nil:
		return protocol.NONE
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.REQUEST_TIMED_OUT
	case errors.Is(err, metadata.ErrStoreUnavailable):
		return protocol.COORDINATOR_NOT_AVAILABLE
	default:
		return protocol.UNKNOWN_SERVER_ERROR
	}
}

// HandleCommitOffsets fences the commit against the group's membership and
// generation, then writes every offset. A rejected request reports the same
// code for every partition and writes nothing. The group stays locked for the
// whole call so a concurrent rebalance cannot slip between check and write.
func (c *GroupCoordinator) HandleCommitOffsets(ctx context.Context, groupID, memberID string, generationID int32, offsets []OffsetCommitEntry) *OffsetCommitResult {
	if c.table.Loading() {
		return uniformCommitResult(offsets, protocol.COORDINATOR_LOAD_IN_PROGRESS)
	}
	entry := c.table.acquire(groupID, false)
	if entry == nil {
		return uniformCommitResult(offsets, protocol.UNKNOWN_MEMBER_ID)
	}
	defer entry.release()

	state := entry.state
	if code := state.validateCommit(memberID, generationID); code != protocol.NONE {
		c.logger.Debug("offset commit rejected",
			"group", groupID,
			"member", memberID,
			"generation", generationID,
			"current_generation", state.generationID,
			"error", protocol.ErrorName(code))
		return uniformCommitResult(offsets, code)
	}
	state.members[memberID].lastHeartbeat = c.now()
	return c.processor.Process(ctx, groupID, offsets)
}

// OffsetCommit adapts the wire request to HandleCommitOffsets. The response
// carries one entry per distinct (topic, partition), grouped by topic in
// submission order.
func (c *GroupCoordinator) OffsetCommit(ctx context.Context, req *kmsg.OffsetCommitRequest) *kmsg.OffsetCommitResponse {
	resp := req.ResponseKind().(*kmsg.OffsetCommitResponse)
	entries := make([]OffsetCommitEntry, 0)
	for _, t := range req.Topics {
		for _, p := range t.Partitions {
			meta := ""
			if p.Metadata != nil {
				meta = *p.Metadata
			}
			entries = append(entries, OffsetCommitEntry{
				Topic:     t.Topic,
				Partition: p.Partition,
				Offset:    p.Offset,
				Metadata:  meta,
			})
		}
	}
	result := c.HandleCommitOffsets(ctx, req.Group, req.MemberID, req.Generation, entries)

	topicIndex := make(map[string]int)
	result.Each(func(tp TopicPartition, row OffsetMetadataAndError) {
		idx, ok := topicIndex[tp.Topic]
		if !ok {
			st := kmsg.NewOffsetCommitResponseTopic()
			st.Topic = tp.Topic
			resp.Topics = append(resp.Topics, st)
			idx = len(resp.Topics) - 1
			topicIndex[tp.Topic] = idx
		}
		sp := kmsg.NewOffsetCommitResponseTopicPartition()
		sp.Partition = tp.Partition
		sp.ErrorCode = row.ErrorCode
		resp.Topics[idx].Partitions = append(resp.Topics[idx].Partitions, sp)
	})
	return resp
}

// FetchOffset returns the committed offset for one partition, consulting the
// cache first. Missing offsets report -1.
func (c *GroupCoordinator) FetchOffset(ctx context.Context, groupID, topic string, partition int32) (OffsetMetadataAndError, error) {
	var ticket cache.FillTicket
	if c.cache != nil {
		if cached, ok := c.cache.Get(groupID, topic, partition); ok {
			metrics.OffsetFetchCache.WithLabelValues("hit").Inc()
			return OffsetMetadataAndError{Offset: cached.Offset, Metadata: cached.Metadata}, nil
		}
		metrics.OffsetFetchCache.WithLabelValues("miss").Inc()
		ticket = c.cache.BeginFill(groupID, topic, partition)
	}
	readCtx, cancel := context.WithTimeout(ctx, c.config.StoreTimeout)
	defer cancel()
	start := time.Now()
	stored, found, err := c.store.FetchConsumerOffset(readCtx, groupID, topic, partition)
	c.health.RecordOperation("fetch_offset", time.Since(start), err)
	if c.cache != nil {
		// A commit racing the read has cached a newer value; keep it.
		value := cache.CachedOffset{Offset: stored.Offset, Metadata: stored.Metadata}
		c.cache.CompleteFill(ticket, value, err == nil && found)
	}
	if err != nil {
		return OffsetMetadataAndError{Offset: -1, ErrorCode: storageErrorCode(err)}, err
	}
	if !found {
		return OffsetMetadataAndError{Offset: -1}, nil
	}
	return OffsetMetadataAndError{Offset: stored.Offset, Metadata: stored.Metadata}, nil
}

// OffsetFetch serves committed offsets. Offsets outlive group membership, so
// unknown groups still answer from the store. Fetching every topic of a group
// (nil topics) returns nothing because the stores index by partition.
func (c *GroupCoordinator) OffsetFetch(ctx context.Context, req *kmsg.OffsetFetchRequest) *kmsg.OffsetFetchResponse {
	resp := req.ResponseKind().(*kmsg.OffsetFetchResponse)
	groups := req.Groups
	if req.Version <= 7 {
		rg := kmsg.NewOffsetFetchRequestGroup()
		rg.Group = req.Group
		for _, t := range req.Topics {
			rt := kmsg.NewOffsetFetchRequestGroupTopic()
			rt.Topic = t.Topic
			rt.Partitions = t.Partitions
			rg.Topics = append(rg.Topics, rt)
		}
		groups = []kmsg.OffsetFetchRequestGroup{rg}
	}

	for _, rg := range groups {
		sg := kmsg.NewOffsetFetchResponseGroup()
		sg.Group = rg.Group
		if c.table.Loading() {
			sg.ErrorCode = protocol.COORDINATOR_LOAD_IN_PROGRESS
			resp.Groups = append(resp.Groups, sg)
			continue
		}
		for _, t := range rg.Topics {
			st := kmsg.NewOffsetFetchResponseGroupTopic()
			st.Topic = t.Topic
			for _, partition := range t.Partitions {
				sp := kmsg.NewOffsetFetchResponseGroupTopicPartition()
				sp.Partition = partition
				sp.LeaderEpoch = -1
				row, err := c.FetchOffset(ctx, rg.Group, t.Topic, partition)
				sp.Offset = row.Offset
				sp.ErrorCode = row.ErrorCode
				if err == nil && row.Offset >= 0 {
					sp.Metadata = kmsg.StringPtr(row.Metadata)
				}
				st.Partitions = append(st.Partitions, sp)
			}
			sg.Topics = append(sg.Topics, st)
		}
		resp.Groups = append(resp.Groups, sg)
	}

	if req.Version <= 7 {
		g0 := resp.Groups[0]
		resp.ErrorCode = g0.ErrorCode
		for _, t := range g0.Topics {
			st := kmsg.NewOffsetFetchResponseTopic()
			st.Topic = t.Topic
			for _, p := range t.Partitions {
				sp := kmsg.NewOffsetFetchResponseTopicPartition()
				sp.Partition = p.Partition
				sp.Offset = p.Offset
				sp.LeaderEpoch = p.LeaderEpoch
				sp.Metadata = p.Metadata
				sp.ErrorCode = p.ErrorCode
				st.Partitions = append(st.Partitions, sp)
			}
			resp.Topics = append(resp.Topics, st)
		}
		resp.Groups = nil
	}
	return resp
}
