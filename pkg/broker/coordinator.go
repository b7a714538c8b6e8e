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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/novatechflow/kafscale-coordinator/internal/metrics"
	"github.com/novatechflow/kafscale-coordinator/pkg/cache"
	"github.com/novatechflow/kafscale-coordinator/pkg/metadata"
	"github.com/novatechflow/kafscale-coordinator/pkg/protocol"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// GroupCoordinator owns consumer group membership and offset commits for
// every group routed to this broker.
type GroupCoordinator struct {
	store     metadata.Store
	broker    protocol.MetadataBroker
	config    CoordinatorConfig
	table     *GroupMetadataTable
	processor *OffsetCommitProcessor
	cache     *cache.OffsetCache
	health    *StoreHealthMonitor
	logger    *slog.Logger
	now       func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// CoordinatorConfig tunes group coordination and offset storage.
type CoordinatorConfig struct {
	CleanupInterval   time.Duration
	EmptyGroupTTL     time.Duration
	MinSessionTimeout time.Duration
	MaxSessionTimeout time.Duration
	StoreTimeout      time.Duration
	MaxMetadataBytes  int
	GroupShards       int

	Cache  *cache.OffsetCache
	Health *StoreHealthMonitor
	Logger *slog.Logger
}

var defaultCoordinatorConfig = CoordinatorConfig{
	CleanupInterval:   5 * time.Second,
	EmptyGroupTTL:     10 * time.Minute,
	MinSessionTimeout: 6 * time.Second,
	MaxSessionTimeout: 30 * time.Minute,
	StoreTimeout:      5 * time.Second,
	MaxMetadataBytes:  4096,
	GroupShards:       defaultGroupShards,
}

// NewGroupCoordinator builds a coordinator and starts its cleanup loop. Call
// Load before serving traffic when the store holds groups from a previous run.
func NewGroupCoordinator(store metadata.Store, broker protocol.MetadataBroker, cfg *CoordinatorConfig) *GroupCoordinator {
	config := defaultCoordinatorConfig
	if cfg != nil {
		if cfg.CleanupInterval > 0 {
			config.CleanupInterval = cfg.CleanupInterval
		}
		if cfg.EmptyGroupTTL > 0 {
			config.EmptyGroupTTL = cfg.EmptyGroupTTL
		}
		if cfg.MinSessionTimeout > 0 {
			config.MinSessionTimeout = cfg.MinSessionTimeout
		}
		if cfg.MaxSessionTimeout > 0 {
			config.MaxSessionTimeout = cfg.MaxSessionTimeout
		}
		if cfg.StoreTimeout > 0 {
			config.StoreTimeout = cfg.StoreTimeout
		}
		if cfg.MaxMetadataBytes > 0 {
			config.MaxMetadataBytes = cfg.MaxMetadataBytes
		}
		if cfg.GroupShards > 0 {
			config.GroupShards = cfg.GroupShards
		}
		config.Cache = cfg.Cache
		config.Health = cfg.Health
		config.Logger = cfg.Logger
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "group_coordinator")

	c := &GroupCoordinator{
		store:  store,
		broker: broker,
		config: config,
		table:  NewGroupMetadataTable(config.GroupShards),
		cache:  config.Cache,
		health: config.Health,
		logger: logger,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	c.processor = NewOffsetCommitProcessor(store, OffsetCommitProcessorConfig{
		MaxMetadataBytes: config.MaxMetadataBytes,
		StoreTimeout:     config.StoreTimeout,
		Cache:            config.Cache,
		Health:           config.Health,
		Logger:           logger,
	})
	go c.cleanupLoop()
	return c
}

// Table exposes the group registry.
func (c *GroupCoordinator) Table() *GroupMetadataTable {
	return c.table
}

// Load restores persisted groups into memory. Group-scoped requests answer
// COORDINATOR_LOAD_IN_PROGRESS until it returns.
func (c *GroupCoordinator) Load(ctx context.Context) error {
	c.table.SetLoading(true)
	defer c.table.SetLoading(false)

	start := time.Now()
	groups, err := c.store.ListConsumerGroups(ctx)
	c.health.RecordOperation("list_groups", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("load consumer groups: %w", err)
	}
	now := c.now()
	restored := 0
	for _, group := range groups {
		if group == nil || group.GroupID == "" {
			continue
		}
		state := restoreGroupState(group, now)
		if state.phase == groupStateDead {
			continue
		}
		c.table.put(state)
		restored++
	}
	c.logger.Info("consumer groups loaded", "groups", restored)
	c.updateGroupGauge()
	return nil
}

// FindCoordinator answers for every group key with this broker.
func (c *GroupCoordinator) FindCoordinator(req *kmsg.FindCoordinatorRequest) *kmsg.FindCoordinatorResponse {
	resp := req.ResponseKind().(*kmsg.FindCoordinatorResponse)
	code := protocol.NONE
	if req.CoordinatorType != 0 {
		code = protocol.COORDINATOR_NOT_AVAILABLE
	}
	if req.Version >= 4 {
		for _, key := range req.CoordinatorKeys {
			coord := kmsg.NewFindCoordinatorResponseCoordinator()
			coord.Key = key
			coord.NodeID = c.broker.NodeID
			coord.Host = c.broker.Host
			coord.Port = c.broker.Port
			coord.ErrorCode = code
			resp.Coordinators = append(resp.Coordinators, coord)
		}
		return resp
	}
	resp.ErrorCode = code
	resp.NodeID = c.broker.NodeID
	resp.Host = c.broker.Host
	resp.Port = c.broker.Port
	return resp
}

// JoinGroup registers or refreshes a member. When a rebalance is needed the
// call parks, without holding the group lock, until every member rejoins or
// the rebalance deadline drops the laggards.
func (c *GroupCoordinator) JoinGroup(ctx context.Context, header *protocol.RequestHeader, req *kmsg.JoinGroupRequest) *kmsg.JoinGroupResponse {
	resp := req.ResponseKind().(*kmsg.JoinGroupResponse)
	resp.Generation = -1
	resp.MemberID = req.MemberID
	if c.table.Loading() {
		resp.ErrorCode = protocol.COORDINATOR_LOAD_IN_PROGRESS
		return resp
	}
	if req.Group == "" || req.InstanceID != nil {
		resp.ErrorCode = protocol.INVALID_GROUP_ID
		return resp
	}
	session := time.Duration(req.SessionTimeoutMillis) * time.Millisecond
	if session < c.config.MinSessionTimeout || session > c.config.MaxSessionTimeout {
		resp.ErrorCode = protocol.INVALID_SESSION_TIMEOUT
		return resp
	}
	rebalanceTimeout := time.Duration(req.RebalanceTimeoutMillis) * time.Millisecond
	if rebalanceTimeout <= 0 {
		rebalanceTimeout = session
	}

	entry := c.table.acquire(req.Group, true)
	state := entry.state
	now := c.now()
	if !state.protocolsMatch(req.ProtocolType, req.Protocols) {
		entry.release()
		resp.ErrorCode = protocol.INCONSISTENT_GROUP_PROTOCOL
		return resp
	}

	memberID := req.MemberID
	member, known := state.members[memberID]
	if memberID != "" && !known {
		entry.release()
		resp.ErrorCode = protocol.UNKNOWN_MEMBER_ID
		return resp
	}
	clientID := ""
	if header != nil {
		clientID = header.ClientIDOrEmpty()
	}
	if !known {
		memberID = newMemberID(clientID)
		member = &memberState{clientID: clientID, clientHost: ClientHost(ctx)}
		state.members[memberID] = member
	}
	sameJoin := known && member.sameProtocols(req.Protocols)
	member.setProtocols(req.Protocols)
	member.sessionTimeout = session
	member.lastHeartbeat = now
	state.protocolType = req.ProtocolType

	if sameJoin && member.joinGeneration == state.generationID {
		if state.phase == groupStateAwaitingSync || (state.phase == groupStateStable && memberID != state.leaderID) {
			state.fillJoinResponse(resp, memberID)
			entry.release()
			return resp
		}
	}

	c.beginRebalance(state, now, rebalanceTimeout)
	member.joined = true
	registered := state.generationID
	resp.MemberID = memberID

	for {
		now = c.now()
		if state.phase == groupStatePreparingRebalance && (state.allJoined() || state.rebalanceExpired(now)) {
			if code := c.finishRebalance(ctx, state, now); code != protocol.NONE {
				entry.release()
				resp.ErrorCode = code
				return resp
			}
		}
		m := state.members[memberID]
		if m == nil {
			entry.release()
			resp.ErrorCode = protocol.UNKNOWN_MEMBER_ID
			return resp
		}
		if m.joinGeneration != registered && m.joinGeneration == state.generationID {
			state.fillJoinResponse(resp, memberID)
			entry.release()
			return resp
		}
		wait, deadline := state.joinDone, state.rebalanceDeadline
		entry.release()
		if wait == nil {
			resp.ErrorCode = protocol.REBALANCE_IN_PROGRESS
			return resp
		}

		awaitSignal(ctx, wait, deadline)
		if ctx.Err() != nil {
			resp.ErrorCode = protocol.REBALANCE_IN_PROGRESS
			return resp
		}
		entry = c.table.acquire(req.Group, false)
		if entry == nil {
			resp.ErrorCode = protocol.UNKNOWN_MEMBER_ID
			return resp
		}
		state = entry.state
	}
}

// SyncGroup distributes the leader's assignment. Followers wait for it.
func (c *GroupCoordinator) SyncGroup(ctx context.Context, req *kmsg.SyncGroupRequest) *kmsg.SyncGroupResponse {
	resp := req.ResponseKind().(*kmsg.SyncGroupResponse)
	if c.table.Loading() {
		resp.ErrorCode = protocol.COORDINATOR_LOAD_IN_PROGRESS
		return resp
	}
	entry := c.table.acquire(req.Group, false)
	if entry == nil {
		resp.ErrorCode = protocol.UNKNOWN_MEMBER_ID
		return resp
	}
	waited := false
	for {
		state := entry.state
		if code := state.validateMember(req.MemberID, req.Generation); code != protocol.NONE {
			entry.release()
			resp.ErrorCode = code
			return resp
		}
		if (req.ProtocolType != nil && *req.ProtocolType != state.protocolType) ||
			(req.Protocol != nil && *req.Protocol != state.protocolName) {
			entry.release()
			resp.ErrorCode = protocol.INCONSISTENT_GROUP_PROTOCOL
			return resp
		}
		member := state.members[req.MemberID]
		member.lastHeartbeat = c.now()

		switch {
		case state.phase == groupStateStable:
			fillSyncResponse(resp, state, member)
			entry.release()
			return resp
		case state.phase == groupStateAwaitingSync && req.MemberID == state.leaderID:
			state.applyAssignments(req.GroupAssignment)
			c.logger.Info("group stable", "group", state.id, "generation", state.generationID, "members", len(state.members))
			fillSyncResponse(resp, state, member)
			resp.ErrorCode = c.persistLocked(ctx, state)
			entry.release()
			return resp
		case state.phase == groupStateAwaitingSync && !waited:
			wait, deadline := state.syncDone, state.rebalanceDeadline
			entry.release()
			awaitSignal(ctx, wait, deadline)
			if ctx.Err() != nil {
				resp.ErrorCode = protocol.REBALANCE_IN_PROGRESS
				return resp
			}
			entry = c.table.acquire(req.Group, false)
			if entry == nil {
				resp.ErrorCode = protocol.UNKNOWN_MEMBER_ID
				return resp
			}
			waited = true
		default:
			entry.release()
			resp.ErrorCode = protocol.REBALANCE_IN_PROGRESS
			return resp
		}
	}
}

func fillSyncResponse(resp *kmsg.SyncGroupResponse, state *groupState, member *memberState) {
	resp.ErrorCode = protocol.NONE
	resp.ProtocolType = kmsg.StringPtr(state.protocolType)
	resp.Protocol = kmsg.StringPtr(state.protocolName)
	resp.MemberAssignment = member.assignment
	if len(resp.MemberAssignment) == 0 && state.protocolType == "consumer" {
		var empty kmsg.ConsumerMemberAssignment
		resp.MemberAssignment = empty.AppendTo(nil)
	}
}

// Heartbeat refreshes a member's session and reports pending rebalances.
func (c *GroupCoordinator) Heartbeat(ctx context.Context, req *kmsg.HeartbeatRequest) *kmsg.HeartbeatResponse {
	resp := req.ResponseKind().(*kmsg.HeartbeatResponse)
	if c.table.Loading() {
		resp.ErrorCode = protocol.COORDINATOR_LOAD_IN_PROGRESS
		return resp
	}
	entry := c.table.acquire(req.Group, false)
	if entry == nil {
		resp.ErrorCode = protocol.UNKNOWN_MEMBER_ID
		return resp
	}
	defer entry.release()
	state := entry.state
	if code := state.validateMember(req.MemberID, req.Generation); code != protocol.NONE {
		resp.ErrorCode = code
		return resp
	}
	state.members[req.MemberID].lastHeartbeat = c.now()
	if state.phase == groupStatePreparingRebalance {
		resp.ErrorCode = protocol.REBALANCE_IN_PROGRESS
	}
	return resp
}

// LeaveGroup removes members and rebalances whoever remains.
func (c *GroupCoordinator) LeaveGroup(ctx context.Context, req *kmsg.LeaveGroupRequest) *kmsg.LeaveGroupResponse {
	resp := req.ResponseKind().(*kmsg.LeaveGroupResponse)
	if c.table.Loading() {
		resp.ErrorCode = protocol.COORDINATOR_LOAD_IN_PROGRESS
		return resp
	}
	leaving := req.Members
	if req.Version < 3 {
		leaving = []kmsg.LeaveGroupRequestMember{{MemberID: req.MemberID}}
	}
	entry := c.table.acquire(req.Group, false)
	if entry == nil {
		resp.ErrorCode = protocol.UNKNOWN_MEMBER_ID
		return resp
	}
	defer entry.release()
	state := entry.state
	now := c.now()

	removed := 0
	for _, rm := range leaving {
		mresp := kmsg.NewLeaveGroupResponseMember()
		mresp.MemberID = rm.MemberID
		mresp.InstanceID = rm.InstanceID
		if _, ok := state.members[rm.MemberID]; !ok || rm.InstanceID != nil {
			mresp.ErrorCode = protocol.UNKNOWN_MEMBER_ID
		} else {
			state.removeMember(rm.MemberID)
			removed++
		}
		resp.Members = append(resp.Members, mresp)
	}
	if req.Version < 3 {
		resp.ErrorCode = resp.Members[0].ErrorCode
		resp.Members = nil
	}
	if removed == 0 {
		return resp
	}
	c.logger.Info("members left group", "group", state.id, "left", removed, "remaining", len(state.members))
	switch {
	case len(state.members) == 0:
		state.becomeEmpty(now)
	case state.phase == groupStatePreparingRebalance:
		if state.allJoined() {
			if code := c.finishRebalance(ctx, state, now); code != protocol.NONE && resp.ErrorCode == protocol.NONE {
				resp.ErrorCode = code
			}
			return resp
		}
	default:
		c.beginRebalance(state, now, 0)
	}
	if code := c.persistLocked(ctx, state); code != protocol.NONE && resp.ErrorCode == protocol.NONE {
		resp.ErrorCode = code
	}
	return resp
}

// ListGroups reports every group known to this coordinator.
func (c *GroupCoordinator) ListGroups(req *kmsg.ListGroupsRequest) *kmsg.ListGroupsResponse {
	resp := req.ResponseKind().(*kmsg.ListGroupsResponse)
	if c.table.Loading() {
		resp.ErrorCode = protocol.COORDINATOR_LOAD_IN_PROGRESS
		return resp
	}
	var states map[string]struct{}
	if len(req.StatesFilter) > 0 {
		states = make(map[string]struct{}, len(req.StatesFilter))
		for _, s := range req.StatesFilter {
			states[s] = struct{}{}
		}
	}
	for _, id := range c.table.GroupIDs() {
		entry := c.table.acquire(id, false)
		if entry == nil {
			continue
		}
		state := entry.state
		name := state.phase.kafkaName()
		protocolType := state.protocolType
		entry.release()
		if states != nil {
			if _, ok := states[name]; !ok {
				continue
			}
		}
		group := kmsg.NewListGroupsResponseGroup()
		group.Group = id
		group.ProtocolType = protocolType
		group.GroupState = name
		resp.Groups = append(resp.Groups, group)
	}
	return resp
}

// DescribeGroups reports membership and assignments. Protocol details are only
// exposed once the group is stable.
func (c *GroupCoordinator) DescribeGroups(req *kmsg.DescribeGroupsRequest) *kmsg.DescribeGroupsResponse {
	resp := req.ResponseKind().(*kmsg.DescribeGroupsResponse)
	for _, id := range req.Groups {
		group := kmsg.NewDescribeGroupsResponseGroup()
		group.Group = id
		if req.IncludeAuthorizedOperations {
			group.AuthorizedOperations = 0
		}
		if c.table.Loading() {
			group.ErrorCode = protocol.COORDINATOR_LOAD_IN_PROGRESS
			resp.Groups = append(resp.Groups, group)
			continue
		}
		entry := c.table.acquire(id, false)
		if entry == nil {
			group.State = groupStateDead.kafkaName()
			if req.Version >= 6 {
				group.ErrorCode = protocol.GROUP_ID_NOT_FOUND
			}
			resp.Groups = append(resp.Groups, group)
			continue
		}
		state := entry.state
		group.State = state.phase.kafkaName()
		group.ProtocolType = state.protocolType
		stable := state.phase == groupStateStable
		if stable {
			group.Protocol = state.protocolName
		}
		for _, memberID := range state.sortedMembers() {
			member := state.members[memberID]
			m := kmsg.NewDescribeGroupsResponseGroupMember()
			m.MemberID = memberID
			m.ClientID = member.clientID
			m.ClientHost = member.clientHost
			if stable {
				m.ProtocolMetadata = member.protocolMetadata(state.protocolName)
				m.MemberAssignment = member.assignment
			}
			group.Members = append(group.Members, m)
		}
		entry.release()
		resp.Groups = append(resp.Groups, group)
	}
	return resp
}

func (c *GroupCoordinator) beginRebalance(state *groupState, now time.Time, timeout time.Duration) {
	if state.startRebalance(now, timeout) {
		metrics.GroupRebalances.Inc()
		c.logger.Info("group rebalance started", "group", state.id, "generation", state.generationID, "members", len(state.members))
	}
}

func (c *GroupCoordinator) finishRebalance(ctx context.Context, state *groupState, now time.Time) int16 {
	state.completeRebalance(now)
	if state.phase == groupStateAwaitingSync {
		c.logger.Info("group rebalance completed",
			"group", state.id,
			"generation", state.generationID,
			"leader", state.leaderID,
			"protocol", state.protocolName,
			"members", len(state.members))
	}
	return c.persistLocked(ctx, state)
}

// persistLocked writes the group snapshot. The caller holds the group lock.
func (c *GroupCoordinator) persistLocked(ctx context.Context, state *groupState) int16 {
	ctx, cancel := context.WithTimeout(ctx, c.config.StoreTimeout)
	defer cancel()
	start := time.Now()
	var err error
	if state.phase == groupStateDead {
		err = c.store.DeleteConsumerGroup(ctx, state.id)
		c.health.RecordOperation("delete_group", time.Since(start), err)
	} else {
		err = c.store.PutConsumerGroup(ctx, state.snapshot())
		c.health.RecordOperation("put_group", time.Since(start), err)
	}
	if err != nil {
		c.logger.Error("persist consumer group failed", "group", state.id, "state", state.phase.String(), "error", err)
		return storageErrorCode(err)
	}
	return protocol.NONE
}

func (c *GroupCoordinator) cleanupLoop() {
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.cleanupGroups(c.now())
		case <-c.stopCh:
			return
		}
	}
}

// Stop terminates background cleanup routines.
func (c *GroupCoordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

// cleanupGroups expires sessions, enforces rebalance deadlines and retires
// groups that stayed empty past the TTL.
func (c *GroupCoordinator) cleanupGroups(now time.Time) {
	if c.table.Loading() {
		return
	}
	ctx := context.Background()
	for _, id := range c.table.GroupIDs() {
		entry := c.table.acquire(id, false)
		if entry == nil {
			continue
		}
		c.expireGroupLocked(ctx, entry, now)
		entry.release()
	}
	c.updateGroupGauge()
}

func (c *GroupCoordinator) expireGroupLocked(ctx context.Context, entry *groupEntry, now time.Time) {
	state := entry.state
	changed := false

	if state.removeExpiredMembers(now) {
		changed = true
		c.logger.Info("expired group members", "group", state.id, "remaining", len(state.members))
		switch {
		case len(state.members) == 0:
			state.becomeEmpty(now)
		case state.phase == groupStateStable || state.phase == groupStateAwaitingSync:
			c.beginRebalance(state, now, 0)
		}
	}
	switch {
	case state.phase == groupStatePreparingRebalance && (state.allJoined() || state.rebalanceExpired(now)):
		c.finishRebalance(ctx, state, now)
		return
	case state.phase == groupStateAwaitingSync && state.rebalanceExpired(now):
		c.logger.Warn("leader never synced, restarting rebalance", "group", state.id, "leader", state.leaderID)
		c.beginRebalance(state, now, 0)
		changed = true
	case state.phase == groupStateEmpty:
		if state.emptySince.IsZero() {
			state.emptySince = now
		}
		if now.Sub(state.emptySince) >= c.config.EmptyGroupTTL {
			state.phase = groupStateDead
			if c.persistLocked(ctx, state) == protocol.NONE {
				c.table.remove(entry)
				if c.cache != nil {
					c.cache.InvalidateGroup(state.id)
				}
				c.logger.Info("removed empty group", "group", state.id)
			} else {
				state.phase = groupStateEmpty
			}
			return
		}
	}
	if changed {
		c.persistLocked(ctx, state)
	}
}

func (c *GroupCoordinator) updateGroupGauge() {
	counts := map[groupPhase]int{
		groupStateEmpty:              0,
		groupStatePreparingRebalance: 0,
		groupStateAwaitingSync:       0,
		groupStateStable:             0,
	}
	for _, id := range c.table.GroupIDs() {
		entry := c.table.acquire(id, false)
		if entry == nil {
			continue
		}
		counts[entry.state.phase]++
		entry.release()
	}
	for phase, n := range counts {
		metrics.Groups.WithLabelValues(phase.String()).Set(float64(n))
	}
}

func newMemberID(clientID string) string {
	return clientID + "-" + uuid.NewString()
}

// awaitSignal blocks until ch closes, ctx ends or the deadline passes.
func awaitSignal(ctx context.Context, ch <-chan struct{}, deadline time.Time) {
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ch:
	case <-ctx.Done():
	case <-timeout:
	}
}
