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
	"bytes"
	"sort"
	"time"

	"github.com/novatechflow/kafscale-coordinator/pkg/metadata"
	"github.com/novatechflow/kafscale-coordinator/pkg/protocol"
	"github.com/twmb/franz-go/pkg/kmsg"
)

const (
	defaultSessionTimeout   = 30 * time.Second
	defaultRebalanceTimeout = 30 * time.Second
)

type groupPhase int

const (
	groupStateEmpty groupPhase = iota
	groupStatePreparingRebalance
	groupStateAwaitingSync
	groupStateStable
	groupStateDead
)

const (
	groupStateEmptyStr     = "empty"
	groupStatePreparingStr = "preparing_rebalance"
	groupStateAwaitingStr  = "awaiting_sync"
	groupStateStableStr    = "stable"
	groupStateDeadStr      = "dead"
)

// groupState is the coordinator's view of one group. It is guarded by the
// owning groupEntry's mutex.
type groupState struct {
	id           string
	protocolType string
	protocolName string
	generationID int32
	leaderID     string
	phase        groupPhase

	members map[string]*memberState

	rebalanceTimeout  time.Duration
	rebalanceDeadline time.Time
	emptySince        time.Time

	// joinDone is closed when the pending rebalance completes or the group
	// empties; syncDone when the leader's assignment lands or a new
	// rebalance supersedes it.
	joinDone chan struct{}
	syncDone chan struct{}
}

type memberState struct {
	clientID       string
	clientHost     string
	protocols      []metadata.MemberProtocol
	sessionTimeout time.Duration
	lastHeartbeat  time.Time
	joined         bool
	joinGeneration int32
	assignment     []byte
}

func newGroupState(id string) *groupState {
	return &groupState{
		id:               id,
		phase:            groupStateEmpty,
		members:          make(map[string]*memberState),
		rebalanceTimeout: defaultRebalanceTimeout,
	}
}

func (p groupPhase) String() string {
	switch p {
	case groupStatePreparingRebalance:
		return groupStatePreparingStr
	case groupStateAwaitingSync:
		return groupStateAwaitingStr
	case groupStateStable:
		return groupStateStableStr
	case groupStateDead:
		return groupStateDeadStr
	default:
		return groupStateEmptyStr
	}
}

// kafkaName is the state string clients see in ListGroups and DescribeGroups.
func (p groupPhase) kafkaName() string {
	switch p {
	case groupStatePreparingRebalance:
		return "PreparingRebalance"
	case groupStateAwaitingSync:
		return "CompletingRebalance"
	case groupStateStable:
		return "Stable"
	case groupStateDead:
		return "Dead"
	default:
		return "Empty"
	}
}

func parseGroupPhase(state string) groupPhase {
	switch state {
	case groupStatePreparingStr:
		return groupStatePreparingRebalance
	case groupStateAwaitingStr:
		return groupStateAwaitingSync
	case groupStateStableStr:
		return groupStateStable
	case groupStateDeadStr:
		return groupStateDead
	default:
		return groupStateEmpty
	}
}

func (s *groupState) sortedMembers() []string {
	ids := make([]string, 0, len(s.members))
	for id := range s.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *groupState) ensureLeader() {
	if s.leaderID != "" {
		if _, ok := s.members[s.leaderID]; ok {
			return
		}
	}
	if len(s.members) == 0 {
		s.leaderID = ""
		return
	}
	s.leaderID = s.sortedMembers()[0]
}

// protocolsMatch reports whether a joining member can be admitted given the
// protocols the current members support.
func (s *groupState) protocolsMatch(protocolType string, protocols []kmsg.JoinGroupRequestProtocol) bool {
	if protocolType == "" || len(protocols) == 0 {
		return false
	}
	if len(s.members) == 0 {
		return true
	}
	if s.protocolType != "" && protocolType != s.protocolType {
		return false
	}
	for _, p := range protocols {
		if s.allSupport(p.Name) {
			return true
		}
	}
	return false
}

func (s *groupState) allSupport(name string) bool {
	for _, member := range s.members {
		if !member.supports(name) {
			return false
		}
	}
	return true
}

func (m *memberState) supports(name string) bool {
	for _, p := range m.protocols {
		if p.Name == name {
			return true
		}
	}
	return false
}

func (m *memberState) protocolMetadata(name string) []byte {
	for _, p := range m.protocols {
		if p.Name == name {
			return p.Metadata
		}
	}
	return nil
}

func (m *memberState) sameProtocols(protocols []kmsg.JoinGroupRequestProtocol) bool {
	if len(m.protocols) != len(protocols) {
		return false
	}
	for i := range protocols {
		if m.protocols[i].Name != protocols[i].Name || !bytes.Equal(m.protocols[i].Metadata, protocols[i].Metadata) {
			return false
		}
	}
	return true
}

func (m *memberState) setProtocols(protocols []kmsg.JoinGroupRequestProtocol) {
	m.protocols = make([]metadata.MemberProtocol, 0, len(protocols))
	for _, p := range protocols {
		m.protocols = append(m.protocols, metadata.MemberProtocol{
			Name:     p.Name,
			Metadata: append([]byte(nil), p.Metadata...),
		})
	}
}

// selectProtocol picks the leader's most preferred protocol every member
// supports.
func (s *groupState) selectProtocol() {
	leader := s.members[s.leaderID]
	if leader == nil {
		return
	}
	for _, p := range leader.protocols {
		if s.allSupport(p.Name) {
			s.protocolName = p.Name
			return
		}
	}
}

func (s *groupState) allJoined() bool {
	if len(s.members) == 0 {
		return false
	}
	for _, member := range s.members {
		if !member.joined {
			return false
		}
	}
	return true
}

// startRebalance moves the group into PreparingRebalance. Members must rejoin
// before the deadline or they are dropped when the rebalance completes.
func (s *groupState) startRebalance(now time.Time, timeout time.Duration) bool {
	if len(s.members) == 0 {
		s.becomeEmpty(now)
		return false
	}
	if timeout > 0 {
		s.rebalanceTimeout = timeout
	} else if s.rebalanceTimeout == 0 {
		s.rebalanceTimeout = defaultRebalanceTimeout
	}
	if s.phase == groupStatePreparingRebalance {
		return false
	}
	s.phase = groupStatePreparingRebalance
	s.rebalanceDeadline = now.Add(s.rebalanceTimeout)
	s.emptySince = time.Time{}
	for _, member := range s.members {
		member.joined = false
		member.assignment = nil
	}
	closeSignal(&s.syncDone)
	if s.joinDone == nil {
		s.joinDone = make(chan struct{})
	}
	return true
}

// completeRebalance drops members that did not rejoin, bumps the generation
// and waits for the leader's assignment.
func (s *groupState) completeRebalance(now time.Time) {
	for id, member := range s.members {
		if !member.joined {
			s.removeMember(id)
		}
	}
	if len(s.members) == 0 {
		s.becomeEmpty(now)
		return
	}
	s.generationID++
	if s.generationID < 0 {
		s.generationID = 1
	}
	s.phase = groupStateAwaitingSync
	s.ensureLeader()
	s.selectProtocol()
	for _, member := range s.members {
		member.joined = false
		member.joinGeneration = s.generationID
		member.lastHeartbeat = now
	}
	s.rebalanceDeadline = now.Add(s.rebalanceTimeout)
	if s.syncDone == nil {
		s.syncDone = make(chan struct{})
	}
	closeSignal(&s.joinDone)
}

// applyAssignments stores the leader's SyncGroup plan and stabilizes the group.
func (s *groupState) applyAssignments(assignments []kmsg.SyncGroupRequestGroupAssignment) {
	for _, member := range s.members {
		member.assignment = nil
	}
	for _, a := range assignments {
		if member, ok := s.members[a.MemberID]; ok {
			member.assignment = append([]byte(nil), a.MemberAssignment...)
		}
	}
	s.markStable()
}

func (s *groupState) markStable() {
	if s.phase == groupStateDead {
		return
	}
	s.phase = groupStateStable
	s.rebalanceDeadline = time.Time{}
	closeSignal(&s.syncDone)
}

func (s *groupState) becomeEmpty(now time.Time) {
	s.phase = groupStateEmpty
	s.leaderID = ""
	s.protocolName = ""
	s.rebalanceDeadline = time.Time{}
	if s.emptySince.IsZero() {
		s.emptySince = now
	}
	closeSignal(&s.joinDone)
	closeSignal(&s.syncDone)
}

func (s *groupState) removeMember(id string) {
	delete(s.members, id)
	if s.leaderID == id {
		s.leaderID = ""
	}
}

// removeExpiredMembers evicts members whose session lapsed. Members parked in
// a pending join are exempt until the rebalance deadline handles them.
func (s *groupState) removeExpiredMembers(now time.Time) bool {
	changed := false
	for id, member := range s.members {
		if s.phase == groupStatePreparingRebalance && member.joined {
			continue
		}
		timeout := member.sessionTimeout
		if timeout == 0 {
			timeout = defaultSessionTimeout
		}
		if now.Sub(member.lastHeartbeat) > timeout {
			s.removeMember(id)
			changed = true
		}
	}
	return changed
}

func (s *groupState) rebalanceExpired(now time.Time) bool {
	return !s.rebalanceDeadline.IsZero() && !now.Before(s.rebalanceDeadline)
}

// validateMember checks membership and generation fencing.
func (s *groupState) validateMember(memberID string, generation int32) int16 {
	if s.phase == groupStateDead {
		return protocol.UNKNOWN_MEMBER_ID
	}
	if _, ok := s.members[memberID]; !ok {
		return protocol.UNKNOWN_MEMBER_ID
	}
	if generation != s.generationID {
		return protocol.ILLEGAL_GENERATION
	}
	return protocol.NONE
}

// validateCommit applies the commit gate in order: membership, generation,
// then phase.
func (s *groupState) validateCommit(memberID string, generation int32) int16 {
	if code := s.validateMember(memberID, generation); code != protocol.NONE {
		return code
	}
	if s.phase != groupStateStable {
		return protocol.REBALANCE_IN_PROGRESS
	}
	return protocol.NONE
}

func (s *groupState) fillJoinResponse(resp *kmsg.JoinGroupResponse, memberID string) {
	resp.ErrorCode = protocol.NONE
	resp.Generation = s.generationID
	resp.ProtocolType = kmsg.StringPtr(s.protocolType)
	resp.Protocol = kmsg.StringPtr(s.protocolName)
	resp.LeaderID = s.leaderID
	resp.MemberID = memberID
	resp.Members = nil
	if s.leaderID != memberID {
		return
	}
	for _, id := range s.sortedMembers() {
		m := kmsg.NewJoinGroupResponseMember()
		m.MemberID = id
		m.ProtocolMetadata = s.members[id].protocolMetadata(s.protocolName)
		resp.Members = append(resp.Members, m)
	}
}

func (s *groupState) snapshot() *metadata.ConsumerGroup {
	group := &metadata.ConsumerGroup{
		GroupID:      s.id,
		State:        s.phase.String(),
		ProtocolType: s.protocolType,
		Protocol:     s.protocolName,
		Leader:       s.leaderID,
		GenerationID: s.generationID,
		Members:      make(map[string]*metadata.GroupMember, len(s.members)),
	}
	if s.rebalanceTimeout > 0 {
		group.RebalanceTimeoutMs = int32(s.rebalanceTimeout / time.Millisecond)
	}
	if !s.emptySince.IsZero() {
		group.EmptySince = s.emptySince.UTC().Format(time.RFC3339Nano)
	}
	for id, member := range s.members {
		stored := &metadata.GroupMember{
			ClientID:         member.clientID,
			ClientHost:       member.clientHost,
			SessionTimeoutMs: int32(member.sessionTimeout / time.Millisecond),
			Protocols:        member.protocols,
			Assignment:       member.assignment,
		}
		if !member.lastHeartbeat.IsZero() {
			stored.HeartbeatAt = member.lastHeartbeat.UTC().Format(time.RFC3339Nano)
		}
		group.Members[id] = stored
	}
	return group.Clone()
}

// restoreGroupState rebuilds a group from its snapshot. Restored members get a
// fresh session, and an interrupted rebalance restarts from PreparingRebalance.
func restoreGroupState(group *metadata.ConsumerGroup, now time.Time) *groupState {
	state := newGroupState(group.GroupID)
	state.protocolType = group.ProtocolType
	state.protocolName = group.Protocol
	state.generationID = group.GenerationID
	state.leaderID = group.Leader
	state.phase = parseGroupPhase(group.State)
	if group.RebalanceTimeoutMs > 0 {
		state.rebalanceTimeout = time.Duration(group.RebalanceTimeoutMs) * time.Millisecond
	}
	if group.EmptySince != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, group.EmptySince); err == nil {
			state.emptySince = parsed
		}
	}
	for id, member := range group.Clone().Members {
		sessionTimeout := defaultSessionTimeout
		if member.SessionTimeoutMs > 0 {
			sessionTimeout = time.Duration(member.SessionTimeoutMs) * time.Millisecond
		}
		state.members[id] = &memberState{
			clientID:       member.ClientID,
			clientHost:     member.ClientHost,
			protocols:      member.Protocols,
			sessionTimeout: sessionTimeout,
			lastHeartbeat:  now,
			joinGeneration: group.GenerationID,
			assignment:     member.Assignment,
		}
	}
	switch {
	case len(state.members) == 0 && state.phase != groupStateDead:
		state.becomeEmpty(now)
	case state.phase == groupStatePreparingRebalance || state.phase == groupStateAwaitingSync:
		state.phase = groupStateStable
		state.startRebalance(now, state.rebalanceTimeout)
	}
	state.ensureLeader()
	return state
}

func closeSignal(ch *chan struct{}) {
	if *ch != nil {
		close(*ch)
		*ch = nil
	}
}
