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

// ConsumerGroup is the persisted snapshot of a consumer group.
type ConsumerGroup struct {
	GroupID            string                  `json:"group_id"`
	State              string                  `json:"state"`
	ProtocolType       string                  `json:"protocol_type,omitempty"`
	Protocol           string                  `json:"protocol,omitempty"`
	Leader             string                  `json:"leader,omitempty"`
	GenerationID       int32                   `json:"generation_id"`
	RebalanceTimeoutMs int32                   `json:"rebalance_timeout_ms,omitempty"`
	EmptySince         string                  `json:"empty_since,omitempty"`
	Members            map[string]*GroupMember `json:"members,omitempty"`
}

// GroupMember is the persisted view of one member.
type GroupMember struct {
	ClientID         string           `json:"client_id,omitempty"`
	ClientHost       string           `json:"client_host,omitempty"`
	SessionTimeoutMs int32            `json:"session_timeout_ms"`
	HeartbeatAt      string           `json:"heartbeat_at,omitempty"`
	Protocols        []MemberProtocol `json:"protocols,omitempty"`
	Assignment       []byte           `json:"assignment,omitempty"`
}

// MemberProtocol is one (name, metadata) pair a member offered on join.
type MemberProtocol struct {
	Name     string `json:"name"`
	Metadata []byte `json:"metadata,omitempty"`
}

// Clone returns a deep copy of g.
func (g *ConsumerGroup) Clone() *ConsumerGroup {
	if g == nil {
		return nil
	}
	out := *g
	if g.Members != nil {
		out.Members = make(map[string]*GroupMember, len(g.Members))
		for id, member := range g.Members {
			if member == nil {
				continue
			}
			copied := *member
			copied.Assignment = append([]byte(nil), member.Assignment...)
			copied.Protocols = make([]MemberProtocol, 0, len(member.Protocols))
			for _, p := range member.Protocols {
				copied.Protocols = append(copied.Protocols, MemberProtocol{
					Name:     p.Name,
					Metadata: append([]byte(nil), p.Metadata...),
				})
			}
			out.Members[id] = &copied
		}
	}
	return &out
}
