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
	"fmt"

	"github.com/novatechflow/kafscale-coordinator/pkg/protocol"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// ErrUnroutable is returned for decoded requests the coordinator does not serve.
var ErrUnroutable = errors.New("api not served by coordinator")

// SupportedApiVersions lists the APIs and version ranges the router answers.
func SupportedApiVersions() []protocol.ApiVersion {
	return []protocol.ApiVersion{
		{APIKey: protocol.APIKeyMetadata, MinVersion: 1, MaxVersion: 12},
		{APIKey: protocol.APIKeyOffsetCommit, MinVersion: 0, MaxVersion: 8},
		{APIKey: protocol.APIKeyOffsetFetch, MinVersion: 0, MaxVersion: 8},
		{APIKey: protocol.APIKeyFindCoordinator, MinVersion: 0, MaxVersion: 4},
		{APIKey: protocol.APIKeyJoinGroup, MinVersion: 0, MaxVersion: 9},
		{APIKey: protocol.APIKeyHeartbeat, MinVersion: 0, MaxVersion: 4},
		{APIKey: protocol.APIKeyLeaveGroup, MinVersion: 0, MaxVersion: 5},
		{APIKey: protocol.APIKeySyncGroup, MinVersion: 0, MaxVersion: 5},
		{APIKey: protocol.APIKeyDescribeGroups, MinVersion: 0, MaxVersion: 5},
		{APIKey: protocol.APIKeyListGroups, MinVersion: 0, MaxVersion: 4},
		{APIKey: protocol.APIKeyApiVersion, MinVersion: 0, MaxVersion: 3},
	}
}

// Router is the terminal request handler: it dispatches each decoded request
// to the coordinator operation that serves it.
type Router struct {
	Coordinator *GroupCoordinator
	Versions    []protocol.ApiVersion
}

// NewRouter builds a router over coordinator advertising SupportedApiVersions.
func NewRouter(coordinator *GroupCoordinator) *Router {
	return &Router{Coordinator: coordinator, Versions: SupportedApiVersions()}
}

// Handle implements Handler.
func (r *Router) Handle(ctx context.Context, header *protocol.RequestHeader, req kmsg.Request) (kmsg.Response, error) {
	c := r.Coordinator
	switch req := req.(type) {
	case *kmsg.ApiVersionsRequest:
		return ApiVersionsResponse(req, r.Versions, protocol.NONE), nil
	case *kmsg.MetadataRequest:
		return r.metadata(req), nil
	case *kmsg.FindCoordinatorRequest:
		return c.FindCoordinator(req), nil
	case *kmsg.JoinGroupRequest:
		return c.JoinGroup(ctx, header, req), nil
	case *kmsg.SyncGroupRequest:
		return c.SyncGroup(ctx, req), nil
	case *kmsg.HeartbeatRequest:
		return c.Heartbeat(ctx, req), nil
	case *kmsg.LeaveGroupRequest:
		return c.LeaveGroup(ctx, req), nil
	case *kmsg.OffsetCommitRequest:
		return c.OffsetCommit(ctx, req), nil
	case *kmsg.OffsetFetchRequest:
		return c.OffsetFetch(ctx, req), nil
	case *kmsg.ListGroupsRequest:
		return c.ListGroups(req), nil
	case *kmsg.DescribeGroupsRequest:
		return c.DescribeGroups(req), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnroutable, protocol.APIName(req.Key()))
	}
}

// ApiVersionsResponse builds the ApiVersions answer for versions. On an error
// the body is downgraded to v0 so any client can read it.
func ApiVersionsResponse(req *kmsg.ApiVersionsRequest, versions []protocol.ApiVersion, code int16) *kmsg.ApiVersionsResponse {
	resp := req.ResponseKind().(*kmsg.ApiVersionsResponse)
	if code != protocol.NONE {
		resp.SetVersion(0)
	}
	resp.ErrorCode = code
	for _, v := range versions {
		key := kmsg.NewApiVersionsResponseApiKey()
		key.ApiKey = v.APIKey
		key.MinVersion = v.MinVersion
		key.MaxVersion = v.MaxVersion
		resp.ApiKeys = append(resp.ApiKeys, key)
	}
	return resp
}

// metadata advertises this broker only. Topics are not hosted here.
func (r *Router) metadata(req *kmsg.MetadataRequest) *kmsg.MetadataResponse {
	resp := req.ResponseKind().(*kmsg.MetadataResponse)
	self := r.Coordinator.broker
	b := kmsg.NewMetadataResponseBroker()
	b.NodeID = self.NodeID
	b.Host = self.Host
	b.Port = self.Port
	resp.Brokers = append(resp.Brokers, b)
	resp.ControllerID = self.NodeID
	for _, t := range req.Topics {
		mt := kmsg.NewMetadataResponseTopic()
		mt.Topic = t.Topic
		mt.TopicID = t.TopicID
		mt.ErrorCode = protocol.UNKNOWN_TOPIC_OR_PARTITION
		resp.Topics = append(resp.Topics, mt)
	}
	return resp
}
