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

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

func main() {
	mode := strings.ToLower(envOrDefault("KAFSCALE_E2E_MODE", "group"))
	brokerAddr := strings.TrimSpace(os.Getenv("KAFSCALE_E2E_BROKER_ADDR"))
	timeout := time.Duration(parseEnvInt("KAFSCALE_E2E_TIMEOUT_SEC", 40)) * time.Second

	switch mode {
	case "group":
		if brokerAddr == "" {
			log.Fatalf("KAFSCALE_E2E_BROKER_ADDR is required")
		}
		flow := groupFlow{
			Group:      envOrDefault("KAFSCALE_E2E_GROUP", "kafscale-e2e"),
			Topic:      envOrDefault("KAFSCALE_E2E_TOPIC", "orders"),
			Partitions: parseEnvInt32("KAFSCALE_E2E_PARTITIONS", 3),
			Offset:     parseEnvInt64("KAFSCALE_E2E_OFFSET", 42),
		}
		client, err := kgo.NewClient(
			kgo.SeedBrokers(brokerAddr),
			kgo.ClientID("kafscale-e2e"),
		)
		if err != nil {
			log.Fatalf("create client: %v", err)
		}
		defer client.Close()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := flow.run(ctx, client); err != nil {
			log.Fatalf("group flow: %v", err)
		}
		log.Printf("group %s committed offset %d on %d partitions of %s", flow.Group, flow.Offset, flow.Partitions, flow.Topic)
	case "probe":
		addrs := parseCSVAddrs(os.Getenv("KAFSCALE_E2E_ADDRS"))
		if len(addrs) == 0 {
			log.Fatalf("KAFSCALE_E2E_ADDRS is required for probe mode")
		}
		retries := parseEnvInt("KAFSCALE_E2E_PROBE_RETRIES", 5)
		if retries < 1 {
			retries = 1
		}
		sleep := time.Duration(parseEnvInt("KAFSCALE_E2E_PROBE_SLEEP_MS", 200)) * time.Millisecond
		if err := probeAddrs(addrs, 2*time.Second, retries, sleep, dialAddr); err != nil {
			log.Fatalf("probe: %v", err)
		}
		log.Printf("probed %d addresses", len(addrs))
	default:
		log.Fatalf("unknown KAFSCALE_E2E_MODE %q", mode)
	}
}

// groupFlow drives one member through join, sync, commit, fetch and leave.
type groupFlow struct {
	Group      string
	Topic      string
	Partitions int32
	Offset     int64
}

const maxJoinAttempts = 5

func (f groupFlow) run(ctx context.Context, client kmsg.Requestor) error {
	memberID, generation, err := f.join(ctx, client)
	if err != nil {
		return err
	}
	if err := f.sync(ctx, client, memberID, generation); err != nil {
		return err
	}
	if err := f.commit(ctx, client, memberID, generation); err != nil {
		return err
	}
	if err := f.verify(ctx, client); err != nil {
		return err
	}
	return f.leave(ctx, client, memberID)
}

func (f groupFlow) join(ctx context.Context, client kmsg.Requestor) (string, int32, error) {
	meta := kmsg.NewConsumerMemberMetadata()
	meta.Topics = []string{f.Topic}
	memberID := ""
	for attempt := 0; attempt < maxJoinAttempts; attempt++ {
		req := kmsg.NewPtrJoinGroupRequest()
		req.Group = f.Group
		req.MemberID = memberID
		req.SessionTimeoutMillis = 30000
		req.RebalanceTimeoutMillis = 30000
		req.ProtocolType = "consumer"
		proto := kmsg.NewJoinGroupRequestProtocol()
		proto.Name = "range"
		proto.Metadata = meta.AppendTo(nil)
		req.Protocols = append(req.Protocols, proto)

		resp, err := req.RequestWith(ctx, client)
		if err != nil {
			return "", 0, fmt.Errorf("join: %w", err)
		}
		err = kerr.ErrorForCode(resp.ErrorCode)
		switch {
		case err == nil:
			if resp.LeaderID != resp.MemberID {
				return "", 0, fmt.Errorf("join: expected to lead a single-member group, leader is %s", resp.LeaderID)
			}
			return resp.MemberID, resp.Generation, nil
		case errors.Is(err, kerr.RebalanceInProgress), errors.Is(err, kerr.MemberIDRequired):
			memberID = resp.MemberID
		default:
			return "", 0, fmt.Errorf("join: %w", err)
		}
	}
	return "", 0, fmt.Errorf("join: no stable generation after %d attempts", maxJoinAttempts)
}

func (f groupFlow) sync(ctx context.Context, client kmsg.Requestor, memberID string, generation int32) error {
	assignment := kmsg.NewConsumerMemberAssignment()
	topic := kmsg.NewConsumerMemberAssignmentTopic()
	topic.Topic = f.Topic
	for p := int32(0); p < f.Partitions; p++ {
		topic.Partitions = append(topic.Partitions, p)
	}
	assignment.Topics = append(assignment.Topics, topic)

	req := kmsg.NewPtrSyncGroupRequest()
	req.Group = f.Group
	req.MemberID = memberID
	req.Generation = generation
	member := kmsg.NewSyncGroupRequestGroupAssignment()
	member.MemberID = memberID
	member.MemberAssignment = assignment.AppendTo(nil)
	req.GroupAssignment = append(req.GroupAssignment, member)

	resp, err := req.RequestWith(ctx, client)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := kerr.ErrorForCode(resp.ErrorCode); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

func (f groupFlow) commit(ctx context.Context, client kmsg.Requestor, memberID string, generation int32) error {
	req := kmsg.NewPtrOffsetCommitRequest()
	req.Group = f.Group
	req.MemberID = memberID
	req.Generation = generation
	topic := kmsg.NewOffsetCommitRequestTopic()
	topic.Topic = f.Topic
	for p := int32(0); p < f.Partitions; p++ {
		part := kmsg.NewOffsetCommitRequestTopicPartition()
		part.Partition = p
		part.Offset = f.Offset
		meta := "e2e"
		part.Metadata = &meta
		topic.Partitions = append(topic.Partitions, part)
	}
	req.Topics = append(req.Topics, topic)

	resp, err := req.RequestWith(ctx, client)
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
				return fmt.Errorf("commit %s/%d: %w", t.Topic, p.Partition, err)
			}
		}
	}
	return nil
}

func (f groupFlow) verify(ctx context.Context, client kmsg.Requestor) error {
	req := kmsg.NewPtrOffsetFetchRequest()
	req.Group = f.Group
	topic := kmsg.NewOffsetFetchRequestTopic()
	topic.Topic = f.Topic
	for p := int32(0); p < f.Partitions; p++ {
		topic.Partitions = append(topic.Partitions, p)
	}
	req.Topics = append(req.Topics, topic)

	resp, err := req.RequestWith(ctx, client)
	if err != nil {
		return fmt.Errorf("fetch offsets: %w", err)
	}
	if err := kerr.ErrorForCode(resp.ErrorCode); err != nil {
		return fmt.Errorf("fetch offsets: %w", err)
	}
	seen := 0
	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
				return fmt.Errorf("fetch %s/%d: %w", t.Topic, p.Partition, err)
			}
			if p.Offset != f.Offset {
				return fmt.Errorf("fetch %s/%d: offset %d, want %d", t.Topic, p.Partition, p.Offset, f.Offset)
			}
			seen++
		}
	}
	if seen != int(f.Partitions) {
		return fmt.Errorf("fetch offsets: got %d partitions, want %d", seen, f.Partitions)
	}
	return nil
}

func (f groupFlow) leave(ctx context.Context, client kmsg.Requestor, memberID string) error {
	req := kmsg.NewPtrLeaveGroupRequest()
	req.Group = f.Group
	req.MemberID = memberID
	member := kmsg.NewLeaveGroupRequestMember()
	member.MemberID = memberID
	req.Members = append(req.Members, member)
	resp, err := req.RequestWith(ctx, client)
	if err != nil {
		return fmt.Errorf("leave: %w", err)
	}
	if err := kerr.ErrorForCode(resp.ErrorCode); err != nil {
		return fmt.Errorf("leave: %w", err)
	}
	return nil
}

type dialFunc func(addr string, timeout time.Duration) error

func dialAddr(addr string, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

func probeAddrs(addrs []string, timeout time.Duration, retries int, sleep time.Duration, dial dialFunc) error {
	for _, addr := range addrs {
		var lastErr error
		for attempt := 0; attempt < retries; attempt++ {
			if err := dial(addr, timeout); err == nil {
				lastErr = nil
				break
			} else {
				lastErr = err
			}
			time.Sleep(sleep)
		}
		if lastErr != nil {
			return fmt.Errorf("probe %s failed: %w", addr, lastErr)
		}
	}
	return nil
}

func parseCSVAddrs(raw string) []string {
	parts := strings.Split(raw, ",")
	addrs := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		addrs = append(addrs, part)
	}
	return addrs
}

func envOrDefault(name, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(name)); val != "" {
		return val
	}
	return fallback
}

func parseEnvInt(name string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(name))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseEnvInt32(name string, fallback int32) int32 {
	val := strings.TrimSpace(os.Getenv(name))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(val, 10, 32)
	if err != nil {
		return fallback
	}
	return int32(parsed)
}

func parseEnvInt64(name string, fallback int64) int64 {
	val := strings.TrimSpace(os.Getenv(name))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
