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

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/novatechflow/kafscale-coordinator/pkg/broker"
	"github.com/novatechflow/kafscale-coordinator/pkg/cache"
	"github.com/novatechflow/kafscale-coordinator/pkg/metadata"
	"github.com/novatechflow/kafscale-coordinator/pkg/protocol"
	"github.com/twmb/franz-go/pkg/kmsg"
)

type handlerFunc func(ctx context.Context, header *protocol.RequestHeader, req kmsg.Request) (kmsg.Response, error)

func (f handlerFunc) Handle(ctx context.Context, header *protocol.RequestHeader, req kmsg.Request) (kmsg.Response, error) {
	return f(ctx, header, req)
}

func header(key, version int16) *protocol.RequestHeader {
	return &protocol.RequestHeader{APIKey: key, APIVersion: version, CorrelationID: 7, ClientID: kmsg.StringPtr("tester")}
}

func recordStage(trail *[]string, name string) Interceptor {
	return InterceptorFunc(func(ctx context.Context, req *Request, next Next) (kmsg.Response, error) {
		*trail = append(*trail, name+">")
		resp, err := next(ctx, req)
		*trail = append(*trail, "<"+name)
		return resp, err
	})
}

func TestPipelineRunsInterceptorsInOrder(t *testing.T) {
	var trail []string
	terminal := handlerFunc(func(ctx context.Context, h *protocol.RequestHeader, req kmsg.Request) (kmsg.Response, error) {
		trail = append(trail, "terminal")
		return req.ResponseKind(), nil
	})
	p := New(terminal, recordStage(&trail, "a"), nil, recordStage(&trail, "b"))
	resp, err := p.Handle(context.Background(), header(protocol.APIKeyHeartbeat, 4), kmsg.NewPtrHeartbeatRequest())
	if err != nil || resp == nil {
		t.Fatalf("handle: resp=%v err=%v", resp, err)
	}
	want := "a> b> terminal <b <a"
	if got := strings.Join(trail, " "); got != want {
		t.Fatalf("unexpected order %q, want %q", got, want)
	}
}

func TestInterceptorShortCircuits(t *testing.T) {
	terminalCalled := false
	terminal := handlerFunc(func(ctx context.Context, h *protocol.RequestHeader, req kmsg.Request) (kmsg.Response, error) {
		terminalCalled = true
		return req.ResponseKind(), nil
	})
	laterCalled := false
	later := InterceptorFunc(func(ctx context.Context, req *Request, next Next) (kmsg.Response, error) {
		laterCalled = true
		return next(ctx, req)
	})
	deny := InterceptorFunc(func(ctx context.Context, req *Request, next Next) (kmsg.Response, error) {
		resp := req.Body.ResponseKind().(*kmsg.HeartbeatResponse)
		resp.ErrorCode = protocol.REBALANCE_IN_PROGRESS
		return resp, nil
	})
	p := New(terminal, deny, later)
	resp, err := p.Handle(context.Background(), header(protocol.APIKeyHeartbeat, 4), kmsg.NewPtrHeartbeatRequest())
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.(*kmsg.HeartbeatResponse).ErrorCode != protocol.REBALANCE_IN_PROGRESS {
		t.Fatalf("expected the short-circuit response")
	}
	if terminalCalled || laterCalled {
		t.Fatalf("later stages should not run after a short-circuit")
	}
}

func TestInterceptorCanRewriteRequest(t *testing.T) {
	var seen string
	terminal := handlerFunc(func(ctx context.Context, h *protocol.RequestHeader, req kmsg.Request) (kmsg.Response, error) {
		seen = req.(*kmsg.HeartbeatRequest).Group
		return req.ResponseKind(), nil
	})
	rewrite := InterceptorFunc(func(ctx context.Context, req *Request, next Next) (kmsg.Response, error) {
		hb := *req.Body.(*kmsg.HeartbeatRequest)
		hb.Group = "tenant-a." + hb.Group
		return next(ctx, &Request{Header: req.Header, Body: &hb})
	})
	body := kmsg.NewPtrHeartbeatRequest()
	body.Group = "orders"
	if _, err := New(terminal, rewrite).Handle(context.Background(), header(protocol.APIKeyHeartbeat, 4), body); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if seen != "tenant-a.orders" {
		t.Fatalf("terminal saw %q", seen)
	}
}

func TestRecoveryConvertsPanic(t *testing.T) {
	terminal := handlerFunc(func(ctx context.Context, h *protocol.RequestHeader, req kmsg.Request) (kmsg.Response, error) {
		panic("boom")
	})
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	_, err := New(terminal, Recovery(logger)).Handle(context.Background(), header(protocol.APIKeyHeartbeat, 4), kmsg.NewPtrHeartbeatRequest())
	if !errors.Is(err, ErrPanic) {
		t.Fatalf("expected ErrPanic, got %v", err)
	}
	if !strings.Contains(buf.String(), "boom") {
		t.Fatalf("expected panic to be logged, got %q", buf.String())
	}
}

func TestVersionGate(t *testing.T) {
	terminal := handlerFunc(func(ctx context.Context, h *protocol.RequestHeader, req kmsg.Request) (kmsg.Response, error) {
		return req.ResponseKind(), nil
	})
	versions := []protocol.ApiVersion{
		{APIKey: protocol.APIKeyApiVersion, MinVersion: 0, MaxVersion: 3},
		{APIKey: protocol.APIKeyOffsetCommit, MinVersion: 2, MaxVersion: 8},
	}
	p := New(terminal, VersionGate(versions))
	ctx := context.Background()

	apiReq := kmsg.NewPtrApiVersionsRequest()
	apiReq.SetVersion(9)
	resp, err := p.Handle(ctx, header(protocol.APIKeyApiVersion, 9), apiReq)
	if err != nil {
		t.Fatalf("api versions: %v", err)
	}
	av := resp.(*kmsg.ApiVersionsResponse)
	if av.ErrorCode != protocol.UNSUPPORTED_VERSION || av.GetVersion() != 0 || len(av.ApiKeys) != 2 {
		t.Fatalf("unexpected api versions response %+v", av)
	}

	commit := kmsg.NewPtrOffsetCommitRequest()
	if _, err := p.Handle(ctx, header(protocol.APIKeyOffsetCommit, 1), commit); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
	if _, err := p.Handle(ctx, header(protocol.APIKeyOffsetCommit, 8), commit); err != nil {
		t.Fatalf("in-range commit: %v", err)
	}
	// keys outside the table are left to the terminal handler
	if _, err := p.Handle(ctx, header(protocol.APIKeyHeartbeat, 99), kmsg.NewPtrHeartbeatRequest()); err != nil {
		t.Fatalf("unlisted key: %v", err)
	}
}

func TestLoggingTracesCommitRows(t *testing.T) {
	terminal := handlerFunc(func(ctx context.Context, h *protocol.RequestHeader, req kmsg.Request) (kmsg.Response, error) {
		resp := req.ResponseKind().(*kmsg.OffsetCommitResponse)
		topic := kmsg.NewOffsetCommitResponseTopic()
		topic.Topic = "orders"
		for _, code := range []int16{protocol.NONE, protocol.OFFSET_METADATA_TOO_LARGE} {
			part := kmsg.NewOffsetCommitResponseTopicPartition()
			part.Partition = int32(len(topic.Partitions))
			part.ErrorCode = code
			topic.Partitions = append(topic.Partitions, part)
		}
		resp.Topics = append(resp.Topics, topic)
		return resp, nil
	})
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	req := kmsg.NewPtrOffsetCommitRequest()
	req.Group = "billing"
	if _, err := New(terminal, Logging(logger, true)).Handle(context.Background(), header(protocol.APIKeyOffsetCommit, 8), req); err != nil {
		t.Fatalf("handle: %v", err)
	}
	out := buf.String()
	if strings.Count(out, "offset commit row") != 2 || !strings.Contains(out, "group=billing") {
		t.Fatalf("unexpected trace output %q", out)
	}

	buf.Reset()
	if _, err := New(terminal, Logging(logger, false)).Handle(context.Background(), header(protocol.APIKeyOffsetCommit, 8), req); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no output without trace, got %q", buf.String())
	}
}

func TestMetricsPassesThrough(t *testing.T) {
	failure := errors.New("nope")
	terminal := handlerFunc(func(ctx context.Context, h *protocol.RequestHeader, req kmsg.Request) (kmsg.Response, error) {
		return nil, failure
	})
	if _, err := New(terminal, Metrics()).Handle(context.Background(), header(protocol.APIKeyHeartbeat, 4), kmsg.NewPtrHeartbeatRequest()); !errors.Is(err, failure) {
		t.Fatalf("expected terminal error, got %v", err)
	}
}

func TestPipelineOverRouter(t *testing.T) {
	c := broker.NewGroupCoordinator(metadata.NewInMemoryStore(), protocol.MetadataBroker{NodeID: 1, Host: "127.0.0.1", Port: 19092}, &broker.CoordinatorConfig{
		CleanupInterval: time.Hour,
		Cache:           cache.NewOffsetCache(1 << 20),
		Logger:          slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
	})
	defer c.Stop()
	router := broker.NewRouter(c)
	p := New(router, Recovery(nil), Metrics(), VersionGate(router.Versions))

	req := kmsg.NewPtrFindCoordinatorRequest()
	req.Version = 3
	req.CoordinatorKey = "billing"
	resp, err := p.Handle(context.Background(), header(protocol.APIKeyFindCoordinator, 3), req)
	if err != nil {
		t.Fatalf("find coordinator: %v", err)
	}
	fc := resp.(*kmsg.FindCoordinatorResponse)
	if fc.ErrorCode != protocol.NONE || fc.NodeID != 1 || fc.Host != "127.0.0.1" {
		t.Fatalf("unexpected response %+v", fc)
	}
}
