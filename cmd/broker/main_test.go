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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/novatechflow/kafscale-coordinator/internal/testutil"
	"github.com/novatechflow/kafscale-coordinator/pkg/broker"
	"github.com/novatechflow/kafscale-coordinator/pkg/metadata"
	"github.com/novatechflow/kafscale-coordinator/pkg/pipeline"
	"github.com/novatechflow/kafscale-coordinator/pkg/protocol"
	"github.com/novatechflow/kafscale-coordinator/pkg/retry"
	"github.com/twmb/franz-go/pkg/kmsg"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) brokerConfig {
	t.Helper()
	t.Setenv("KAFSCALE_USE_MEMORY_S3", "1")
	cfg := loadConfig()
	cfg.EtcdEndpoints = nil
	cfg.PostgresDSN = ""
	cfg.Retry.Store = "memory"
	cfg.Retry.Mode = retry.ModeStore
	cfg.Retry.PolicyFile = ""
	cfg.Retry.RedeliveryBrokers = nil
	cfg.StartupTimeout = 2 * time.Second
	return cfg
}

func newTestApp(t *testing.T, cfg brokerConfig) *app {
	t.Helper()
	a, err := newApp(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(a.close)
	return a
}

func startedTestApp(t *testing.T) *app {
	t.Helper()
	a := newTestApp(t, testConfig(t))
	if err := a.runStartupChecks(context.Background()); err != nil {
		t.Fatalf("startup checks: %v", err)
	}
	return a
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, reader))
	return rec
}

func TestLoadConfigDefaults(t *testing.T) {
	for _, name := range []string{"KAFSCALE_BROKER_ADDR", "KAFSCALE_METRICS_ADDR", "KAFSCALE_RETRY_MODE", "KAFSCALE_RETRY_STORE", "KAFSCALE_OFFSET_METADATA_MAX_BYTES"} {
		t.Setenv(name, "")
	}
	cfg := loadConfig()
	if cfg.KafkaAddr != defaultKafkaAddr || cfg.MetricsAddr != defaultMetricsAddr || cfg.ControlAddr != defaultControlAddr {
		t.Fatalf("unexpected addresses %+v", cfg)
	}
	if cfg.MaxMetadataBytes != 4096 || cfg.Retry.Mode != retry.ModeStore || cfg.Retry.Store != "memory" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Retry.Policy.MaxRetries != 3 || cfg.Retry.Policy.Backoff != time.Second || cfg.Retry.Policy.ExpireAfter != 24*time.Hour {
		t.Fatalf("unexpected default policy %+v", cfg.Retry.Policy)
	}
	if cfg.CleanupInterval != 5*time.Second || cfg.EmptyGroupTTL != 10*time.Minute {
		t.Fatalf("unexpected group timers %+v", cfg)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("KAFSCALE_RETRY_MODE", "noop")
	t.Setenv("KAFSCALE_RETRY_STORE", "Redis")
	t.Setenv("KAFSCALE_RETRY_MAX_RETRIES", "7")
	t.Setenv("KAFSCALE_RETRY_BACKOFF_MS", "250")
	t.Setenv("KAFSCALE_RETRY_REDELIVERY_BROKERS", " a:9092, ,b:9092 ")
	t.Setenv("KAFSCALE_ETCD_ENDPOINTS", "http://e1:2379,http://e2:2379")
	t.Setenv("KAFSCALE_GROUP_SHARDS", "not-a-number")
	t.Setenv("KAFSCALE_TRACE_KAFKA", "yes")
	cfg := loadConfig()
	if cfg.Retry.Mode != "noop" || cfg.Retry.Store != "redis" {
		t.Fatalf("unexpected retry selection %+v", cfg.Retry)
	}
	if cfg.Retry.Policy.MaxRetries != 7 || cfg.Retry.Policy.Backoff != 250*time.Millisecond {
		t.Fatalf("unexpected policy %+v", cfg.Retry.Policy)
	}
	if strings.Join(cfg.Retry.RedeliveryBrokers, ",") != "a:9092,b:9092" || len(cfg.EtcdEndpoints) != 2 {
		t.Fatalf("unexpected lists %v %v", cfg.Retry.RedeliveryBrokers, cfg.EtcdEndpoints)
	}
	if cfg.GroupShards != 64 || !cfg.TraceKafka {
		t.Fatalf("unexpected shards=%d trace=%v", cfg.GroupShards, cfg.TraceKafka)
	}
}

func TestBuildBrokerInfoFromEnv(t *testing.T) {
	t.Setenv("KAFSCALE_BROKER_ID", "3")
	t.Setenv("KAFSCALE_BROKER_HOST", "")
	t.Setenv("KAFSCALE_BROKER_ADDR", "coord.internal:29092")
	info := buildBrokerInfo()
	if info.NodeID != 3 || info.Host != "coord.internal" || info.Port != 29092 {
		t.Fatalf("unexpected broker info %+v", info)
	}
	t.Setenv("KAFSCALE_BROKER_HOST", "public.example")
	t.Setenv("KAFSCALE_BROKER_ADDR", ":19092")
	info = buildBrokerInfo()
	if info.Host != "public.example" || info.Port != 19092 {
		t.Fatalf("host override ignored: %+v", info)
	}
}

func TestLogLevelFromEnv(t *testing.T) {
	t.Setenv("KAFSCALE_LOG_LEVEL", "debug")
	if !newLogger().Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("expected debug logging")
	}
	t.Setenv("KAFSCALE_LOG_LEVEL", "")
	logger := newLogger()
	if logger.Enabled(context.Background(), slog.LevelInfo) || !logger.Enabled(context.Background(), slog.LevelWarn) {
		t.Fatalf("expected warn as the default level")
	}
}

func TestBuildStoreDefaultsToMemory(t *testing.T) {
	store, client, closeStore := buildStore(context.Background(), brokerConfig{}, testLogger())
	defer closeStore()
	if _, ok := store.(*metadata.InMemoryStore); !ok || client != nil {
		t.Fatalf("expected in-memory store, got %T", store)
	}
}

func TestBuildStoreUsesEtcdAndSharesClient(t *testing.T) {
	endpoints := testutil.StartEmbeddedEtcd(t)
	cfg := brokerConfig{EtcdEndpoints: endpoints}
	cfg.Retry.Store = "etcd"
	store, client, closeStore := buildStore(context.Background(), cfg, testLogger())
	defer closeStore()
	if _, ok := store.(*metadata.EtcdStore); !ok || client == nil {
		t.Fatalf("expected etcd store, got %T", store)
	}
	rstore, err := buildRetryStore(context.Background(), cfg, client, testLogger())
	if err != nil {
		t.Fatalf("retry store: %v", err)
	}
	if _, ok := rstore.(*retry.EtcdStore); !ok {
		t.Fatalf("expected etcd retry store, got %T", rstore)
	}
	// closing the shared retry store must leave the offset store usable
	_ = rstore.Close()
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping after retry store close: %v", err)
	}
}

func TestBuildRetryStoreRejectsUnknown(t *testing.T) {
	cfg := brokerConfig{}
	cfg.Retry.Store = "cassandra"
	if _, err := buildRetryStore(context.Background(), cfg, nil, testLogger()); err == nil {
		t.Fatalf("expected unknown store error")
	}
	cfg.Retry.Store = "etcd"
	if _, err := buildRetryStore(context.Background(), cfg, nil, testLogger()); err == nil {
		t.Fatalf("expected etcd store to require endpoints")
	}
}

func TestNoopRetryMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retry.Mode = retry.ModeNoop
	a := newTestApp(t, cfg)
	if err := a.runStartupChecks(context.Background()); err != nil {
		t.Fatalf("startup: %v", err)
	}
	if _, ok := a.retry.(retry.Noop); !ok || a.sweeper != nil || a.archive != nil {
		t.Fatalf("expected noop backend without sweeper, got %T", a.retry)
	}
	rec := doJSON(t, a.newMetricsMux(), http.MethodPost, "/v1/retry", []*retry.Message{{ID: "m1", Topic: "orders", App: "billing"}})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("noop add should be accepted, got %d", rec.Code)
	}
}

func TestRetryAPILifecycle(t *testing.T) {
	a := startedTestApp(t)
	mux := a.newMetricsMux()

	rec := doJSON(t, mux, http.MethodPost, "/v1/retry", []*retry.Message{
		{ID: "m1", Topic: "orders", App: "billing", Payload: []byte("one")},
		{ID: "m2", Topic: "orders", App: "billing", Payload: []byte("two")},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("add: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, mux, http.MethodGet, "/v1/retry/orders/billing?count=1", nil)
	var page retryPage
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("list: %d %v", rec.Code, err)
	}
	if len(page.Messages) != 1 || page.Messages[0].ID != "m1" {
		t.Fatalf("unexpected page %+v", page)
	}
	rec = doJSON(t, mux, http.MethodGet, fmt.Sprintf("/v1/retry/orders/billing?count=10&start=%d", page.Next), nil)
	page = retryPage{}
	_ = json.Unmarshal(rec.Body.Bytes(), &page)
	if len(page.Messages) != 1 || page.Messages[0].ID != "m2" {
		t.Fatalf("unexpected second page %+v", page)
	}

	rec = doJSON(t, mux, http.MethodPost, "/v1/retry/orders/billing/success", idsRequest{IDs: []string{"m1"}})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("success: %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, mux, http.MethodGet, "/v1/retry/orders/billing/count", nil)
	if !strings.Contains(rec.Body.String(), `"count":1`) {
		t.Fatalf("unexpected count %s", rec.Body.String())
	}

	rec = doJSON(t, mux, http.MethodGet, "/v1/retry/orders/billing/history", nil)
	var history map[string][]*retry.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("history: %d %v", rec.Code, err)
	}
	if len(history["messages"]) != 1 || history["messages"][0].State != retry.StateSuccess {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestRetryAPIErrors(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	mux := a.newMetricsMux()

	rec := doJSON(t, mux, http.MethodPost, "/v1/retry", []*retry.Message{{ID: "m1", Topic: "orders", App: "billing"}})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before start, got %d", rec.Code)
	}
	if err := a.runStartupChecks(context.Background()); err != nil {
		t.Fatalf("startup: %v", err)
	}
	rec = doJSON(t, mux, http.MethodPost, "/v1/retry", []*retry.Message{{ID: "m1"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid message, got %d", rec.Code)
	}
	rec = doJSON(t, mux, http.MethodPost, "/v1/retry/orders/billing/replay", idsRequest{IDs: []string{"m1"}})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown action, got %d", rec.Code)
	}
	rec = doJSON(t, mux, http.MethodGet, "/v1/retry/orders/billing?count=-1", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad count, got %d", rec.Code)
	}
}

type brokenRetryStore struct{ *retry.MemoryStore }

func (s *brokenRetryStore) Put(ctx context.Context, msg *retry.Message) error {
	return errors.New("disk full")
}

func TestRetryAPIPersistenceErrorIs500(t *testing.T) {
	manager := retry.NewManager(retry.Config{Store: &brokenRetryStore{retry.NewMemoryStore()}, Logger: testLogger()})
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer manager.Stop()
	mux := http.NewServeMux()
	(&retryAPI{backend: manager, logger: testLogger()}).register(mux)
	rec := doJSON(t, mux, http.MethodPost, "/v1/retry", []*retry.Message{{ID: "m1", Topic: "orders", App: "billing"}})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	rec = doJSON(t, mux, http.MethodGet, "/v1/retry/orders/billing/history", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without archive, got %d", rec.Code)
	}
}

func TestReadyzFollowsStoreHealth(t *testing.T) {
	a := startedTestApp(t)
	mux := a.newMetricsMux()
	if rec := doJSON(t, mux, http.MethodGet, "/readyz", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rec.Code)
	}
	for i := 0; i < 10; i++ {
		a.health.RecordOperation("commit_offset", time.Millisecond, errors.New("etcd down"))
	}
	rec := doJSON(t, mux, http.MethodGet, "/readyz", nil)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "unavailable") {
		t.Fatalf("expected not ready, got %d %s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(t, mux, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz should stay up, got %d", rec.Code)
	}
}

func TestMetricsEndpointExposesCollectors(t *testing.T) {
	a := startedTestApp(t)
	commitRate.add(1)
	rec := doJSON(t, a.newMetricsMux(), http.MethodGet, "/metrics", nil)
	body := rec.Body.String()
	for _, name := range []string{"kafscale_offset_commit_rate", "kafscale_retry_outstanding"} {
		if !strings.Contains(body, name) {
			t.Fatalf("expected %s in metrics output", name)
		}
	}
}

type pingFailStore struct{ *metadata.InMemoryStore }

func (pingFailStore) Ping(ctx context.Context) error { return metadata.ErrStoreUnavailable }

func TestStartupChecksStoreFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.StartupTimeout = 300 * time.Millisecond
	a := newTestApp(t, cfg)
	a.store = pingFailStore{metadata.NewInMemoryStore()}
	err := a.runStartupChecks(context.Background())
	if err == nil || !strings.Contains(err.Error(), "offset store readiness check failed") {
		t.Fatalf("expected readiness failure, got %v", err)
	}
	if a.retry.IsStarted() {
		t.Fatalf("retry backend should not start after a failed check")
	}
}

func TestControlServerReportsHealth(t *testing.T) {
	a := startedTestApp(t)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := lis.Addr().String()
	_ = lis.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := startControlServer(ctx, addr, a.healthServer, testLogger()); err != nil {
		t.Fatalf("control server: %v", err)
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		rctx, rcancel := context.WithTimeout(ctx, 5*time.Second)
		defer rcancel()
		resp, err := client.Check(rctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatalf("check %q: %v", service, err)
		}
		return resp.GetStatus()
	}
	if check("") != healthpb.HealthCheckResponse_SERVING || check(healthServiceRetry) != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected serving after startup")
	}
	for i := 0; i < 10; i++ {
		a.health.RecordOperation("commit_offset", time.Millisecond, errors.New("etcd down"))
	}
	if check(healthServiceCoordinator) != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected coordinator not serving once the store is unavailable")
	}
}

func TestThroughputTracker(t *testing.T) {
	now := time.Unix(1000, 0)
	tracker := newThroughputTracker(10 * time.Second)
	tracker.now = func() time.Time { return now }
	if tracker.rate() != 0 {
		t.Fatalf("expected zero rate")
	}
	tracker.add(10)
	now = now.Add(time.Second)
	tracker.add(10)
	if got := tracker.rate(); got != 10 {
		t.Fatalf("expected 10/s over two buckets, got %v", got)
	}
	now = now.Add(time.Minute)
	if got := tracker.rate(); got != 0 {
		t.Fatalf("expected window to drain, got %v", got)
	}
}

func TestCommitThroughputCountsAcceptedPartitions(t *testing.T) {
	tracker := newThroughputTracker(time.Minute)
	terminal := handlerFunc(func(ctx context.Context, h *protocol.RequestHeader, req kmsg.Request) (kmsg.Response, error) {
		resp := req.ResponseKind().(*kmsg.OffsetCommitResponse)
		topic := kmsg.NewOffsetCommitResponseTopic()
		for _, code := range []int16{protocol.NONE, protocol.NONE, protocol.ILLEGAL_GENERATION} {
			part := kmsg.NewOffsetCommitResponseTopicPartition()
			part.ErrorCode = code
			topic.Partitions = append(topic.Partitions, part)
		}
		resp.Topics = append(resp.Topics, topic)
		return resp, nil
	})
	p := pipeline.New(terminal, commitThroughput(tracker))
	header := &protocol.RequestHeader{APIKey: protocol.APIKeyOffsetCommit, APIVersion: 8}
	if _, err := p.Handle(context.Background(), header, kmsg.NewPtrOffsetCommitRequest()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := tracker.rate(); got != 2 {
		t.Fatalf("expected 2 accepted partitions, got %v", got)
	}
}

type handlerFunc func(ctx context.Context, header *protocol.RequestHeader, req kmsg.Request) (kmsg.Response, error)

func (f handlerFunc) Handle(ctx context.Context, header *protocol.RequestHeader, req kmsg.Request) (kmsg.Response, error) {
	return f(ctx, header, req)
}

var _ broker.Handler = handlerFunc(nil)
