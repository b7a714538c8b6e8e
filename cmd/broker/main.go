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
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/novatechflow/kafscale-coordinator/pkg/broker"
	"github.com/novatechflow/kafscale-coordinator/pkg/cache"
	"github.com/novatechflow/kafscale-coordinator/pkg/metadata"
	"github.com/novatechflow/kafscale-coordinator/pkg/pipeline"
	"github.com/novatechflow/kafscale-coordinator/pkg/retry"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc/health"
)

// app holds the wired components of one broker process.
type app struct {
	cfg    brokerConfig
	logger *slog.Logger

	store        metadata.Store
	health       *broker.StoreHealthMonitor
	healthServer *health.Server
	coordinator  *broker.GroupCoordinator
	handler      broker.Handler

	retry      retry.Backend
	manager    *retry.Manager
	policyFile *retry.FileProvider
	archive    *retry.S3Archiver
	sweeper    *retry.Sweeper

	closers []func()
}

func newApp(ctx context.Context, cfg brokerConfig, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, healthServer: health.NewServer()}

	healthCfg := cfg.Health
	healthCfg.OnTransition = func(prev, next broker.StoreHealthState) {
		logger.Warn("store health changed", "from", prev, "to", next)
		a.syncHealth()
	}
	a.health = broker.NewStoreHealthMonitor(healthCfg)

	store, etcdClient, closeStore := buildStore(ctx, cfg, logger)
	a.store = store
	a.closers = append(a.closers, closeStore)

	a.coordinator = broker.NewGroupCoordinator(store, cfg.Broker, &broker.CoordinatorConfig{
		CleanupInterval:  cfg.CleanupInterval,
		EmptyGroupTTL:    cfg.EmptyGroupTTL,
		MaxMetadataBytes: cfg.MaxMetadataBytes,
		GroupShards:      cfg.GroupShards,
		Cache:            cache.NewOffsetCache(cfg.OffsetCacheBytes),
		Health:           a.health,
		Logger:           logger,
	})
	a.closers = append(a.closers, a.coordinator.Stop)

	router := broker.NewRouter(a.coordinator)
	a.handler = pipeline.New(router,
		pipeline.Recovery(logger),
		pipeline.Logging(logger.With("component", "trace"), cfg.TraceKafka),
		pipeline.Metrics(),
		pipeline.VersionGate(router.Versions),
		commitThroughput(commitRate),
	)

	if err := a.buildRetry(ctx, etcdClient); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) buildRetry(ctx context.Context, etcdClient *clientv3.Client) error {
	cfg := a.cfg
	provider, file, err := buildPolicyProvider(cfg)
	if err != nil {
		return fmt.Errorf("retry policy: %w", err)
	}
	a.policyFile = file

	var store retry.Store
	if !strings.EqualFold(cfg.Retry.Mode, retry.ModeNoop) {
		store, err = buildRetryStore(ctx, cfg, etcdClient, a.logger)
		if err != nil {
			return fmt.Errorf("retry store: %w", err)
		}
		a.closers = append(a.closers, func() { _ = store.Close() })
		if a.archive, err = buildArchiver(ctx, cfg, a.logger); err != nil {
			return err
		}
	}
	retryCfg := retry.Config{
		Mode:     cfg.Retry.Mode,
		Store:    store,
		Policy:   provider,
		Observer: a.health,
		Logger:   a.logger,
	}
	if a.archive != nil {
		retryCfg.Archiver = a.archive
	}
	backend, err := retry.New(retryCfg)
	if err != nil {
		return err
	}
	a.retry = backend
	manager, ok := backend.(*retry.Manager)
	if !ok {
		a.logger.Info("retry manager disabled", "mode", cfg.Retry.Mode)
		return nil
	}
	a.manager = manager
	dispatcher, closeDispatcher, err := buildDispatcher(cfg, a.logger)
	if err != nil {
		return fmt.Errorf("retry dispatcher: %w", err)
	}
	a.closers = append(a.closers, closeDispatcher)
	a.sweeper = retry.NewSweeper(manager, retry.SweeperConfig{
		Interval:        cfg.Retry.SweepInterval,
		Batch:           cfg.Retry.SweepBatch,
		InflightTimeout: cfg.Retry.InflightTimeout,
		Dispatcher:      dispatcher,
		Logger:          a.logger,
	})
	return nil
}

// runStartupChecks waits for the offset store, restores persisted groups and
// starts the retry backend.
func (a *app) runStartupChecks(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, a.cfg.StartupTimeout)
	defer cancel()

	a.logger.Info("running startup checks", "timeout", a.cfg.StartupTimeout)
	if err := a.verifyStore(ctx); err != nil {
		return err
	}
	if err := a.coordinator.Load(ctx); err != nil {
		return err
	}
	if err := a.retry.Start(ctx); err != nil {
		return fmt.Errorf("start retry backend: %w", err)
	}
	a.syncHealth()
	a.logger.Info("startup checks passed")
	return nil
}

func (a *app) verifyStore(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	probe := func() error {
		start := time.Now()
		err := a.store.Ping(ctx)
		a.health.RecordOperation("startup_probe", time.Since(start), err)
		return err
	}
	notify := func(err error, wait time.Duration) {
		a.logger.Warn("startup store probe failed, retrying", "error", err, "backoff", wait)
	}
	if err := backoff.RetryNotify(probe, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("offset store readiness check failed: %w", err)
	}
	return nil
}

func (a *app) readiness() (bool, string) {
	snap := a.health.Snapshot()
	ready := snap.State != broker.StoreStateUnavailable && !a.coordinator.Table().Loading()
	return ready, string(snap.State)
}

func (a *app) close() {
	if a.retry != nil {
		a.retry.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) run(ctx context.Context) error {
	if err := a.runStartupChecks(ctx); err != nil {
		return err
	}
	startMetricsServer(ctx, a.cfg.MetricsAddr, a.newMetricsMux(), a.logger)
	if err := startControlServer(ctx, a.cfg.ControlAddr, a.healthServer, a.logger); err != nil {
		a.logger.Error("control server listen error", "error", err)
	}
	if a.sweeper != nil {
		go a.sweeper.Run(ctx)
	}
	if a.policyFile != nil {
		go a.reloadPolicyOnHangup(ctx)
	}
	srv := &broker.Server{
		Addr:    a.cfg.KafkaAddr,
		Handler: a.handler,
		Logger:  a.logger,
	}
	if err := srv.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("broker server: %w", err)
	}
	srv.Wait()
	return nil
}

func (a *app) reloadPolicyOnHangup(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := a.policyFile.Reload(); err != nil {
				a.logger.Warn("retry policy reload failed; keeping previous policies", "error", err)
				continue
			}
			a.logger.Info("retry policy reloaded", "path", a.cfg.Retry.PolicyFile)
		}
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	a, err := newApp(ctx, loadConfig(), logger)
	if err != nil {
		logger.Error("broker setup failed", "error", err)
		os.Exit(1)
	}
	defer a.close()
	if err := a.run(ctx); err != nil {
		logger.Error("broker stopped", "error", err)
		a.close()
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	switch strings.ToLower(os.Getenv("KAFSCALE_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
	})
	return slog.New(handler).With("component", "broker")
}
