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
	"log/slog"

	"github.com/novatechflow/kafscale-coordinator/pkg/metadata"
	"github.com/novatechflow/kafscale-coordinator/pkg/retry"
	"github.com/novatechflow/kafscale-coordinator/pkg/storage"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// buildStore picks the offset and group store: Postgres when a DSN is set,
// etcd when endpoints are set, in-memory otherwise. A backend that cannot be
// reached falls back to memory. The etcd client, if any, is returned for
// sharing with the retry store.
func buildStore(ctx context.Context, cfg brokerConfig, logger *slog.Logger) (metadata.Store, *clientv3.Client, func()) {
	if cfg.PostgresDSN != "" {
		store, err := metadata.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err == nil {
			logger.Info("using postgres-backed offset store")
			return store, nil, func() { _ = store.Close() }
		}
		logger.Error("failed to initialize postgres store; trying next backend", "error", err)
	}
	if len(cfg.EtcdEndpoints) > 0 {
		store, err := metadata.NewEtcdStore(metadata.EtcdStoreConfig{
			Endpoints: cfg.EtcdEndpoints,
			Username:  cfg.EtcdUsername,
			Password:  cfg.EtcdPassword,
		})
		if err == nil {
			logger.Info("using etcd-backed offset store", "endpoints", cfg.EtcdEndpoints)
			return store, store.Client(), func() { _ = store.Close() }
		}
		logger.Error("failed to initialize etcd store; using in-memory", "error", err)
	}
	return metadata.NewInMemoryStore(), nil, func() {}
}

// buildRetryStore selects the retry record store. shared is reused for the
// etcd backend when the offset store already dialed etcd.
func buildRetryStore(ctx context.Context, cfg brokerConfig, shared *clientv3.Client, logger *slog.Logger) (retry.Store, error) {
	switch cfg.Retry.Store {
	case "", "memory":
		return retry.NewMemoryStore(), nil
	case "redis":
		store, err := retry.NewRedisStore(ctx, retry.RedisStoreConfig{
			Addr:      cfg.Retry.RedisAddr,
			Password:  cfg.Retry.RedisPassword,
			DB:        cfg.Retry.RedisDB,
			KeyPrefix: cfg.Retry.RedisPrefix,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("using redis-backed retry store", "addr", cfg.Retry.RedisAddr, "db", cfg.Retry.RedisDB)
		return store, nil
	case "etcd":
		if shared != nil {
			logger.Info("using etcd-backed retry store", "shared_client", true)
			return retry.NewEtcdStore(shared), nil
		}
		if len(cfg.EtcdEndpoints) == 0 {
			return nil, errors.New("KAFSCALE_RETRY_STORE=etcd requires KAFSCALE_ETCD_ENDPOINTS")
		}
		store, err := retry.NewEtcdStoreFromEndpoints(cfg.EtcdEndpoints, cfg.EtcdUsername, cfg.EtcdPassword)
		if err != nil {
			return nil, err
		}
		logger.Info("using etcd-backed retry store", "endpoints", cfg.EtcdEndpoints)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown retry store %q", cfg.Retry.Store)
	}
}

// buildPolicyProvider serves the policy file when one is configured and the
// env-derived default otherwise.
func buildPolicyProvider(cfg brokerConfig) (retry.PolicyProvider, *retry.FileProvider, error) {
	if cfg.Retry.PolicyFile == "" {
		return retry.NewStaticProvider(cfg.Retry.Policy), nil, nil
	}
	file, err := retry.NewFileProvider(cfg.Retry.PolicyFile, cfg.Retry.Policy)
	if err != nil {
		return nil, nil, err
	}
	return file, file, nil
}

// buildArchiver returns nil when no archive bucket is configured.
func buildArchiver(ctx context.Context, cfg brokerConfig, logger *slog.Logger) (*retry.S3Archiver, error) {
	if cfg.Retry.UseMemoryS3 {
		logger.Info("using in-memory S3 client for retry history", "env", "KAFSCALE_USE_MEMORY_S3=1")
		return retry.NewS3Archiver(storage.NewMemoryClient()), nil
	}
	if cfg.Retry.ArchiveBucket == "" {
		return nil, nil
	}
	client, err := storage.NewS3Client(ctx, storage.S3Config{
		Bucket:          cfg.Retry.ArchiveBucket,
		Region:          cfg.Retry.S3Region,
		Endpoint:        cfg.Retry.S3Endpoint,
		ForcePathStyle:  cfg.Retry.S3PathStyle,
		AccessKeyID:     envOrDefault("KAFSCALE_S3_ACCESS_KEY", ""),
		SecretAccessKey: envOrDefault("KAFSCALE_S3_SECRET_KEY", ""),
		SessionToken:    envOrDefault("KAFSCALE_S3_SESSION_TOKEN", ""),
		KMSKeyID:        envOrDefault("KAFSCALE_S3_KMS_ARN", ""),
	})
	if err != nil {
		return nil, fmt.Errorf("create archive S3 client: %w", err)
	}
	if err := client.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure archive bucket %s: %w", cfg.Retry.ArchiveBucket, err)
	}
	logger.Info("archiving retry history to S3", "bucket", cfg.Retry.ArchiveBucket, "region", cfg.Retry.S3Region, "endpoint", cfg.Retry.S3Endpoint)
	return retry.NewS3Archiver(client), nil
}

// buildDispatcher republishes to Kafka when redelivery brokers are set and
// only logs otherwise.
func buildDispatcher(cfg brokerConfig, logger *slog.Logger) (retry.Dispatcher, func(), error) {
	if len(cfg.Retry.RedeliveryBrokers) == 0 {
		return retry.LogDispatcher{Logger: logger}, func() {}, nil
	}
	d, err := retry.NewKafkaDispatcher(cfg.Retry.RedeliveryBrokers, cfg.Retry.RedeliverySuffix)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("redelivering retries through kafka", "brokers", cfg.Retry.RedeliveryBrokers, "suffix", cfg.Retry.RedeliverySuffix)
	return d, d.Close, nil
}
