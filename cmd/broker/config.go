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
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/novatechflow/kafscale-coordinator/pkg/broker"
	"github.com/novatechflow/kafscale-coordinator/pkg/protocol"
	"github.com/novatechflow/kafscale-coordinator/pkg/retry"
)

const (
	defaultKafkaAddr     = ":19092"
	defaultKafkaPort     = 19092
	defaultMetricsAddr   = ":19093"
	defaultControlAddr   = ":19094"
	defaultArchiveRegion = "us-east-1"
	brokerVersion        = "dev"
)

type brokerConfig struct {
	KafkaAddr   string
	MetricsAddr string
	ControlAddr string
	Broker      protocol.MetadataBroker
	TraceKafka  bool

	EtcdEndpoints []string
	EtcdUsername  string
	EtcdPassword  string
	PostgresDSN   string

	MaxMetadataBytes int
	OffsetCacheBytes int
	GroupShards      int
	CleanupInterval  time.Duration
	EmptyGroupTTL    time.Duration
	StartupTimeout   time.Duration
	Health           broker.StoreHealthConfig

	Retry retryConfig
}

type retryConfig struct {
	Mode       string
	Store      string
	PolicyFile string
	Policy     retry.Policy

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	SweepInterval   time.Duration
	SweepBatch      int
	InflightTimeout time.Duration

	RedeliveryBrokers []string
	RedeliverySuffix  string

	ArchiveBucket string
	S3Region      string
	S3Endpoint    string
	S3PathStyle   bool
	UseMemoryS3   bool
}

func loadConfig() brokerConfig {
	return brokerConfig{
		KafkaAddr:        envOrDefault("KAFSCALE_BROKER_ADDR", defaultKafkaAddr),
		MetricsAddr:      envOrDefault("KAFSCALE_METRICS_ADDR", defaultMetricsAddr),
		ControlAddr:      envOrDefault("KAFSCALE_CONTROL_ADDR", defaultControlAddr),
		Broker:           buildBrokerInfo(),
		TraceKafka:       parseEnvBool("KAFSCALE_TRACE_KAFKA", false),
		EtcdEndpoints:    parseCSV(os.Getenv("KAFSCALE_ETCD_ENDPOINTS")),
		EtcdUsername:     os.Getenv("KAFSCALE_ETCD_USERNAME"),
		EtcdPassword:     os.Getenv("KAFSCALE_ETCD_PASSWORD"),
		PostgresDSN:      strings.TrimSpace(os.Getenv("KAFSCALE_POSTGRES_DSN")),
		MaxMetadataBytes: parseEnvInt("KAFSCALE_OFFSET_METADATA_MAX_BYTES", 4096),
		OffsetCacheBytes: parseEnvInt("KAFSCALE_OFFSET_CACHE_BYTES", 8<<20),
		GroupShards:      parseEnvInt("KAFSCALE_GROUP_SHARDS", 64),
		CleanupInterval:  parseEnvDuration("KAFSCALE_GROUP_CLEANUP_INTERVAL_MS", 5000, time.Millisecond),
		EmptyGroupTTL:    parseEnvDuration("KAFSCALE_GROUP_EMPTY_TTL_SEC", 600, time.Second),
		StartupTimeout:   parseEnvDuration("KAFSCALE_STARTUP_TIMEOUT_SEC", 30, time.Second),
		Health: broker.StoreHealthConfig{
			Window:      parseEnvDuration("KAFSCALE_STORE_HEALTH_WINDOW_SEC", 60, time.Second),
			LatencyWarn: parseEnvDuration("KAFSCALE_STORE_LATENCY_WARN_MS", 250, time.Millisecond),
			LatencyCrit: parseEnvDuration("KAFSCALE_STORE_LATENCY_CRIT_MS", 2000, time.Millisecond),
			ErrorWarn:   parseEnvFloat("KAFSCALE_STORE_ERROR_RATE_WARN", 0.2),
			ErrorCrit:   parseEnvFloat("KAFSCALE_STORE_ERROR_RATE_CRIT", 0.6),
		},
		Retry: retryConfig{
			Mode:       envOrDefault("KAFSCALE_RETRY_MODE", retry.ModeStore),
			Store:      strings.ToLower(envOrDefault("KAFSCALE_RETRY_STORE", "memory")),
			PolicyFile: strings.TrimSpace(os.Getenv("KAFSCALE_RETRY_POLICY_FILE")),
			Policy: retry.Policy{
				MaxRetries:  parseEnvInt32("KAFSCALE_RETRY_MAX_RETRIES", retry.DefaultPolicy.MaxRetries),
				Backoff:     parseEnvDuration("KAFSCALE_RETRY_BACKOFF_MS", 1000, time.Millisecond),
				MaxBackoff:  parseEnvDuration("KAFSCALE_RETRY_MAX_BACKOFF_MS", 60000, time.Millisecond),
				Multiplier:  retry.DefaultPolicy.Multiplier,
				ExpireAfter: parseEnvDuration("KAFSCALE_RETRY_EXPIRE_SEC", 86400, time.Second),
			},
			RedisAddr:         envOrDefault("KAFSCALE_REDIS_ADDR", "127.0.0.1:6379"),
			RedisPassword:     os.Getenv("KAFSCALE_REDIS_PASSWORD"),
			RedisDB:           parseEnvInt("KAFSCALE_REDIS_DB", 0),
			RedisPrefix:       envOrDefault("KAFSCALE_REDIS_PREFIX", "kafscale:"),
			SweepInterval:     parseEnvDuration("KAFSCALE_RETRY_SWEEP_INTERVAL_MS", 1000, time.Millisecond),
			SweepBatch:        parseEnvInt("KAFSCALE_RETRY_SWEEP_BATCH", 100),
			InflightTimeout:   parseEnvDuration("KAFSCALE_RETRY_INFLIGHT_TIMEOUT_SEC", 300, time.Second),
			RedeliveryBrokers: parseCSV(os.Getenv("KAFSCALE_RETRY_REDELIVERY_BROKERS")),
			RedeliverySuffix:  envOrDefault("KAFSCALE_RETRY_REDELIVERY_TOPIC_SUFFIX", ".retry"),
			ArchiveBucket:     strings.TrimSpace(os.Getenv("KAFSCALE_RETRY_ARCHIVE_BUCKET")),
			S3Region:          envOrDefault("KAFSCALE_S3_REGION", defaultArchiveRegion),
			S3Endpoint:        strings.TrimSpace(os.Getenv("KAFSCALE_S3_ENDPOINT")),
			S3PathStyle:       parseEnvBool("KAFSCALE_S3_PATH_STYLE", true),
			UseMemoryS3:       parseEnvBool("KAFSCALE_USE_MEMORY_S3", false),
		},
	}
}

func buildBrokerInfo() protocol.MetadataBroker {
	id := parseEnvInt32("KAFSCALE_BROKER_ID", 1)
	host := os.Getenv("KAFSCALE_BROKER_HOST")
	port := parseEnvInt("KAFSCALE_BROKER_PORT", defaultKafkaPort)
	if addr := strings.TrimSpace(os.Getenv("KAFSCALE_BROKER_ADDR")); addr != "" {
		parsedHost, parsedPort := parseBrokerAddr(addr)
		if parsedHost != "" && host == "" {
			host = parsedHost
		}
		port = parsedPort
	}
	if host == "" {
		host = "localhost"
	}
	return protocol.MetadataBroker{
		NodeID: id,
		Host:   host,
		Port:   intToInt32(port, int32(defaultKafkaPort)),
	}
}

func parseBrokerAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return strings.TrimSpace(addr), defaultKafkaPort
	}
	port := defaultKafkaPort
	if parsedPort, err := strconv.Atoi(portStr); err == nil {
		port = parsedPort
	}
	return host, port
}

func parseEnvInt(name string, fallback int) int {
	if val := strings.TrimSpace(os.Getenv(name)); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseEnvInt32(name string, fallback int32) int32 {
	if val := strings.TrimSpace(os.Getenv(name)); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 32); err == nil {
			return int32(parsed)
		}
	}
	return fallback
}

// parseEnvDuration reads an integer count of unit.
func parseEnvDuration(name string, fallback int, unit time.Duration) time.Duration {
	return time.Duration(parseEnvInt(name, fallback)) * unit
}

func intToInt32(value int, fallback int32) int32 {
	const minInt32 = -1 << 31
	const maxInt32 = 1<<31 - 1
	if value < minInt32 || value > maxInt32 {
		return fallback
	}
	return int32(value)
}

func envOrDefault(name, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(name)); val != "" {
		return val
	}
	return fallback
}

func parseEnvFloat(name string, fallback float64) float64 {
	if val := strings.TrimSpace(os.Getenv(name)); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseEnvBool(name string, fallback bool) bool {
	if val := strings.TrimSpace(os.Getenv(name)); val != "" {
		switch strings.ToLower(val) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func parseCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
