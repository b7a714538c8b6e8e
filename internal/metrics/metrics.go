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

package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "kafscale"

var (
	OffsetCommits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offset_commits_total",
			Help:      "Offset commit partition outcomes by Kafka error name.",
		},
		[]string{"result"},
	)
	OffsetFetchCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offset_fetch_cache_total",
			Help:      "Offset fetch lookups served from the cache or the store.",
		},
		[]string{"result"},
	)
	GroupRebalances = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "group_rebalances_total",
			Help:      "Rebalances started across all groups.",
		},
	)
	Groups = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "groups",
			Help:      "Consumer groups by state.",
		},
		[]string{"state"},
	)
	StoreHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_health_state",
			Help:      "1 for the current metadata store health state.",
		},
		[]string{"state"},
	)
	RetryTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_transitions_total",
			Help:      "Retry record transitions by target state.",
		},
		[]string{"to"},
	)
	RetryOutstanding = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retry_outstanding",
			Help:      "Retry records that are pending or in flight.",
		},
	)
	RetryRedeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_redeliveries_total",
			Help:      "Retry redelivery attempts by outcome.",
		},
		[]string{"result"},
	)
	PipelineRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_requests_total",
			Help:      "Requests handled by the pipeline by API and outcome.",
		},
		[]string{"api", "outcome"},
	)
	PipelineLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_latency_seconds",
			Help:      "Pipeline request latency by API.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"api"},
	)
	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Open Kafka client connections.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		OffsetCommits,
		OffsetFetchCache,
		GroupRebalances,
		Groups,
		StoreHealth,
		RetryTransitions,
		RetryOutstanding,
		RetryRedeliveries,
		PipelineRequests,
		PipelineLatency,
		ConnectionsActive,
	)
}
