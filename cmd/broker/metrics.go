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
	"sync"
	"time"

	"github.com/novatechflow/kafscale-coordinator/pkg/pipeline"
	"github.com/novatechflow/kafscale-coordinator/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kmsg"
)

var commitRate = newThroughputTracker(60 * time.Second)

func init() {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "kafscale",
			Name:      "offset_commit_rate",
			Help:      "Committed partitions per second over the last minute.",
		},
		commitRate.rate,
	))
}

// throughputTracker counts events in one-second buckets over a sliding window.
type throughputTracker struct {
	mu         sync.Mutex
	buckets    map[int64]int64
	window     time.Duration
	resolution time.Duration
	now        func() time.Time
}

func newThroughputTracker(window time.Duration) *throughputTracker {
	if window <= 0 {
		window = 60 * time.Second
	}
	return &throughputTracker{
		buckets:    make(map[int64]int64),
		window:     window,
		resolution: time.Second,
		now:        time.Now,
	}
}

func (t *throughputTracker) add(count int64) {
	if t == nil || count <= 0 {
		return
	}
	bucket := t.now().UnixNano() / t.resolution.Nanoseconds()
	t.mu.Lock()
	t.buckets[bucket] += count
	t.pruneLocked(bucket)
	t.mu.Unlock()
}

func (t *throughputTracker) rate() float64 {
	if t == nil {
		return 0
	}
	bucket := t.now().UnixNano() / t.resolution.Nanoseconds()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(bucket)
	if len(t.buckets) == 0 {
		return 0
	}
	var total int64
	oldest := bucket
	for b, count := range t.buckets {
		total += count
		if b < oldest {
			oldest = b
		}
	}
	span := min(bucket-oldest+1, t.windowBuckets())
	return float64(total) / (float64(span) * t.resolution.Seconds())
}

func (t *throughputTracker) windowBuckets() int64 {
	return max(int64(t.window/t.resolution), 1)
}

func (t *throughputTracker) pruneLocked(current int64) {
	oldest := current - t.windowBuckets()
	for bucket := range t.buckets {
		if bucket < oldest {
			delete(t.buckets, bucket)
		}
	}
}

// commitThroughput feeds tracker with the partitions each OffsetCommit
// accepted.
func commitThroughput(tracker *throughputTracker) pipeline.Interceptor {
	return pipeline.InterceptorFunc(func(ctx context.Context, req *pipeline.Request, next pipeline.Next) (kmsg.Response, error) {
		resp, err := next(ctx, req)
		commit, ok := resp.(*kmsg.OffsetCommitResponse)
		if err != nil || !ok {
			return resp, err
		}
		var accepted int64
		for _, topic := range commit.Topics {
			for _, part := range topic.Partitions {
				if part.ErrorCode == protocol.NONE {
					accepted++
				}
			}
		}
		tracker.add(accepted)
		return resp, nil
	})
}
