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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/novatechflow/kafscale-coordinator/internal/metrics"
	"github.com/novatechflow/kafscale-coordinator/pkg/broker"
	"github.com/novatechflow/kafscale-coordinator/pkg/protocol"
	"github.com/twmb/franz-go/pkg/kmsg"
)

var (
	// ErrUnsupportedVersion is returned for a request outside the advertised
	// version range of its API. ApiVersions is answered instead.
	ErrUnsupportedVersion = errors.New("unsupported api version")
	// ErrPanic wraps a panic recovered from a later stage.
	ErrPanic = errors.New("request handler panicked")
)

// Logging traces requests at debug level when trace is set. OffsetCommit
// responses get one line per partition row.
func Logging(logger *slog.Logger, trace bool) Interceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return InterceptorFunc(func(ctx context.Context, req *Request, next Next) (kmsg.Response, error) {
		if !trace {
			return next(ctx, req)
		}
		logger.Debug("received request",
			"api", protocol.APIName(req.Header.APIKey),
			"api_version", req.Header.APIVersion,
			"correlation", req.Header.CorrelationID,
			"client_id", req.Header.ClientIDOrEmpty(),
			"client_host", broker.ClientHost(ctx))
		resp, err := next(ctx, req)
		if err != nil {
			logger.Debug("request failed", "api", protocol.APIName(req.Header.APIKey), "error", err)
			return resp, err
		}
		if commit, ok := resp.(*kmsg.OffsetCommitResponse); ok {
			group := ""
			if body, ok := req.Body.(*kmsg.OffsetCommitRequest); ok {
				group = body.Group
			}
			for _, topic := range commit.Topics {
				for _, part := range topic.Partitions {
					logger.Debug("offset commit row",
						"group", group,
						"topic", topic.Topic,
						"partition", part.Partition,
						"error_code", part.ErrorCode,
						"error", protocol.ErrorName(part.ErrorCode))
				}
			}
		}
		return resp, nil
	})
}

// Recovery turns a panic in a later stage into ErrPanic so only the
// offending connection is dropped.
func Recovery(logger *slog.Logger) Interceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return InterceptorFunc(func(ctx context.Context, req *Request, next Next) (resp kmsg.Response, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("recovered panic in request handler",
					"api", protocol.APIName(req.Header.APIKey),
					"panic", fmt.Sprint(r),
					"stack", string(debug.Stack()))
				resp = nil
				err = fmt.Errorf("%w: %v", ErrPanic, r)
			}
		}()
		return next(ctx, req)
	})
}

// Metrics records request counts by outcome and latency per API.
func Metrics() Interceptor {
	return InterceptorFunc(func(ctx context.Context, req *Request, next Next) (kmsg.Response, error) {
		api := protocol.APIName(req.Header.APIKey)
		start := time.Now()
		resp, err := next(ctx, req)
		metrics.PipelineLatency.WithLabelValues(api).Observe(time.Since(start).Seconds())
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.PipelineRequests.WithLabelValues(api, outcome).Inc()
		return resp, err
	})
}

// VersionGate rejects requests whose version lies outside the advertised
// range. ApiVersions is answered with UNSUPPORTED_VERSION and the supported
// ranges so the client can downgrade; any other API fails the request.
// Keys that are not advertised pass through untouched.
func VersionGate(versions []protocol.ApiVersion) Interceptor {
	ranges := make(map[int16]protocol.ApiVersion, len(versions))
	for _, v := range versions {
		ranges[v.APIKey] = v
	}
	return InterceptorFunc(func(ctx context.Context, req *Request, next Next) (kmsg.Response, error) {
		v, ok := ranges[req.Header.APIKey]
		if !ok || (req.Header.APIVersion >= v.MinVersion && req.Header.APIVersion <= v.MaxVersion) {
			return next(ctx, req)
		}
		if apiReq, ok := req.Body.(*kmsg.ApiVersionsRequest); ok {
			return broker.ApiVersionsResponse(apiReq, versions, protocol.UNSUPPORTED_VERSION), nil
		}
		return nil, fmt.Errorf("%w: %s v%d", ErrUnsupportedVersion, protocol.APIName(req.Header.APIKey), req.Header.APIVersion)
	})
}
