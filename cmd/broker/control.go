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
	"log/slog"
	"net"
	"time"

	"github.com/novatechflow/kafscale-coordinator/pkg/broker"
	"github.com/novatechflow/kafscale-coordinator/pkg/retry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Health service names reported on the control listener. The empty name is
// the overall broker status.
const (
	healthServiceCoordinator = "kafscale.coordinator"
	healthServiceRetry       = "kafscale.retry"
)

func servingStatus(state broker.StoreHealthState) healthpb.HealthCheckResponse_ServingStatus {
	if state == broker.StoreStateUnavailable {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// syncHealth publishes the current readiness to every health service.
func (a *app) syncHealth() {
	if a.healthServer == nil || a.coordinator == nil || a.retry == nil {
		return
	}
	ready, state := a.readiness()
	overall := healthpb.HealthCheckResponse_SERVING
	if !ready {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	a.healthServer.SetServingStatus("", overall)
	a.healthServer.SetServingStatus(healthServiceCoordinator, servingStatus(broker.StoreHealthState(state)))
	retryStatus := healthpb.HealthCheckResponse_SERVING
	if _, noop := a.retry.(retry.Noop); !noop && !a.retry.IsStarted() {
		retryStatus = healthpb.HealthCheckResponse_NOT_SERVING
	}
	a.healthServer.SetServingStatus(healthServiceRetry, retryStatus)
}

func startControlServer(ctx context.Context, addr string, healthServer *health.Server, logger *slog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	go func() {
		<-ctx.Done()
		healthServer.Shutdown()
		done := make(chan struct{})
		go func() {
			server.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			server.Stop()
		}
	}()
	go func() {
		if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("control server error", "error", err)
		}
	}()
	logger.Info("control server listening", "addr", lis.Addr().String())
	return nil
}
