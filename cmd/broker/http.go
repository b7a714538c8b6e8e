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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/novatechflow/kafscale-coordinator/pkg/retry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxAdminBodyBytes = 4 << 20

func (a *app) newMetricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "ok state=%s\n", a.health.State())
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if ready, state := a.readiness(); !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "not ready state=%s\n", state)
		} else {
			fmt.Fprintf(w, "ready state=%s\n", state)
		}
	})
	api := &retryAPI{backend: a.retry, archive: a.archive, logger: a.logger.With("component", "retry-api")}
	api.register(mux)
	return mux
}

func startMetricsServer(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
}

// retryAPI exposes the retry backend to consumers reporting processing
// outcomes over HTTP.
type retryAPI struct {
	backend retry.Backend
	archive *retry.S3Archiver
	logger  *slog.Logger
}

type idsRequest struct {
	IDs []string `json:"ids"`
}

type retryPage struct {
	Messages []*retry.Message `json:"messages"`
	Next     int64            `json:"next"`
}

func (api *retryAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/retry", api.add)
	mux.HandleFunc("POST /v1/retry/{topic}/{app}/{action}", api.transition)
	mux.HandleFunc("GET /v1/retry/{topic}/{app}", api.list)
	mux.HandleFunc("GET /v1/retry/{topic}/{app}/count", api.count)
	mux.HandleFunc("GET /v1/retry/{topic}/{app}/history", api.history)
}

func (api *retryAPI) add(w http.ResponseWriter, r *http.Request) {
	var msgs []*retry.Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBodyBytes)).Decode(&msgs); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode messages: %w", err))
		return
	}
	if err := api.backend.AddRetry(r.Context(), msgs); err != nil {
		api.fail(w, "add", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"added": len(msgs)})
}

func (api *retryAPI) transition(w http.ResponseWriter, r *http.Request) {
	topic, app := r.PathValue("topic"), r.PathValue("app")
	var apply func(ctx context.Context, topic, app string, ids []string) error
	switch action := r.PathValue("action"); action {
	case "success":
		apply = api.backend.RetrySuccess
	case "error":
		apply = api.backend.RetryError
	case "expire":
		apply = api.backend.RetryExpire
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown retry action %q", action))
		return
	}
	var body idsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode ids: %w", err))
		return
	}
	if err := apply(r.Context(), topic, app, body.IDs); err != nil {
		api.fail(w, r.PathValue("action"), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *retryAPI) list(w http.ResponseWriter, r *http.Request) {
	count, err := queryInt(r, "count", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	start, err := queryInt(r, "start", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	msgs, err := api.backend.GetRetry(r.PathValue("topic"), r.PathValue("app"), count, int64(start))
	if err != nil {
		api.fail(w, "get", err)
		return
	}
	page := retryPage{Messages: msgs, Next: int64(start)}
	if page.Messages == nil {
		page.Messages = []*retry.Message{}
	}
	if len(msgs) > 0 {
		page.Next = msgs[len(msgs)-1].Sequence + 1
	}
	writeJSON(w, http.StatusOK, page)
}

func (api *retryAPI) count(w http.ResponseWriter, r *http.Request) {
	n, err := api.backend.CountRetry(r.PathValue("topic"), r.PathValue("app"))
	if err != nil {
		api.fail(w, "count", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (api *retryAPI) history(w http.ResponseWriter, r *http.Request) {
	if api.archive == nil {
		writeError(w, http.StatusNotFound, errors.New("retry history archive not configured"))
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ns := retry.Namespace{Topic: r.PathValue("topic"), App: r.PathValue("app")}
	msgs, err := api.archive.History(r.Context(), ns, limit)
	if err != nil {
		api.fail(w, "history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]*retry.Message{"messages": msgs})
}

func (api *retryAPI) fail(w http.ResponseWriter, op string, err error) {
	var perr *retry.PersistenceError
	switch {
	case errors.Is(err, retry.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, retry.ErrInvalidMessage):
		writeError(w, http.StatusBadRequest, err)
	case errors.As(err, &perr):
		api.logger.Error("retry persistence failed", "op", op, "topic", perr.Topic, "app", perr.App, "id", perr.ID, "error", perr.Err)
		writeError(w, http.StatusInternalServerError, err)
	default:
		api.logger.Error("retry request failed", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
