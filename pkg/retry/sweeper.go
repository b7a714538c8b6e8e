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

package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/novatechflow/kafscale-coordinator/internal/metrics"
)

// SweeperConfig tunes the redelivery sweep.
type SweeperConfig struct {
	Interval        time.Duration
	Batch           int
	InflightTimeout time.Duration
	Dispatcher      Dispatcher
	Logger          *slog.Logger
}

// Sweeper periodically pages every namespace for due records, expires those
// past their policy's age limit, leases the rest, and dispatches them.
// Dispatch failures count as a failed attempt.
type Sweeper struct {
	manager *Manager
	cfg     SweeperConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewSweeper builds a sweeper over manager.
func NewSweeper(manager *Manager, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.InflightTimeout <= 0 {
		cfg.InflightTimeout = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = LogDispatcher{Logger: logger}
	}
	return &Sweeper{manager: manager, cfg: cfg, logger: logger.With("component", "retry-sweeper"), now: time.Now}
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && !errors.Is(err, ErrNotStarted) && ctx.Err() == nil {
				s.logger.Warn("retry sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce runs a single pass and returns how many records were handed off.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	if !s.manager.IsStarted() {
		return 0, ErrNotStarted
	}
	dispatched := 0
	for _, ns := range s.manager.Namespaces() {
		n, err := s.sweepNamespace(ctx, ns)
		dispatched += n
		if err != nil {
			return dispatched, err
		}
	}
	return dispatched, nil
}

func (s *Sweeper) sweepNamespace(ctx context.Context, ns Namespace) (int, error) {
	policy := s.manager.Policy(ns.Topic, ns.App)
	dispatched := 0
	cursor := int64(0)
	for {
		batch, err := s.manager.GetRetry(ns.Topic, ns.App, s.cfg.Batch, cursor)
		if err != nil {
			return dispatched, err
		}
		if len(batch) == 0 {
			return dispatched, nil
		}
		cursor = batch[len(batch)-1].Sequence + 1

		now := s.now()
		var expired []string
		due := make([]*Message, 0, len(batch))
		for _, msg := range batch {
			if policy.Expired(msg.CreatedAt, now) {
				expired = append(expired, msg.ID)
				continue
			}
			due = append(due, msg)
		}
		if len(expired) > 0 {
			if err := s.manager.RetryExpire(ctx, ns.Topic, ns.App, expired); err != nil {
				return dispatched, err
			}
		}
		if len(due) > 0 {
			n, err := s.dispatch(ctx, ns, due)
			dispatched += n
			if err != nil {
				return dispatched, err
			}
		}
		if len(batch) < s.cfg.Batch {
			return dispatched, nil
		}
	}
}

func (s *Sweeper) dispatch(ctx context.Context, ns Namespace, due []*Message) (int, error) {
	ids := make([]string, len(due))
	for i, msg := range due {
		ids[i] = msg.ID
	}
	if err := s.manager.MarkRetrying(ctx, ns.Topic, ns.App, ids, s.cfg.InflightTimeout); err != nil {
		return 0, err
	}
	errs := s.cfg.Dispatcher.Dispatch(ctx, due)
	var failed []string
	for i, err := range errs {
		if err != nil {
			failed = append(failed, due[i].ID)
			metrics.RetryRedeliveries.WithLabelValues("failed").Inc()
			s.logger.Warn("retry redelivery failed",
				"topic", ns.Topic,
				"app", ns.App,
				"id", due[i].ID,
				"error", err)
			continue
		}
		metrics.RetryRedeliveries.WithLabelValues("dispatched").Inc()
	}
	if len(failed) > 0 {
		if err := s.manager.RetryError(ctx, ns.Topic, ns.App, failed); err != nil {
			return len(due) - len(failed), err
		}
	}
	return len(due) - len(failed), nil
}
