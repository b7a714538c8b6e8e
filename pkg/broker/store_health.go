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

package broker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// StoreHealthState models the coordinator's view of its metadata backends.
type StoreHealthState string

const (
	StoreStateHealthy     StoreHealthState = "healthy"
	StoreStateDegraded    StoreHealthState = "degraded"
	StoreStateUnavailable StoreHealthState = "unavailable"
)

// StoreHealthConfig defines thresholds for transitioning between states.
type StoreHealthConfig struct {
	Window      time.Duration
	LatencyWarn time.Duration
	LatencyCrit time.Duration
	ErrorWarn   float64
	ErrorCrit   float64
	MaxSamples  int
	// OnTransition is invoked outside the monitor lock whenever the state changes.
	OnTransition func(prev, next StoreHealthState)
}

// StoreHealthMonitor aggregates recent store operations (offset writes, group
// snapshots, retry persistence) into a single health state.
type StoreHealthMonitor struct {
	cfg StoreHealthConfig
	now func() time.Time

	mu         sync.Mutex
	samples    []storeSample
	state      StoreHealthState
	stateSince time.Time
	avgLatency time.Duration
	errorRate  float64
	opErrors   map[string]uint64
}

type storeSample struct {
	ts      time.Time
	latency time.Duration
	err     bool
}

// StoreHealthSnapshot captures the monitor's public aggregates.
type StoreHealthSnapshot struct {
	State      StoreHealthState  `json:"state"`
	Since      time.Time         `json:"since"`
	AvgLatency time.Duration     `json:"avg_latency"`
	ErrorRate  float64           `json:"error_rate"`
	OpErrors   map[string]uint64 `json:"op_errors,omitempty"`
}

// NewStoreHealthMonitor builds a monitor, filling unset thresholds.
func NewStoreHealthMonitor(cfg StoreHealthConfig) *StoreHealthMonitor {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.LatencyWarn <= 0 {
		cfg.LatencyWarn = 250 * time.Millisecond
	}
	if cfg.LatencyCrit <= 0 {
		cfg.LatencyCrit = 2 * time.Second
	}
	if cfg.ErrorWarn <= 0 {
		cfg.ErrorWarn = 0.2
	}
	if cfg.ErrorCrit <= 0 {
		cfg.ErrorCrit = 0.6
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = 512
	}
	m := &StoreHealthMonitor{
		cfg:      cfg,
		now:      time.Now,
		state:    StoreStateHealthy,
		opErrors: make(map[string]uint64),
	}
	m.stateSince = m.now()
	return m
}

// RecordOperation records one store call. Caller cancellation is not a store
// failure and is ignored.
func (m *StoreHealthMonitor) RecordOperation(op string, latency time.Duration, err error) {
	if m == nil || errors.Is(err, context.Canceled) {
		return
	}
	m.mu.Lock()
	now := m.now()
	m.samples = append(m.samples, storeSample{ts: now, latency: latency, err: err != nil})
	if len(m.samples) > m.cfg.MaxSamples {
		m.samples = m.samples[len(m.samples)-m.cfg.MaxSamples:]
	}
	if err != nil {
		m.opErrors[op]++
	}
	m.truncateLocked(now)
	prev := m.state
	m.recomputeLocked(now)
	next := m.state
	m.mu.Unlock()

	if prev != next && m.cfg.OnTransition != nil {
		m.cfg.OnTransition(prev, next)
	}
}

// Snapshot returns the current state and key aggregates.
func (m *StoreHealthMonitor) Snapshot() StoreHealthSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	opErrors := make(map[string]uint64, len(m.opErrors))
	for op, n := range m.opErrors {
		opErrors[op] = n
	}
	return StoreHealthSnapshot{
		State:      m.state,
		Since:      m.stateSince,
		AvgLatency: m.avgLatency,
		ErrorRate:  m.errorRate,
		OpErrors:   opErrors,
	}
}

// State returns just the current health state.
func (m *StoreHealthMonitor) State() StoreHealthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Ready reports whether the backends are usable enough to serve traffic.
func (m *StoreHealthMonitor) Ready() bool {
	return m.State() != StoreStateUnavailable
}

func (m *StoreHealthMonitor) truncateLocked(now time.Time) {
	cutoff := now.Add(-m.cfg.Window)
	idx := 0
	for _, sample := range m.samples {
		if sample.ts.After(cutoff) {
			break
		}
		idx++
	}
	if idx >= len(m.samples) {
		m.samples = nil
	} else if idx > 0 {
		m.samples = append([]storeSample(nil), m.samples[idx:]...)
	}
}

func (m *StoreHealthMonitor) recomputeLocked(now time.Time) {
	if len(m.samples) == 0 {
		m.avgLatency = 0
		m.errorRate = 0
		m.setStateLocked(now, StoreStateHealthy)
		return
	}
	var (
		totalLatency time.Duration
		errorCount   int
	)
	for _, sample := range m.samples {
		totalLatency += sample.latency
		if sample.err {
			errorCount++
		}
	}
	m.avgLatency = totalLatency / time.Duration(len(m.samples))
	m.errorRate = float64(errorCount) / float64(len(m.samples))

	next := StoreStateHealthy
	if m.avgLatency >= m.cfg.LatencyCrit || m.errorRate >= m.cfg.ErrorCrit {
		next = StoreStateUnavailable
	} else if m.avgLatency >= m.cfg.LatencyWarn || m.errorRate >= m.cfg.ErrorWarn {
		next = StoreStateDegraded
	}
	m.setStateLocked(now, next)
}

func (m *StoreHealthMonitor) setStateLocked(now time.Time, next StoreHealthState) {
	if next == m.state {
		return
	}
	m.state = next
	m.stateSince = now
}
