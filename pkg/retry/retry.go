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

// Package retry implements at-least-once redelivery of messages that a
// consumer failed to process. Records live in per-(topic, app) namespaces and
// move through Pending, Retrying, and one of the terminal states Success or
// Expired.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// State is the lifecycle position of a retry record.
type State int8

const (
	StatePending State = iota
	StateRetrying
	StateSuccess
	StateExpired
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRetrying:
		return "retrying"
	case StateSuccess:
		return "success"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int8(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateExpired
}

// MarshalText renders the state name for JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "pending":
		*s = StatePending
	case "retrying":
		*s = StateRetrying
	case "success":
		*s = StateSuccess
	case "expired":
		*s = StateExpired
	default:
		return fmt.Errorf("unknown retry state %q", text)
	}
	return nil
}

// Message is one record pending redelivery.
type Message struct {
	ID            string    `json:"id"`
	Topic         string    `json:"topic"`
	App           string    `json:"app"`
	Partition     int32     `json:"partition"`
	Offset        int64     `json:"offset"`
	Payload       []byte    `json:"payload,omitempty"`
	RetryCount    int32     `json:"retryCount"`
	State         State     `json:"state"`
	Sequence      int64     `json:"sequence"`
	CreatedAt     time.Time `json:"createdAt"`
	NextRetryTime time.Time `json:"nextRetryTime"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Clone returns a deep copy so callers never share a record with the manager.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Payload != nil {
		out.Payload = append([]byte(nil), m.Payload...)
	}
	return &out
}

// Namespace identifies one (topic, app) retry scope.
type Namespace struct {
	Topic string
	App   string
}

func (n Namespace) String() string {
	return n.Topic + "/" + n.App
}

var (
	// ErrNotStarted is returned by every operation while the manager is stopped.
	ErrNotStarted = errors.New("retry manager not started")
	// ErrPolicyUnavailable marks a provider that cannot answer for a namespace.
	ErrPolicyUnavailable = errors.New("retry policy unavailable")
	// ErrInvalidMessage rejects records without the fields that key them.
	ErrInvalidMessage = errors.New("retry message requires id, topic and app")
)

// PersistenceError reports a failed RetryStore write. Records handled before
// the failing one keep their new state.
type PersistenceError struct {
	Op    string
	Topic string
	App   string
	ID    string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("retry %s %s/%s id=%s: %v", e.Op, e.Topic, e.App, e.ID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Backend is the capability set shared by every retry strategy.
type Backend interface {
	Start(ctx context.Context) error
	Stop()
	IsStarted() bool
	AddRetry(ctx context.Context, msgs []*Message) error
	RetrySuccess(ctx context.Context, topic, app string, ids []string) error
	RetryError(ctx context.Context, topic, app string, ids []string) error
	RetryExpire(ctx context.Context, topic, app string, ids []string) error
	GetRetry(topic, app string, count int, startIndex int64) ([]*Message, error)
	CountRetry(topic, app string) (int, error)
	SetRetryPolicyProvider(provider PolicyProvider)
}

// Observer receives the latency and outcome of each store call.
type Observer interface {
	RecordOperation(op string, latency time.Duration, err error)
}

// Archiver receives records once they reach a terminal state.
type Archiver interface {
	Archive(ctx context.Context, ns Namespace, msgs []*Message) error
}

const (
	ModeStore = "store"
	ModeNoop  = "noop"
)

// Config selects and configures a Backend.
type Config struct {
	Mode     string
	Store    Store
	Policy   PolicyProvider
	Archiver Archiver
	Observer Observer
	Logger   *slog.Logger
	Shards   int
}

// New builds the backend selected by cfg.Mode.
func New(cfg Config) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", ModeStore:
		if cfg.Store == nil {
			return nil, errors.New("retry store required for store mode")
		}
		return NewManager(cfg), nil
	case ModeNoop:
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown retry mode %q", cfg.Mode)
	}
}
