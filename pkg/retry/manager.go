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
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/novatechflow/kafscale-coordinator/internal/metrics"
)

const (
	defaultNamespaceShards = 64
	archiveTimeout         = 10 * time.Second
	// sequenceBlock is how many sequence numbers a namespace claims from the
	// store at once.
	sequenceBlock = 256
)

// Manager is the store-backed retry strategy. Namespaces are spread over
// independently locked shards; each namespace serializes its own operations
// and holds its lock across the single store call a transition issues.
// Operations hold lifecycle for reading, so Start and Stop wait for them.
type Manager struct {
	store    Store
	archiver Archiver
	observer Observer
	logger   *slog.Logger
	now      func() time.Time

	policyMu sync.RWMutex
	policy   PolicyProvider

	lifecycle sync.RWMutex
	started   atomic.Bool
	shards    []*namespaceShard
}

type namespaceShard struct {
	mu     sync.Mutex
	spaces map[Namespace]*namespace
}

// namespace holds the outstanding records of one (topic, app). order and
// records share pointers; order is sorted by Sequence. Sequences below
// seqLimit were reserved in the store by this process. A retired namespace
// has left its shard and must not be used.
type namespace struct {
	mu       sync.Mutex
	key      Namespace
	records  map[string]*Message
	order    []*Message
	nextSeq  int64
	seqLimit int64
	retired  bool
}

// NewManager builds a stopped manager over cfg.Store.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	shards := cfg.Shards
	if shards <= 0 {
		shards = defaultNamespaceShards
	}
	m := &Manager{
		store:    cfg.Store,
		archiver: cfg.Archiver,
		observer: cfg.Observer,
		logger:   logger.With("component", "retry"),
		now:      time.Now,
		policy:   cfg.Policy,
		shards:   make([]*namespaceShard, shards),
	}
	m.resetShards()
	return m
}

func (m *Manager) resetShards() {
	for i := range m.shards {
		m.shards[i] = &namespaceShard{spaces: make(map[Namespace]*namespace)}
	}
}

func (m *Manager) shardFor(key Namespace) *namespaceShard {
	h := xxhash.New()
	_, _ = h.WriteString(key.Topic)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(key.App)
	return m.shards[h.Sum64()%uint64(len(m.shards))]
}

func (m *Manager) namespace(key Namespace, create bool) *namespace {
	shard := m.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	ns, ok := shard.spaces[key]
	if !ok && create {
		ns = &namespace{key: key, records: make(map[string]*Message)}
		shard.spaces[key] = ns
	}
	return ns
}

// lockNamespace returns the live namespace for key with its lock held, or nil
// when it does not exist and create is unset.
func (m *Manager) lockNamespace(key Namespace, create bool) *namespace {
	for {
		ns := m.namespace(key, create)
		if ns == nil {
			return nil
		}
		ns.mu.Lock()
		if !ns.retired {
			return ns
		}
		ns.mu.Unlock()
	}
}

// retireIfEmpty drops ns from its shard once it holds no records. Its
// sequence position lives on in the store.
func (m *Manager) retireIfEmpty(ns *namespace) {
	shard := m.shardFor(ns.key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.retired || len(ns.records) > 0 || shard.spaces[ns.key] != ns {
		return
	}
	ns.retired = true
	delete(shard.spaces, ns.key)
}

// enter takes the lifecycle read lock when the manager is running. The
// caller releases it with lifecycle.RUnlock.
func (m *Manager) enter() bool {
	m.lifecycle.RLock()
	if !m.started.Load() {
		m.lifecycle.RUnlock()
		return false
	}
	return true
}

func (ns *namespace) insert(msg *Message) {
	ns.records[msg.ID] = msg
	i := sort.Search(len(ns.order), func(i int) bool { return ns.order[i].Sequence >= msg.Sequence })
	ns.order = append(ns.order, nil)
	copy(ns.order[i+1:], ns.order[i:])
	ns.order[i] = msg
	if msg.Sequence >= ns.nextSeq {
		ns.nextSeq = msg.Sequence + 1
	}
}

func (ns *namespace) remove(msg *Message) {
	delete(ns.records, msg.ID)
	i := sort.Search(len(ns.order), func(i int) bool { return ns.order[i].Sequence >= msg.Sequence })
	if i < len(ns.order) && ns.order[i] == msg {
		ns.order = append(ns.order[:i], ns.order[i+1:]...)
	}
}

// Start restores outstanding records from the store. Calling Start on a
// running manager is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.started.Load() {
		return nil
	}
	start := time.Now()
	msgs, err := m.store.Load(ctx)
	m.observe("retry_load", start, err)
	if err != nil {
		return &PersistenceError{Op: "load", Err: err}
	}
	m.resetShards()
	restored := 0
	for _, msg := range msgs {
		if msg.State.Terminal() {
			continue
		}
		m.namespace(Namespace{Topic: msg.Topic, App: msg.App}, true).insert(msg)
		restored++
	}
	metrics.RetryOutstanding.Add(float64(restored))
	m.started.Store(true)
	m.logger.Info("retry manager started", "restored", restored)
	return nil
}

// Stop disables the manager. Outstanding records stay in the store.
func (m *Manager) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if !m.started.Swap(false) {
		return
	}
	outstanding := 0
	for _, shard := range m.shards {
		shard.mu.Lock()
		for _, ns := range shard.spaces {
			ns.mu.Lock()
			outstanding += len(ns.records)
			ns.mu.Unlock()
		}
		shard.mu.Unlock()
	}
	metrics.RetryOutstanding.Sub(float64(outstanding))
	m.logger.Info("retry manager stopped", "outstanding", outstanding)
}

func (m *Manager) IsStarted() bool {
	return m.started.Load()
}

// SetRetryPolicyProvider installs the policy source used by RetryError.
func (m *Manager) SetRetryPolicyProvider(provider PolicyProvider) {
	m.policyMu.Lock()
	m.policy = provider
	m.policyMu.Unlock()
}

// Policy resolves the policy of a namespace. A missing or failing provider
// yields NoRetryPolicy so failed records cannot accumulate forever.
func (m *Manager) Policy(topic, app string) Policy {
	m.policyMu.RLock()
	provider := m.policy
	m.policyMu.RUnlock()
	if provider == nil {
		return NoRetryPolicy
	}
	policy, err := provider.Policy(topic, app)
	if err != nil {
		m.logger.Warn("retry policy unavailable, expiring on failure",
			"topic", topic,
			"app", app,
			"error", err)
		return NoRetryPolicy
	}
	return policy
}

func (m *Manager) observe(op string, start time.Time, err error) {
	if m.observer != nil {
		m.observer.RecordOperation(op, time.Since(start), err)
	}
}

func (m *Manager) put(ctx context.Context, msg *Message) error {
	start := time.Now()
	err := m.store.Put(ctx, msg)
	m.observe("retry_put", start, err)
	return err
}

// nextSequence hands out the next sequence of ns, reserving a new block in
// the store when the current one is used up. The store keeps every block
// above those claimed before, so sequences never repeat across restarts or
// retired namespaces.
func (m *Manager) nextSequence(ctx context.Context, ns *namespace) (int64, error) {
	if ns.nextSeq >= ns.seqLimit {
		start := time.Now()
		first, err := m.store.ReserveSequences(ctx, ns.key.Topic, ns.key.App, ns.nextSeq, sequenceBlock)
		m.observe("retry_reserve", start, err)
		if err != nil {
			return 0, err
		}
		ns.nextSeq = first
		ns.seqLimit = first + sequenceBlock
	}
	seq := ns.nextSeq
	ns.nextSeq++
	return seq, nil
}

func (m *Manager) delete(ctx context.Context, msg *Message) error {
	start := time.Now()
	err := m.store.Delete(ctx, msg.Topic, msg.App, msg.ID)
	m.observe("retry_delete", start, err)
	return err
}

// AddRetry inserts each record as Pending and due now. An id already
// outstanding in its namespace keeps the existing record. On a store failure
// the records inserted before it stay pending.
func (m *Manager) AddRetry(ctx context.Context, msgs []*Message) error {
	if !m.enter() {
		return ErrNotStarted
	}
	defer m.lifecycle.RUnlock()
	for _, msg := range msgs {
		if msg == nil || msg.ID == "" || msg.Topic == "" || msg.App == "" {
			return ErrInvalidMessage
		}
	}
	for _, in := range msgs {
		if err := m.addOne(ctx, in); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) addOne(ctx context.Context, in *Message) error {
	ns := m.lockNamespace(Namespace{Topic: in.Topic, App: in.App}, true)
	err := m.addLocked(ctx, ns, in)
	ns.mu.Unlock()
	if err != nil {
		m.retireIfEmpty(ns)
	}
	return err
}

func (m *Manager) addLocked(ctx context.Context, ns *namespace, in *Message) error {
	if _, exists := ns.records[in.ID]; exists {
		return nil
	}
	seq, err := m.nextSequence(ctx, ns)
	if err != nil {
		return &PersistenceError{Op: "add", Topic: in.Topic, App: in.App, ID: in.ID, Err: err}
	}
	now := m.now()
	rec := in.Clone()
	rec.State = StatePending
	rec.RetryCount = 0
	rec.Sequence = seq
	rec.CreatedAt = now
	rec.NextRetryTime = now
	rec.UpdatedAt = now
	if err := m.put(ctx, rec); err != nil {
		return &PersistenceError{Op: "add", Topic: rec.Topic, App: rec.App, ID: rec.ID, Err: err}
	}
	ns.insert(rec)
	metrics.RetryTransitions.WithLabelValues(StatePending.String()).Inc()
	metrics.RetryOutstanding.Inc()
	return nil
}

// RetrySuccess moves each id to Success.
func (m *Manager) RetrySuccess(ctx context.Context, topic, app string, ids []string) error {
	return m.apply(ctx, "success", topic, app, ids, func(rec *Message, _ time.Time) {
		rec.State = StateSuccess
	})
}

// RetryExpire moves each id to Expired regardless of its retry count.
func (m *Manager) RetryExpire(ctx context.Context, topic, app string, ids []string) error {
	return m.apply(ctx, "expire", topic, app, ids, func(rec *Message, _ time.Time) {
		rec.State = StateExpired
	})
}

// RetryError counts a failed attempt. Records below the policy's retry bound
// return to Pending after the backoff delay; the rest expire.
func (m *Manager) RetryError(ctx context.Context, topic, app string, ids []string) error {
	if !m.started.Load() {
		return ErrNotStarted
	}
	policy := m.Policy(topic, app)
	return m.apply(ctx, "error", topic, app, ids, func(rec *Message, now time.Time) {
		rec.RetryCount++
		if rec.RetryCount >= policy.MaxRetries || policy.Expired(rec.CreatedAt, now) {
			rec.State = StateExpired
			return
		}
		rec.State = StatePending
		rec.NextRetryTime = now.Add(policy.Delay(rec.RetryCount))
	})
}

// MarkRetrying leases records to a redelivery attempt. They become due again
// once lease passes without a success or error report.
func (m *Manager) MarkRetrying(ctx context.Context, topic, app string, ids []string, lease time.Duration) error {
	return m.apply(ctx, "retrying", topic, app, ids, func(rec *Message, now time.Time) {
		rec.State = StateRetrying
		rec.NextRetryTime = now.Add(lease)
	})
}

// apply runs step on each outstanding id under the namespace lock and
// persists the result. Unknown and already terminal ids are ignored.
func (m *Manager) apply(ctx context.Context, op, topic, app string, ids []string, step func(rec *Message, now time.Time)) error {
	if !m.enter() {
		return ErrNotStarted
	}
	ns := m.lockNamespace(Namespace{Topic: topic, App: app}, false)
	if ns == nil {
		m.lifecycle.RUnlock()
		return nil
	}
	var (
		finished []*Message
		err      error
	)
	for _, id := range ids {
		cur, ok := ns.records[id]
		if !ok {
			continue
		}
		now := m.now()
		next := cur.Clone()
		step(next, now)
		next.UpdatedAt = now
		if next.State.Terminal() {
			if storeErr := m.delete(ctx, next); storeErr != nil {
				err = &PersistenceError{Op: op, Topic: topic, App: app, ID: id, Err: storeErr}
				break
			}
			ns.remove(cur)
			finished = append(finished, next)
			metrics.RetryOutstanding.Dec()
		} else {
			if storeErr := m.put(ctx, next); storeErr != nil {
				err = &PersistenceError{Op: op, Topic: topic, App: app, ID: id, Err: storeErr}
				break
			}
			*cur = *next
		}
		metrics.RetryTransitions.WithLabelValues(next.State.String()).Inc()
	}
	ns.mu.Unlock()
	if len(finished) > 0 {
		m.retireIfEmpty(ns)
	}
	m.lifecycle.RUnlock()

	m.archive(ctx, ns.key, finished)
	return err
}

func (m *Manager) archive(ctx context.Context, key Namespace, msgs []*Message) {
	if m.archiver == nil || len(msgs) == 0 {
		return
	}
	archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	if err := m.archiver.Archive(archiveCtx, key, msgs); err != nil {
		m.logger.Warn("archive retry history failed",
			"topic", key.Topic,
			"app", key.App,
			"records", len(msgs),
			"error", err)
	}
}

// GetRetry returns up to count due records whose Sequence is at least
// startIndex, in sequence order. Sequences are stable, so a sweep resuming at
// the last returned Sequence + 1 neither skips nor repeats records while
// others are added or finish.
func (m *Manager) GetRetry(topic, app string, count int, startIndex int64) ([]*Message, error) {
	if !m.enter() {
		return nil, ErrNotStarted
	}
	defer m.lifecycle.RUnlock()
	if count <= 0 {
		return nil, nil
	}
	now := m.now()
	ns := m.lockNamespace(Namespace{Topic: topic, App: app}, false)
	if ns == nil {
		return nil, nil
	}
	defer ns.mu.Unlock()
	i := sort.Search(len(ns.order), func(i int) bool { return ns.order[i].Sequence >= startIndex })
	out := make([]*Message, 0, min(count, len(ns.order)-i))
	for ; i < len(ns.order) && len(out) < count; i++ {
		rec := ns.order[i]
		if rec.NextRetryTime.After(now) {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out, nil
}

// CountRetry returns the number of Pending and Retrying records.
func (m *Manager) CountRetry(topic, app string) (int, error) {
	if !m.enter() {
		return 0, ErrNotStarted
	}
	defer m.lifecycle.RUnlock()
	ns := m.lockNamespace(Namespace{Topic: topic, App: app}, false)
	if ns == nil {
		return 0, nil
	}
	defer ns.mu.Unlock()
	return len(ns.records), nil
}

// Lookup returns a copy of one outstanding record.
func (m *Manager) Lookup(topic, app, id string) (*Message, bool) {
	if !m.enter() {
		return nil, false
	}
	defer m.lifecycle.RUnlock()
	ns := m.lockNamespace(Namespace{Topic: topic, App: app}, false)
	if ns == nil {
		return nil, false
	}
	defer ns.mu.Unlock()
	rec, ok := ns.records[id]
	return rec.Clone(), ok
}

// Namespaces lists the namespaces that currently hold records.
func (m *Manager) Namespaces() []Namespace {
	m.lifecycle.RLock()
	defer m.lifecycle.RUnlock()
	out := make([]Namespace, 0)
	for _, shard := range m.shards {
		shard.mu.Lock()
		for key := range shard.spaces {
			out = append(out, key)
		}
		shard.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].App < out[j].App
	})
	return out
}

var _ Backend = (*Manager)(nil)
