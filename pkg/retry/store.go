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
	"sort"
	"sync"
)

// Store is the durable copy of outstanding retry records. Terminal records
// are deleted; their history goes to the Archiver.
type Store interface {
	Put(ctx context.Context, msg *Message) error
	Delete(ctx context.Context, topic, app, id string) error
	// Load returns every stored record, used to rebuild namespaces on Start.
	Load(ctx context.Context) ([]*Message, error)
	// ReserveSequences claims n sequence numbers of a namespace and returns
	// the first. The block starts at or above floor and above every block
	// claimed before it, whichever process claimed it.
	ReserveSequences(ctx context.Context, topic, app string, floor, n int64) (int64, error)
	Close() error
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Namespace]map[string]*Message
	seqs    map[Namespace]int64
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[Namespace]map[string]*Message),
		seqs:    make(map[Namespace]int64),
	}
}

func (s *MemoryStore) Put(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ns := Namespace{Topic: msg.Topic, App: msg.App}
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.records[ns]
	if bucket == nil {
		bucket = make(map[string]*Message)
		s.records[ns] = bucket
	}
	bucket[msg.ID] = msg.Clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, topic, app, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ns := Namespace{Topic: topic, App: app}
	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket := s.records[ns]; bucket != nil {
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(s.records, ns)
		}
	}
	return nil
}

func (s *MemoryStore) Load(ctx context.Context) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Message, 0)
	for _, bucket := range s.records {
		for _, msg := range bucket {
			out = append(out, msg.Clone())
		}
	}
	sortBySequence(out)
	return out, nil
}

func (s *MemoryStore) ReserveSequences(ctx context.Context, topic, app string, floor, n int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ns := Namespace{Topic: topic, App: app}
	s.mu.Lock()
	defer s.mu.Unlock()
	first := max(s.seqs[ns], floor)
	s.seqs[ns] = first + n
	return first, nil
}

func (s *MemoryStore) Close() error { return nil }

func sortBySequence(msgs []*Message) {
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Sequence < msgs[j].Sequence })
}
