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

package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryObject struct {
	data     []byte
	modified time.Time
}

// MemoryClient keeps objects in process. Used when KAFSCALE_USE_MEMORY_S3 is
// set and in tests.
type MemoryClient struct {
	mu      sync.Mutex
	objects map[string]memoryObject
	now     func() time.Time
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{objects: make(map[string]memoryObject), now: time.Now}
}

func (m *MemoryClient) EnsureBucket(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryClient) PutObject(ctx context.Context, key string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[key] = memoryObject{data: append([]byte(nil), body...), modified: m.now()}
	m.mu.Unlock()
	return nil
}

func (m *MemoryClient) GetObject(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("get object %s: %w", key, ErrObjectNotFound)
	}
	return append([]byte(nil), obj.data...), nil
}

func (m *MemoryClient) ListObjects(ctx context.Context, opts ListOptions) ([]Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	var out []Object
	for key, obj := range m.objects {
		if !strings.HasPrefix(key, opts.Prefix) || key <= opts.StartAfter {
			continue
		}
		out = append(out, Object{Key: key, Size: int64(len(obj.data)), LastModified: obj.modified})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if opts.MaxKeys > 0 && len(out) > opts.MaxKeys {
		out = out[:opts.MaxKeys]
	}
	return out, nil
}

var (
	_ ObjectClient = (*MemoryClient)(nil)
	_ ObjectClient = (*s3ObjectClient)(nil)
)
