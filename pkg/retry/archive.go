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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/novatechflow/kafscale-coordinator/pkg/storage"
)

const historyPrefix = "retry-history"

// S3Archiver appends terminal records to object storage as JSON lines, one
// object per batch under retry-history/<topic>/<app>/<unix-nanos>.jsonl.
type S3Archiver struct {
	client storage.ObjectClient
	now    func() time.Time

	mu   sync.Mutex
	last int64
}

// NewS3Archiver archives through client.
func NewS3Archiver(client storage.ObjectClient) *S3Archiver {
	return &S3Archiver{client: client, now: time.Now}
}

func historyNamespacePrefix(ns Namespace) string {
	return fmt.Sprintf("%s/%s/%s/", historyPrefix, url.PathEscape(ns.Topic), url.PathEscape(ns.App))
}

// nextStamp returns a strictly increasing nanosecond stamp so two batches
// never share a key.
func (a *S3Archiver) nextStamp() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	stamp := a.now().UnixNano()
	if stamp <= a.last {
		stamp = a.last + 1
	}
	a.last = stamp
	return stamp
}

func (a *S3Archiver) Archive(ctx context.Context, ns Namespace, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, msg := range msgs {
		if err := enc.Encode(msg); err != nil {
			return fmt.Errorf("encode retry history: %w", err)
		}
	}
	key := fmt.Sprintf("%s%d.jsonl", historyNamespacePrefix(ns), a.nextStamp())
	if err := a.client.PutObject(ctx, key, buf.Bytes()); err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}
	return nil
}

// History reads back up to limit archived records of a namespace, oldest
// first. A non-positive limit returns everything.
func (a *S3Archiver) History(ctx context.Context, ns Namespace, limit int) ([]*Message, error) {
	objects, err := a.client.ListObjects(ctx, storage.ListOptions{Prefix: historyNamespacePrefix(ns)})
	if err != nil {
		return nil, err
	}
	out := make([]*Message, 0)
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, ".jsonl") {
			continue
		}
		data, err := a.client.GetObject(ctx, obj.Key)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotFound) {
				continue
			}
			return nil, err
		}
		scanner := bufio.NewScanner(bytes.NewReader(data))
		scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			msg := &Message{}
			if err := json.Unmarshal(line, msg); err != nil {
				return nil, fmt.Errorf("decode %s: %w", obj.Key, err)
			}
			out = append(out, msg)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read %s: %w", obj.Key, err)
		}
	}
	return out, nil
}
