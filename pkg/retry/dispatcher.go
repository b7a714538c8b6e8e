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
	"strconv"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Dispatcher redelivers due records. The returned slice is aligned with
// msgs; a nil entry means the record was handed off.
type Dispatcher interface {
	Dispatch(ctx context.Context, msgs []*Message) []error
}

// Record headers attached to redelivered messages.
const (
	HeaderRetryID    = "kafscale-retry-id"
	HeaderRetryApp   = "kafscale-retry-app"
	HeaderRetryCount = "kafscale-retry-count"
	HeaderOrigin     = "kafscale-retry-origin"
)

// KafkaDispatcher republishes records to "<topic><suffix>" so the owning
// application consumes them again.
type KafkaDispatcher struct {
	client *kgo.Client
	suffix string
	owned  bool
}

// NewKafkaDispatcher dials brokers with its own producer client.
func NewKafkaDispatcher(brokers []string, suffix string, opts ...kgo.Opt) (*KafkaDispatcher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("redelivery brokers required")
	}
	opts = append([]kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID("kafscale-retry"),
		kgo.AllowAutoTopicCreation(),
	}, opts...)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	d := NewKafkaDispatcherWithClient(client, suffix)
	d.owned = true
	return d, nil
}

// NewKafkaDispatcherWithClient reuses an existing client.
func NewKafkaDispatcherWithClient(client *kgo.Client, suffix string) *KafkaDispatcher {
	if suffix == "" {
		suffix = ".retry"
	}
	return &KafkaDispatcher{client: client, suffix: suffix}
}

// RedeliveryTopic names the topic a record of topic is republished to.
func (d *KafkaDispatcher) RedeliveryTopic(topic string) string {
	return topic + d.suffix
}

func (d *KafkaDispatcher) Dispatch(ctx context.Context, msgs []*Message) []error {
	errs := make([]error, len(msgs))
	var wg sync.WaitGroup
	for i, msg := range msgs {
		rec := &kgo.Record{
			Topic: d.RedeliveryTopic(msg.Topic),
			Key:   []byte(msg.ID),
			Value: msg.Payload,
			Headers: []kgo.RecordHeader{
				{Key: HeaderRetryID, Value: []byte(msg.ID)},
				{Key: HeaderRetryApp, Value: []byte(msg.App)},
				{Key: HeaderRetryCount, Value: []byte(strconv.Itoa(int(msg.RetryCount)))},
				{Key: HeaderOrigin, Value: []byte(msg.Topic + "/" + strconv.Itoa(int(msg.Partition)) + "@" + strconv.FormatInt(msg.Offset, 10))},
			},
		}
		wg.Add(1)
		d.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
			errs[i] = err
			wg.Done()
		})
	}
	wg.Wait()
	return errs
}

// Close releases the producer if the dispatcher created it.
func (d *KafkaDispatcher) Close() {
	if d.owned {
		d.client.Close()
	}
}

// LogDispatcher only logs due records. It is used when no redelivery
// cluster is configured; records stay leased until reported on.
type LogDispatcher struct {
	Logger *slog.Logger
}

func (d LogDispatcher) Dispatch(ctx context.Context, msgs []*Message) []error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, msg := range msgs {
		logger.Info("retry due",
			"topic", msg.Topic,
			"app", msg.App,
			"id", msg.ID,
			"retry_count", msg.RetryCount)
	}
	return make([]error, len(msgs))
}
