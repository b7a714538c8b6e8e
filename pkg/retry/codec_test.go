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
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestMessageCodecRoundTrip(t *testing.T) {
	now := time.Date(2025, 6, 1, 8, 30, 0, 123, time.UTC)
	in := &Message{
		ID:            "m-1",
		Topic:         "orders",
		App:           "billing",
		Partition:     3,
		Offset:        -1,
		Payload:       []byte{0, 1, 2},
		RetryCount:    2,
		State:         StateRetrying,
		Sequence:      41,
		CreatedAt:     now,
		NextRetryTime: now.Add(time.Minute),
		UpdatedAt:     now.Add(time.Second),
	}
	out, err := DecodeMessage(EncodeMessage(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ID != in.ID || out.Topic != in.Topic || out.App != in.App || out.Partition != 3 || out.Offset != -1 {
		t.Fatalf("key fields mismatch: %+v", out)
	}
	if string(out.Payload) != string(in.Payload) || out.RetryCount != 2 || out.State != StateRetrying || out.Sequence != 41 {
		t.Fatalf("state fields mismatch: %+v", out)
	}
	if !out.CreatedAt.Equal(in.CreatedAt) || !out.NextRetryTime.Equal(in.NextRetryTime) || !out.UpdatedAt.Equal(in.UpdatedAt) {
		t.Fatalf("timestamps mismatch: %+v", out)
	}
}

func TestDecodeMessageSkipsUnknownFields(t *testing.T) {
	b := EncodeMessage(&Message{ID: "m", Topic: "t", App: "a"})
	b = protowire.AppendTag(b, 99, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, 7)
	if _, err := DecodeMessage(b); err != nil {
		t.Fatalf("unknown field should be skipped: %v", err)
	}
}

func TestDecodeMessageRejectsGarbage(t *testing.T) {
	if _, err := DecodeMessage([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Fatalf("expected error for garbage")
	}
	if _, err := DecodeMessage(nil); err == nil {
		t.Fatalf("expected error for empty record")
	}
}
