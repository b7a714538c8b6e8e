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
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the stored record. Never reuse a number.
const (
	fieldID            protowire.Number = 1
	fieldTopic         protowire.Number = 2
	fieldApp           protowire.Number = 3
	fieldPartition     protowire.Number = 4
	fieldOffset        protowire.Number = 5
	fieldPayload       protowire.Number = 6
	fieldRetryCount    protowire.Number = 7
	fieldState         protowire.Number = 8
	fieldSequence      protowire.Number = 9
	fieldCreatedAt     protowire.Number = 10
	fieldNextRetryTime protowire.Number = 11
	fieldUpdatedAt     protowire.Number = 12
)

var errMalformedRecord = errors.New("malformed retry record")

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(t.UnixNano()))
}

// EncodeMessage serializes msg in protobuf wire format.
func EncodeMessage(msg *Message) []byte {
	b := make([]byte, 0, 64+len(msg.Payload))
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendString(b, msg.ID)
	b = protowire.AppendTag(b, fieldTopic, protowire.BytesType)
	b = protowire.AppendString(b, msg.Topic)
	b = protowire.AppendTag(b, fieldApp, protowire.BytesType)
	b = protowire.AppendString(b, msg.App)
	b = protowire.AppendTag(b, fieldPartition, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(msg.Partition)))
	b = protowire.AppendTag(b, fieldOffset, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(msg.Offset))
	if len(msg.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, msg.Payload)
	}
	b = protowire.AppendTag(b, fieldRetryCount, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msg.RetryCount))
	b = protowire.AppendTag(b, fieldState, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msg.State))
	b = protowire.AppendTag(b, fieldSequence, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msg.Sequence))
	b = appendTime(b, fieldCreatedAt, msg.CreatedAt)
	b = appendTime(b, fieldNextRetryTime, msg.NextRetryTime)
	b = appendTime(b, fieldUpdatedAt, msg.UpdatedAt)
	return b
}

// DecodeMessage parses bytes written by EncodeMessage. Unknown fields are skipped.
func DecodeMessage(b []byte) (*Message, error) {
	msg := &Message{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", errMalformedRecord, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", errMalformedRecord, num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldID:
				msg.ID = string(v)
			case fieldTopic:
				msg.Topic = string(v)
			case fieldApp:
				msg.App = string(v)
			case fieldPayload:
				msg.Payload = append([]byte(nil), v...)
			}
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", errMalformedRecord, num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldPartition:
				msg.Partition = int32(protowire.DecodeZigZag(v))
			case fieldOffset:
				msg.Offset = protowire.DecodeZigZag(v)
			case fieldRetryCount:
				msg.RetryCount = int32(v)
			case fieldState:
				msg.State = State(v)
			case fieldSequence:
				msg.Sequence = int64(v)
			case fieldCreatedAt:
				msg.CreatedAt = time.Unix(0, int64(v)).UTC()
			case fieldNextRetryTime:
				msg.NextRetryTime = time.Unix(0, int64(v)).UTC()
			case fieldUpdatedAt:
				msg.UpdatedAt = time.Unix(0, int64(v)).UTC()
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", errMalformedRecord, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if msg.ID == "" || msg.Topic == "" {
		return nil, fmt.Errorf("%w: missing key fields", errMalformedRecord)
	}
	return msg, nil
}
