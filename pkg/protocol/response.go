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

package protocol

import (
	"github.com/twmb/franz-go/pkg/kbin"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// EncodeResponse serializes resp behind a response header carrying correlationID.
// ApiVersions always uses the v0 response header so old clients can parse the error.
func EncodeResponse(correlationID int32, resp kmsg.Response) []byte {
	buf := make([]byte, 0, 64)
	buf = kbin.AppendInt32(buf, correlationID)
	if resp.IsFlexible() && resp.Key() != APIKeyApiVersion {
		buf = append(buf, 0)
	}
	return resp.AppendTo(buf)
}

// DecodeResponse parses a response payload produced by EncodeResponse into resp.
// resp must already carry the request version.
func DecodeResponse(payload []byte, resp kmsg.Response) (int32, error) {
	reader := kbin.Reader{Src: payload}
	correlationID := reader.Int32()
	if resp.IsFlexible() && resp.Key() != APIKeyApiVersion {
		kmsg.SkipTags(&reader)
	}
	if !reader.Ok() {
		return 0, ErrTruncatedHeader
	}
	return correlationID, resp.ReadFrom(reader.Src)
}
