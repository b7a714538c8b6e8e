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
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kbin"
	"github.com/twmb/franz-go/pkg/kmsg"
)

var (
	// ErrUnsupportedAPI is returned for API keys this broker cannot decode.
	ErrUnsupportedAPI = errors.New("unsupported api key")
	// ErrTruncatedHeader is returned when a frame ends inside the request header.
	ErrTruncatedHeader = errors.New("truncated request header")
)

// RequestHeader matches Kafka RequestHeader v1, plus tagged fields for flexible versions.
type RequestHeader struct {
	APIKey        int16
	APIVersion    int16
	CorrelationID int32
	ClientID      *string
}

// ClientIDOrEmpty returns the client id, treating a null id as empty like Kafka does.
func (h *RequestHeader) ClientIDOrEmpty() string {
	if h == nil || h.ClientID == nil {
		return ""
	}
	return *h.ClientID
}

// ParseRequestHeader decodes the fixed header fields and returns the remaining bytes.
// Header tagged fields are left in place because their presence depends on the body version.
func ParseRequestHeader(b []byte) (*RequestHeader, []byte, error) {
	reader := kbin.Reader{Src: b}
	apiKey := reader.Int16()
	version := reader.Int16()
	correlationID := reader.Int32()
	clientID := reader.NullableString()
	if !reader.Ok() {
		return nil, nil, ErrTruncatedHeader
	}
	return &RequestHeader{
		APIKey:        apiKey,
		APIVersion:    version,
		CorrelationID: correlationID,
		ClientID:      clientID,
	}, reader.Src, nil
}

// ParseRequest decodes a request header and body from bytes.
func ParseRequest(b []byte) (*RequestHeader, kmsg.Request, error) {
	header, body, err := ParseRequestHeader(b)
	if err != nil {
		return nil, nil, err
	}
	req := kmsg.RequestForKey(header.APIKey)
	if req == nil {
		return header, nil, fmt.Errorf("%w: %d", ErrUnsupportedAPI, header.APIKey)
	}
	req.SetVersion(header.APIVersion)
	if req.IsFlexible() {
		reader := kbin.Reader{Src: body}
		kmsg.SkipTags(&reader)
		if !reader.Ok() {
			return header, nil, fmt.Errorf("skip header tags: %w", ErrTruncatedHeader)
		}
		body = reader.Src
	}
	if err := req.ReadFrom(body); err != nil {
		return header, nil, fmt.Errorf("decode %s v%d: %w", APIName(header.APIKey), header.APIVersion, err)
	}
	return header, req, nil
}
