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

// Package pipeline delivers decoded Kafka requests through an ordered chain
// of interceptors to a terminal handler.
package pipeline

import (
	"context"
	"errors"

	"github.com/novatechflow/kafscale-coordinator/pkg/broker"
	"github.com/novatechflow/kafscale-coordinator/pkg/protocol"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// Request is one decoded request moving through the chain. Interceptors may
// replace Body before forwarding.
type Request struct {
	Header *protocol.RequestHeader
	Body   kmsg.Request
}

// Next forwards a request to the remainder of the chain.
type Next func(ctx context.Context, req *Request) (kmsg.Response, error)

// Interceptor sees every request in chain order. It either calls next or
// answers on its own, in which case later interceptors and the terminal
// handler never run.
type Interceptor interface {
	Intercept(ctx context.Context, req *Request, next Next) (kmsg.Response, error)
}

// InterceptorFunc adapts a function to Interceptor.
type InterceptorFunc func(ctx context.Context, req *Request, next Next) (kmsg.Response, error)

func (f InterceptorFunc) Intercept(ctx context.Context, req *Request, next Next) (kmsg.Response, error) {
	return f(ctx, req, next)
}

// Pipeline is a broker.Handler running interceptors in the order given to
// New before the terminal handler.
type Pipeline struct {
	interceptors []Interceptor
	terminal     broker.Handler
}

// New chains interceptors in front of terminal.
func New(terminal broker.Handler, interceptors ...Interceptor) *Pipeline {
	chain := make([]Interceptor, 0, len(interceptors))
	for _, ic := range interceptors {
		if ic != nil {
			chain = append(chain, ic)
		}
	}
	return &Pipeline{interceptors: chain, terminal: terminal}
}

// Handle implements broker.Handler.
func (p *Pipeline) Handle(ctx context.Context, header *protocol.RequestHeader, req kmsg.Request) (kmsg.Response, error) {
	if p.terminal == nil {
		return nil, errors.New("pipeline has no terminal handler")
	}
	return p.invoke(ctx, 0, &Request{Header: header, Body: req})
}

func (p *Pipeline) invoke(ctx context.Context, index int, req *Request) (kmsg.Response, error) {
	if index == len(p.interceptors) {
		return p.terminal.Handle(ctx, req.Header, req.Body)
	}
	return p.interceptors[index].Intercept(ctx, req, func(ctx context.Context, req *Request) (kmsg.Response, error) {
		return p.invoke(ctx, index+1, req)
	})
}

var _ broker.Handler = (*Pipeline)(nil)
