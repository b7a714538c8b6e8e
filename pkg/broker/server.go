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

package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/novatechflow/kafscale-coordinator/internal/metrics"
	"github.com/novatechflow/kafscale-coordinator/pkg/protocol"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// Handler processes parsed Kafka requests. A nil response means nothing is
// written back; an error closes the connection.
type Handler interface {
	Handle(ctx context.Context, header *protocol.RequestHeader, req kmsg.Request) (kmsg.Response, error)
}

// Server accepts Kafka protocol connections and feeds requests to Handler.
// Requests on one connection are answered in order.
type Server struct {
	Addr          string
	Handler       Handler
	Logger        *slog.Logger
	MaxFrameBytes int32

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

type clientHostKey struct{}

// WithClientHost tags ctx with the remote host of the connection.
func WithClientHost(ctx context.Context, host string) context.Context {
	return context.WithValue(ctx, clientHostKey{}, host)
}

// ClientHost returns the remote host recorded by WithClientHost.
func ClientHost(ctx context.Context) string {
	host, _ := ctx.Value(clientHostKey{}).(string)
	return host
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// ListenAndServe starts accepting Kafka protocol connections and returns nil
// once ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.Handler == nil {
		return errors.New("broker.Server requires a Handler")
	}
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger().Info("broker listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger().Warn("accept timeout", "error", err)
				continue
			}
			return err
		}
		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConnection(ctx, c)
		}(conn)
	}
}

// Wait blocks until all connection goroutines exit.
func (s *Server) Wait() {
	s.wg.Wait()
}

// ListenAddress returns the actual listener address if the server has started.
func (s *Server) ListenAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.Addr
}

func (s *Server) handleConnection(parent context.Context, conn net.Conn) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()

	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
		if host, _, err := net.SplitHostPort(remote); err == nil {
			remote = "/" + host
		}
	}
	ctx = WithClientHost(ctx, remote)
	logger := s.logger().With("remote", remote)

	maxBytes := s.MaxFrameBytes
	if maxBytes <= 0 {
		maxBytes = protocol.DefaultMaxFrameBytes
	}
	for {
		frame, err := protocol.ReadFrame(conn, maxBytes)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				logger.Warn("read frame failed", "error", err)
			}
			return
		}
		header, req, err := protocol.ParseRequest(frame.Payload)
		if err != nil {
			logger.Warn("parse request failed", "error", err, "payload_bytes", len(frame.Payload))
			return
		}
		resp, err := s.Handler.Handle(ctx, header, req)
		if err != nil {
			logger.Warn("handle request failed",
				"api", protocol.APIName(header.APIKey),
				"version", header.APIVersion,
				"error", err)
			return
		}
		if resp == nil {
			continue
		}
		if err := protocol.WriteFrame(conn, protocol.EncodeResponse(header.CorrelationID, resp)); err != nil {
			logger.Warn("write frame failed", "error", err)
			return
		}
	}
}
