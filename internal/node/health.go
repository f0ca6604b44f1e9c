// Copyright 2026 Blink Labs Software
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

package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"
	"connectrpc.com/grpcreflect"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// ServiceName is the name reported by the gRPC health and reflection
// endpoints.
const ServiceName = "switchboard.functions.v1.FunctionManager"

var compress1KB = connect.WithCompressMinBytes(1024)

// readyChecker answers gRPC health checks from a readiness probe.
type readyChecker struct {
	ready func() bool
}

func (r readyChecker) Check(
	_ context.Context,
	req *grpchealth.CheckRequest,
) (*grpchealth.CheckResponse, error) {
	if req.Service != "" && req.Service != ServiceName {
		return nil, connect.NewError(
			connect.CodeNotFound,
			fmt.Errorf("unknown service %q", req.Service),
		)
	}
	if r.ready() {
		return &grpchealth.CheckResponse{Status: grpchealth.StatusServing}, nil
	}
	return &grpchealth.CheckResponse{Status: grpchealth.StatusNotServing}, nil
}

// HealthHandler serves gRPC health and reflection over connect as well as
// a plain /healthz probe.
func HealthHandler(ready func() bool) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(grpchealth.NewHandler(readyChecker{ready: ready}, compress1KB))
	mux.Handle(
		grpcreflect.NewHandlerV1(
			grpcreflect.NewStaticReflector(ServiceName),
			compress1KB,
		),
	)
	mux.Handle(
		grpcreflect.NewHandlerV1Alpha(
			grpcreflect.NewStaticReflector(ServiceName),
			compress1KB,
		),
	)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready\n"))
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

type healthServer struct {
	server *http.Server
	logger *slog.Logger
	done   chan struct{}
}

func startHealthServer(addr string, ready func() bool, logger *slog.Logger) (*healthServer, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start health listener: %w", err)
	}
	h := &healthServer{
		server: &http.Server{
			// Use h2c so we can serve HTTP/2 without TLS
			Handler:           h2c.NewHandler(HealthHandler(ready), &http2.Server{}),
			ReadHeaderTimeout: 60 * time.Second,
		},
		logger: logger,
		done:   make(chan struct{}),
	}
	logger.Info(
		"serving health checks on "+l.Addr().String(),
		"component", "node",
	)
	go func() {
		defer close(h.done)
		if err := h.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health listener failed", "component", "node", "error", err)
		}
	}()
	return h, nil
}

func (h *healthServer) Shutdown(ctx context.Context) error {
	err := h.server.Shutdown(ctx)
	<-h.done
	return err
}
