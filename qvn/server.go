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

package qvn

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/switchboard-xyz/function-manager/result"
)

const (
	DefaultAddr    = "127.0.0.1:3000"
	DefaultTimeout = 5 * time.Second
	MaxRequestSize = 4 << 20
)

// Processor handles one decoded result.
type Processor interface {
	Process(ctx context.Context, res *result.FunctionResult) (*Outcome, error)
}

type ServerConfig struct {
	Addr      string
	Processor Processor
	// Ready reports whether keys are loaded and the own quote verified
	Ready   func() bool
	Timeout time.Duration
	Logger  *slog.Logger
}

type Server struct {
	config   ServerConfig
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

type submitResponse struct {
	Signature string           `json:"signature,omitempty"`
	ErrorCode result.ErrorCode `json:"error_code"`
	Error     string           `json:"error,omitempty"`
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	s := &Server{
		config: cfg,
		logger: cfg.Logger.With("component", "qvn_server"),
	}
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.Timeout,
		ReadTimeout:       cfg.Timeout,
		// processing includes the chain submission
		WriteTimeout: 6 * cfg.Timeout,
	}
	return s
}

func (s *Server) ready() bool {
	return s.config.Ready == nil || s.config.Ready()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		if !s.ready() {
			http.Error(w, ErrNotReady.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "ok")
	})
	mux.HandleFunc("POST /{$}", s.handleSubmit)
	return mux
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.ready() {
		writeJSON(w, http.StatusServiceUnavailable, submitResponse{Error: ErrNotReady.Error()})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		status := http.StatusBadRequest
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, submitResponse{Error: err.Error()})
		return
	}
	res, err := result.Unmarshal(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, submitResponse{Error: err.Error()})
		return
	}
	outcome, err := s.config.Processor.Process(r.Context(), res)
	if err != nil {
		var rejected *RejectedError
		status := http.StatusInternalServerError
		if errors.As(err, &rejected) {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, submitResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{
		Signature: string(outcome.Signature),
		ErrorCode: outcome.ErrorCode,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.listener = l
	s.done = make(chan struct{})
	s.logger.Info("verifier node listening", "addr", l.Addr().String())
	go func() {
		defer close(s.done)
		if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("verifier node server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	if s.done != nil {
		<-s.done
	}
	return err
}

// ReadyFlag is a settable readiness cell.
type ReadyFlag struct {
	v atomic.Bool
}

func (r *ReadyFlag) Set()      { r.v.Store(true) }
func (r *ReadyFlag) Get() bool { return r.v.Load() }
