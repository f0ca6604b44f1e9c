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
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-xyz/function-manager/result"
)

type exitRecorder struct {
	calls atomic.Int32
	code  atomic.Int32
}

func (e *exitRecorder) exit(code int) {
	e.calls.Add(1)
	e.code.Store(int32(code)) // #nosec G115
}

func closedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestClientRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad quote", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()
	var exit exitRecorder
	c := NewClient(ClientConfig{URL: srv.URL, ExitFunc: exit.exit})
	err := c.Submit(context.Background(), &result.FunctionResult{FnKey: "fn"})
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "fn", rejected.FnKey)
	assert.Contains(t, err.Error(), "422")
	assert.Contains(t, err.Error(), "bad quote")
	assert.Zero(t, exit.calls.Load())
}

func TestClientConnectErrorsExitOnce(t *testing.T) {
	var exit exitRecorder
	c := NewClient(ClientConfig{
		URL:              "http://" + closedAddr(t),
		MaxConnectErrors: 3,
		ExitFunc:         exit.exit,
	})
	for i := range 5 {
		err := c.Submit(context.Background(), &result.FunctionResult{FnKey: "fn"})
		var unavailable *UnavailableError
		require.ErrorAs(t, err, &unavailable)
		assert.False(t, unavailable.Timeout)
		if i < 2 {
			assert.Zero(t, exit.calls.Load())
		}
	}
	assert.Equal(t, int32(1), exit.calls.Load())
	assert.Equal(t, int32(1), exit.code.Load())
}

func TestClientTimeoutsExit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()
	var exit exitRecorder
	c := NewClient(ClientConfig{
		URL:         srv.URL,
		Timeout:     50 * time.Millisecond,
		MaxTimeouts: 2,
		ExitFunc:    exit.exit,
	})
	for range 2 {
		err := c.Submit(context.Background(), &result.FunctionResult{FnKey: "fn"})
		var unavailable *UnavailableError
		require.ErrorAs(t, err, &unavailable)
		assert.True(t, unavailable.Timeout)
	}
	assert.Equal(t, int32(1), exit.calls.Load())
}

func TestClientResponseResetsCounters(t *testing.T) {
	var up atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !up.Load() {
			// drop the connection without answering
			hj, ok := w.(http.Hijacker)
			if ok {
				conn, _, err := hj.Hijack()
				if err == nil {
					conn.Close()
				}
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	var exit exitRecorder
	c := NewClient(ClientConfig{URL: srv.URL, MaxConnectErrors: 3, ExitFunc: exit.exit})
	submit := func() error {
		return c.Submit(context.Background(), &result.FunctionResult{FnKey: "fn"})
	}
	for range 2 {
		require.Error(t, submit())
	}
	up.Store(true)
	require.NoError(t, submit())
	up.Store(false)
	for range 2 {
		require.Error(t, submit())
	}
	assert.Zero(t, exit.calls.Load())
}

func TestClientCancelledContext(t *testing.T) {
	var exit exitRecorder
	c := NewClient(ClientConfig{URL: "http://" + closedAddr(t), MaxConnectErrors: 1, ExitFunc: exit.exit})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Submit(ctx, &result.FunctionResult{FnKey: "fn"})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, exit.calls.Load())
}

func TestClientWaitReady(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" || !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	c := NewClient(ClientConfig{URL: srv.URL + "/"})
	assert.False(t, c.CheckReady(context.Background()))
	assert.False(t, c.IsReady())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WaitReady(ctx, 5*time.Millisecond), context.DeadlineExceeded)

	healthy.Store(true)
	require.NoError(t, c.WaitReady(context.Background(), 5*time.Millisecond))
	assert.True(t, c.IsReady())
}
