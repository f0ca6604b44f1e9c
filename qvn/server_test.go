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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/switchboard-xyz/function-manager/result"
)

type stubProcessor struct {
	outcome *Outcome
	err     error
	got     []*result.FunctionResult
}

func (p *stubProcessor) Process(_ context.Context, res *result.FunctionResult) (*Outcome, error) {
	p.got = append(p.got, res)
	return p.outcome, p.err
}

func postResult(t *testing.T, h http.Handler, body []byte) (*httptest.ResponseRecorder, submitResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body)))
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestServerSubmit(t *testing.T) {
	valid, err := (&result.FunctionResult{Version: result.CurrentVersion, FnKey: "fn"}).Marshal()
	require.NoError(t, err)
	tests := []struct {
		name       string
		ready      bool
		processor  *stubProcessor
		body       []byte
		wantStatus int
	}{
		{
			name:       "not ready",
			processor:  &stubProcessor{},
			body:       valid,
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "malformed body",
			ready:      true,
			processor:  &stubProcessor{},
			body:       []byte("{"),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "oversized body",
			ready:      true,
			processor:  &stubProcessor{},
			body:       bytes.Repeat([]byte{' '}, MaxRequestSize+1),
			wantStatus: http.StatusRequestEntityTooLarge,
		},
		{
			name:       "rejected",
			ready:      true,
			processor:  &stubProcessor{err: &RejectedError{FnKey: "fn", Err: ErrQuoteBinding}},
			body:       valid,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "submission failure",
			ready:      true,
			processor:  &stubProcessor{err: errors.New("rpc down")},
			body:       valid,
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "accepted",
			ready:      true,
			processor:  &stubProcessor{outcome: &Outcome{Signature: "sig", ErrorCode: result.ErrorCodeSimulationFailed}},
			body:       valid,
			wantStatus: http.StatusOK,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var flag ReadyFlag
			if tc.ready {
				flag.Set()
			}
			s := NewServer(ServerConfig{Processor: tc.processor, Ready: flag.Get})
			rec, resp := postResult(t, s.Handler(), tc.body)
			assert.Equal(t, tc.wantStatus, rec.Code)
			if tc.wantStatus == http.StatusOK {
				assert.Equal(t, "sig", resp.Signature)
				assert.Equal(t, result.ErrorCodeSimulationFailed, resp.ErrorCode)
				require.Len(t, tc.processor.got, 1)
				assert.Equal(t, "fn", tc.processor.got[0].FnKey)
			} else {
				assert.NotEmpty(t, resp.Error)
			}
		})
	}
}

func TestServerHealth(t *testing.T) {
	var flag ReadyFlag
	h := NewServer(ServerConfig{Processor: &stubProcessor{}, Ready: flag.Get}).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	flag.Set()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestServerStartShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := NewServer(ServerConfig{
		Addr:      "127.0.0.1:0",
		Processor: &stubProcessor{outcome: &Outcome{Signature: "sig"}},
	})
	require.NoError(t, s.Start())
	c := NewClient(ClientConfig{URL: "http://" + s.Addr(), ExitFunc: func(int) { t.Fatal("unexpected exit") }})
	require.NoError(t, c.WaitReady(context.Background(), 10*time.Millisecond))
	assert.True(t, c.IsReady())
	require.NoError(t, c.Submit(context.Background(), &result.FunctionResult{FnKey: "fn"}))
	c.http.CloseIdleConnections()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}
