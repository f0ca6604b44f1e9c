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
	"bytes"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-xyz/function-manager/internal/config"
	"github.com/switchboard-xyz/function-manager/keystore"
)

func healthCheck(t *testing.T, url, service string) (int, string) {
	t.Helper()
	resp, err := http.Post(
		url+"/grpc.health.v1.Health/Check",
		"application/json",
		strings.NewReader(`{"service":"`+service+`"}`),
	)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestHealthHandler(t *testing.T) {
	var ready atomic.Bool
	srv := httptest.NewServer(HealthHandler(ready.Load))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	status, body := healthCheck(t, srv.URL, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "NOT_SERVING")

	ready.Store(true)
	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	status, body = healthCheck(t, srv.URL, ServiceName)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"SERVING"`)

	status, _ = healthCheck(t, srv.URL, "unknown.Service")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestPayerSigner(t *testing.T) {
	seed := bytes.Repeat([]byte{3}, 32)
	cfg := &config.Config{Chain: config.ChainSolana, PayerSecret: hex.EncodeToString(seed)}
	signer, secret, err := payerSigner(cfg)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(seed), secret)
	want, err := keystore.NewEd25519Signer(seed)
	require.NoError(t, err)
	assert.Equal(t, want.Address(), signer.Address())

	cfg.Chain = config.ChainEVM
	signer, _, err = payerSigner(cfg)
	require.NoError(t, err)
	assert.IsType(t, &keystore.Secp256k1Signer{}, signer)

	path := filepath.Join(t.TempDir(), "payer")
	require.NoError(t, os.WriteFile(path, []byte(hex.EncodeToString(seed)+"\n"), 0o600))
	cfg.PayerSecret = "file:" + path
	_, secret, err = payerSigner(cfg)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(seed), secret)

	cfg.PayerSecret = ""
	_, _, err = payerSigner(cfg)
	assert.Error(t, err)
}

func TestVerifierNodeEnv(t *testing.T) {
	cfg := &config.Config{
		Chain:           config.ChainSolana,
		ContractAddress: "program",
		Queue:           "queue",
		RpcURL:          "http://rpc",
		PayerSecret:     "sops:/secrets/payer.enc",
		QuoteKey:        "verifier",
		QvnAddr:         "127.0.0.1:3000",
		MetricsPort:     9090,
		HealthPort:      8080,
		SignerPool:      4,
	}
	env := verifierNodeEnv(cfg, "resolved")
	assert.IsIncreasing(t, env)
	assert.Contains(t, env, "PAYER_SECRET=resolved")
	assert.Contains(t, env, "QUEUE=queue")
	assert.Contains(t, env, "METRICS_PORT=9091")
	assert.Contains(t, env, "HEALTH_PORT=8081")
	assert.Contains(t, env, "QVN_ADDR=127.0.0.1:3000")
	for _, kv := range env {
		assert.NotContains(t, kv, "WSS_URL=")
		assert.False(t, strings.HasSuffix(kv, "="), kv)
	}
}

func TestRedacted(t *testing.T) {
	cfg := &config.Config{PayerSecret: "secret", DockerKey: "key", Queue: "queue"}
	r := redacted(cfg)
	assert.Equal(t, "<redacted>", r.PayerSecret)
	assert.Equal(t, "<redacted>", r.DockerKey)
	assert.Empty(t, r.IpfsKey)
	assert.Equal(t, "queue", r.Queue)
	// original untouched
	assert.Equal(t, "secret", cfg.PayerSecret)
}

func TestNewChainClientRejectsBadChainID(t *testing.T) {
	cfg := &config.Config{Chain: config.ChainEVM, ChainID: "mainnet", RpcURL: "http://rpc"}
	_, err := newChainClient(t.Context(), cfg, nil)
	assert.ErrorContains(t, err, "CHAIN_ID")

	cfg.Chain = "bitcoin"
	_, err = newChainClient(t.Context(), cfg, nil)
	assert.ErrorContains(t, err, "unsupported chain")
}
