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

package fnmanager

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-xyz/function-manager/chain"
	"github.com/switchboard-xyz/function-manager/chain/chaintest"
	"github.com/switchboard-xyz/function-manager/keystore"
	"github.com/switchboard-xyz/function-manager/qvn"
)

func testPayer(t *testing.T) chain.Signer {
	t.Helper()
	payer, err := keystore.NewEd25519Signer(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	return payer
}

func TestConfigValidate(t *testing.T) {
	payer := testPayer(t)
	client := chaintest.New(chain.ChainSolana)
	base := []ConfigOptionFunc{
		WithChainClient(client),
		WithPayer(payer),
		WithQueue("queue"),
		WithVerifier("verifier"),
	}

	cfg := NewConfig(base...)
	require.NoError(t, cfg.configValidate())
	assert.Equal(t, QvnModeEmbedded, cfg.qvnMode)
	assert.Equal(t, payer.Address(), cfg.rewardReceiver)
	assert.NotEmpty(t, cfg.qvnAddr)
	assert.Equal(t, chain.SolanaComputeUnitCap, cfg.gasCap)
	assert.Equal(t, qvn.DefaultMinRequired(chain.ChainSolana), cfg.signerMinRequired)

	evmCfg := NewConfig(append([]ConfigOptionFunc{}, base...)...)
	evmCfg.client = chaintest.New(chain.ChainEVM)
	require.NoError(t, evmCfg.configValidate())
	assert.Equal(t, chain.EVMGasCap, evmCfg.gasCap)
	assert.Equal(t, qvn.DefaultMinRequired(chain.ChainEVM), evmCfg.signerMinRequired)

	cfg = NewConfig(append(base, WithGasCap(1_000), WithSignerMinRequired(7))...)
	require.NoError(t, cfg.configValidate())
	assert.Equal(t, uint64(1_000), cfg.gasCap)
	assert.Equal(t, uint64(7), cfg.signerMinRequired)

	cfg = NewConfig(append(base, WithRewardReceiver("receiver"))...)
	require.NoError(t, cfg.configValidate())
	assert.Equal(t, "receiver", string(cfg.rewardReceiver))

	tests := []struct {
		name string
		opts []ConfigOptionFunc
	}{
		{"no client", []ConfigOptionFunc{WithChainClient(nil)}},
		{"no payer", []ConfigOptionFunc{WithPayer(nil)}},
		{"no queue", []ConfigOptionFunc{WithQueue("")}},
		{"no verifier", []ConfigOptionFunc{WithVerifier("")}},
		{"container without image", []ConfigOptionFunc{WithQvn(QvnModeContainer, "", "")}},
		{"unknown mode", []ConfigOptionFunc{WithQvn("sideways", "", "")}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opts := append(append([]ConfigOptionFunc{}, base...), tc.opts...)
			cfg := NewConfig(opts...)
			assert.Error(t, cfg.configValidate())
		})
	}
}

func TestConfigOptions(t *testing.T) {
	cfg := NewConfig(
		WithContract("program", "1115"),
		WithContainerLimits("256m", 0.5, time.Minute),
		WithPollIntervals(2*time.Second, 3*time.Second, 4*time.Second, 5*time.Second),
		WithQvnContainer("1g", []string{"QUEUE=queue"}),
		WithDockerAuth("user", "key", "registry.example"),
		WithShutdownTimeout(time.Second),
	)
	assert.NotNil(t, cfg.logger)
	assert.Equal(t, "program", cfg.contractAddress)
	assert.Equal(t, "1115", cfg.chainID)
	assert.Equal(t, "256m", cfg.containerMemory)
	assert.InDelta(t, 0.5, cfg.containerCPUs, 1e-9)
	assert.Equal(t, time.Minute, cfg.containerTimeout)
	assert.Equal(t, 4*time.Second, cfg.balancePollInterval)
	assert.Equal(t, []string{"QUEUE=queue"}, cfg.qvnEnv)
	assert.Equal(t, "user", cfg.dockerAuth.Username)
	assert.Equal(t, "registry.example", cfg.dockerAuth.ServerAddress)
	assert.Equal(t, time.Second, shutdownTimeout(cfg.shutdownTimeout))
	assert.Equal(t, 30*time.Second, shutdownTimeout(0))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(NewConfig())
	assert.Error(t, err)
}
