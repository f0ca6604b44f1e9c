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
	"slices"
	"strconv"

	"github.com/switchboard-xyz/function-manager/chain"
	"github.com/switchboard-xyz/function-manager/chain/evm"
	"github.com/switchboard-xyz/function-manager/chain/solana"
	"github.com/switchboard-xyz/function-manager/internal/config"
	"github.com/switchboard-xyz/function-manager/internal/secrets"
	"github.com/switchboard-xyz/function-manager/ipfs"
	"github.com/switchboard-xyz/function-manager/keystore"
	"github.com/switchboard-xyz/function-manager/sgx"
	"github.com/switchboard-xyz/function-manager/workload"
)

type closableClient interface {
	chain.Client
	Close()
}

func newChainClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (closableClient, error) {
	switch cfg.Chain {
	case config.ChainSolana:
		client, err := solana.New(ctx, solana.Config{
			RPCURL:            cfg.RpcURL,
			WSURL:             cfg.WssURL,
			ProgramID:         workload.Address(cfg.ContractAddress),
			RequestsPerSecond: cfg.RequestsPerSecond,
			Logger:            logger,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	case config.ChainEVM:
		chainID, err := strconv.ParseUint(cfg.ChainID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid CHAIN_ID %q: %w", cfg.ChainID, err)
		}
		client, err := evm.New(ctx, evm.Config{
			RPCURL:            cfg.RpcURL,
			WSURL:             cfg.WssURL,
			ChainID:           chainID,
			ContractAddress:   workload.Address(cfg.ContractAddress),
			RequestsPerSecond: cfg.RequestsPerSecond,
			GasCap:            cfg.GasCap,
			Logger:            logger,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	return nil, fmt.Errorf("unsupported chain: %s", cfg.Chain)
}

func signerScheme(cfg *config.Config) keystore.Scheme {
	if cfg.Chain == config.ChainEVM {
		return keystore.SchemeSecp256k1
	}
	return keystore.SchemeEd25519
}

// payerSigner resolves PAYER_SECRET into the chain's signer type.
func payerSigner(cfg *config.Config) (keystore.Signer, string, error) {
	secret, err := secrets.Resolve(cfg.PayerSecret)
	if err != nil {
		return nil, "", fmt.Errorf("payer secret: %w", err)
	}
	signer, err := keystore.SignerFromSecret(signerScheme(cfg), secret)
	if err != nil {
		return nil, "", fmt.Errorf("payer secret: %w", err)
	}
	return signer, secret, nil
}

func quoteSources(cfg *config.Config) (sgx.Provider, sgx.Verifier, error) {
	verifier := &sgx.StructuralVerifier{}
	if cfg.SgxRootsPath != "" {
		roots, err := sgx.LoadRoots(cfg.SgxRootsPath)
		if err != nil {
			return nil, nil, err
		}
		verifier.Roots = roots
	}
	if cfg.SgxSimulate {
		return &sgx.SimulatedProvider{}, verifier, nil
	}
	provider := &sgx.GramineProvider{}
	if !provider.Available() {
		return nil, nil, errors.New(
			"SGX attestation device unavailable: run inside an enclave or set SGX_SIMULATE",
		)
	}
	return provider, verifier, nil
}

func newIPFSClient(cfg *config.Config, logger *slog.Logger) *ipfs.Client {
	return ipfs.NewClient(ipfs.Config{
		URL:      cfg.IpfsURL,
		Username: cfg.IpfsUser,
		Password: cfg.IpfsKey,
		Logger:   logger,
	})
}

// verifierNodeEnv is the environment handed to a verifier node container.
// It shares the host network, so its listeners move to the next port.
func verifierNodeEnv(cfg *config.Config, payerSecret string) []string {
	env := map[string]string{
		"CHAIN":               cfg.Chain,
		"CONTRACT_ADDRESS":    cfg.ContractAddress,
		"CHAIN_ID":            cfg.ChainID,
		"QUEUE":               cfg.Queue,
		"RPC_URL":             cfg.RpcURL,
		"WSS_URL":             cfg.WssURL,
		"PAYER_SECRET":        payerSecret,
		"QUOTE_KEY":           cfg.QuoteKey,
		"REWARD_RECEIVER":     cfg.RewardReceiver,
		"HEARTBEAT_INTERVAL":  cfg.HeartbeatInterval.Duration().String(),
		"DEBUG":               strconv.FormatBool(cfg.Debug),
		"QVN_ADDR":            cfg.QvnAddr,
		"SEALED_KEY_PATH":     cfg.SealedKeyPath,
		"SGX_SIMULATE":        strconv.FormatBool(cfg.SgxSimulate),
		"SGX_ROOTS_PATH":      cfg.SgxRootsPath,
		"IPFS_URL":            cfg.IpfsURL,
		"IPFS_USER":           cfg.IpfsUser,
		"IPFS_KEY":            cfg.IpfsKey,
		"SIGNER_POOL_SIZE":    strconv.Itoa(cfg.SignerPool),
		"GAS_CAP":             strconv.FormatUint(cfg.GasCap, 10),
		"SIGNER_MIN_REQUIRED": strconv.FormatUint(cfg.SignerMinRequired, 10),
		"METRICS_PORT":        strconv.FormatUint(uint64(cfg.MetricsPort+1), 10),
		"HEALTH_PORT":         strconv.FormatUint(uint64(cfg.HealthPort+1), 10),
		"TRACING":             strconv.FormatBool(cfg.Tracing),
	}
	ret := make([]string, 0, len(env))
	for k, v := range env {
		if v == "" {
			continue
		}
		ret = append(ret, k+"="+v)
	}
	slices.Sort(ret)
	return ret
}
