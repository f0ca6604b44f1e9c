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
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/switchboard-xyz/function-manager/chain"
	"github.com/switchboard-xyz/function-manager/event"
	"github.com/switchboard-xyz/function-manager/keystore"
	"github.com/switchboard-xyz/function-manager/oracle"
	"github.com/switchboard-xyz/function-manager/qvn"
	"github.com/switchboard-xyz/function-manager/sgx"
)

// VerifierNode is the quote verification node: it owns the enclave key,
// keeps the verifier account alive with heartbeats and verifies function
// results submitted over HTTP.
type VerifierNode struct {
	config        Config
	eventBus      *event.EventBus
	ownsBus       bool
	oracle        *oracle.Oracle
	signerPool    *qvn.SignerPool
	verifier      *qvn.Verifier
	server        *qvn.Server
	started       atomic.Bool
	shutdownFuncs []func(context.Context) error
	done          chan struct{}
	shutdownOnce  sync.Once
}

// NewVerifierNode creates a verifier node. A nil event bus gives the node
// its own.
func NewVerifierNode(cfg Config, eventBus *event.EventBus) (*VerifierNode, error) {
	if err := cfg.configValidate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.quoteProvider == nil {
		return nil, errors.New("invalid configuration: a quote provider is required")
	}
	if cfg.quoteUploader == nil {
		return nil, errors.New("invalid configuration: a quote uploader is required")
	}
	if cfg.quoteVerifier == nil {
		cfg.quoteVerifier = &sgx.StructuralVerifier{}
	}
	v := &VerifierNode{
		config:   cfg,
		eventBus: eventBus,
		done:     make(chan struct{}),
	}
	if v.eventBus == nil {
		v.eventBus = event.NewEventBus(cfg.promRegistry, cfg.logger)
		v.ownsBus = true
	}
	return v, nil
}

// Start provisions the enclave identity on chain and then starts serving
// results. It returns once the server is listening.
func (v *VerifierNode) Start(ctx context.Context) error {
	scheme := keystore.SchemeEd25519
	if v.config.client.Chain() == chain.ChainEVM {
		scheme = keystore.SchemeSecp256k1
	}
	ks := keystore.NewKeyStore(keystore.KeyStoreConfig{
		Path:   v.config.sealedKeyPath,
		Scheme: scheme,
		Logger: v.config.logger,
	})
	o, err := oracle.New(oracle.Config{
		Client:            v.config.client,
		KeyStore:          ks,
		Provider:          v.config.quoteProvider,
		Quotes:            v.config.quoteVerifier,
		IPFS:              v.config.quoteUploader,
		Payer:             v.config.payer,
		Verifier:          v.config.verifier,
		Queue:             v.config.queue,
		HeartbeatInterval: v.config.heartbeatInterval,
		EventBus:          v.eventBus,
		Logger:            v.config.logger,
		PromRegistry:      v.config.promRegistry,
	})
	if err != nil {
		return err
	}
	v.oracle = o
	id, err := o.Initialize(ctx)
	if err != nil {
		return fmt.Errorf("initialize oracle: %w", err)
	}
	pool, err := qvn.NewSignerPool(qvn.SignerPoolConfig{
		Client:      v.config.client,
		Master:      v.config.payer,
		Size:        v.config.signerPoolSize,
		MinRequired: v.config.signerMinRequired,
		Logger:      v.config.logger,
	})
	if err != nil {
		return err
	}
	v.signerPool = pool
	verifier, err := qvn.NewVerifier(qvn.VerifierConfig{
		Client:         v.config.client,
		Quotes:         v.config.quoteVerifier,
		Signers:        pool,
		Queue:          v.config.queue,
		Verifier:       v.config.verifier,
		EnclaveSigner:  id.Signer,
		RewardReceiver: v.config.rewardReceiver,
		GasCap:         v.config.gasCap,
		EventBus:       v.eventBus,
		Logger:         v.config.logger,
		PromRegistry:   v.config.promRegistry,
	})
	if err != nil {
		return err
	}
	v.verifier = verifier
	v.server = qvn.NewServer(qvn.ServerConfig{
		Addr:      v.config.qvnAddr,
		Processor: verifier,
		Ready:     o.Ready,
		Logger:    v.config.logger,
	})
	if err := v.server.Start(); err != nil {
		return fmt.Errorf("start verifier node server: %w", err)
	}
	if err := o.Start(ctx); err != nil {
		return err
	}
	v.started.Store(true)
	return nil
}

// Addr returns the address results are accepted on.
func (v *VerifierNode) Addr() string {
	if v.server == nil {
		return v.config.qvnAddr
	}
	return v.server.Addr()
}

// Ready reports whether the enclave identity is registered on chain.
func (v *VerifierNode) Ready() bool {
	return v.started.Load() && v.oracle.Ready()
}

// Run starts the node and blocks until Stop is called.
func (v *VerifierNode) Run(ctx context.Context) error {
	if v.config.tracing {
		shutdown, err := setupTracing(ctx, "switchboard-qvn", v.config.tracingStdout)
		if err != nil {
			return err
		}
		v.shutdownFuncs = append(v.shutdownFuncs, shutdown)
	}
	if err := v.Start(ctx); err != nil {
		return err
	}
	<-v.done
	return nil
}

func (v *VerifierNode) Stop() error {
	var err error
	v.shutdownOnce.Do(func() {
		err = v.shutdown()
	})
	return err
}

func (v *VerifierNode) shutdown() error {
	ctx, cancel := context.WithTimeout(
		context.Background(),
		shutdownTimeout(v.config.shutdownTimeout),
	)
	defer cancel()

	var err error
	v.config.logger.Debug("starting verifier node shutdown")
	// Stop accepting results, then stop heartbeats
	if v.server != nil {
		if stopErr := v.server.Shutdown(ctx); stopErr != nil {
			err = errors.Join(err, fmt.Errorf("verifier node server shutdown: %w", stopErr))
		}
	}
	if v.oracle != nil {
		v.oracle.Stop()
	}
	for _, fn := range v.shutdownFuncs {
		if fnErr := fn(ctx); fnErr != nil {
			err = errors.Join(err, fmt.Errorf("shutdown function: %w", fnErr))
		}
	}
	v.shutdownFuncs = nil
	if v.ownsBus {
		v.eventBus.Stop()
	}
	v.config.logger.Debug("verifier node shutdown complete")
	close(v.done)
	return err
}

func shutdownTimeout(configured time.Duration) time.Duration {
	if configured > 0 {
		return configured
	}
	return 30 * time.Second
}
