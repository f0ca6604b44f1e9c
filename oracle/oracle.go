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

// Package oracle provisions the verifier identity on-chain and keeps it
// alive with periodic heartbeats.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/switchboard-xyz/function-manager/chain"
	"github.com/switchboard-xyz/function-manager/event"
	"github.com/switchboard-xyz/function-manager/internal/interval"
	"github.com/switchboard-xyz/function-manager/keystore"
	"github.com/switchboard-xyz/function-manager/sgx"
	"github.com/switchboard-xyz/function-manager/workload"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	submitTimeout            = 30 * time.Second
	quoteFileName            = "quote.bin"
)

var ErrNotInitialized = errors.New("oracle is not initialized")

// QuoteUploader publishes the attestation quote and returns its CID.
type QuoteUploader interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
}

type Config struct {
	Client   chain.Client
	KeyStore *keystore.KeyStore
	Provider sgx.Provider
	Quotes   sgx.Verifier
	IPFS     QuoteUploader
	// Payer signs and pays for oracle transactions. It is also the
	// verifier authority.
	Payer             chain.Signer
	Verifier          workload.Address
	Queue             workload.Address
	HeartbeatInterval time.Duration
	Now               func() time.Time
	EventBus          *event.EventBus
	Logger            *slog.Logger
	PromRegistry      prometheus.Registerer
}

// Identity is the provisioned enclave identity.
type Identity struct {
	Signer    keystore.Signer
	QuoteCID  string
	MrEnclave workload.MrEnclave
}

type Oracle struct {
	config   Config
	logger   *slog.Logger
	metrics  *oracleMetrics
	identity atomic.Pointer[Identity]
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func New(cfg Config) (*Oracle, error) {
	if cfg.Client == nil || cfg.KeyStore == nil || cfg.Provider == nil || cfg.Quotes == nil {
		return nil, errors.New("oracle requires a chain client, key store, quote provider and quote verifier")
	}
	if cfg.IPFS == nil || cfg.Payer == nil {
		return nil, errors.New("oracle requires an ipfs uploader and a payer")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	o := &Oracle{
		config: cfg,
		logger: cfg.Logger.With("component", "oracle"),
	}
	if cfg.PromRegistry != nil {
		o.initMetrics(cfg.PromRegistry)
	}
	return o, nil
}

// Identity returns the provisioned identity, or nil before Initialize.
func (o *Oracle) Identity() *Identity {
	return o.identity.Load()
}

// Ready reports whether Initialize completed.
func (o *Oracle) Ready() bool {
	return o.identity.Load() != nil
}

// Initialize provisions the enclave key, publishes its quote and registers
// both on the verifier account, then sends a first heartbeat.
func (o *Oracle) Initialize(ctx context.Context) (*Identity, error) {
	signer, err := o.config.KeyStore.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load enclave key: %w", err)
	}
	raw, quote, err := o.config.KeyStore.Quote(o.config.Provider, o.config.Quotes, o.config.Now())
	if err != nil {
		return nil, err
	}
	cid, err := o.config.IPFS.Put(ctx, quoteFileName, raw)
	if err != nil {
		return nil, fmt.Errorf("upload quote: %w", err)
	}
	id := &Identity{Signer: signer, QuoteCID: cid, MrEnclave: quote.MrEnclave()}
	logger := o.logger.With(
		"verifier", o.config.Verifier,
		"enclave_signer", signer.Address(),
		"mr_enclave", id.MrEnclave.String(),
	)
	logger.Info("uploaded quote", "cid", cid)

	sig, err := o.submit(ctx, []chain.Signer{signer}, chain.RotateEnclaveSigner{
		Verifier:  o.config.Verifier,
		Authority: o.config.Payer.Address(),
		NewSigner: signer.PublicKey(),
	})
	if err != nil {
		return nil, fmt.Errorf("rotate enclave signer: %w", err)
	}
	logger.Info("rotated enclave signer", "signature", sig)

	sig, err = o.submit(ctx, []chain.Signer{signer}, chain.UpdateEnclave{
		Verifier:  o.config.Verifier,
		Queue:     o.config.Queue,
		QuoteCID:  cid,
		MrEnclave: id.MrEnclave,
	})
	if err != nil {
		return nil, fmt.Errorf("update enclave: %w", err)
	}
	logger.Info("updated enclave", "signature", sig)

	sig, err = o.submit(ctx, nil, chain.ForceOverrideVerify{
		Verifier: o.config.Verifier,
		Queue:    o.config.Queue,
	})
	if err != nil {
		// the queue may not permit overrides
		logger.Warn("force override verify failed", "error", err)
	} else {
		logger.Info("forced verifier override", "signature", sig)
	}

	o.identity.Store(id)
	if _, err := o.Heartbeat(ctx); err != nil {
		return nil, fmt.Errorf("initial heartbeat: %w", err)
	}
	return id, nil
}

// Heartbeat submits one verifier heartbeat.
func (o *Oracle) Heartbeat(ctx context.Context) (chain.Signature, error) {
	id := o.identity.Load()
	if id == nil {
		return "", ErrNotInitialized
	}
	sig, err := o.submit(ctx, []chain.Signer{id.Signer}, chain.VerifierHeartbeat{
		Verifier:      o.config.Verifier,
		Queue:         o.config.Queue,
		EnclaveSigner: id.Signer.Address(),
	})
	evt := event.HeartbeatEvent{Verifier: o.config.Verifier, Signature: string(sig)}
	if err != nil {
		evt.Error = err.Error()
	}
	if o.metrics != nil {
		o.metrics.observe(o.config.Now(), err)
	}
	if o.config.EventBus != nil {
		o.config.EventBus.PublishAsync(
			event.HeartbeatEventType,
			event.NewEvent(event.HeartbeatEventType, evt),
		)
	}
	if err != nil {
		return "", err
	}
	o.logger.Debug("heartbeat", "verifier", o.config.Verifier, "signature", sig)
	return sig, nil
}

// Start runs the heartbeat loop. Failures are logged and retried on the
// next tick.
func (o *Oracle) Start(ctx context.Context) error {
	if !o.Ready() {
		return ErrNotInitialized
	}
	ctx, o.cancel = context.WithCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		interval.Run(ctx, o.config.HeartbeatInterval, func(ctx context.Context) {
			if _, err := o.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				o.logger.Warn("heartbeat failed", "verifier", o.config.Verifier, "error", err)
			}
		}, interval.SkipFirst())
	}()
	return nil
}

func (o *Oracle) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

func (o *Oracle) submit(
	ctx context.Context,
	signers []chain.Signer,
	ins chain.Instruction,
) (chain.Signature, error) {
	return chain.Retry(ctx, submitTimeout, func(ctx context.Context) (chain.Signature, error) {
		return o.config.Client.SubmitTransaction(ctx, &chain.Transaction{
			Instructions: []chain.Instruction{ins},
			Payer:        o.config.Payer,
			Signers:      signers,
		}, chain.CommitmentConfirmed)
	})
}
