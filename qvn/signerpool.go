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
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/switchboard-xyz/function-manager/chain"
	"github.com/switchboard-xyz/function-manager/keystore"
)

const (
	DefaultSignerPoolSize = 4
	// a signer is topped up below lowWaterMultiple x min required, to
	// topUpMultiple x min required
	lowWaterMultiple = 20
	topUpMultiple    = 50
)

// DefaultMinRequired returns the balance a single verify submission needs
// on c. A Solana top-up also covers rent exemption for a new signer.
func DefaultMinRequired(c chain.Chain) uint64 {
	switch c {
	case chain.ChainEVM:
		// 0.001 ETH in wei
		return 1_000_000_000_000_000
	case chain.ChainSolana:
		return 20_000
	default:
		return 0
	}
}

type SignerPoolConfig struct {
	Client chain.Client
	// Master funds the pool signers
	Master chain.Signer
	// Signers overrides derivation from Master
	Signers []chain.Signer
	Size    int
	// MinRequired is the balance a single submission needs. Zero picks
	// DefaultMinRequired for the client's chain
	MinRequired uint64
	Logger      *slog.Logger
}

// SignerPool rotates submissions across payer signers so that a stuck
// transaction on one signer does not stall the others.
type SignerPool struct {
	config  SignerPoolConfig
	logger  *slog.Logger
	signers []chain.Signer
	mu      sync.Mutex
	next    int
	// per-signer locks serialize top-ups
	topUpMu []sync.Mutex
}

func NewSignerPool(cfg SignerPoolConfig) (*SignerPool, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.Client == nil {
		return nil, errors.New("signer pool requires a chain client")
	}
	if cfg.Master == nil {
		return nil, errors.New("signer pool requires a master signer")
	}
	if cfg.MinRequired == 0 {
		cfg.MinRequired = DefaultMinRequired(cfg.Client.Chain())
	}
	signers := cfg.Signers
	if len(signers) == 0 {
		if cfg.Size <= 0 {
			cfg.Size = DefaultSignerPoolSize
		}
		for i := range cfg.Size {
			s, err := keystore.DeriveSigner(cfg.Master, i)
			if err != nil {
				return nil, fmt.Errorf("derive pool signer %d: %w", i, err)
			}
			signers = append(signers, s)
		}
	}
	return &SignerPool{
		config:  cfg,
		logger:  cfg.Logger.With("component", "signer_pool"),
		signers: signers,
		topUpMu: make([]sync.Mutex, len(signers)),
	}, nil
}

func (p *SignerPool) Size() int {
	return len(p.signers)
}

func (p *SignerPool) Signers() []chain.Signer {
	return append([]chain.Signer(nil), p.signers...)
}

// Next returns the next signer in rotation, topping up its balance from
// the master first when it has fallen below the low water mark.
func (p *SignerPool) Next(ctx context.Context) (chain.Signer, error) {
	p.mu.Lock()
	idx := p.next
	p.next = (p.next + 1) % len(p.signers)
	p.mu.Unlock()
	if err := p.ensureFunded(ctx, idx); err != nil {
		return nil, err
	}
	return p.signers[idx], nil
}

func (p *SignerPool) ensureFunded(ctx context.Context, idx int) error {
	if p.config.MinRequired == 0 {
		return nil
	}
	p.topUpMu[idx].Lock()
	defer p.topUpMu[idx].Unlock()
	signer := p.signers[idx]
	balance, err := p.config.Client.Balance(ctx, signer.Address())
	if err != nil {
		return fmt.Errorf("signer %s balance: %w", signer.Address(), err)
	}
	if balance >= lowWaterMultiple*p.config.MinRequired {
		return nil
	}
	amount := topUpMultiple*p.config.MinRequired - balance
	tx := &chain.Transaction{
		Instructions: []chain.Instruction{chain.Transfer{
			From:   p.config.Master.Address(),
			To:     signer.Address(),
			Amount: amount,
		}},
		Payer: p.config.Master,
	}
	sig, err := p.config.Client.SubmitTransaction(ctx, tx, chain.CommitmentConfirmed)
	if err != nil {
		return fmt.Errorf("top up signer %s: %w", signer.Address(), err)
	}
	p.logger.Info(
		"topped up pool signer",
		"signer", signer.Address(),
		"balance", balance,
		"amount", amount,
		"signature", sig,
	)
	return nil
}
