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

// Package chain defines the chain-agnostic client used by the function
// manager. Each supported chain provides an implementation in a
// subpackage.
package chain

import (
	"context"
	"time"

	"github.com/switchboard-xyz/function-manager/workload"
)

type Chain string

const (
	ChainSolana Chain = "solana"
	ChainEVM    Chain = "evm"
)

// Ceilings on the aggregated cost of calls forwarded in one submission.
const (
	EVMGasCap            uint64 = 5_500_000
	SolanaComputeUnitCap uint64 = 1_400_000
)

// DefaultGasCap returns the forwarded call cost ceiling for c, or zero for
// an unknown chain.
func DefaultGasCap(c Chain) uint64 {
	switch c {
	case ChainEVM:
		return EVMGasCap
	case ChainSolana:
		return SolanaComputeUnitCap
	default:
		return 0
	}
}

// Commitment is the confirmation level of a read or submission.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// Signature is an opaque transaction handle resolvable with Confirm.
type Signature string

// Filter selects program accounts.
type Filter struct {
	Kind  workload.Kind
	Queue workload.Address
	// QueueIdx restricts results to a single round-robin position
	QueueIdx      *uint32
	TriggeredOnly bool
}

type KeyedAccount struct {
	Key     workload.Address
	Account workload.Account
}

const TopicRequestTriggered = "request_triggered"

// Event is a decoded on-chain event.
type Event struct {
	Topic string
	Slot  uint64
	Data  any
}

// RequestTriggered is emitted when a function request is triggered.
type RequestTriggered struct {
	Request        workload.Address
	Function       workload.Address
	QueueIdx       uint32
	ValidAfterSlot uint64
}

// Signer signs transactions.
type Signer interface {
	PublicKey() []byte
	Address() workload.Address
	Sign(data []byte) ([]byte, error)
}

// Transaction bundles instructions under a fee payer. On EVM chains it is
// submitted as a single forward() meta-transaction.
type Transaction struct {
	Instructions []Instruction
	Payer        Signer
	// Signers are required co-signers besides the payer
	Signers    []Signer
	Expiration time.Time
	GasCap     uint64
	// Blockhash is a recent blockhash on chains that need one. When empty
	// the client fetches one.
	Blockhash string
}

// Client is the façade over a chain RPC endpoint. Implementations are safe
// for concurrent use.
type Client interface {
	Chain() Chain
	// FetchProgramAccounts returns all accounts matching the filter.
	// Accounts that fail to decode are skipped.
	FetchProgramAccounts(ctx context.Context, filter Filter) ([]KeyedAccount, error)
	// FetchAccount returns ErrNotFound when the account does not exist.
	FetchAccount(ctx context.Context, key workload.Address) (workload.Account, error)
	CurrentSlot(ctx context.Context, commitment Commitment) (uint64, error)
	RecentBlockhash(ctx context.Context, commitment Commitment) (string, error)
	Balance(ctx context.Context, key workload.Address) (uint64, error)
	// SubmitTransaction sends the transaction without waiting for it to
	// land.
	SubmitTransaction(ctx context.Context, tx *Transaction, commitment Commitment) (Signature, error)
	// Confirm waits for the transaction to reach confirmed commitment.
	Confirm(ctx context.Context, sig Signature) error
	// Subscribe returns a continuous stream for the topic that survives
	// reconnects. Events may be delivered more than once. The channel is
	// closed when ctx is done.
	Subscribe(ctx context.Context, topic string) (<-chan Event, error)
	// EstimateCost simulates the transaction and returns its gas or
	// compute unit cost.
	EstimateCost(ctx context.Context, tx *Transaction) (uint64, error)
}
