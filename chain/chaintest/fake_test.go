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

package chaintest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-xyz/function-manager/chain"
	"github.com/switchboard-xyz/function-manager/keystore"
	"github.com/switchboard-xyz/function-manager/result"
	"github.com/switchboard-xyz/function-manager/workload"
)

func testPayer(t *testing.T) chain.Signer {
	t.Helper()
	s, err := keystore.NewEd25519Signer(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	return s
}

func setupQueue(f *Fake, verifiers ...workload.Address) {
	f.PutQueue(workload.AttestationQueue{
		Key:       "queue",
		Verifiers: verifiers,
		Reward:    10,
	})
	for _, v := range verifiers {
		f.PutVerifier(workload.Verifier{Key: v, Queue: "queue"})
	}
}

func TestRoundRobinAdvance(t *testing.T) {
	f := New(chain.ChainSolana)
	setupQueue(f, "v0", "v1", "v2")
	f.PutFunction(workload.Function{Key: "fn", Queue: "queue"})
	payer := testPayer(t)
	ctx := context.Background()
	const k = 7
	for i := range k {
		_, err := f.SubmitTransaction(ctx, &chain.Transaction{
			Payer: payer,
			Instructions: []chain.Instruction{
				chain.FunctionVerify{
					Function: "fn",
					VerifyParams: chain.VerifyParams{
						Verifier:     "v0",
						Queue:        "queue",
						ObservedTime: int64(1000 + i),
					},
				},
			},
		}, chain.CommitmentConfirmed)
		require.NoError(t, err)
	}
	q, ok := f.Queue("queue")
	require.True(t, ok)
	assert.Equal(t, uint32(k%3), q.CurrIdx)
}

func TestVerifyIsIdempotent(t *testing.T) {
	f := New(chain.ChainSolana)
	setupQueue(f, "v0")
	f.PutRequest(workload.Request{Key: "req", Function: "fn", Queue: "queue", Status: workload.RequestStatusPending})
	payer := testPayer(t)
	tx := &chain.Transaction{
		Payer: payer,
		Instructions: []chain.Instruction{
			chain.FunctionRequestVerify{
				Request:      "req",
				Function:     "fn",
				VerifyParams: chain.VerifyParams{Verifier: "v0", Queue: "queue", ObservedTime: 5},
			},
		},
	}
	_, err := f.SubmitTransaction(context.Background(), tx, chain.CommitmentConfirmed)
	require.NoError(t, err)
	before, _ := f.Queue("queue")
	_, err = f.SubmitTransaction(context.Background(), tx, chain.CommitmentConfirmed)
	require.ErrorIs(t, err, chain.ErrRoundClosed)
	after, _ := f.Queue("queue")
	assert.Equal(t, before, after)
	req, _ := f.Request("req")
	assert.Equal(t, workload.RequestStatusSuccess, req.Status)
}

func TestInfraErrorSkipsEscrowPayout(t *testing.T) {
	f := New(chain.ChainSolana)
	setupQueue(f, "v0")
	f.SetBalance("escrow", 1000)
	f.PutRoutine(workload.Routine{Key: "r1", Function: "fn", Queue: "queue", Bounty: 100})
	f.PutRoutine(workload.Routine{Key: "r2", Function: "fn", Queue: "queue", Bounty: 100})
	payer := testPayer(t)
	submit := func(routine workload.Address, code result.ErrorCode) {
		_, err := f.SubmitTransaction(context.Background(), &chain.Transaction{
			Payer: payer,
			Instructions: []chain.Instruction{
				chain.FunctionRoutineVerify{
					Routine:  routine,
					Function: "fn",
					VerifyParams: chain.VerifyParams{
						Verifier:       "v0",
						Queue:          "queue",
						RewardReceiver: "oracle",
						EscrowWallet:   "escrow",
						ObservedTime:   time.Now().Unix(),
						ErrorCode:      code,
					},
				},
			},
		}, chain.CommitmentConfirmed)
		require.NoError(t, err)
	}
	submit("r1", result.ErrorCodeFunctionTimeout)
	bal, err := f.Balance(context.Background(), "oracle")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), bal)

	submit("r2", result.ErrorCodeSuccess)
	bal, err = f.Balance(context.Background(), "oracle")
	require.NoError(t, err)
	assert.Equal(t, uint64(120), bal)
	assert.Len(t, f.Payouts(), 3)
}

func TestFailedInstructionRollsBack(t *testing.T) {
	f := New(chain.ChainSolana)
	setupQueue(f, "v0")
	f.SetBalance("a", 5)
	_, err := f.SubmitTransaction(context.Background(), &chain.Transaction{
		Payer: testPayer(t),
		Instructions: []chain.Instruction{
			chain.Transfer{From: "a", To: "b", Amount: 5},
			chain.Transfer{From: "a", To: "b", Amount: 1},
		},
	}, chain.CommitmentConfirmed)
	require.ErrorIs(t, err, chain.ErrInsufficientFunds)
	bal, _ := f.Balance(context.Background(), "a")
	assert.Equal(t, uint64(5), bal)
	assert.Empty(t, f.Submitted())
}

func TestFetchProgramAccountsFilter(t *testing.T) {
	f := New(chain.ChainSolana)
	idx := uint32(1)
	f.PutRequest(workload.Request{Key: "a", Queue: "queue", QueueIdx: 1, IsTriggered: true})
	f.PutRequest(workload.Request{Key: "b", Queue: "queue", QueueIdx: 0, IsTriggered: true})
	f.PutRequest(workload.Request{Key: "c", Queue: "queue", QueueIdx: 1})
	f.PutRequest(workload.Request{Key: "d", Queue: "other", QueueIdx: 1, IsTriggered: true})
	accounts, err := f.FetchProgramAccounts(context.Background(), chain.Filter{
		Kind:          workload.KindRequest,
		Queue:         "queue",
		QueueIdx:      &idx,
		TriggeredOnly: true,
	})
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, workload.Address("a"), accounts[0].Key)
}

func TestSubscribeDeliversEvents(t *testing.T) {
	f := New(chain.ChainSolana)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := f.Subscribe(ctx, chain.TopicRequestTriggered)
	require.NoError(t, err)
	f.EmitRequestTriggered(chain.RequestTriggered{Request: "req", Function: "fn"})
	evt := <-events
	data, ok := evt.Data.(chain.RequestTriggered)
	require.True(t, ok)
	assert.Equal(t, workload.Address("req"), data.Request)
}
