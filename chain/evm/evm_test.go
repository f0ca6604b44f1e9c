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

package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-xyz/function-manager/chain"
	"github.com/switchboard-xyz/function-manager/keystore"
	"github.com/switchboard-xyz/function-manager/result"
	"github.com/switchboard-xyz/function-manager/workload"
)

var (
	testContract = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	testQueue    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testFunction = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	testVerifier = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

func packFunction(t *testing.T, queueIdx uint32, triggered bool) []byte {
	t.Helper()
	data, err := contractABI.Methods["getFunction"].Outputs.Pack(
		common.HexToAddress("0x01"),
		testQueue,
		"dockerhub",
		"switchboardlabs/function",
		"v2",
		"0 * * * * *",
		uint8(workload.FunctionStatusActive),
		triggered,
		queueIdx,
		big.NewInt(1700000000),
		big.NewInt(0),
		common.HexToAddress("0x02"),
		[][32]byte{{9}},
	)
	require.NoError(t, err)
	return data
}

func TestDecodeFunction(t *testing.T) {
	fn, err := decodeFunction(workload.Address(testFunction.Hex()), packFunction(t, 2, true))
	require.NoError(t, err)
	assert.Equal(t, workload.Address(testQueue.Hex()), fn.Queue)
	assert.Equal(t, uint32(2), fn.QueueIdx)
	assert.True(t, fn.IsTriggered)
	assert.Equal(t, int64(1700000000), fn.LastExecutionTimestamp)
	assert.Equal(t, "switchboardlabs/function:v2", fn.Image())
	assert.Equal(t, workload.MrEnclave{9}, fn.AllowedMrEnclaves[0])

	_, err = decodeFunction("x", []byte{1, 2, 3})
	require.ErrorIs(t, err, chain.ErrDecoding)
}

func TestEncodeVerifyCall(t *testing.T) {
	data, err := encodeCall(chain.FunctionRequestVerify{
		Request:     workload.Address(testFunction.Hex()),
		RequestSlot: 99,
		VerifyParams: chain.VerifyParams{
			Verifier:       workload.Address(testVerifier.Hex()),
			EnclaveSigner:  workload.Address(testVerifier.Hex()),
			RewardReceiver: workload.Address(testVerifier.Hex()),
			ObservedTime:   42,
			ErrorCode:      result.ErrorCodeFunctionTimeout,
		},
	})
	require.NoError(t, err)
	method := contractABI.Methods["verifyRequest"]
	assert.Equal(t, method.ID, data[:4])
	values, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, testFunction, values[0])
	assert.Equal(t, big.NewInt(42), values[4])
	assert.Equal(t, big.NewInt(99), values[5])
	assert.Equal(t, uint8(result.ErrorCodeFunctionTimeout), values[8])

	_, err = encodeCall(chain.Transfer{})
	require.ErrorIs(t, err, chain.ErrUnsupported)
}

func TestDecodeTriggerLog(t *testing.T) {
	event := contractABI.Events[eventRequestTriggered]
	data, err := event.Inputs.NonIndexed().Pack(uint32(3), big.NewInt(1234))
	require.NoError(t, err)
	ev, err := decodeTriggerLog(types.Log{
		Topics: []common.Hash{
			event.ID,
			common.BytesToHash(testFunction.Bytes()),
			common.BytesToHash(testQueue.Bytes()),
		},
		Data: data,
	})
	require.NoError(t, err)
	assert.Equal(t, workload.Address(testFunction.Hex()), ev.Request)
	assert.Equal(t, workload.Address(testQueue.Hex()), ev.Function)
	assert.Equal(t, uint32(3), ev.QueueIdx)
	assert.Equal(t, uint64(1234), ev.ValidAfterSlot)
}

func TestGweiConversion(t *testing.T) {
	assert.Equal(t, uint64(2), gweiOf(big.NewInt(2_500_000_000)))
	assert.Equal(t, big.NewInt(3_000_000_000), weiOf(3))
	huge := new(big.Int).Lsh(big.NewInt(1), 200)
	assert.Equal(t, ^uint64(0), gweiOf(huge))
}

type rpcServer struct {
	t       *testing.T
	mu      sync.Mutex
	rawTxs  [][]byte
	handler func(method string, params []json.RawMessage) any
}

func (s *rpcServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	require.NoError(s.t, err)
	var req struct {
		ID     json.RawMessage   `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	require.NoError(s.t, json.Unmarshal(body, &req))
	var res any
	if req.Method == "eth_sendRawTransaction" {
		var raw hexutil.Bytes
		require.NoError(s.t, json.Unmarshal(req.Params[0], &raw))
		s.mu.Lock()
		s.rawTxs = append(s.rawTxs, raw)
		s.mu.Unlock()
		res = common.Hash{1}.Hex()
	} else {
		res = s.handler(req.Method, req.Params)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": res})
}

func newTestClient(t *testing.T, handler func(string, []json.RawMessage) any) (*Client, *rpcServer) {
	t.Helper()
	rs := &rpcServer{t: t, handler: handler}
	srv := httptest.NewServer(rs)
	t.Cleanup(srv.Close)
	c, err := New(context.Background(), Config{
		RPCURL:          srv.URL,
		ChainID:         1337,
		ContractAddress: workload.Address(testContract.Hex()),
		HTTPClient:      srv.Client(),
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, rs
}

func callInput(t *testing.T, params []json.RawMessage) []byte {
	t.Helper()
	var arg struct {
		Input hexutil.Bytes `json:"input"`
		Data  hexutil.Bytes `json:"data"`
	}
	require.NoError(t, json.Unmarshal(params[0], &arg))
	if len(arg.Input) > 0 {
		return arg.Input
	}
	return arg.Data
}

func TestSubmitTransactionSignsWithPayer(t *testing.T) {
	c, rs := newTestClient(t, func(method string, _ []json.RawMessage) any {
		switch method {
		case "eth_estimateGas":
			return "0x186a0"
		case "eth_gasPrice":
			return "0x3b9aca00"
		case "eth_getTransactionCount":
			return "0x5"
		}
		return nil
	})
	payer, err := keystore.NewSecp256k1Signer(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	tx := &chain.Transaction{
		Payer: payer,
		Instructions: []chain.Instruction{
			chain.VerifierHeartbeat{
				Verifier:      workload.Address(testVerifier.Hex()),
				EnclaveSigner: payer.Address(),
			},
		},
	}
	sig, err := c.SubmitTransaction(context.Background(), tx, chain.CommitmentConfirmed)
	require.NoError(t, err)
	require.Len(t, rs.rawTxs, 1)
	var sent types.Transaction
	require.NoError(t, sent.UnmarshalBinary(rs.rawTxs[0]))
	assert.Equal(t, chain.Signature(sent.Hash().Hex()), sig)
	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1337)), &sent)
	require.NoError(t, err)
	assert.Equal(t, payer.Address(), workload.Address(sender.Hex()))
	assert.Equal(t, uint64(5), sent.Nonce())
	assert.Equal(t, uint64(120000), sent.Gas())
	assert.Equal(t, testContract, *sent.To())

	// a second submission uses the next nonce even if the node lags
	_, err = c.SubmitTransaction(context.Background(), tx, chain.CommitmentConfirmed)
	require.NoError(t, err)
	require.NoError(t, sent.UnmarshalBinary(rs.rawTxs[1]))
	assert.Equal(t, uint64(6), sent.Nonce())
}

func TestFetchAccountAndBalance(t *testing.T) {
	verifierOut, err := contractABI.Methods["getVerifier"].Outputs.Pack(
		testQueue,
		common.HexToAddress("0x03"),
		common.HexToAddress("0x04"),
		uint32(1),
		big.NewInt(time.Unix(1700000000, 0).Unix()),
		[32]byte{5},
	)
	require.NoError(t, err)
	kindOut, err := contractABI.Methods["accountKind"].Outputs.Pack(accountKindVerifier)
	require.NoError(t, err)
	c, _ := newTestClient(t, func(method string, params []json.RawMessage) any {
		switch method {
		case "eth_call":
			input := callInput(t, params)
			switch {
			case bytes.Equal(input[:4], contractABI.Methods["accountKind"].ID):
				return hexutil.Encode(kindOut)
			case bytes.Equal(input[:4], contractABI.Methods["getVerifier"].ID):
				return hexutil.Encode(verifierOut)
			}
		case "eth_getBalance":
			return "0x77359400"
		case "eth_blockNumber":
			return "0x10"
		}
		return nil
	})
	ctx := context.Background()
	acct, err := c.FetchAccount(ctx, workload.Address(testVerifier.Hex()))
	require.NoError(t, err)
	v, ok := acct.(*workload.Verifier)
	require.True(t, ok)
	assert.Equal(t, workload.Address(testQueue.Hex()), v.Queue)
	assert.Equal(t, int64(1700000000), v.LastHeartbeat)

	bal, err := c.Balance(ctx, workload.Address(testVerifier.Hex()))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), bal)

	slot, err := c.CurrentSlot(ctx, chain.CommitmentProcessed)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), slot)
}

func TestBuildCallBatchesUserCalls(t *testing.T) {
	c := &Client{config: Config{GasCap: DefaultGasCap}, contract: testContract}
	msg, err := c.buildCall(&chain.Transaction{
		Instructions: []chain.Instruction{
			chain.UserCall{Tx: result.Tx{To: testQueue.Hex(), Data: []byte{1}, GasLimit: 100}},
			chain.UserCall{Tx: result.Tx{To: testFunction.Hex(), Data: []byte{2}, GasLimit: 200}},
			chain.FunctionVerify{
				Function: workload.Address(testFunction.Hex()),
				VerifyParams: chain.VerifyParams{
					Verifier:       workload.Address(testVerifier.Hex()),
					EnclaveSigner:  workload.Address(testVerifier.Hex()),
					RewardReceiver: workload.Address(testVerifier.Hex()),
				},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, testContract, msg.to)
	assert.Equal(t, contractABI.Methods["multicall"].ID, msg.data[:4])

	_, err = c.buildCall(&chain.Transaction{
		Instructions: []chain.Instruction{
			chain.Transfer{To: workload.Address(testQueue.Hex()), Amount: 1},
			chain.Transfer{To: workload.Address(testQueue.Hex()), Amount: 1},
		},
	})
	require.ErrorIs(t, err, chain.ErrUnsupported)
}
