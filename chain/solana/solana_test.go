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

package solana

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/near/borsh-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-xyz/function-manager/chain"
	"github.com/switchboard-xyz/function-manager/keystore"
	"github.com/switchboard-xyz/function-manager/workload"
)

func pk(b byte) [32]byte {
	var ret [32]byte
	for i := range ret {
		ret[i] = b
	}
	return ret
}

func TestDecodeFunctionAccount(t *testing.T) {
	raw, err := encodeAccount(functionDiscriminator, functionAccount{
		Queue:             pk(1),
		Authority:         pk(2),
		QueueIdx:          3,
		Status:            uint8(workload.FunctionStatusActive),
		IsTriggered:       true,
		EscrowWallet:      pk(4),
		ContainerRegistry: "dockerhub",
		Container:         "switchboardlabs/basic-function",
		Version:           "v1",
		Schedule:          "*/15 * * * * *",
		MrEnclaves:        [][32]byte{pk(9)},
	})
	require.NoError(t, err)
	acct, err := decodeAccount("fn", raw)
	require.NoError(t, err)
	fn, ok := acct.(*workload.Function)
	require.True(t, ok)
	assert.Equal(t, addressFromPubkey(pk(1)), fn.Queue)
	assert.Equal(t, uint32(3), fn.QueueIdx)
	assert.True(t, fn.IsTriggered)
	assert.Equal(t, "switchboardlabs/basic-function:v1", fn.Image())
	assert.Equal(t, []workload.MrEnclave{workload.MrEnclave(pk(9))}, fn.AllowedMrEnclaves)
	// memcmp offsets must line up with the encoded layout
	queue := pk(1)
	assert.Equal(t, queue[:], raw[functionQueueOffset:functionQueueOffset+32])
	assert.Equal(t, []byte{3, 0, 0, 0}, raw[functionQueueIdxOffset:functionQueueIdxOffset+4])
	assert.Equal(t, byte(1), raw[functionIsTriggeredOffset])
}

func TestDecodeRequestOffsets(t *testing.T) {
	raw, err := encodeAccount(requestDiscriminator, requestAccount{
		Function:        pk(1),
		Queue:           pk(2),
		QueueIdx:        7,
		IsTriggered:     true,
		Status:          uint8(workload.RequestStatusPending),
		ValidAfterSlot:  100,
		ContainerParams: []byte("a=b"),
	})
	require.NoError(t, err)
	queue := pk(2)
	assert.Equal(t, queue[:], raw[childQueueOffset:childQueueOffset+32])
	assert.Equal(t, []byte{7, 0, 0, 0}, raw[childQueueIdxOffset:childQueueIdxOffset+4])
	assert.Equal(t, byte(1), raw[requestIsTriggeredOffset])
	acct, err := decodeAccount("req", raw)
	require.NoError(t, err)
	req := acct.(*workload.Request)
	assert.Equal(t, uint64(100), req.ValidAfterSlot)
	assert.Equal(t, []byte("a=b"), req.ContainerParams)
}

func TestDecodeUnknownDiscriminator(t *testing.T) {
	_, err := decodeAccount("x", bytes.Repeat([]byte{0xff}, 40))
	require.ErrorIs(t, err, chain.ErrDecoding)
	_, err = decodeAccount("x", []byte{1, 2})
	require.ErrorIs(t, err, chain.ErrDecoding)
}

func TestShortVec(t *testing.T) {
	assert.Equal(t, []byte{0x00}, appendShortVec(nil, 0))
	assert.Equal(t, []byte{0x7f}, appendShortVec(nil, 127))
	assert.Equal(t, []byte{0x80, 0x01}, appendShortVec(nil, 128))
	assert.Equal(t, []byte{0xff, 0xff, 0x03}, appendShortVec(nil, 0xffff))
}

func TestCompileAndSign(t *testing.T) {
	payer, err := keystore.NewEd25519Signer(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	enclave, err := keystore.NewEd25519Signer(bytes.Repeat([]byte{2}, 32))
	require.NoError(t, err)
	var payerKey [32]byte
	copy(payerKey[:], payer.PublicKey())
	b := &instructionBuilder{programID: pk(7), payer: payerKey}
	ix, err := b.build(chain.FunctionVerify{
		Function: addressFromPubkey(pk(10)),
		VerifyParams: chain.VerifyParams{
			Verifier:       addressFromPubkey(pk(11)),
			EnclaveSigner:  enclave.Address(),
			Queue:          addressFromPubkey(pk(12)),
			EscrowWallet:   addressFromPubkey(pk(13)),
			RewardReceiver: addressFromPubkey(pk(14)),
			ObservedTime:   1700000000,
		},
	})
	require.NoError(t, err)
	blockhash := base58.Encode(bytes.Repeat([]byte{5}, 32))
	msg, err := compileMessage(payerKey, blockhash, []instruction{ix})
	require.NoError(t, err)
	assert.Equal(t, uint8(2), msg.numRequiredSignatures)
	assert.Equal(t, uint8(1), msg.numReadonlySignedAccounts)
	assert.Equal(t, payerKey, msg.accountKeys[0])
	assert.Equal(t, [32]byte(enclave.PublicKey()), msg.accountKeys[1])

	raw, first, err := signTransaction(msg, []chain.Signer{payer, enclave}, true)
	require.NoError(t, err)
	body := msg.serialize()
	assert.Equal(t, byte(2), raw[0])
	assert.True(t, ed25519.Verify(payer.PublicKey(), body, first))
	assert.True(t, ed25519.Verify(enclave.PublicKey(), body, raw[1+64:1+128]))
	assert.Equal(t, body, raw[1+128:])

	_, _, err = signTransaction(msg, []chain.Signer{payer}, true)
	require.ErrorIs(t, err, chain.ErrPermanent)
}

func TestTransferInstruction(t *testing.T) {
	b := &instructionBuilder{programID: pk(7), payer: pk(1)}
	ix, err := b.build(chain.Transfer{
		From:   addressFromPubkey(pk(1)),
		To:     addressFromPubkey(pk(2)),
		Amount: 500,
	})
	require.NoError(t, err)
	assert.Equal(t, systemProgramID, ix.ProgramID)
	assert.Equal(t, []byte{2, 0, 0, 0, 0xf4, 0x01, 0, 0, 0, 0, 0, 0}, ix.Data)
}

func TestParseLogsNotification(t *testing.T) {
	body, err := borsh.Serialize(requestTriggerEvent{
		Request:        pk(3),
		Function:       pk(4),
		QueueIdx:       2,
		ValidAfterSlot: 55,
	})
	require.NoError(t, err)
	payload := append(append([]byte{}, requestTriggerEventDiscriminator[:]...), body...)
	msg := map[string]any{
		"jsonrpc": "2.0",
		"method":  "logsNotification",
		"params": map[string]any{
			"result": map[string]any{
				"context": map[string]any{"slot": 77},
				"value": map[string]any{
					"signature": "sig",
					"err":       nil,
					"logs": []string{
						"Program log: Instruction: FunctionRequestTrigger",
						"Program data: " + base64.StdEncoding.EncodeToString(payload),
						"Program data: " + base64.StdEncoding.EncodeToString([]byte("other event")),
					},
				},
			},
			"subscription": 1,
		},
	}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	events, err := parseLogsNotification(raw)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(77), events[0].Slot)
	ev := events[0].Data.(chain.RequestTriggered)
	assert.Equal(t, addressFromPubkey(pk(3)), ev.Request)
	assert.Equal(t, uint32(2), ev.QueueIdx)
	assert.Equal(t, uint64(55), ev.ValidAfterSlot)

	events, err = parseLogsNotification([]byte(`{"jsonrpc":"2.0","result":5,"id":1}`))
	require.NoError(t, err)
	assert.Empty(t, events)
}

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func newRPCServer(t *testing.T, handler func(req rpcRequest) (any, *int)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req rpcRequest
		require.NoError(t, json.Unmarshal(data, &req))
		result, code := handler(req)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if code != nil {
			resp["error"] = map[string]any{"code": *code, "message": "rpc failure"}
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(context.Background(), Config{
		RPCURL:     srv.URL,
		ProgramID:  addressFromPubkey(pk(7)),
		HTTPClient: srv.Client(),
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestClientReads(t *testing.T) {
	fnData, err := encodeAccount(functionDiscriminator, functionAccount{
		Queue:     pk(1),
		Container: "img",
	})
	require.NoError(t, err)
	srv := newRPCServer(t, func(req rpcRequest) (any, *int) {
		switch req.Method {
		case "getSlot":
			return 1234, nil
		case "getBalance":
			return map[string]any{"context": map[string]any{"slot": 1}, "value": 99}, nil
		case "getProgramAccounts":
			return []any{
				map[string]any{
					"pubkey": "fn1",
					"account": map[string]any{
						"data":     []string{base64.StdEncoding.EncodeToString(fnData), "base64"},
						"lamports": 1,
					},
				},
				map[string]any{
					"pubkey": "junk",
					"account": map[string]any{
						"data": []string{base64.StdEncoding.EncodeToString([]byte("garbage")), "base64"},
					},
				},
			}, nil
		case "getAccountInfo":
			return map[string]any{"context": map[string]any{"slot": 1}, "value": nil}, nil
		default:
			code := -32601
			return nil, &code
		}
	})
	c := newTestClient(t, srv)
	ctx := context.Background()

	slot, err := c.CurrentSlot(ctx, chain.CommitmentProcessed)
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), slot)

	bal, err := c.Balance(ctx, "payer")
	require.NoError(t, err)
	assert.Equal(t, uint64(99), bal)

	accounts, err := c.FetchProgramAccounts(ctx, chain.Filter{Kind: workload.KindFunction})
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, workload.Address("fn1"), accounts[0].Key)

	_, err = c.FetchAccount(ctx, "missing")
	require.ErrorIs(t, err, chain.ErrNotFound)

	_, err = c.RecentBlockhash(ctx, chain.CommitmentProcessed)
	require.ErrorIs(t, err, chain.ErrPermanent)
}

func TestClientNodeBehindIsTransient(t *testing.T) {
	srv := newRPCServer(t, func(rpcRequest) (any, *int) {
		code := rpcCodeNodeBehind
		return nil, &code
	})
	c := newTestClient(t, srv)
	_, err := c.CurrentSlot(context.Background(), chain.CommitmentProcessed)
	require.Error(t, err)
	assert.True(t, chain.IsTransient(err))
}

func TestFiltersFor(t *testing.T) {
	idx := uint32(4)
	filters, err := filtersFor(chain.Filter{
		Kind:          workload.KindRequest,
		Queue:         addressFromPubkey(pk(1)),
		QueueIdx:      &idx,
		TriggeredOnly: true,
	})
	require.NoError(t, err)
	require.Len(t, filters, 4)
	assert.Equal(t, 0, filters[0].Memcmp.Offset)
	assert.Equal(t, childQueueOffset, filters[1].Memcmp.Offset)
	assert.Equal(t, base58.Encode([]byte{4, 0, 0, 0}), filters[2].Memcmp.Bytes)
	assert.Equal(t, requestIsTriggeredOffset, filters[3].Memcmp.Offset)
}
