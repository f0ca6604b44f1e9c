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
	"encoding/binary"
	"fmt"

	"github.com/near/borsh-go"

	"github.com/switchboard-xyz/function-manager/chain"
	"github.com/switchboard-xyz/function-manager/workload"
)

// System program: 32 zero bytes.
var systemProgramID [32]byte

const systemTransferIndex = 2

type rotateSignerParams struct {
	NewSigner [32]byte
}

type updateEnclaveParams struct {
	Cid       string
	MrEnclave [32]byte
}

type queuePermissionParams struct {
	Permission uint32
	Enable     bool
}

type addMrEnclaveParams struct {
	MrEnclave [32]byte
}

type verifyParams struct {
	ObservedTime         int64
	NextAllowedTimestamp int64
	ErrorCode            uint8
	MrEnclave            [32]byte
	ContainerParamsHash  [32]byte
}

type requestVerifyParams struct {
	ObservedTime         int64
	NextAllowedTimestamp int64
	ErrorCode            uint8
	MrEnclave            [32]byte
	ContainerParamsHash  [32]byte
	RequestSlot          uint64
}

type emptyParams struct{}

// instructionBuilder translates chain instructions into program calls.
type instructionBuilder struct {
	programID [32]byte
	payer     [32]byte
}

func (b *instructionBuilder) anchor(name string, params any, metas ...accountMeta) (instruction, error) {
	disc := instructionDiscriminator(name)
	body, err := borsh.Serialize(params)
	if err != nil {
		return instruction{}, fmt.Errorf("encode %s: %w", name, err)
	}
	data := make([]byte, 0, len(disc)+len(body))
	data = append(data, disc[:]...)
	data = append(data, body...)
	return instruction{ProgramID: b.programID, Accounts: metas, Data: data}, nil
}

func writable(pk [32]byte) accountMeta { return accountMeta{Pubkey: pk, IsWritable: true} }

func readonly(pk [32]byte) accountMeta { return accountMeta{Pubkey: pk} }

func signer(pk [32]byte) accountMeta { return accountMeta{Pubkey: pk, IsSigner: true} }

// keys decodes a list of addresses, failing on the first invalid one.
func keys(addrs ...workload.Address) ([][32]byte, error) {
	ret := make([][32]byte, len(addrs))
	for i, a := range addrs {
		pk, err := pubkeyFromAddress(a)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", chain.ErrPermanent, err)
		}
		ret[i] = pk
	}
	return ret, nil
}

func (b *instructionBuilder) build(ix chain.Instruction) (instruction, error) {
	switch v := ix.(type) {
	case chain.VerifierHeartbeat:
		k, err := keys(v.Verifier, v.Queue)
		if err != nil {
			return instruction{}, err
		}
		return b.anchor(v.Name(), emptyParams{},
			writable(k[0]), writable(k[1]), signer(b.payer))
	case chain.RotateEnclaveSigner:
		k, err := keys(v.Verifier, v.Authority)
		if err != nil {
			return instruction{}, err
		}
		if len(v.NewSigner) != 32 {
			return instruction{}, fmt.Errorf("%w: enclave signer must be 32 bytes", chain.ErrPermanent)
		}
		var p rotateSignerParams
		copy(p.NewSigner[:], v.NewSigner)
		return b.anchor(v.Name(), p, writable(k[0]), signer(k[1]))
	case chain.UpdateEnclave:
		k, err := keys(v.Verifier, v.Queue)
		if err != nil {
			return instruction{}, err
		}
		return b.anchor(v.Name(),
			updateEnclaveParams{Cid: v.QuoteCID, MrEnclave: v.MrEnclave},
			writable(k[0]), readonly(k[1]), signer(b.payer))
	case chain.ForceOverrideVerify:
		k, err := keys(v.Verifier, v.Queue)
		if err != nil {
			return instruction{}, err
		}
		return b.anchor(v.Name(), emptyParams{},
			writable(k[0]), writable(k[1]), signer(b.payer))
	case chain.SetQueuePermission:
		k, err := keys(v.Queue, v.Verifier)
		if err != nil {
			return instruction{}, err
		}
		return b.anchor(v.Name(),
			queuePermissionParams{Permission: v.Permission, Enable: v.Enable},
			readonly(k[0]), writable(k[1]), signer(b.payer))
	case chain.AddMrEnclaveToQueue:
		k, err := keys(v.Queue)
		if err != nil {
			return instruction{}, err
		}
		return b.anchor(v.Name(), addMrEnclaveParams{MrEnclave: v.MrEnclave},
			writable(k[0]), signer(b.payer))
	case chain.FunctionVerify:
		metas, err := b.verifyAccounts(v.VerifyParams, v.Function)
		if err != nil {
			return instruction{}, err
		}
		return b.anchor(v.Name(), toVerifyParams(v.VerifyParams), metas...)
	case chain.FunctionRoutineVerify:
		metas, err := b.verifyAccounts(v.VerifyParams, v.Routine, v.Function)
		if err != nil {
			return instruction{}, err
		}
		return b.anchor(v.Name(), toVerifyParams(v.VerifyParams), metas...)
	case chain.FunctionRequestVerify:
		metas, err := b.verifyAccounts(v.VerifyParams, v.Request, v.Function)
		if err != nil {
			return instruction{}, err
		}
		p := toVerifyParams(v.VerifyParams)
		return b.anchor(v.Name(), requestVerifyParams{
			ObservedTime:         p.ObservedTime,
			NextAllowedTimestamp: p.NextAllowedTimestamp,
			ErrorCode:            p.ErrorCode,
			MrEnclave:            p.MrEnclave,
			ContainerParamsHash:  p.ContainerParamsHash,
			RequestSlot:          v.RequestSlot,
		}, metas...)
	case chain.Transfer:
		k, err := keys(v.From, v.To)
		if err != nil {
			return instruction{}, err
		}
		data := make([]byte, 12)
		binary.LittleEndian.PutUint32(data[0:4], systemTransferIndex)
		binary.LittleEndian.PutUint64(data[4:12], v.Amount)
		return instruction{
			ProgramID: systemProgramID,
			Accounts: []accountMeta{
				{Pubkey: k[0], IsSigner: true, IsWritable: true},
				writable(k[1]),
			},
			Data: data,
		}, nil
	case chain.UserCall:
		k, err := keys(workload.Address(v.Tx.To))
		if err != nil {
			return instruction{}, err
		}
		ret := instruction{ProgramID: k[0], Data: v.Tx.Data}
		for _, m := range v.Tx.Accounts {
			pk, err := keys(workload.Address(m.Pubkey))
			if err != nil {
				return instruction{}, err
			}
			ret.Accounts = append(ret.Accounts, accountMeta{
				Pubkey:     pk[0],
				IsSigner:   m.IsSigner,
				IsWritable: m.IsWritable,
			})
		}
		return ret, nil
	default:
		return instruction{}, fmt.Errorf("%w: %s", chain.ErrUnsupported, ix.Name())
	}
}

// verifyAccounts lists the accounts shared by all verify instructions,
// preceded by the workload accounts being verified.
func (b *instructionBuilder) verifyAccounts(p chain.VerifyParams, workloadKeys ...workload.Address) ([]accountMeta, error) {
	wk, err := keys(workloadKeys...)
	if err != nil {
		return nil, err
	}
	k, err := keys(p.Verifier, p.EnclaveSigner, p.Queue, p.EscrowWallet, p.RewardReceiver)
	if err != nil {
		return nil, err
	}
	metas := make([]accountMeta, 0, len(wk)+6)
	metas = append(metas, writable(wk[0]))
	for _, extra := range wk[1:] {
		metas = append(metas, readonly(extra))
	}
	metas = append(metas,
		readonly(k[0]),
		signer(k[1]),
		writable(k[2]),
		writable(k[3]),
		writable(k[4]),
		accountMeta{Pubkey: b.payer, IsSigner: true, IsWritable: true},
		readonly(systemProgramID),
	)
	return metas, nil
}

func toVerifyParams(p chain.VerifyParams) verifyParams {
	return verifyParams{
		ObservedTime:         p.ObservedTime,
		NextAllowedTimestamp: p.NextAllowedTimestamp,
		ErrorCode:            uint8(p.ErrorCode),
		MrEnclave:            p.MrEnclave,
		ContainerParamsHash:  p.ContainerParamsHash,
	}
}
