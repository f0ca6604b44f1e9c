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
	"errors"
	"fmt"
	"slices"

	"github.com/mr-tron/base58"

	"github.com/switchboard-xyz/function-manager/chain"
)

const signatureSize = 64

type accountMeta struct {
	Pubkey     [32]byte
	IsSigner   bool
	IsWritable bool
}

type instruction struct {
	ProgramID [32]byte
	Accounts  []accountMeta
	Data      []byte
}

// message is a compiled legacy transaction message.
type message struct {
	numRequiredSignatures       uint8
	numReadonlySignedAccounts   uint8
	numReadonlyUnsignedAccounts uint8
	accountKeys                 [][32]byte
	recentBlockhash             [32]byte
	instructions                []compiledInstruction
}

type compiledInstruction struct {
	programIDIndex uint8
	accounts       []uint8
	data           []byte
}

func appendShortVec(buf []byte, n int) []byte {
	v := uint(n)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(buf, b)
		}
		buf = append(buf, b|0x80)
	}
}

// compileMessage orders accounts as the runtime expects: the fee payer
// first, then writable signers, readonly signers, writable non-signers and
// readonly non-signers.
func compileMessage(payer [32]byte, blockhash string, ixs []instruction) (*message, error) {
	hash, err := base58.Decode(blockhash)
	if err != nil || len(hash) != 32 {
		return nil, fmt.Errorf("%w: invalid blockhash %q", chain.ErrPermanent, blockhash)
	}
	if len(ixs) == 0 {
		return nil, fmt.Errorf("%w: transaction has no instructions", chain.ErrPermanent)
	}
	metas := []accountMeta{{Pubkey: payer, IsSigner: true, IsWritable: true}}
	index := map[[32]byte]int{payer: 0}
	add := func(m accountMeta) {
		if i, ok := index[m.Pubkey]; ok {
			metas[i].IsSigner = metas[i].IsSigner || m.IsSigner
			metas[i].IsWritable = metas[i].IsWritable || m.IsWritable
			return
		}
		index[m.Pubkey] = len(metas)
		metas = append(metas, m)
	}
	for _, ix := range ixs {
		for _, m := range ix.Accounts {
			add(m)
		}
		add(accountMeta{Pubkey: ix.ProgramID})
	}
	rank := func(m accountMeta) int {
		switch {
		case m.IsSigner && m.IsWritable:
			return 0
		case m.IsSigner:
			return 1
		case m.IsWritable:
			return 2
		default:
			return 3
		}
	}
	rest := metas[1:]
	slices.SortStableFunc(rest, func(a, b accountMeta) int {
		return rank(a) - rank(b)
	})
	msg := &message{}
	copy(msg.recentBlockhash[:], hash)
	position := make(map[[32]byte]uint8, len(metas))
	if len(metas) > 256 {
		return nil, fmt.Errorf("%w: too many accounts (%d)", chain.ErrPermanent, len(metas))
	}
	for i, m := range metas {
		position[m.Pubkey] = uint8(i) // #nosec G115
		msg.accountKeys = append(msg.accountKeys, m.Pubkey)
		switch {
		case m.IsSigner:
			msg.numRequiredSignatures++
			if !m.IsWritable {
				msg.numReadonlySignedAccounts++
			}
		case !m.IsWritable:
			msg.numReadonlyUnsignedAccounts++
		}
	}
	for _, ix := range ixs {
		c := compiledInstruction{
			programIDIndex: position[ix.ProgramID],
			data:           ix.Data,
		}
		for _, m := range ix.Accounts {
			c.accounts = append(c.accounts, position[m.Pubkey])
		}
		msg.instructions = append(msg.instructions, c)
	}
	return msg, nil
}

func (m *message) serialize() []byte {
	buf := []byte{
		m.numRequiredSignatures,
		m.numReadonlySignedAccounts,
		m.numReadonlyUnsignedAccounts,
	}
	buf = appendShortVec(buf, len(m.accountKeys))
	for _, k := range m.accountKeys {
		buf = append(buf, k[:]...)
	}
	buf = append(buf, m.recentBlockhash[:]...)
	buf = appendShortVec(buf, len(m.instructions))
	for _, ix := range m.instructions {
		buf = append(buf, ix.programIDIndex)
		buf = appendShortVec(buf, len(ix.accounts))
		buf = append(buf, ix.accounts...)
		buf = appendShortVec(buf, len(ix.data))
		buf = append(buf, ix.data...)
	}
	return buf
}

func (m *message) signerKeys() [][32]byte {
	return m.accountKeys[:m.numRequiredSignatures]
}

// signTransaction produces the wire transaction. With sign false the
// signature slots are zero-filled, as accepted by simulation with signature
// verification disabled.
func signTransaction(m *message, signers []chain.Signer, sign bool) ([]byte, []byte, error) {
	raw := m.serialize()
	keys := m.signerKeys()
	sigs := make([][]byte, len(keys))
	for i, key := range keys {
		sigs[i] = make([]byte, signatureSize)
		if !sign {
			continue
		}
		idx := slices.IndexFunc(signers, func(s chain.Signer) bool {
			return bytes.Equal(s.PublicKey(), key[:])
		})
		if idx < 0 {
			return nil, nil, fmt.Errorf(
				"%w: missing signer %s",
				chain.ErrPermanent,
				base58.Encode(key[:]),
			)
		}
		sig, err := signers[idx].Sign(raw)
		if err != nil {
			return nil, nil, err
		}
		if len(sig) != signatureSize {
			return nil, nil, errors.New("signer produced a non-ed25519 signature")
		}
		sigs[i] = sig
	}
	out := appendShortVec(nil, len(sigs))
	for _, s := range sigs {
		out = append(out, s...)
	}
	out = append(out, raw...)
	return out, sigs[0], nil
}
