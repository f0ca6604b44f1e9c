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
	"crypto/sha256"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/near/borsh-go"

	"github.com/switchboard-xyz/function-manager/chain"
	"github.com/switchboard-xyz/function-manager/workload"
)

const discriminatorSize = 8

type discriminator [discriminatorSize]byte

func accountDiscriminator(name string) discriminator {
	return anchorDiscriminator("account:" + name)
}

func instructionDiscriminator(name string) discriminator {
	return anchorDiscriminator("global:" + name)
}

func eventDiscriminator(name string) discriminator {
	return anchorDiscriminator("event:" + name)
}

func anchorDiscriminator(preimage string) discriminator {
	var ret discriminator
	sum := sha256.Sum256([]byte(preimage))
	copy(ret[:], sum[:discriminatorSize])
	return ret
}

var (
	functionDiscriminator = accountDiscriminator("FunctionAccountData")
	routineDiscriminator  = accountDiscriminator("FunctionRoutineAccountData")
	requestDiscriminator  = accountDiscriminator("FunctionRequestAccountData")
	queueDiscriminator    = accountDiscriminator("AttestationQueueAccountData")
	verifierDiscriminator = accountDiscriminator("VerifierAccountData")

	requestTriggerEventDiscriminator = eventDiscriminator("FunctionRequestTriggerEvent")
)

// Account layouts. Fixed-size fields come first so they can be matched with
// memcmp filters at stable offsets.

type functionAccount struct {
	Queue                  [32]byte
	Authority              [32]byte
	QueueIdx               uint32
	Status                 uint8
	IsTriggered            bool
	LastExecutionTimestamp int64
	NextAllowedTimestamp   int64
	EscrowWallet           [32]byte
	ContainerRegistry      string
	Container              string
	Version                string
	Schedule               string
	MrEnclaves             [][32]byte
}

type routineAccount struct {
	Function               [32]byte
	Queue                  [32]byte
	QueueIdx               uint32
	IsDisabled             bool
	Status                 uint8
	Authority              [32]byte
	EscrowWallet           [32]byte
	Bounty                 uint64
	LastExecutionTimestamp int64
	NextAllowedTimestamp   int64
	ContainerParamsHash    [32]byte
	Schedule               string
	ContainerParams        []byte
}

type requestAccount struct {
	Function            [32]byte
	Queue               [32]byte
	QueueIdx            uint32
	IsTriggered         bool
	Status              uint8
	Authority           [32]byte
	EscrowWallet        [32]byte
	ValidAfterSlot      uint64
	RequestSlot         uint64
	ContainerParamsHash [32]byte
	ContainerParams     []byte
}

type queueAccount struct {
	Authority               [32]byte
	CurrIdx                 uint32
	Reward                  uint64
	RequireUsagePermissions bool
	Verifiers               [][32]byte
	MrEnclaves              [][32]byte
}

type verifierAccount struct {
	Queue         [32]byte
	Authority     [32]byte
	EnclaveSigner [32]byte
	Permissions   uint32
	LastHeartbeat int64
	MrEnclave     [32]byte
}

type requestTriggerEvent struct {
	Request        [32]byte
	Function       [32]byte
	QueueIdx       uint32
	ValidAfterSlot uint64
}

// memcmp offsets, including the discriminator
const (
	functionQueueOffset       = discriminatorSize
	functionQueueIdxOffset    = discriminatorSize + 64
	functionIsTriggeredOffset = discriminatorSize + 64 + 4 + 1
	childQueueOffset          = discriminatorSize + 32
	childQueueIdxOffset       = discriminatorSize + 64
	requestIsTriggeredOffset  = discriminatorSize + 64 + 4
	verifierQueueOffset       = discriminatorSize
)

func pubkeyFromAddress(addr workload.Address) ([32]byte, error) {
	var ret [32]byte
	raw, err := base58.Decode(string(addr))
	if err != nil {
		return ret, fmt.Errorf("decode address %q: %w", addr, err)
	}
	if len(raw) != len(ret) {
		return ret, fmt.Errorf("invalid address %q: %d bytes", addr, len(raw))
	}
	copy(ret[:], raw)
	return ret, nil
}

func addressFromPubkey(pk [32]byte) workload.Address {
	if pk == [32]byte{} {
		return ""
	}
	return workload.Address(base58.Encode(pk[:]))
}

func enclaves(list [][32]byte) []workload.MrEnclave {
	ret := make([]workload.MrEnclave, 0, len(list))
	for _, m := range list {
		ret = append(ret, workload.MrEnclave(m))
	}
	return ret
}

// decodeAccount decodes an account by its discriminator.
func decodeAccount(key workload.Address, data []byte) (workload.Account, error) {
	if len(data) < discriminatorSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", chain.ErrDecoding, key, len(data))
	}
	var disc discriminator
	copy(disc[:], data[:discriminatorSize])
	body := data[discriminatorSize:]
	switch disc {
	case functionDiscriminator:
		var acct functionAccount
		if err := borsh.Deserialize(&acct, body); err != nil {
			return nil, fmt.Errorf("%w: function %s: %w", chain.ErrDecoding, key, err)
		}
		return &workload.Function{
			Key:                    key,
			Queue:                  addressFromPubkey(acct.Queue),
			Authority:              addressFromPubkey(acct.Authority),
			ContainerRegistry:      acct.ContainerRegistry,
			Container:              acct.Container,
			Version:                acct.Version,
			Schedule:               acct.Schedule,
			AllowedMrEnclaves:      enclaves(acct.MrEnclaves),
			QueueIdx:               acct.QueueIdx,
			Status:                 workload.FunctionStatus(acct.Status),
			LastExecutionTimestamp: acct.LastExecutionTimestamp,
			NextAllowedTimestamp:   acct.NextAllowedTimestamp,
			IsTriggered:            acct.IsTriggered,
			EscrowWallet:           addressFromPubkey(acct.EscrowWallet),
			Raw:                    data,
		}, nil
	case routineDiscriminator:
		var acct routineAccount
		if err := borsh.Deserialize(&acct, body); err != nil {
			return nil, fmt.Errorf("%w: routine %s: %w", chain.ErrDecoding, key, err)
		}
		return &workload.Routine{
			Key:                    key,
			Function:               addressFromPubkey(acct.Function),
			Queue:                  addressFromPubkey(acct.Queue),
			Authority:              addressFromPubkey(acct.Authority),
			Schedule:               acct.Schedule,
			QueueIdx:               acct.QueueIdx,
			ContainerParams:        acct.ContainerParams,
			ContainerParamsHash:    acct.ContainerParamsHash,
			Bounty:                 acct.Bounty,
			IsDisabled:             acct.IsDisabled,
			Status:                 workload.FunctionStatus(acct.Status),
			LastExecutionTimestamp: acct.LastExecutionTimestamp,
			NextAllowedTimestamp:   acct.NextAllowedTimestamp,
			EscrowWallet:           addressFromPubkey(acct.EscrowWallet),
			Raw:                    data,
		}, nil
	case requestDiscriminator:
		var acct requestAccount
		if err := borsh.Deserialize(&acct, body); err != nil {
			return nil, fmt.Errorf("%w: request %s: %w", chain.ErrDecoding, key, err)
		}
		return &workload.Request{
			Key:                 key,
			Function:            addressFromPubkey(acct.Function),
			Queue:               addressFromPubkey(acct.Queue),
			Authority:           addressFromPubkey(acct.Authority),
			QueueIdx:            acct.QueueIdx,
			ValidAfterSlot:      acct.ValidAfterSlot,
			RequestSlot:         acct.RequestSlot,
			ContainerParams:     acct.ContainerParams,
			ContainerParamsHash: acct.ContainerParamsHash,
			Status:              workload.RequestStatus(acct.Status),
			IsTriggered:         acct.IsTriggered,
			EscrowWallet:        addressFromPubkey(acct.EscrowWallet),
			Raw:                 data,
		}, nil
	case queueDiscriminator:
		var acct queueAccount
		if err := borsh.Deserialize(&acct, body); err != nil {
			return nil, fmt.Errorf("%w: queue %s: %w", chain.ErrDecoding, key, err)
		}
		verifiers := make([]workload.Address, 0, len(acct.Verifiers))
		for _, v := range acct.Verifiers {
			verifiers = append(verifiers, addressFromPubkey(v))
		}
		return &workload.AttestationQueue{
			Key:                     key,
			Authority:               addressFromPubkey(acct.Authority),
			Verifiers:               verifiers,
			CurrIdx:                 acct.CurrIdx,
			Reward:                  acct.Reward,
			AllowedMrEnclaves:       enclaves(acct.MrEnclaves),
			RequireUsagePermissions: acct.RequireUsagePermissions,
		}, nil
	case verifierDiscriminator:
		var acct verifierAccount
		if err := borsh.Deserialize(&acct, body); err != nil {
			return nil, fmt.Errorf("%w: verifier %s: %w", chain.ErrDecoding, key, err)
		}
		return &workload.Verifier{
			Key:           key,
			Queue:         addressFromPubkey(acct.Queue),
			Authority:     addressFromPubkey(acct.Authority),
			EnclaveSigner: addressFromPubkey(acct.EnclaveSigner),
			Permissions:   acct.Permissions,
			LastHeartbeat: acct.LastHeartbeat,
			MrEnclave:     workload.MrEnclave(acct.MrEnclave),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s has unknown discriminator %x", chain.ErrDecoding, key, disc)
	}
}

func discriminatorForKind(kind workload.Kind) (discriminator, error) {
	switch kind {
	case workload.KindFunction:
		return functionDiscriminator, nil
	case workload.KindRoutine:
		return routineDiscriminator, nil
	case workload.KindRequest:
		return requestDiscriminator, nil
	case workload.KindQueue:
		return queueDiscriminator, nil
	case workload.KindVerifier:
		return verifierDiscriminator, nil
	default:
		return discriminator{}, fmt.Errorf("%w: unknown account kind %s", chain.ErrPermanent, kind)
	}
}

// encodeAccount serializes an account with its discriminator.
func encodeAccount(disc discriminator, acct any) ([]byte, error) {
	body, err := borsh.Serialize(acct)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Write(disc[:])
	buf.Write(body)
	return buf.Bytes(), nil
}

// decodeRequestTriggerLog decodes a "Program data:" payload into a trigger
// event. It returns false for payloads of other events.
func decodeRequestTriggerLog(data []byte) (chain.RequestTriggered, bool, error) {
	if len(data) < discriminatorSize ||
		!bytes.Equal(data[:discriminatorSize], requestTriggerEventDiscriminator[:]) {
		return chain.RequestTriggered{}, false, nil
	}
	var ev requestTriggerEvent
	if err := borsh.Deserialize(&ev, data[discriminatorSize:]); err != nil {
		return chain.RequestTriggered{}, false, fmt.Errorf("%w: trigger event: %w", chain.ErrDecoding, err)
	}
	return chain.RequestTriggered{
		Request:        addressFromPubkey(ev.Request),
		Function:       addressFromPubkey(ev.Function),
		QueueIdx:       ev.QueueIdx,
		ValidAfterSlot: ev.ValidAfterSlot,
	}, true, nil
}
