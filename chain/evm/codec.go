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
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/switchboard-xyz/function-manager/chain"
	"github.com/switchboard-xyz/function-manager/workload"
)

// Wei per gwei. Balances and transfers are expressed in gwei.
var weiPerGwei = big.NewInt(1_000_000_000)

type functionOutput struct {
	Authority              common.Address
	Queue                  common.Address
	ContainerRegistry      string
	Container              string
	Version                string
	Schedule               string
	Status                 uint8
	IsTriggered            bool
	QueueIdx               uint32
	LastExecutionTimestamp *big.Int
	NextAllowedTimestamp   *big.Int
	Escrow                 common.Address
	MrEnclaves             [][32]byte
}

type routineOutput struct {
	FunctionId             common.Address //nolint:revive
	Authority              common.Address
	Queue                  common.Address
	QueueIdx               uint32
	IsDisabled             bool
	Status                 uint8
	Schedule               string
	Params                 []byte
	ParamsHash             [32]byte
	Bounty                 *big.Int
	LastExecutionTimestamp *big.Int
	NextAllowedTimestamp   *big.Int
	Escrow                 common.Address
}

type requestOutput struct {
	FunctionId      common.Address //nolint:revive
	Authority       common.Address
	Queue           common.Address
	QueueIdx        uint32
	IsTriggered     bool
	Status          uint8
	ValidAfterBlock *big.Int
	RequestBlock    *big.Int
	Params          []byte
	ParamsHash      [32]byte
	Escrow          common.Address
}

type queueOutput struct {
	Authority               common.Address
	Verifiers               []common.Address
	CurrIdx                 uint32
	Reward                  *big.Int
	RequireUsagePermissions bool
	MrEnclaves              [][32]byte
}

type verifierOutput struct {
	Queue         common.Address
	Authority     common.Address
	EnclaveSigner common.Address
	Permissions   uint32
	LastHeartbeat *big.Int
	MrEnclave     [32]byte
}

func address(a common.Address) workload.Address {
	if a == (common.Address{}) {
		return ""
	}
	return workload.Address(a.Hex())
}

func toCommon(a workload.Address) (common.Address, error) {
	if !common.IsHexAddress(string(a)) {
		return common.Address{}, fmt.Errorf("%w: invalid address %q", chain.ErrPermanent, a)
	}
	return common.HexToAddress(string(a)), nil
}

func int64Of(v *big.Int) int64 {
	if v == nil || !v.IsInt64() {
		return 0
	}
	return v.Int64()
}

func uint64Of(v *big.Int) uint64 {
	if v == nil || !v.IsUint64() {
		return 0
	}
	return v.Uint64()
}

// gweiOf converts wei to gwei, saturating at MaxUint64.
func gweiOf(wei *big.Int) uint64 {
	if wei == nil {
		return 0
	}
	g := new(big.Int).Quo(wei, weiPerGwei)
	if !g.IsUint64() {
		return ^uint64(0)
	}
	return g.Uint64()
}

func weiOf(gwei uint64) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(gwei), weiPerGwei)
}

func enclaves(list [][32]byte) []workload.MrEnclave {
	ret := make([]workload.MrEnclave, 0, len(list))
	for _, m := range list {
		ret = append(ret, workload.MrEnclave(m))
	}
	return ret
}

func decodeFunction(key workload.Address, data []byte) (*workload.Function, error) {
	var out functionOutput
	if err := contractABI.UnpackIntoInterface(&out, "getFunction", data); err != nil {
		return nil, fmt.Errorf("%w: function %s: %w", chain.ErrDecoding, key, err)
	}
	return &workload.Function{
		Key:                    key,
		Queue:                  address(out.Queue),
		Authority:              address(out.Authority),
		ContainerRegistry:      out.ContainerRegistry,
		Container:              out.Container,
		Version:                out.Version,
		Schedule:               out.Schedule,
		AllowedMrEnclaves:      enclaves(out.MrEnclaves),
		QueueIdx:               out.QueueIdx,
		Status:                 workload.FunctionStatus(out.Status),
		LastExecutionTimestamp: int64Of(out.LastExecutionTimestamp),
		NextAllowedTimestamp:   int64Of(out.NextAllowedTimestamp),
		IsTriggered:            out.IsTriggered,
		EscrowWallet:           address(out.Escrow),
		Raw:                    data,
	}, nil
}

func decodeRoutine(key workload.Address, data []byte) (*workload.Routine, error) {
	var out routineOutput
	if err := contractABI.UnpackIntoInterface(&out, "getRoutine", data); err != nil {
		return nil, fmt.Errorf("%w: routine %s: %w", chain.ErrDecoding, key, err)
	}
	return &workload.Routine{
		Key:                    key,
		Function:               address(out.FunctionId),
		Queue:                  address(out.Queue),
		Authority:              address(out.Authority),
		Schedule:               out.Schedule,
		QueueIdx:               out.QueueIdx,
		ContainerParams:        out.Params,
		ContainerParamsHash:    out.ParamsHash,
		Bounty:                 gweiOf(out.Bounty),
		IsDisabled:             out.IsDisabled,
		Status:                 workload.FunctionStatus(out.Status),
		LastExecutionTimestamp: int64Of(out.LastExecutionTimestamp),
		NextAllowedTimestamp:   int64Of(out.NextAllowedTimestamp),
		EscrowWallet:           address(out.Escrow),
		Raw:                    data,
	}, nil
}

func decodeRequest(key workload.Address, data []byte) (*workload.Request, error) {
	var out requestOutput
	if err := contractABI.UnpackIntoInterface(&out, "getRequest", data); err != nil {
		return nil, fmt.Errorf("%w: request %s: %w", chain.ErrDecoding, key, err)
	}
	return &workload.Request{
		Key:                 key,
		Function:            address(out.FunctionId),
		Queue:               address(out.Queue),
		Authority:           address(out.Authority),
		QueueIdx:            out.QueueIdx,
		ValidAfterSlot:      uint64Of(out.ValidAfterBlock),
		RequestSlot:         uint64Of(out.RequestBlock),
		ContainerParams:     out.Params,
		ContainerParamsHash: out.ParamsHash,
		Status:              workload.RequestStatus(out.Status),
		IsTriggered:         out.IsTriggered,
		EscrowWallet:        address(out.Escrow),
		Raw:                 data,
	}, nil
}

func decodeQueue(key workload.Address, data []byte) (*workload.AttestationQueue, error) {
	var out queueOutput
	if err := contractABI.UnpackIntoInterface(&out, "getAttestationQueue", data); err != nil {
		return nil, fmt.Errorf("%w: queue %s: %w", chain.ErrDecoding, key, err)
	}
	verifiers := make([]workload.Address, 0, len(out.Verifiers))
	for _, v := range out.Verifiers {
		verifiers = append(verifiers, address(v))
	}
	return &workload.AttestationQueue{
		Key:                     key,
		Authority:               address(out.Authority),
		Verifiers:               verifiers,
		CurrIdx:                 out.CurrIdx,
		Reward:                  gweiOf(out.Reward),
		AllowedMrEnclaves:       enclaves(out.MrEnclaves),
		RequireUsagePermissions: out.RequireUsagePermissions,
	}, nil
}

func decodeVerifier(key workload.Address, data []byte) (*workload.Verifier, error) {
	var out verifierOutput
	if err := contractABI.UnpackIntoInterface(&out, "getVerifier", data); err != nil {
		return nil, fmt.Errorf("%w: verifier %s: %w", chain.ErrDecoding, key, err)
	}
	return &workload.Verifier{
		Key:           key,
		Queue:         address(out.Queue),
		Authority:     address(out.Authority),
		EnclaveSigner: address(out.EnclaveSigner),
		Permissions:   out.Permissions,
		LastHeartbeat: int64Of(out.LastHeartbeat),
		MrEnclave:     workload.MrEnclave(out.MrEnclave),
	}, nil
}

// signerAddress derives the account address of an enclave signer public
// key. A 20 byte value is taken as an address already.
func signerAddress(pub []byte) (common.Address, error) {
	switch len(pub) {
	case common.AddressLength:
		return common.BytesToAddress(pub), nil
	case 33:
		key, err := crypto.DecompressPubkey(pub)
		if err != nil {
			return common.Address{}, fmt.Errorf("%w: %w", chain.ErrPermanent, err)
		}
		return crypto.PubkeyToAddress(*key), nil
	case 65:
		key, err := crypto.UnmarshalPubkey(pub)
		if err != nil {
			return common.Address{}, fmt.Errorf("%w: %w", chain.ErrPermanent, err)
		}
		return crypto.PubkeyToAddress(*key), nil
	default:
		return common.Address{}, fmt.Errorf("%w: unsupported signer key length %d", chain.ErrPermanent, len(pub))
	}
}

// addrs converts addresses, failing on the first invalid one.
func addrs(list ...workload.Address) ([]common.Address, error) {
	ret := make([]common.Address, len(list))
	for i, a := range list {
		c, err := toCommon(a)
		if err != nil {
			return nil, err
		}
		ret[i] = c
	}
	return ret, nil
}

// packVerify encodes the arguments shared by the verify calls. second is
// next allowed timestamp for functions and routines and the request block
// for requests.
func packVerify(method string, target workload.Address, p chain.VerifyParams, second uint64) ([]byte, error) {
	a, err := addrs(target, p.Verifier, p.EnclaveSigner, p.RewardReceiver)
	if err != nil {
		return nil, err
	}
	return contractABI.Pack(method,
		a[0], a[1], a[2], a[3],
		big.NewInt(p.ObservedTime),
		new(big.Int).SetUint64(second),
		[32]byte(p.MrEnclave),
		p.ContainerParamsHash,
		uint8(p.ErrorCode),
	)
}

// encodeCall returns the calldata for a contract instruction.
func encodeCall(ix chain.Instruction) ([]byte, error) {
	switch v := ix.(type) {
	case chain.VerifierHeartbeat:
		a, err := addrs(v.Verifier, v.EnclaveSigner)
		if err != nil {
			return nil, err
		}
		return contractABI.Pack("verifierHeartbeat", a[0], a[1])
	case chain.RotateEnclaveSigner:
		a, err := addrs(v.Verifier)
		if err != nil {
			return nil, err
		}
		signer, err := signerAddress(v.NewSigner)
		if err != nil {
			return nil, err
		}
		return contractABI.Pack("rotateEnclaveSigner", a[0], signer)
	case chain.UpdateEnclave:
		a, err := addrs(v.Verifier)
		if err != nil {
			return nil, err
		}
		return contractABI.Pack("updateEnclave", a[0], v.QuoteCID, [32]byte(v.MrEnclave))
	case chain.ForceOverrideVerify:
		a, err := addrs(v.Verifier)
		if err != nil {
			return nil, err
		}
		return contractABI.Pack("forceOverrideVerify", a[0])
	case chain.SetQueuePermission:
		a, err := addrs(v.Queue, v.Verifier)
		if err != nil {
			return nil, err
		}
		return contractABI.Pack("setAttestationQueuePermission", a[0], a[1], v.Permission, v.Enable)
	case chain.AddMrEnclaveToQueue:
		a, err := addrs(v.Queue)
		if err != nil {
			return nil, err
		}
		return contractABI.Pack("addMrEnclaveToAttestationQueue", a[0], [32]byte(v.MrEnclave))
	case chain.FunctionVerify:
		next := uint64(0)
		if v.NextAllowedTimestamp > 0 {
			next = uint64(v.NextAllowedTimestamp)
		}
		return packVerify("verifyFunction", v.Function, v.VerifyParams, next)
	case chain.FunctionRoutineVerify:
		next := uint64(0)
		if v.NextAllowedTimestamp > 0 {
			next = uint64(v.NextAllowedTimestamp)
		}
		return packVerify("verifyRoutine", v.Routine, v.VerifyParams, next)
	case chain.FunctionRequestVerify:
		return packVerify("verifyRequest", v.Request, v.VerifyParams, v.RequestSlot)
	default:
		return nil, fmt.Errorf("%w: %s", chain.ErrUnsupported, ix.Name())
	}
}

// encodeForward batches user calls into a single forward() call.
func encodeForward(calls []chain.UserCall, expiration time.Time, gasCap uint64) ([]byte, error) {
	to := make([]common.Address, 0, len(calls))
	from := make([]common.Address, 0, len(calls))
	data := make([][]byte, 0, len(calls))
	values := make([]*big.Int, 0, len(calls))
	limits := make([]*big.Int, 0, len(calls))
	for _, c := range calls {
		target, err := toCommon(workload.Address(c.Tx.To))
		if err != nil {
			return nil, err
		}
		var sender common.Address
		if c.Tx.From != "" {
			sender, err = toCommon(workload.Address(c.Tx.From))
			if err != nil {
				return nil, err
			}
		}
		to = append(to, target)
		from = append(from, sender)
		data = append(data, []byte(c.Tx.Data))
		values = append(values, new(big.Int).SetUint64(c.Tx.Value))
		limits = append(limits, new(big.Int).SetUint64(c.Tx.GasLimit))
	}
	var exp int64
	if !expiration.IsZero() {
		exp = expiration.Unix()
	}
	return contractABI.Pack("forward",
		to, from, data, values, limits,
		big.NewInt(exp),
		new(big.Int).SetUint64(gasCap),
	)
}

// decodeTriggerLog decodes a FunctionRequestTriggered log.
func decodeTriggerLog(l types.Log) (chain.RequestTriggered, error) {
	if len(l.Topics) < 3 {
		return chain.RequestTriggered{}, fmt.Errorf("%w: trigger log has %d topics", chain.ErrDecoding, len(l.Topics))
	}
	values, err := contractABI.Unpack(eventRequestTriggered, l.Data)
	if err != nil {
		return chain.RequestTriggered{}, fmt.Errorf("%w: trigger log: %w", chain.ErrDecoding, err)
	}
	if len(values) != 2 {
		return chain.RequestTriggered{}, fmt.Errorf("%w: trigger log has %d values", chain.ErrDecoding, len(values))
	}
	queueIdx, ok := values[0].(uint32)
	if !ok {
		return chain.RequestTriggered{}, fmt.Errorf("%w: trigger log queue index", chain.ErrDecoding)
	}
	validAfter, ok := values[1].(*big.Int)
	if !ok {
		return chain.RequestTriggered{}, fmt.Errorf("%w: trigger log block", chain.ErrDecoding)
	}
	return chain.RequestTriggered{
		Request:        address(common.BytesToAddress(l.Topics[1].Bytes())),
		Function:       address(common.BytesToAddress(l.Topics[2].Bytes())),
		QueueIdx:       queueIdx,
		ValidAfterSlot: uint64Of(validAfter),
	}, nil
}
