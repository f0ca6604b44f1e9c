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

package chain

import (
	"github.com/switchboard-xyz/function-manager/result"
	"github.com/switchboard-xyz/function-manager/workload"
)

// Instruction is one program call. Adapters translate each concrete type
// into their native encoding.
type Instruction interface {
	Name() string
}

type VerifierHeartbeat struct {
	Verifier      workload.Address
	Queue         workload.Address
	EnclaveSigner workload.Address
}

func (VerifierHeartbeat) Name() string { return "verifier_heartbeat" }

type RotateEnclaveSigner struct {
	Verifier  workload.Address
	Authority workload.Address
	NewSigner []byte
}

func (RotateEnclaveSigner) Name() string { return "rotate_enclave_signer" }

type UpdateEnclave struct {
	Verifier  workload.Address
	Queue     workload.Address
	QuoteCID  string
	MrEnclave workload.MrEnclave
}

func (UpdateEnclave) Name() string { return "update_enclave" }

type ForceOverrideVerify struct {
	Verifier workload.Address
	Queue    workload.Address
}

func (ForceOverrideVerify) Name() string { return "force_override_verify" }

type SetQueuePermission struct {
	Queue      workload.Address
	Verifier   workload.Address
	Permission uint32
	Enable     bool
}

func (SetQueuePermission) Name() string { return "set_attestation_queue_permission" }

type AddMrEnclaveToQueue struct {
	Queue     workload.Address
	MrEnclave workload.MrEnclave
}

func (AddMrEnclaveToQueue) Name() string { return "add_mr_enclave_to_queue" }

// VerifyParams are the fields common to all verify instructions.
type VerifyParams struct {
	Verifier             workload.Address
	EnclaveSigner        workload.Address
	Queue                workload.Address
	QueueAuthority       workload.Address
	RewardReceiver       workload.Address
	EscrowWallet         workload.Address
	ObservedTime         int64
	NextAllowedTimestamp int64
	MrEnclave            workload.MrEnclave
	ContainerParamsHash  [32]byte
	ErrorCode            result.ErrorCode
}

type FunctionVerify struct {
	Function workload.Address
	VerifyParams
}

func (FunctionVerify) Name() string { return "function_verify" }

type FunctionRequestVerify struct {
	Request     workload.Address
	Function    workload.Address
	RequestSlot uint64
	VerifyParams
}

func (FunctionRequestVerify) Name() string { return "function_request_verify" }

type FunctionRoutineVerify struct {
	Routine  workload.Address
	Function workload.Address
	VerifyParams
}

func (FunctionRoutineVerify) Name() string { return "function_routine_verify" }

// Transfer moves native currency between accounts.
type Transfer struct {
	From   workload.Address
	To     workload.Address
	Amount uint64
}

func (Transfer) Name() string { return "transfer" }

// UserCall is a transaction requested by a function result.
type UserCall struct {
	Tx result.Tx
}

func (UserCall) Name() string { return "user_call" }
