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
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Account kinds returned by accountKind(address)
const (
	accountKindNone uint8 = iota
	accountKindFunction
	accountKindRoutine
	accountKindRequest
	accountKindQueue
	accountKindVerifier
)

const eventRequestTriggered = "FunctionRequestTriggered"

const contractABIJSON = `[
  {"type":"function","name":"accountKind","stateMutability":"view",
   "inputs":[{"name":"id","type":"address"}],
   "outputs":[{"name":"kind","type":"uint8"}]},

  {"type":"function","name":"getFunctionIds","stateMutability":"view",
   "inputs":[{"name":"queue","type":"address"}],
   "outputs":[{"name":"ids","type":"address[]"}]},
  {"type":"function","name":"getRoutineIds","stateMutability":"view",
   "inputs":[{"name":"queue","type":"address"}],
   "outputs":[{"name":"ids","type":"address[]"}]},
  {"type":"function","name":"getRequestIds","stateMutability":"view",
   "inputs":[{"name":"queue","type":"address"}],
   "outputs":[{"name":"ids","type":"address[]"}]},

  {"type":"function","name":"getFunction","stateMutability":"view",
   "inputs":[{"name":"id","type":"address"}],
   "outputs":[
     {"name":"authority","type":"address"},
     {"name":"queue","type":"address"},
     {"name":"containerRegistry","type":"string"},
     {"name":"container","type":"string"},
     {"name":"version","type":"string"},
     {"name":"schedule","type":"string"},
     {"name":"status","type":"uint8"},
     {"name":"isTriggered","type":"bool"},
     {"name":"queueIdx","type":"uint32"},
     {"name":"lastExecutionTimestamp","type":"uint256"},
     {"name":"nextAllowedTimestamp","type":"uint256"},
     {"name":"escrow","type":"address"},
     {"name":"mrEnclaves","type":"bytes32[]"}]},
  {"type":"function","name":"getRoutine","stateMutability":"view",
   "inputs":[{"name":"id","type":"address"}],
   "outputs":[
     {"name":"functionId","type":"address"},
     {"name":"authority","type":"address"},
     {"name":"queue","type":"address"},
     {"name":"queueIdx","type":"uint32"},
     {"name":"isDisabled","type":"bool"},
     {"name":"status","type":"uint8"},
     {"name":"schedule","type":"string"},
     {"name":"params","type":"bytes"},
     {"name":"paramsHash","type":"bytes32"},
     {"name":"bounty","type":"uint256"},
     {"name":"lastExecutionTimestamp","type":"uint256"},
     {"name":"nextAllowedTimestamp","type":"uint256"},
     {"name":"escrow","type":"address"}]},
  {"type":"function","name":"getRequest","stateMutability":"view",
   "inputs":[{"name":"id","type":"address"}],
   "outputs":[
     {"name":"functionId","type":"address"},
     {"name":"authority","type":"address"},
     {"name":"queue","type":"address"},
     {"name":"queueIdx","type":"uint32"},
     {"name":"isTriggered","type":"bool"},
     {"name":"status","type":"uint8"},
     {"name":"validAfterBlock","type":"uint256"},
     {"name":"requestBlock","type":"uint256"},
     {"name":"params","type":"bytes"},
     {"name":"paramsHash","type":"bytes32"},
     {"name":"escrow","type":"address"}]},
  {"type":"function","name":"getAttestationQueue","stateMutability":"view",
   "inputs":[{"name":"id","type":"address"}],
   "outputs":[
     {"name":"authority","type":"address"},
     {"name":"verifiers","type":"address[]"},
     {"name":"currIdx","type":"uint32"},
     {"name":"reward","type":"uint256"},
     {"name":"requireUsagePermissions","type":"bool"},
     {"name":"mrEnclaves","type":"bytes32[]"}]},
  {"type":"function","name":"getVerifier","stateMutability":"view",
   "inputs":[{"name":"id","type":"address"}],
   "outputs":[
     {"name":"queue","type":"address"},
     {"name":"authority","type":"address"},
     {"name":"enclaveSigner","type":"address"},
     {"name":"permissions","type":"uint32"},
     {"name":"lastHeartbeat","type":"uint256"},
     {"name":"mrEnclave","type":"bytes32"}]},

  {"type":"function","name":"verifierHeartbeat","stateMutability":"nonpayable",
   "inputs":[{"name":"verifier","type":"address"},{"name":"enclaveSigner","type":"address"}],
   "outputs":[]},
  {"type":"function","name":"rotateEnclaveSigner","stateMutability":"nonpayable",
   "inputs":[{"name":"verifier","type":"address"},{"name":"newSigner","type":"address"}],
   "outputs":[]},
  {"type":"function","name":"updateEnclave","stateMutability":"nonpayable",
   "inputs":[{"name":"verifier","type":"address"},{"name":"cid","type":"string"},{"name":"mrEnclave","type":"bytes32"}],
   "outputs":[]},
  {"type":"function","name":"forceOverrideVerify","stateMutability":"nonpayable",
   "inputs":[{"name":"verifier","type":"address"}],
   "outputs":[]},
  {"type":"function","name":"setAttestationQueuePermission","stateMutability":"nonpayable",
   "inputs":[{"name":"queue","type":"address"},{"name":"verifier","type":"address"},{"name":"permission","type":"uint32"},{"name":"enable","type":"bool"}],
   "outputs":[]},
  {"type":"function","name":"addMrEnclaveToAttestationQueue","stateMutability":"nonpayable",
   "inputs":[{"name":"queue","type":"address"},{"name":"mrEnclave","type":"bytes32"}],
   "outputs":[]},
  {"type":"function","name":"verifyFunction","stateMutability":"nonpayable",
   "inputs":[
     {"name":"functionId","type":"address"},
     {"name":"verifier","type":"address"},
     {"name":"enclaveSigner","type":"address"},
     {"name":"rewardReceiver","type":"address"},
     {"name":"observedTime","type":"uint256"},
     {"name":"nextAllowedTimestamp","type":"uint256"},
     {"name":"mrEnclave","type":"bytes32"},
     {"name":"paramsHash","type":"bytes32"},
     {"name":"errorCode","type":"uint8"}],
   "outputs":[]},
  {"type":"function","name":"verifyRoutine","stateMutability":"nonpayable",
   "inputs":[
     {"name":"routineId","type":"address"},
     {"name":"verifier","type":"address"},
     {"name":"enclaveSigner","type":"address"},
     {"name":"rewardReceiver","type":"address"},
     {"name":"observedTime","type":"uint256"},
     {"name":"nextAllowedTimestamp","type":"uint256"},
     {"name":"mrEnclave","type":"bytes32"},
     {"name":"paramsHash","type":"bytes32"},
     {"name":"errorCode","type":"uint8"}],
   "outputs":[]},
  {"type":"function","name":"verifyRequest","stateMutability":"nonpayable",
   "inputs":[
     {"name":"requestId","type":"address"},
     {"name":"verifier","type":"address"},
     {"name":"enclaveSigner","type":"address"},
     {"name":"rewardReceiver","type":"address"},
     {"name":"observedTime","type":"uint256"},
     {"name":"requestBlock","type":"uint256"},
     {"name":"mrEnclave","type":"bytes32"},
     {"name":"paramsHash","type":"bytes32"},
     {"name":"errorCode","type":"uint8"}],
   "outputs":[]},
  {"type":"function","name":"forward","stateMutability":"nonpayable",
   "inputs":[
     {"name":"to","type":"address[]"},
     {"name":"from","type":"address[]"},
     {"name":"data","type":"bytes[]"},
     {"name":"value","type":"uint256[]"},
     {"name":"gasLimit","type":"uint256[]"},
     {"name":"expirationTime","type":"uint256"},
     {"name":"gasCap","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"multicall","stateMutability":"nonpayable",
   "inputs":[{"name":"calls","type":"bytes[]"}],
   "outputs":[]},

  {"type":"event","name":"FunctionRequestTriggered","anonymous":false,
   "inputs":[
     {"name":"requestId","type":"address","indexed":true},
     {"name":"functionId","type":"address","indexed":true},
     {"name":"queueIdx","type":"uint32","indexed":false},
     {"name":"validAfterBlock","type":"uint256","indexed":false}]}
]`

var contractABI = mustParseABI(contractABIJSON)

func mustParseABI(data string) abi.ABI {
	ret, err := abi.JSON(strings.NewReader(data))
	if err != nil {
		panic("invalid contract ABI: " + err.Error())
	}
	return ret
}
