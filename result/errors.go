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

package result

import "strconv"

// ErrorCode is the verification outcome reported on-chain. 0 is success,
// 1-199 are reported by the function itself and 200-255 by the
// infrastructure.
type ErrorCode uint8

const (
	ErrorCodeSuccess                   ErrorCode = 0
	ErrorCodeInfraGeneric              ErrorCode = 200
	ErrorCodeFunctionTimeout           ErrorCode = 201
	ErrorCodeInsufficientBalance       ErrorCode = 202
	ErrorCodeExcessiveTotalGas         ErrorCode = 203
	ErrorCodeSimulationFailed          ErrorCode = 204
	ErrorCodeExcessiveFunctionGas      ErrorCode = 205
	ErrorCodeInvalidEnclaveMeasurement ErrorCode = 206
	ErrorCodeGenericError              ErrorCode = 207
	ErrorCodeInternalAuthorityError    ErrorCode = 208
	ErrorCodeParamsHashInvalid         ErrorCode = 249
	ErrorCodeUnknown                   ErrorCode = 255
)

var errorCodeNames = map[ErrorCode]string{
	ErrorCodeSuccess:                   "Success",
	ErrorCodeInfraGeneric:              "InfraGeneric",
	ErrorCodeFunctionTimeout:           "FunctionTimeout",
	ErrorCodeInsufficientBalance:       "InsufficientBalance",
	ErrorCodeExcessiveTotalGas:         "ExcessiveTotalGas",
	ErrorCodeSimulationFailed:          "SimulationFailed",
	ErrorCodeExcessiveFunctionGas:      "ExcessiveFunctionGas",
	ErrorCodeInvalidEnclaveMeasurement: "InvalidEnclaveMeasurement",
	ErrorCodeGenericError:              "GenericError",
	ErrorCodeInternalAuthorityError:    "InternalAuthorityError",
	ErrorCodeParamsHashInvalid:         "ParamsHashInvalid",
	ErrorCodeUnknown:                   "Unknown",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	if c.IsUser() {
		return "UserError(" + strconv.Itoa(int(c)) + ")"
	}
	return "InfraError(" + strconv.Itoa(int(c)) + ")"
}

// IsUser reports whether the code was raised by the function.
func (c ErrorCode) IsUser() bool {
	return c >= 1 && c < 200
}

// IsInfra reports whether the code was raised by the infrastructure. The
// on-chain program skips the escrow payout for these.
func (c ErrorCode) IsInfra() bool {
	return c >= 200
}
