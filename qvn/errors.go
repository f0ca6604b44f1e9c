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

package qvn

import (
	"errors"
	"fmt"
)

var (
	ErrQuoteInvalid     = errors.New("quote is invalid")
	ErrQuoteBinding     = errors.New("quote report data does not bind the result signer")
	ErrSignatureInvalid = errors.New("result signature is invalid")
	ErrUnknownFunction  = errors.New("result references an unknown function")
	ErrNotReady         = errors.New("verifier node is not ready")
)

// RejectedError reports a result that was refused without an on-chain
// submission.
type RejectedError struct {
	FnKey string
	Err   error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("result for function %s rejected: %v", e.FnKey, e.Err)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// UnavailableError is returned by the client when the verifier node could
// not be reached.
type UnavailableError struct {
	Timeout bool
	Err     error
}

func (e *UnavailableError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("verifier node timed out: %v", e.Err)
	}
	return fmt.Sprintf("verifier node unreachable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}
