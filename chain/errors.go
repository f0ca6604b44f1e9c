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
	"errors"
	"fmt"
)

// Error kinds. Adapters wrap their native errors with one of these so
// callers can classify with errors.Is.
var (
	ErrTransientRpc      = errors.New("transient rpc error")
	ErrNotFound          = errors.New("account not found")
	ErrPermanent         = errors.New("permanent rpc error")
	ErrDecoding          = errors.New("account decoding failed")
	ErrSimulationRevert  = errors.New("simulation reverted")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrRoundClosed       = errors.New("round already closed")
	ErrUnsupported       = errors.New("unsupported instruction")
)

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransientRpc, err)
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientRpc)
}
