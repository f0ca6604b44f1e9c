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

package dispatcher

import (
	"time"

	"github.com/switchboard-xyz/function-manager/workload"
)

// Ticket is a request to run one workload's container.
type Ticket struct {
	ID   string
	Kind workload.Kind
	// Key is the workload account: the function, routine or request
	Key      workload.Address
	Function workload.Function
	// FunctionHex is the serialized function account
	FunctionHex string
	Routine     *workload.Routine
	// RoutineHex and RequestHex are the serialized routine and request
	// accounts, empty for placeholders not yet fetched
	RoutineHex     string
	Request        *workload.Request
	RequestHex     string
	Image          string
	Verifier       workload.Address
	QueueAuthority workload.Address
	Slot           uint64
	// ObservedAt is the dispatch time. It becomes the local last execution
	// time on success.
	ObservedAt time.Time
	Stolen     bool
}

// RequestKeys returns the request keys carried by the ticket, if any.
func (t Ticket) RequestKeys() []workload.Address {
	if t.Request == nil {
		return nil
	}
	return []workload.Address{t.Request.Key}
}

// Params returns the container params of a routine or request ticket.
func (t Ticket) Params() []byte {
	switch {
	case t.Routine != nil:
		return t.Routine.ContainerParams
	case t.Request != nil:
		return t.Request.ContainerParams
	}
	return nil
}
