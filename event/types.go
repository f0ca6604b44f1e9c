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

package event

import (
	"time"

	"github.com/switchboard-xyz/function-manager/result"
	"github.com/switchboard-xyz/function-manager/workload"
)

const (
	RequestTriggeredEventType  EventType = "registry.request_triggered"
	RegistryRefreshedEventType EventType = "registry.refreshed"
	RunCompletedEventType      EventType = "runner.completed"
	VerificationEventType      EventType = "qvn.verification"
	HeartbeatEventType         EventType = "oracle.heartbeat"
)

// RequestTriggeredEvent is published when the chain reports a newly
// triggered request, before the registry has fetched the account.
type RequestTriggeredEvent struct {
	Request        workload.Address
	Function       workload.Address
	QueueIdx       uint32
	ValidAfterSlot uint64
	Slot           uint64
}

type RegistryRefreshedEvent struct {
	Functions int
	Routines  int
	Requests  int
	Slot      uint64
}

// RunCompletedEvent describes one finished container run.
type RunCompletedEvent struct {
	TicketID    string
	Kind        workload.Kind
	Key         workload.Address
	FunctionKey workload.Address
	Image       string
	StartedAt   time.Time
	Duration    time.Duration
	ErrorCode   result.ErrorCode
	Timeout     bool
	Submitted   bool
	Error       string
}

// VerificationEvent describes one result processed by the verifier node.
type VerificationEvent struct {
	FunctionKey workload.Address
	Key         workload.Address
	ErrorCode   result.ErrorCode
	Signature   string
	Rejected    bool
	Reason      string
}

type HeartbeatEvent struct {
	Verifier  workload.Address
	Signature string
	Error     string
}
