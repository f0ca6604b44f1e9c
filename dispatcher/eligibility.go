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

const (
	// CronStealAfter is how long a cron workload must have been ready
	// before the secondary may run it
	CronStealAfter = 30 * time.Second
	// RequestStealSlots is the slot gap after valid_after_slot past which
	// the secondary may run a request
	RequestStealSlots = 75
)

// Assignment is this verifier's role for a workload.
type Assignment struct {
	Primary   bool
	Secondary bool
}

func (a Assignment) String() string {
	switch {
	case a.Primary && a.Secondary:
		return "primary+secondary"
	case a.Primary:
		return "primary"
	case a.Secondary:
		return "secondary"
	default:
		return "none"
	}
}

// Assign computes the role of self for a workload with the given queue
// index. Both roles hold at once only on a single verifier queue, or when
// the round-robin pointer happens to sit on the workload's own slot.
func Assign(verifiers []workload.Address, self workload.Address, queueIdx, currIdx uint32) Assignment {
	n := uint32(len(verifiers)) // #nosec G115
	if n == 0 {
		return Assignment{}
	}
	return Assignment{
		Primary:   verifiers[queueIdx%n] == self,
		Secondary: verifiers[currIdx%n] == self,
	}
}

// CronReadyAt returns when a scheduled workload last executed at last
// becomes ready. The on-chain next allowed timestamp is honored when it is
// later than the schedule. An empty schedule is never ready.
func CronReadyAt(schedule string, last, nextAllowed int64) (time.Time, bool, error) {
	next, ok, err := workload.NextAfter(schedule, time.Unix(last, 0))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	if nextAllowed > next.Unix() {
		next = time.Unix(nextAllowed, 0)
	}
	return next, true, nil
}

// CronMayRun decides whether a workload ready at readyAt may run now. The
// second return value reports a steal by the secondary.
func CronMayRun(a Assignment, readyAt, now time.Time) (bool, bool) {
	if now.Before(readyAt) {
		return false, false
	}
	if a.Primary {
		return true, false
	}
	if a.Secondary && now.Sub(readyAt) > CronStealAfter {
		return true, true
	}
	return false, false
}

// RequestMayRun is CronMayRun for slot-gated requests.
func RequestMayRun(a Assignment, validAfterSlot, slot uint64) (bool, bool) {
	if slot < validAfterSlot {
		return false, false
	}
	if a.Primary {
		return true, false
	}
	if a.Secondary && slot-validAfterSlot > RequestStealSlots {
		return true, true
	}
	return false, false
}
