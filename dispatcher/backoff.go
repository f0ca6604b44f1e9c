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
	"sync"
	"time"

	"github.com/switchboard-xyz/function-manager/workload"
)

const (
	InitialBackoff = 5 * time.Second
	MaxBackoff     = 300 * time.Second
)

type backoffEntry struct {
	nextEligible time.Time
	backoff      time.Duration
}

// tracker holds the in-flight set and the failure backoff map.
type tracker struct {
	mu         sync.RWMutex
	processing map[workload.Address]struct{}
	backoff    map[workload.Address]backoffEntry
}

func newTracker() *tracker {
	return &tracker{
		processing: make(map[workload.Address]struct{}),
		backoff:    make(map[workload.Address]backoffEntry),
	}
}

// eligible reports whether key is neither in flight nor backing off.
func (t *tracker) eligible(key workload.Address, now time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.processing[key]; ok {
		return false
	}
	if entry, ok := t.backoff[key]; ok && now.Before(entry.nextEligible) {
		return false
	}
	return true
}

// claim marks key in flight. It fails when key is already in flight.
func (t *tracker) claim(key workload.Address) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.processing[key]; ok {
		return false
	}
	t.processing[key] = struct{}{}
	return true
}

func (t *tracker) release(key workload.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.processing, key)
}

func (t *tracker) succeed(key workload.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.processing, key)
	delete(t.backoff, key)
}

// fail releases key and doubles its backoff, starting at InitialBackoff
// and capped at MaxBackoff. It returns the new backoff.
func (t *tracker) fail(key workload.Address, now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.processing, key)
	next := InitialBackoff
	if entry, ok := t.backoff[key]; ok {
		next = min(2*entry.backoff, MaxBackoff)
	}
	t.backoff[key] = backoffEntry{nextEligible: now.Add(next), backoff: next}
	return next
}

func (t *tracker) nextEligible(key workload.Address) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.backoff[key]
	return entry.nextEligible, ok
}

func (t *tracker) counts() (int, int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.processing), len(t.backoff)
}
