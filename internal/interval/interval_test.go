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

package interval

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestRunImmediateAndPeriodic(t *testing.T) {
	defer goleak.VerifyNone(t)
	var counter atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 115*time.Millisecond)
	defer cancel()
	Run(ctx, 50*time.Millisecond, func(context.Context) {
		counter.Add(1)
	})
	// runs at 0, 50 and 100ms
	if got := counter.Load(); got < 2 || got > 3 {
		t.Errorf("expected 2-3 runs, got %d", got)
	}
}

func TestRunSkipFirst(t *testing.T) {
	var counter atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	Run(ctx, 50*time.Millisecond, func(context.Context) {
		counter.Add(1)
	}, SkipFirst())
	if got := counter.Load(); got != 0 {
		t.Errorf("expected no runs before the first period, got %d", got)
	}
}

func TestRunDelaysMissedTicks(t *testing.T) {
	var counter atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 170*time.Millisecond)
	defer cancel()
	Run(ctx, 20*time.Millisecond, func(context.Context) {
		// the first run overruns several periods
		if counter.Add(1) == 1 {
			time.Sleep(100 * time.Millisecond)
		}
	})
	// a bursting ticker would replay the ticks missed during the slow run
	if got := counter.Load(); got > 6 {
		t.Errorf("expected missed ticks to be delayed, got %d runs", got)
	}
}
