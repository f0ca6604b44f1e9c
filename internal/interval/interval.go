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

// Package interval runs periodic tasks.
package interval

import (
	"context"
	"time"
)

type runOptions struct {
	skipFirst bool
}

type RunOption func(*runOptions)

// SkipFirst waits one period before the first run instead of running
// immediately.
func SkipFirst() RunOption {
	return func(o *runOptions) {
		o.skipFirst = true
	}
}

// Run calls fn every period until ctx is done. Runs never overlap. When a
// run overruns its period the next run starts immediately and later runs
// are spaced a full period from it, so missed ticks are delayed rather than
// bursted.
func Run(ctx context.Context, period time.Duration, fn func(context.Context), opts ...RunOption) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	wait := time.Duration(0)
	if o.skipFirst {
		wait = period
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		start := time.Now()
		fn(ctx)
		next := max(period-time.Since(start), 0)
		timer.Reset(next)
	}
}
