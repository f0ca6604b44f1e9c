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

package workload

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedules accept an optional leading seconds field, so both
// "*/5 * * * *" and "* * * * * *" are valid.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var scheduleCache sync.Map

// ParseSchedule parses and caches a cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if cached, ok := scheduleCache.Load(expr); ok {
		return cached.(cron.Schedule), nil
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	scheduleCache.Store(expr, sched)
	return sched, nil
}

// NextAfter returns the first activation of the schedule strictly after t.
// An empty schedule never activates and returns false.
func NextAfter(expr string, t time.Time) (time.Time, bool, error) {
	if strings.TrimSpace(expr) == "" {
		return time.Time{}, false, nil
	}
	sched, err := ParseSchedule(expr)
	if err != nil {
		return time.Time{}, false, err
	}
	next := sched.Next(t)
	if next.IsZero() {
		return time.Time{}, false, nil
	}
	return next, true, nil
}
