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

package journal_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-xyz/function-manager/event"
	"github.com/switchboard-xyz/function-manager/journal"
	"github.com/switchboard-xyz/function-manager/result"
	"github.com/switchboard-xyz/function-manager/workload"
)

func newJournal(t *testing.T, opts ...journal.JournalOptionFunc) *journal.Journal {
	t.Helper()
	j, err := journal.New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, j.Close())
	})
	return j
}

func TestRecentRunsNewestFirst(t *testing.T) {
	j := newJournal(t)
	base := time.Unix(1_700_000_000, 0)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, j.RecordRun(journal.RunRecord{
			TicketID:  id,
			Kind:      workload.KindFunction,
			Key:       "fn",
			StartedAt: base.Add(time.Duration(i) * time.Second).UnixNano(),
			EndedAt:   base.Add(time.Duration(i)*time.Second + 500*time.Millisecond).UnixNano(),
			Outcome:   journal.OutcomeSuccess,
		}))
	}
	runs, err := j.RecentRuns(2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].TicketID)
	assert.Equal(t, "b", runs[1].TicketID)
	assert.Equal(t, 500*time.Millisecond, runs[0].Duration())
	assert.Equal(t, workload.KindFunction, runs[0].Kind)

	all, err := j.RecentRuns(0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestLastExecutionsPersistAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.New(journal.WithDataDir(dir), journal.WithGc(false))
	require.NoError(t, err)
	now := time.Unix(1_700_000_123, 0)
	require.NoError(t, j.SetLastExecution("routine-1", now))
	require.NoError(t, j.Close())

	j, err = journal.New(journal.WithDataDir(dir))
	require.NoError(t, err)
	defer j.Close()
	got, err := j.LastExecutions()
	require.NoError(t, err)
	require.Contains(t, got, workload.Address("routine-1"))
	assert.True(t, now.Equal(got["routine-1"]))
}

func TestIncrementTimeouts(t *testing.T) {
	j := newJournal(t)
	for want := uint64(1); want <= 3; want++ {
		got, err := j.IncrementTimeouts("fn")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	count, err := j.Timeouts("fn")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)
	count, err = j.Timeouts("other")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestJournalRecordsRunCompletedEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	j := newJournal(t, journal.WithPromRegistry(reg))
	bus := event.NewEventBus(nil, nil)
	defer bus.Stop()
	j.Subscribe(bus)

	started := time.Unix(1_700_000_500, 0)
	bus.Publish(event.RunCompletedEventType, event.NewEvent(
		event.RunCompletedEventType,
		event.RunCompletedEvent{
			TicketID:    "t1",
			Kind:        workload.KindRoutine,
			Key:         "routine-1",
			FunctionKey: "fn-1",
			StartedAt:   started,
			Duration:    2 * time.Second,
			Submitted:   true,
		},
	))
	bus.Publish(event.RunCompletedEventType, event.NewEvent(
		event.RunCompletedEventType,
		event.RunCompletedEvent{
			TicketID:    "t2",
			Kind:        workload.KindFunction,
			Key:         "fn-1",
			FunctionKey: "fn-1",
			StartedAt:   started.Add(time.Minute),
			Duration:    20 * time.Second,
			ErrorCode:   result.ErrorCodeFunctionTimeout,
			Timeout:     true,
			Error:       "container timed out",
		},
	))

	require.Eventually(t, func() bool {
		runs, err := j.RecentRuns(0)
		return err == nil && len(runs) == 2
	}, 2*time.Second, 10*time.Millisecond)
	runs, err := j.RecentRuns(0)
	require.NoError(t, err)
	assert.Equal(t, journal.OutcomeTimeout, runs[0].Outcome)
	assert.Equal(t, uint8(result.ErrorCodeFunctionTimeout), runs[0].ErrorCode)
	assert.Equal(t, journal.OutcomeSuccess, runs[1].Outcome)

	require.Eventually(t, func() bool {
		count, err := j.Timeouts("fn-1")
		return err == nil && count == 1
	}, 2*time.Second, 10*time.Millisecond)
	last, err := j.LastExecutions()
	require.NoError(t, err)
	assert.True(t, started.Equal(last["routine-1"]))
	assert.NotContains(t, last, workload.Address("fn-1"))
	families, err := reg.Gather()
	require.NoError(t, err)
	writes := 0.0
	for _, mf := range families {
		if mf.GetName() == "fnmanager_journal_writes_total" {
			writes = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	// two runs, one timeout counter, one last execution
	assert.InDelta(t, 4, writes, 0)
}
