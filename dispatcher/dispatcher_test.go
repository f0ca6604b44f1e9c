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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/switchboard-xyz/function-manager/event"
	"github.com/switchboard-xyz/function-manager/registry"
	"github.com/switchboard-xyz/function-manager/workload"
)

const self = workload.Address("self")

var testEnclave = workload.MrEnclave{1, 2, 3}

type fakeRegistry struct {
	mu        sync.Mutex
	notReady  bool
	functions map[workload.Address]workload.Function
	routines  []registry.RoutineEntry
	requests  []registry.RequestEntry
	queue     workload.AttestationQueue
	slot      uint64
	forgotten []workload.Address
}

func newFakeRegistry(verifiers ...workload.Address) *fakeRegistry {
	return &fakeRegistry{
		functions: make(map[workload.Address]workload.Function),
		queue:     workload.AttestationQueue{Key: "queue", Verifiers: verifiers},
	}
}

func (f *fakeRegistry) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.notReady
}

func (f *fakeRegistry) Functions() map[workload.Address]workload.Function {
	f.mu.Lock()
	defer f.mu.Unlock()
	ret := make(map[workload.Address]workload.Function, len(f.functions))
	for k, v := range f.functions {
		ret[k] = v
	}
	return ret
}

func (f *fakeRegistry) Routines() []registry.RoutineEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]registry.RoutineEntry(nil), f.routines...)
}

func (f *fakeRegistry) Requests() []registry.RequestEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]registry.RequestEntry(nil), f.requests...)
}

func (f *fakeRegistry) Queue() (workload.AttestationQueue, uint32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.queue.IndexOf(self)
	return f.queue, idx, ok
}

func (f *fakeRegistry) Slot() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slot
}

func (f *fakeRegistry) Images() []string {
	return []string{"org/feed:latest"}
}

func (f *fakeRegistry) Forget(key workload.Address, _ uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, key)
}

func (f *fakeRegistry) putFunction(fn workload.Function) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.functions[fn.Key] = fn
}

func (f *fakeRegistry) setRequests(entries ...registry.RequestEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = entries
}

func (f *fakeRegistry) setSlot(slot uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slot = slot
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func activeFunction(key workload.Address, schedule string, last int64) workload.Function {
	return workload.Function{
		Key:                    key,
		Queue:                  "queue",
		Container:              "org/feed",
		Schedule:               schedule,
		AllowedMrEnclaves:      []workload.MrEnclave{testEnclave},
		Status:                 workload.FunctionStatusActive,
		LastExecutionTimestamp: last,
	}
}

func newTestDispatcher(t *testing.T, reg *fakeRegistry, clk *clock) *Dispatcher {
	t.Helper()
	d, err := New(Config{
		Registry: reg,
		Verifier: self,
		Now:      clk.Now,
	})
	require.NoError(t, err)
	return d
}

func drain(d *Dispatcher) []Ticket {
	var ret []Ticket
	for {
		select {
		case t := <-d.Tickets():
			ret = append(ret, t)
		default:
			return ret
		}
	}
}

func TestAssignRoles(t *testing.T) {
	single := []workload.Address{self}
	for q := range uint32(3) {
		for c := range uint32(3) {
			a := Assign(single, self, q, c)
			assert.True(t, a.Primary && a.Secondary)
		}
	}
	verifiers := []workload.Address{"a", self, "c"}
	for q := range uint32(6) {
		for c := range uint32(6) {
			a := Assign(verifiers, self, q, c)
			assert.Equal(t, q%3 == 1, a.Primary)
			assert.Equal(t, c%3 == 1, a.Secondary)
			if a.Primary && a.Secondary {
				assert.Equal(t, q%3, c%3)
			}
		}
	}
	assert.Equal(t, Assignment{}, Assign(nil, self, 0, 0))
	assert.Equal(t, "none", Assign(verifiers, "stranger", 0, 0).String())
}

func TestScheduledFunctionPrimaryRun(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	clk := &clock{now: t0.Add(time.Second)}
	reg := newFakeRegistry(self)
	reg.putFunction(activeFunction("fn", "* * * * * *", t0.Unix()))
	d := newTestDispatcher(t, reg, clk)

	assert.Equal(t, 1, d.Tick())
	tickets := drain(d)
	require.Len(t, tickets, 1)
	tk := tickets[0]
	assert.Equal(t, workload.KindFunction, tk.Kind)
	assert.Equal(t, workload.Address("fn"), tk.Key)
	assert.Equal(t, "org/feed:latest", tk.Image)
	assert.Equal(t, self, tk.Verifier)
	assert.Equal(t, workload.Address("queue"), tk.QueueAuthority)
	assert.False(t, tk.Stolen)
	assert.NotEmpty(t, tk.ID)

	// in flight
	assert.Equal(t, 0, d.Tick())

	d.Complete(tk, true)
	// the chain still reports the stale timestamp but the local guard
	// holds until the next activation
	assert.Equal(t, 0, d.Tick())
	clk.Advance(time.Second)
	assert.Equal(t, 1, d.Tick())
}

func TestSecondaryStealsStaleRoutine(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clk := &clock{now: now}
	reg := newFakeRegistry("other", self)
	reg.queue.CurrIdx = 1
	reg.putFunction(activeFunction("fn", "", 0))
	reg.routines = []registry.RoutineEntry{
		{Key: "stale", Routine: workload.Routine{
			Key:                    "stale",
			Function:               "fn",
			Schedule:               "* * * * * *",
			QueueIdx:               0,
			Status:                 workload.FunctionStatusActive,
			LastExecutionTimestamp: now.Unix() - 46,
			NextAllowedTimestamp:   now.Unix() - 45,
			Raw:                    []byte{0xab, 0xcd},
		}},
		{Key: "fresh", Routine: workload.Routine{
			Key:                    "fresh",
			Function:               "fn",
			Schedule:               "* * * * * *",
			QueueIdx:               0,
			Status:                 workload.FunctionStatusActive,
			LastExecutionTimestamp: now.Unix() - 31,
		}},
	}
	d := newTestDispatcher(t, reg, clk)
	assert.Equal(t, 1, d.Tick())
	tickets := drain(d)
	require.Len(t, tickets, 1)
	assert.Equal(t, workload.Address("stale"), tickets[0].Key)
	assert.True(t, tickets[0].Stolen)
	require.NotNil(t, tickets[0].Routine)
	assert.Equal(t, "abcd", tickets[0].RoutineHex)
}

func TestCronStealThreshold(t *testing.T) {
	readyAt := time.Unix(1_700_000_000, 0)
	secondary := Assignment{Secondary: true}
	run, _ := CronMayRun(secondary, readyAt, readyAt.Add(CronStealAfter))
	assert.False(t, run)
	run, stolen := CronMayRun(secondary, readyAt, readyAt.Add(CronStealAfter+time.Second))
	assert.True(t, run)
	assert.True(t, stolen)
	run, _ = CronMayRun(Assignment{Primary: true}, readyAt, readyAt.Add(-time.Second))
	assert.False(t, run)
	run, _ = CronMayRun(Assignment{}, readyAt, readyAt.Add(time.Hour))
	assert.False(t, run)
}

func TestCronReadyAt(t *testing.T) {
	_, ok, err := CronReadyAt("", 100, 0)
	require.NoError(t, err)
	assert.False(t, ok)
	at, ok, err := CronReadyAt("* * * * * *", 100, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(101), at.Unix())
	at, _, err = CronReadyAt("* * * * * *", 100, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(500), at.Unix())
	_, _, err = CronReadyAt("not a schedule", 100, 0)
	assert.Error(t, err)
}

func TestRequestWaitsForSlot(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	reg := newFakeRegistry(self)
	reg.putFunction(activeFunction("fn", "", 0))
	reg.setSlot(100)
	reg.requests = []registry.RequestEntry{{Key: "req", Request: workload.Request{
		Key:            "req",
		Function:       "fn",
		ValidAfterSlot: 105,
		Status:         workload.RequestStatusPending,
		IsTriggered:    true,
		Raw:            []byte{0x01, 0x02},
	}}}
	d := newTestDispatcher(t, reg, clk)
	assert.Equal(t, 0, d.Tick())
	reg.setSlot(105)
	assert.Equal(t, 1, d.Tick())
	tickets := drain(d)
	require.Len(t, tickets, 1)
	assert.Equal(t, []workload.Address{"req"}, tickets[0].RequestKeys())
	assert.Equal(t, uint64(105), tickets[0].Slot)
	assert.Equal(t, "0102", tickets[0].RequestHex)

	d.Complete(tickets[0], true)
	assert.Equal(t, []workload.Address{"req"}, reg.forgotten)
}

func pendingRequest(key workload.Address, validAfter, requestSlot uint64, placeholder bool) registry.RequestEntry {
	return registry.RequestEntry{Key: key, Request: workload.Request{
		Key:            key,
		Function:       "fn",
		ValidAfterSlot: validAfter,
		RequestSlot:    requestSlot,
		Status:         workload.RequestStatusPending,
		IsTriggered:    true,
		Placeholder:    placeholder,
	}}
}

func TestCompletedRequestNotRedispatched(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	reg := newFakeRegistry(self)
	reg.putFunction(activeFunction("fn", "", 0))
	reg.setSlot(200)
	reg.setRequests(pendingRequest("req", 150, 0, true))
	d := newTestDispatcher(t, reg, clk)

	require.Equal(t, 1, d.Tick())
	tickets := drain(d)
	require.Len(t, tickets, 1)
	d.Complete(tickets[0], true)

	// the cache still holds the pending placeholder
	clk.Advance(time.Second)
	assert.Equal(t, 0, d.Tick())

	// a stale refresh returns the fetched account, still pending
	reg.setRequests(pendingRequest("req", 150, 149, false))
	clk.Advance(time.Second)
	assert.Equal(t, 0, d.Tick())
	assert.Empty(t, drain(d))

	// a refresh shows the request completed
	done := pendingRequest("req", 150, 149, false)
	done.Request.Status = workload.RequestStatusSuccess
	reg.setRequests(done)
	assert.Equal(t, 0, d.Tick())

	// the user triggers it again
	reg.setRequests(pendingRequest("req", 210, 205, false))
	reg.setSlot(210)
	assert.Equal(t, 1, d.Tick())
}

func TestFailedRequestIsRetried(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	reg := newFakeRegistry(self)
	reg.putFunction(activeFunction("fn", "", 0))
	reg.setSlot(200)
	reg.setRequests(pendingRequest("req", 150, 0, true))
	d := newTestDispatcher(t, reg, clk)

	require.Equal(t, 1, d.Tick())
	d.Complete(drain(d)[0], false)
	clk.Advance(InitialBackoff)
	assert.Equal(t, 1, d.Tick())
}

func TestRequestStealThreshold(t *testing.T) {
	secondary := Assignment{Secondary: true}
	run, _ := RequestMayRun(secondary, 100, 100+RequestStealSlots)
	assert.False(t, run)
	run, stolen := RequestMayRun(secondary, 100, 100+RequestStealSlots+1)
	assert.True(t, run)
	assert.True(t, stolen)
	run, _ = RequestMayRun(Assignment{Primary: true}, 100, 99)
	assert.False(t, run)
}

func TestBackoffDoubling(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	clk := &clock{now: start}
	reg := newFakeRegistry(self)
	reg.putFunction(activeFunction("fn", "* * * * * *", start.Unix()-10))
	d := newTestDispatcher(t, reg, clk)

	var sum time.Duration
	expected := []time.Duration{5, 10, 20, 40, 80, 160, 300, 300}
	for i, secs := range expected {
		require.Equal(t, 1, d.Tick(), "attempt %d", i)
		tickets := drain(d)
		require.Len(t, tickets, 1)
		d.Complete(tickets[0], false)
		sum += secs * time.Second
		next, ok := d.NextEligible("fn")
		require.True(t, ok)
		assert.Equal(t, clk.Now().Add(secs*time.Second), next)
		assert.False(t, next.Before(start.Add(sum)))
		// not eligible until the backoff elapses
		assert.Equal(t, 0, d.Tick())
		clk.Advance(secs * time.Second)
	}
	require.Equal(t, 1, d.Tick())
	d.Complete(drain(d)[0], true)
	_, ok := d.NextEligible("fn")
	assert.False(t, ok)
}

func TestBoundaryStatuses(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	reg := newFakeRegistry(self)
	noEnclaves := activeFunction("no-enclaves", "* * * * * *", 0)
	noEnclaves.AllowedMrEnclaves = nil
	reg.putFunction(noEnclaves)
	unfunded := activeFunction("unfunded", "", 0)
	unfunded.Status = workload.FunctionStatusOutOfFunds
	reg.putFunction(unfunded)
	reg.routines = []registry.RoutineEntry{{Key: "routine", Routine: workload.Routine{
		Key:      "routine",
		Function: "unfunded",
		Schedule: "* * * * * *",
		Status:   workload.FunctionStatusActive,
	}}}
	reg.requests = []registry.RequestEntry{
		{Key: "req-unfunded", Request: workload.Request{
			Key:         "req-unfunded",
			Function:    "unfunded",
			Status:      workload.RequestStatusPending,
			IsTriggered: true,
		}},
		{Key: "req-no-enclaves", Request: workload.Request{
			Key:         "req-no-enclaves",
			Function:    "no-enclaves",
			Status:      workload.RequestStatusPending,
			IsTriggered: true,
		}},
	}
	d := newTestDispatcher(t, reg, clk)
	assert.Equal(t, 1, d.Tick())
	tickets := drain(d)
	require.Len(t, tickets, 1)
	assert.Equal(t, workload.Address("req-unfunded"), tickets[0].Key)
}

func TestTriggeredFunctionRunsImmediately(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	reg := newFakeRegistry(self)
	fn := activeFunction("fn", "", 0)
	fn.IsTriggered = true
	reg.putFunction(fn)
	d := newTestDispatcher(t, reg, clk)
	assert.Equal(t, 1, d.Tick())
}

func TestCompletedTriggeredFunctionWaitsForRefresh(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	reg := newFakeRegistry(self)
	fn := activeFunction("fn", "", 0)
	fn.IsTriggered = true
	reg.putFunction(fn)
	d := newTestDispatcher(t, reg, clk)

	require.Equal(t, 1, d.Tick())
	d.Complete(drain(d)[0], true)
	clk.Advance(time.Second)
	assert.Equal(t, 0, d.Tick(), "stale trigger flag")

	// the verify landed and the user triggered the function again
	fn.LastExecutionTimestamp = clk.Now().Unix()
	reg.putFunction(fn)
	assert.Equal(t, 1, d.Tick())
}

func TestGates(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	reg := newFakeRegistry(self)
	reg.putFunction(activeFunction("fn", "* * * * * *", 0))
	qvnReady := false
	d, err := New(Config{
		Registry: reg,
		Verifier: self,
		Now:      clk.Now,
		QVNReady: func() bool { return qvnReady },
	})
	require.NoError(t, err)
	assert.Equal(t, 0, d.Tick())
	qvnReady = true
	reg.notReady = true
	assert.Equal(t, 0, d.Tick())
	reg.notReady = false
	assert.Equal(t, 1, d.Tick())
}

func TestFullQueueDefers(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	reg := newFakeRegistry(self)
	reg.putFunction(activeFunction("a", "* * * * * *", 0))
	reg.putFunction(activeFunction("b", "* * * * * *", 0))
	d, err := New(Config{Registry: reg, Verifier: self, Now: clk.Now, QueueSize: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, d.Tick())
	first := drain(d)
	require.Len(t, first, 1)
	assert.Equal(t, 1, d.Tick())
	second := drain(d)
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].Key, second[0].Key)
}

func TestStallWatchdogExits(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	reg := newFakeRegistry(self)
	var codes []int
	d, err := New(Config{
		Registry: reg,
		Verifier: self,
		Now:      clk.Now,
		ExitFunc: func(code int) { codes = append(codes, code) },
	})
	require.NoError(t, err)
	d.Tick()
	clk.Advance(DefaultStallTimeout)
	d.checkStall()
	assert.Empty(t, codes)
	clk.Advance(time.Second)
	d.checkStall()
	d.checkStall()
	assert.Equal(t, []int{1}, codes)
}

func TestStartedWatchdogExitsOnStall(t *testing.T) {
	defer goleak.VerifyNone(t)
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	reg := newFakeRegistry(self)
	exited := make(chan int, 1)
	d, err := New(Config{
		Registry:       reg,
		Verifier:       self,
		Now:            clk.Now,
		TickInterval:   time.Hour,
		WatchdogPeriod: 10 * time.Millisecond,
		ExitFunc:       func(code int) { exited <- code },
	})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()
	// the tick loop runs once and not again within the test
	deadline := time.After(2 * time.Second)
	for {
		clk.Advance(DefaultStallTimeout + time.Second)
		select {
		case code := <-exited:
			assert.Equal(t, 1, code)
			return
		case <-deadline:
			t.Fatal("watchdog did not fire")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

type fakeStore map[workload.Address]time.Time

func (s fakeStore) LastExecutions() (map[workload.Address]time.Time, error) {
	return s, nil
}

type fakePrewarmer struct{}

func (fakePrewarmer) Prewarm(context.Context, []string) {}

func TestStartEmitsAndStops(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := event.NewEventBus(nil, nil)
	defer bus.Stop()
	now := time.Now()
	reg := newFakeRegistry(self)
	reg.putFunction(activeFunction("due", "* * * * * *", now.Unix()-10))
	reg.putFunction(activeFunction("ran-locally", "0 0 0 1 1 *", now.Unix()-400*24*3600))
	d, err := New(Config{
		Registry:       reg,
		Verifier:       self,
		LastExecutions: fakeStore{"ran-locally": now},
		Prewarmer:      fakePrewarmer{},
		EventBus:       bus,
	})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	select {
	case tk := <-d.Tickets():
		assert.Equal(t, workload.Address("due"), tk.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("no ticket emitted")
	}
	d.Stop()
	for _, tk := range drain(d) {
		assert.NotEqual(t, workload.Address("ran-locally"), tk.Key)
	}
}
