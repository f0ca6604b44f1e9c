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

package registry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/switchboard-xyz/function-manager/chain"
	"github.com/switchboard-xyz/function-manager/chain/chaintest"
	"github.com/switchboard-xyz/function-manager/event"
	"github.com/switchboard-xyz/function-manager/workload"
)

const (
	testQueue = workload.Address("queue")
	testSelf  = workload.Address("v1")
	testPayer = workload.Address("payer")
)

var ignoreJanitor = goleak.IgnoreTopFunction("github.com/patrickmn/go-cache.(*janitor).Run")

func newFake(currIdx uint32) *chaintest.Fake {
	f := chaintest.New(chain.ChainSolana)
	f.PutQueue(workload.AttestationQueue{
		Key:       testQueue,
		Verifiers: []workload.Address{"v0", testSelf, "v2"},
		CurrIdx:   currIdx,
	})
	f.SetBalance(testPayer, 1_000_000)
	f.SetSlot(100)
	f.PutFunction(workload.Function{Key: "fn", Queue: testQueue, Container: "org/feed"})
	for i, key := range []workload.Address{"r0", "r1", "r2"} {
		f.PutRoutine(workload.Routine{Key: key, Function: "fn", Queue: testQueue, QueueIdx: uint32(i)})
	}
	return f
}

func newTestRegistry(f *chaintest.Fake, bus *event.EventBus) *Registry {
	return New(Config{
		Client:   f,
		Queue:    testQueue,
		Verifier: testSelf,
		Payer:    testPayer,
		EventBus: bus,
	})
}

func routineKeys(entries []RoutineEntry) []workload.Address {
	ret := make([]workload.Address, 0, len(entries))
	for _, e := range entries {
		ret = append(ret, e.Key)
	}
	return ret
}

func TestRefreshFiltersByQueueIndex(t *testing.T) {
	f := newFake(0)
	f.PutRequest(workload.Request{Key: "req-a", Function: "fn", Queue: testQueue, QueueIdx: 1, IsTriggered: true})
	f.PutRequest(workload.Request{Key: "req-b", Function: "fn", Queue: testQueue, QueueIdx: 1})
	f.PutRequest(workload.Request{
		Key:         "req-c",
		Function:    "fn",
		Queue:       testQueue,
		QueueIdx:    1,
		IsTriggered: true,
		Status:      workload.RequestStatusSuccess,
	})
	f.PutRequest(workload.Request{Key: "req-d", Function: "fn", Queue: testQueue, QueueIdx: 2, IsTriggered: true})
	r := newTestRegistry(f, nil)
	require.NoError(t, r.pollQueue(context.Background()))
	r.Refresh(context.Background())

	assert.True(t, r.Ready())
	assert.Equal(t, []workload.Address{"r1"}, routineKeys(r.Routines()))
	reqs := r.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, workload.Address("req-a"), reqs[0].Key)
	_, ok := r.Function("fn")
	assert.True(t, ok)
	assert.Equal(t, []string{"org/feed:latest"}, r.Images())
	q, idx, onQueue := r.Queue()
	assert.True(t, onQueue)
	assert.Equal(t, uint32(1), idx)
	assert.Len(t, q.Verifiers, 3)
}

func TestSecondaryFetchesEveryIndex(t *testing.T) {
	// curr_idx points at this verifier, making it the steal candidate
	f := newFake(1)
	r := newTestRegistry(f, nil)
	require.NoError(t, r.pollQueue(context.Background()))
	r.Refresh(context.Background())
	assert.Equal(t, []workload.Address{"r0", "r1", "r2"}, routineKeys(r.Routines()))
}

func TestRefreshNotOnQueue(t *testing.T) {
	f := newFake(0)
	r := New(Config{Client: f, Queue: testQueue, Verifier: "stranger"})
	require.NoError(t, r.pollQueue(context.Background()))
	r.Refresh(context.Background())
	assert.False(t, r.Ready())
	assert.Empty(t, r.Routines())
}

func TestRefreshKeepsSnapshotOnFailure(t *testing.T) {
	f := newFake(0)
	f.PutRequest(workload.Request{Key: "req", Function: "fn", Queue: testQueue, QueueIdx: 1, IsTriggered: true})
	r := newTestRegistry(f, nil)
	require.NoError(t, r.pollQueue(context.Background()))
	r.Refresh(context.Background())
	require.Len(t, r.Functions(), 1)
	require.Len(t, r.Routines(), 1)
	require.Len(t, r.Requests(), 1)

	for _, key := range []workload.Address{"fn", "r0", "r1", "r2", "req"} {
		f.Delete(key)
	}
	f.FailNext("FetchProgramAccounts", chain.ErrPermanent)
	r.Refresh(context.Background())
	// exactly one of the three fetches failed and kept its old contents
	total := len(r.Functions()) + len(r.Routines()) + len(r.Requests())
	assert.Equal(t, 1, total)
}

func TestTriggerPlaceholders(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreJanitor)
	bus := event.NewEventBus(nil, nil)
	defer bus.Stop()
	_, events := bus.Subscribe(event.RequestTriggeredEventType)
	f := newFake(0)
	r := newTestRegistry(f, bus)
	require.NoError(t, r.pollQueue(context.Background()))
	r.Refresh(context.Background())

	trig := chain.RequestTriggered{Request: "req-new", Function: "fn", QueueIdx: 1, ValidAfterSlot: 90}
	assert.True(t, r.HandleTrigger(trig, 101))
	assert.False(t, r.HandleTrigger(trig, 102), "duplicate delivery")
	assert.False(t, r.HandleTrigger(chain.RequestTriggered{Request: "other", Function: "unknown-fn"}, 101))

	select {
	case evt := <-events:
		data := evt.Data.(event.RequestTriggeredEvent)
		assert.Equal(t, workload.Address("req-new"), data.Request)
		assert.Equal(t, uint64(101), data.Slot)
	case <-time.After(time.Second):
		t.Fatal("no trigger event published")
	}

	reqs := r.Requests()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].Request.Placeholder)
	assert.Equal(t, uint64(90), reqs[0].Request.ValidAfterSlot)

	// the account shows up and replaces the placeholder
	f.PutRequest(workload.Request{
		Key:            "req-new",
		Function:       "fn",
		Queue:          testQueue,
		QueueIdx:       1,
		ValidAfterSlot: 90,
		IsTriggered:    true,
	})
	r.Refresh(context.Background())
	reqs = r.Requests()
	require.Len(t, reqs, 1)
	assert.False(t, reqs[0].Request.Placeholder)

	req2 := chain.RequestTriggered{Request: "req-2", Function: "fn", QueueIdx: 1, ValidAfterSlot: 95}
	assert.True(t, r.HandleTrigger(req2, 103))
	r.Forget("req-2", 95)
	assert.Len(t, r.Requests(), 1)
}

func TestForgottenTriggerIgnoresReplay(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreJanitor)
	f := newFake(0)
	r := newTestRegistry(f, nil)
	require.NoError(t, r.pollQueue(context.Background()))
	r.Refresh(context.Background())

	trig := chain.RequestTriggered{Request: "req-done", Function: "fn", QueueIdx: 1, ValidAfterSlot: 120}
	require.True(t, r.HandleTrigger(trig, 121))
	r.Forget("req-done", 120)
	assert.Empty(t, r.Requests())

	// a reconnect replays the same event
	assert.False(t, r.HandleTrigger(trig, 125))
	assert.Empty(t, r.Requests())

	// the request is triggered again later
	trig.ValidAfterSlot = 130
	assert.True(t, r.HandleTrigger(trig, 131))
	reqs := r.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, uint64(130), reqs[0].Request.ValidAfterSlot)
}

func TestUnderfundedPayer(t *testing.T) {
	f := newFake(0)
	f.SetBalance(testPayer, 5_000)
	var msg string
	r := New(Config{
		Client:    f,
		Queue:     testQueue,
		Verifier:  testSelf,
		Payer:     testPayer,
		PanicFunc: func(m string) { msg = m },
	})
	r.pollBalance(context.Background())
	assert.True(t, strings.Contains(msg, string(testPayer)))
	assert.Equal(t, uint64(5_000), r.PayerBalance())

	f.SetBalance(testPayer, DefaultMinPayerBalance)
	msg = ""
	r.pollBalance(context.Background())
	assert.Empty(t, msg)
}

func TestStartSubscribesAndStops(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreJanitor)
	f := newFake(0)
	f.SetBlockhash("hash-1")
	r := New(Config{
		Client:    f,
		Queue:     testQueue,
		Verifier:  testSelf,
		Payer:     testPayer,
		Subscribe: true,
	})
	require.NoError(t, r.Start(context.Background()))
	assert.Equal(t, uint64(100), r.Slot())
	assert.Equal(t, "hash-1", r.Blockhash())
	assert.True(t, r.Ready())

	f.EmitRequestTriggered(chain.RequestTriggered{Request: "req-live", Function: "fn", QueueIdx: 1})
	assert.Eventually(t, func() bool {
		return len(r.Requests()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	r.Stop()
}

func TestStartFailsWithoutQueue(t *testing.T) {
	f := chaintest.New(chain.ChainSolana)
	r := New(Config{Client: f, Queue: testQueue, Verifier: testSelf})
	err := r.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, chain.ErrNotFound)
	r.Stop()
}
