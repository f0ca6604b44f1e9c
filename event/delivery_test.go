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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSubscriber struct {
	closed atomic.Bool
}

func (f *failingSubscriber) Deliver(Event) error {
	return errors.New("deliver failed")
}

func (f *failingSubscriber) Close() {
	f.closed.Store(true)
}

func TestDeliverFailureUnregisters(t *testing.T) {
	eb := NewEventBus(nil, nil)
	defer eb.Stop()
	sub := &failingSubscriber{}
	subId := eb.RegisterSubscriber(RunCompletedEventType, sub)
	require.NotZero(t, subId)
	eb.Publish(RunCompletedEventType, NewEvent(RunCompletedEventType, nil))
	eb.mu.RLock()
	_, exists := eb.subscribers[RunCompletedEventType][subId]
	eb.mu.RUnlock()
	assert.False(t, exists)
	assert.True(t, sub.closed.Load())
}

func TestChannelSubscriberDropsWhenFull(t *testing.T) {
	const bufferSize = 5
	var dropped atomic.Int32
	sub := newChannelSubscriber(bufferSize, func(Event) { dropped.Add(1) })
	for i := range bufferSize + 2 {
		require.NoError(t, sub.Deliver(NewEvent("test", i)))
	}
	assert.Equal(t, int32(2), dropped.Load())
	assert.Len(t, sub.ch, bufferSize)
	first := <-sub.ch
	assert.Equal(t, 0, first.Data)
}

func TestChannelSubscriberDeliverAfterClose(t *testing.T) {
	sub := newChannelSubscriber(5, nil)
	sub.Close()
	sub.Close()
	require.NoError(t, sub.Deliver(NewEvent("test", "after-close")))
}

func TestPublishUnsubscribeRace(t *testing.T) {
	for range 200 {
		eb := NewEventBus(nil, nil)
		typ := EventType("race.test")
		subId, ch := eb.Subscribe(typ)
		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			for j := range 10 {
				eb.Publish(typ, NewEvent(typ, j))
			}
		}()
		go func() {
			defer wg.Done()
			eb.Unsubscribe(typ, subId)
			eb.Stop()
		}()
		go func() {
			defer wg.Done()
			for range ch {
			}
		}()
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("publish and unsubscribe deadlocked")
		}
	}
}

func TestSubscribeFuncStopRace(t *testing.T) {
	for range 200 {
		eb := NewEventBus(nil, nil)
		typ := EventType("race.subscribefunc")
		var wg sync.WaitGroup
		for range 5 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				eb.SubscribeFunc(typ, func(Event) {})
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			eb.Stop()
		}()
		wg.Wait()
		eb.Stop()
	}
}
