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

// Package event is the in-process event bus connecting the registry,
// dispatcher, runners and journal.
package event

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	EventQueueSize      = 64
	AsyncQueueSize      = 1000
	AsyncWorkerPoolSize = 4
)

type EventType string

type EventSubscriberId int

type EventHandlerFunc func(Event)

type Event struct {
	Timestamp time.Time
	Data      any
	Type      EventType
}

func NewEvent(eventType EventType, eventData any) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      eventData,
	}
}

// Subscriber receives events from the bus. A Deliver error unregisters the
// subscriber. Close must be idempotent.
type Subscriber interface {
	Deliver(Event) error
	Close()
}

// channelSubscriber delivers into a buffered channel. Deliver never
// blocks: when the buffer is full the event is dropped.
type channelSubscriber struct {
	ch     chan Event
	onDrop func(Event)
	mu     sync.RWMutex
	closed bool
}

func newChannelSubscriber(buffer int, onDrop func(Event)) *channelSubscriber {
	return &channelSubscriber{
		ch:     make(chan Event, buffer),
		onDrop: onDrop,
	}
}

func (c *channelSubscriber) Deliver(evt Event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil
	}
	select {
	case c.ch <- evt:
	default:
		if c.onDrop != nil {
			c.onDrop(evt)
		}
	}
	return nil
}

func (c *channelSubscriber) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}

type asyncEvent struct {
	eventType EventType
	event     Event
}

type EventBus struct {
	subscribers map[EventType]map[EventSubscriberId]Subscriber
	metrics     *eventMetrics
	lastSubId   EventSubscriberId
	mu          sync.RWMutex
	logger      *slog.Logger

	asyncQueue chan asyncEvent
	asyncWg    sync.WaitGroup
	handlerWg  sync.WaitGroup
	stopCh     chan struct{}
	stopped    bool
	stopMu     sync.RWMutex
	// serializes Stop
	stopOpMu sync.Mutex
}

// NewEventBus creates an EventBus and starts its async workers. Both
// arguments may be nil.
func NewEventBus(
	promRegistry prometheus.Registerer,
	logger *slog.Logger,
) *EventBus {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	e := &EventBus{
		subscribers: make(map[EventType]map[EventSubscriberId]Subscriber),
		logger:      logger.With("component", "event"),
		asyncQueue:  make(chan asyncEvent, AsyncQueueSize),
		stopCh:      make(chan struct{}),
	}
	if promRegistry != nil {
		e.initMetrics(promRegistry)
	}
	e.startWorkers()
	return e
}

func (e *EventBus) startWorkers() {
	queue := e.asyncQueue
	stopCh := e.stopCh
	for range AsyncWorkerPoolSize {
		e.asyncWg.Add(1)
		go func() {
			defer e.asyncWg.Done()
			for {
				select {
				case <-stopCh:
					return
				case ae := <-queue:
					e.Publish(ae.eventType, ae.event)
				}
			}
		}()
	}
}

func subscriberKind(sub Subscriber) string {
	if _, ok := sub.(*channelSubscriber); ok {
		return "in-memory"
	}
	return "remote"
}

func (e *EventBus) add(eventType EventType, sub Subscriber) EventSubscriberId {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSubId++
	subId := e.lastSubId
	if _, ok := e.subscribers[eventType]; !ok {
		e.subscribers[eventType] = make(map[EventSubscriberId]Subscriber)
	}
	e.subscribers[eventType][subId] = sub
	if e.metrics != nil {
		e.metrics.subscribers.WithLabelValues(string(eventType), subscriberKind(sub)).Inc()
	}
	return subId
}

// Subscribe returns a channel receiving events of the given type. Events
// are dropped while the channel buffer is full.
func (e *EventBus) Subscribe(
	eventType EventType,
) (EventSubscriberId, <-chan Event) {
	sub := newChannelSubscriber(EventQueueSize, func(evt Event) {
		if e.metrics != nil {
			e.metrics.dropped.WithLabelValues(string(evt.Type)).Inc()
		}
		e.logger.Debug("subscriber buffer full, dropping event", "type", evt.Type)
	})
	return e.add(eventType, sub), sub.ch
}

// SubscribeFunc calls handlerFunc for each event of the given type from a
// dedicated goroutine. A panicking handler is logged and keeps receiving.
// It returns 0 while the bus is stopping.
func (e *EventBus) SubscribeFunc(
	eventType EventType,
	handlerFunc EventHandlerFunc,
) EventSubscriberId {
	// holding stopMu orders handlerWg.Add before the Wait in Stop
	e.stopMu.RLock()
	defer e.stopMu.RUnlock()
	if e.stopped {
		return 0
	}
	subId, evtCh := e.Subscribe(eventType)
	e.handlerWg.Add(1)
	go func() {
		defer e.handlerWg.Done()
		for evt := range evtCh {
			e.handle(handlerFunc, evt)
		}
	}()
	return subId
}

func (e *EventBus) handle(handlerFunc EventHandlerFunc, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(
				"event handler panic",
				"type", evt.Type,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	handlerFunc(evt)
}

// RegisterSubscriber adds a custom Subscriber and returns its id.
func (e *EventBus) RegisterSubscriber(
	eventType EventType,
	sub Subscriber,
) EventSubscriberId {
	return e.add(eventType, sub)
}

// Unsubscribe removes and closes a subscriber.
func (e *EventBus) Unsubscribe(eventType EventType, subId EventSubscriberId) {
	e.mu.Lock()
	var sub Subscriber
	if subs, ok := e.subscribers[eventType]; ok {
		sub = subs[subId]
		delete(subs, subId)
		if len(subs) == 0 {
			delete(e.subscribers, eventType)
		}
	}
	if sub != nil && e.metrics != nil {
		e.metrics.subscribers.WithLabelValues(string(eventType), subscriberKind(sub)).Dec()
	}
	e.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// Publish delivers an event to all current subscribers of its type.
func (e *EventBus) Publish(eventType EventType, evt Event) {
	e.mu.RLock()
	subs := e.subscribers[eventType]
	ids := make([]EventSubscriberId, 0, len(subs))
	list := make([]Subscriber, 0, len(subs))
	for id, sub := range subs {
		ids = append(ids, id)
		list = append(list, sub)
	}
	e.mu.RUnlock()
	for i, sub := range list {
		err := deliver(sub, evt)
		if err == nil {
			continue
		}
		e.Unsubscribe(eventType, ids[i])
		if e.metrics != nil {
			e.metrics.deliveryErrors.WithLabelValues(string(eventType), subscriberKind(sub)).Inc()
		}
		e.logger.Debug("event delivery error", "type", eventType, "error", err)
	}
	if e.metrics != nil {
		e.metrics.eventsTotal.WithLabelValues(string(eventType)).Inc()
	}
}

func deliver(sub Subscriber, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber deliver panic: %v", r)
		}
	}()
	return sub.Deliver(evt)
}

// PublishAsync queues an event for delivery by the worker pool. It returns
// false if the bus is stopped or the queue is full.
func (e *EventBus) PublishAsync(eventType EventType, evt Event) bool {
	e.stopMu.RLock()
	defer e.stopMu.RUnlock()
	if e.stopped {
		return false
	}
	select {
	case e.asyncQueue <- asyncEvent{eventType: eventType, event: evt}:
		return true
	default:
		e.logger.Warn("async event queue full, dropping event", "type", eventType)
		if e.metrics != nil {
			e.metrics.dropped.WithLabelValues(string(eventType)).Inc()
		}
		return false
	}
}

// Stop closes all subscribers and waits for handler goroutines to exit.
// The bus remains usable afterwards.
func (e *EventBus) Stop() {
	e.stopOpMu.Lock()
	defer e.stopOpMu.Unlock()

	e.stopMu.Lock()
	e.stopped = true
	close(e.stopCh)
	e.stopMu.Unlock()
	e.asyncWg.Wait()

	e.mu.Lock()
	subs := e.subscribers
	e.subscribers = make(map[EventType]map[EventSubscriberId]Subscriber)
	e.mu.Unlock()
	for _, typeSubs := range subs {
		for _, sub := range typeSubs {
			sub.Close()
		}
	}
	if e.metrics != nil {
		e.metrics.subscribers.Reset()
	}

	e.handlerWg.Wait()

	e.stopMu.Lock()
	e.asyncQueue = make(chan asyncEvent, AsyncQueueSize)
	e.stopCh = make(chan struct{})
	e.stopped = false
	e.startWorkers()
	e.stopMu.Unlock()
}
