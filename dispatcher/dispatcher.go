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

// Package dispatcher decides when each cached workload is ready and
// whether this verifier should run it, then emits container run tickets.
package dispatcher

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/switchboard-xyz/function-manager/event"
	"github.com/switchboard-xyz/function-manager/internal/interval"
	"github.com/switchboard-xyz/function-manager/registry"
	"github.com/switchboard-xyz/function-manager/workload"
)

const (
	DefaultTickInterval    = time.Second
	DefaultPrewarmInterval = 300 * time.Second
	MinPrewarmInterval     = 30 * time.Second
	DefaultStallTimeout    = 30 * time.Second
	DefaultWatchdogPeriod  = time.Second
	DefaultQueueSize       = 64
	// DefaultCompletedTTL bounds how long a completed triggered workload is
	// suppressed while the cached account still shows it pending
	DefaultCompletedTTL = 2 * time.Minute
)

// Registry is the workload cache read by the dispatcher.
type Registry interface {
	Ready() bool
	Functions() map[workload.Address]workload.Function
	Routines() []registry.RoutineEntry
	Requests() []registry.RequestEntry
	Queue() (workload.AttestationQueue, uint32, bool)
	Slot() uint64
	Images() []string
	Forget(key workload.Address, validAfterSlot uint64)
}

// LastExecutionStore persists local last execution times across restarts.
type LastExecutionStore interface {
	LastExecutions() (map[workload.Address]time.Time, error)
}

type Prewarmer interface {
	Prewarm(ctx context.Context, images []string)
}

type Config struct {
	Registry Registry
	Verifier workload.Address
	// QVNReady gates dispatch until the verifier node accepts results
	QVNReady        func() bool
	LastExecutions  LastExecutionStore
	Prewarmer       Prewarmer
	TickInterval    time.Duration
	PrewarmInterval time.Duration
	StallTimeout    time.Duration
	WatchdogPeriod  time.Duration
	QueueSize       int
	CompletedTTL    time.Duration
	Now             func() time.Time
	// ExitFunc is called when the tick loop stalls. Default: os.Exit
	ExitFunc     func(int)
	EventBus     *event.EventBus
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
}

type Dispatcher struct {
	config   Config
	logger   *slog.Logger
	metrics  *dispatcherMetrics
	tickets  chan Ticket
	tracker  *tracker
	lastTick atomic.Int64
	stalled  atomic.Bool

	localMu   sync.RWMutex
	localLast map[workload.Address]int64
	// first time a function trigger flag was observed
	triggerSeen map[workload.Address]time.Time
	// completed triggered workloads not yet reflected by a refresh
	completed *cache.Cache

	evalMu    sync.Mutex
	subId     event.EventSubscriberId
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
}

func New(cfg Config) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, errors.New("dispatcher requires a registry")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.PrewarmInterval <= 0 {
		cfg.PrewarmInterval = DefaultPrewarmInterval
	}
	cfg.PrewarmInterval = max(cfg.PrewarmInterval, MinPrewarmInterval)
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = DefaultStallTimeout
	}
	if cfg.WatchdogPeriod <= 0 {
		cfg.WatchdogPeriod = DefaultWatchdogPeriod
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.CompletedTTL <= 0 {
		cfg.CompletedTTL = DefaultCompletedTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ExitFunc == nil {
		cfg.ExitFunc = os.Exit
	}
	d := &Dispatcher{
		config:      cfg,
		logger:      cfg.Logger.With("component", "dispatcher"),
		tickets:     make(chan Ticket, cfg.QueueSize),
		tracker:     newTracker(),
		localLast:   make(map[workload.Address]int64),
		triggerSeen: make(map[workload.Address]time.Time),
		// expired entries are swept on each tick
		completed: cache.New(cfg.CompletedTTL, 0),
	}
	d.lastTick.Store(cfg.Now().UnixNano())
	if cfg.PromRegistry != nil {
		d.initMetrics(cfg.PromRegistry)
	}
	return d, nil
}

// Tickets is the bounded channel consumed by the runner pool.
func (d *Dispatcher) Tickets() <-chan Ticket {
	return d.tickets
}

// Start loads persisted last execution times and launches the tick loop,
// the stall watchdog and the image pre-warm loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	var err error
	d.startOnce.Do(func() {
		err = d.start(ctx)
	})
	return err
}

func (d *Dispatcher) start(ctx context.Context) error {
	if d.config.LastExecutions != nil {
		last, err := d.config.LastExecutions.LastExecutions()
		if err != nil {
			return err
		}
		d.localMu.Lock()
		for key, t := range last {
			d.localLast[key] = t.Unix()
		}
		d.localMu.Unlock()
		d.logger.Info("loaded local execution times", "count", len(last))
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.lastTick.Store(d.config.Now().UnixNano())

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		interval.Run(ctx, d.config.TickInterval, func(context.Context) { d.Tick() })
	}()
	if d.config.Prewarmer != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			interval.Run(ctx, d.config.PrewarmInterval, func(ctx context.Context) {
				d.config.Prewarmer.Prewarm(ctx, d.config.Registry.Images())
			}, interval.SkipFirst())
		}()
	}
	if d.config.EventBus != nil {
		d.subId = d.config.EventBus.SubscribeFunc(
			event.RequestTriggeredEventType,
			func(event.Event) {
				if ctx.Err() != nil || !d.gateOpen() {
					return
				}
				d.evalMu.Lock()
				defer d.evalMu.Unlock()
				d.evaluateRequests(d.config.Now())
			},
		)
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		interval.Run(ctx, d.config.WatchdogPeriod, func(context.Context) { d.checkStall() }, interval.SkipFirst())
	}()
	return nil
}

// Stop halts all loops. Tickets already emitted stay in the channel.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.config.EventBus != nil && d.subId != 0 {
		d.config.EventBus.Unsubscribe(event.RequestTriggeredEventType, d.subId)
	}
	d.wg.Wait()
}

func (d *Dispatcher) checkStall() {
	last := time.Unix(0, d.lastTick.Load())
	since := d.config.Now().Sub(last)
	if since <= d.config.StallTimeout {
		return
	}
	if !d.stalled.CompareAndSwap(false, true) {
		return
	}
	d.logger.Error("dispatcher stalled, exiting", "since_last_tick", since)
	if d.metrics != nil {
		d.metrics.stalls.Inc()
	}
	d.config.ExitFunc(1)
}

func (d *Dispatcher) gateOpen() bool {
	if !d.config.Registry.Ready() {
		return false
	}
	if d.config.QVNReady != nil && !d.config.QVNReady() {
		return false
	}
	return true
}

// Tick records liveness and evaluates every workload once. It returns the
// number of tickets emitted.
func (d *Dispatcher) Tick() int {
	now := d.config.Now()
	d.lastTick.Store(now.UnixNano())
	if !d.gateOpen() {
		return 0
	}
	d.evalMu.Lock()
	defer d.evalMu.Unlock()
	d.completed.DeleteExpired()
	emitted := d.evaluateFunctions(now)
	emitted += d.evaluateRoutines(now)
	emitted += d.evaluateRequests(now)
	if d.metrics != nil {
		processing, backingOff := d.tracker.counts()
		d.metrics.processing.Set(float64(processing))
		d.metrics.backingOff.Set(float64(backingOff))
	}
	return emitted
}

type queueView struct {
	verifiers []workload.Address
	currIdx   uint32
	authority workload.Address
}

func (d *Dispatcher) queueView() (queueView, bool) {
	q, _, onQueue := d.config.Registry.Queue()
	if !onQueue {
		return queueView{}, false
	}
	return queueView{verifiers: q.Verifiers, currIdx: q.CurrIdx, authority: q.Key}, true
}

func (d *Dispatcher) lastExecution(key workload.Address, onChain int64) int64 {
	d.localMu.RLock()
	defer d.localMu.RUnlock()
	return max(onChain, d.localLast[key])
}

func (d *Dispatcher) evaluateFunctions(now time.Time) int {
	view, ok := d.queueView()
	if !ok {
		return 0
	}
	emitted := 0
	for key, fn := range d.config.Registry.Functions() {
		if fn.Status != workload.FunctionStatusActive || len(fn.AllowedMrEnclaves) == 0 {
			continue
		}
		var (
			readyAt time.Time
			ready   bool
			err     error
		)
		if fn.IsTriggered {
			if d.functionDone(key, fn.LastExecutionTimestamp) {
				continue
			}
			readyAt, ready = d.triggeredAt(key, now), true
		} else {
			d.clearTrigger(key)
			d.completed.Delete(string(key))
			last := d.lastExecution(key, fn.LastExecutionTimestamp)
			readyAt, ready, err = CronReadyAt(fn.Schedule, last, fn.NextAllowedTimestamp)
			if err != nil {
				d.logger.Debug("invalid function schedule", "fn_key", key, "error", err)
				continue
			}
		}
		if !ready {
			continue
		}
		role := Assign(view.verifiers, d.config.Verifier, fn.QueueIdx, view.currIdx)
		run, stolen := CronMayRun(role, readyAt, now)
		if !run {
			continue
		}
		if d.emit(Ticket{
			Kind:     workload.KindFunction,
			Key:      key,
			Function: fn,
			Stolen:   stolen,
		}, view, now) {
			emitted++
		}
	}
	return emitted
}

func (d *Dispatcher) triggeredAt(key workload.Address, now time.Time) time.Time {
	d.localMu.Lock()
	defer d.localMu.Unlock()
	if seen, ok := d.triggerSeen[key]; ok {
		return seen
	}
	d.triggerSeen[key] = now
	return now
}

func (d *Dispatcher) clearTrigger(key workload.Address) {
	d.localMu.Lock()
	defer d.localMu.Unlock()
	delete(d.triggerSeen, key)
}

type completedRequest struct {
	validAfterSlot uint64
	requestSlot    uint64
}

// requestDone reports whether req is a pending snapshot of a trigger this
// node already completed. A later trigger carries a newer slot.
func (d *Dispatcher) requestDone(key workload.Address, req workload.Request) bool {
	v, ok := d.completed.Get(string(key))
	if !ok {
		return false
	}
	done, ok := v.(completedRequest)
	if !ok {
		return false
	}
	if req.ValidAfterSlot > done.validAfterSlot ||
		(req.RequestSlot != 0 && done.requestSlot != 0 && req.RequestSlot > done.requestSlot) {
		d.completed.Delete(string(key))
		return false
	}
	return true
}

// functionDone reports whether a triggered function already ran here and
// the cached account predates that run.
func (d *Dispatcher) functionDone(key workload.Address, onChainLast int64) bool {
	v, ok := d.completed.Get(string(key))
	if !ok {
		return false
	}
	at, ok := v.(int64)
	if !ok {
		return false
	}
	if onChainLast >= at {
		d.completed.Delete(string(key))
		return false
	}
	return true
}

func (d *Dispatcher) evaluateRoutines(now time.Time) int {
	view, ok := d.queueView()
	if !ok {
		return 0
	}
	functions := d.config.Registry.Functions()
	emitted := 0
	for _, entry := range d.config.Registry.Routines() {
		routine := entry.Routine
		if routine.IsDisabled || routine.Status != workload.FunctionStatusActive {
			continue
		}
		fn, ok := functions[routine.Function]
		if !ok || fn.Status != workload.FunctionStatusActive || len(fn.AllowedMrEnclaves) == 0 {
			continue
		}
		last := d.lastExecution(entry.Key, routine.LastExecutionTimestamp)
		readyAt, ready, err := CronReadyAt(routine.Schedule, last, routine.NextAllowedTimestamp)
		if err != nil {
			d.logger.Debug("invalid routine schedule", "routine_key", entry.Key, "error", err)
			continue
		}
		if !ready {
			continue
		}
		role := Assign(view.verifiers, d.config.Verifier, routine.QueueIdx, view.currIdx)
		run, stolen := CronMayRun(role, readyAt, now)
		if !run {
			continue
		}
		if d.emit(Ticket{
			Kind:     workload.KindRoutine,
			Key:      entry.Key,
			Function: fn,
			Routine:  &routine,
			Stolen:   stolen,
		}, view, now) {
			emitted++
		}
	}
	return emitted
}

func (d *Dispatcher) evaluateRequests(now time.Time) int {
	view, ok := d.queueView()
	if !ok {
		return 0
	}
	functions := d.config.Registry.Functions()
	slot := d.config.Registry.Slot()
	emitted := 0
	for _, entry := range d.config.Registry.Requests() {
		req := entry.Request
		if req.Status != workload.RequestStatusPending || !req.IsTriggered {
			d.completed.Delete(string(entry.Key))
			continue
		}
		if d.requestDone(entry.Key, req) {
			continue
		}
		fn, ok := functions[req.Function]
		if !ok || len(fn.AllowedMrEnclaves) == 0 {
			continue
		}
		// an unfunded function may still serve requests so the program
		// can move it back to active once funded
		if fn.Status != workload.FunctionStatusActive && fn.Status != workload.FunctionStatusOutOfFunds {
			continue
		}
		role := Assign(view.verifiers, d.config.Verifier, req.QueueIdx, view.currIdx)
		run, stolen := RequestMayRun(role, req.ValidAfterSlot, slot)
		if !run {
			continue
		}
		if d.emit(Ticket{
			Kind:     workload.KindRequest,
			Key:      entry.Key,
			Function: fn,
			Request:  &req,
			Stolen:   stolen,
		}, view, now) {
			emitted++
		}
	}
	return emitted
}

func (d *Dispatcher) emit(t Ticket, view queueView, now time.Time) bool {
	if !d.tracker.eligible(t.Key, now) || !d.tracker.claim(t.Key) {
		return false
	}
	t.ID = uuid.NewString()
	t.Image = t.Function.Image()
	t.FunctionHex = hex.EncodeToString(t.Function.Raw)
	if t.Routine != nil {
		t.RoutineHex = hex.EncodeToString(t.Routine.Raw)
	}
	if t.Request != nil {
		t.RequestHex = hex.EncodeToString(t.Request.Raw)
	}
	t.Verifier = d.config.Verifier
	t.QueueAuthority = view.authority
	t.Slot = d.config.Registry.Slot()
	t.ObservedAt = now
	select {
	case d.tickets <- t:
	default:
		d.tracker.release(t.Key)
		d.logger.Warn("ticket queue full, deferring workload", "key", t.Key, "kind", t.Kind)
		if d.metrics != nil {
			d.metrics.dropped.Inc()
		}
		return false
	}
	d.logger.Debug(
		"dispatched workload",
		"ticket", t.ID,
		"kind", t.Kind,
		"fn_key", t.Function.Key,
		"req_keys", t.RequestKeys(),
		"img", t.Image,
		"stolen", t.Stolen,
	)
	if d.metrics != nil {
		role := "primary"
		if t.Stolen {
			role = "secondary"
		}
		d.metrics.tickets.WithLabelValues(t.Kind.String(), role).Inc()
	}
	return true
}

// Complete releases a ticket. A successful run clears the workload's
// backoff and records its dispatch time as the local last execution. A
// failed run doubles the backoff.
func (d *Dispatcher) Complete(t Ticket, success bool) {
	now := d.config.Now()
	if !success {
		backoff := d.tracker.fail(t.Key, now)
		d.logger.Warn(
			"workload failed, backing off",
			"key", t.Key,
			"kind", t.Kind,
			"fn_key", t.Function.Key,
			"backoff", backoff,
		)
		return
	}
	d.tracker.succeed(t.Key)
	switch t.Kind {
	case workload.KindFunction, workload.KindRoutine:
		d.localMu.Lock()
		d.localLast[t.Key] = max(d.localLast[t.Key], t.ObservedAt.Unix())
		delete(d.triggerSeen, t.Key)
		d.localMu.Unlock()
		if t.Kind == workload.KindFunction && t.Function.IsTriggered {
			d.completed.SetDefault(string(t.Key), t.ObservedAt.Unix())
		}
	case workload.KindRequest:
		var done completedRequest
		if t.Request != nil {
			done = completedRequest{
				validAfterSlot: t.Request.ValidAfterSlot,
				requestSlot:    t.Request.RequestSlot,
			}
		}
		d.completed.SetDefault(string(t.Key), done)
		d.config.Registry.Forget(t.Key, done.validAfterSlot)
	}
}

// NextEligible returns when a backing off workload may run again.
func (d *Dispatcher) NextEligible(key workload.Address) (time.Time, bool) {
	return d.tracker.nextEligible(key)
}
