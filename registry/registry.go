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

// Package registry caches the functions, routines and requests assigned to
// this oracle's attestation queue, along with the queue, slot, blockhash
// and payer balance cells the dispatcher reads.
package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/switchboard-xyz/function-manager/chain"
	"github.com/switchboard-xyz/function-manager/event"
	"github.com/switchboard-xyz/function-manager/internal/interval"
	"github.com/switchboard-xyz/function-manager/workload"
)

const (
	DefaultRefreshInterval     = 5 * time.Second
	DefaultQueuePollInterval   = time.Second
	DefaultBalancePollInterval = 30 * time.Second
	DefaultSlotPollInterval    = time.Second
	DefaultMinPayerBalance     = 10_000
	// PlaceholderTTL bounds how long a trigger event is trusted without
	// the request account showing up in a refresh
	PlaceholderTTL = 60 * time.Second

	minBalancePollInterval = 5 * time.Second
)

type Config struct {
	Client   chain.Client
	Queue    workload.Address
	Verifier workload.Address
	Payer    workload.Address
	// Subscribe enables trigger event delivery ahead of refreshes
	Subscribe           bool
	RefreshInterval     time.Duration
	QueuePollInterval   time.Duration
	BalancePollInterval time.Duration
	SlotPollInterval    time.Duration
	MinPayerBalance     uint64
	// PanicFunc is called when the payer is underfunded. Default: panic
	PanicFunc    func(msg string)
	EventBus     *event.EventBus
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
}

// RoutineEntry pairs a routine with its key, keeping refresh order.
type RoutineEntry struct {
	Key     workload.Address
	Routine workload.Routine
}

type RequestEntry struct {
	Key     workload.Address
	Request workload.Request
}

type Registry struct {
	config  Config
	logger  *slog.Logger
	metrics *registryMetrics

	workloadsMu sync.RWMutex
	functions   map[workload.Address]workload.Function
	routines    []RoutineEntry
	requests    []RequestEntry

	queueMu  sync.RWMutex
	queue    *workload.AttestationQueue
	selfIdx  uint32
	onQueue  bool
	slotMu   sync.RWMutex
	slot     uint64
	hash     string
	payerMu  sync.RWMutex
	balance  uint64
	readyMu  sync.RWMutex
	ready    bool
	triggers *cache.Cache

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	cfg.RefreshInterval = max(cfg.RefreshInterval, time.Second)
	if cfg.QueuePollInterval <= 0 {
		cfg.QueuePollInterval = DefaultQueuePollInterval
	}
	cfg.QueuePollInterval = max(cfg.QueuePollInterval, time.Second)
	if cfg.BalancePollInterval <= 0 {
		cfg.BalancePollInterval = DefaultBalancePollInterval
	}
	cfg.BalancePollInterval = max(cfg.BalancePollInterval, minBalancePollInterval)
	if cfg.SlotPollInterval <= 0 {
		cfg.SlotPollInterval = DefaultSlotPollInterval
	}
	cfg.SlotPollInterval = max(cfg.SlotPollInterval, time.Second)
	if cfg.MinPayerBalance == 0 {
		cfg.MinPayerBalance = DefaultMinPayerBalance
	}
	if cfg.PanicFunc == nil {
		cfg.PanicFunc = func(msg string) { panic(msg) }
	}
	r := &Registry{
		config:    cfg,
		logger:    cfg.Logger.With("component", "registry"),
		functions: make(map[workload.Address]workload.Function),
		triggers:  cache.New(PlaceholderTTL, 2*PlaceholderTTL),
	}
	if cfg.PromRegistry != nil {
		r.initMetrics(cfg.PromRegistry)
	}
	return r
}

// Start loads the queue, slot and workloads once, then launches the
// refresh loops, the auxiliary polls and the trigger subscription.
func (r *Registry) Start(ctx context.Context) error {
	if err := r.pollQueue(ctx); err != nil {
		return fmt.Errorf("load attestation queue: %w", err)
	}
	r.pollSlot(ctx)
	r.pollBalance(ctx)
	r.Refresh(ctx)
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	loops := []struct {
		period time.Duration
		fn     func(context.Context)
	}{
		{r.config.RefreshInterval, r.Refresh},
		{r.config.QueuePollInterval, func(ctx context.Context) {
			if err := r.pollQueue(ctx); err != nil {
				r.logger.Warn("attestation queue poll failed", "error", err)
			}
		}},
		{r.config.BalancePollInterval, r.pollBalance},
		{r.config.SlotPollInterval, r.pollSlot},
	}
	for _, loop := range loops {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			interval.Run(ctx, loop.period, loop.fn, interval.SkipFirst())
		}()
	}
	if r.config.Subscribe {
		events, err := r.config.Client.Subscribe(ctx, chain.TopicRequestTriggered)
		if err != nil {
			r.logger.Warn("trigger subscription unavailable, relying on refresh", "error", err)
		} else {
			r.wg.Add(1)
			go r.consumeTriggers(ctx, events)
		}
	}
	return nil
}

// Stop cancels the loops and waits for them to exit.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Ready reports whether the first workload refresh has completed.
func (r *Registry) Ready() bool {
	r.readyMu.RLock()
	defer r.readyMu.RUnlock()
	return r.ready
}

func (r *Registry) pollQueue(ctx context.Context) error {
	acct, err := chain.Retry(ctx, r.config.QueuePollInterval, func(ctx context.Context) (workload.Account, error) {
		return r.config.Client.FetchAccount(ctx, r.config.Queue)
	})
	if err != nil {
		return err
	}
	q, ok := acct.(*workload.AttestationQueue)
	if !ok {
		return fmt.Errorf("%w: %s is a %s", chain.ErrDecoding, r.config.Queue, acct.AccountKind())
	}
	idx, onQueue := q.IndexOf(r.config.Verifier)
	r.queueMu.Lock()
	wasOnQueue := r.onQueue
	r.queue = q
	r.selfIdx = idx
	r.onQueue = onQueue
	r.queueMu.Unlock()
	if wasOnQueue && !onQueue {
		r.logger.Warn("verifier dropped from attestation queue", "verifier", r.config.Verifier)
	}
	return nil
}

func (r *Registry) pollSlot(ctx context.Context) {
	slot, err := chain.Retry(ctx, r.config.SlotPollInterval, func(ctx context.Context) (uint64, error) {
		return r.config.Client.CurrentSlot(ctx, chain.CommitmentProcessed)
	})
	if err != nil {
		r.logger.Warn("slot poll failed", "error", err)
		return
	}
	hash, err := chain.Retry(ctx, r.config.SlotPollInterval, func(ctx context.Context) (string, error) {
		return r.config.Client.RecentBlockhash(ctx, chain.CommitmentProcessed)
	})
	if err != nil {
		r.logger.Warn("blockhash poll failed", "error", err)
	}
	r.slotMu.Lock()
	r.slot = slot
	if hash != "" {
		r.hash = hash
	}
	r.slotMu.Unlock()
	if r.metrics != nil {
		r.metrics.slot.Set(float64(slot))
	}
}

func (r *Registry) pollBalance(ctx context.Context) {
	if r.config.Payer == "" {
		return
	}
	balance, err := chain.Retry(ctx, r.config.BalancePollInterval, func(ctx context.Context) (uint64, error) {
		return r.config.Client.Balance(ctx, r.config.Payer)
	})
	if err != nil {
		r.logger.Warn("payer balance poll failed", "error", err)
		return
	}
	r.payerMu.Lock()
	r.balance = balance
	r.payerMu.Unlock()
	if r.metrics != nil {
		r.metrics.payerBalance.Set(float64(balance))
	}
	if balance < r.config.MinPayerBalance {
		msg := fmt.Sprintf(
			"payer %s underfunded: balance %d below minimum %d",
			r.config.Payer,
			balance,
			r.config.MinPayerBalance,
		)
		r.logger.Error(msg)
		r.config.PanicFunc(msg)
	}
}

// Refresh repopulates functions, routines and requests in parallel. A
// failed fetch keeps the previous snapshot of that container.
func (r *Registry) Refresh(ctx context.Context) {
	selfIdx, isSecondary, onQueue := r.assignment()
	if !onQueue {
		r.logger.Warn("verifier is not on the attestation queue, skipping refresh")
		return
	}
	// the current secondary may steal any workload, so it needs them all
	var idxFilter *uint32
	if !isSecondary {
		idxFilter = &selfIdx
	}
	var (
		functions []chain.KeyedAccount
		routines  []chain.KeyedAccount
		requests  []chain.KeyedAccount
	)
	fetch := func(filter chain.Filter, out *[]chain.KeyedAccount) func() error {
		return func() error {
			ret, err := chain.Retry(ctx, r.config.RefreshInterval, func(ctx context.Context) ([]chain.KeyedAccount, error) {
				return r.config.Client.FetchProgramAccounts(ctx, filter)
			})
			if err != nil {
				r.logger.Warn("refresh failed", "kind", filter.Kind, "error", err)
				if r.metrics != nil {
					r.metrics.refreshErrors.WithLabelValues(filter.Kind.String()).Inc()
				}
				return err
			}
			*out = ret
			return nil
		}
	}
	// each container is fetched independently so one failure does not
	// discard the others
	var fnErr, routineErr, requestErr error
	var g errgroup.Group
	g.Go(func() error {
		fnErr = fetch(chain.Filter{Kind: workload.KindFunction, Queue: r.config.Queue}, &functions)()
		return nil
	})
	g.Go(func() error {
		routineErr = fetch(chain.Filter{Kind: workload.KindRoutine, Queue: r.config.Queue, QueueIdx: idxFilter}, &routines)()
		return nil
	})
	g.Go(func() error {
		requestErr = fetch(chain.Filter{
			Kind:          workload.KindRequest,
			Queue:         r.config.Queue,
			QueueIdx:      idxFilter,
			TriggeredOnly: true,
		}, &requests)()
		return nil
	})
	_ = g.Wait()

	r.workloadsMu.Lock()
	if fnErr == nil {
		next := make(map[workload.Address]workload.Function, len(functions))
		for _, ka := range functions {
			if fn, ok := ka.Account.(*workload.Function); ok {
				next[ka.Key] = *fn
			}
		}
		r.functions = next
	}
	if routineErr == nil {
		next := make([]RoutineEntry, 0, len(routines))
		for _, ka := range routines {
			if rt, ok := ka.Account.(*workload.Routine); ok {
				next = append(next, RoutineEntry{Key: ka.Key, Routine: *rt})
			}
		}
		sortEntries(next, func(e RoutineEntry) workload.Address { return e.Key })
		r.routines = next
	}
	if requestErr == nil {
		next := make([]RequestEntry, 0, len(requests))
		for _, ka := range requests {
			req, ok := ka.Account.(*workload.Request)
			if !ok || !req.IsTriggered || req.Status != workload.RequestStatusPending {
				continue
			}
			next = append(next, RequestEntry{Key: ka.Key, Request: *req})
			if v, ok := r.triggers.Get(string(ka.Key)); ok {
				if _, isPlaceholder := v.(workload.Request); isPlaceholder {
					r.triggers.Delete(string(ka.Key))
				}
			}
		}
		sortEntries(next, func(e RequestEntry) workload.Address { return e.Key })
		r.requests = next
	}
	counts := [3]int{len(r.functions), len(r.routines), len(r.requests)}
	r.workloadsMu.Unlock()

	if r.metrics != nil {
		r.metrics.workloads.WithLabelValues("function").Set(float64(counts[0]))
		r.metrics.workloads.WithLabelValues("routine").Set(float64(counts[1]))
		r.metrics.workloads.WithLabelValues("request").Set(float64(counts[2]))
	}
	if fnErr != nil || routineErr != nil || requestErr != nil {
		return
	}
	r.readyMu.Lock()
	r.ready = true
	r.readyMu.Unlock()
	if r.config.EventBus != nil {
		r.config.EventBus.Publish(
			event.RegistryRefreshedEventType,
			event.NewEvent(event.RegistryRefreshedEventType, event.RegistryRefreshedEvent{
				Functions: counts[0],
				Routines:  counts[1],
				Requests:  counts[2],
				Slot:      r.Slot(),
			}),
		)
	}
}

func sortEntries[T any](entries []T, key func(T) workload.Address) {
	sort.SliceStable(entries, func(i, j int) bool {
		return key(entries[i]) < key(entries[j])
	})
}

func (r *Registry) assignment() (selfIdx uint32, isSecondary bool, onQueue bool) {
	r.queueMu.RLock()
	defer r.queueMu.RUnlock()
	if r.queue == nil || !r.onQueue {
		return 0, false, false
	}
	n := uint32(len(r.queue.Verifiers)) // #nosec G115
	return r.selfIdx, n > 0 && r.queue.CurrIdx%n == r.selfIdx, true
}

func (r *Registry) consumeTriggers(ctx context.Context, events <-chan chain.Event) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			trig, ok := evt.Data.(chain.RequestTriggered)
			if !ok {
				continue
			}
			r.HandleTrigger(trig, evt.Slot)
		}
	}
}

// HandleTrigger records a placeholder request for a trigger event so the
// dispatcher can act before the next refresh. Duplicate deliveries within
// the placeholder window are ignored. It reports whether a placeholder was
// added.
func (r *Registry) HandleTrigger(trig chain.RequestTriggered, slot uint64) bool {
	r.workloadsMu.RLock()
	fn, known := r.functions[trig.Function]
	exists := false
	for _, e := range r.requests {
		if e.Key == trig.Request {
			exists = true
			break
		}
	}
	r.workloadsMu.RUnlock()
	if exists {
		return false
	}
	if !known {
		r.logger.Debug("trigger for function outside this queue", "fn_key", trig.Function)
		return false
	}
	placeholder := workload.Request{
		Key:            trig.Request,
		Function:       trig.Function,
		Queue:          fn.Queue,
		QueueIdx:       trig.QueueIdx,
		ValidAfterSlot: trig.ValidAfterSlot,
		Status:         workload.RequestStatusPending,
		IsTriggered:    true,
		Placeholder:    true,
	}
	if v, ok := r.triggers.Get(string(trig.Request)); ok {
		// a newer trigger of a handled request replaces its tombstone
		if ts, ok := v.(tombstone); ok && trig.ValidAfterSlot > ts.validAfterSlot {
			r.triggers.Delete(string(trig.Request))
		}
	}
	if err := r.triggers.Add(string(trig.Request), placeholder, cache.DefaultExpiration); err != nil {
		// already seen
		return false
	}
	r.logger.Debug(
		"request triggered",
		"fn_key", trig.Function,
		"req_keys", []workload.Address{trig.Request},
		"valid_after_slot", trig.ValidAfterSlot,
	)
	if r.config.EventBus != nil {
		r.config.EventBus.Publish(
			event.RequestTriggeredEventType,
			event.NewEvent(event.RequestTriggeredEventType, event.RequestTriggeredEvent{
				Request:        trig.Request,
				Function:       trig.Function,
				QueueIdx:       trig.QueueIdx,
				ValidAfterSlot: trig.ValidAfterSlot,
				Slot:           slot,
			}),
		)
	}
	return true
}

type tombstone struct {
	validAfterSlot uint64
}

// Forget replaces a handled request's placeholder with a tombstone for
// PlaceholderTTL so replayed trigger events for the same slot are ignored.
func (r *Registry) Forget(key workload.Address, validAfterSlot uint64) {
	r.triggers.SetDefault(string(key), tombstone{validAfterSlot: validAfterSlot})
}

// Functions returns a snapshot of the function map.
func (r *Registry) Functions() map[workload.Address]workload.Function {
	r.workloadsMu.RLock()
	defer r.workloadsMu.RUnlock()
	ret := make(map[workload.Address]workload.Function, len(r.functions))
	for k, v := range r.functions {
		ret[k] = v
	}
	return ret
}

func (r *Registry) Function(key workload.Address) (workload.Function, bool) {
	r.workloadsMu.RLock()
	defer r.workloadsMu.RUnlock()
	fn, ok := r.functions[key]
	return fn, ok
}

// Routines returns a snapshot of the routine list.
func (r *Registry) Routines() []RoutineEntry {
	r.workloadsMu.RLock()
	defer r.workloadsMu.RUnlock()
	return append([]RoutineEntry(nil), r.routines...)
}

// Requests returns the fetched requests followed by any placeholders not
// yet seen in a refresh.
func (r *Registry) Requests() []RequestEntry {
	r.workloadsMu.RLock()
	ret := append([]RequestEntry(nil), r.requests...)
	r.workloadsMu.RUnlock()
	seen := make(map[workload.Address]struct{}, len(ret))
	for _, e := range ret {
		seen[e.Key] = struct{}{}
	}
	var placeholders []RequestEntry
	for key, item := range r.triggers.Items() {
		if _, ok := seen[workload.Address(key)]; ok {
			continue
		}
		if req, ok := item.Object.(workload.Request); ok {
			placeholders = append(placeholders, RequestEntry{Key: req.Key, Request: req})
		}
	}
	sortEntries(placeholders, func(e RequestEntry) workload.Address { return e.Key })
	return append(ret, placeholders...)
}

// Queue returns the last polled attestation queue and this verifier's
// index in it.
func (r *Registry) Queue() (workload.AttestationQueue, uint32, bool) {
	r.queueMu.RLock()
	defer r.queueMu.RUnlock()
	if r.queue == nil {
		return workload.AttestationQueue{}, 0, false
	}
	q := *r.queue
	q.Verifiers = append([]workload.Address(nil), r.queue.Verifiers...)
	return q, r.selfIdx, r.onQueue
}

// Slot returns the last polled slot at processed commitment.
func (r *Registry) Slot() uint64 {
	r.slotMu.RLock()
	defer r.slotMu.RUnlock()
	return r.slot
}

func (r *Registry) Blockhash() string {
	r.slotMu.RLock()
	defer r.slotMu.RUnlock()
	return r.hash
}

func (r *Registry) PayerBalance() uint64 {
	r.payerMu.RLock()
	defer r.payerMu.RUnlock()
	return r.balance
}

// Images returns the distinct container images of all cached functions.
func (r *Registry) Images() []string {
	r.workloadsMu.RLock()
	defer r.workloadsMu.RUnlock()
	seen := make(map[string]struct{}, len(r.functions))
	ret := make([]string, 0, len(r.functions))
	for _, fn := range r.functions {
		img := fn.Image()
		if _, ok := seen[img]; ok {
			continue
		}
		seen[img] = struct{}{}
		ret = append(ret, img)
	}
	sort.Strings(ret)
	return ret
}
