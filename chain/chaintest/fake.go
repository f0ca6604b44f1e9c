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

// Package chaintest provides an in-memory chain.Client that applies the
// attestation program rules: verifies advance the queue round-robin
// pointer, a closed round rejects further verifies, and rewards are paid
// out on success.
package chaintest

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/switchboard-xyz/function-manager/chain"
	"github.com/switchboard-xyz/function-manager/result"
	"github.com/switchboard-xyz/function-manager/workload"
)

const (
	DefaultCallCost   uint64 = 50_000
	DefaultVerifyCost uint64 = 5_000
)

// Submission is a transaction accepted by the fake.
type Submission struct {
	Signature  chain.Signature
	Tx         *chain.Transaction
	Commitment chain.Commitment
}

// Payout is a balance movement made by the program on a verify.
type Payout struct {
	From   workload.Address
	To     workload.Address
	Amount uint64
}

type state struct {
	balances  map[workload.Address]uint64
	functions map[workload.Address]workload.Function
	routines  map[workload.Address]workload.Routine
	requests  map[workload.Address]workload.Request
	queues    map[workload.Address]workload.AttestationQueue
	verifiers map[workload.Address]workload.Verifier
	cids      map[workload.Address]string
}

func (s *state) clone() *state {
	return &state{
		balances:  maps.Clone(s.balances),
		functions: maps.Clone(s.functions),
		routines:  maps.Clone(s.routines),
		requests:  maps.Clone(s.requests),
		queues:    maps.Clone(s.queues),
		verifiers: maps.Clone(s.verifiers),
		cids:      maps.Clone(s.cids),
	}
}

type Fake struct {
	mu        sync.Mutex
	chain     chain.Chain
	now       func() time.Time
	slot      uint64
	blockhash string
	st        *state
	costs     map[string]uint64
	failures  map[string][]error
	submitted []Submission
	userCalls []result.Tx
	payouts   []Payout
	subs      map[int]chan chain.Event
	nextSub   int
}

var _ chain.Client = (*Fake)(nil)

func New(c chain.Chain) *Fake {
	return &Fake{
		chain:     c,
		now:       time.Now,
		blockhash: "11111111111111111111111111111111",
		st: &state{
			balances:  make(map[workload.Address]uint64),
			functions: make(map[workload.Address]workload.Function),
			routines:  make(map[workload.Address]workload.Routine),
			requests:  make(map[workload.Address]workload.Request),
			queues:    make(map[workload.Address]workload.AttestationQueue),
			verifiers: make(map[workload.Address]workload.Verifier),
			cids:      make(map[workload.Address]string),
		},
		costs:    make(map[string]uint64),
		failures: make(map[string][]error),
		subs:     make(map[int]chan chain.Event),
	}
}

func (f *Fake) SetNow(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

func (f *Fake) SetSlot(slot uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slot = slot
}

func (f *Fake) SetBlockhash(hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockhash = hash
}

func (f *Fake) SetBalance(key workload.Address, amount uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.st.balances[key] = amount
}

// SetCost sets the simulated cost of user calls to the given target.
func (f *Fake) SetCost(to string, cost uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.costs[to] = cost
}

// FailNext queues an error returned by the next call of the named method.
func (f *Fake) FailNext(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = append(f.failures[method], err)
}

func (f *Fake) PutFunction(fn workload.Function) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.st.functions[fn.Key] = fn
}

func (f *Fake) PutRoutine(r workload.Routine) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.st.routines[r.Key] = r
}

func (f *Fake) PutRequest(r workload.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.st.requests[r.Key] = r
}

func (f *Fake) PutQueue(q workload.AttestationQueue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.st.queues[q.Key] = q
}

func (f *Fake) PutVerifier(v workload.Verifier) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.st.verifiers[v.Key] = v
}

func (f *Fake) Delete(key workload.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.st.functions, key)
	delete(f.st.routines, key)
	delete(f.st.requests, key)
	delete(f.st.queues, key)
	delete(f.st.verifiers, key)
}

func (f *Fake) Function(key workload.Address) (workload.Function, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn, ok := f.st.functions[key]
	return fn, ok
}

func (f *Fake) Routine(key workload.Address) (workload.Routine, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.st.routines[key]
	return r, ok
}

func (f *Fake) Request(key workload.Address) (workload.Request, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.st.requests[key]
	return r, ok
}

func (f *Fake) Queue(key workload.Address) (workload.AttestationQueue, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.st.queues[key]
	return q, ok
}

func (f *Fake) Verifier(key workload.Address) (workload.Verifier, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.st.verifiers[key]
	return v, ok
}

// EnclaveCID returns the quote CID recorded by update_enclave.
func (f *Fake) EnclaveCID(verifier workload.Address) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st.cids[verifier]
}

func (f *Fake) Submitted() []Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.submitted)
}

// Instructions returns the names of all submitted instructions in order.
func (f *Fake) Instructions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ret []string
	for _, s := range f.submitted {
		for _, ins := range s.Tx.Instructions {
			ret = append(ret, ins.Name())
		}
	}
	return ret
}

func (f *Fake) UserCalls() []result.Tx {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.userCalls)
}

func (f *Fake) Payouts() []Payout {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.payouts)
}

// EmitRequestTriggered delivers an event to all subscribers of the topic.
func (f *Fake) EmitRequestTriggered(ev chain.RequestTriggered) {
	f.mu.Lock()
	subs := make([]chan chain.Event, 0, len(f.subs))
	for _, ch := range f.subs {
		subs = append(subs, ch)
	}
	slot := f.slot
	f.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- chain.Event{Topic: chain.TopicRequestTriggered, Slot: slot, Data: ev}:
		default:
		}
	}
}

func (f *Fake) popFailure(method string) error {
	errs := f.failures[method]
	if len(errs) == 0 {
		return nil
	}
	f.failures[method] = errs[1:]
	return errs[0]
}

func (f *Fake) Chain() chain.Chain {
	return f.chain
}

func (f *Fake) FetchProgramAccounts(
	_ context.Context,
	filter chain.Filter,
) ([]chain.KeyedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure("FetchProgramAccounts"); err != nil {
		return nil, err
	}
	var ret []chain.KeyedAccount
	matchIdx := func(idx uint32) bool {
		return filter.QueueIdx == nil || *filter.QueueIdx == idx
	}
	matchQueue := func(q workload.Address) bool {
		return filter.Queue == "" || filter.Queue == q
	}
	switch filter.Kind {
	case workload.KindFunction:
		for _, fn := range f.st.functions {
			if matchQueue(fn.Queue) && matchIdx(fn.QueueIdx) &&
				(!filter.TriggeredOnly || fn.IsTriggered) {
				ret = append(ret, chain.KeyedAccount{Key: fn.Key, Account: &fn})
			}
		}
	case workload.KindRoutine:
		for _, r := range f.st.routines {
			if matchQueue(r.Queue) && matchIdx(r.QueueIdx) {
				ret = append(ret, chain.KeyedAccount{Key: r.Key, Account: &r})
			}
		}
	case workload.KindRequest:
		for _, r := range f.st.requests {
			if matchQueue(r.Queue) && matchIdx(r.QueueIdx) &&
				(!filter.TriggeredOnly || r.IsTriggered) {
				ret = append(ret, chain.KeyedAccount{Key: r.Key, Account: &r})
			}
		}
	case workload.KindQueue:
		for _, q := range f.st.queues {
			if matchQueue(q.Key) {
				ret = append(ret, chain.KeyedAccount{Key: q.Key, Account: &q})
			}
		}
	case workload.KindVerifier:
		for _, v := range f.st.verifiers {
			if matchQueue(v.Queue) {
				ret = append(ret, chain.KeyedAccount{Key: v.Key, Account: &v})
			}
		}
	default:
		return nil, fmt.Errorf("%w: unknown account kind %s", chain.ErrPermanent, filter.Kind)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Key < ret[j].Key })
	return ret, nil
}

func (f *Fake) FetchAccount(_ context.Context, key workload.Address) (workload.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure("FetchAccount"); err != nil {
		return nil, err
	}
	if fn, ok := f.st.functions[key]; ok {
		return &fn, nil
	}
	if r, ok := f.st.routines[key]; ok {
		return &r, nil
	}
	if r, ok := f.st.requests[key]; ok {
		return &r, nil
	}
	if q, ok := f.st.queues[key]; ok {
		return &q, nil
	}
	if v, ok := f.st.verifiers[key]; ok {
		return &v, nil
	}
	return nil, fmt.Errorf("%w: %s", chain.ErrNotFound, key)
}

func (f *Fake) CurrentSlot(context.Context, chain.Commitment) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure("CurrentSlot"); err != nil {
		return 0, err
	}
	return f.slot, nil
}

func (f *Fake) RecentBlockhash(context.Context, chain.Commitment) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure("RecentBlockhash"); err != nil {
		return "", err
	}
	return f.blockhash, nil
}

func (f *Fake) Balance(_ context.Context, key workload.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure("Balance"); err != nil {
		return 0, err
	}
	return f.st.balances[key], nil
}

func (f *Fake) SubmitTransaction(
	_ context.Context,
	tx *chain.Transaction,
	commitment chain.Commitment,
) (chain.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure("SubmitTransaction"); err != nil {
		return "", err
	}
	if tx.Payer == nil {
		return "", fmt.Errorf("%w: transaction has no payer", chain.ErrPermanent)
	}
	next := f.st.clone()
	var calls []result.Tx
	var payouts []Payout
	for _, ins := range tx.Instructions {
		switch v := ins.(type) {
		case chain.UserCall:
			if bytes.HasPrefix(v.Tx.Data, []byte("revert")) {
				return "", fmt.Errorf("%w: user call to %s", chain.ErrSimulationRevert, v.Tx.To)
			}
			calls = append(calls, v.Tx)
		default:
			p, err := f.apply(next, ins)
			if err != nil {
				return "", err
			}
			payouts = append(payouts, p...)
		}
	}
	f.st = next
	f.userCalls = append(f.userCalls, calls...)
	f.payouts = append(f.payouts, payouts...)
	sig := chain.Signature(fmt.Sprintf("fake-sig-%d", len(f.submitted)+1))
	f.submitted = append(f.submitted, Submission{Signature: sig, Tx: tx, Commitment: commitment})
	return sig, nil
}

func (f *Fake) apply(st *state, ins chain.Instruction) ([]Payout, error) {
	now := f.now().Unix()
	switch v := ins.(type) {
	case chain.VerifierHeartbeat:
		verifier, ok := st.verifiers[v.Verifier]
		if !ok {
			return nil, fmt.Errorf("%w: verifier %s", chain.ErrNotFound, v.Verifier)
		}
		verifier.LastHeartbeat = now
		st.verifiers[v.Verifier] = verifier
	case chain.RotateEnclaveSigner:
		verifier, ok := st.verifiers[v.Verifier]
		if !ok {
			return nil, fmt.Errorf("%w: verifier %s", chain.ErrNotFound, v.Verifier)
		}
		verifier.EnclaveSigner = workload.Address(hex.EncodeToString(v.NewSigner))
		st.verifiers[v.Verifier] = verifier
	case chain.UpdateEnclave:
		verifier, ok := st.verifiers[v.Verifier]
		if !ok {
			return nil, fmt.Errorf("%w: verifier %s", chain.ErrNotFound, v.Verifier)
		}
		verifier.MrEnclave = v.MrEnclave
		st.verifiers[v.Verifier] = verifier
		st.cids[v.Verifier] = v.QuoteCID
	case chain.ForceOverrideVerify:
		if _, ok := st.verifiers[v.Verifier]; !ok {
			return nil, fmt.Errorf("%w: verifier %s", chain.ErrNotFound, v.Verifier)
		}
	case chain.SetQueuePermission:
		verifier, ok := st.verifiers[v.Verifier]
		if !ok {
			return nil, fmt.Errorf("%w: verifier %s", chain.ErrNotFound, v.Verifier)
		}
		if v.Enable {
			verifier.Permissions |= v.Permission
		} else {
			verifier.Permissions &^= v.Permission
		}
		st.verifiers[v.Verifier] = verifier
	case chain.AddMrEnclaveToQueue:
		q, ok := st.queues[v.Queue]
		if !ok {
			return nil, fmt.Errorf("%w: queue %s", chain.ErrNotFound, v.Queue)
		}
		if !q.AllowsEnclave(v.MrEnclave) {
			q.AllowedMrEnclaves = append(slices.Clone(q.AllowedMrEnclaves), v.MrEnclave)
		}
		st.queues[v.Queue] = q
	case chain.Transfer:
		if st.balances[v.From] < v.Amount {
			return nil, fmt.Errorf("%w: %s has %d, needs %d", chain.ErrInsufficientFunds, v.From, st.balances[v.From], v.Amount)
		}
		st.balances[v.From] -= v.Amount
		st.balances[v.To] += v.Amount
	case chain.FunctionVerify:
		fn, ok := st.functions[v.Function]
		if !ok {
			return nil, fmt.Errorf("%w: function %s", chain.ErrNotFound, v.Function)
		}
		if fn.LastExecutionTimestamp >= v.ObservedTime {
			return nil, fmt.Errorf("%w: function %s", chain.ErrRoundClosed, v.Function)
		}
		if err := advanceQueue(st, v.VerifyParams); err != nil {
			return nil, err
		}
		fn.LastExecutionTimestamp = v.ObservedTime
		fn.NextAllowedTimestamp = v.NextAllowedTimestamp
		fn.IsTriggered = false
		st.functions[v.Function] = fn
		return pay(st, v.VerifyParams, 0), nil
	case chain.FunctionRoutineVerify:
		r, ok := st.routines[v.Routine]
		if !ok {
			return nil, fmt.Errorf("%w: routine %s", chain.ErrNotFound, v.Routine)
		}
		if r.LastExecutionTimestamp >= v.ObservedTime {
			return nil, fmt.Errorf("%w: routine %s", chain.ErrRoundClosed, v.Routine)
		}
		if err := advanceQueue(st, v.VerifyParams); err != nil {
			return nil, err
		}
		r.LastExecutionTimestamp = v.ObservedTime
		r.NextAllowedTimestamp = v.NextAllowedTimestamp
		st.routines[v.Routine] = r
		return pay(st, v.VerifyParams, r.Bounty), nil
	case chain.FunctionRequestVerify:
		r, ok := st.requests[v.Request]
		if !ok {
			return nil, fmt.Errorf("%w: request %s", chain.ErrNotFound, v.Request)
		}
		if r.Status != workload.RequestStatusPending {
			return nil, fmt.Errorf("%w: request %s is %s", chain.ErrRoundClosed, v.Request, r.Status)
		}
		if err := advanceQueue(st, v.VerifyParams); err != nil {
			return nil, err
		}
		r.Status = workload.RequestStatusSuccess
		if v.ErrorCode != result.ErrorCodeSuccess {
			r.Status = workload.RequestStatusFailure
		}
		r.IsTriggered = false
		st.requests[v.Request] = r
		return pay(st, v.VerifyParams, 0), nil
	default:
		return nil, fmt.Errorf("%w: %s", chain.ErrUnsupported, ins.Name())
	}
	return nil, nil
}

func advanceQueue(st *state, p chain.VerifyParams) error {
	q, ok := st.queues[p.Queue]
	if !ok {
		return fmt.Errorf("%w: queue %s", chain.ErrNotFound, p.Queue)
	}
	if _, ok := q.IndexOf(p.Verifier); !ok {
		return fmt.Errorf("%w: verifier %s is not on queue %s", chain.ErrPermanent, p.Verifier, p.Queue)
	}
	q.CurrIdx = (q.CurrIdx + 1) % uint32(len(q.Verifiers)) // #nosec G115
	st.queues[p.Queue] = q
	return nil
}

// pay credits the queue reward and, unless the verification failed for an
// infrastructure reason, the bounty from the escrow.
func pay(st *state, p chain.VerifyParams, bounty uint64) []Payout {
	var ret []Payout
	q := st.queues[p.Queue]
	if q.Reward > 0 && p.RewardReceiver != "" {
		st.balances[p.RewardReceiver] += q.Reward
		ret = append(ret, Payout{From: q.Key, To: p.RewardReceiver, Amount: q.Reward})
	}
	if p.ErrorCode.IsInfra() || bounty == 0 || p.EscrowWallet == "" {
		return ret
	}
	if st.balances[p.EscrowWallet] >= bounty {
		st.balances[p.EscrowWallet] -= bounty
		st.balances[p.RewardReceiver] += bounty
		ret = append(ret, Payout{From: p.EscrowWallet, To: p.RewardReceiver, Amount: bounty})
	}
	return ret
}

func (f *Fake) Confirm(_ context.Context, sig chain.Signature) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure("Confirm"); err != nil {
		return err
	}
	for _, s := range f.submitted {
		if s.Signature == sig {
			return nil
		}
	}
	return fmt.Errorf("%w: signature %s", chain.ErrNotFound, sig)
}

func (f *Fake) Subscribe(ctx context.Context, topic string) (<-chan chain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure("Subscribe"); err != nil {
		return nil, err
	}
	if topic != chain.TopicRequestTriggered {
		return nil, fmt.Errorf("%w: topic %s", chain.ErrUnsupported, topic)
	}
	ch := make(chan chain.Event, 16)
	id := f.nextSub
	f.nextSub++
	f.subs[id] = ch
	out := make(chan chain.Event)
	go func() {
		defer close(out)
		defer func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-ch:
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *Fake) EstimateCost(_ context.Context, tx *chain.Transaction) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure("EstimateCost"); err != nil {
		return 0, err
	}
	var total uint64
	for _, ins := range tx.Instructions {
		call, ok := ins.(chain.UserCall)
		if !ok {
			total += DefaultVerifyCost
			continue
		}
		switch {
		case bytes.HasPrefix(call.Tx.Data, []byte("revert")):
			return 0, fmt.Errorf("%w: user call to %s", chain.ErrSimulationRevert, call.Tx.To)
		case bytes.HasPrefix(call.Tx.Data, []byte("nofunds")):
			return 0, fmt.Errorf("%w: user call to %s", chain.ErrInsufficientFunds, call.Tx.To)
		}
		cost, ok := f.costs[call.Tx.To]
		if !ok {
			cost = DefaultCallCost
		}
		total += cost
	}
	return total, nil
}
