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

// Package qvn implements the quote verification node: it validates the
// attestation evidence of function results and submits the verify
// transactions that settle them on-chain.
package qvn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/switchboard-xyz/function-manager/chain"
	"github.com/switchboard-xyz/function-manager/event"
	"github.com/switchboard-xyz/function-manager/result"
	"github.com/switchboard-xyz/function-manager/sgx"
	"github.com/switchboard-xyz/function-manager/workload"
)

const (
	defaultExpiration = 60 * time.Second
	fetchTimeout      = 5 * time.Second
	tracerName        = "github.com/switchboard-xyz/function-manager/qvn"
)

type VerifierConfig struct {
	Client chain.Client
	Quotes sgx.Verifier
	// Signers pays for verify submissions
	Signers *SignerPool
	Queue   workload.Address
	// Verifier is this oracle's verifier account
	Verifier workload.Address
	// EnclaveSigner co-signs every verify instruction
	EnclaveSigner  chain.Signer
	RewardReceiver workload.Address
	// GasCap bounds the aggregated cost of the forwarded calls. Zero picks
	// chain.DefaultGasCap for the client's chain.
	GasCap       uint64
	Now          func() time.Time
	EventBus     *event.EventBus
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
}

// Outcome describes a submitted verification.
type Outcome struct {
	Signature chain.Signature
	ErrorCode result.ErrorCode
	// Calls is the number of forwarded user transactions
	Calls int
}

type Verifier struct {
	config  VerifierConfig
	logger  *slog.Logger
	metrics *verifierMetrics
	tracer  trace.Tracer
}

func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if cfg.Client == nil || cfg.Quotes == nil || cfg.Signers == nil || cfg.EnclaveSigner == nil {
		return nil, errors.New("verifier requires a chain client, quote verifier, signer pool and enclave signer")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RewardReceiver == "" {
		cfg.RewardReceiver = cfg.Verifier
	}
	if cfg.GasCap == 0 {
		cfg.GasCap = chain.DefaultGasCap(cfg.Client.Chain())
	}
	v := &Verifier{
		config: cfg,
		logger: cfg.Logger.With("component", "qvn"),
		tracer: otel.Tracer(tracerName),
	}
	if cfg.PromRegistry != nil {
		v.initMetrics(cfg.PromRegistry)
	}
	return v, nil
}

// Process verifies a function result and submits its verify transaction.
// Results that fail attestation checks are rejected with a RejectedError
// and nothing is submitted. Results that pass attestation but fail a
// policy check are submitted with an infrastructure error code.
func (v *Verifier) Process(ctx context.Context, res *result.FunctionResult) (*Outcome, error) {
	ctx, span := v.tracer.Start(ctx, "qvn.Process", trace.WithAttributes(
		attribute.String("fn_key", res.FnKey),
		attribute.String("fn_request_key", res.FnRequestKey),
		attribute.String("fn_routine_key", res.FnRoutineKey),
	))
	defer span.End()
	outcome, err := v.process(ctx, res)
	key := workloadKey(res)
	evt := event.VerificationEvent{
		FunctionKey: workload.Address(res.FnKey),
		Key:         key,
	}
	var rejected *RejectedError
	switch {
	case err == nil:
		evt.ErrorCode = outcome.ErrorCode
		evt.Signature = string(outcome.Signature)
		span.SetAttributes(attribute.Int("error_code", int(outcome.ErrorCode)))
		v.logger.Info(
			"submitted verification",
			"fn_key", res.FnKey,
			"key", key,
			"error_code", outcome.ErrorCode,
			"calls", outcome.Calls,
			"signature", outcome.Signature,
		)
	case errors.As(err, &rejected):
		evt.Rejected = true
		evt.Reason = err.Error()
		span.SetStatus(codes.Error, err.Error())
		v.logger.Warn("rejected result", "fn_key", res.FnKey, "key", key, "error", err)
	default:
		evt.Reason = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		v.logger.Error("verification failed", "fn_key", res.FnKey, "key", key, "error", err)
	}
	if v.metrics != nil {
		v.metrics.observe(outcome, err)
	}
	if v.config.EventBus != nil {
		v.config.EventBus.PublishAsync(
			event.VerificationEventType,
			event.NewEvent(event.VerificationEventType, evt),
		)
	}
	return outcome, err
}

func workloadKey(res *result.FunctionResult) workload.Address {
	switch {
	case res.IsRequest():
		return workload.Address(res.FnRequestKey)
	case res.IsRoutine():
		return workload.Address(res.FnRoutineKey)
	default:
		return workload.Address(res.FnKey)
	}
}

func reject(res *result.FunctionResult, err error) error {
	return &RejectedError{FnKey: res.FnKey, Err: err}
}

func (v *Verifier) process(ctx context.Context, res *result.FunctionResult) (*Outcome, error) {
	now := v.config.Now()
	quote, err := v.config.Quotes.Verify(res.Quote, now)
	if err != nil {
		return nil, reject(res, fmt.Errorf("%w: %w", ErrQuoteInvalid, err))
	}
	reportData := quote.ReportData()
	digest := res.SignerDigest()
	if !bytes.Equal(reportData[:32], digest[:]) {
		return nil, reject(res, ErrQuoteBinding)
	}
	if err := res.VerifySignature(); err != nil {
		return nil, reject(res, fmt.Errorf("%w: %w", ErrSignatureInvalid, err))
	}

	fn, err := fetchAs[*workload.Function](ctx, v.config.Client, workload.Address(res.FnKey))
	if err != nil {
		if errors.Is(err, chain.ErrNotFound) {
			return nil, reject(res, ErrUnknownFunction)
		}
		return nil, err
	}
	queue, err := fetchAs[*workload.AttestationQueue](ctx, v.config.Client, v.config.Queue)
	if err != nil {
		return nil, err
	}

	code := res.ErrorCode
	mrEnclave := quote.MrEnclave()
	if !fn.AllowsEnclave(mrEnclave) || !queue.AllowsEnclave(mrEnclave) {
		code = result.ErrorCodeInvalidEnclaveMeasurement
	}
	params := chain.VerifyParams{
		Verifier:       v.config.Verifier,
		EnclaveSigner:  v.config.EnclaveSigner.Address(),
		Queue:          v.config.Queue,
		QueueAuthority: queue.Authority,
		RewardReceiver: v.config.RewardReceiver,
		EscrowWallet:   fn.EscrowWallet,
		ObservedTime:   now.Unix(),
		MrEnclave:      mrEnclave,
	}
	// a supplied params hash that does not match the on-chain params means
	// the container ran with tampered inputs
	checkParams := func(onChain []byte) {
		expected := workload.ParamsHash(onChain)
		params.ContainerParamsHash = expected
		if !bytes.Equal(res.ParamsHash, expected[:]) && !code.IsInfra() {
			code = result.ErrorCodeParamsHashInvalid
		}
	}
	var build func() chain.Instruction
	switch {
	case res.IsRequest():
		req, err := fetchAs[*workload.Request](ctx, v.config.Client, workload.Address(res.FnRequestKey))
		if err != nil {
			return nil, rejectMissing(res, err)
		}
		checkParams(req.ContainerParams)
		if req.EscrowWallet != "" {
			params.EscrowWallet = req.EscrowWallet
		}
		build = func() chain.Instruction {
			return chain.FunctionRequestVerify{
				Request:      req.Key,
				Function:     fn.Key,
				RequestSlot:  res.RequestSlot,
				VerifyParams: params,
			}
		}
	case res.IsRoutine():
		routine, err := fetchAs[*workload.Routine](ctx, v.config.Client, workload.Address(res.FnRoutineKey))
		if err != nil {
			return nil, rejectMissing(res, err)
		}
		checkParams(routine.ContainerParams)
		if routine.EscrowWallet != "" {
			params.EscrowWallet = routine.EscrowWallet
		}
		params.NextAllowedTimestamp = nextAllowed(routine.Schedule, now)
		build = func() chain.Instruction {
			return chain.FunctionRoutineVerify{
				Routine:      routine.Key,
				Function:     fn.Key,
				VerifyParams: params,
			}
		}
	default:
		params.NextAllowedTimestamp = nextAllowed(fn.Schedule, now)
		build = func() chain.Instruction {
			return chain.FunctionVerify{Function: fn.Key, VerifyParams: params}
		}
	}

	payer, err := v.config.Signers.Next(ctx)
	if err != nil {
		return nil, err
	}
	var calls []chain.Instruction
	if code == result.ErrorCodeSuccess {
		calls, code = v.simulate(ctx, payer, res.ChainResult.Txs)
	}
	params.ErrorCode = code
	expiration := now.Add(defaultExpiration)
	if res.ChainResult.Expiration > 0 {
		expiration = time.Unix(res.ChainResult.Expiration, 0)
	}
	tx := &chain.Transaction{
		Instructions: append([]chain.Instruction{build()}, calls...),
		Payer:        payer,
		Signers:      []chain.Signer{v.config.EnclaveSigner},
		Expiration:   expiration,
		GasCap:       v.config.GasCap,
	}
	sig, err := v.config.Client.SubmitTransaction(ctx, tx, chain.CommitmentProcessed)
	if err != nil {
		if errors.Is(err, chain.ErrRoundClosed) {
			return nil, reject(res, err)
		}
		return nil, fmt.Errorf("submit verify: %w", err)
	}
	return &Outcome{Signature: sig, ErrorCode: code, Calls: len(calls)}, nil
}

func rejectMissing(res *result.FunctionResult, err error) error {
	if errors.Is(err, chain.ErrNotFound) {
		return reject(res, err)
	}
	return err
}

// simulate estimates each requested transaction. The set is forwarded only
// when every transaction simulates cleanly and the total fits the gas cap;
// otherwise no call is forwarded and the first failure's code is returned.
func (v *Verifier) simulate(
	ctx context.Context,
	payer chain.Signer,
	txs []result.Tx,
) ([]chain.Instruction, result.ErrorCode) {
	calls := make([]chain.Instruction, 0, len(txs))
	var total uint64
	for i, tx := range txs {
		call := chain.UserCall{Tx: tx}
		cost, err := v.config.Client.EstimateCost(ctx, &chain.Transaction{
			Instructions: []chain.Instruction{call},
			Payer:        payer,
		})
		if err != nil {
			code := simulationErrorCode(err)
			v.logger.Warn("simulation failed", "tx", i, "to", tx.To, "error_code", code, "error", err)
			return nil, code
		}
		if tx.GasLimit > 0 && cost > tx.GasLimit {
			v.logger.Warn("transaction exceeds its gas limit", "tx", i, "cost", cost, "gas_limit", tx.GasLimit)
			return nil, result.ErrorCodeExcessiveFunctionGas
		}
		total += cost
		if v.config.GasCap > 0 && total > v.config.GasCap {
			v.logger.Warn("transaction set exceeds gas cap", "total", total, "gas_cap", v.config.GasCap)
			return nil, result.ErrorCodeExcessiveTotalGas
		}
		calls = append(calls, call)
	}
	return calls, result.ErrorCodeSuccess
}

func simulationErrorCode(err error) result.ErrorCode {
	switch {
	case errors.Is(err, chain.ErrInsufficientFunds):
		return result.ErrorCodeInsufficientBalance
	case errors.Is(err, chain.ErrSimulationRevert):
		return result.ErrorCodeSimulationFailed
	default:
		return result.ErrorCodeGenericError
	}
}

func nextAllowed(schedule string, now time.Time) int64 {
	next, ok, err := workload.NextAfter(schedule, now)
	if err != nil || !ok {
		return 0
	}
	return next.Unix()
}

func fetchAs[T workload.Account](ctx context.Context, client chain.Client, key workload.Address) (T, error) {
	var zero T
	acct, err := chain.Retry(ctx, fetchTimeout, func(ctx context.Context) (workload.Account, error) {
		return client.FetchAccount(ctx, key)
	})
	if err != nil {
		return zero, err
	}
	ret, ok := acct.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is a %s", chain.ErrDecoding, key, acct.AccountKind())
	}
	return ret, nil
}
