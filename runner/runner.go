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

// Package runner executes dispatched tickets: it runs the function
// container and forwards the signed result to the verifier node.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/switchboard-xyz/function-manager/container"
	"github.com/switchboard-xyz/function-manager/dispatcher"
	"github.com/switchboard-xyz/function-manager/event"
	"github.com/switchboard-xyz/function-manager/result"
)

const (
	DefaultWorkers = 4
	MaxWorkers     = 16
	tracerName     = "github.com/switchboard-xyz/function-manager/runner"
)

var ErrResultMismatch = errors.New("result does not match the dispatched workload")

type ContainerRunner interface {
	Run(ctx context.Context, spec container.RunSpec) (*result.FunctionResult, error)
}

type ResultSubmitter interface {
	Submit(ctx context.Context, res *result.FunctionResult) error
}

// Completer is told the outcome of every ticket.
type Completer interface {
	Complete(t dispatcher.Ticket, success bool)
}

type Config struct {
	Tickets   <-chan dispatcher.Ticket
	Runner    ContainerRunner
	Submitter ResultSubmitter
	Completer Completer
	Identity  Identity
	Workers   int
	// Timeout overrides the container manager default
	Timeout      time.Duration
	Now          func() time.Time
	EventBus     *event.EventBus
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
}

type Runner struct {
	config  Config
	logger  *slog.Logger
	metrics *runnerMetrics
	tracer  trace.Tracer
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// WorkersFor sizes the pool so that concurrent containers fit into the
// node memory budget.
func WorkersFor(nodeMemory, containerMemory int64) int {
	if nodeMemory <= 0 || containerMemory <= 0 {
		return DefaultWorkers
	}
	return int(min(max(nodeMemory/containerMemory, 1), MaxWorkers))
}

func New(cfg Config) (*Runner, error) {
	if cfg.Tickets == nil || cfg.Runner == nil || cfg.Submitter == nil || cfg.Completer == nil {
		return nil, errors.New("runner requires tickets, a container runner, a submitter and a completer")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	cfg.Workers = min(cfg.Workers, MaxWorkers)
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	r := &Runner{
		config: cfg,
		logger: cfg.Logger.With("component", "runner"),
		tracer: otel.Tracer(tracerName),
	}
	if cfg.PromRegistry != nil {
		r.initMetrics(cfg.PromRegistry)
	}
	return r, nil
}

// Start launches the worker pool. Workers exit when ctx is done, Stop is
// called or the ticket channel is closed.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.logger.Info("starting runner pool", "workers", r.config.Workers)
	for range r.config.Workers {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.work(ctx)
		}()
	}
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Runner) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-r.config.Tickets:
			if !ok {
				return
			}
			r.Handle(ctx, t)
		}
	}
}

// Handle runs one ticket to completion and reports the outcome.
func (r *Runner) Handle(ctx context.Context, t dispatcher.Ticket) {
	if r.metrics != nil {
		r.metrics.busy.Inc()
		defer r.metrics.busy.Dec()
	}
	logger := r.logger.With(
		"ticket", t.ID,
		"kind", t.Kind,
		"fn_key", t.Function.Key,
		"req_keys", t.RequestKeys(),
		"img", t.Image,
	)
	ctx, span := r.tracer.Start(ctx, "runner.Handle", trace.WithAttributes(
		attribute.String("fn_key", t.Function.Key.String()),
		attribute.String("key", t.Key.String()),
		attribute.String("kind", t.Kind.String()),
		attribute.String("image", t.Image),
		attribute.Bool("stolen", t.Stolen),
	))
	defer span.End()

	started := r.config.Now()
	res, err := r.run(ctx, t)
	evt := event.RunCompletedEvent{
		TicketID:    t.ID,
		Kind:        t.Kind,
		Key:         t.Key,
		FunctionKey: t.Function.Key,
		Image:       t.Image,
		StartedAt:   started,
		Duration:    r.config.Now().Sub(started),
	}
	if res != nil {
		evt.ErrorCode = res.ErrorCode
	}
	var timeoutErr *container.ContainerTimeoutError
	outcome := "success"
	switch {
	case err == nil:
		evt.Submitted = true
		logger.Info("run completed", "error_code", evt.ErrorCode, "duration", evt.Duration)
	case errors.As(err, &timeoutErr):
		outcome = "timeout"
		evt.Timeout = true
		evt.Error = err.Error()
		if r.metrics != nil {
			r.metrics.timeouts.WithLabelValues(t.Function.Key.String()).Inc()
		}
		logger.Warn("function timed out", "timeout", timeoutErr.Timeout)
	default:
		outcome = "error"
		evt.Error = err.Error()
		logger.Warn("run failed", "error", err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if r.metrics != nil {
		r.metrics.runs.WithLabelValues(t.Kind.String(), outcome).Inc()
	}
	r.config.Completer.Complete(t, err == nil)
	if r.config.EventBus != nil {
		r.config.EventBus.PublishAsync(
			event.RunCompletedEventType,
			event.NewEvent(event.RunCompletedEventType, evt),
		)
	}
}

func (r *Runner) run(ctx context.Context, t dispatcher.Ticket) (*result.FunctionResult, error) {
	res, err := r.config.Runner.Run(ctx, container.RunSpec{
		Image:   t.Image,
		Env:     Env(r.config.Identity, t),
		Timeout: r.config.Timeout,
		LogAttrs: []any{
			"fn_key", t.Function.Key,
			"req_keys", t.RequestKeys(),
			"img", t.Image,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := checkResult(t, res); err != nil {
		return res, err
	}
	if err := r.config.Submitter.Submit(ctx, res); err != nil {
		return res, fmt.Errorf("submit result: %w", err)
	}
	return res, nil
}

func checkResult(t dispatcher.Ticket, res *result.FunctionResult) error {
	if res.FnKey != t.Function.Key.String() {
		return fmt.Errorf("%w: function %s, expected %s", ErrResultMismatch, res.FnKey, t.Function.Key)
	}
	if t.Request != nil && res.FnRequestKey != t.Request.Key.String() {
		return fmt.Errorf("%w: request %q, expected %s", ErrResultMismatch, res.FnRequestKey, t.Request.Key)
	}
	if t.Routine != nil && res.FnRoutineKey != t.Routine.Key.String() {
		return fmt.Errorf("%w: routine %q, expected %s", ErrResultMismatch, res.FnRoutineKey, t.Routine.Key)
	}
	return nil
}
