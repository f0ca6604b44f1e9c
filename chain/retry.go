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

package chain

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	retryInitialInterval = 100 * time.Millisecond
	retryMaxInterval     = 5 * time.Second
	// a stream that stayed up this long resets the reconnect backoff
	streamHealthyAfter = time.Minute
)

// Retry calls fn until it succeeds, returns a non-transient error, or
// maxElapsed passes.
func Retry[T any](
	ctx context.Context,
	maxElapsed time.Duration,
	fn func(context.Context) (T, error),
) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	b.MaxElapsedTime = maxElapsed
	var ret T
	err := backoff.Retry(
		func() error {
			tmp, err := fn(ctx)
			if err != nil {
				if !IsTransient(err) {
					return backoff.Permanent(err)
				}
				return err
			}
			ret = tmp
			return nil
		},
		backoff.WithContext(b, ctx),
	)
	return ret, err
}

// DialFunc connects a stream and forwards its events to out until the
// stream fails or ctx is done.
type DialFunc func(ctx context.Context, out chan<- Event) error

// ResubscribeLoop keeps a stream connected, reconnecting with exponential
// backoff. The returned channel is closed once ctx is done.
func ResubscribeLoop(
	ctx context.Context,
	logger *slog.Logger,
	topic string,
	dial DialFunc,
) <-chan Event {
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxInterval = 30 * time.Second
		b.MaxElapsedTime = 0
		for {
			started := time.Now()
			err := dial(ctx, out)
			if ctx.Err() != nil {
				return
			}
			if time.Since(started) > streamHealthyAfter {
				b.Reset()
			}
			delay := b.NextBackOff()
			logger.Warn(
				"subscription disconnected, reconnecting",
				"topic", topic,
				"error", err,
				"delay", delay,
			)
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}()
	return out
}
