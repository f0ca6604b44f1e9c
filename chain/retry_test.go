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
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestRetryTransient(t *testing.T) {
	var calls atomic.Int32
	ret, err := Retry(
		context.Background(),
		5*time.Second,
		func(context.Context) (int, error) {
			if calls.Add(1) < 3 {
				return 0, Transient(errors.New("connection reset"))
			}
			return 42, nil
		},
	)
	require.NoError(t, err)
	assert.Equal(t, 42, ret)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryPermanentStops(t *testing.T) {
	var calls atomic.Int32
	_, err := Retry(
		context.Background(),
		5*time.Second,
		func(context.Context) (int, error) {
			calls.Add(1)
			return 0, ErrNotFound
		},
	)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), calls.Load())
}

func TestResubscribeLoop(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	var dials atomic.Int32
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	events := ResubscribeLoop(ctx, logger, TopicRequestTriggered, func(ctx context.Context, out chan<- Event) error {
		n := dials.Add(1)
		select {
		case out <- Event{Topic: TopicRequestTriggered, Slot: uint64(n)}:
		case <-ctx.Done():
			return ctx.Err()
		}
		return errors.New("stream closed")
	})
	first := <-events
	second := <-events
	assert.Equal(t, uint64(1), first.Slot)
	assert.Equal(t, uint64(2), second.Slot)
	cancel()
	for range events {
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(Transient(io.ErrUnexpectedEOF)))
	assert.False(t, IsTransient(ErrPermanent))
	assert.NoError(t, Transient(nil))
}
