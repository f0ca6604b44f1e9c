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

package container

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type managerMetrics struct {
	runs        *prometheus.CounterVec
	runDuration prometheus.Histogram
	pulls       *prometheus.CounterVec
}

func (m *Manager) initMetrics(promRegistry prometheus.Registerer) {
	promautoFactory := promauto.With(promRegistry)
	m.metrics = &managerMetrics{
		runs: promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fnmanager_container_runs_total",
				Help: "function container runs by outcome",
			},
			[]string{"outcome"},
		),
		runDuration: promautoFactory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fnmanager_container_run_duration_seconds",
				Help:    "wall clock duration of function container runs",
				Buckets: []float64{0.5, 1, 2, 5, 10, 15, 20, 30},
			},
		),
		pulls: promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fnmanager_container_image_pulls_total",
				Help: "image pulls by outcome",
			},
			[]string{"outcome"},
		),
	}
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func runOutcome(err error) string {
	var (
		startErr   *ContainerStartError
		attachErr  *AttachError
		timeoutErr *ContainerTimeoutError
		parseErr   *FunctionResultParseError
	)
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &startErr):
		return "start_error"
	case errors.As(err, &attachErr):
		return "attach_error"
	case errors.As(err, &parseErr):
		return "parse_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
