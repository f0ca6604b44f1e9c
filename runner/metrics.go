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

package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type runnerMetrics struct {
	runs     *prometheus.CounterVec
	timeouts *prometheus.CounterVec
	busy     prometheus.Gauge
	workers  prometheus.Gauge
}

func (r *Runner) initMetrics(promRegistry prometheus.Registerer) {
	promautoFactory := promauto.With(promRegistry)
	r.metrics = &runnerMetrics{
		runs: promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fnmanager_runner_runs_total",
				Help: "ticket runs by workload kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		timeouts: promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fnmanager_function_timeouts_total",
				Help: "container timeouts per function",
			},
			[]string{"fn_key"},
		),
		busy: promautoFactory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fnmanager_runner_busy_workers",
				Help: "workers currently running a ticket",
			},
		),
		workers: promautoFactory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fnmanager_runner_workers",
				Help: "size of the runner pool",
			},
		),
	}
	r.metrics.workers.Set(float64(r.config.Workers))
}
