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

package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type dispatcherMetrics struct {
	tickets    *prometheus.CounterVec
	dropped    prometheus.Counter
	processing prometheus.Gauge
	backingOff prometheus.Gauge
	stalls     prometheus.Counter
}

func (d *Dispatcher) initMetrics(promRegistry prometheus.Registerer) {
	promautoFactory := promauto.With(promRegistry)
	d.metrics = &dispatcherMetrics{
		tickets: promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fnmanager_dispatcher_tickets_total",
				Help: "run tickets emitted by workload kind and role",
			},
			[]string{"kind", "role"},
		),
		dropped: promautoFactory.NewCounter(
			prometheus.CounterOpts{
				Name: "fnmanager_dispatcher_tickets_deferred_total",
				Help: "tickets deferred because the run queue was full",
			},
		),
		processing: promautoFactory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fnmanager_dispatcher_in_flight",
				Help: "workloads with a run in flight",
			},
		),
		backingOff: promautoFactory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fnmanager_dispatcher_backoff_entries",
				Help: "workloads with a failure backoff entry",
			},
		),
		stalls: promautoFactory.NewCounter(
			prometheus.CounterOpts{
				Name: "fnmanager_dispatcher_stalls_total",
				Help: "stall detections",
			},
		),
	}
}
