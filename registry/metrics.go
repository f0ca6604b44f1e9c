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

package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type registryMetrics struct {
	workloads     *prometheus.GaugeVec
	refreshErrors *prometheus.CounterVec
	payerBalance  prometheus.Gauge
	slot          prometheus.Gauge
}

func (r *Registry) initMetrics(promRegistry prometheus.Registerer) {
	promautoFactory := promauto.With(promRegistry)
	r.metrics = &registryMetrics{
		workloads: promautoFactory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fnmanager_registry_workloads",
				Help: "cached workloads by kind",
			},
			[]string{"kind"},
		),
		refreshErrors: promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fnmanager_registry_refresh_errors_total",
				Help: "failed workload fetches by kind",
			},
			[]string{"kind"},
		),
		payerBalance: promautoFactory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fnmanager_payer_balance",
				Help: "last polled payer balance in base units",
			},
		),
		slot: promautoFactory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fnmanager_chain_slot",
				Help: "last polled slot at processed commitment",
			},
		),
	}
}
