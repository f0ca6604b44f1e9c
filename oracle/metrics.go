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

package oracle

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type oracleMetrics struct {
	heartbeats    *prometheus.CounterVec
	lastHeartbeat prometheus.Gauge
}

func (o *Oracle) initMetrics(promRegistry prometheus.Registerer) {
	promautoFactory := promauto.With(promRegistry)
	o.metrics = &oracleMetrics{
		heartbeats: promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fnmanager_heartbeats_total",
				Help: "verifier heartbeats by outcome",
			},
			[]string{"outcome"},
		),
		lastHeartbeat: promautoFactory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fnmanager_last_heartbeat_timestamp_seconds",
				Help: "unix time of the last successful heartbeat",
			},
		),
	}
}

func (m *oracleMetrics) observe(now time.Time, err error) {
	if err != nil {
		m.heartbeats.WithLabelValues("error").Inc()
		return
	}
	m.heartbeats.WithLabelValues("success").Inc()
	m.lastHeartbeat.Set(float64(now.Unix()))
}
