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

package event

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type eventMetrics struct {
	subscribers    *prometheus.GaugeVec
	deliveryErrors *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	eventsTotal    *prometheus.CounterVec
}

func (e *EventBus) initMetrics(promRegistry prometheus.Registerer) {
	promautoFactory := promauto.With(promRegistry)
	e.metrics = &eventMetrics{}
	e.metrics.subscribers = promautoFactory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fnmanager_event_subscribers",
			Help: "number of event subscribers by event type and kind",
		},
		[]string{"type", "kind"},
	)
	e.metrics.deliveryErrors = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fnmanager_event_delivery_errors_total",
			Help: "event deliveries that failed and unregistered the subscriber",
		},
		[]string{"type", "kind"},
	)
	e.metrics.dropped = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fnmanager_event_dropped_total",
			Help: "events dropped because a subscriber or the async queue was full",
		},
		[]string{"type"},
	)
	e.metrics.eventsTotal = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fnmanager_events_total",
			Help: "events published by type",
		},
		[]string{"type"},
	)
}
