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

package qvn

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type verifierMetrics struct {
	results    *prometheus.CounterVec
	errorCodes *prometheus.CounterVec
}

func (v *Verifier) initMetrics(promRegistry prometheus.Registerer) {
	promautoFactory := promauto.With(promRegistry)
	v.metrics = &verifierMetrics{
		results: promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qvn_results_total",
				Help: "function results processed by outcome",
			},
			[]string{"outcome"},
		),
		errorCodes: promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qvn_submitted_error_codes_total",
				Help: "submitted verifications by error code",
			},
			[]string{"error_code"},
		),
	}
}

func (m *verifierMetrics) observe(outcome *Outcome, err error) {
	var rejected *RejectedError
	switch {
	case err == nil:
		m.results.WithLabelValues("submitted").Inc()
		m.errorCodes.WithLabelValues(outcome.ErrorCode.String()).Inc()
	case errors.As(err, &rejected):
		m.results.WithLabelValues("rejected").Inc()
	default:
		m.results.WithLabelValues("error").Inc()
	}
}

type clientMetrics struct {
	requests *prometheus.CounterVec
}

func (c *Client) initMetrics(promRegistry prometheus.Registerer) {
	promautoFactory := promauto.With(promRegistry)
	c.metrics = &clientMetrics{
		requests: promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fnmanager_qvn_requests_total",
				Help: "result submissions to the verifier node by outcome",
			},
			[]string{"outcome"},
		),
	}
}
