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

package journal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const journalMetricNamePrefix = "fnmanager_journal_"

type journalMetrics struct {
	writes prometheus.Counter
	errors prometheus.Counter
}

func (j *Journal) initMetrics() {
	promautoFactory := promauto.With(j.promRegistry)
	j.metrics = &journalMetrics{
		writes: promautoFactory.NewCounter(prometheus.CounterOpts{
			Name: journalMetricNamePrefix + "writes_total",
			Help: "Total number of journal writes",
		}),
		errors: promautoFactory.NewCounter(prometheus.CounterOpts{
			Name: journalMetricNamePrefix + "write_errors_total",
			Help: "Total number of failed journal writes",
		}),
	}
}

func (j *Journal) observe(err error) {
	if j.metrics == nil {
		return
	}
	j.metrics.writes.Inc()
	if err != nil {
		j.metrics.errors.Inc()
	}
}
