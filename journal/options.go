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
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultRunTTL           = 7 * 24 * time.Hour
	DefaultGcInterval       = 5 * time.Minute
	DefaultValueLogFileSize = 64 << 20
	DefaultMemTableSize     = 16 << 20
)

type JournalOptionFunc func(*Journal)

// WithLogger specifies the logger object to use for logging messages
func WithLogger(logger *slog.Logger) JournalOptionFunc {
	return func(j *Journal) {
		j.logger = logger
	}
}

// WithPromRegistry specifies the prometheus registry to use for metrics
func WithPromRegistry(registry prometheus.Registerer) JournalOptionFunc {
	return func(j *Journal) {
		j.promRegistry = registry
	}
}

// WithDataDir specifies the data directory to use for storage. An empty
// data dir keeps the journal in memory.
func WithDataDir(dataDir string) JournalOptionFunc {
	return func(j *Journal) {
		j.dataDir = dataDir
	}
}

// WithGc specifies whether garbage collection is enabled
func WithGc(enabled bool) JournalOptionFunc {
	return func(j *Journal) {
		j.gcEnabled = enabled
	}
}

// WithRunTTL specifies how long run records are kept
func WithRunTTL(ttl time.Duration) JournalOptionFunc {
	return func(j *Journal) {
		j.runTTL = ttl
	}
}

// WithValueLogFileSize specifies the badger value log file size
func WithValueLogFileSize(size int64) JournalOptionFunc {
	return func(j *Journal) {
		j.valueLogFileSize = size
	}
}
