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

// Package journal persists container run outcomes, the local
// last-execution guard and per-function timeout counters in badger, so a
// restarted node does not immediately rerun workloads whose on-chain state
// is still stale.
package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/switchboard-xyz/function-manager/event"
	"github.com/switchboard-xyz/function-manager/workload"
)

const (
	runKeyPrefix      = "run/"
	lastExecKeyPrefix = "lastexec/"
	timeoutKeyPrefix  = "timeout/"
)

// Outcome of a container run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// RunRecord is one journaled container run.
type RunRecord struct {
	_           struct{} `cbor:",toarray"`
	TicketID    string
	Kind        workload.Kind
	Key         workload.Address
	FunctionKey workload.Address
	Image       string
	StartedAt   int64
	EndedAt     int64
	Outcome     Outcome
	ErrorCode   uint8
	Error       string
}

func (r RunRecord) Started() time.Time {
	return time.Unix(0, r.StartedAt)
}

func (r RunRecord) Duration() time.Duration {
	return time.Duration(r.EndedAt - r.StartedAt)
}

// Journal is a badger backed run journal. Without a data dir it is kept in
// memory.
type Journal struct {
	promRegistry     prometheus.Registerer
	db               *badger.DB
	logger           *slog.Logger
	metrics          *journalMetrics
	gcTicker         *time.Ticker
	gcStopCh         chan struct{}
	gcWg             sync.WaitGroup
	dataDir          string
	runTTL           time.Duration
	valueLogFileSize int64
	gcEnabled        bool
	// serializes counter read-modify-write
	counterMu sync.Mutex
}

func New(opts ...JournalOptionFunc) (*Journal, error) {
	j := &Journal{
		gcEnabled:        true,
		runTTL:           DefaultRunTTL,
		valueLogFileSize: DefaultValueLogFileSize,
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.logger == nil {
		j.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	var badgerOpts badger.Options
	if j.dataDir == "" {
		badgerOpts = badger.DefaultOptions("").
			WithInMemory(true)
		// value log GC is not supported in memory
		j.gcEnabled = false
	} else {
		if err := os.MkdirAll(j.dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		badgerOpts = badger.DefaultOptions(filepath.Join(j.dataDir, "journal")).
			WithValueLogFileSize(j.valueLogFileSize).
			WithMemTableSize(DefaultMemTableSize).
			WithCompression(options.Snappy)
	}
	badgerOpts = badgerOpts.
		WithLogger(NewBadgerLogger(j.logger)).
		// The default INFO logging is a bit verbose
		WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	j.db = db
	j.logger = j.logger.With("component", "journal")
	if j.promRegistry != nil {
		j.initMetrics()
	}
	if j.gcEnabled {
		j.gcTicker = time.NewTicker(DefaultGcInterval)
		j.gcStopCh = make(chan struct{})
		j.gcWg.Add(1)
		go j.valueLogGc(j.gcTicker, j.gcStopCh)
	}
	return j, nil
}

func (j *Journal) valueLogGc(t *time.Ticker, stop <-chan struct{}) {
	defer j.gcWg.Done()
	for {
		select {
		case <-t.C:
			for {
				err := j.db.RunValueLogGC(0.5)
				if err == nil {
					// Run it again if it just ran successfully
					continue
				}
				if !errors.Is(err, badger.ErrNoRewrite) {
					j.logger.Warn("value log GC failure", "error", err)
				}
				break
			}
		case <-stop:
			return
		}
	}
}

// Close stops GC and closes the database.
func (j *Journal) Close() error {
	if j.gcTicker != nil {
		j.gcTicker.Stop()
		close(j.gcStopCh)
		j.gcWg.Wait()
		j.gcTicker = nil
	}
	return j.db.Close()
}

// RunKey orders run records by start time.
func RunKey(startedAt int64, ticketID string) []byte {
	key := make([]byte, 0, len(runKeyPrefix)+8+1+len(ticketID))
	key = append(key, runKeyPrefix...)
	key = binary.BigEndian.AppendUint64(key, uint64(startedAt)) // #nosec G115
	key = append(key, '/')
	key = append(key, ticketID...)
	return key
}

// RecordRun appends a run record. Records expire after the run TTL.
func (j *Journal) RecordRun(rec RunRecord) error {
	data, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode run record: %w", err)
	}
	entry := badger.NewEntry(RunKey(rec.StartedAt, rec.TicketID), data)
	if j.runTTL > 0 {
		entry = entry.WithTTL(j.runTTL)
	}
	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
	j.observe(err)
	return err
}

// RecentRuns returns up to limit run records, newest first.
func (j *Journal) RecentRuns(limit int) ([]RunRecord, error) {
	var ret []RunRecord
	err := j.db.View(func(txn *badger.Txn) error {
		prefix := []byte(runKeyPrefix)
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         prefix,
			Reverse:        true,
			PrefetchValues: true,
		})
		defer it.Close()
		// reverse iteration starts from the last key with the prefix
		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(ret) >= limit {
				break
			}
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec RunRecord
			if err := cbor.Unmarshal(val, &rec); err != nil {
				j.logger.Warn("skipping undecodable run record", "error", err)
				continue
			}
			ret = append(ret, rec)
		}
		return nil
	})
	return ret, err
}

// SetLastExecution records the local time of the last successful
// verification of a workload.
func (j *Journal) SetLastExecution(key workload.Address, t time.Time) error {
	val := binary.BigEndian.AppendUint64(nil, uint64(t.Unix())) // #nosec G115
	err := j.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(lastExecKeyPrefix+string(key)), val)
	})
	j.observe(err)
	return err
}

// LastExecutions returns every persisted last-execution time.
func (j *Journal) LastExecutions() (map[workload.Address]time.Time, error) {
	ret := make(map[workload.Address]time.Time)
	err := j.db.View(func(txn *badger.Txn) error {
		prefix := []byte(lastExecKeyPrefix)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if len(val) != 8 {
				continue
			}
			key := workload.Address(item.Key()[len(prefix):])
			ret[key] = time.Unix(int64(binary.BigEndian.Uint64(val)), 0) // #nosec G115
		}
		return nil
	})
	return ret, err
}

// IncrementTimeouts bumps the timeout counter of a function and returns
// the new value.
func (j *Journal) IncrementTimeouts(fn workload.Address) (uint64, error) {
	j.counterMu.Lock()
	defer j.counterMu.Unlock()
	var count uint64
	key := []byte(timeoutKeyPrefix + string(fn))
	err := j.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				if len(val) == 8 {
					count = binary.BigEndian.Uint64(val)
				}
				return nil
			}); err != nil {
				return err
			}
		case errors.Is(err, badger.ErrKeyNotFound):
		default:
			return err
		}
		count++
		return txn.Set(key, binary.BigEndian.AppendUint64(nil, count))
	})
	j.observe(err)
	return count, err
}

// Timeouts returns the timeout counter of a function.
func (j *Journal) Timeouts(fn workload.Address) (uint64, error) {
	var count uint64
	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(timeoutKeyPrefix + string(fn)))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 8 {
				count = binary.BigEndian.Uint64(val)
			}
			return nil
		})
	})
	return count, err
}

// Subscribe journals every run completed on the bus.
func (j *Journal) Subscribe(bus *event.EventBus) event.EventSubscriberId {
	return bus.SubscribeFunc(event.RunCompletedEventType, j.handleRunCompleted)
}

func (j *Journal) handleRunCompleted(evt event.Event) {
	data, ok := evt.Data.(event.RunCompletedEvent)
	if !ok {
		return
	}
	rec := RunRecord{
		TicketID:    data.TicketID,
		Kind:        data.Kind,
		Key:         data.Key,
		FunctionKey: data.FunctionKey,
		Image:       data.Image,
		StartedAt:   data.StartedAt.UnixNano(),
		EndedAt:     data.StartedAt.Add(data.Duration).UnixNano(),
		ErrorCode:   uint8(data.ErrorCode),
		Error:       data.Error,
	}
	switch {
	case data.Timeout:
		rec.Outcome = OutcomeTimeout
	case data.Error != "":
		rec.Outcome = OutcomeFailure
	default:
		rec.Outcome = OutcomeSuccess
	}
	if err := j.RecordRun(rec); err != nil {
		j.logger.Error("failed to record run", "ticket", data.TicketID, "error", err)
	}
	if data.Timeout {
		if _, err := j.IncrementTimeouts(data.FunctionKey); err != nil {
			j.logger.Error("failed to record timeout", "fn_key", data.FunctionKey, "error", err)
		}
	}
	if rec.Outcome == OutcomeSuccess && data.Submitted {
		if err := j.SetLastExecution(data.Key, data.StartedAt); err != nil {
			j.logger.Error("failed to record last execution", "key", data.Key, "error", err)
		}
	}
}
