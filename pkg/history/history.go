// Copyright 2025 UMH Systems GmbH
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

// Package history persists operation records. Writes are queued and flushed
// in batches by a single background writer so a slow database never blocks
// a remediation.
package history

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/united-manufacturing-hub/remediation-core/pkg/backoff"
	"github.com/united-manufacturing-hub/remediation-core/pkg/logger"
	"github.com/united-manufacturing-hub/remediation-core/pkg/metrics"
	"github.com/united-manufacturing-hub/remediation-core/pkg/operation"
	"github.com/united-manufacturing-hub/remediation-core/pkg/outcome"
	"go.uber.org/zap"
)

const (
	// DefaultMaxQueueLength bounds the pending records. The oldest record is
	// discarded when it is exceeded.
	DefaultMaxQueueLength = 10000
	// DefaultBatchSize is the number of records written per transaction.
	DefaultBatchSize = 100
)

var ErrStopped = errors.New("history writer is stopped")

// Record is one row of the operation history table.
type Record struct {
	ClosedLoopName string    `json:"closedLoopName"`
	RequestID      string    `json:"requestId"`
	TargetEntity   string    `json:"targetEntity"`
	Actor          string    `json:"actor"`
	Operation      string    `json:"operation"`
	Target         string    `json:"target"`
	SubRequestID   string    `json:"subRequestId"`
	Message        string    `json:"message"`
	Outcome        string    `json:"outcome"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
}

// NewRecord flattens an operation record.
func NewRecord(requestID, closedLoopName, targetEntity string, rec outcome.Record) Record {
	return Record{
		ClosedLoopName: closedLoopName,
		RequestID:      requestID,
		TargetEntity:   targetEntity,
		Actor:          rec.Actor,
		Operation:      rec.Operation,
		Target:         rec.Target,
		SubRequestID:   rec.SubRequestID,
		Message:        rec.Message,
		Outcome:        rec.Outcome,
		Start:          rec.Start,
		End:            rec.End,
	}
}

// Store is a history backend. Write stores a batch atomically. Transient
// failures should be wrapped with backoff.NewTransientError to be retried.
type Store interface {
	Write(ctx context.Context, batch []Record) error
	Close() error
}

// Config tunes the writer.
type Config struct {
	MaxQueueLength int
	BatchSize      int
	Retry          backoff.RetryConfig
}

func DefaultConfig() Config {
	return Config{
		MaxQueueLength: DefaultMaxQueueLength,
		BatchSize:      DefaultBatchSize,
		Retry:          backoff.DefaultRetryConfig,
	}
}

// Manager queues records and writes them to a Store.
type Manager struct {
	store  Store
	cfg    Config
	logger *zap.SugaredLogger

	mu      sync.Mutex
	queue   []Record
	stopped bool
	wake    chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc

	recordsAdded atomic.Int64
}

var _ operation.DataManager = (*Manager)(nil)

// NewManager starts the background writer.
func NewManager(store Store, cfg Config) *Manager {
	if cfg.MaxQueueLength <= 0 {
		cfg.MaxQueueLength = DefaultMaxQueueLength
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		store:  store,
		cfg:    cfg,
		logger: logger.For(logger.ComponentHistory),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go m.run(ctx)

	return m
}

// Store queues a record. Records arriving after Stop are discarded.
func (m *Manager) Store(requestID, closedLoopName, targetEntity string, rec outcome.Record) {
	r := NewRecord(requestID, closedLoopName, targetEntity, rec)

	m.mu.Lock()

	if m.stopped {
		m.mu.Unlock()
		m.logger.Warnw("history writer is stopped, discarding record",
			"requestId", requestID, "actor", rec.Actor, "operation", rec.Operation)
		metrics.RecordHistoryRecords("dropped", 1)

		return
	}

	m.queue = append(m.queue, r)

	if len(m.queue) > m.cfg.MaxQueueLength {
		discarded := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		m.logger.Warnw("too many records queued for the operation history, discarding oldest",
			"requestId", discarded.RequestID, "actor", discarded.Actor, "operation", discarded.Operation)
		metrics.RecordHistoryRecords("dropped", 1)
	} else {
		m.mu.Unlock()
	}

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// RecordsAdded is the number of records written so far.
func (m *Manager) RecordsAdded() int64 {
	return m.recordsAdded.Load()
}

// Pending is the number of queued records.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.queue)
}

// Stop refuses new records, writes the remaining ones and closes the store.
// When ctx ends first the remaining records are discarded.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	already := m.stopped
	m.stopped = true
	m.mu.Unlock()

	if !already {
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}

	select {
	case <-m.done:
	case <-ctx.Done():
		m.cancel()
		<-m.done
	}

	return m.store.Close()
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	for {
		for {
			batch := m.take()
			if len(batch) == 0 {
				break
			}

			m.write(ctx, batch)
		}

		m.mu.Lock()
		stopped := m.stopped
		m.mu.Unlock()

		if stopped || ctx.Err() != nil {
			return
		}

		select {
		case <-m.wake:
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) take() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := min(len(m.queue), m.cfg.BatchSize)
	if n == 0 {
		return nil
	}

	batch := make([]Record, n)
	copy(batch, m.queue[:n])
	m.queue = m.queue[n:]

	return batch
}

func (m *Manager) write(ctx context.Context, batch []Record) {
	err := backoff.RetryTransient(ctx, m.cfg.Retry, func() error {
		return m.store.Write(ctx, batch)
	})
	if err != nil {
		metrics.IncErrorCountAndLog(metrics.ComponentHistory, "writer", err, m.logger)
		metrics.RecordHistoryRecords("failed", len(batch))

		return
	}

	m.recordsAdded.Add(int64(len(batch)))
	metrics.RecordHistoryRecords("stored", len(batch))
}

// Disabled discards every record. It is used when no history backend is
// configured.
type Disabled struct{}

func (Disabled) Store(string, string, string, outcome.Record) {}
