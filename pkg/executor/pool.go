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

package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/united-manufacturing-hub/remediation-core/pkg/logger"
	"github.com/united-manufacturing-hub/remediation-core/pkg/sentry"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Executor runs tasks asynchronously.
type Executor interface {
	Go(task func())
}

// Pool is the shared worker pool. At most `workers` tasks run at a time;
// further tasks wait for a free slot without blocking the submitter.
type Pool struct {
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.SugaredLogger
}

// NewPool creates a pool with the given concurrency limit.
func NewPool(workers int64) *Pool {
	if workers <= 0 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		sem:    semaphore.NewWeighted(workers),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.For("Executor"),
	}
}

// Go submits task. Tasks submitted after Shutdown are dropped. A panicking
// task is reported and does not take the pool down.
func (p *Pool) Go(task func()) {
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()

		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)

		defer func() {
			if r := recover(); r != nil {
				sentry.ReportIssuef(sentry.IssueTypeError, p.logger, "executor task panicked: %v", r)
			}
		}()

		task()
	}()
}

// Shutdown stops accepting queued tasks and waits for running ones or ctx.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.cancel()

	done := make(chan struct{})

	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executor shutdown: %w", ctx.Err())
	}
}

// Inline runs tasks on the calling goroutine. Used in tests that need
// deterministic ordering.
type Inline struct{}

func (Inline) Go(task func()) { task() }
