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

// Package starvationchecker warns when the control loop stops reconciling
// remediations.
package starvationchecker

import (
	"context"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/remediation-core/pkg/logger"
	"github.com/united-manufacturing-hub/remediation-core/pkg/metrics"
	"github.com/united-manufacturing-hub/remediation-core/pkg/sentry"
	"go.uber.org/zap"
)

// StarvationChecker tracks the time of the last reconcile and reports when
// it falls behind the threshold.
type StarvationChecker struct {
	lastReconcileTime   time.Time
	ctx                 context.Context //nolint:containedctx // lifetime of the background goroutine
	logger              *zap.SugaredLogger
	cancel              context.CancelFunc
	wg                  sync.WaitGroup
	starvationThreshold time.Duration
	checkInterval       time.Duration
	mutex               sync.RWMutex
	starved             bool
}

// NewStarvationChecker starts the background check. Stop must be called to
// release it.
func NewStarvationChecker(threshold time.Duration) *StarvationChecker {
	ctx, cancel := context.WithCancel(context.Background())

	interval := time.Second
	if threshold < interval {
		interval = threshold / 2
	}

	checker := &StarvationChecker{
		starvationThreshold: threshold,
		checkInterval:       interval,
		lastReconcileTime:   time.Now(),
		logger:              logger.For(logger.ComponentStarvation),
		ctx:                 ctx,
		cancel:              cancel,
	}

	checker.wg.Add(1)

	go checker.checkStarvationLoop()

	checker.logger.Debugf("Starvation checker created with threshold %s", threshold)

	return checker
}

func (s *StarvationChecker) checkStarvationLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.check()
		}
	}
}

func (s *StarvationChecker) check() {
	s.mutex.Lock()
	since := time.Since(s.lastReconcileTime)
	starved := since > s.starvationThreshold
	s.starved = starved
	s.mutex.Unlock()

	if starved {
		metrics.AddStarvationTime(s.checkInterval.Seconds())
		sentry.ReportIssuef(sentry.IssueTypeWarning, s.logger,
			"Control loop starvation detected: %.2f seconds since last reconcile", since.Seconds())
	}
}

func (s *StarvationChecker) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Debug("Starvation checker stopped")
}

// UpdateLastReconcileTime is called by the control loop after every
// reconcile.
func (s *StarvationChecker) UpdateLastReconcileTime() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.lastReconcileTime = time.Now()
	s.starved = false
}

func (s *StarvationChecker) GetLastReconcileTime() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.lastReconcileTime
}

// IsStarved reports the result of the latest check.
func (s *StarvationChecker) IsStarved() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.starved
}
