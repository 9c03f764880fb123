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

// Package control runs the remediation control loop. It correlates incoming
// events with live remediations and drives every remediation through its
// states on each tick.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/united-manufacturing-hub/remediation-core/pkg/event"
	"github.com/united-manufacturing-hub/remediation-core/pkg/eventmanager"
	"github.com/united-manufacturing-hub/remediation-core/pkg/logger"
	"github.com/united-manufacturing-hub/remediation-core/pkg/metrics"
	"github.com/united-manufacturing-hub/remediation-core/pkg/notification"
	"github.com/united-manufacturing-hub/remediation-core/pkg/policy"
	"github.com/united-manufacturing-hub/remediation-core/pkg/sentry"
	"github.com/united-manufacturing-hub/remediation-core/pkg/starvationchecker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTickerTime          = 100 * time.Millisecond
	DefaultStarvationThreshold = 15 * time.Second
	DefaultMaxConcurrent       = 16
)

// SnapshotStore persists in-flight remediations across restarts.
type SnapshotStore interface {
	Save(snap *eventmanager.Snapshot) error
	Delete(requestID string) error
	List() ([]*eventmanager.Snapshot, error)
}

// Config tunes the loop. Zero values select the defaults.
type Config struct {
	TickerTime          time.Duration
	StarvationThreshold time.Duration
	MaxConcurrent       int
}

// ControlLoop owns every live remediation.
type ControlLoop struct {
	cfg       Config
	services  eventmanager.Services
	policies  *policy.Store
	sinks     []notification.Sink
	snapshots SnapshotStore
	logger    *zap.SugaredLogger

	registry          *registry
	starvationChecker *starvationchecker.StarvationChecker
	wake              chan struct{}
	currentTick       uint64
}

// NewControlLoop creates a loop. snapshots may be nil, in which case
// remediations do not survive a restart.
func NewControlLoop(cfg Config, services eventmanager.Services, policies *policy.Store, snapshots SnapshotStore, sinks ...notification.Sink) *ControlLoop {
	if cfg.TickerTime <= 0 {
		cfg.TickerTime = DefaultTickerTime
	}

	if cfg.StarvationThreshold <= 0 {
		cfg.StarvationThreshold = DefaultStarvationThreshold
	}

	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}

	return &ControlLoop{
		cfg:       cfg,
		services:  services,
		policies:  policies,
		sinks:     sinks,
		snapshots: snapshots,
		logger:    logger.For(logger.ComponentControlLoop),
		registry:  newRegistry(),
		wake:      make(chan struct{}, 1),
	}
}

// Lookup implements eventmanager.Owner.
func (c *ControlLoop) Lookup(requestID string) (*eventmanager.Manager, bool) {
	return c.registry.Lookup(requestID)
}

// Remediations returns the live remediations ordered by request id.
func (c *ControlLoop) Remediations() []*eventmanager.Manager {
	return c.registry.list()
}

// Active is the number of live remediations.
func (c *ControlLoop) Active() int {
	return c.registry.size()
}

// poke wakes the loop before the next tick.
func (c *ControlLoop) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *ControlLoop) watch(m *eventmanager.Manager) {
	m.OnStateChanged(func(*eventmanager.Manager) { c.poke() })
}

func (c *ControlLoop) notify(ctx context.Context, n *notification.Notification) {
	notification.Deliver(ctx, n, c.sinks...)
}

func (c *ControlLoop) reject(ctx context.Context, ev *event.Event, reason string) {
	c.logger.Infow("event rejected", "requestId", ev.RequestID, "closedLoop", ev.ClosedLoopControlName, "reason", reason)
	c.notify(ctx, notification.Rejected(ev, reason))
}

// HandleEvent correlates ev with a live remediation or starts a new one.
func (c *ControlLoop) HandleEvent(ctx context.Context, ev *event.Event) {
	if ev == nil {
		return
	}

	if m, ok := c.registry.Lookup(ev.RequestID); ok && ev.RequestID != "" {
		c.correlate(m, ev)

		return
	}

	if err := eventmanager.CheckEventSyntax(ev); err != nil {
		metrics.RecordEvent(string(eventmanager.SyntaxError))
		c.reject(ctx, ev, err.Error())

		return
	}

	if ev.Status == event.StatusAbated {
		metrics.RecordEvent("UNMATCHED_ABATEMENT")
		c.logger.Debugw("abatement without a remediation", "requestId", ev.RequestID)

		return
	}

	if err := event.CheckEnabled(ev); err != nil {
		metrics.RecordEvent("DISABLED")
		c.reject(ctx, ev, err.Error())

		return
	}

	loop, ok := c.policies.Get(ev.ClosedLoopControlName)
	if !ok {
		metrics.RecordEvent("NO_POLICY")
		c.reject(ctx, ev, fmt.Sprintf("no policy for control loop %s", ev.ClosedLoopControlName))

		return
	}

	m, err := eventmanager.New(c.services, c, loop, ev)
	if err != nil {
		c.reject(ctx, ev, err.Error())

		return
	}

	if cur, added := c.registry.add(m); !added {
		c.correlate(cur, ev)

		return
	}

	c.watch(m)

	if err := m.Start(); err != nil {
		c.registry.remove(m)
		m.Destroy()
		sentry.ReportRemediationError(c.logger, m.RequestID(), m.ClosedLoopName(), "start", err)
		c.notify(ctx, m.MakeRejectedNotification(err.Error()))

		return
	}

	metrics.RecordEvent(string(eventmanager.FirstOnset))
	metrics.SetActiveRemediations(c.registry.size())

	active := m.MakeNotification()
	active.Type = notification.TypeActive
	c.notify(ctx, active)

	c.poke()
}

func (c *ControlLoop) correlate(m *eventmanager.Manager, ev *event.Event) {
	status := m.OnNewEvent(ev)
	metrics.RecordEvent(string(status))

	log := logger.ForRequest(logger.ComponentControlLoop, m.RequestID(), m.ClosedLoopName())

	switch status {
	case eventmanager.SyntaxError:
		log.Warnw("ignoring malformed event for a running remediation", "error", eventmanager.CheckEventSyntax(ev))
	case eventmanager.SubsequentOnset:
		onsets, _ := m.Counts()
		log.Infow("subsequent onset", "onsets", onsets)
	case eventmanager.FirstAbatement, eventmanager.SubsequentAbatement:
		c.poke()
	default:
	}
}

// Execute runs the loop until ctx is done.
func (c *ControlLoop) Execute(ctx context.Context) error {
	c.starvationChecker = starvationchecker.NewStarvationChecker(c.cfg.StarvationThreshold)
	defer c.starvationChecker.Stop()

	ticker := time.NewTicker(c.cfg.TickerTime)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-c.wake:
		}

		c.currentTick++

		start := time.Now()

		timeoutCtx, cancel := context.WithTimeout(ctx, c.cfg.TickerTime*10)
		err := c.Reconcile(timeoutCtx)
		cancel()

		cycleTime := time.Since(start)
		metrics.ObserveReconcileTime(metrics.ComponentControlLoop, "main", cycleTime)
		c.starvationChecker.UpdateLastReconcileTime()

		if cycleTime > c.cfg.TickerTime {
			c.logger.Debugf("Control loop reconcile cycle time is greater than ticker time: %v", cycleTime)
		}

		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				sentry.ReportIssuef(sentry.IssueTypeWarning, c.logger, "Control loop reconcile timed out: %v", err)
			case errors.Is(err, context.Canceled):
				c.logger.Info("Control loop cancelled")

				return nil
			default:
				metrics.IncErrorCountAndLog(metrics.ComponentControlLoop, "main", err, c.logger)
			}
		}
	}
}

// Reconcile drives every live remediation once, in parallel.
func (c *ControlLoop) Reconcile(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxConcurrent)

	for _, m := range c.registry.list() {
		g.Go(func() error {
			c.drive(gctx, m)

			return nil
		})
	}

	err := g.Wait()

	metrics.SetActiveRemediations(c.registry.size())

	if err != nil {
		return err
	}

	return ctx.Err()
}

// Stop snapshots every in-flight remediation and releases its locks. The
// loop must no longer be executing.
func (c *ControlLoop) Stop(ctx context.Context) error {
	var errs []error

	for _, m := range c.registry.list() {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())

			break
		}

		if c.snapshots != nil && m.FinalResult() == "" {
			snap, err := m.Snapshot()
			if err == nil {
				err = c.snapshots.Save(snap)
			}

			if err != nil {
				errs = append(errs, fmt.Errorf("snapshot %s: %w", m.RequestID(), err))
			}
		}

		c.registry.remove(m)
		m.Destroy()
	}

	metrics.SetActiveRemediations(c.registry.size())

	return errors.Join(errs...)
}

// Resume restores the remediations saved by Stop. Snapshots that cannot be
// restored are reported and deleted. It returns the number of resumed
// remediations.
func (c *ControlLoop) Resume(_ context.Context) (int, error) {
	if c.snapshots == nil {
		return 0, nil
	}

	snaps, err := c.snapshots.List()
	if err != nil {
		return 0, fmt.Errorf("list snapshots: %w", err)
	}

	resumed := 0

	for _, snap := range snaps {
		m, err := eventmanager.Restore(snap, c.services)
		if err != nil {
			sentry.ReportRemediationError(c.logger, snap.RequestID, snap.ControlLoop.Name, "restore", err)
			_ = c.snapshots.Delete(snap.RequestID)

			continue
		}

		if _, added := c.registry.add(m); !added {
			c.logger.Warnw("remediation already live, dropping snapshot", "requestId", snap.RequestID)
			_ = c.snapshots.Delete(snap.RequestID)

			continue
		}

		c.watch(m)

		if err := m.Rearm(c); err != nil {
			sentry.ReportRemediationError(c.logger, m.RequestID(), m.ClosedLoopName(), "rearm", err)
			c.fail(m, err)
		}

		_ = c.snapshots.Delete(snap.RequestID)
		resumed++
	}

	metrics.SetActiveRemediations(c.registry.size())
	c.poke()

	return resumed, nil
}
