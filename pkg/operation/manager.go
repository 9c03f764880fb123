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

// Package operation runs one policy operation of a remediation: it acquires
// the target lock, asks the guard, invokes the actor, retries on failure and
// reports every processed outcome to its owner.
package operation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/united-manufacturing-hub/remediation-core/pkg/actor"
	"github.com/united-manufacturing-hub/remediation-core/pkg/backoff"
	"github.com/united-manufacturing-hub/remediation-core/pkg/ctxutil"
	"github.com/united-manufacturing-hub/remediation-core/pkg/event"
	"github.com/united-manufacturing-hub/remediation-core/pkg/executor"
	"github.com/united-manufacturing-hub/remediation-core/pkg/future"
	"github.com/united-manufacturing-hub/remediation-core/pkg/logger"
	"github.com/united-manufacturing-hub/remediation-core/pkg/outcome"
	"github.com/united-manufacturing-hub/remediation-core/pkg/policy"
	"github.com/united-manufacturing-hub/remediation-core/pkg/step"
	"go.uber.org/zap"
)

var (
	ErrAlreadyStarted = errors.New("operation manager already started")
	// ErrInvalidTarget wraps every target resolution failure.
	ErrInvalidTarget = errors.New("invalid target")
)

// TimeoutMessage is recorded when the remediation deadline elapses.
const TimeoutMessage = "Control loop timed out"

// DataManager persists operation records.
type DataManager interface {
	Store(requestID, closedLoopName, targetEntity string, rec outcome.Record)
}

// Context is what an operation manager needs from the remediation owning it.
type Context interface {
	// RequestLock returns the shared lock future for targetEntity. onLost is
	// called when the lock is refused or later lost.
	RequestLock(targetEntity string, onLost func(*outcome.Outcome)) *future.Future[*outcome.Outcome]
	DataManager() DataManager
	// Updated is called after every processed outcome, without any manager
	// lock held.
	Updated(m *Manager, processed *outcome.Outcome)
	Property(name string) (any, bool)
	Event() *event.Event
	Enrichment() map[string]string
}

// Deps are the shared runtime services.
type Deps struct {
	Resolver step.Resolver
	Executor executor.Executor
}

// Entry is one operation history entry.
type Entry struct {
	Attempt  int
	Result   outcome.Result
	Record   outcome.Record
	Response map[string]any
}

// Manager drives the lock, guard and operation pipeline of one policy
// operation.
type Manager struct {
	opCtx  Context
	deps   Deps
	policy *policy.Operation
	params actor.Params
	logger *zap.SugaredLogger

	mu           sync.Mutex
	machine      *fsm.FSM
	started      bool
	closed       bool
	timedOut     bool
	attempts     int
	outcomes     []*outcome.Outcome
	history      []Entry
	holdLast     bool
	targetEntity string
	lockStart    time.Time
	cancelRun    context.CancelFunc
	deadline     *time.Timer
	current      *step.Step
}

// NewManager prepares a manager for pol. base carries the request level
// params (request id, closed loop, event).
func NewManager(opCtx Context, deps Deps, base actor.Params, pol *policy.Operation) *Manager {
	params := base
	params.Actor = pol.Actor
	params.Operation = pol.Operation
	params.Payload = pol.PayloadCopy()
	params.Retries = pol.Retries
	params.Timeout = time.Duration(pol.Timeout) * time.Second
	params.Builder = nil

	if pol.Target != nil {
		params.TargetType = pol.Target.Type
	}

	m := &Manager{
		opCtx:  opCtx,
		deps:   deps,
		policy: pol,
		params: params,
		logger: logger.ForRequest(logger.ComponentOperationManager, params.RequestID, params.ClosedLoopName).
			With("actor", pol.Actor, "operation", pol.Operation),
	}

	m.machine = newMachine(func(_ context.Context, e *fsm.Event) {
		m.logger.Debugw("operation state changed", "from", e.Src, "to", e.Dst, "event", e.Event)
	})

	return m
}

// Start resolves the target and launches the pipeline. The whole pipeline
// must finish within remaining. An unresolvable target fails the operation
// immediately without requesting a lock; the error is returned as well.
func (m *Manager) Start(remaining time.Duration) error {
	m.mu.Lock()

	if m.started {
		m.mu.Unlock()

		return ErrAlreadyStarted
	}

	m.started = true
	m.lockStart = time.Now()
	runCtx, cancel := context.WithTimeout(context.Background(), remaining)
	m.cancelRun = cancel
	m.mu.Unlock()

	target, err := m.detmTarget()
	if err != nil {
		cancel()
		m.logger.Warnw("cannot determine target", "error", err)

		out := m.params.MakeOutcome()
		out.Start = m.lockStart
		m.onComplete(out.Finish(outcome.FailureException, err.Error()))

		return fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}

	m.mu.Lock()
	m.targetEntity = target
	m.params.TargetEntity = target
	m.deadline = time.AfterFunc(remaining, m.onDeadline)
	m.mu.Unlock()

	m.deps.Executor.Go(func() { m.run(runCtx) })

	return nil
}

func (m *Manager) run(ctx context.Context) {
	lockFut := m.opCtx.RequestLock(m.targetEntity, m.lockUnavailable)

	m.mu.Lock()
	m.lockStart = time.Now()
	m.mu.Unlock()

	// refusals arrive through lockUnavailable
	lockOut, err := lockFut.Get(ctx)
	if err != nil || lockOut == nil || lockOut.Result != outcome.Success {
		return
	}

	base := step.New(step.KindPolicy, m.params, m.deps.Resolver, m.deps.Executor, step.Callbacks{OnStart: m.onStart})

	for attempt := 1; ; attempt++ {
		guardStep := base.Derive(outcome.GuardActor, outcome.GuardOperation, step.Callbacks{OnStart: m.onStart})
		guardStep.Params.Payload[actor.PayloadGuardedActor] = m.params.Actor
		guardStep.Params.Payload[actor.PayloadGuardedOperation] = m.params.Operation

		guardOut, _ := m.runStep(ctx, guardStep)
		if guardOut == nil {
			return
		}

		if guardOut.Actor == outcome.TimeoutActor {
			guardOut = outcome.New(outcome.GuardActor, outcome.GuardOperation, m.targetEntity, guardOut.Start).
				Finish(outcome.FailureTimeout, step.TimeoutMessage)
		}

		m.onComplete(guardOut)

		if guardOut.Result != outcome.Success {
			return
		}

		opStep := base
		if attempt > 1 {
			opStep = base.Retry(step.Callbacks{OnStart: m.onStart})
		}

		out, permanent := m.runStep(ctx, opStep)
		if out == nil {
			return
		}

		res := out.Clone()
		res.Actor, res.Operation = m.params.Actor, m.params.Operation

		if out.Actor == outcome.TimeoutActor {
			res.Result, res.Message = outcome.FailureTimeout, step.TimeoutMessage
		}

		retryable := !permanent && (res.Result == outcome.Failure || res.Result == outcome.FailureException)
		if retryable && attempt <= m.params.Retries {
			m.logger.Infow("operation failed, retrying", "attempt", attempt, "result", res.Result, "message", res.Message)

			res.Final = false
			m.onComplete(res)

			continue
		}

		if retryable {
			res.Result = outcome.FailureRetries
		}

		res.MarkFinal()
		m.onComplete(res)

		return
	}
}

// runStep runs s and returns its outcome, or nil when the run was canceled or
// the remediation deadline took over. permanent reports configuration
// failures that must not be retried.
func (m *Manager) runStep(ctx context.Context, s *step.Step) (out *outcome.Outcome, permanent bool) {
	m.mu.Lock()
	if m.closed || ctx.Err() != nil {
		m.mu.Unlock()

		return nil, false
	}

	m.current = s
	m.mu.Unlock()

	exception := func(err error) *outcome.Outcome {
		o := s.Params.MakeOutcome()
		o.Start = s.PolicyStart()
		if o.Start.IsZero() {
			o.Start = time.Now()
		}

		return o.Finish(outcome.FailureException, err.Error())
	}

	if err := s.Init(); err != nil {
		m.logger.Warnw("cannot build step", "step", s.String(), "error", err)

		return exception(err), backoff.IsPermanentError(err)
	}

	var remaining time.Duration
	if dl, ok := ctx.Deadline(); ok {
		remaining = ctxutil.Remaining(dl)
	}

	// a step bounded by the remediation budget times out together with it
	boundByDeadline := ctxutil.Bounded(remaining, s.Params.Timeout) == remaining

	if err := s.Start(remaining); err != nil {
		return exception(err), true
	}

	fut := s.Future()

	select {
	case <-fut.Done():
	case <-ctx.Done():
		s.Cancel()

		return nil, false
	}

	v, err, _ := fut.Peek()
	if err != nil || v == nil {
		return nil, false
	}

	if v.Actor == outcome.TimeoutActor && boundByDeadline {
		m.onDeadline()

		return nil, false
	}

	return v, false
}

func (m *Manager) lockUnavailable(out *outcome.Outcome) {
	m.onComplete(out)
	m.abortRun()
}

func (m *Manager) onDeadline() {
	m.mu.Lock()
	if m.closed || m.timedOut {
		m.mu.Unlock()

		return
	}

	m.timedOut = true
	start, target := m.lockStart, m.targetEntity
	m.mu.Unlock()

	m.logger.Warnw("control loop timeout")

	m.onComplete(outcome.New(outcome.TimeoutActor, "", target, start).Finish(outcome.FailureTimeout, TimeoutMessage))
	m.abortRun()
}

func (m *Manager) abortRun() {
	m.mu.Lock()
	cancel, current := m.cancelRun, m.current
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if current != nil {
		current.Cancel()
	}
}

// Cancel stops the pipeline. It is safe to call at any time, including
// before Start.
func (m *Manager) Cancel() {
	m.mu.Lock()
	if m.deadline != nil {
		m.deadline.Stop()
	}
	m.mu.Unlock()

	m.abortRun()
}

func (m *Manager) onStart(out *outcome.Outcome) {
	if out.IsFor(m.params.Actor, m.params.Operation) || out.Actor == outcome.GuardActor {
		m.addOutcome(out)
	}
}

func (m *Manager) onComplete(out *outcome.Outcome) {
	switch out.Actor {
	case outcome.LockActor, outcome.GuardActor, outcome.TimeoutActor:
		m.addOutcome(out)
	default:
		if out.IsFor(m.params.Actor, m.params.Operation) {
			m.addOutcome(out)
		}
	}
}

// closes reports whether out ends the pipeline once queued.
func (m *Manager) closes(out *outcome.Outcome) bool {
	switch out.Actor {
	case outcome.TimeoutActor, outcome.LockActor:
		return true
	case outcome.GuardActor:
		return !out.InFlight() && out.Result != outcome.Success
	default:
		return out.Final
	}
}

func (m *Manager) addOutcome(out *outcome.Outcome) {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		m.logger.Debugw("dropping late outcome", "outcomeActor", out.Actor, "result", out.Result)

		return
	}

	if m.closes(out) {
		m.closed = true

		if out.Actor != outcome.TimeoutActor && m.deadline != nil {
			m.deadline.Stop()
		}
	}

	m.outcomes = append(m.outcomes, out)

	var processed *outcome.Outcome
	if len(m.outcomes) == 1 {
		processed = m.processOutcome()
	}
	m.mu.Unlock()

	if processed != nil {
		m.opCtx.Updated(m, processed)
	}
}

// NextStep consumes the processed head outcome. It returns false once no
// further outcome is expected for this operation.
func (m *Manager) NextStep() bool {
	m.mu.Lock()

	switch State(m.machine.Current()) {
	case StateLockDenied, StateLockLost, StateGuardDenied, StateControlLoopTimeout:
		m.holdLast = false
		m.mu.Unlock()

		return false
	default:
	}

	if len(m.outcomes) == 0 {
		m.mu.Unlock()

		return true
	}

	head := m.outcomes[0]
	if head.Final && head.IsFor(m.params.Actor, m.params.Operation) {
		m.mu.Unlock()

		return false
	}

	m.outcomes = m.outcomes[1:]

	var processed *outcome.Outcome
	if len(m.outcomes) > 0 {
		processed = m.processOutcome()
	}
	m.mu.Unlock()

	if processed != nil {
		m.opCtx.Updated(m, processed)
	}

	return true
}
