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

// Package step wraps exactly one actor invocation: it resolves the
// operation, starts it under a timeout and turns panics, errors and timeouts
// into outcomes.
package step

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/united-manufacturing-hub/remediation-core/pkg/actor"
	"github.com/united-manufacturing-hub/remediation-core/pkg/ctxutil"
	"github.com/united-manufacturing-hub/remediation-core/pkg/executor"
	"github.com/united-manufacturing-hub/remediation-core/pkg/future"
	"github.com/united-manufacturing-hub/remediation-core/pkg/logger"
	"github.com/united-manufacturing-hub/remediation-core/pkg/outcome"
	"go.uber.org/zap"
)

var (
	ErrNotInitialized = errors.New("step has not been initialized")
	ErrAlreadyRunning = errors.New("step is already running")
	// ErrNilResult is reported when an operation returns neither an outcome
	// nor an error.
	ErrNilResult = errors.New("operation returned no outcome")
)

// TimeoutMessage is the message of a synthesized timeout outcome.
const TimeoutMessage = "operation timed out"

// Kind distinguishes steps that drive the remediation from prerequisite
// steps.
type Kind string

const (
	KindPolicy       Kind = "policy"
	KindPreprocessor Kind = "preprocessor"
)

// Resolver builds operations. *actor.Registry implements it.
type Resolver interface {
	Resolve(params actor.Params) (actor.Operation, error)
}

// Callbacks receive the step's outcomes. Either may be nil.
type Callbacks struct {
	OnStart    func(*outcome.Outcome)
	OnComplete func(*outcome.Outcome)
}

// Step is one actor invocation. It is single-shot: once started it can only
// complete or be canceled.
type Step struct {
	Kind   Kind
	Params actor.Params

	// CanSkip reports whether the step's result is already known. Nil means
	// never.
	CanSkip func() bool

	resolver  Resolver
	exec      executor.Executor
	callbacks Callbacks
	// policyStart is shared between derived steps.
	policyStart *atomic.Pointer[time.Time]

	mu     sync.Mutex
	op     actor.Operation
	fut    *future.Future[*outcome.Outcome]
	cancel context.CancelFunc
	timer  *time.Timer
	logger *zap.SugaredLogger
}

// New creates an uninitialized step.
func New(kind Kind, params actor.Params, resolver Resolver, exec executor.Executor, cbs Callbacks) *Step {
	return &Step{
		Kind:        kind,
		Params:      params,
		resolver:    resolver,
		exec:        exec,
		callbacks:   cbs,
		policyStart: &atomic.Pointer[time.Time]{},
		logger:      logger.ForRequest(logger.ComponentStep, params.RequestID, params.ClosedLoopName).With("actor", params.Actor, "operation", params.Operation),
	}
}

// Derive returns a new step for another actor/operation on the same target.
// Both steps report the same policy start time.
func (s *Step) Derive(actorName, operationName string, cbs Callbacks) *Step {
	d := New(s.Kind, s.Params.Derive(actorName, operationName), s.resolver, s.exec, cbs)
	d.policyStart = s.policyStart

	return d
}

// Retry returns a fresh step for the same actor/operation, sharing the
// policy start time.
func (s *Step) Retry(cbs Callbacks) *Step {
	d := New(s.Kind, s.Params, s.resolver, s.exec, cbs)
	d.policyStart = s.policyStart

	return d
}

// PolicyStart returns the recorded policy start, or the zero time.
func (s *Step) PolicyStart() time.Time {
	if t := s.policyStart.Load(); t != nil {
		return *t
	}

	return time.Time{}
}

func (s *Step) ActorName() string     { return s.Params.Actor }
func (s *Step) OperationName() string { return s.Params.Operation }

// IsInitialized reports whether the operation was resolved.
func (s *Step) IsInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.op != nil
}

// IsRunning reports whether the step was started and has not settled.
func (s *Step) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.fut != nil && !s.fut.IsDone()
}

// Init resolves the operation. Calling it again is a no-op.
func (s *Step) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.op != nil {
		return nil
	}

	op, err := s.resolver.Resolve(s.Params)
	if err != nil {
		return err
	}

	s.op = op

	return nil
}

// Start invokes the operation. The invocation is bounded by the smaller of
// remaining and the step's own timeout.
func (s *Step) Start(remaining time.Duration) error {
	s.mu.Lock()

	if s.op == nil {
		s.mu.Unlock()

		return ErrNotInitialized
	}

	if s.fut != nil {
		s.mu.Unlock()

		return ErrAlreadyRunning
	}

	now := time.Now()
	s.policyStart.CompareAndSwap(nil, &now)

	timeout := ctxutil.Bounded(remaining, s.Params.Timeout)
	ctx, cancel := context.WithCancel(context.Background())
	fut := future.New[*outcome.Outcome]()
	op := s.op

	s.fut = fut
	s.cancel = cancel
	s.mu.Unlock()

	fut.WhenComplete(func(out *outcome.Outcome, err error) {
		cancel()

		if err != nil || out == nil {
			return
		}

		if s.callbacks.OnComplete != nil {
			s.callbacks.OnComplete(out)
		}
	})

	if s.callbacks.OnStart != nil {
		start := s.Params.MakeOutcome()
		start.Start = s.PolicyStart()
		s.callbacks.OnStart(start)
	}

	s.mu.Lock()
	s.timer = time.AfterFunc(timeout, func() { s.onTimeout(fut) })
	s.mu.Unlock()

	s.exec.Go(func() { s.invoke(ctx, op, fut) })

	return nil
}

func (s *Step) invoke(ctx context.Context, op actor.Operation, fut *future.Future[*outcome.Outcome]) {
	out, err := s.call(ctx, op)

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	switch {
	case err != nil && errors.Is(err, context.Canceled):
		fut.Cancel()
	case err != nil:
		s.logger.Warnw("exception starting operation", "error", err)
		fut.Complete(s.exceptionOutcome(err))
	case out == nil:
		fut.Complete(s.exceptionOutcome(ErrNilResult))
	default:
		fut.Complete(out)
	}
}

func (s *Step) call(ctx context.Context, op actor.Operation) (out *outcome.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("operation panicked: %v", r)
		}
	}()

	return op.Start(ctx)
}

func (s *Step) exceptionOutcome(err error) *outcome.Outcome {
	out := s.Params.MakeOutcome()
	out.Start = s.PolicyStart()

	return out.Finish(outcome.FailureException, err.Error())
}

func (s *Step) onTimeout(fut *future.Future[*outcome.Outcome]) {
	out := outcome.New(outcome.TimeoutActor, "", s.Params.TargetEntity, s.PolicyStart())
	out.Finish(outcome.FailureTimeout, TimeoutMessage)

	if fut.Complete(out) {
		s.logger.Warnw("control loop timeout")
	}
}

// Cancel stops a running step. No outcome is reported for a canceled step.
func (s *Step) Cancel() {
	s.mu.Lock()
	fut, timer := s.fut, s.timer
	s.mu.Unlock()

	if fut == nil {
		return
	}

	if timer != nil {
		timer.Stop()
	}

	fut.Cancel()
}

// Future exposes the in-flight result. It is nil before Start.
func (s *Step) Future() *future.Future[*outcome.Outcome] {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.fut
}

func (s *Step) String() string {
	return fmt.Sprintf("Step{actor=%s, operation=%s, kind=%s}", s.Params.Actor, s.Params.Operation, s.Kind)
}
