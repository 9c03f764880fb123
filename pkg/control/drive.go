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

package control

import (
	"context"
	"errors"

	"github.com/united-manufacturing-hub/remediation-core/pkg/eventmanager"
	"github.com/united-manufacturing-hub/remediation-core/pkg/logger"
	"github.com/united-manufacturing-hub/remediation-core/pkg/metrics"
	"github.com/united-manufacturing-hub/remediation-core/pkg/notification"
	"github.com/united-manufacturing-hub/remediation-core/pkg/operation"
	"github.com/united-manufacturing-hub/remediation-core/pkg/outcome"
	"github.com/united-manufacturing-hub/remediation-core/pkg/policy"
	"github.com/united-manufacturing-hub/remediation-core/pkg/sentry"
	"github.com/united-manufacturing-hub/remediation-core/pkg/step"
)

// maxRounds bounds the transitions applied to one remediation per tick.
const maxRounds = 4 * eventmanager.MaxSteps

var errNothingToExecute = errors.New("no step left to execute")

// drive advances m as far as it can without waiting.
func (c *ControlLoop) drive(ctx context.Context, m *eventmanager.Manager) {
	if !m.IsActive() || !m.Started() {
		return
	}

	if m.FinalResult() == "" && m.Remaining() <= 0 {
		_ = m.Abort(eventmanager.StateDone, policy.FinalFailureTimeout, operation.TimeoutMessage)
	}

	for range maxRounds {
		if ctx.Err() != nil {
			return
		}

		if c.finish(ctx, m) {
			return
		}

		progressed, err := c.advance(ctx, m)
		if err != nil {
			sentry.ReportRemediationError(c.logger, m.RequestID(), m.ClosedLoopName(), string(m.State()), err)
			c.fail(m, err)

			continue
		}

		if !progressed {
			return
		}
	}
}

// fail ends m with final_failure_exception.
func (c *ControlLoop) fail(m *eventmanager.Manager, err error) {
	if om := m.CurrentOperation(); om != nil {
		om.Cancel()
	}

	_ = m.Abort(eventmanager.StateDone, policy.FinalFailureException, err.Error())
}

// finish closes m once a final result is known. A successful remediation of a
// control loop that expects an abatement stays open until the abatement
// arrives or the budget runs out.
func (c *ControlLoop) finish(ctx context.Context, m *eventmanager.Manager) bool {
	final := m.FinalResult()
	if final == "" {
		return false
	}

	if final == policy.FinalSuccess && m.ControlLoop().Abatement && m.Abatement() == nil && m.Remaining() > 0 {
		if m.State() != eventmanager.StateDone {
			m.SetState(eventmanager.StateDone)
		}

		return true
	}

	if !c.registry.remove(m) {
		return true
	}

	log := logger.ForRequest(logger.ComponentControlLoop, m.RequestID(), m.ClosedLoopName())
	log.Infow("remediation finished", "finalResult", final, "message", m.FinalMessage())

	c.notify(ctx, m.MakeFinalNotification())
	metrics.RecordFinalResult(m.ClosedLoopName(), string(final))

	m.Destroy()

	if c.snapshots != nil {
		if err := c.snapshots.Delete(m.RequestID()); err != nil {
			log.Debugw("cannot delete snapshot", "error", err)
		}
	}

	metrics.SetActiveRemediations(c.registry.size())

	return true
}

// advance applies one transition. It returns false when m has to wait for an
// outcome.
func (c *ControlLoop) advance(ctx context.Context, m *eventmanager.Manager) (bool, error) {
	switch m.State() {
	case eventmanager.StateLoadPolicy:
		if err := m.LoadPreprocessorSteps(); err != nil {
			return false, err
		}

		m.SetState(eventmanager.StatePolicyLoaded)

		return true, nil

	case eventmanager.StatePolicyLoaded:
		started, err := c.executeHead(m)
		if err != nil || !started {
			return false, err
		}

		m.SetState(eventmanager.StateAwaitingOutcome)

		return true, nil

	case eventmanager.StateAwaitingOutcome:
		r, ok := m.NextReport()
		if !ok {
			return false, nil
		}

		return true, c.handleReport(ctx, m, r)

	default:
		return false, nil
	}
}

// executeHead starts the first step that cannot be skipped.
func (c *ControlLoop) executeHead(m *eventmanager.Manager) (bool, error) {
	for range eventmanager.MaxSteps {
		steps := m.Steps()
		if len(steps) == 0 {
			return false, errNothingToExecute
		}

		head := steps[0]
		if head.Kind == step.KindPreprocessor && head.CanSkip != nil && head.CanSkip() {
			m.NextStep()

			continue
		}

		if head.IsRunning() {
			return false, nil
		}

		return m.ExecuteStep()
	}

	return false, eventmanager.ErrTooManySteps
}

func (c *ControlLoop) handleReport(ctx context.Context, m *eventmanager.Manager, r eventmanager.Report) error {
	if r.Outcome == nil {
		return nil
	}

	if r.Operation == nil {
		return c.handlePreprocessor(m, r.Outcome)
	}

	om := r.Operation
	out := r.Outcome

	if out.IsFor(om.ActorName(), om.OperationName()) {
		if n := om.Attempts(); n > m.Attempts() {
			m.BeginAttempt(n)
		}

		m.AddToHistory(out)

		n := m.MakeNotification()

		switch {
		case out.InFlight():
			n.Type = notification.TypeOperation
		case out.Result == outcome.Success:
			n.Type = notification.TypeOperationSuccess
		default:
			n.Type = notification.TypeOperationFailure
		}

		c.notify(ctx, n)
	}

	if om.NextStep() {
		return nil
	}

	if om.State() == operation.StateControlLoopTimeout {
		return m.Abort(eventmanager.StateDone, policy.FinalFailureTimeout, operation.TimeoutMessage)
	}

	return m.LoadNextPolicy(om.OperationResult())
}

// handlePreprocessor continues with the policy step after a successful
// preprocessor and routes the policy on the preprocessor's result otherwise.
func (c *ControlLoop) handlePreprocessor(m *eventmanager.Manager, out *outcome.Outcome) error {
	if out.InFlight() {
		return nil
	}

	m.NextStep()

	if out.Result == outcome.Success {
		m.SetState(eventmanager.StatePolicyLoaded)

		return nil
	}

	m.AddToHistory(out)

	return m.LoadNextPolicy(out.Result)
}
