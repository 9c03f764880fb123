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

package operation

import (
	"context"

	"github.com/united-manufacturing-hub/remediation-core/pkg/metrics"
	"github.com/united-manufacturing-hub/remediation-core/pkg/outcome"
	"github.com/united-manufacturing-hub/remediation-core/pkg/policy"
)

const (
	lockDeniedMessage  = "Operation denied by Lock"
	lockLostMessage    = "Operation aborted by Lock"
	guardDeniedMessage = "Operation denied by Guard"
)

// processOutcome applies the head of the queue and returns the outcome to
// report to the owner. Lock, guard and timeout failures are reported as a
// record of the policy operation. Must be called with mu held.
func (m *Manager) processOutcome() *outcome.Outcome {
	out := m.outcomes[0]
	reported := out
	m.logger.Debugw("process outcome", "outcomeActor", out.Actor, "outcomeOperation", out.Operation, "result", out.Result, "final", out.Final)

	state := State(m.machine.Current())

	switch out.Actor {
	case outcome.TimeoutActor:
		m.fire(EventTimeout)
		reported = m.storeFailure(out, outcome.FailureTimeout, out.Message)

	case outcome.LockActor:
		if state == StateActive {
			m.fire(EventLockDenied)
			reported = m.storeFailure(out, outcome.FailureGuard, lockDeniedMessage)
		} else {
			m.fire(EventLockLost)
			reported = m.storeFailure(out, outcome.Failure, lockLostMessage)
		}

	case outcome.GuardActor:
		switch {
		case out.InFlight():
			if state == StateOperationFailure {
				m.fire(EventRetry)
			}

			m.fire(EventGuardStart)
		case out.Result == outcome.Success:
			m.fire(EventGuardPermit)
		default:
			m.fire(EventGuardDeny)
			reported = m.storeFailure(out, outcome.FailureGuard, guardDeniedMessage)
		}

	default:
		if out.InFlight() {
			m.attempts++
			m.fire(EventOperationStart)
		} else {
			if out.Result == outcome.Success {
				m.fire(EventOperationSuccess)
			} else {
				m.fire(EventOperationFailure)
			}

			// a completion replaces its own start entry
			if n := len(m.history); n > 0 && m.history[n-1].Record.End.IsZero() {
				m.history = m.history[:n-1]
			}
		}

		m.history = append(m.history, m.entry(out))
		m.store()
	}

	if !out.InFlight() {
		metrics.RecordOutcome(out.Actor, out.Operation, string(out.Result))
	}

	return reported
}

func (m *Manager) fire(name string) {
	if err := m.machine.Event(context.Background(), name); err != nil {
		m.logger.Warnw("ignoring invalid transition", "event", name, "state", m.machine.Current(), "error", err)
	}
}

func (m *Manager) entry(out *outcome.Outcome) Entry {
	rec := out.ToRecord()
	rec.Target = m.policy.Target.String()

	return Entry{
		Attempt:  m.attempts,
		Result:   out.Result,
		Record:   rec,
		Response: out.Response,
	}
}

// storeFailure records a lock, guard or timeout failure as an outcome of the
// policy operation. The entry is held back from History until NextStep.
func (m *Manager) storeFailure(out *outcome.Outcome, result outcome.Result, message string) *outcome.Outcome {
	m.holdLast = true

	rec := out.Clone()
	rec.Actor = m.params.Actor
	rec.Operation = m.params.Operation
	rec.Result = result
	rec.Message = message

	rec.MarkFinal()

	m.history = append(m.history, m.entry(rec))
	m.store()

	return rec
}

func (m *Manager) store() {
	dm := m.opCtx.DataManager()
	if dm == nil {
		return
	}

	dm.Store(m.params.RequestID, m.params.ClosedLoopName, m.targetEntity, m.history[len(m.history)-1].Record)
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return State(m.machine.Current())
}

func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.attempts
}

func (m *Manager) TargetEntity() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.targetEntity
}

func (m *Manager) ActorName() string     { return m.params.Actor }
func (m *Manager) OperationName() string { return m.params.Operation }

// Policy returns the operation definition being executed.
func (m *Manager) Policy() *policy.Operation { return m.policy }

// OperationResult is the result of the latest history entry, or
// FAILURE_EXCEPTION when nothing was recorded.
func (m *Manager) OperationResult() outcome.Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.history) == 0 {
		return outcome.FailureException
	}

	return m.history[len(m.history)-1].Result
}

// OperationMessage renders the latest entry as actor=..,operation=.. text.
func (m *Manager) OperationMessage() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.history) == 0 {
		return ""
	}

	return m.history[len(m.history)-1].Record.ToMessage()
}

// OperationHistory renders the latest entry in history format.
func (m *Manager) OperationHistory() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.history) == 0 {
		return ""
	}

	return m.history[len(m.history)-1].Record.ToHistory()
}

// History returns the operation records. A lock or guard failure not yet
// consumed by NextStep is left out.
func (m *Manager) History() []outcome.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.history
	if m.holdLast && len(entries) > 0 {
		entries = entries[:len(entries)-1]
	}

	out := make([]outcome.Record, len(entries))
	for i, e := range entries {
		out[i] = e.Record
	}

	return out
}

// Entries returns a copy of the full entry list.
func (m *Manager) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Entry(nil), m.history...)
}
