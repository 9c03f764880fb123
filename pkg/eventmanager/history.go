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

package eventmanager

import (
	"github.com/united-manufacturing-hub/remediation-core/pkg/notification"
	"github.com/united-manufacturing-hub/remediation-core/pkg/outcome"
	"github.com/united-manufacturing-hub/remediation-core/pkg/policy"
)

// ExceptionMessage is the final message of a remediation that ended with
// final_failure_exception.
const ExceptionMessage = "Exception in processing closed loop"

// HistoryEntry is one outcome in the remediation history. The partial and
// full history share entries.
type HistoryEntry struct {
	Attempt int             `json:"attempt"`
	Outcome outcome.Outcome `json:"outcome"`
	Record  outcome.Record  `json:"record"`
}

func (m *Manager) makeEntry(out *outcome.Outcome) *HistoryEntry {
	rec := out.ToRecord()

	if pol, err := m.processor.CurrentPolicy(); err == nil && pol.Target != nil {
		rec.Target = pol.Target.String()
	}

	return &HistoryEntry{Attempt: m.attempts, Outcome: *out.Clone(), Record: rec}
}

// AddToHistory records out. A completion replaces the in-flight start entry
// of the same actor/operation instead of appending.
func (m *Manager) AddToHistory(out *outcome.Outcome) {
	m.mu.Lock()

	if n := len(m.partial); n > 0 {
		last := m.partial[n-1]
		if last.Outcome.InFlight() && last.Outcome.IsFor(out.Actor, out.Operation) {
			m.partial = m.partial[:n-1]

			if k := len(m.full); k > 0 && m.full[k-1] == last {
				m.full = m.full[:k-1]
			}
		}
	}

	entry := m.makeEntry(out)
	m.partial = append(m.partial, entry)
	m.full = append(m.full, entry)
	m.mu.Unlock()

	m.changed()
}

// BeginAttempt starts a new partial history cycle when a retry of the
// current operation begins.
func (m *Manager) BeginAttempt(attempt int) {
	m.mu.Lock()

	if attempt <= m.attempts {
		m.mu.Unlock()

		return
	}

	if m.attempts > 0 {
		m.partial = nil
	}

	m.attempts = attempt
	m.mu.Unlock()

	m.changed()
}

// Attempts is the attempt number of the current operation.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.attempts
}

func records(entries []*HistoryEntry) []outcome.Record {
	out := make([]outcome.Record, len(entries))
	for i, e := range entries {
		out[i] = e.Record
	}

	return out
}

// PartialHistory returns the records of the current policy cycle.
func (m *Manager) PartialHistory() []outcome.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	return records(m.partial)
}

// FullHistory returns every record of the remediation.
func (m *Manager) FullHistory() []outcome.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	return records(m.full)
}

// OperationMessage renders the latest full history entry.
func (m *Manager) OperationMessage() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.full) == 0 {
		return ""
	}

	return m.full[len(m.full)-1].Record.ToMessage()
}

func (m *Manager) populate() *notification.Notification {
	n := notification.FromEvent(m.onset)
	n.ClosedLoopControlName = m.loop.Name
	n.PolicyScope = m.loop.PolicyScope

	if m.loop.PolicyName != "" {
		n.PolicyName = m.loop.PolicyName
	}

	if m.loop.PolicyVersion != "" {
		n.PolicyVersion = m.loop.PolicyVersion
	}

	return n
}

// MakeNotification returns the current OPERATION notification. Its message
// and history describe the current policy cycle; both are empty before the
// first outcome of a cycle and once a final result is known.
func (m *Manager) MakeNotification() *notification.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.populate()

	if m.finalResult != "" || len(m.partial) == 0 {
		return n
	}

	n.Message = m.partial[len(m.partial)-1].Record.ToMessage()
	n.History = records(m.partial)

	return n
}

// MakeRejectedNotification reports that the remediation could not proceed.
func (m *Manager) MakeRejectedNotification(reason string) *notification.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.populate()
	n.Type = notification.TypeRejected
	n.Message = reason

	return n
}

// MakeFinalNotification returns the closing notification with the full
// history.
func (m *Manager) MakeFinalNotification() *notification.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.populate()
	n.History = records(m.full)
	n.Message = m.finalMessage

	switch m.finalResult {
	case policy.FinalSuccess:
		n.Type = notification.TypeFinalSuccess
	case policy.FinalOpenLoop:
		n.Type = notification.TypeFinalOpenLoop
	case policy.FinalFailureException:
		n.Type = notification.TypeFinalFailure
		n.Message = ExceptionMessage
	default:
		n.Type = notification.TypeFinalFailure
	}

	if m.abatement != nil {
		n.AlarmEnd = m.abatement.AlarmEnd
	}

	return n
}
