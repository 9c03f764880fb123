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
	"maps"

	"github.com/united-manufacturing-hub/remediation-core/pkg/actor"
	"github.com/united-manufacturing-hub/remediation-core/pkg/event"
	"github.com/united-manufacturing-hub/remediation-core/pkg/operation"
	"github.com/united-manufacturing-hub/remediation-core/pkg/outcome"
	"github.com/united-manufacturing-hub/remediation-core/pkg/step"
)

var _ operation.Context = (*Manager)(nil)

// Updated queues an outcome processed by the current operation manager.
// Outcomes of a superseded operation are dropped.
func (m *Manager) Updated(om *operation.Manager, processed *outcome.Outcome) {
	m.mu.Lock()

	if om != m.current {
		m.mu.Unlock()
		m.logger.Debugw("dropping outcome of a stale operation", "outcomeActor", processed.Actor)

		return
	}

	m.reports = append(m.reports, Report{Operation: om, Step: m.currentStep, Outcome: processed})
	m.mu.Unlock()

	m.changed()
}

func (m *Manager) onPreprocessorComplete(s *step.Step, out *outcome.Outcome) {
	m.mu.Lock()

	if !m.active {
		m.mu.Unlock()

		return
	}

	if out.Result == outcome.Success && s.Params.Actor == actor.CustomQueryActor && s.Params.Operation == actor.CustomQueryOperation {
		m.properties[actor.CustomQueryProperty] = maps.Clone(out.Response)
	}

	m.reports = append(m.reports, Report{Step: s, Outcome: out})
	m.mu.Unlock()

	m.changed()
}

// DataManager returns the history store.
func (m *Manager) DataManager() operation.DataManager {
	return m.svc.DataManager
}

// Property returns a context property.
func (m *Manager) Property(name string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.properties[name]

	return v, ok
}

// Event returns the current onset.
func (m *Manager) Event() *event.Event {
	return m.Onset()
}

// Enrichment returns the onset's enrichment data.
func (m *Manager) Enrichment() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.onset == nil {
		return nil
	}

	return m.onset.AAI
}
