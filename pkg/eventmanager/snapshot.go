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
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/tiendc/go-deepcopy"
	"github.com/united-manufacturing-hub/remediation-core/pkg/event"
	"github.com/united-manufacturing-hub/remediation-core/pkg/logger"
	"github.com/united-manufacturing-hub/remediation-core/pkg/policy"
)

// SnapshotVersion is the current snapshot layout.
const SnapshotVersion = 1

var ErrSnapshotVersion = errors.New("unsupported snapshot version")

// Snapshot is the persistent state of a remediation. Runtime services,
// locks and the running operation are not part of it.
type Snapshot struct {
	Version       int                `json:"version"`
	RequestID     string             `json:"requestId"`
	ControlLoop   policy.ControlLoop `json:"controlLoop"`
	Onset         *event.Event       `json:"onset"`
	Abatement     *event.Event       `json:"abatement,omitempty"`
	NumOnsets     int                `json:"numOnsets"`
	NumAbatements int                `json:"numAbatements"`
	PolicyCursor  string             `json:"policyCursor"`
	// History holds the full history; the last PartialLen entries are the
	// partial history.
	History      []HistoryEntry     `json:"history"`
	PartialLen   int                `json:"partialLen"`
	Attempts     int                `json:"attempts"`
	FinalResult  policy.FinalResult `json:"finalResult,omitempty"`
	FinalMessage string             `json:"finalMessage,omitempty"`
	State        State              `json:"state"`
	EndTime      time.Time          `json:"endTime"`
	Properties   map[string]any     `json:"properties,omitempty"`
}

// Snapshot returns a deep copy of the persistent state.
func (m *Manager) Snapshot() (*Snapshot, error) {
	m.mu.Lock()

	snap := Snapshot{
		Version:       SnapshotVersion,
		RequestID:     m.requestID,
		ControlLoop:   *m.loop,
		Onset:         m.onset,
		Abatement:     m.abatement,
		NumOnsets:     m.numOnsets,
		NumAbatements: m.numAbatements,
		PolicyCursor:  m.processor.Cursor(),
		PartialLen:    len(m.partial),
		Attempts:      m.attempts,
		FinalResult:   m.finalResult,
		FinalMessage:  m.finalMessage,
		State:         m.state,
		EndTime:       m.endTime,
		Properties:    maps.Clone(m.properties),
	}

	snap.History = make([]HistoryEntry, len(m.full))
	for i, e := range m.full {
		snap.History[i] = *e
	}
	m.mu.Unlock()

	var out Snapshot
	if err := deepcopy.Copy(&out, &snap); err != nil {
		return nil, fmt.Errorf("copy snapshot of %s: %w", snap.RequestID, err)
	}

	return &out, nil
}

// Restore rebuilds a remediation from snap. The result is inactive until
// Rearm is called by the runtime that owns it.
func Restore(snap *Snapshot, svc Services) (*Manager, error) {
	if snap == nil {
		return nil, errors.New("snapshot is nil")
	}

	if snap.Version != SnapshotVersion {
		return nil, fmt.Errorf("%w: %d", ErrSnapshotVersion, snap.Version)
	}

	var s Snapshot
	if err := deepcopy.Copy(&s, snap); err != nil {
		return nil, fmt.Errorf("copy snapshot of %s: %w", snap.RequestID, err)
	}

	loop := s.ControlLoop

	proc, err := policy.RestoreProcessor(&loop, s.PolicyCursor)
	if err != nil {
		return nil, err
	}

	if s.PartialLen > len(s.History) || s.PartialLen < 0 {
		return nil, fmt.Errorf("snapshot of %s: partial history length %d exceeds history", s.RequestID, s.PartialLen)
	}

	m := &Manager{
		svc:           svc,
		requestID:     s.RequestID,
		loop:          proc.ControlLoop(),
		processor:     proc,
		onset:         s.Onset,
		abatement:     s.Abatement,
		numOnsets:     s.NumOnsets,
		numAbatements: s.NumAbatements,
		state:         s.State,
		endTime:       s.EndTime,
		attempts:      s.Attempts,
		finalResult:   s.FinalResult,
		finalMessage:  s.FinalMessage,
		properties:    s.Properties,
		locks:         make(map[string]*lockData),
		started:       true,
	}

	if m.properties == nil {
		m.properties = make(map[string]any)
	}

	m.full = make([]*HistoryEntry, len(s.History))
	for i := range s.History {
		e := s.History[i]
		m.full[i] = &e
	}

	m.partial = append([]*HistoryEntry(nil), m.full[len(m.full)-s.PartialLen:]...)
	m.logger = logger.ForRequest(logger.ComponentEventManager, m.requestID, m.loop.Name)

	return m, nil
}

// Rearm activates a restored remediation under owner and reloads the current
// policy. An in-flight operation is started over.
func (m *Manager) Rearm(owner Owner) error {
	m.mu.Lock()

	if m.active {
		m.mu.Unlock()

		return errors.New("manager is already active")
	}

	m.owner = owner
	m.active = true
	m.steps = nil
	m.current = nil
	m.currentStep = nil
	m.reports = nil

	var err error
	if m.finalResult == "" {
		err = m.loadPolicy()
	} else {
		m.state = StateLoadPolicy
	}
	m.mu.Unlock()

	m.changed()

	return err
}
