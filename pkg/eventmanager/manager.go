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

// Package eventmanager owns one remediation: it correlates the events of a
// request, walks the control loop policy through a bounded step queue, keeps
// the partial and full history and produces notifications.
package eventmanager

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/remediation-core/pkg/actor"
	"github.com/united-manufacturing-hub/remediation-core/pkg/ctxutil"
	"github.com/united-manufacturing-hub/remediation-core/pkg/event"
	"github.com/united-manufacturing-hub/remediation-core/pkg/executor"
	"github.com/united-manufacturing-hub/remediation-core/pkg/lock"
	"github.com/united-manufacturing-hub/remediation-core/pkg/logger"
	"github.com/united-manufacturing-hub/remediation-core/pkg/operation"
	"github.com/united-manufacturing-hub/remediation-core/pkg/outcome"
	"github.com/united-manufacturing-hub/remediation-core/pkg/policy"
	"github.com/united-manufacturing-hub/remediation-core/pkg/step"
	"go.uber.org/zap"
)

// MaxSteps caps the step queue.
const MaxSteps = 30

var (
	ErrTooManySteps   = errors.New("too many steps")
	ErrAlreadyStarted = errors.New("manager already started")
	ErrInactive       = errors.New("manager is no longer active")
	ErrNotOwned       = errors.New("manager is not registered with its owner")
	ErrNilResult      = errors.New("result must not be empty")
	ErrNilState       = errors.New("final state must not be empty")
	ErrNilEvent       = errors.New("onset event must not be nil")
)

// State of a remediation as driven by the control loop.
type State string

const (
	StateLoadPolicy      State = "LOAD_POLICY"
	StatePolicyLoaded    State = "POLICY_LOADED"
	StateAwaitingOutcome State = "AWAITING_OUTCOME"
	StateDone            State = "DONE"
)

// NewEventStatus classifies an event against a running remediation.
type NewEventStatus string

const (
	FirstOnset          NewEventStatus = "FIRST_ONSET"
	SubsequentOnset     NewEventStatus = "SUBSEQUENT_ONSET"
	FirstAbatement      NewEventStatus = "FIRST_ABATEMENT"
	SubsequentAbatement NewEventStatus = "SUBSEQUENT_ABATEMENT"
	SyntaxError         NewEventStatus = "SYNTAX_ERROR"
)

// Services are the runtime collaborators. None of them is part of a
// snapshot.
type Services struct {
	Resolver    step.Resolver
	Executor    executor.Executor
	Locks       lock.Service
	DataManager operation.DataManager
}

// Owner is the in-memory registry that keeps live managers.
type Owner interface {
	Lookup(requestID string) (*Manager, bool)
}

// Report is one outcome waiting for the control loop. Operation is nil for
// preprocessor steps.
type Report struct {
	Operation *operation.Manager
	Step      *step.Step
	Outcome   *outcome.Outcome
}

// Manager is one remediation.
type Manager struct {
	svc    Services
	logger *zap.SugaredLogger

	mu            sync.Mutex
	owner         Owner
	active        bool
	started       bool
	requestID     string
	loop          *policy.ControlLoop
	processor     *policy.Processor
	onset         *event.Event
	abatement     *event.Event
	numOnsets     int
	numAbatements int
	state         State
	endTime       time.Time
	steps         []*step.Step
	current       *operation.Manager
	currentStep   *step.Step
	reports       []Report
	partial       []*HistoryEntry
	full          []*HistoryEntry
	attempts      int
	finalResult   policy.FinalResult
	finalMessage  string
	properties    map[string]any
	locks         map[string]*lockData
	listeners     []func(*Manager)
}

// New creates an active remediation for onset under loop.
func New(svc Services, owner Owner, loop *policy.ControlLoop, onset *event.Event) (*Manager, error) {
	if onset == nil {
		return nil, ErrNilEvent
	}

	if onset.RequestID == "" {
		return nil, errors.New("No request ID")
	}

	proc, err := policy.NewProcessor(loop.Clone())
	if err != nil {
		return nil, err
	}

	m := &Manager{
		svc:        svc,
		owner:      owner,
		active:     true,
		requestID:  onset.RequestID,
		loop:       proc.ControlLoop(),
		processor:  proc,
		onset:      onset.Clone(),
		numOnsets:  1,
		state:      StateLoadPolicy,
		endTime:    time.Now().Add(time.Duration(loop.Timeout) * time.Second),
		properties: make(map[string]any),
		locks:      make(map[string]*lockData),
	}
	m.logger = logger.ForRequest(logger.ComponentEventManager, m.requestID, m.loop.Name)

	return m, nil
}

func (m *Manager) RequestID() string { return m.requestID }

// ClosedLoopName returns the name of the control loop policy.
func (m *Manager) ClosedLoopName() string { return m.loop.Name }

// OnStateChanged subscribes fn to every mutation of the manager. fn runs
// without the manager lock held.
func (m *Manager) OnStateChanged(fn func(*Manager)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, fn)
}

func (m *Manager) changed() {
	m.mu.Lock()
	listeners := append(([]func(*Manager))(nil), m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(m)
	}
}

// CheckEventSyntax validates ev.
func CheckEventSyntax(ev *event.Event) error {
	return event.CheckSyntax(ev)
}

// OnNewEvent classifies an event of the same request.
func (m *Manager) OnNewEvent(ev *event.Event) NewEventStatus {
	if err := event.CheckSyntax(ev); err != nil {
		m.logger.Warnw("new event has a syntax error", "error", err)

		return SyntaxError
	}

	status := m.classify(ev)
	m.changed()

	return status
}

func (m *Manager) classify(ev *event.Event) NewEventStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.Status == event.StatusOnset {
		if ev.Equal(m.onset) {
			return FirstOnset
		}

		m.numOnsets++
		m.onset = ev.Clone()

		return SubsequentOnset
	}

	m.numAbatements++

	if m.abatement == nil {
		m.abatement = ev.Clone()

		return FirstAbatement
	}

	return SubsequentAbatement
}

// Start loads the trigger policy. It may only be called once, on the
// instance registered with its owner.
func (m *Manager) Start() error {
	m.mu.Lock()
	active, owner := m.active, m.owner
	m.mu.Unlock()

	if !active {
		return ErrInactive
	}

	if owner != nil {
		if cur, ok := owner.Lookup(m.requestID); !ok || cur != m {
			return ErrNotOwned
		}
	}

	m.mu.Lock()

	if m.started {
		m.mu.Unlock()

		return ErrAlreadyStarted
	}

	m.started = true
	err := m.loadPolicy()
	m.mu.Unlock()

	m.changed()

	return err
}

// loadPolicy must be called with mu held.
func (m *Manager) loadPolicy() error {
	m.partial = nil
	m.state = StateLoadPolicy

	if final := m.processor.CheckIsCurrentPolicyFinal(); final != "" {
		m.finalResult = final

		return nil
	}

	pol, err := m.processor.CurrentPolicy()
	if err != nil {
		return err
	}

	if len(m.steps) >= MaxSteps {
		return fmt.Errorf("%w: %d", ErrTooManySteps, len(m.steps))
	}

	params := m.baseParams()
	params.Actor = pol.Actor
	params.Operation = pol.Operation
	params.Payload = pol.PayloadCopy()
	params.Retries = pol.Retries
	params.Timeout = time.Duration(pol.Timeout) * time.Second

	if pol.Target != nil {
		params.TargetType = pol.Target.Type
	}

	m.steps = append(m.steps, step.New(step.KindPolicy, params, m.svc.Resolver, m.svc.Executor, step.Callbacks{}))

	return nil
}

func (m *Manager) baseParams() actor.Params {
	return actor.Params{
		RequestID:      m.requestID,
		ClosedLoopName: m.loop.Name,
		Event:          m.onset,
	}
}

// LoadPreprocessorSteps injects an inventory custom query ahead of the
// policy step when the target can only be resolved through it. It is
// idempotent.
func (m *Manager) LoadPreprocessorSteps() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.steps) >= MaxSteps {
		return fmt.Errorf("%w: %d", ErrTooManySteps, len(m.steps))
	}

	if len(m.steps) == 0 || m.steps[0].Kind != step.KindPolicy || !m.needsCustomQuery() {
		return nil
	}

	for _, s := range m.steps {
		if s.Params.Actor == actor.CustomQueryActor && s.Params.Operation == actor.CustomQueryOperation {
			return nil
		}
	}

	var cq *step.Step

	cq = m.steps[0].Derive(actor.CustomQueryActor, actor.CustomQueryOperation, step.Callbacks{
		OnComplete: func(out *outcome.Outcome) { m.onPreprocessorComplete(cq, out) },
	})
	cq.Kind = step.KindPreprocessor
	cq.Params.TargetEntity = ""
	cq.CanSkip = func() bool {
		_, ok := m.Property(actor.CustomQueryProperty)

		return ok
	}

	m.steps = append([]*step.Step{cq}, m.steps...)

	return nil
}

func (m *Manager) needsCustomQuery() bool {
	pol, err := m.processor.CurrentPolicy()
	if err != nil || pol.Target == nil {
		return false
	}

	switch pol.Target.Type {
	case event.TargetVM, event.TargetVNF, event.TargetVFModule:
	default:
		return false
	}

	if strings.ToLower(m.onset.Target) != event.GenericVNFName {
		return false
	}

	if m.onset.AAI[event.GenericVNFID] != "" {
		return false
	}

	_, ok := m.properties[actor.CustomQueryProperty]

	return !ok
}

// Steps returns a copy of the queue.
func (m *Manager) Steps() []*step.Step {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]*step.Step(nil), m.steps...)
}

// ExecuteStep starts the head of the queue. It returns false when the queue
// is empty, the head can be skipped, or it is already running.
func (m *Manager) ExecuteStep() (bool, error) {
	m.mu.Lock()

	if len(m.steps) == 0 {
		m.mu.Unlock()

		return false, nil
	}

	head := m.steps[0]
	remaining := ctxutil.Remaining(m.endTime)

	if head.Kind == step.KindPreprocessor {
		m.mu.Unlock()

		if head.CanSkip != nil && head.CanSkip() {
			return false, nil
		}

		if err := head.Init(); err != nil {
			return false, err
		}

		if err := head.Start(remaining); err != nil {
			if errors.Is(err, step.ErrAlreadyRunning) {
				return false, nil
			}

			return false, err
		}

		return true, nil
	}

	if m.currentStep == head && m.current != nil {
		m.mu.Unlock()

		return false, nil
	}

	pol, err := m.processor.CurrentPolicy()
	if err != nil {
		m.mu.Unlock()

		return false, err
	}

	m.attempts = 0
	om := operation.NewManager(m, operation.Deps{Resolver: m.svc.Resolver, Executor: m.svc.Executor}, m.baseParams(), pol)
	m.current = om
	m.currentStep = head
	m.mu.Unlock()

	if err := om.Start(remaining); err != nil {
		// the failure was queued as an outcome
		m.logger.Warnw("operation could not start", "error", err)
	}

	m.changed()

	return true, nil
}

// NextStep discards the head of the queue.
func (m *Manager) NextStep() {
	m.mu.Lock()

	if len(m.steps) > 0 {
		if m.currentStep == m.steps[0] {
			m.currentStep = nil
		}

		m.steps = m.steps[1:]
	}
	m.mu.Unlock()

	m.changed()
}

// CurrentOperation returns the operation manager of the running policy
// step, if any.
func (m *Manager) CurrentOperation() *operation.Manager {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.current
}

// NextReport pops the oldest outcome waiting for the control loop.
func (m *Manager) NextReport() (Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.reports) == 0 {
		return Report{}, false
	}

	r := m.reports[0]
	m.reports = m.reports[1:]

	return r, true
}

// LoadNextPolicy routes the cursor on lastResult and loads the next policy.
// The step queue is cleared.
func (m *Manager) LoadNextPolicy(lastResult outcome.Result) error {
	if lastResult == "" {
		return ErrNilResult
	}

	m.mu.Lock()

	if err := m.processor.NextPolicyForResult(lastResult); err != nil {
		m.logger.Warnw("cannot determine next policy", "error", err)
	}

	steps := m.steps
	m.steps = nil
	m.current = nil
	m.currentStep = nil
	m.reports = nil
	err := m.loadPolicy()
	m.mu.Unlock()

	for _, s := range steps {
		s.Cancel()
	}

	m.changed()

	return err
}

// Abort forces a final state.
func (m *Manager) Abort(finalState State, result policy.FinalResult, message string) error {
	if finalState == "" {
		return ErrNilState
	}

	m.mu.Lock()
	m.state = finalState
	m.finalResult = result
	m.finalMessage = message
	m.mu.Unlock()

	m.changed()

	return nil
}

// SetState records the control loop's progress.
func (m *Manager) SetState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()

	m.changed()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// FinalResult is empty while the remediation is running.
func (m *Manager) FinalResult() policy.FinalResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.finalResult
}

func (m *Manager) FinalMessage() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.finalMessage
}

// IsActive reports whether the instance was created or re-armed by this
// runtime and not destroyed.
func (m *Manager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.active
}

// Started reports whether Start or Rearm has loaded the first policy.
func (m *Manager) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.started
}

// Counts returns the onset and abatement counters.
func (m *Manager) Counts() (onsets, abatements int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.numOnsets, m.numAbatements
}

// Onset returns the stored onset.
func (m *Manager) Onset() *event.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.onset
}

// Abatement returns the first abatement, if any.
func (m *Manager) Abatement() *event.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.abatement
}

// ControlLoop returns the policy this remediation runs.
func (m *Manager) ControlLoop() *policy.ControlLoop { return m.loop }

// Remaining is the time left in the remediation budget.
func (m *Manager) Remaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	return ctxutil.Remaining(m.endTime)
}

// SetProperty stores a context property such as a custom query result.
func (m *Manager) SetProperty(name string, v any) {
	m.mu.Lock()
	m.properties[name] = v
	m.mu.Unlock()

	m.changed()
}

// Destroy cancels every queued step and the running operation and frees all
// held locks. It is idempotent.
func (m *Manager) Destroy() {
	m.mu.Lock()
	steps := m.steps
	current := m.current
	locks := m.locks
	m.steps = nil
	m.locks = make(map[string]*lockData)
	m.active = false
	m.mu.Unlock()

	for _, s := range steps {
		s.Cancel()
	}

	if current != nil {
		current.Cancel()
	}

	for _, ld := range locks {
		ld.free()
	}
}
