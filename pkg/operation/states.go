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

	"github.com/looplab/fsm"
)

// State of one operation manager.
type State string

const (
	StateActive             State = "ACTIVE"
	StateLockDenied         State = "LOCK_DENIED"
	StateLockLost           State = "LOCK_LOST"
	StateGuardStarted       State = "GUARD_STARTED"
	StateGuardPermitted     State = "GUARD_PERMITTED"
	StateGuardDenied        State = "GUARD_DENIED"
	StateOperationStarted   State = "OPERATION_STARTED"
	StateOperationSuccess   State = "OPERATION_SUCCESS"
	StateOperationFailure   State = "OPERATION_FAILURE"
	StateControlLoopTimeout State = "CONTROL_LOOP_TIMEOUT"
)

// Terminal reports whether no further transition leaves s. OPERATION_FAILURE
// is not terminal while a retry may follow.
func (s State) Terminal() bool {
	switch s {
	case StateLockDenied, StateLockLost, StateGuardDenied, StateOperationSuccess, StateControlLoopTimeout:
		return true
	default:
		return false
	}
}

const (
	EventGuardStart       = "guard_start"
	EventGuardPermit      = "guard_permit"
	EventGuardDeny        = "guard_deny"
	EventOperationStart   = "operation_start"
	EventOperationSuccess = "operation_success"
	EventOperationFailure = "operation_failure"
	EventRetry            = "retry"
	EventLockDenied       = "lock_denied"
	EventLockLost         = "lock_lost"
	EventTimeout          = "timeout"
)

func states(s ...State) []string {
	out := make([]string, len(s))
	for i, st := range s {
		out[i] = string(st)
	}

	return out
}

func newMachine(onEnter func(ctx context.Context, e *fsm.Event)) *fsm.FSM {
	nonTerminal := states(StateActive, StateGuardStarted, StateGuardPermitted, StateOperationStarted, StateOperationFailure)

	return fsm.NewFSM(
		string(StateActive),
		fsm.Events{
			{Name: EventGuardStart, Src: states(StateActive), Dst: string(StateGuardStarted)},
			{Name: EventGuardPermit, Src: states(StateGuardStarted), Dst: string(StateGuardPermitted)},
			// a guard that could not be built never reports a start
			{Name: EventGuardDeny, Src: states(StateActive, StateGuardStarted), Dst: string(StateGuardDenied)},
			{Name: EventOperationStart, Src: states(StateGuardPermitted), Dst: string(StateOperationStarted)},
			{Name: EventOperationSuccess, Src: states(StateOperationStarted), Dst: string(StateOperationSuccess)},
			// ACTIVE: unresolvable target. GUARD_PERMITTED: operation could not be built.
			{Name: EventOperationFailure, Src: states(StateActive, StateGuardPermitted, StateOperationStarted), Dst: string(StateOperationFailure)},
			{Name: EventRetry, Src: states(StateOperationFailure), Dst: string(StateActive)},
			{Name: EventLockDenied, Src: states(StateActive), Dst: string(StateLockDenied)},
			{Name: EventLockLost, Src: states(StateGuardStarted, StateGuardPermitted, StateOperationStarted, StateOperationFailure), Dst: string(StateLockLost)},
			{Name: EventTimeout, Src: nonTerminal, Dst: string(StateControlLoopTimeout)},
		},
		fsm.Callbacks{
			"enter_state": onEnter,
		},
	)
}
