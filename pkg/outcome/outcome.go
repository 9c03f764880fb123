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

// Package outcome holds the value types shared by every component of the
// remediation pipeline: the Outcome of one attempt and the Record that ends up
// in history and notifications.
package outcome

import (
	"time"

	"github.com/tiendc/go-deepcopy"
)

// Result is the result code of one attempt.
type Result string

const (
	Success          Result = "SUCCESS"
	Failure          Result = "FAILURE"
	FailureRetries   Result = "FAILURE_RETRIES"
	FailureTimeout   Result = "FAILURE_TIMEOUT"
	FailureGuard     Result = "FAILURE_GUARD"
	FailureException Result = "FAILURE_EXCEPTION"
)

// Reserved pseudo-actors.
const (
	// TimeoutActor marks outcomes synthesized when the remediation deadline
	// or a step timeout elapsed.
	TimeoutActor = "-CL-TIMEOUT-"

	LockActor     = "LOCK"
	LockOperation = "Lock"

	GuardActor     = "GUARD"
	GuardOperation = "Decision"
)

const (
	SuccessMessage = "Success"
	FailedMessage  = "Failed"
	StartedOutcome = "Started"
)

// Outcome describes one attempt's result. An Outcome with a zero End is a
// "start" record for an invocation that is still in flight.
type Outcome struct {
	Actor        string         `json:"actor"`
	Operation    string         `json:"operation"`
	Target       string         `json:"target"`
	SubRequestID string         `json:"subRequestId,omitempty"`
	Result       Result         `json:"result"`
	Start        time.Time      `json:"start"`
	End          time.Time      `json:"end"`
	Message      string         `json:"message"`
	Final        bool           `json:"final"`
	Response     map[string]any `json:"response,omitempty"`
}

// New returns a start outcome for actor/operation on target.
func New(actor, operation, target string, start time.Time) *Outcome {
	return &Outcome{
		Actor:     actor,
		Operation: operation,
		Target:    target,
		Result:    Success,
		Start:     start,
	}
}

// IsFor reports whether the outcome belongs to actor/operation.
func (o *Outcome) IsFor(actor, operation string) bool {
	return o.Actor == actor && o.Operation == operation
}

// InFlight reports whether the outcome is a start record.
func (o *Outcome) InFlight() bool {
	return o.End.IsZero()
}

// SetEnd records the end time. It is a no-op once an end time is set.
func (o *Outcome) SetEnd(t time.Time) {
	if o.End.IsZero() {
		o.End = t
	}
}

// MarkFinal flags that no further attempt will follow. Final never reverts.
func (o *Outcome) MarkFinal() {
	o.Final = true
}

// Finish sets result and message, stamps the end time and marks the outcome
// final.
func (o *Outcome) Finish(result Result, message string) *Outcome {
	o.Result = result
	o.Message = message
	o.SetEnd(time.Now())
	o.MarkFinal()

	return o
}

// Clone returns a deep copy, including the actor response.
func (o *Outcome) Clone() *Outcome {
	var c Outcome
	if err := deepcopy.Copy(&c, o); err != nil {
		c = *o
	}

	return &c
}

// ToRecord converts the outcome into a history record. In-flight outcomes get
// the "Started" outcome text.
func (o *Outcome) ToRecord() Record {
	rec := Record{
		Actor:        o.Actor,
		Operation:    o.Operation,
		Target:       o.Target,
		SubRequestID: o.SubRequestID,
		Start:        o.Start,
		End:          o.End,
		Outcome:      string(o.Result),
		Message:      o.Message,
	}

	if o.InFlight() {
		rec.Outcome = StartedOutcome
	}

	return rec
}
