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

// Package notification holds the operator-facing status object of a
// remediation and the sinks it is delivered to.
package notification

import (
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/united-manufacturing-hub/remediation-core/pkg/event"
	"github.com/united-manufacturing-hub/remediation-core/pkg/outcome"
)

// Type is the notification kind.
type Type string

const (
	TypeActive           Type = "ACTIVE"
	TypeRejected         Type = "REJECTED"
	TypeOperation        Type = "OPERATION"
	TypeOperationSuccess Type = "OPERATION: SUCCESS"
	TypeOperationFailure Type = "OPERATION: FAILURE"
	TypeFinalFailure     Type = "FINAL: FAILURE"
	TypeFinalSuccess     Type = "FINAL: SUCCESS"
	TypeFinalOpenLoop    Type = "FINAL: OPENLOOP"
)

// IsFinal reports whether t closes a remediation.
func (t Type) IsFinal() bool {
	return t == TypeFinalFailure || t == TypeFinalSuccess || t == TypeFinalOpenLoop
}

// From is the sender of every notification.
const From = "policy"

// Notification is a point-in-time status of one remediation.
type Notification struct {
	ClosedLoopControlName string            `json:"closedLoopControlName"`
	Version               string            `json:"version,omitempty"`
	RequestID             string            `json:"requestId"`
	ClosedLoopEventClient string            `json:"closedLoopEventClient,omitempty"`
	TargetType            event.TargetType  `json:"targetType,omitempty"`
	Target                string            `json:"target,omitempty"`
	AAI                   map[string]string `json:"AAI,omitempty"`
	AlarmStart            time.Time         `json:"closedLoopAlarmStart"`
	AlarmEnd              time.Time         `json:"closedLoopAlarmEnd"`
	From                  string            `json:"from"`
	PolicyScope           string            `json:"policyScope,omitempty"`
	PolicyName            string            `json:"policyName,omitempty"`
	PolicyVersion         string            `json:"policyVersion,omitempty"`
	Type                  Type              `json:"notification"`
	Message               string            `json:"message,omitempty"`
	NotificationTime      time.Time         `json:"notificationTime"`
	History               []outcome.Record  `json:"history"`
}

// FromEvent returns an OPERATION notification describing ev.
func FromEvent(ev *event.Event) *Notification {
	n := &Notification{
		From:             From,
		Type:             TypeOperation,
		NotificationTime: time.Now().UTC(),
		History:          []outcome.Record{},
	}

	if ev == nil {
		return n
	}

	n.ClosedLoopControlName = ev.ClosedLoopControlName
	n.Version = ev.Version
	n.RequestID = ev.RequestID
	n.ClosedLoopEventClient = ev.ClosedLoopEventClient
	n.TargetType = ev.TargetType
	n.Target = ev.Target
	n.AAI = maps.Clone(ev.AAI)
	n.AlarmStart = ev.AlarmStart
	n.AlarmEnd = ev.AlarmEnd
	n.PolicyName = ev.PolicyName
	n.PolicyVersion = ev.PolicyVersion

	return n
}

// Rejected builds the REJECTED notification for an event that never became a
// remediation. Events without a request id get a fresh one so the
// notification can still be correlated.
func Rejected(ev *event.Event, reason string) *Notification {
	n := FromEvent(ev)
	n.Type = TypeRejected
	n.Message = reason

	if n.RequestID == "" {
		n.RequestID = uuid.NewString()
	}

	return n
}
