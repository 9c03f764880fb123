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

// Package event defines the fault/recovery signal that triggers a remediation
// and the checks applied to it before a remediation is created.
package event

import (
	"maps"
	"reflect"
	"time"

	"github.com/tiendc/go-deepcopy"
)

// Status is the closed-loop event status.
type Status string

const (
	StatusOnset  Status = "ONSET"
	StatusAbated Status = "ABATED"
)

// TargetType is the kind of resource an event or policy targets.
type TargetType string

const (
	TargetVM       TargetType = "VM"
	TargetVNF      TargetType = "VNF"
	TargetVFModule TargetType = "VFMODULE"
	TargetPNF      TargetType = "PNF"
)

// Enrichment keys used for target resolution.
const (
	VMName             = "VM_NAME"
	VNFName            = "VNF_NAME"
	VserverName        = "vserver.vserver-name"
	GenericVNFID       = "generic-vnf.vnf-id"
	GenericVNFName     = "generic-vnf.vnf-name"
	PNFName            = "pnf.pnf-name"
	VserverProvStatus  = "vserver.prov-status"
	GenericVNFProvStat = "generic-vnf.prov-status"

	VserverClosedLoopDisabled    = "vserver.is-closed-loop-disabled"
	GenericVNFClosedLoopDisabled = "generic-vnf.is-closed-loop-disabled"
	PNFInMaintenance             = "pnf.in-maint"

	ProvStatusActive = "ACTIVE"
)

// Event is one fault or recovery signal. RequestID correlates every event
// that belongs to the same incident.
type Event struct {
	RequestID             string            `json:"requestID" yaml:"requestID"`
	ClosedLoopControlName string            `json:"closedLoopControlName" yaml:"closedLoopControlName"`
	ClosedLoopEventClient string            `json:"closedLoopEventClient,omitempty" yaml:"closedLoopEventClient,omitempty"`
	Status                Status            `json:"closedLoopEventStatus" yaml:"closedLoopEventStatus"`
	TargetType            TargetType        `json:"target_type" yaml:"target_type"`
	Target                string            `json:"target" yaml:"target"`
	AAI                   map[string]string `json:"AAI" yaml:"AAI"`
	Payload               string            `json:"payload,omitempty" yaml:"payload,omitempty"`
	From                  string            `json:"from,omitempty" yaml:"from,omitempty"`
	PolicyName            string            `json:"policyName,omitempty" yaml:"policyName,omitempty"`
	PolicyVersion         string            `json:"policyVersion,omitempty" yaml:"policyVersion,omitempty"`
	Version               string            `json:"version,omitempty" yaml:"version,omitempty"`
	AlarmStart            time.Time         `json:"closedLoopAlarmStart" yaml:"closedLoopAlarmStart"`
	AlarmEnd              time.Time         `json:"closedLoopAlarmEnd,omitempty" yaml:"closedLoopAlarmEnd,omitempty"`
}

// Equal reports whether e and other carry the same content.
func (e *Event) Equal(other *Event) bool {
	if e == nil || other == nil {
		return e == other
	}

	a, b := *e, *other
	if !maps.Equal(a.AAI, b.AAI) {
		return false
	}

	a.AAI, b.AAI = nil, nil

	return reflect.DeepEqual(a, b)
}

// Clone returns a deep copy.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}

	var c Event
	if err := deepcopy.Copy(&c, e); err != nil {
		c = *e
		c.AAI = maps.Clone(e.AAI)
	}

	return &c
}

// Enrichment returns the value of key in the AAI section.
func (e *Event) Enrichment(key string) (string, bool) {
	if e.AAI == nil {
		return "", false
	}

	v, ok := e.AAI[key]

	return v, ok
}
