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

package event

import (
	"errors"
	"strings"
)

// SyntaxError is returned by CheckSyntax. Its message is the operator-facing
// reason used in REJECTED notifications.
type SyntaxError struct {
	Reason string
}

func (e *SyntaxError) Error() string {
	return e.Reason
}

// ErrDisabled is wrapped by CheckEnabled when the target must not be acted on.
var ErrDisabled = errors.New("closed loop disabled for target")

var validTargets = map[string]struct{}{
	strings.ToLower(VMName):         {},
	strings.ToLower(VNFName):        {},
	strings.ToLower(VserverName):    {},
	strings.ToLower(GenericVNFID):   {},
	strings.ToLower(GenericVNFName): {},
	strings.ToLower(PNFName):        {},
}

var trueValues = map[string]struct{}{"true": {}, "t": {}, "yes": {}, "y": {}}

func syntaxErr(reason string) error {
	return &SyntaxError{Reason: reason}
}

// CheckSyntax validates an event in a fixed order and returns the first
// violation. An abatement passes as soon as its status is valid.
func CheckSyntax(ev *Event) error {
	if ev == nil {
		return syntaxErr("event is null")
	}

	if ev.Status != StatusOnset && ev.Status != StatusAbated {
		return syntaxErr("Invalid value in closedLoopEventStatus")
	}

	if ev.Status == StatusAbated {
		return nil
	}

	if ev.RequestID == "" {
		return syntaxErr("No request ID")
	}

	if strings.TrimSpace(ev.ClosedLoopControlName) == "" {
		return syntaxErr("No control loop name")
	}

	if strings.TrimSpace(ev.Target) == "" {
		return syntaxErr("No target field")
	}

	if _, ok := validTargets[strings.ToLower(ev.Target)]; !ok {
		return syntaxErr("target field invalid")
	}

	return checkEnrichment(ev)
}

func checkEnrichment(ev *Event) error {
	if ev.AAI == nil {
		return syntaxErr("AAI is null")
	}

	if ev.TargetType == "" {
		return syntaxErr("The Target type is null")
	}

	switch ev.TargetType {
	case TargetVM, TargetVNF:
		if ev.AAI[GenericVNFID] == "" && ev.AAI[VserverName] == "" && ev.AAI[GenericVNFName] == "" {
			return syntaxErr("generic-vnf.vnf-id or generic-vnf.vnf-name or vserver.vserver-name information missing")
		}

		return nil
	case TargetPNF:
		if ev.AAI[PNFName] == "" {
			return syntaxErr("AAI PNF object key pnf-name is missing")
		}

		return nil
	default:
		return syntaxErr("The target type is not supported")
	}
}

// CheckEnabled rejects onsets whose target is marked closed-loop-disabled or
// in maintenance, or whose provisioning status is not ACTIVE.
func CheckEnabled(ev *Event) error {
	if isTrue(ev.AAI[VserverClosedLoopDisabled]) || isTrue(ev.AAI[GenericVNFClosedLoopDisabled]) || isTrue(ev.AAI[PNFInMaintenance]) {
		return &disabledError{reason: "is-closed-loop-disabled is set to true on VServer or VNF"}
	}

	for _, key := range []string{VserverProvStatus, GenericVNFProvStat} {
		if v, ok := ev.AAI[key]; ok && v != ProvStatusActive {
			return &disabledError{reason: "prov-status is not ACTIVE on VServer or VNF"}
		}
	}

	return nil
}

type disabledError struct {
	reason string
}

func (e *disabledError) Error() string { return e.reason }

func (e *disabledError) Unwrap() error { return ErrDisabled }

func isTrue(v string) bool {
	_, ok := trueValues[strings.ToLower(v)]

	return ok
}
