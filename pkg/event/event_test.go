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

package event_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/remediation-core/pkg/event"
)

func onset() *event.Event {
	return &event.Event{
		RequestID:             "req-1",
		ClosedLoopControlName: "ControlLoop-vFirewall",
		Status:                event.StatusOnset,
		TargetType:            event.TargetVNF,
		Target:                event.GenericVNFID,
		AAI:                   map[string]string{event.GenericVNFID: "vnf-1"},
	}
}

var _ = Describe("CheckSyntax", func() {
	It("accepts a well formed onset", func() {
		Expect(event.CheckSyntax(onset())).To(Succeed())
	})

	It("accepts an abatement without further checks", func() {
		Expect(event.CheckSyntax(&event.Event{Status: event.StatusAbated})).To(Succeed())
	})

	DescribeTable("reports the first violation",
		func(mutate func(*event.Event), reason string) {
			ev := onset()
			mutate(ev)

			err := event.CheckSyntax(ev)

			var syn *event.SyntaxError
			Expect(errors.As(err, &syn)).To(BeTrue())
			Expect(syn.Reason).To(Equal(reason))
		},
		Entry("bad status", func(e *event.Event) { e.Status = "" }, "Invalid value in closedLoopEventStatus"),
		Entry("no request id", func(e *event.Event) { e.RequestID = "" }, "No request ID"),
		Entry("no control loop", func(e *event.Event) { e.ClosedLoopControlName = " " }, "No control loop name"),
		Entry("no target", func(e *event.Event) { e.Target = "" }, "No target field"),
		Entry("bad target", func(e *event.Event) { e.Target = "foo" }, "target field invalid"),
		Entry("no AAI", func(e *event.Event) { e.AAI = nil }, "AAI is null"),
		Entry("no target type", func(e *event.Event) { e.TargetType = "" }, "The Target type is null"),
		Entry("missing vnf keys", func(e *event.Event) { e.AAI = map[string]string{} },
			"generic-vnf.vnf-id or generic-vnf.vnf-name or vserver.vserver-name information missing"),
		Entry("missing pnf name", func(e *event.Event) { e.TargetType = event.TargetPNF },
			"AAI PNF object key pnf-name is missing"),
		Entry("unsupported type", func(e *event.Event) { e.TargetType = event.TargetVFModule },
			"The target type is not supported"),
	)

	It("rejects a nil event", func() {
		Expect(event.CheckSyntax(nil)).To(MatchError("event is null"))
	})
})

var _ = Describe("CheckEnabled", func() {
	It("passes active targets", func() {
		ev := onset()
		ev.AAI[event.GenericVNFProvStat] = event.ProvStatusActive
		Expect(event.CheckEnabled(ev)).To(Succeed())
	})

	It("rejects disabled targets", func() {
		ev := onset()
		ev.AAI[event.VserverClosedLoopDisabled] = "TRUE"

		err := event.CheckEnabled(ev)
		Expect(errors.Is(err, event.ErrDisabled)).To(BeTrue())
		Expect(err.Error()).To(Equal("is-closed-loop-disabled is set to true on VServer or VNF"))
	})

	It("rejects targets that are not provisioned", func() {
		ev := onset()
		ev.AAI[event.VserverProvStatus] = "PROV"
		Expect(event.CheckEnabled(ev)).To(MatchError("prov-status is not ACTIVE on VServer or VNF"))
	})
})

var _ = Describe("Event", func() {
	It("clones the enrichment map", func() {
		ev := onset()
		c := ev.Clone()
		c.AAI[event.GenericVNFID] = "other"

		Expect(ev.AAI[event.GenericVNFID]).To(Equal("vnf-1"))
		Expect(ev.Equal(c)).To(BeFalse())
		Expect(ev.Equal(ev.Clone())).To(BeTrue())

		v, ok := ev.Enrichment(event.GenericVNFID)
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal("vnf-1"))
	})
})
