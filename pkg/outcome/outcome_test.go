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

package outcome_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/remediation-core/pkg/outcome"
)

var _ = Describe("Outcome", func() {
	var start time.Time

	BeforeEach(func() {
		start = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	})

	It("starts in flight and finishes once", func() {
		out := outcome.New("APPC", "Restart", "vserver-1", start)
		Expect(out.InFlight()).To(BeTrue())
		Expect(out.Final).To(BeFalse())

		out.Finish(outcome.Failure, "boom")
		Expect(out.InFlight()).To(BeFalse())
		Expect(out.Final).To(BeTrue())

		end := out.End
		out.SetEnd(end.Add(time.Hour))
		Expect(out.End).To(Equal(end))
	})

	It("matches actor and operation", func() {
		out := outcome.New("APPC", "Restart", "", start)
		Expect(out.IsFor("APPC", "Restart")).To(BeTrue())
		Expect(out.IsFor("APPC", "Rebuild")).To(BeFalse())
	})

	It("clones the response map", func() {
		out := outcome.New("AAI", "CustomQuery", "", start)
		out.Response = map[string]any{"generic-vnf.vnf-id": "vnf-1"}

		c := out.Clone()
		c.Response["generic-vnf.vnf-id"] = "changed"

		Expect(out.Response["generic-vnf.vnf-id"]).To(Equal("vnf-1"))
	})

	Describe("Record", func() {
		It("marks in-flight outcomes as started", func() {
			rec := outcome.New("APPC", "Restart", "vserver-1", start).ToRecord()
			Expect(rec.Outcome).To(Equal(outcome.StartedOutcome))
			Expect(rec.End.IsZero()).To(BeTrue())
		})

		It("renders message and history", func() {
			out := outcome.New("APPC", "Restart", "vserver-1", start)
			out.SubRequestID = "1"
			out.Result = outcome.Success
			out.Message = "done"
			out.End = start.Add(time.Second)

			rec := out.ToRecord()
			Expect(rec.ToMessage()).To(Equal("actor=APPC,operation=Restart,target=vserver-1,subRequestId=1"))
			Expect(rec.ToHistory()).To(Equal("actor=APPC,operation=Restart,target=vserver-1," +
				"start=2025-03-01T10:00:00Z,end=2025-03-01T10:00:01Z,subRequestId=1,outcome=SUCCESS,message=done"))
		})

		It("renders a missing end as null", func() {
			rec := outcome.New("APPC", "Restart", "", start).ToRecord()
			Expect(rec.ToHistory()).To(ContainSubstring(",end=null,"))
		})
	})
})
