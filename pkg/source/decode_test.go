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

package source_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/remediation-core/pkg/event"
	"github.com/united-manufacturing-hub/remediation-core/pkg/source"
)

var _ = Describe("Decode", func() {
	It("should decode the event wire format", func() {
		ev, err := source.Decode([]byte(`{
			"requestID": "req-1",
			"closedLoopControlName": "ControlLoop-vFirewall",
			"closedLoopEventStatus": "ONSET",
			"target_type": "VNF",
			"target": "generic-vnf.vnf-id",
			"AAI": {"generic-vnf.vnf-id": "vnf-1"},
			"closedLoopAlarmStart": "2025-03-01T10:00:00Z"
		}`))

		Expect(err).NotTo(HaveOccurred())
		Expect(ev.RequestID).To(Equal("req-1"))
		Expect(ev.Status).To(Equal(event.StatusOnset))
		Expect(ev.TargetType).To(Equal(event.TargetVNF))
		Expect(ev.AAI).To(HaveKeyWithValue(event.GenericVNFID, "vnf-1"))
		Expect(ev.AlarmStart.IsZero()).To(BeFalse())
		Expect(event.CheckSyntax(ev)).To(Succeed())
	})

	It("should reject empty and malformed payloads", func() {
		_, err := source.Decode(nil)
		Expect(err).To(MatchError("empty event"))

		_, err = source.Decode([]byte(`{"requestID":`))
		Expect(err).To(MatchError(ContainSubstring("decode event")))
	})

	It("should need brokers and a topic", func() {
		_, err := source.NewKafka(source.KafkaConfig{Topic: "events"})
		Expect(err).To(HaveOccurred())
	})
})
