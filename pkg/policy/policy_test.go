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

package policy_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/remediation-core/pkg/event"
	"github.com/united-manufacturing-hub/remediation-core/pkg/outcome"
	"github.com/united-manufacturing-hub/remediation-core/pkg/policy"
)

const restartRebuild = `
id: ControlLoop-vFirewall
policyName: vfw
timeout: 1200
trigger: restart
abatement: true
operations:
  - id: restart
    actor: APPC
    operation: Restart
    target:
      targetType: VM
    retries: 2
    timeout: 300
    success: final_success
    failure: rebuild
  - id: rebuild
    actor: APPC
    operation: Rebuild
    target:
      targetType: VM
      entityIds:
        resourceID: r-1
        modelName: m
    retries: 0
    timeout: 300
`

var _ = Describe("ControlLoop", func() {
	It("parses a policy document", func() {
		loop, err := policy.Parse([]byte(restartRebuild))
		Expect(err).NotTo(HaveOccurred())
		Expect(loop.Name).To(Equal("ControlLoop-vFirewall"))
		Expect(loop.Abatement).To(BeTrue())
		Expect(loop.Operations).To(HaveLen(2))

		op, ok := loop.Operation("restart")
		Expect(ok).To(BeTrue())
		Expect(op.Retries).To(Equal(2))
		Expect(op.Target.Type).To(Equal(event.TargetVM))
	})

	It("rejects unknown routing references", func() {
		_, err := policy.Parse([]byte(`
id: cl
timeout: 10
trigger: a
operations:
  - id: a
    actor: APPC
    operation: Restart
    success: b
`))
		Expect(errors.Is(err, policy.ErrInvalidPolicy)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring(`unknown operation "b"`))
	})

	It("rejects duplicate operation ids", func() {
		loop := &policy.ControlLoop{
			Name:    "cl",
			Timeout: 10,
			Trigger: "a",
			Operations: []policy.Operation{
				{ID: "a", Actor: "APPC", Operation: "Restart"},
				{ID: "a", Actor: "APPC", Operation: "Rebuild"},
			},
		}
		Expect(loop.Validate()).To(MatchError(ContainSubstring("duplicate operation id")))
	})

	It("requires a positive timeout", func() {
		loop := &policy.ControlLoop{Name: "cl", Trigger: "final_success"}
		Expect(errors.Is(loop.Validate(), policy.ErrInvalidPolicy)).To(BeTrue())
	})

	It("clones without sharing entity ids", func() {
		loop, err := policy.Parse([]byte(restartRebuild))
		Expect(err).NotTo(HaveOccurred())

		c := loop.Clone()
		c.Operations[1].Target.EntityIDs["resourceID"] = "changed"

		Expect(loop.Operations[1].Target.EntityIDs["resourceID"]).To(Equal("r-1"))
	})
})

var _ = Describe("FinalResult", func() {
	It("recognizes final results case-insensitively", func() {
		Expect(policy.ToFinalResult("FINAL_SUCCESS")).To(Equal(policy.FinalSuccess))
		Expect(policy.ToFinalResult("restart")).To(BeEmpty())
	})

	It("classifies failures", func() {
		Expect(policy.FinalFailureGuard.IsFailure()).To(BeTrue())
		Expect(policy.FinalSuccess.IsFailure()).To(BeFalse())
		Expect(policy.FinalOpenLoop.IsFailure()).To(BeFalse())
	})
})

var _ = Describe("Target", func() {
	It("renders sorted entity ids", func() {
		t := &policy.Target{
			Type:      event.TargetVNF,
			EntityIDs: map[string]string{"b": "2", "a": "1"},
		}
		Expect(t.String()).To(Equal("Target [targetType=VNF, entityIds={a=1, b=2}]"))

		var none *policy.Target
		Expect(none.String()).To(BeEmpty())
	})
})

var _ = Describe("Processor", func() {
	var (
		loop *policy.ControlLoop
		p    *policy.Processor
	)

	BeforeEach(func() {
		var err error
		loop, err = policy.Parse([]byte(restartRebuild))
		Expect(err).NotTo(HaveOccurred())

		p, err = policy.NewProcessor(loop)
		Expect(err).NotTo(HaveOccurred())
	})

	It("starts at the trigger", func() {
		Expect(p.Cursor()).To(Equal("restart"))
		Expect(p.CheckIsCurrentPolicyFinal()).To(BeEmpty())

		op, err := p.CurrentPolicy()
		Expect(err).NotTo(HaveOccurred())
		Expect(op.Operation).To(Equal("Restart"))
	})

	It("follows routing fields", func() {
		Expect(p.NextPolicyForResult(outcome.Failure)).To(Succeed())
		Expect(p.Cursor()).To(Equal("rebuild"))
	})

	It("falls back to the matching final result", func() {
		Expect(p.NextPolicyForResult(outcome.FailureRetries)).To(Succeed())
		Expect(p.CheckIsCurrentPolicyFinal()).To(Equal(policy.FinalFailureRetries))
	})

	It("treats unknown results as guard failures", func() {
		Expect(p.NextPolicyForResult(outcome.Result("WEIRD"))).To(Succeed())
		Expect(p.CheckIsCurrentPolicyFinal()).To(Equal(policy.FinalFailureGuard))
	})

	It("moves to final_failure_exception without a current operation", func() {
		Expect(p.NextPolicyForResult(outcome.Success)).To(Succeed())
		Expect(p.CheckIsCurrentPolicyFinal()).To(Equal(policy.FinalSuccess))

		err := p.NextPolicyForResult(outcome.Success)
		Expect(errors.Is(err, policy.ErrNoCurrent)).To(BeTrue())
		Expect(p.CheckIsCurrentPolicyFinal()).To(Equal(policy.FinalFailureException))
	})

	It("restores a saved cursor", func() {
		r, err := policy.RestoreProcessor(loop, "rebuild")
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Cursor()).To(Equal("rebuild"))
	})

	It("refuses a nil policy", func() {
		_, err := policy.NewProcessor(nil)
		Expect(err).To(MatchError(policy.ErrNoPolicies))
	})
})

var _ = Describe("Store", func() {
	It("hands out private copies", func() {
		loop, err := policy.Parse([]byte(restartRebuild))
		Expect(err).NotTo(HaveOccurred())

		s := policy.NewStore()
		Expect(s.Put(loop)).To(Succeed())
		Expect(s.Names()).To(ConsistOf("ControlLoop-vFirewall"))

		got, ok := s.Get("ControlLoop-vFirewall")
		Expect(ok).To(BeTrue())
		got.Timeout = 1

		again, _ := s.Get("ControlLoop-vFirewall")
		Expect(again.Timeout).To(Equal(1200))

		_, ok = s.Get("missing")
		Expect(ok).To(BeFalse())
	})
})
