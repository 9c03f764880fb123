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

package guard_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/remediation-core/pkg/actor"
	"github.com/united-manufacturing-hub/remediation-core/pkg/actor/guard"
	"github.com/united-manufacturing-hub/remediation-core/pkg/outcome"
)

func guardParams(target string) actor.Params {
	base := actor.Params{
		RequestID:      "req-1",
		ClosedLoopName: "ControlLoop-vFirewall",
		Actor:          "APPC",
		Operation:      "Restart",
		TargetEntity:   target,
	}

	p := base.Derive(outcome.GuardActor, outcome.GuardOperation)
	p.Payload[actor.PayloadGuardedActor] = "APPC"
	p.Payload[actor.PayloadGuardedOperation] = "Restart"

	return p
}

var _ = Describe("Guard", func() {
	It("should permit by default", func() {
		g := guard.New(guard.Config{})

		out := g.Decide(context.Background(), guardParams("vm-1"))
		Expect(out.Result).To(Equal(outcome.Success))
		Expect(out.Message).To(Equal(guard.PermitMessage))
		Expect(out.Final).To(BeTrue())
		Expect(out.IsFor(outcome.GuardActor, outcome.GuardOperation)).To(BeTrue())
	})

	It("should deny targets on the deny list", func() {
		g := guard.New(guard.Config{DenyTargets: []string{"vm-2"}})

		out := g.Decide(context.Background(), guardParams("vm-2"))
		Expect(out.Result).To(Equal(outcome.Failure))
		Expect(out.Message).To(Equal("Deny: target is on the deny list"))
	})

	It("should deny once the frequency limit is reached", func() {
		g := guard.New(guard.Config{MaxPerWindow: 2, Window: time.Hour})

		Expect(g.Decide(context.Background(), guardParams("vm-1")).Result).To(Equal(outcome.Success))
		Expect(g.Decide(context.Background(), guardParams("vm-1")).Result).To(Equal(outcome.Success))

		out := g.Decide(context.Background(), guardParams("vm-1"))
		Expect(out.Result).To(Equal(outcome.Failure))
		Expect(out.Message).To(Equal("Deny: frequency limit exceeded"))

		// other targets have their own budget
		Expect(g.Decide(context.Background(), guardParams("vm-3")).Result).To(Equal(outcome.Success))
	})

	It("should deny when the context is already done", func() {
		g := guard.New(guard.Config{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		Expect(g.Decide(ctx, guardParams("vm-1")).Result).To(Equal(outcome.Failure))
	})

	It("should register as the guard actor", func() {
		reg := actor.NewRegistry()
		guard.New(guard.Config{}).Register(reg)

		op, err := reg.Resolve(guardParams("vm-1"))
		Expect(err).NotTo(HaveOccurred())

		out, err := op.Start(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Result).To(Equal(outcome.Success))
	})
})
