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

package step_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/remediation-core/pkg/actor"
	"github.com/united-manufacturing-hub/remediation-core/pkg/executor"
	"github.com/united-manufacturing-hub/remediation-core/pkg/outcome"
	"github.com/united-manufacturing-hub/remediation-core/pkg/step"
)

type collector struct {
	mu       sync.Mutex
	started  []*outcome.Outcome
	finished []*outcome.Outcome
}

func (c *collector) callbacks() step.Callbacks {
	return step.Callbacks{
		OnStart: func(o *outcome.Outcome) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.started = append(c.started, o)
		},
		OnComplete: func(o *outcome.Outcome) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.finished = append(c.finished, o)
		},
	}
}

func (c *collector) Finished() []*outcome.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]*outcome.Outcome(nil), c.finished...)
}

var _ = Describe("Step", func() {
	var (
		reg  *actor.Registry
		pool *executor.Pool
		col  *collector
	)

	register := func(name string, fn actor.Func) {
		reg.Register("APPC", name, func(actor.Params) (actor.Operation, error) { return fn, nil })
	}

	newStep := func(op string) *step.Step {
		return step.New(step.KindPolicy, actor.Params{
			RequestID:    "req-1",
			Actor:        "APPC",
			Operation:    op,
			TargetEntity: "vserver-1",
		}, reg, pool, col.callbacks())
	}

	BeforeEach(func() {
		reg = actor.NewRegistry()
		pool = executor.NewPool(4)
		col = &collector{}

		register("Restart", func(context.Context) (*outcome.Outcome, error) {
			return outcome.New("APPC", "Restart", "vserver-1", time.Now()).Finish(outcome.Success, "ok"), nil
		})
		register("Hang", func(ctx context.Context) (*outcome.Outcome, error) {
			<-ctx.Done()

			return nil, ctx.Err()
		})
		register("Throw", func(context.Context) (*outcome.Outcome, error) {
			return nil, errors.New("connection refused")
		})
		register("Panic", func(context.Context) (*outcome.Outcome, error) {
			panic("bad actor")
		})
	})

	AfterEach(func() {
		Expect(pool.Shutdown(context.Background())).To(Succeed())
	})

	It("should refuse to start before init", func() {
		s := newStep("Restart")
		Expect(s.Start(time.Second)).To(MatchError(step.ErrNotInitialized))
	})

	It("should fail init for unknown operations", func() {
		Expect(newStep("Migrate").Init()).To(MatchError(ContainSubstring("unknown actor operation")))
	})

	It("should report start and completion", func() {
		s := newStep("Restart")
		Expect(s.Init()).To(Succeed())
		Expect(s.IsInitialized()).To(BeTrue())
		Expect(s.Start(time.Second)).To(Succeed())
		Expect(s.Start(time.Second)).To(MatchError(step.ErrAlreadyRunning))

		Eventually(col.Finished).Should(HaveLen(1))
		Expect(col.Finished()[0].Result).To(Equal(outcome.Success))
		Expect(col.started).To(HaveLen(1))
		Expect(col.started[0].InFlight()).To(BeTrue())
		Expect(s.PolicyStart().IsZero()).To(BeFalse())
		Eventually(s.IsRunning).Should(BeFalse())
	})

	It("should synthesize a timeout outcome", func() {
		s := newStep("Hang")
		Expect(s.Init()).To(Succeed())
		Expect(s.Start(20 * time.Millisecond)).To(Succeed())

		Eventually(col.Finished).Should(HaveLen(1))
		out := col.Finished()[0]
		Expect(out.Actor).To(Equal(outcome.TimeoutActor))
		Expect(out.Result).To(Equal(outcome.FailureTimeout))
		Expect(out.Message).To(Equal(step.TimeoutMessage))
	})

	It("should use the tighter of remaining time and step timeout", func() {
		s := step.New(step.KindPolicy, actor.Params{Actor: "APPC", Operation: "Hang", Timeout: 20 * time.Millisecond}, reg, pool, col.callbacks())
		Expect(s.Init()).To(Succeed())
		Expect(s.Start(time.Hour)).To(Succeed())

		Eventually(col.Finished).Should(HaveLen(1))
		Expect(col.Finished()[0].Result).To(Equal(outcome.FailureTimeout))
	})

	DescribeTable("should turn failures into exception outcomes",
		func(op, message string) {
			s := newStep(op)
			Expect(s.Init()).To(Succeed())
			Expect(s.Start(time.Second)).To(Succeed())

			Eventually(col.Finished).Should(HaveLen(1))
			out := col.Finished()[0]
			Expect(out.Result).To(Equal(outcome.FailureException))
			Expect(out.Message).To(ContainSubstring(message))
			Expect(out.Final).To(BeTrue())
		},
		Entry("error", "Throw", "connection refused"),
		Entry("panic", "Panic", "bad actor"),
	)

	It("should not report an outcome once canceled", func() {
		s := newStep("Hang")
		Expect(s.Init()).To(Succeed())
		Expect(s.Start(time.Second)).To(Succeed())

		s.Cancel()

		Eventually(s.Future().IsCanceled).Should(BeTrue())
		Consistently(col.Finished, 50*time.Millisecond).Should(BeEmpty())
	})

	It("should share the policy start with retries", func() {
		s := newStep("Restart")
		Expect(s.Init()).To(Succeed())
		Expect(s.Start(time.Second)).To(Succeed())
		Eventually(col.Finished).Should(HaveLen(1))

		r := s.Retry(col.callbacks())
		Expect(r.IsInitialized()).To(BeFalse())
		Expect(r.PolicyStart()).To(Equal(s.PolicyStart()))

		d := s.Derive("GUARD", "Decision", step.Callbacks{})
		Expect(d.ActorName()).To(Equal("GUARD"))
		Expect(d.PolicyStart()).To(Equal(s.PolicyStart()))
	})
})
