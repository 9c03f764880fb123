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

package operation_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/remediation-core/pkg/actor"
	"github.com/united-manufacturing-hub/remediation-core/pkg/actor/guard"
	"github.com/united-manufacturing-hub/remediation-core/pkg/event"
	"github.com/united-manufacturing-hub/remediation-core/pkg/executor"
	"github.com/united-manufacturing-hub/remediation-core/pkg/future"
	"github.com/united-manufacturing-hub/remediation-core/pkg/operation"
	"github.com/united-manufacturing-hub/remediation-core/pkg/outcome"
	"github.com/united-manufacturing-hub/remediation-core/pkg/policy"
)

type recordStore struct {
	mu      sync.Mutex
	records []outcome.Record
}

func (s *recordStore) Store(_, _, _ string, rec outcome.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

type fakeContext struct {
	ev        *event.Event
	denyLock  bool
	lockCalls atomic.Int32
	reports   chan *outcome.Outcome
	store     *recordStore
}

func newFakeContext(ev *event.Event) *fakeContext {
	return &fakeContext{ev: ev, reports: make(chan *outcome.Outcome, 64), store: &recordStore{}}
}

func (c *fakeContext) RequestLock(target string, onLost func(*outcome.Outcome)) *future.Future[*outcome.Outcome] {
	c.lockCalls.Add(1)

	out := outcome.New(outcome.LockActor, outcome.LockOperation, target, time.Now())
	if !c.denyLock {
		return future.Completed(out.Finish(outcome.Success, outcome.SuccessMessage))
	}

	out.Finish(outcome.Failure, "resource locked")
	go onLost(out)

	return future.Completed(out)
}

func (c *fakeContext) DataManager() operation.DataManager { return c.store }

func (c *fakeContext) Updated(_ *operation.Manager, processed *outcome.Outcome) {
	c.reports <- processed
}

func (c *fakeContext) Property(string) (any, bool) { return nil, false }

func (c *fakeContext) Event() *event.Event { return c.ev }

func (c *fakeContext) Enrichment() map[string]string { return c.ev.AAI }

// drive consumes reports the way the event manager does until the manager
// reports that nothing more will follow.
func drive(c *fakeContext, m *operation.Manager) []*outcome.Outcome {
	var got []*outcome.Outcome

	for {
		var r *outcome.Outcome
		Eventually(c.reports).WithTimeout(2 * time.Second).Should(Receive(&r))
		got = append(got, r)

		if !m.NextStep() {
			return got
		}
	}
}

func summary(outs []*outcome.Outcome) []string {
	res := make([]string, len(outs))
	for i, o := range outs {
		if o.InFlight() {
			res[i] = o.Actor + ":start"
		} else {
			res[i] = o.Actor + ":" + string(o.Result)
		}
	}

	return res
}

var _ = Describe("Manager", func() {
	var (
		reg    *actor.Registry
		pool   *executor.Pool
		opCtx  *fakeContext
		denied []string
		calls  atomic.Int32
		// results handed out by APPC.Restart, last one repeats
		results []outcome.Result
	)

	vmEvent := func() *event.Event {
		return &event.Event{
			RequestID:             "req-1",
			ClosedLoopControlName: "ControlLoop-vFirewall",
			Status:                event.StatusOnset,
			TargetType:            event.TargetVM,
			Target:                event.VserverName,
			AAI:                   map[string]string{event.VserverName: "vserver-1"},
		}
	}

	restart := func(retries int) *policy.Operation {
		return &policy.Operation{
			ID:        "restart",
			Actor:     "APPC",
			Operation: "Restart",
			Target:    &policy.Target{Type: event.TargetVM},
			Retries:   retries,
		}
	}

	newManager := func(pol *policy.Operation) *operation.Manager {
		g := guard.New(guard.Config{DenyTargets: denied})
		g.Register(reg)

		return operation.NewManager(opCtx, operation.Deps{Resolver: reg, Executor: pool}, actor.Params{
			RequestID:      opCtx.ev.RequestID,
			ClosedLoopName: opCtx.ev.ClosedLoopControlName,
			Event:          opCtx.ev,
		}, pol)
	}

	BeforeEach(func() {
		reg = actor.NewRegistry()
		pool = executor.NewPool(8)
		opCtx = newFakeContext(vmEvent())
		denied = nil
		calls.Store(0)
		results = []outcome.Result{outcome.Success}

		reg.Register("APPC", "Restart", func(p actor.Params) (actor.Operation, error) {
			return actor.Func(func(context.Context) (*outcome.Outcome, error) {
				n := int(calls.Add(1))
				r := results[min(n, len(results))-1]

				return p.MakeOutcome().Finish(r, "attempt done"), nil
			}), nil
		})
		reg.Register("APPC", "Hang", func(actor.Params) (actor.Operation, error) {
			return actor.Func(func(ctx context.Context) (*outcome.Outcome, error) {
				<-ctx.Done()

				return nil, ctx.Err()
			}), nil
		})
	})

	AfterEach(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		Expect(pool.Shutdown(ctx)).To(Succeed())
	})

	It("should run lock, guard and operation to success", func() {
		m := newManager(restart(0))
		Expect(m.Start(time.Minute)).To(Succeed())

		got := drive(opCtx, m)
		Expect(summary(got)).To(Equal([]string{"GUARD:start", "GUARD:SUCCESS", "APPC:start", "APPC:SUCCESS"}))

		Expect(m.State()).To(Equal(operation.StateOperationSuccess))
		Expect(m.OperationResult()).To(Equal(outcome.Success))
		Expect(m.Attempts()).To(Equal(1))
		Expect(m.TargetEntity()).To(Equal("vserver-1"))
		Expect(m.History()).To(HaveLen(1))
		Expect(m.History()[0].Target).To(Equal("Target [targetType=VM, entityIds={}]"))
		Expect(m.OperationMessage()).To(HavePrefix("actor=APPC,operation=Restart,target=vserver-1"))
		Expect(opCtx.lockCalls.Load()).To(BeEquivalentTo(1))
	})

	It("should retry failures within the retry budget", func() {
		results = []outcome.Result{outcome.Failure, outcome.Failure, outcome.Success}

		m := newManager(restart(2))
		Expect(m.Start(time.Minute)).To(Succeed())

		got := drive(opCtx, m)
		Expect(got[len(got)-1].Result).To(Equal(outcome.Success))
		Expect(m.Attempts()).To(Equal(3))
		Expect(m.Entries()).To(HaveLen(3))
		Expect(m.Entries()[0].Result).To(Equal(outcome.Failure))
		Expect(m.Entries()[2].Attempt).To(Equal(3))
		Expect(opCtx.lockCalls.Load()).To(BeEquivalentTo(1))
	})

	It("should settle at FAILURE_RETRIES after R+1 attempts", func() {
		results = []outcome.Result{outcome.Failure}

		m := newManager(restart(1))
		Expect(m.Start(time.Minute)).To(Succeed())

		got := drive(opCtx, m)
		last := got[len(got)-1]
		Expect(last.Result).To(Equal(outcome.FailureRetries))
		Expect(last.Final).To(BeTrue())
		Expect(calls.Load()).To(BeEquivalentTo(2))
		Expect(m.OperationResult()).To(Equal(outcome.FailureRetries))
	})

	It("should report FAILURE_RETRIES right away with no retries", func() {
		results = []outcome.Result{outcome.Failure}

		m := newManager(restart(0))
		Expect(m.Start(time.Minute)).To(Succeed())

		drive(opCtx, m)
		Expect(calls.Load()).To(BeEquivalentTo(1))
		Expect(m.OperationResult()).To(Equal(outcome.FailureRetries))
	})

	It("should stop when the guard denies", func() {
		denied = []string{"vserver-1"}

		m := newManager(restart(3))
		Expect(m.Start(time.Minute)).To(Succeed())

		got := drive(opCtx, m)
		last := got[len(got)-1]
		Expect(last.Actor).To(Equal("APPC"))
		Expect(last.Result).To(Equal(outcome.FailureGuard))
		Expect(last.Message).To(Equal("Operation denied by Guard"))

		Expect(m.State()).To(Equal(operation.StateGuardDenied))
		Expect(m.OperationResult()).To(Equal(outcome.FailureGuard))
		Expect(m.History()).To(HaveLen(1))
		Expect(calls.Load()).To(BeZero())
	})

	It("should stop when the lock is denied", func() {
		opCtx.denyLock = true

		m := newManager(restart(0))
		Expect(m.Start(time.Minute)).To(Succeed())

		got := drive(opCtx, m)
		Expect(got).To(HaveLen(1))
		Expect(got[0].Result).To(Equal(outcome.FailureGuard))
		Expect(got[0].Message).To(Equal("Operation denied by Lock"))
		Expect(m.State()).To(Equal(operation.StateLockDenied))
		Expect(calls.Load()).To(BeZero())
	})

	It("should fail without locking when the target cannot be resolved", func() {
		opCtx = newFakeContext(&event.Event{
			RequestID:             "req-2",
			ClosedLoopControlName: "ControlLoop-PNF",
			Status:                event.StatusOnset,
			TargetType:            event.TargetPNF,
			Target:                event.PNFName,
			AAI:                   map[string]string{},
		})

		m := newManager(&policy.Operation{
			ID:        "restart",
			Actor:     "APPC",
			Operation: "Restart",
			Target:    &policy.Target{Type: event.TargetPNF},
		})

		err := m.Start(time.Minute)
		Expect(errors.Is(err, operation.ErrInvalidTarget)).To(BeTrue())
		Expect(err).To(MatchError(ContainSubstring("AAI section is missing pnf.pnf-name")))
		Expect(m.Start(time.Minute)).To(MatchError(operation.ErrAlreadyStarted))

		got := drive(opCtx, m)
		Expect(got).To(HaveLen(1))
		Expect(got[0].Result).To(Equal(outcome.FailureException))
		Expect(opCtx.lockCalls.Load()).To(BeZero())
		Expect(m.OperationResult()).To(Equal(outcome.FailureException))
	})

	It("should time out when the remediation deadline elapses", func() {
		m := newManager(&policy.Operation{
			ID:        "hang",
			Actor:     "APPC",
			Operation: "Hang",
			Target:    &policy.Target{Type: event.TargetVM},
		})
		Expect(m.Start(100 * time.Millisecond)).To(Succeed())

		got := drive(opCtx, m)
		last := got[len(got)-1]
		Expect(last.Result).To(Equal(outcome.FailureTimeout))
		Expect(last.Message).To(Equal(operation.TimeoutMessage))
		Expect(m.State()).To(Equal(operation.StateControlLoopTimeout))
		Expect(m.OperationResult()).To(Equal(outcome.FailureTimeout))
	})

	It("should persist every history entry", func() {
		m := newManager(restart(0))
		Expect(m.Start(time.Minute)).To(Succeed())
		drive(opCtx, m)

		opCtx.store.mu.Lock()
		defer opCtx.store.mu.Unlock()
		Expect(opCtx.store.records).To(HaveLen(2))
		Expect(opCtx.store.records[0].Outcome).To(Equal(outcome.StartedOutcome))
		Expect(opCtx.store.records[1].Outcome).To(Equal(string(outcome.Success)))
	})
})

var _ = Describe("State", func() {
	It("should know the terminal states", func() {
		Expect(operation.StateOperationSuccess.Terminal()).To(BeTrue())
		Expect(operation.StateLockLost.Terminal()).To(BeTrue())
		Expect(operation.StateOperationFailure.Terminal()).To(BeFalse())
		Expect(operation.StateActive.Terminal()).To(BeFalse())
	})
})
