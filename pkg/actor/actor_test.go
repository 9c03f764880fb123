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

package actor_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/remediation-core/pkg/actor"
	"github.com/united-manufacturing-hub/remediation-core/pkg/backoff"
	"github.com/united-manufacturing-hub/remediation-core/pkg/outcome"
)

var _ = Describe("Registry", func() {
	var reg *actor.Registry

	BeforeEach(func() {
		reg = actor.NewRegistry()
		reg.Register("APPC", "Restart", func(p actor.Params) (actor.Operation, error) {
			return actor.Func(func(context.Context) (*outcome.Outcome, error) {
				return p.MakeOutcome().Finish(outcome.Success, "restarted "+p.TargetEntity), nil
			}), nil
		})
	})

	It("should resolve registered operations", func() {
		Expect(reg.Has("APPC", "Restart")).To(BeTrue())

		op, err := reg.Resolve(actor.Params{Actor: "APPC", Operation: "Restart", TargetEntity: "vm-1"})
		Expect(err).NotTo(HaveOccurred())

		out, err := op.Start(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Message).To(Equal("restarted vm-1"))
		Expect(out.Final).To(BeTrue())
	})

	It("should return a permanent error for unknown pairs", func() {
		_, err := reg.Resolve(actor.Params{Actor: "APPC", Operation: "Migrate"})

		Expect(errors.Is(err, actor.ErrUnknownOperation)).To(BeTrue())
		Expect(backoff.IsPermanentError(err)).To(BeTrue())
	})

	It("should wrap factory errors as permanent", func() {
		reg.Register("SO", "VF Module Create", func(actor.Params) (actor.Operation, error) {
			return nil, errors.New("no model")
		})

		_, err := reg.Resolve(actor.Params{Actor: "SO", Operation: "VF Module Create"})
		Expect(backoff.IsPermanentError(err)).To(BeTrue())
		Expect(err).To(MatchError(ContainSubstring("no model")))
	})

	It("should prefer an explicit builder", func() {
		called := false
		_, err := reg.Resolve(actor.Params{
			Actor:     "none",
			Operation: "none",
			Builder: func(actor.Params) (actor.Operation, error) {
				called = true

				return actor.Func(nil), nil
			},
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(called).To(BeTrue())
	})
})

var _ = Describe("Params", func() {
	It("should derive without sharing the payload", func() {
		p := actor.Params{Actor: "APPC", Operation: "Restart", Payload: map[string]any{"k": "v"}}

		d := p.Derive("GUARD", "Decision")
		d.Payload["k"] = "changed"

		Expect(d.Actor).To(Equal("GUARD"))
		Expect(p.Payload["k"]).To(Equal("v"))
	})
})
