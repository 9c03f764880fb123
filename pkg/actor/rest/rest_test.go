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

package rest_test

import (
	"context"

	"github.com/h2non/gock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/remediation-core/pkg/actor"
	"github.com/united-manufacturing-hub/remediation-core/pkg/actor/rest"
	"github.com/united-manufacturing-hub/remediation-core/pkg/event"
	"github.com/united-manufacturing-hub/remediation-core/pkg/outcome"
)

const baseURL = "http://actors.test"

var _ = Describe("REST actor", func() {
	var (
		reg    *actor.Registry
		params actor.Params
	)

	BeforeEach(func() {
		reg = actor.NewRegistry()
		rest.New(rest.Config{
			Name:       "APPC",
			BaseURL:    baseURL + "/",
			Operations: []string{"Restart"},
			Headers:    map[string]string{"X-Token": "secret"},
		}).Register(reg)

		params = actor.Params{
			RequestID:      "req-1",
			ClosedLoopName: "ControlLoop-vFirewall",
			Actor:          "APPC",
			Operation:      "Restart",
			TargetType:     event.TargetVM,
			TargetEntity:   "vserver-1",
		}
	})

	AfterEach(func() {
		gock.Off()
	})

	start := func() (*outcome.Outcome, error) {
		op, err := reg.Resolve(params)
		Expect(err).NotTo(HaveOccurred())

		return op.Start(context.Background())
	}

	It("should post to the actor endpoint and report success", func() {
		gock.New(baseURL).
			Post("/APPC/Restart").
			MatchHeader("X-Token", "secret").
			MatchType("json").
			Reply(200).
			JSON(map[string]any{"result": "success", "message": "restarted", "data": map[string]any{"vm": "up"}})

		out, err := start()
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Result).To(Equal(outcome.Success))
		Expect(out.Message).To(Equal("restarted"))
		Expect(out.Response).To(HaveKeyWithValue("vm", "up"))
		Expect(out.SubRequestID).NotTo(BeEmpty())
		Expect(out.Target).To(Equal("vserver-1"))
		Expect(gock.IsDone()).To(BeTrue())
	})

	It("should treat an empty body as success", func() {
		gock.New(baseURL).Post("/APPC/Restart").Reply(204)

		out, err := start()
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Result).To(Equal(outcome.Success))
		Expect(out.Message).To(Equal(outcome.SuccessMessage))
	})

	It("should map non-2xx answers to failure", func() {
		gock.New(baseURL).Post("/APPC/Restart").Reply(500)

		out, err := start()
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Result).To(Equal(outcome.Failure))
		Expect(out.Message).To(Equal("actor returned HTTP 500"))
	})

	It("should fail on an unexpected result", func() {
		gock.New(baseURL).Post("/APPC/Restart").Reply(200).JSON(map[string]any{"result": "maybe"})

		out, err := start()
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Result).To(Equal(outcome.Failure))
		Expect(out.Message).To(ContainSubstring("unexpected result"))
	})

	It("should fill in the failure message", func() {
		gock.New(baseURL).Post("/APPC/Restart").Reply(200).JSON(map[string]any{"result": "FAILURE"})

		out, err := start()
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Message).To(Equal(outcome.FailedMessage))
	})

	It("should refuse to build without a base url", func() {
		r := actor.NewRegistry()
		rest.New(rest.Config{Name: "SO", Operations: []string{"VF Module Create"}}).Register(r)

		_, err := r.Resolve(actor.Params{Actor: "SO", Operation: "VF Module Create"})
		Expect(err).To(MatchError(ContainSubstring("has no base url")))
	})
})
