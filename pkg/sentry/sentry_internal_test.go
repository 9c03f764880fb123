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

package sentry

import (
	"errors"
	"strings"

	sentrygo "github.com/getsentry/sentry-go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Events", func() {
	BeforeEach(func() {
		DisableTestMode()
	})

	AfterEach(func() {
		DisableTestMode()
	})

	It("should title errors by their first phrase", func() {
		Expect(errorTitle(errors.New("restore req-1: snapshot version 99"))).To(Equal("restore req-1"))
		Expect(errorTitle(errors.New(strings.Repeat("x", 150)))).To(HaveLen(100))
	})

	It("should debounce identical titles per level", func() {
		err := errors.New("debounce probe, first occurrence")

		Expect(debounced(sentrygo.LevelError, err)).To(BeFalse())
		Expect(debounced(sentrygo.LevelError, errors.New("debounce probe, second occurrence"))).To(BeTrue())
		Expect(debounced(sentrygo.LevelWarning, err)).To(BeFalse())
	})

	It("should not debounce in test mode", func() {
		EnableTestMode()

		err := errors.New("test mode probe")
		Expect(debounced(sentrygo.LevelError, err)).To(BeFalse())
		Expect(debounced(sentrygo.LevelError, err)).To(BeFalse())
	})

	It("should split context into tags and extras", func() {
		ev := createSentryEvent(sentrygo.LevelError, errors.New("rearm failed"), map[string]interface{}{
			"request_id":  "req-1",
			"closed_loop": "ControlLoop-vDNS",
			"attempts":    3,
			"history":     []string{"a", "b"},
		})

		Expect(ev.Level).To(Equal(sentrygo.LevelError))
		Expect(ev.Tags).To(HaveKeyWithValue("request_id", "req-1"))
		Expect(ev.Tags).To(HaveKeyWithValue("attempts", "3"))
		Expect(ev.Extra).To(HaveKey("history"))
		Expect(ev.Fingerprint).To(ContainElement("closed_loop: ControlLoop-vDNS"))
		Expect(ev.Exception[0].Type).To(Equal("rearm failed"))
	})
})
