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

package starvationchecker_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	. "github.com/united-manufacturing-hub/remediation-core/pkg/starvationchecker"
)

var _ = Describe("StarvationChecker", func() {
	var checker *StarvationChecker

	BeforeEach(func() {
		checker = NewStarvationChecker(100 * time.Millisecond)
	})

	AfterEach(func() {
		checker.Stop()
	})

	It("should report starvation when no reconciles happen", func() {
		Eventually(checker.IsStarved).WithTimeout(time.Second).Should(BeTrue())
		Expect(time.Since(checker.GetLastReconcileTime())).To(BeNumerically(">=", 100*time.Millisecond))
	})

	It("should clear starvation on reconcile", func() {
		Eventually(checker.IsStarved).WithTimeout(time.Second).Should(BeTrue())

		checker.UpdateLastReconcileTime()

		Expect(checker.IsStarved()).To(BeFalse())
		Expect(time.Since(checker.GetLastReconcileTime())).To(BeNumerically("<", 50*time.Millisecond))
	})

	It("should not report starvation while reconciles keep coming", func() {
		for range 6 {
			checker.UpdateLastReconcileTime()
			time.Sleep(30 * time.Millisecond)
		}

		Expect(checker.IsStarved()).To(BeFalse())
	})

	It("should stop the background check", func() {
		initial := checker.GetLastReconcileTime()

		checker.Stop()
		time.Sleep(150 * time.Millisecond)

		Expect(checker.GetLastReconcileTime()).To(Equal(initial))
		Expect(checker.IsStarved()).To(BeFalse())
	})
})
