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

package notification

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/segmentio/kafka-go"

	"github.com/united-manufacturing-hub/remediation-core/pkg/backoff"
	"github.com/united-manufacturing-hub/remediation-core/pkg/safejson"
)

type fakeWriter struct {
	mu       sync.Mutex
	failures int
	messages []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.failures > 0 {
		w.failures--

		return errors.New("leader not available")
	}

	w.messages = append(w.messages, msgs...)

	return nil
}

func (w *fakeWriter) Close() error { return nil }

var _ = Describe("KafkaSink", func() {
	retry := backoff.RetryConfig{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxRetries: 3}

	It("should publish JSON keyed by request id", func() {
		w := &fakeWriter{failures: 2}
		sink := &KafkaSink{writer: w, cfg: KafkaConfig{WriteTimeout: time.Second, Retry: retry}}

		n := &Notification{RequestID: "req-1", ClosedLoopControlName: "cl", Type: TypeFinalSuccess}
		Expect(sink.Deliver(context.Background(), n)).To(Succeed())

		Expect(w.messages).To(HaveLen(1))
		Expect(string(w.messages[0].Key)).To(Equal("req-1"))

		var decoded Notification
		Expect(safejson.Unmarshal(w.messages[0].Value, &decoded)).To(Succeed())
		Expect(decoded.Type).To(Equal(TypeFinalSuccess))
	})

	It("should give up after the retries are used", func() {
		w := &fakeWriter{failures: 10}
		sink := &KafkaSink{writer: w, cfg: KafkaConfig{WriteTimeout: time.Second, Retry: retry}}

		Expect(sink.Deliver(context.Background(), &Notification{RequestID: "req-1"})).To(MatchError("leader not available"))
		Expect(w.messages).To(BeEmpty())
	})
})
