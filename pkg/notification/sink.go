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
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/united-manufacturing-hub/remediation-core/pkg/backoff"
	"github.com/united-manufacturing-hub/remediation-core/pkg/logger"
	"github.com/united-manufacturing-hub/remediation-core/pkg/metrics"
	"github.com/united-manufacturing-hub/remediation-core/pkg/safejson"
	"github.com/united-manufacturing-hub/remediation-core/pkg/sentry"
	"go.uber.org/zap"
)

// Sink delivers notifications to operators.
type Sink interface {
	Deliver(ctx context.Context, n *Notification) error
}

// Deliver sends n to every sink. A failing or panicking sink is logged and
// does not stop the others.
func Deliver(ctx context.Context, n *Notification, sinks ...Sink) {
	for _, s := range sinks {
		deliverOne(ctx, s, n)
	}
}

func deliverOne(ctx context.Context, s Sink, n *Notification) {
	log := logger.ForRequest(logger.ComponentNotification, n.RequestID, n.ClosedLoopControlName)

	defer func() {
		if r := recover(); r != nil {
			metrics.RecordNotification(string(n.Type), "failed")
			sentry.ReportIssuef(sentry.IssueTypeError, log, "notification sink panicked: %v", r)
		}
	}()

	if err := s.Deliver(ctx, n); err != nil {
		metrics.RecordNotification(string(n.Type), "failed")
		metrics.IncErrorCountAndLog(metrics.ComponentNotification, string(n.Type), err, log)

		return
	}

	metrics.RecordNotification(string(n.Type), "delivered")
}

// LogSink writes notifications to the log.
type LogSink struct {
	logger *zap.SugaredLogger
}

func NewLogSink() *LogSink {
	return &LogSink{logger: logger.For(logger.ComponentNotification)}
}

func (s *LogSink) Deliver(_ context.Context, n *Notification) error {
	s.logger.Infow("notification",
		"requestId", n.RequestID,
		"closedLoop", n.ClosedLoopControlName,
		"type", n.Type,
		"message", n.Message,
		"history", len(n.History))

	return nil
}

// MemorySink collects notifications.
type MemorySink struct {
	mu   sync.Mutex
	sent []*Notification
}

func (s *MemorySink) Deliver(_ context.Context, n *Notification) error {
	s.mu.Lock()
	s.sent = append(s.sent, n)
	s.mu.Unlock()

	return nil
}

// Sent returns what was delivered so far.
func (s *MemorySink) Sent() []*Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Notification, len(s.sent))
	copy(out, s.sent)

	return out
}

// Types returns the types of the delivered notifications in order.
func (s *MemorySink) Types() []Type {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Type, len(s.sent))
	for i, n := range s.sent {
		out[i] = n.Type
	}

	return out
}

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
	Retry        backoff.RetryConfig
}

// messageWriter is the part of kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes notifications as JSON, keyed by request id.
type KafkaSink struct {
	writer messageWriter
	cfg    KafkaConfig
}

func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka sink needs at least one broker")
	}

	if cfg.Topic == "" {
		return nil, errors.New("kafka sink needs a topic")
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	if cfg.Retry == (backoff.RetryConfig{}) {
		cfg.Retry = backoff.DefaultRetryConfig
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: cfg.WriteTimeout,
	}

	return &KafkaSink{writer: w, cfg: cfg}, nil
}

func (s *KafkaSink) Deliver(ctx context.Context, n *Notification) error {
	value, err := safejson.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	msg := kafka.Message{Key: []byte(n.RequestID), Value: value}

	return backoff.RetryTransient(ctx, s.cfg.Retry, func() error {
		wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		defer cancel()

		if err := s.writer.WriteMessages(wctx, msg); err != nil {
			return backoff.NewTransientError(err)
		}

		return nil
	})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
