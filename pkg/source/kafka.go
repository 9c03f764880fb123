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

// Package source feeds closed-loop events into the runtime.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/united-manufacturing-hub/remediation-core/pkg/event"
	"github.com/united-manufacturing-hub/remediation-core/pkg/logger"
	"github.com/united-manufacturing-hub/remediation-core/pkg/metrics"
	"github.com/united-manufacturing-hub/remediation-core/pkg/safejson"
	"go.uber.org/zap"
)

// Handler receives decoded events. It must not block for long.
type Handler func(ctx context.Context, ev *event.Event)

// Decode parses one JSON encoded event.
func Decode(data []byte) (*event.Event, error) {
	if len(data) == 0 {
		return nil, errors.New("empty event")
	}

	var ev event.Event
	if err := safejson.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	return &ev, nil
}

// KafkaConfig configures the consumer.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka consumes events from a topic. Messages are committed after the
// handler returns; undecodable messages are committed and skipped.
type Kafka struct {
	reader messageReader
	logger *zap.SugaredLogger
}

func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka source needs brokers and a topic")
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})

	return &Kafka{reader: r, logger: logger.For(logger.ComponentEventSource)}, nil
}

// Run consumes until ctx is done.
func (k *Kafka) Run(ctx context.Context, handle Handler) error {
	for {
		msg, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			metrics.IncErrorCountAndLog(metrics.ComponentEventSource, "fetch", err, k.logger)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}

			continue
		}

		ev, err := Decode(msg.Value)
		if err != nil {
			k.logger.Warnw("skipping undecodable event", "partition", msg.Partition, "offset", msg.Offset, "error", err)
			metrics.RecordEvent("UNDECODABLE")
		} else {
			handle(ctx, ev)
		}

		cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := k.reader.CommitMessages(cctx, msg); err != nil && ctx.Err() == nil {
			metrics.IncErrorCountAndLog(metrics.ComponentEventSource, "commit", err, k.logger)
		}
		cancel()
	}
}

func (k *Kafka) Close() error {
	return k.reader.Close()
}
