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

// Package actor resolves (actor, operation) pairs to invocable operations.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/remediation-core/pkg/backoff"
	"github.com/united-manufacturing-hub/remediation-core/pkg/event"
	"github.com/united-manufacturing-hub/remediation-core/pkg/outcome"
)

// Payload keys of a guard query naming the guarded actor/operation.
const (
	PayloadGuardedActor     = "actor"
	PayloadGuardedOperation = "operation"
)

// Inventory custom query. Its response data is kept as a context property
// of the remediation under CustomQueryProperty.
const (
	CustomQueryActor     = "AAI"
	CustomQueryOperation = "CustomQuery"
	CustomQueryProperty  = "AAI.CustomQuery"
)

// ErrUnknownOperation is returned by Resolve for unregistered pairs. It is
// always wrapped as a permanent error.
var ErrUnknownOperation = errors.New("unknown actor operation")

// Operation is one invocable remote action.
type Operation interface {
	// Start runs the action and returns its outcome. An error means the
	// invocation itself failed; a FAILURE outcome means the actor answered
	// negatively.
	Start(ctx context.Context) (*outcome.Outcome, error)
}

// Func adapts a function to Operation.
type Func func(ctx context.Context) (*outcome.Outcome, error)

func (f Func) Start(ctx context.Context) (*outcome.Outcome, error) {
	return f(ctx)
}

// Factory builds an Operation for one invocation.
type Factory func(params Params) (Operation, error)

// Params describes a single invocation.
type Params struct {
	RequestID      string
	ClosedLoopName string
	Actor          string
	Operation      string
	// TargetType and TargetEntity identify the resolved target.
	TargetType   event.TargetType
	TargetEntity string
	Payload      map[string]any
	Retries      int
	// Timeout bounds a single invocation. Zero means no per-step limit.
	Timeout time.Duration
	Event   *event.Event

	// Builder overrides registry resolution when set.
	Builder Factory
}

// MakeOutcome returns a start outcome for these params.
func (p Params) MakeOutcome() *outcome.Outcome {
	return outcome.New(p.Actor, p.Operation, p.TargetEntity, time.Now())
}

// Derive returns params for a different actor/operation on the same target.
func (p Params) Derive(actorName, operationName string) Params {
	out := p
	out.Actor = actorName
	out.Operation = operationName
	out.Builder = nil
	out.Payload = make(map[string]any, len(p.Payload))

	for k, v := range p.Payload {
		out.Payload[k] = v
	}

	return out
}

type key struct {
	actor     string
	operation string
}

// Registry maps (actor, operation) to factories. It is safe for concurrent
// use.
type Registry struct {
	mu        sync.RWMutex
	factories map[key]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[key]Factory)}
}

// Register adds or replaces the factory for actor/operation.
func (r *Registry) Register(actorName, operationName string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[key{actorName, operationName}] = f
}

// Resolve builds the Operation for params. Params.Builder wins over the
// registry.
func (r *Registry) Resolve(params Params) (Operation, error) {
	if params.Builder != nil {
		return params.Builder(params)
	}

	r.mu.RLock()
	f, ok := r.factories[key{params.Actor, params.Operation}]
	r.mu.RUnlock()

	if !ok {
		return nil, backoff.NewPermanentError(fmt.Errorf("%w: %s.%s", ErrUnknownOperation, params.Actor, params.Operation))
	}

	op, err := f(params)
	if err != nil {
		return nil, backoff.NewPermanentError(fmt.Errorf("build %s.%s: %w", params.Actor, params.Operation, err))
	}

	return op, nil
}

// Has reports whether a factory is registered for actor/operation.
func (r *Registry) Has(actorName, operationName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.factories[key{actorName, operationName}]

	return ok
}
