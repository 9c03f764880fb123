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

// Package guard implements the decision point consulted before every
// remediation operation. A decision is PERMIT (SUCCESS) or DENY (FAILURE).
package guard

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"github.com/united-manufacturing-hub/remediation-core/pkg/actor"
	"github.com/united-manufacturing-hub/remediation-core/pkg/logger"
	"github.com/united-manufacturing-hub/remediation-core/pkg/outcome"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	PermitMessage = "Permit"
	DenyMessage   = "Deny"
)

// Config tunes the decisions.
type Config struct {
	// DenyTargets lists target entities that are never acted upon.
	DenyTargets []string `yaml:"denyTargets"`
	// MaxPerWindow operations per (closed loop, actor, operation, target)
	// within Window. Zero disables the frequency limit.
	MaxPerWindow int           `yaml:"maxPerWindow"`
	Window       time.Duration `yaml:"window"`
}

// Guard decides whether an operation may run.
type Guard struct {
	mu       sync.Mutex
	deny     map[string]struct{}
	limiters *expiremap.ExpireMap[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
	logger   *zap.SugaredLogger
}

func New(cfg Config) *Guard {
	g := &Guard{
		deny:   make(map[string]struct{}, len(cfg.DenyTargets)),
		logger: logger.For(logger.ComponentGuardActor),
	}

	for _, t := range cfg.DenyTargets {
		g.deny[t] = struct{}{}
	}

	if cfg.MaxPerWindow > 0 && cfg.Window > 0 {
		g.limit = rate.Every(cfg.Window / time.Duration(cfg.MaxPerWindow))
		g.burst = cfg.MaxPerWindow
		g.limiters = expiremap.NewEx[string, *rate.Limiter](cfg.Window, 2*cfg.Window)
	}

	return g
}

// Register installs the guard as GUARD/Decision.
func (g *Guard) Register(reg *actor.Registry) {
	reg.Register(outcome.GuardActor, outcome.GuardOperation, g.Factory)
}

func (g *Guard) Factory(params actor.Params) (actor.Operation, error) {
	return actor.Func(func(ctx context.Context) (*outcome.Outcome, error) {
		return g.Decide(ctx, params), nil
	}), nil
}

// Decide returns a final outcome: SUCCESS when permitted, FAILURE otherwise.
func (g *Guard) Decide(ctx context.Context, params actor.Params) *outcome.Outcome {
	out := params.MakeOutcome()

	if err := ctx.Err(); err != nil {
		return out.Finish(outcome.Failure, err.Error())
	}

	guarded := fmt.Sprintf("%v.%v", params.Payload[actor.PayloadGuardedActor], params.Payload[actor.PayloadGuardedOperation])

	if _, denied := g.deny[params.TargetEntity]; denied {
		g.logger.Infow("guard denied operation", "target", params.TargetEntity, "operation", guarded, "reason", "deny list")

		return out.Finish(outcome.Failure, DenyMessage+": target is on the deny list")
	}

	if !g.allow(params, guarded) {
		g.logger.Infow("guard denied operation", "target", params.TargetEntity, "operation", guarded, "reason", "frequency limit")

		return out.Finish(outcome.Failure, DenyMessage+": frequency limit exceeded")
	}

	return out.Finish(outcome.Success, PermitMessage)
}

func (g *Guard) allow(params actor.Params, guarded string) bool {
	if g.limiters == nil {
		return true
	}

	k := strings.Join([]string{params.ClosedLoopName, guarded, params.TargetEntity}, "|")

	g.mu.Lock()
	defer g.mu.Unlock()

	var lim *rate.Limiter
	if v, ok := g.limiters.Load(k); ok {
		lim = *v
	} else {
		lim = rate.NewLimiter(g.limit, g.burst)
	}

	// refreshes the entry ttl
	g.limiters.Set(k, lim)

	return lim.Allow()
}
