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

// Package rest is a generic JSON-over-HTTP actor. Every registered
// actor/operation is POSTed to <BaseURL>/<actor>/<operation>.
package rest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/united-manufacturing-hub/remediation-core/pkg/actor"
	"github.com/united-manufacturing-hub/remediation-core/pkg/logger"
	"github.com/united-manufacturing-hub/remediation-core/pkg/outcome"
	"github.com/united-manufacturing-hub/remediation-core/pkg/safejson"
	"go.uber.org/zap"
)

// maxResponseBytes caps the body read from an actor.
const maxResponseBytes = 1 << 20

// Config of one REST actor endpoint.
type Config struct {
	Name       string            `yaml:"name"`
	BaseURL    string            `yaml:"baseUrl"`
	Operations []string          `yaml:"operations"`
	Headers    map[string]string `yaml:"headers,omitempty"`
}

// Request is the envelope sent to the actor.
type Request struct {
	RequestID      string            `json:"requestId"`
	SubRequestID   string            `json:"subRequestId"`
	ClosedLoopName string            `json:"closedLoopControlName"`
	Actor          string            `json:"actor"`
	Operation      string            `json:"operation"`
	TargetType     string            `json:"targetType"`
	Target         string            `json:"target"`
	Payload        map[string]any    `json:"payload,omitempty"`
	AAI            map[string]string `json:"aai,omitempty"`
}

// Response is what the actor answers. An empty Result counts as SUCCESS.
type Response struct {
	Result  string         `json:"result"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Actor invokes one remote endpoint.
type Actor struct {
	cfg    Config
	client *http.Client
	logger *zap.SugaredLogger
}

func New(cfg Config) *Actor {
	return &Actor{
		cfg: cfg,
		// nil Transport resolves http.DefaultTransport per request
		client: &http.Client{},
		logger: logger.For(logger.ComponentRestActor).With("actor", cfg.Name),
	}
}

// Register installs every configured operation.
func (a *Actor) Register(reg *actor.Registry) {
	for _, op := range a.cfg.Operations {
		reg.Register(a.cfg.Name, op, a.Factory)
	}
}

func (a *Actor) Factory(params actor.Params) (actor.Operation, error) {
	if a.cfg.BaseURL == "" {
		return nil, fmt.Errorf("actor %s has no base url", a.cfg.Name)
	}

	return actor.Func(func(ctx context.Context) (*outcome.Outcome, error) {
		return a.invoke(ctx, params)
	}), nil
}

func (a *Actor) invoke(ctx context.Context, params actor.Params) (*outcome.Outcome, error) {
	out := params.MakeOutcome()
	out.SubRequestID = uuid.NewString()

	req := Request{
		RequestID:      params.RequestID,
		SubRequestID:   out.SubRequestID,
		ClosedLoopName: params.ClosedLoopName,
		Actor:          params.Actor,
		Operation:      params.Operation,
		TargetType:     string(params.TargetType),
		Target:         params.TargetEntity,
		Payload:        params.Payload,
	}
	if params.Event != nil {
		req.AAI = params.Event.AAI
	}

	body, err := safejson.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	url := strings.TrimRight(a.cfg.BaseURL, "/") + "/" + params.Actor + "/" + params.Operation

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")

	for k, v := range a.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	started := time.Now()

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", params.Actor, params.Operation, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	a.logger.Debugw("actor responded", "url", url, "status", resp.StatusCode, "took", time.Since(started))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out.Finish(outcome.Failure, fmt.Sprintf("actor returned HTTP %d", resp.StatusCode)), nil
	}

	var decoded Response
	if len(raw) > 0 {
		if err := safejson.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}

	result := outcome.Result(strings.ToUpper(decoded.Result))
	switch result {
	case "":
		result = outcome.Success
	case outcome.Success, outcome.Failure:
	default:
		return out.Finish(outcome.Failure, fmt.Sprintf("unexpected result %q", decoded.Result)), nil
	}

	msg := decoded.Message
	if msg == "" {
		if result == outcome.Success {
			msg = outcome.SuccessMessage
		} else {
			msg = outcome.FailedMessage
		}
	}

	out.Response = decoded.Data

	return out.Finish(result, msg), nil
}
