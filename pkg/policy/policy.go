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

// Package policy holds the operational policy of a control loop: the list of
// remediation operations, their routing on each result, and the processor
// that walks them.
package policy

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/united-manufacturing-hub/remediation-core/pkg/event"
	"gopkg.in/yaml.v3"
)

// FinalResult ends a remediation. Routing fields of an Operation hold either
// another operation id or one of these values.
type FinalResult string

const (
	FinalSuccess          FinalResult = "final_success"
	FinalFailure          FinalResult = "final_failure"
	FinalFailureTimeout   FinalResult = "final_failure_timeout"
	FinalFailureRetries   FinalResult = "final_failure_retries"
	FinalFailureException FinalResult = "final_failure_exception"
	FinalFailureGuard     FinalResult = "final_failure_guard"
	FinalOpenLoop         FinalResult = "final_openloop"
)

// ToFinalResult maps an id to a FinalResult, or "" when id names an operation.
func ToFinalResult(id string) FinalResult {
	switch r := FinalResult(strings.ToLower(id)); r {
	case FinalSuccess, FinalFailure, FinalFailureTimeout, FinalFailureRetries,
		FinalFailureException, FinalFailureGuard, FinalOpenLoop:
		return r
	default:
		return ""
	}
}

// IsFailure reports whether r is one of the failure results.
func (r FinalResult) IsFailure() bool {
	return r != "" && r != FinalSuccess && r != FinalOpenLoop
}

// Target selects the resource an operation acts upon.
type Target struct {
	Type      event.TargetType  `yaml:"targetType" json:"targetType" validate:"required"`
	EntityIDs map[string]string `yaml:"entityIds,omitempty" json:"entityIds,omitempty"`
}

func (t *Target) String() string {
	if t == nil {
		return ""
	}

	keys := make([]string, 0, len(t.EntityIDs))
	for k := range t.EntityIDs {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	var sb strings.Builder

	sb.WriteString("Target [targetType=")
	sb.WriteString(string(t.Type))
	sb.WriteString(", entityIds={")

	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}

		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(t.EntityIDs[k])
	}

	sb.WriteString("}]")

	return sb.String()
}

// Operation is one remediation step definition.
type Operation struct {
	ID          string            `yaml:"id" json:"id" validate:"required"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Actor       string            `yaml:"actor" json:"actor" validate:"required"`
	Operation   string            `yaml:"operation" json:"operation" validate:"required"`
	Target      *Target           `yaml:"target" json:"target"`
	Payload     map[string]string `yaml:"payload,omitempty" json:"payload,omitempty"`
	Retries     int               `yaml:"retries" json:"retries" validate:"gte=0"`
	// Timeout in seconds for a single attempt.
	Timeout int `yaml:"timeout" json:"timeout" validate:"gte=0"`

	Success          string `yaml:"success,omitempty" json:"success,omitempty"`
	Failure          string `yaml:"failure,omitempty" json:"failure,omitempty"`
	FailureTimeout   string `yaml:"failure_timeout,omitempty" json:"failure_timeout,omitempty"`
	FailureRetries   string `yaml:"failure_retries,omitempty" json:"failure_retries,omitempty"`
	FailureException string `yaml:"failure_exception,omitempty" json:"failure_exception,omitempty"`
	FailureGuard     string `yaml:"failure_guard,omitempty" json:"failure_guard,omitempty"`
}

// PayloadCopy returns the payload as a fresh map for actor params.
func (o *Operation) PayloadCopy() map[string]any {
	out := make(map[string]any, len(o.Payload))
	for k, v := range o.Payload {
		out[k] = v
	}

	return out
}

// ControlLoop is the operational policy for one control loop name.
type ControlLoop struct {
	Name          string `yaml:"id" json:"id" validate:"required"`
	PolicyName    string `yaml:"policyName,omitempty" json:"policyName,omitempty"`
	PolicyScope   string `yaml:"policyScope,omitempty" json:"policyScope,omitempty"`
	PolicyVersion string `yaml:"policyVersion,omitempty" json:"policyVersion,omitempty"`
	// Timeout in seconds for the whole remediation.
	Timeout    int         `yaml:"timeout" json:"timeout" validate:"gt=0"`
	Trigger    string      `yaml:"trigger" json:"trigger" validate:"required"`
	Abatement  bool        `yaml:"abatement" json:"abatement"`
	Operations []Operation `yaml:"operations" json:"operations" validate:"dive"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrInvalidPolicy is wrapped by Validate.
var ErrInvalidPolicy = errors.New("invalid control loop policy")

// Validate checks field constraints and that every routing reference points to
// an existing operation or a final result.
func (c *ControlLoop) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidPolicy, c.Name, err)
	}

	ids := make(map[string]struct{}, len(c.Operations))
	for _, op := range c.Operations {
		if _, dup := ids[op.ID]; dup {
			return fmt.Errorf("%w %q: duplicate operation id %q", ErrInvalidPolicy, c.Name, op.ID)
		}

		ids[op.ID] = struct{}{}
	}

	check := func(from, ref string) error {
		if ref == "" || ToFinalResult(ref) != "" {
			return nil
		}

		if _, ok := ids[ref]; !ok {
			return fmt.Errorf("%w %q: %s references unknown operation %q", ErrInvalidPolicy, c.Name, from, ref)
		}

		return nil
	}

	if err := check("trigger", c.Trigger); err != nil {
		return err
	}

	for _, op := range c.Operations {
		for _, ref := range []string{op.Success, op.Failure, op.FailureTimeout, op.FailureRetries, op.FailureException, op.FailureGuard} {
			if err := check(op.ID, ref); err != nil {
				return err
			}
		}
	}

	return nil
}

// Operation returns the operation with the given id.
func (c *ControlLoop) Operation(id string) (*Operation, bool) {
	for i := range c.Operations {
		if c.Operations[i].ID == id {
			return &c.Operations[i], true
		}
	}

	return nil, false
}

// Clone returns a copy that shares nothing mutable with c.
func (c *ControlLoop) Clone() *ControlLoop {
	out := *c
	out.Operations = make([]Operation, len(c.Operations))

	for i, op := range c.Operations {
		op.Payload = maps.Clone(op.Payload)
		if op.Target != nil {
			t := *op.Target
			t.EntityIDs = maps.Clone(t.EntityIDs)
			op.Target = &t
		}

		out.Operations[i] = op
	}

	return &out
}

// Parse decodes and validates a single control loop policy document.
func Parse(data []byte) (*ControlLoop, error) {
	var cl ControlLoop
	if err := yaml.Unmarshal(data, &cl); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}

	if err := cl.Validate(); err != nil {
		return nil, err
	}

	return &cl, nil
}
