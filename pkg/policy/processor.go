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

package policy

import (
	"errors"
	"fmt"

	"github.com/united-manufacturing-hub/remediation-core/pkg/outcome"
)

var (
	ErrNoPolicies     = errors.New("there are no policies defined")
	ErrNoCurrent      = errors.New("there is no current policy to determine where to go to")
	ErrUnknownCurrent = errors.New("current policy id does not exist")
)

// Processor is the policy cursor of one remediation. It is not safe for
// concurrent use; the owning event manager serializes access.
type Processor struct {
	loop    *ControlLoop
	current string
}

// NewProcessor positions a processor at the trigger operation.
func NewProcessor(loop *ControlLoop) (*Processor, error) {
	if loop == nil {
		return nil, ErrNoPolicies
	}

	if err := loop.Validate(); err != nil {
		return nil, err
	}

	return &Processor{loop: loop, current: loop.Trigger}, nil
}

// RestoreProcessor positions a processor at a previously saved cursor.
func RestoreProcessor(loop *ControlLoop, current string) (*Processor, error) {
	p, err := NewProcessor(loop)
	if err != nil {
		return nil, err
	}

	p.current = current

	return p, nil
}

// ControlLoop returns the policy being walked.
func (p *Processor) ControlLoop() *ControlLoop {
	return p.loop
}

// Cursor returns the current operation id or final result.
func (p *Processor) Cursor() string {
	return p.current
}

// CheckIsCurrentPolicyFinal returns the final result the cursor points to, or
// "" while an operation is current.
func (p *Processor) CheckIsCurrentPolicyFinal() FinalResult {
	return ToFinalResult(p.current)
}

// CurrentPolicy returns the current operation.
func (p *Processor) CurrentPolicy() (*Operation, error) {
	if len(p.loop.Operations) == 0 {
		return nil, ErrNoPolicies
	}

	op, ok := p.loop.Operation(p.current)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCurrent, p.current)
	}

	return op, nil
}

// NextPolicyForResult moves the cursor along the routing field for result.
// An empty routing field ends the remediation with the matching final result.
// When there is no current operation the cursor moves to
// final_failure_exception and the error is returned.
func (p *Processor) NextPolicyForResult(result outcome.Result) error {
	current, err := p.CurrentPolicy()
	if err != nil {
		p.current = string(FinalFailureException)

		return fmt.Errorf("%w: %w", ErrNoCurrent, err)
	}

	var next string

	var fallback FinalResult

	switch result {
	case outcome.Success:
		next, fallback = current.Success, FinalSuccess
	case outcome.Failure:
		next, fallback = current.Failure, FinalFailure
	case outcome.FailureTimeout:
		next, fallback = current.FailureTimeout, FinalFailureTimeout
	case outcome.FailureRetries:
		next, fallback = current.FailureRetries, FinalFailureRetries
	case outcome.FailureException:
		next, fallback = current.FailureException, FinalFailureException
	default:
		next, fallback = current.FailureGuard, FinalFailureGuard
	}

	if next == "" {
		next = string(fallback)
	}

	p.current = next

	return nil
}
