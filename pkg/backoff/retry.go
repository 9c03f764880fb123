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

package backoff

import (
	"context"
	"time"

	cbackoff "github.com/cenkalti/backoff"
)

// RetryConfig bounds RetryTransient.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
}

// DefaultRetryConfig is used by the history writer and the Kafka sink.
var DefaultRetryConfig = RetryConfig{
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     5 * time.Second,
	MaxRetries:      5,
}

// RetryTransient calls fn with exponential backoff until it succeeds, the
// retries are used up, ctx is done, or fn returns a non-transient error.
// The last error is returned.
func RetryTransient(ctx context.Context, cfg RetryConfig, fn func() error) error {
	exp := cbackoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.InitialInterval
	exp.MaxInterval = cfg.MaxInterval
	exp.MaxElapsedTime = 0

	var policy cbackoff.BackOff = cbackoff.WithMaxRetries(exp, cfg.MaxRetries)
	policy = cbackoff.WithContext(policy, ctx)

	var lastErr error

	err := cbackoff.Retry(func() error {
		lastErr = fn()
		if lastErr == nil || IsTransientError(lastErr) {
			return lastErr
		}

		// non-transient: nothing to wait for
		return nil
	}, policy)
	if err != nil {
		return err
	}

	return lastErr
}
