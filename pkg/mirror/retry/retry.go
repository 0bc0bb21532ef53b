/* Copyright 2025 Dnote Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package retry runs an operation again after transient failures, sleeping
// with exponential backoff between attempts
package retry

import (
	"context"
	"time"

	"github.com/dnote/mirror/pkg/clock"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 5 * time.Minute
)

// Policy configures retry behavior
type Policy struct {
	// MaxAttempts is the maximum number of attempts including the first
	MaxAttempts int
	// BaseDelay is the sleep before the second attempt. It doubles for every further attempt.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// RetryIf decides if a failed attempt is retried. Nil retries every error.
	RetryIf func(error) bool
}

// Result is the outcome of Do
type Result struct {
	Attempts int
	Err      error
}

// Retryer runs operations under a policy
type Retryer struct {
	policy Policy
	clock  clock.Clock
}

// New returns a retryer sleeping on the given clock
func New(p Policy, c clock.Clock) *Retryer {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if c == nil {
		c = clock.New()
	}

	return &Retryer{policy: p, clock: c}
}

// Policy returns the effective policy
func (r *Retryer) Policy() Policy {
	return r.policy
}

// Delay returns the sleep that precedes the given attempt. Attempt numbers start at 1.
func (r *Retryer) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	d := r.policy.BaseDelay
	for i := 2; i < attempt; i++ {
		d *= 2
		if d >= r.policy.MaxDelay {
			return r.policy.MaxDelay
		}
	}

	return d
}

// Do calls op until it succeeds, fails with an error that is not retried, or
// runs out of attempts. op receives the attempt number, starting at 1.
func (r *Retryer) Do(ctx context.Context, op func(attempt int) error) Result {
	var err error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			r.clock.Sleep(r.Delay(attempt))
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{Attempts: attempt - 1, Err: ctxErr}
		}

		err = op(attempt)
		if err == nil {
			return Result{Attempts: attempt}
		}

		if r.policy.RetryIf != nil && !r.policy.RetryIf(err) {
			return Result{Attempts: attempt, Err: err}
		}
	}

	return Result{Attempts: r.policy.MaxAttempts, Err: err}
}
