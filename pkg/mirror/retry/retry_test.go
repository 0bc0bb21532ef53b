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

package retry

import (
	"context"
	"testing"
	"time"

	"github.com/dnote/mirror/pkg/assert"
	"github.com/dnote/mirror/pkg/clock"
	"github.com/pkg/errors"
)

var errTransient = errors.New("connection reset")
var errPermanent = errors.New("invalid input")

func isTransient(err error) bool {
	return errors.Is(err, errTransient)
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	c := clock.NewMock()
	r := New(Policy{MaxAttempts: 3, BaseDelay: time.Second, RetryIf: isTransient}, c)

	var calls []int
	res := r.Do(context.Background(), func(attempt int) error {
		calls = append(calls, attempt)
		if attempt < 3 {
			return errTransient
		}
		return nil
	})

	assert.NoError(t, res.Err, "final error")
	assert.Equal(t, res.Attempts, 3, "attempt count mismatch")
	assert.DeepEqual(t, calls, []int{1, 2, 3}, "attempt numbers mismatch")
	assert.DeepEqual(t, c.Sleeps(), []time.Duration{time.Second, 2 * time.Second}, "backoff mismatch")
}

func TestDoExhausted(t *testing.T) {
	c := clock.NewMock()
	r := New(Policy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, RetryIf: isTransient}, c)

	res := r.Do(context.Background(), func(int) error { return errTransient })

	assert.Equal(t, res.Attempts, 3, "attempt count mismatch")
	assert.Equal(t, res.Err, errTransient, "last error mismatch")
	assert.Equal(t, len(c.Sleeps()), 2, "no sleep should follow the last attempt")
}

func TestDoDoesNotRetryPermanent(t *testing.T) {
	c := clock.NewMock()
	r := New(Policy{MaxAttempts: 5, RetryIf: isTransient}, c)

	res := r.Do(context.Background(), func(int) error { return errPermanent })

	assert.Equal(t, res.Attempts, 1, "permanent failure should not be retried")
	assert.Equal(t, res.Err, errPermanent, "error mismatch")
	assert.Equal(t, len(c.Sleeps()), 0, "permanent failure should not sleep")
}

func TestDoCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := New(Policy{MaxAttempts: 3}, clock.NewMock())

	res := r.Do(ctx, func(int) error {
		cancel()
		return errTransient
	})

	assert.Equal(t, res.Attempts, 1, "canceled run should stop")
	assert.Equal(t, res.Err, context.Canceled, "error mismatch")
}

func TestDelay(t *testing.T) {
	r := New(Policy{BaseDelay: time.Second, MaxDelay: 5 * time.Second}, clock.NewMock())

	testCases := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 0},
		{2, time.Second},
		{3, 2 * time.Second},
		{4, 4 * time.Second},
		{5, 5 * time.Second},
		{10, 5 * time.Second},
	}

	for _, tc := range testCases {
		assert.Equal(t, r.Delay(tc.attempt), tc.expected, "delay mismatch")
	}
}
