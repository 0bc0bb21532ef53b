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

package remote

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// HTTPError represents an HTTP error response from the remote API
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf(`response %d "%s"`, e.StatusCode, e.Message)
}

// TransientNetworkError is a failure that may succeed if the same call is made again,
// such as a connection reset, a timeout or a throttled response
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error {
	return e.Err
}

// AuthExpiredError is returned when the bearer credential could not be renewed
type AuthExpiredError struct {
	Err error
}

func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf("authorization expired: %v", e.Err)
}

func (e *AuthExpiredError) Unwrap() error {
	return e.Err
}

// ValidationError is returned when the remote API rejects a query or a mutation.
// Sending the same request again will fail the same way.
type ValidationError struct {
	StatusCode int
	Messages   []string
}

func (e *ValidationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("rejected by remote (%d): %s", e.StatusCode, strings.Join(e.Messages, "; "))
	}

	return fmt.Sprintf("rejected by remote: %s", strings.Join(e.Messages, "; "))
}

// IsTransient tells if the error is worth retrying
func IsTransient(err error) bool {
	var e *TransientNetworkError
	return errors.As(err, &e)
}

// IsAuthExpired tells if the error is an unrecoverable authorization failure
func IsAuthExpired(err error) bool {
	var e *AuthExpiredError
	return errors.As(err, &e)
}

// IsValidation tells if the error is a rejection by the remote API
func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}
