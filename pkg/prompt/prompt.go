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

// Package prompt asks the operator to confirm destructive commands
package prompt

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Question is a yes/no question. Default is the answer assumed when the
// operator gives none.
type Question struct {
	Text    string
	Default bool
}

func (q Question) String() string {
	choices := "(y/N)"
	if q.Default {
		choices = "(Y/n)"
	}

	return fmt.Sprintf("%s %s", q.Text, choices)
}

func parseAnswer(input string, def bool) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "":
		return def, nil
	case "y", "yes":
		return true, nil
	case "n", "no":
		return false, nil
	default:
		return false, errors.Errorf("unrecognized answer '%s'", strings.TrimSpace(input))
	}
}

// Ask writes the question to w and reads one answer from r. Input that ends
// without an answer takes the default.
func Ask(r io.Reader, w io.Writer, q Question) (bool, error) {
	if _, err := fmt.Fprintf(w, "%s ", q); err != nil {
		return false, errors.Wrap(err, "writing question")
	}

	input, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, errors.Wrap(err, "reading answer")
	}

	return parseAnswer(input, q.Default)
}
