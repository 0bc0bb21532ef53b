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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// Mutation is a single-record write against the remote API
type Mutation struct {
	Kind string
	// Name is the mutation field, e.g. eventUpsert
	Name string
	// Document overrides the generated mutation document
	Document string
	// RemoteRef is the remote identifier of an existing record. It is empty for creates.
	RemoteRef      string
	IdempotencyKey string
	Input          map[string]interface{}
}

type userError struct {
	Field   []string `json:"field"`
	Message string   `json:"message"`
}

type mutationPayload struct {
	ID         interface{} `json:"id"`
	UserErrors []userError `json:"userErrors"`
}

func (m Mutation) document() string {
	if m.Document != "" {
		return m.Document
	}

	return fmt.Sprintf(
		"mutation %s($id: ID, $input: JSON!) { %s(id: $id, input: $input) { id userErrors { field message } } }",
		m.Name, m.Name,
	)
}

// Mutate sends the mutation and returns the remote identifier of the written
// record. The idempotency key lets the remote API deduplicate a resent mutation.
func (c *Client) Mutate(ctx context.Context, m Mutation) (string, error) {
	if m.Name == "" {
		return "", errors.Errorf("mutation for %s has no name", m.Kind)
	}

	vars := map[string]interface{}{
		"input": m.Input,
	}
	if m.RemoteRef != "" {
		vars["id"] = m.RemoteRef
	}

	body, err := json.Marshal(requestBody{
		OperationName: m.Name,
		Query:         m.document(),
		Variables:     vars,
	})
	if err != nil {
		return "", errors.Wrap(err, "marshalling mutation")
	}

	header := http.Header{}
	if m.IdempotencyKey != "" {
		header.Set("Idempotency-Key", m.IdempotencyKey)
	}

	res, err := c.do(ctx, "mutate "+m.Name, body, header)
	if err != nil {
		return "", err
	}

	raw, ok := res.Data[m.Name]
	if !ok {
		return "", &ValidationError{Messages: []string{fmt.Sprintf("response has no '%s' payload", m.Name)}}
	}

	var payload mutationPayload
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return "", &ValidationError{Messages: []string{errors.Wrap(err, "decoding mutation payload").Error()}}
	}

	if len(payload.UserErrors) > 0 {
		msgs := make([]string, 0, len(payload.UserErrors))
		for _, ue := range payload.UserErrors {
			if len(ue.Field) > 0 {
				msgs = append(msgs, fmt.Sprintf("%s: %s", strings.Join(ue.Field, "."), ue.Message))
			} else {
				msgs = append(msgs, ue.Message)
			}
		}

		return "", &ValidationError{Messages: msgs}
	}

	id, ok := StringValue(payload.ID)
	if !ok {
		return "", &ValidationError{Messages: []string{"mutation succeeded without a record id"}}
	}

	return id, nil
}
