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
	"strings"
	"time"

	"github.com/dnote/mirror/pkg/mirror/log"
	"github.com/pkg/errors"
)

const (
	// SortDesc orders a collection newest first
	SortDesc = "DESC"
	// SortAsc orders a collection oldest first
	SortAsc = "ASC"

	defaultPageSize      = 100
	defaultIDField       = "id"
	defaultModifiedField = "updatedAt"
)

// Sort is the ordering of a paginated query
type Sort struct {
	Key       string `json:"key"`
	Direction string `json:"direction"`
}

// Query describes a paginated read of one collection. It is resolved once from
// configuration and passed through unchanged.
type Query struct {
	Kind       string
	Collection string
	// Document overrides the generated query document
	Document      string
	Fields        []string
	PageSize      int
	Sort          Sort
	IDField       string
	ModifiedField string
}

// Filters are the collection filter passed verbatim to the remote API
type Filters map[string]interface{}

// Record is a raw record as returned by the remote API
type Record struct {
	ExternalID string
	Kind       string
	Fields     map[string]interface{}
	// ModifiedAt is nil when the remote did not report a usable recency
	ModifiedAt *time.Time
}

// Page is one page of records with its continuation
type Page struct {
	Records    []Record
	NextCursor string
	HasMore    bool
}

type gqlError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

type response struct {
	Data   map[string]json.RawMessage `json:"data"`
	Errors []gqlError                 `json:"errors"`
}

type pageInfo struct {
	HasNextPage bool    `json:"hasNextPage"`
	EndCursor   *string `json:"endCursor"`
}

type connection struct {
	Nodes    []map[string]interface{} `json:"nodes"`
	PageInfo pageInfo                 `json:"pageInfo"`
}

type requestBody struct {
	OperationName string                 `json:"operationName"`
	Query         string                 `json:"query"`
	Variables     map[string]interface{} `json:"variables"`
}

func (q Query) idField() string {
	if q.IDField != "" {
		return q.IDField
	}

	return defaultIDField
}

// RecencyField is the record field holding the modification time
func (q Query) RecencyField() string {
	if q.ModifiedField != "" {
		return q.ModifiedField
	}

	return defaultModifiedField
}

func (q Query) pageSize() int {
	if q.PageSize > 0 {
		return q.PageSize
	}

	return defaultPageSize
}

func (q Query) document() string {
	if q.Document != "" {
		return q.Document
	}

	selection := []string{q.idField(), q.RecencyField()}
	for _, f := range q.Fields {
		if f != q.idField() && f != q.RecencyField() {
			selection = append(selection, f)
		}
	}

	return fmt.Sprintf(
		"query %s($first: Int, $after: String, $sort: [SortInput!], $filter: JSON) { %s(first: $first, after: $after, sort: $sort, filter: $filter) { nodes { %s } pageInfo { hasNextPage endCursor } } }",
		q.Collection, q.Collection, strings.Join(selection, " "),
	)
}

func (q Query) variables(cursor string, filters Filters) map[string]interface{} {
	vars := map[string]interface{}{
		"first": q.pageSize(),
	}
	if cursor != "" {
		vars["after"] = cursor
	}
	if q.Sort.Key != "" {
		vars["sort"] = []Sort{q.Sort}
	}
	if len(filters) > 0 {
		vars["filter"] = filters
	}

	return vars
}

// StringValue renders a scalar JSON value as a string. It is used for
// identifiers, which the remote API may send as numbers.
func StringValue(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, val != ""
	case json.Number:
		return val.String(), true
	case float64:
		return fmt.Sprintf("%.0f", val), true
	case int:
		return fmt.Sprintf("%d", val), true
	case int64:
		return fmt.Sprintf("%d", val), true
	default:
		return "", false
	}
}

func (c *Client) toRecord(q Query, node map[string]interface{}) Record {
	rec := Record{
		Kind:   q.Kind,
		Fields: node,
	}

	if id, ok := StringValue(node[q.idField()]); ok {
		rec.ExternalID = id
	}

	if raw, ok := node[q.RecencyField()].(string); ok && raw != "" {
		t, err := c.timestamps.ParseRemote(raw)
		if err != nil {
			log.WithFields(log.Fields{
				"kind":        q.Kind,
				"external_id": rec.ExternalID,
				"value":       raw,
			}).Warn("unparseable modification timestamp, treating as unknown")
		} else {
			rec.ModifiedAt = &t
		}
	}

	return rec
}

// Fetch requests one page of the collection described by the query, starting
// after the given cursor
func (c *Client) Fetch(ctx context.Context, q Query, cursor string, filters Filters) (Page, error) {
	if q.Collection == "" {
		return Page{}, errors.Errorf("query for %s has no collection", q.Kind)
	}

	body, err := json.Marshal(requestBody{
		OperationName: q.Collection,
		Query:         q.document(),
		Variables:     q.variables(cursor, filters),
	})
	if err != nil {
		return Page{}, errors.Wrap(err, "marshalling query")
	}

	res, err := c.do(ctx, "fetch "+q.Collection, body, nil)
	if err != nil {
		return Page{}, err
	}

	raw, ok := res.Data[q.Collection]
	if !ok {
		return Page{}, &ValidationError{Messages: []string{fmt.Sprintf("response has no '%s' collection", q.Collection)}}
	}

	var conn connection
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&conn); err != nil {
		return Page{}, &ValidationError{Messages: []string{errors.Wrap(err, "decoding connection").Error()}}
	}

	page := Page{
		Records: make([]Record, 0, len(conn.Nodes)),
		HasMore: conn.PageInfo.HasNextPage,
	}
	if conn.PageInfo.EndCursor != nil {
		page.NextCursor = *conn.PageInfo.EndCursor
	}
	for _, node := range conn.Nodes {
		page.Records = append(page.Records, c.toRecord(q, node))
	}

	// a page claiming more results without a cursor cannot be continued
	if page.HasMore && page.NextCursor == "" {
		return Page{}, &ValidationError{Messages: []string{fmt.Sprintf("'%s' reported more pages without a cursor", q.Collection)}}
	}

	return page, nil
}
