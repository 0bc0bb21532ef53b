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

package testutils

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
)

const cursorPrefix = "cursor:"

// Node is a record served by the fake remote
type Node map[string]interface{}

// FakeRequest is a request received by the fake remote API endpoint
type FakeRequest struct {
	Operation      string
	Mutation       bool
	Variables      map[string]interface{}
	IdempotencyKey string
}

// FakeWrite is a mutation committed by the fake remote
type FakeWrite struct {
	Name           string
	ID             string
	Input          map[string]interface{}
	IdempotencyKey string
}

// FakeRemote is an in-process implementation of the remote read, write and
// token APIs with fault injection
type FakeRemote struct {
	Server *httptest.Server

	mu           sync.Mutex
	collections  map[string][]Node
	requests     []FakeRequest
	writes       []FakeWrite
	idempotency  map[string]string
	accessToken  string
	refreshToken string
	refreshCount int
	refreshBroke bool
	failNext     int
	failStatus   int
	throttleNext int
	rejectCursor bool
	rejectNext   int
	rejectMsg    string
	dropNext     int
	nextID       int
	ModifiedKey  string
}

// NewFakeRemote starts a fake remote server that is closed when the test ends
func NewFakeRemote(t *testing.T) *FakeRemote {
	f := &FakeRemote{
		collections:  map[string][]Node{},
		idempotency:  map[string]string{},
		accessToken:  "access-0",
		refreshToken: "refresh-0",
		nextID:       1000,
		ModifiedKey:  "updatedAt",
	}

	r := mux.NewRouter()
	r.HandleFunc("/graphql", f.handleGraphQL).Methods(http.MethodPost)
	r.HandleFunc("/oauth/token", f.handleToken).Methods(http.MethodPost)

	f.Server = httptest.NewServer(r)
	t.Cleanup(f.Server.Close)

	return f
}

// Endpoint is the URL of the API endpoint
func (f *FakeRemote) Endpoint() string {
	return f.Server.URL + "/graphql"
}

// TokenURL is the URL of the token endpoint
func (f *FakeRemote) TokenURL() string {
	return f.Server.URL + "/oauth/token"
}

// AccessToken returns the currently valid bearer credential
func (f *FakeRemote) AccessToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.accessToken
}

// RefreshToken returns the currently valid refresh token
func (f *FakeRemote) RefreshToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.refreshToken
}

// SetNodes replaces the records of a collection. They are served in the given order.
func (f *FakeRemote) SetNodes(collection string, nodes []Node) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.collections[collection] = nodes
}

// ExpireAccessToken invalidates the current bearer credential
func (f *FakeRemote) ExpireAccessToken() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.accessToken = f.accessToken + "-expired"
}

// BreakRefresh makes every token refresh fail
func (f *FakeRemote) BreakRefresh() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.refreshBroke = true
}

// FailNext answers the next n API requests with the given status
func (f *FakeRemote) FailNext(n, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failNext = n
	f.failStatus = status
}

// ThrottleNext answers the next n API requests with a throttling error
func (f *FakeRemote) ThrottleNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.throttleNext = n
}

// RejectCursors makes every request with a cursor fail validation
func (f *FakeRemote) RejectCursors(reject bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rejectCursor = reject
}

// RejectMutations answers the next n mutations with a user error
func (f *FakeRemote) RejectMutations(n int, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rejectNext = n
	f.rejectMsg = msg
}

// DropResponsesAfterCommit commits the next n mutations and then closes the
// connection without answering
func (f *FakeRemote) DropResponsesAfterCommit(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.dropNext = n
}

// Requests returns the API requests received so far
func (f *FakeRemote) Requests() []FakeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	ret := make([]FakeRequest, len(f.requests))
	copy(ret, f.requests)

	return ret
}

// FetchCount returns the number of read requests received for the collection
func (f *FakeRemote) FetchCount(collection string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	var ret int
	for _, r := range f.requests {
		if !r.Mutation && r.Operation == collection {
			ret++
		}
	}

	return ret
}

// Writes returns the mutations committed so far
func (f *FakeRemote) Writes() []FakeWrite {
	f.mu.Lock()
	defer f.mu.Unlock()

	ret := make([]FakeWrite, len(f.writes))
	copy(ret, f.writes)

	return ret
}

// RefreshCount returns the number of successful token refreshes
func (f *FakeRemote) RefreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.refreshCount
}

type fakeBody struct {
	OperationName string                 `json:"operationName"`
	Query         string                 `json:"query"`
	Variables     map[string]interface{} `json:"variables"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func graphQLError(msg, code string) map[string]interface{} {
	e := map[string]interface{}{"message": msg}
	if code != "" {
		e["extensions"] = map[string]interface{}{"code": code}
	}

	return map[string]interface{}{"errors": []interface{}{e}}
}

func (f *FakeRemote) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.refreshBroke || r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") != f.refreshToken {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}

	f.refreshCount++
	f.accessToken = fmt.Sprintf("access-%d", f.refreshCount)
	f.refreshToken = fmt.Sprintf("refresh-%d", f.refreshCount)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  f.accessToken,
		"refresh_token": f.refreshToken,
		"expires_in":    3600,
	})
}

func (f *FakeRemote) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	var body fakeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()

	if r.Header.Get("Authorization") != "Bearer "+f.accessToken {
		f.mu.Unlock()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	isMutation := strings.HasPrefix(strings.TrimSpace(body.Query), "mutation")
	f.requests = append(f.requests, FakeRequest{
		Operation:      body.OperationName,
		Mutation:       isMutation,
		Variables:      body.Variables,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})

	if f.failNext > 0 {
		f.failNext--
		status := f.failStatus
		f.mu.Unlock()
		http.Error(w, "unavailable", status)
		return
	}
	if f.throttleNext > 0 {
		f.throttleNext--
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, graphQLError("too many requests", "THROTTLED"))
		return
	}

	if isMutation {
		f.handleMutation(w, r, body)
		return
	}

	f.handleQuery(w, body)
}

// handleQuery is called with the lock held
func (f *FakeRemote) handleQuery(w http.ResponseWriter, body fakeBody) {
	defer f.mu.Unlock()

	nodes, ok := f.collections[body.OperationName]
	if !ok {
		writeJSON(w, http.StatusOK, graphQLError(fmt.Sprintf("unknown collection %s", body.OperationName), ""))
		return
	}

	if filter, ok := body.Variables["filter"].(map[string]interface{}); ok {
		nodes = f.applyFilter(nodes, filter)
	}

	start := 0
	if after, ok := body.Variables["after"].(string); ok && after != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(after, cursorPrefix))
		if f.rejectCursor || err != nil || !strings.HasPrefix(after, cursorPrefix) {
			writeJSON(w, http.StatusOK, graphQLError("invalid cursor", "INVALID_CURSOR"))
			return
		}
		start = n
	}

	first := 100
	if v, ok := body.Variables["first"].(float64); ok && v > 0 {
		first = int(v)
	}

	if start > len(nodes) {
		start = len(nodes)
	}
	end := start + first
	if end > len(nodes) {
		end = len(nodes)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			body.OperationName: map[string]interface{}{
				"nodes": nodes[start:end],
				"pageInfo": map[string]interface{}{
					"hasNextPage": end < len(nodes),
					"endCursor":   fmt.Sprintf("%s%d", cursorPrefix, end),
				},
			},
		},
	})
}

// applyFilter keeps the nodes whose modification time falls in the gte/lt range of the filter
func (f *FakeRemote) applyFilter(nodes []Node, filter map[string]interface{}) []Node {
	rng, ok := filter[f.ModifiedKey].(map[string]interface{})
	if !ok {
		return nodes
	}

	var gte, lt *time.Time
	if s, ok := rng["gte"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			gte = &t
		}
	}
	if s, ok := rng["lt"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			lt = &t
		}
	}

	ret := []Node{}
	for _, n := range nodes {
		s, ok := n[f.ModifiedKey].(string)
		if !ok {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			continue
		}
		if gte != nil && t.Before(*gte) {
			continue
		}
		if lt != nil && !t.Before(*lt) {
			continue
		}

		ret = append(ret, n)
	}

	return ret
}

// handleMutation is called with the lock held
func (f *FakeRemote) handleMutation(w http.ResponseWriter, r *http.Request, body fakeBody) {
	key := r.Header.Get("Idempotency-Key")

	if f.rejectNext > 0 {
		f.rejectNext--
		msg := f.rejectMsg
		f.mu.Unlock()

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": map[string]interface{}{
				body.OperationName: map[string]interface{}{
					"id":         nil,
					"userErrors": []interface{}{map[string]interface{}{"field": []string{"input"}, "message": msg}},
				},
			},
		})
		return
	}

	id, seen := f.idempotency[key]
	if !seen || key == "" {
		if ref, ok := body.Variables["id"].(string); ok && ref != "" {
			id = ref
		} else {
			f.nextID++
			id = fmt.Sprintf("R%d", f.nextID)
		}

		input, _ := body.Variables["input"].(map[string]interface{})
		f.writes = append(f.writes, FakeWrite{
			Name:           body.OperationName,
			ID:             id,
			Input:          input,
			IdempotencyKey: key,
		})
		if key != "" {
			f.idempotency[key] = id
		}
	}

	drop := f.dropNext > 0
	if drop {
		f.dropNext--
	}
	f.mu.Unlock()

	if drop {
		hj, ok := w.(http.Hijacker)
		if !ok {
			http.Error(w, "cannot drop response", http.StatusInternalServerError)
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			conn.Close()
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			body.OperationName: map[string]interface{}{
				"id":         id,
				"userErrors": []interface{}{},
			},
		},
	})
}

// WriteIDs returns the distinct remote identifiers written so far, sorted
func (f *FakeRemote) WriteIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	seen := map[string]bool{}
	ret := []string{}
	for _, w := range f.writes {
		if !seen[w.ID] {
			seen[w.ID] = true
			ret = append(ret, w.ID)
		}
	}
	sort.Strings(ret)

	return ret
}
