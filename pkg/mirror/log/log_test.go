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

package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/dnote/mirror/pkg/assert"
	"github.com/pkg/errors"
)

func TestSetLevel(t *testing.T) {
	// Reset to default after test
	defer SetLevel(LevelInfo)

	SetLevel(LevelDebug)
	assert.Equal(t, GetLevel(), LevelDebug, "level mismatch")

	SetLevel(LevelError)
	assert.Equal(t, GetLevel(), LevelError, "level mismatch")
}

func TestShouldLog(t *testing.T) {
	defer SetLevel(LevelInfo)

	testCases := []struct {
		currentLevel string
		logLevel     string
		expected     bool
	}{
		{LevelDebug, LevelDebug, true},
		{LevelDebug, LevelError, true},
		{LevelInfo, LevelDebug, false},
		{LevelInfo, LevelInfo, true},
		{LevelInfo, LevelWarn, true},
		{LevelWarn, LevelInfo, false},
		{LevelWarn, LevelError, true},
		{LevelError, LevelWarn, false},
		{LevelError, LevelError, true},
	}

	for _, tc := range testCases {
		SetLevel(tc.currentLevel)
		assert.Equalf(t, shouldLog(tc.logLevel), tc.expected, tc.currentLevel+"/"+tc.logLevel)
	}
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	prev := SetOutput(&buf)
	defer SetOutput(prev)

	WithFields(Fields{
		"kind":        "events",
		"external_id": "ev-1",
		"error":       errors.New("unmappable field"),
	}).Warn("skipping record")

	var got map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatal(errors.Wrap(err, "decoding log line"))
	}

	assert.Equal(t, got["level"], LevelWarn, "level mismatch")
	assert.Equal(t, got["msg"], "skipping record", "msg mismatch")
	assert.Equal(t, got["kind"], "events", "kind mismatch")
	assert.Equal(t, got["external_id"], "ev-1", "external_id mismatch")
	assert.Equal(t, got["error"], "unmappable field", "error mismatch")
}

func TestBelowLevelIsDropped(t *testing.T) {
	var buf bytes.Buffer
	prev := SetOutput(&buf)
	defer SetOutput(prev)

	Debug("not written")

	assert.Equal(t, buf.Len(), 0, "debug entry should be dropped at info level")
}
