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

package entity

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/dnote/mirror/pkg/mirror/remote"
	"github.com/dnote/mirror/pkg/mirror/timezone"
	"github.com/pkg/errors"
)

// fields reads typed values out of a raw remote record
type fields map[string]interface{}

func (f fields) str(key string) (string, error) {
	switch v := f[key].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return "", errors.Errorf("field %s: expected a scalar, got %T", key, v)
	}
}

// ref reads a reference to another record, either a bare id or an object with an id
func (f fields) ref(key string) (string, error) {
	v := f[key]
	if obj, ok := v.(map[string]interface{}); ok {
		v = obj["id"]
	}
	if v == nil {
		return "", nil
	}

	id, ok := remote.StringValue(v)
	if !ok {
		return "", errors.Errorf("field %s: not a record reference", key)
	}

	return id, nil
}

func (f fields) boolean(key string) (bool, bool, error) {
	switch v := f[key].(type) {
	case nil:
		return false, false, nil
	case bool:
		return v, true, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, false, errors.Wrapf(err, "field %s", key)
		}
		return b, true, nil
	default:
		return false, false, errors.Errorf("field %s: expected a boolean, got %T", key, v)
	}
}

func (f fields) instant(n *timezone.Normalizer, key string) (*time.Time, error) {
	s, err := f.str(key)
	if err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}

	t, err := n.ParseRemote(s)
	if err != nil {
		return nil, errors.Wrapf(err, "field %s", key)
	}

	return &t, nil
}

// retired tells if the remote marks the record inactive, through either
// isActive=false or archived=true
func (f fields) retired() (bool, error) {
	active, ok, err := f.boolean("isActive")
	if err != nil {
		return false, err
	}
	if ok && !active {
		return true, nil
	}

	archived, _, err := f.boolean("archived")
	if err != nil {
		return false, err
	}

	return archived, nil
}

func validate(rec remote.Record) error {
	if rec.ExternalID == "" {
		return errors.New("record has no external id")
	}

	return nil
}
