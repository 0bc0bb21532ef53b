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

package engine

import (
	"context"
	"time"

	"github.com/dnote/mirror/pkg/mirror/entity"
	"github.com/dnote/mirror/pkg/mirror/log"
	"github.com/dnote/mirror/pkg/mirror/remote"
	"github.com/pkg/errors"
)

// tracker hands records to a synchronizer, isolating per-record failures, and
// works out how far the watermark may advance
type tracker struct {
	kind             string
	sync             entity.Synchronizer
	abortOnTransient bool

	synced int
	errors int
	// latest is the newest modification time that needs no further work
	latest *time.Time
	// oldestFailed is the oldest modification time of a record that must be fetched again
	oldestFailed *time.Time
	// hold is set when a record that must be fetched again has no modification time
	hold bool
}

func (t *tracker) observe(at *time.Time) {
	if at != nil && (t.latest == nil || at.After(*t.latest)) {
		v := *at
		t.latest = &v
	}
}

func (t *tracker) fail(at *time.Time) {
	if at == nil {
		t.hold = true
		return
	}
	if t.oldestFailed == nil || at.Before(*t.oldestFailed) {
		v := *at
		t.oldestFailed = &v
	}
}

func (t *tracker) handle(ctx context.Context, rec remote.Record) error {
	err := t.sync.Sync(ctx, rec)
	if err == nil {
		t.synced++
		t.observe(rec.ModifiedAt)
		return nil
	}

	var se *entity.SyncError
	if !errors.As(err, &se) {
		return err
	}

	t.errors++
	log.WithFields(log.Fields{
		"kind":        t.kind,
		"external_id": rec.ExternalID,
		"permanent":   se.Permanent,
		"error":       se.Err,
	}).Warn("record not synchronized")

	if se.Permanent {
		t.observe(rec.ModifiedAt)
		return nil
	}

	t.fail(rec.ModifiedAt)
	if t.abortOnTransient {
		return err
	}

	return nil
}

// target returns the instant the watermark may advance to. The watermark stays
// strictly below the oldest record that failed to be written.
func (t *tracker) target() (time.Time, bool) {
	if t.hold || t.latest == nil {
		return time.Time{}, false
	}

	ret := *t.latest
	if t.oldestFailed != nil && !ret.Before(*t.oldestFailed) {
		ret = t.oldestFailed.Add(-time.Nanosecond)
	}

	return ret, true
}
