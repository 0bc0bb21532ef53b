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
	"time"

	"github.com/dnote/mirror/pkg/mirror/backfill"
	"github.com/dnote/mirror/pkg/mirror/database"
	"github.com/dnote/mirror/pkg/mirror/watermark"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// KindStatus is the sync state of one kind
type KindStatus struct {
	Kind      string
	Rows      int64
	Watermark *time.Time
	// WatermarkErr is set when the watermark is missing or unreadable
	WatermarkErr error
	// Queue counts the rows of a pushable kind by sync status
	Queue    map[string]int64
	Backfill backfill.Progress
}

// Status describes the sync state of the mirror
type Status struct {
	LastRunAt string
	Kinds     []KindStatus
}

type statusCount struct {
	SyncStatus string
	Count      int64
}

// GetStatus reads the sync state of the given kinds
func GetStatus(db *gorm.DB, kinds []string) (Status, error) {
	var ret Status

	lastRun, err := database.GetSystem(db, database.SystemLastRunAt)
	if err != nil && !errors.Is(err, database.ErrSystemNotFound) {
		return ret, err
	}
	ret.LastRunAt = lastRun

	store := watermark.New(db)
	for _, kind := range kinds {
		if !database.IsKnownKind(kind) {
			return ret, errors.Errorf("unknown kind '%s'", kind)
		}

		ks := KindStatus{Kind: kind}

		if err := db.Table(kind).Count(&ks.Rows).Error; err != nil {
			return ret, errors.Wrapf(err, "counting %s", kind)
		}

		wm, err := store.Get(kind)
		if err == nil {
			ks.Watermark = &wm
		} else if errors.Is(err, watermark.ErrMissing) || errors.Is(err, watermark.ErrCorrupt) {
			ks.WatermarkErr = err
		} else {
			return ret, err
		}

		if database.IsMutableKind(kind) {
			var counts []statusCount
			if err := db.Table(kind).
				Select("sync_status, count(*) AS count").
				Group("sync_status").
				Scan(&counts).Error; err != nil {
				return ret, errors.Wrapf(err, "counting %s by sync status", kind)
			}

			ks.Queue = map[string]int64{}
			for _, c := range counts {
				ks.Queue[c.SyncStatus] = c.Count
			}
		}

		ks.Backfill, err = backfill.LoadProgress(db, kind)
		if err != nil {
			return ret, err
		}

		ret.Kinds = append(ret.Kinds, ks)
	}

	return ret, nil
}
