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

// Package output provides functions to print run results on the terminal
// in a consistent manner
package output

import (
	"sort"
	"time"

	"github.com/dnote/mirror/pkg/mirror/database"
	"github.com/dnote/mirror/pkg/mirror/engine"
	"github.com/dnote/mirror/pkg/mirror/log"
	"github.com/dnote/mirror/pkg/mirror/push"
)

func formatTime(t *time.Time) string {
	if t == nil {
		return "none"
	}

	return t.UTC().Format(time.RFC3339)
}

// SyncSummary prints the outcome of an engine run
func SyncSummary(s engine.Summary) {
	for _, k := range s.Kinds {
		if k.Err != nil {
			log.Errorf("%s (%s): %v\n", k.Kind, k.Mode, k.Err)
			continue
		}

		if k.Errors > 0 {
			log.Warnf("%s (%s): %d synced, %d skipped, watermark %s\n", k.Kind, k.Mode, k.Synced, k.Errors, formatTime(k.Watermark))
			continue
		}

		log.Successf("%s (%s): %d synced, watermark %s\n", k.Kind, k.Mode, k.Synced, formatTime(k.Watermark))
	}

	log.Plainf("took %s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
}

// PushSummary prints the outcome of a push run
func PushSummary(s push.Summary) {
	if len(s) == 0 {
		log.Infof("nothing to push\n")
		return
	}

	for _, kind := range database.Kinds {
		k, ok := s[kind]
		if !ok {
			continue
		}

		if k.Errors > 0 {
			log.Warnf("%s: %d pushed, %d failed\n", kind, k.Synced, k.Errors)
		} else {
			log.Successf("%s: %d pushed\n", kind, k.Synced)
		}
	}
}

// Status prints the sync state of the mirror
func Status(s engine.Status) {
	lastRun := s.LastRunAt
	if lastRun == "" {
		lastRun = "never"
	}
	log.Infof("last run: %s\n", lastRun)

	for _, k := range s.Kinds {
		wm := formatTime(k.Watermark)
		if k.WatermarkErr != nil {
			wm = k.WatermarkErr.Error()
		}

		log.Infof("%s: %d rows, watermark %s\n", k.Kind, k.Rows, wm)

		if len(k.Queue) > 0 {
			statuses := make([]string, 0, len(k.Queue))
			for status := range k.Queue {
				statuses = append(statuses, status)
			}
			sort.Strings(statuses)

			for _, status := range statuses {
				log.Plainf("    %s: %d\n", status, k.Queue[status])
			}
		}

		if k.Backfill.Windows > 0 {
			log.Plainf("    backfill: %d/%d windows, %d records\n", k.Backfill.Completed, k.Backfill.Windows, k.Backfill.Items)
		}
	}
}
