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

// Package incremental pages through a collection newest first and stops as
// soon as records are older than the watermark minus a safety margin
package incremental

import (
	"context"
	"time"

	"github.com/dnote/mirror/pkg/mirror/log"
	"github.com/dnote/mirror/pkg/mirror/remote"
	"github.com/dnote/mirror/pkg/mirror/retry"
	"github.com/pkg/errors"
)

// Fetcher fetches one page of a collection
type Fetcher interface {
	Fetch(ctx context.Context, q remote.Query, cursor string, filters remote.Filters) (remote.Page, error)
}

// Handler processes one record. A returned error aborts the run.
type Handler func(ctx context.Context, rec remote.Record) error

// Result summarizes a run
type Result struct {
	Pages     int
	Processed int
	// StoppedEarly is set when pagination ended on a record at or before the threshold
	StoppedEarly bool
	Threshold    time.Time
}

// Strategy is the incremental fetch strategy
type Strategy struct {
	fetcher Fetcher
	margin  time.Duration
	retryer *retry.Retryer
}

// New returns a strategy. Transient page fetch failures are retried by the
// given retryer; a nil retryer makes a single attempt.
func New(f Fetcher, margin time.Duration, r *retry.Retryer) *Strategy {
	return &Strategy{
		fetcher: f,
		margin:  margin,
		retryer: r,
	}
}

// FetchPage fetches a page, retrying transient failures
func FetchPage(ctx context.Context, f Fetcher, r *retry.Retryer, q remote.Query, cursor string, filters remote.Filters) (remote.Page, error) {
	if r == nil {
		return f.Fetch(ctx, q, cursor, filters)
	}

	var page remote.Page
	res := r.Do(ctx, func(attempt int) error {
		var err error
		page, err = f.Fetch(ctx, q, cursor, filters)
		if err != nil && remote.IsTransient(err) {
			log.WithFields(log.Fields{
				"kind":    q.Kind,
				"attempt": attempt,
				"error":   err,
			}).Warn("page fetch failed")
		}
		return err
	})

	return page, res.Err
}

// Run hands every record modified after the threshold to the handler, newest
// first. The first record whose modification time is at or before the
// threshold ends the run without being handled, and no further page is
// requested. Records with an unknown modification time are always handled.
func (s *Strategy) Run(ctx context.Context, q remote.Query, watermark time.Time, handle Handler) (Result, error) {
	threshold := watermark.Add(-s.margin)
	ret := Result{Threshold: threshold}

	if q.Sort.Direction != remote.SortDesc {
		return ret, errors.Errorf("incremental fetch of %s requires a descending sort", q.Kind)
	}

	cursor := ""
	for {
		page, err := FetchPage(ctx, s.fetcher, s.retryer, q, cursor, nil)
		if err != nil {
			return ret, errors.Wrapf(err, "fetching page %d of %s", ret.Pages+1, q.Kind)
		}
		ret.Pages++

		for _, rec := range page.Records {
			if rec.ModifiedAt != nil && !rec.ModifiedAt.After(threshold) {
				ret.StoppedEarly = true

				log.WithFields(log.Fields{
					"kind":        q.Kind,
					"external_id": rec.ExternalID,
					"pages":       ret.Pages,
					"processed":   ret.Processed,
				}).Debug("reached records older than the threshold")

				return ret, nil
			}

			if err := handle(ctx, rec); err != nil {
				return ret, err
			}
			ret.Processed++
		}

		if !page.HasMore {
			return ret, nil
		}
		cursor = page.NextCursor
	}
}
