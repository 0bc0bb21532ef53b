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

// Package backfill rebuilds a kind from scratch by paging the remote
// collection one calendar window at a time. Progress is persisted so that an
// interrupted backfill resumes where it stopped.
package backfill

import (
	"context"
	"time"

	"github.com/dnote/mirror/pkg/clock"
	"github.com/dnote/mirror/pkg/mirror/database"
	"github.com/dnote/mirror/pkg/mirror/incremental"
	"github.com/dnote/mirror/pkg/mirror/log"
	"github.com/dnote/mirror/pkg/mirror/remote"
	"github.com/dnote/mirror/pkg/mirror/retry"
	"github.com/dnote/mirror/pkg/mirror/timezone"
	"github.com/dnote/mirror/pkg/mirror/watermark"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Granularity is the size of a backfill window
type Granularity string

const (
	// Year windows span one calendar year in the operational timezone
	Year = Granularity(timezone.PeriodYear)
	// Month windows span one calendar month in the operational timezone
	Month = Granularity(timezone.PeriodMonth)
)

// Params configures an Orchestrator
type Params struct {
	DB         *gorm.DB
	Fetcher    incremental.Fetcher
	Retryer    *retry.Retryer
	Normalizer *timezone.Normalizer
	Clock      clock.Clock
	// Start is the earliest modification time to backfill from
	Start       time.Time
	Granularity Granularity
}

// Orchestrator runs backfills
type Orchestrator struct {
	db          *gorm.DB
	fetcher     incremental.Fetcher
	retryer     *retry.Retryer
	normalizer  *timezone.Normalizer
	clock       clock.Clock
	start       time.Time
	granularity Granularity
}

// Result summarizes a backfill
type Result struct {
	Windows        int
	SkippedWindows int
	Pages          int
	Processed      int
	// Duplicates counts records skipped because an earlier attempt processed them
	Duplicates int
	// Restarts counts windows paged again from the beginning after their saved cursor was rejected
	Restarts    int
	MaxModified *time.Time
	Watermark   time.Time
}

// Progress describes an unfinished backfill
type Progress struct {
	Windows   int
	Completed int
	Items     int
}

type window struct {
	start time.Time
	end   time.Time
}

// New returns an orchestrator
func New(p Params) (*Orchestrator, error) {
	if p.DB == nil || p.Fetcher == nil || p.Normalizer == nil {
		return nil, errors.New("database, fetcher and normalizer are required")
	}
	if p.Start.IsZero() {
		return nil, errors.New("backfill start is required")
	}

	g := p.Granularity
	switch g {
	case "":
		g = Year
	case Year, Month:
	default:
		return nil, errors.Errorf("unknown backfill window '%s'", g)
	}

	c := p.Clock
	if c == nil {
		c = clock.New()
	}

	return &Orchestrator{
		db:          p.DB,
		fetcher:     p.Fetcher,
		retryer:     p.Retryer,
		normalizer:  p.Normalizer,
		clock:       c,
		start:       p.Start,
		granularity: g,
	}, nil
}

// windows splits [start, now) into calendar windows. The last window extends to
// the end of its calendar period.
func (o *Orchestrator) windows(now time.Time) []window {
	var ret []window

	p := timezone.Period(o.granularity)
	for cur := o.normalizer.WindowStart(o.start, p); cur.Before(now); {
		next := o.normalizer.NextWindow(cur, p)
		ret = append(ret, window{start: cur, end: next})
		cur = next
	}

	return ret
}

func (o *Orchestrator) filters(q remote.Query, w window) remote.Filters {
	return remote.Filters{
		q.RecencyField(): map[string]interface{}{
			"gte": o.normalizer.FormatRemote(w.start),
			"lt":  o.normalizer.FormatRemote(w.end),
		},
	}
}

func (o *Orchestrator) loadWindows(ctx context.Context, kind string) (map[int64]*database.BackfillWindow, error) {
	var rows []database.BackfillWindow
	if err := o.db.WithContext(ctx).Where("kind = ?", kind).Find(&rows).Error; err != nil {
		return nil, errors.Wrapf(err, "reading backfill windows of %s", kind)
	}

	ret := make(map[int64]*database.BackfillWindow, len(rows))
	for i := range rows {
		ret[rows[i].WindowStart.Unix()] = &rows[i]
	}

	return ret, nil
}

// processed returns the recorded item of a record handled earlier in the
// backfill, or nil
func (o *Orchestrator) processed(ctx context.Context, kind, externalID string) (*database.BackfillItem, error) {
	var items []database.BackfillItem
	if err := o.db.WithContext(ctx).
		Where("kind = ? AND external_id = ?", kind, externalID).
		Limit(1).
		Find(&items).Error; err != nil {
		return nil, errors.Wrapf(err, "reading backfill progress of %s %s", kind, externalID)
	}
	if len(items) == 0 {
		return nil, nil
	}

	return &items[0], nil
}

// isHandled tells if the record is a version no newer than the one already
// handled. A record modified since it was handled, for instance one that moved
// into a later window, is handled again.
func isHandled(item *database.BackfillItem, rec remote.Record) bool {
	if item == nil {
		return false
	}
	if rec.ModifiedAt == nil || item.ModifiedAt == nil {
		return rec.ModifiedAt == nil && item.ModifiedAt == nil
	}

	return !rec.ModifiedAt.After(*item.ModifiedAt)
}

func (o *Orchestrator) markProcessed(ctx context.Context, rec remote.Record, kind string, w window) error {
	item := database.BackfillItem{Kind: kind, ExternalID: rec.ExternalID, WindowStart: w.start, ModifiedAt: rec.ModifiedAt}

	err := o.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kind"}, {Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"window_start", "modified_at", "updated_at"}),
	}).Create(&item).Error
	if err != nil {
		return errors.Wrapf(err, "recording backfill progress of %s %s", kind, rec.ExternalID)
	}

	return nil
}

func laterOf(a, b *time.Time) *time.Time {
	if a == nil {
		return b
	}
	if b == nil || !b.After(*a) {
		return a
	}

	return b
}

// Run backfills the kind of the query, handing every record to handle.
// Windows completed by an earlier interrupted run are skipped, as are records
// that were already handled. When every window is complete the watermark is
// reset to the latest modification time seen and the progress is discarded.
// A handler error aborts the backfill with its progress kept.
func (o *Orchestrator) Run(ctx context.Context, q remote.Query, handle incremental.Handler) (Result, error) {
	var ret Result

	saved, err := o.loadWindows(ctx, q.Kind)
	if err != nil {
		return ret, err
	}

	for _, w := range o.windows(o.clock.Now()) {
		row, ok := saved[w.start.Unix()]
		if !ok {
			row = &database.BackfillWindow{Kind: q.Kind, WindowStart: w.start, WindowEnd: w.end}
			if err := o.db.WithContext(ctx).Create(row).Error; err != nil {
				return ret, errors.Wrapf(err, "recording backfill window of %s", q.Kind)
			}
		}

		if row.Completed {
			ret.SkippedWindows++
			ret.MaxModified = laterOf(ret.MaxModified, row.MaxModified)
			continue
		}

		if err := o.runWindow(ctx, q, w, row, handle, &ret); err != nil {
			return ret, errors.Wrapf(err, "backfilling %s from %s", q.Kind, o.normalizer.LocalDate(w.start))
		}
		ret.Windows++
		ret.MaxModified = laterOf(ret.MaxModified, row.MaxModified)
	}

	// with nothing to mirror the kind is complete up to the backfill start
	ret.Watermark = o.start.UTC()
	if ret.MaxModified != nil {
		ret.Watermark = ret.MaxModified.UTC()
	}

	err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := watermark.New(tx).Reset(q.Kind, ret.Watermark); err != nil {
			return err
		}

		return clearProgress(tx, q.Kind)
	})
	if err != nil {
		return ret, errors.Wrapf(err, "finishing backfill of %s", q.Kind)
	}

	log.WithFields(log.Fields{
		"kind":            q.Kind,
		"windows":         ret.Windows,
		"skipped_windows": ret.SkippedWindows,
		"processed":       ret.Processed,
		"duplicates":      ret.Duplicates,
		"watermark":       o.normalizer.FormatRemote(ret.Watermark),
	}).Info("backfill complete")

	return ret, nil
}

func (o *Orchestrator) runWindow(ctx context.Context, q remote.Query, w window, row *database.BackfillWindow, handle incremental.Handler, ret *Result) error {
	filters := o.filters(q, w)
	cursor := row.Cursor
	restarted := false

	for {
		page, err := incremental.FetchPage(ctx, o.fetcher, o.retryer, q, cursor, filters)
		if err != nil {
			if cursor == "" || restarted || !remote.IsValidation(err) {
				return err
			}

			log.WithFields(log.Fields{
				"kind":   q.Kind,
				"window": o.normalizer.LocalDate(w.start),
				"error":  err,
			}).Warn("saved cursor rejected, restarting window")

			restarted = true
			ret.Restarts++
			cursor = ""
			continue
		}
		ret.Pages++

		maxModified := row.MaxModified
		for _, rec := range page.Records {
			item, err := o.processed(ctx, q.Kind, rec.ExternalID)
			if err != nil {
				return err
			}
			if isHandled(item, rec) {
				ret.Duplicates++
				continue
			}

			if err := handle(ctx, rec); err != nil {
				return err
			}
			if err := o.markProcessed(ctx, rec, q.Kind, w); err != nil {
				return err
			}

			ret.Processed++
			maxModified = laterOf(maxModified, rec.ModifiedAt)
		}

		next := ""
		if page.HasMore {
			next = page.NextCursor
		}

		updates := map[string]interface{}{
			"cursor":       next,
			"completed":    !page.HasMore,
			"max_modified": maxModified,
			"updated_at":   o.clock.Now().UTC(),
		}
		if err := o.db.WithContext(ctx).Model(&database.BackfillWindow{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
			return errors.Wrap(err, "saving backfill cursor")
		}
		row.Cursor = next
		row.Completed = !page.HasMore
		row.MaxModified = maxModified

		if !page.HasMore {
			return nil
		}
		cursor = next
	}
}

func clearProgress(db *gorm.DB, kind string) error {
	if err := db.Where("kind = ?", kind).Delete(&database.BackfillItem{}).Error; err != nil {
		return errors.Wrapf(err, "clearing backfill items of %s", kind)
	}
	if err := db.Where("kind = ?", kind).Delete(&database.BackfillWindow{}).Error; err != nil {
		return errors.Wrapf(err, "clearing backfill windows of %s", kind)
	}

	return nil
}

// Restart discards the saved progress of the kind so that the next backfill
// starts from the first window
func (o *Orchestrator) Restart(ctx context.Context, kind string) error {
	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return clearProgress(tx, kind)
	})
}

// LoadProgress returns the saved progress of an unfinished backfill of the kind
func LoadProgress(db *gorm.DB, kind string) (Progress, error) {
	var ret Progress
	var windows, completed, items int64

	if err := db.Model(&database.BackfillWindow{}).Where("kind = ?", kind).Count(&windows).Error; err != nil {
		return ret, errors.Wrap(err, "counting backfill windows")
	}
	if err := db.Model(&database.BackfillWindow{}).Where("kind = ? AND completed = ?", kind, true).Count(&completed).Error; err != nil {
		return ret, errors.Wrap(err, "counting completed backfill windows")
	}
	if err := db.Model(&database.BackfillItem{}).Where("kind = ?", kind).Count(&items).Error; err != nil {
		return ret, errors.Wrap(err, "counting backfill items")
	}

	ret.Windows = int(windows)
	ret.Completed = int(completed)
	ret.Items = int(items)

	return ret, nil
}
