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

// Package engine runs the pull side of the mirror: every configured kind, in
// dependency order, incrementally from its watermark or through a backfill
// when there is no usable watermark.
package engine

import (
	"context"
	"time"

	"github.com/dnote/mirror/pkg/clock"
	"github.com/dnote/mirror/pkg/mirror/backfill"
	"github.com/dnote/mirror/pkg/mirror/database"
	"github.com/dnote/mirror/pkg/mirror/entity"
	"github.com/dnote/mirror/pkg/mirror/incremental"
	"github.com/dnote/mirror/pkg/mirror/log"
	"github.com/dnote/mirror/pkg/mirror/lookup"
	"github.com/dnote/mirror/pkg/mirror/remote"
	"github.com/dnote/mirror/pkg/mirror/retry"
	"github.com/dnote/mirror/pkg/mirror/timezone"
	"github.com/dnote/mirror/pkg/mirror/watermark"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Mode is the way a kind was synchronized
type Mode string

const (
	// ModeIncremental pages from the newest record down to the watermark
	ModeIncremental Mode = "incremental"
	// ModeBackfill rebuilds the kind window by window
	ModeBackfill Mode = "backfill"
)

// Kind is a kind to synchronize with its remote query
type Kind struct {
	Name  string
	Query remote.Query
}

// Params configures an Engine
type Params struct {
	DB         *gorm.DB
	Fetcher    incremental.Fetcher
	Normalizer *timezone.Normalizer
	Clock      clock.Clock
	// Retryer retries transient page fetch failures
	Retryer *retry.Retryer
	// Margin is subtracted from the watermark to absorb clock skew and late writes
	Margin time.Duration
	// Kinds are synchronized in the given order
	Kinds          []Kind
	BackfillStart  time.Time
	BackfillWindow backfill.Granularity
}

// Options select what a run does
type Options struct {
	// Kinds limits the run to the named kinds. Empty runs every kind.
	Kinds []string
	// Full backfills the selected kinds even if they have a watermark
	Full bool
	// Restart discards the progress of an interrupted backfill before backfilling
	Restart bool
}

// KindSummary is the outcome of one kind
type KindSummary struct {
	Kind      string
	Mode      Mode
	Synced    int
	Errors    int
	Watermark *time.Time
	// Err is the failure that aborted the kind
	Err error
}

// Summary is the outcome of a run
type Summary struct {
	Kinds      []KindSummary
	StartedAt  time.Time
	FinishedAt time.Time
}

// Failed tells if any kind was aborted
func (s Summary) Failed() bool {
	for _, k := range s.Kinds {
		if k.Err != nil {
			return true
		}
	}

	return false
}

// Engine synchronizes the configured kinds
type Engine struct {
	db         *gorm.DB
	normalizer *timezone.Normalizer
	clock      clock.Clock
	strategy   *incremental.Strategy
	backfill   *backfill.Orchestrator
	watermarks *watermark.Store
	kinds      []Kind
}

// New returns an engine
func New(p Params) (*Engine, error) {
	if p.DB == nil || p.Fetcher == nil || p.Normalizer == nil {
		return nil, errors.New("database, fetcher and normalizer are required")
	}
	if len(p.Kinds) == 0 {
		return nil, errors.New("no kinds to synchronize")
	}
	for _, k := range p.Kinds {
		if !database.IsKnownKind(k.Name) {
			return nil, errors.Errorf("unknown kind '%s'", k.Name)
		}
		if k.Query.Sort.Direction != remote.SortDesc {
			return nil, errors.Errorf("query of %s must sort newest first", k.Name)
		}
	}

	c := p.Clock
	if c == nil {
		c = clock.New()
	}

	orch, err := backfill.New(backfill.Params{
		DB:          p.DB,
		Fetcher:     p.Fetcher,
		Retryer:     p.Retryer,
		Normalizer:  p.Normalizer,
		Clock:       c,
		Start:       p.BackfillStart,
		Granularity: p.BackfillWindow,
	})
	if err != nil {
		return nil, errors.Wrap(err, "initializing backfill")
	}

	return &Engine{
		db:         p.DB,
		normalizer: p.Normalizer,
		clock:      c,
		strategy:   incremental.New(p.Fetcher, p.Margin, p.Retryer),
		backfill:   orch,
		watermarks: watermark.New(p.DB),
		kinds:      p.Kinds,
	}, nil
}

func (e *Engine) selectKinds(names []string) ([]Kind, error) {
	if len(names) == 0 {
		return e.kinds, nil
	}

	configured := map[string]bool{}
	for _, k := range e.kinds {
		configured[k.Name] = true
	}

	wanted := map[string]bool{}
	for _, n := range names {
		if !configured[n] {
			return nil, errors.Errorf("kind '%s' is not configured", n)
		}
		wanted[n] = true
	}

	var ret []Kind
	for _, k := range e.kinds {
		if wanted[k.Name] {
			ret = append(ret, k)
		}
	}

	return ret, nil
}

// Run synchronizes the selected kinds in order. A failure of one kind is
// recorded in its summary and the run continues with the next kind.
func (e *Engine) Run(ctx context.Context, opts Options) (Summary, error) {
	kinds, err := e.selectKinds(opts.Kinds)
	if err != nil {
		return Summary{}, err
	}

	ret := Summary{StartedAt: e.clock.Now().UTC()}
	cache := lookup.New(e.db)

	for _, k := range kinds {
		sum := e.runKind(ctx, cache, k, opts)
		ret.Kinds = append(ret.Kinds, sum)

		fields := log.Fields{
			"kind":   sum.Kind,
			"mode":   sum.Mode,
			"synced": sum.Synced,
			"errors": sum.Errors,
		}
		if sum.Watermark != nil {
			fields["watermark"] = e.normalizer.FormatRemote(*sum.Watermark)
		}
		if sum.Err != nil {
			fields["error"] = sum.Err
			log.WithFields(fields).Error("kind aborted")
		} else {
			log.WithFields(fields).Info("kind synchronized")
		}
	}

	ret.FinishedAt = e.clock.Now().UTC()
	if err := database.UpsertSystem(e.db.WithContext(ctx), database.SystemLastRunAt, e.normalizer.FormatRemote(ret.FinishedAt)); err != nil {
		return ret, errors.Wrap(err, "recording run time")
	}

	return ret, nil
}

func (e *Engine) mode(ctx context.Context, kind string, full bool) (Mode, error) {
	if full {
		return ModeBackfill, nil
	}

	_, err := e.watermarks.Get(kind)
	if errors.Is(err, watermark.ErrMissing) || errors.Is(err, watermark.ErrCorrupt) {
		log.WithFields(log.Fields{
			"kind":  kind,
			"error": err,
		}).Warn("no usable watermark, backfilling")
		return ModeBackfill, nil
	} else if err != nil {
		return "", err
	}

	p, err := backfill.LoadProgress(e.db.WithContext(ctx), kind)
	if err != nil {
		return "", err
	}
	if p.Windows > 0 {
		return ModeBackfill, nil
	}

	return ModeIncremental, nil
}

func (e *Engine) runKind(ctx context.Context, cache *lookup.Cache, k Kind, opts Options) KindSummary {
	ret := KindSummary{Kind: k.Name}

	fail := func(err error) KindSummary {
		ret.Err = err
		if wm, getErr := e.watermarks.Get(k.Name); getErr == nil {
			ret.Watermark = &wm
		}
		return ret
	}

	s, err := entity.New(k.Name, entity.Deps{DB: e.db, Normalizer: e.normalizer, Cache: cache})
	if err != nil {
		return fail(err)
	}

	mode, err := e.mode(ctx, k.Name, opts.Full)
	if err != nil {
		return fail(err)
	}
	ret.Mode = mode

	q := k.Query
	q.Kind = k.Name
	t := &tracker{kind: k.Name, sync: s, abortOnTransient: mode == ModeBackfill}

	if mode == ModeBackfill {
		if opts.Restart {
			if err := e.backfill.Restart(ctx, k.Name); err != nil {
				return fail(err)
			}
		}

		res, err := e.backfill.Run(ctx, q, t.handle)
		ret.Synced, ret.Errors = t.synced, t.errors
		if err != nil {
			return fail(err)
		}
		ret.Watermark = &res.Watermark

		return ret
	}

	current, err := e.watermarks.Get(k.Name)
	if err != nil {
		return fail(err)
	}

	_, err = e.strategy.Run(ctx, q, current, t.handle)
	ret.Synced, ret.Errors = t.synced, t.errors
	if err != nil {
		return fail(err)
	}

	next := current
	if target, ok := t.target(); ok {
		next, err = e.watermarks.Advance(k.Name, target)
		if err != nil {
			return fail(err)
		}
	}
	ret.Watermark = &next

	return ret
}
