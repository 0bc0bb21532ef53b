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

// Package watermark persists, per entity kind, the instant up to which the
// remote collection has been fully mirrored
package watermark

import (
	"time"

	"github.com/dnote/mirror/pkg/mirror/database"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

var (
	// ErrMissing is returned when no watermark was ever written for a kind
	ErrMissing = errors.New("watermark missing")
	// ErrCorrupt is returned when the stored watermark cannot be parsed
	ErrCorrupt = errors.New("watermark corrupt")
)

// Store reads and writes watermarks in the system table
type Store struct {
	db *gorm.DB
}

// New returns a watermark store backed by the given database
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx returns a store that reads and writes through the given transaction
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// Key returns the system key holding the watermark of a kind
func Key(kind string) string {
	return database.SystemWatermarkPrefix + kind
}

func format(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Get returns the watermark of the kind
func (s *Store) Get(kind string) (time.Time, error) {
	val, err := database.GetSystem(s.db, Key(kind))
	if errors.Is(err, database.ErrSystemNotFound) {
		return time.Time{}, errors.Wrapf(ErrMissing, "kind %s", kind)
	} else if err != nil {
		return time.Time{}, errors.Wrapf(err, "reading watermark of %s", kind)
	}

	t, err := time.Parse(time.RFC3339Nano, val)
	if err != nil || t.IsZero() {
		return time.Time{}, errors.Wrapf(ErrCorrupt, "kind %s value '%s'", kind, val)
	}

	return t.UTC(), nil
}

// Advance moves the watermark of the kind forward to t. A watermark is never
// moved backward by Advance; the resulting watermark is returned.
func (s *Store) Advance(kind string, t time.Time) (time.Time, error) {
	current, err := s.Get(kind)
	if err == nil && !t.After(current) {
		return current, nil
	}
	if err != nil && !errors.Is(err, ErrMissing) && !errors.Is(err, ErrCorrupt) {
		return time.Time{}, err
	}

	if err := database.UpsertSystem(s.db, Key(kind), format(t)); err != nil {
		return time.Time{}, errors.Wrapf(err, "advancing watermark of %s", kind)
	}

	return t.UTC(), nil
}

// Reset sets the watermark of the kind to t unconditionally. It is used when a
// backfill rebuilds the kind.
func (s *Store) Reset(kind string, t time.Time) error {
	if err := database.UpsertSystem(s.db, Key(kind), format(t)); err != nil {
		return errors.Wrapf(err, "resetting watermark of %s", kind)
	}

	return nil
}

// Clear removes the watermark of the kind so that the next run backfills it
func (s *Store) Clear(kind string) error {
	if err := database.DeleteSystem(s.db, Key(kind)); err != nil {
		return errors.Wrapf(err, "clearing watermark of %s", kind)
	}

	return nil
}
