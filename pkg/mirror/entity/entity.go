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

// Package entity maps raw remote records to local rows and upserts them by
// external id. There is one synchronizer per entity kind.
package entity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dnote/mirror/pkg/mirror/database"
	"github.com/dnote/mirror/pkg/mirror/log"
	"github.com/dnote/mirror/pkg/mirror/lookup"
	"github.com/dnote/mirror/pkg/mirror/remote"
	"github.com/dnote/mirror/pkg/mirror/timezone"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SyncError is the failure to persist one record
type SyncError struct {
	Kind       string
	ExternalID string
	// Permanent is set when the record cannot be mapped, or when the write was
	// rejected for a reason other than contention. Processing it again will
	// fail the same way.
	Permanent bool
	Err       error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("syncing %s %s: %v", e.Kind, e.ExternalID, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// IsPermanent tells if err is a SyncError for a record that can never be stored
func IsPermanent(err error) bool {
	var e *SyncError
	return errors.As(err, &e) && e.Permanent
}

// Synchronizer persists raw remote records of one kind
type Synchronizer interface {
	Kind() string
	Sync(ctx context.Context, rec remote.Record) error
}

// Deps are the collaborators shared by every synchronizer of a run
type Deps struct {
	DB         *gorm.DB
	Normalizer *timezone.Normalizer
	Cache      *lookup.Cache
}

// New returns the synchronizer for the given kind
func New(kind string, deps Deps) (Synchronizer, error) {
	if deps.DB == nil || deps.Normalizer == nil || deps.Cache == nil {
		return nil, errors.New("synchronizer dependencies are incomplete")
	}

	switch kind {
	case database.KindAccounts:
		return &accounts{deps}, nil
	case database.KindResources:
		return &resources{deps}, nil
	case database.KindEvents:
		return &events{deps}, nil
	case database.KindActivities:
		return &activities{deps}, nil
	default:
		return nil, errors.Errorf("no synchronizer for kind '%s'", kind)
	}
}

func mappingError(rec remote.Record, err error) error {
	return &SyncError{Kind: rec.Kind, ExternalID: rec.ExternalID, Permanent: true, Err: err}
}

func writeError(rec remote.Record, err error) error {
	return &SyncError{Kind: rec.Kind, ExternalID: rec.ExternalID, Permanent: !database.IsTransientWriteError(err), Err: err}
}

func rawFields(rec remote.Record) (string, error) {
	b, err := json.Marshal(rec.Fields)
	if err != nil {
		return "", errors.Wrap(err, "serializing raw fields")
	}

	return string(b), nil
}

// resolveParent looks up a parent record. A missing or unresolvable parent is
// not fatal: the caller stores the reference value without a local id.
func (d Deps) resolveParent(rec remote.Record, parentKind, parentExternalID string) *int {
	if parentExternalID == "" {
		return nil
	}

	id, presence, err := d.Cache.Resolve(parentKind, parentExternalID)
	switch presence {
	case lookup.Confirmed:
		return &id
	case lookup.NotConfirmed:
		log.WithFields(log.Fields{
			"kind":        rec.Kind,
			"external_id": rec.ExternalID,
			"parent_kind": parentKind,
			"parent_id":   parentExternalID,
		}).Warn("parent not mirrored yet, storing reference only")
	default:
		log.WithFields(log.Fields{
			"kind":        rec.Kind,
			"external_id": rec.ExternalID,
			"parent_kind": parentKind,
			"parent_id":   parentExternalID,
			"error":       err,
		}).Warn("parent lookup failed, storing reference only")
	}

	return nil
}

// upsert inserts the row, or updates the given columns of the row with the
// same external id, and caches the resulting local id
func (d Deps) upsert(ctx context.Context, rec remote.Record, model interface{}, columns []string) error {
	db := d.DB.WithContext(ctx)

	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(model).Error; err != nil {
		return writeError(rec, errors.Wrap(err, "upserting"))
	}

	var ids []int
	if err := db.Table(rec.Kind).Where("external_id = ?", rec.ExternalID).Limit(1).Pluck("id", &ids).Error; err != nil {
		return writeError(rec, errors.Wrap(err, "reading upserted id"))
	}
	if len(ids) > 0 {
		d.Cache.Put(rec.Kind, rec.ExternalID, ids[0])
	}

	return nil
}
