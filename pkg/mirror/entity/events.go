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
	"context"

	"github.com/dnote/mirror/pkg/mirror/database"
	"github.com/dnote/mirror/pkg/mirror/remote"
)

var eventColumns = []string{
	"account_external_id", "account_id", "resource_external_id", "resource_id",
	"title", "status", "start_at", "end_at", "local_date",
	"retired", "modified_at", "fields", "updated_at",
}

type events struct {
	Deps
}

func (s *events) Kind() string {
	return database.KindEvents
}

func (s *events) mapRecord(rec remote.Record) (database.Event, error) {
	f := fields(rec.Fields)

	var err error
	ret := database.Event{
		ExternalID: rec.ExternalID,
		ModifiedAt: rec.ModifiedAt,
		SyncState:  database.SyncState{SyncStatus: database.StatusSynced, RemoteRef: rec.ExternalID},
	}

	if ret.AccountExternalID, err = f.ref("accountId"); err != nil {
		return ret, err
	}
	if ret.ResourceExternalID, err = f.ref("resourceId"); err != nil {
		return ret, err
	}
	if ret.Title, err = f.str("title"); err != nil {
		return ret, err
	}
	if ret.Status, err = f.str("status"); err != nil {
		return ret, err
	}
	if ret.StartAt, err = f.instant(s.Normalizer, "startAt"); err != nil {
		return ret, err
	}
	if ret.EndAt, err = f.instant(s.Normalizer, "endAt"); err != nil {
		return ret, err
	}
	if ret.Retired, err = f.retired(); err != nil {
		return ret, err
	}
	if ret.Fields, err = rawFields(rec); err != nil {
		return ret, err
	}

	if ret.StartAt != nil {
		ret.LocalDate = s.Normalizer.LocalDate(*ret.StartAt)
	}

	return ret, nil
}

// Sync upserts the event. The sync state columns are written only when the row
// is created.
func (s *events) Sync(ctx context.Context, rec remote.Record) error {
	if err := validate(rec); err != nil {
		return mappingError(rec, err)
	}

	row, err := s.mapRecord(rec)
	if err != nil {
		return mappingError(rec, err)
	}

	row.AccountID = s.resolveParent(rec, database.KindAccounts, row.AccountExternalID)
	row.ResourceID = s.resolveParent(rec, database.KindResources, row.ResourceExternalID)

	return s.upsert(ctx, rec, &row, eventColumns)
}
