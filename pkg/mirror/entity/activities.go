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

var activityColumns = []string{
	"account_external_id", "account_id", "event_external_id", "event_id",
	"author", "note", "occurred_at", "local_date",
	"modified_at", "fields", "updated_at",
}

type activities struct {
	Deps
}

func (s *activities) Kind() string {
	return database.KindActivities
}

func (s *activities) mapRecord(rec remote.Record) (database.Activity, error) {
	f := fields(rec.Fields)

	var err error
	ret := database.Activity{
		ExternalID: rec.ExternalID,
		ModifiedAt: rec.ModifiedAt,
		SyncState:  database.SyncState{SyncStatus: database.StatusSynced, RemoteRef: rec.ExternalID},
	}

	if ret.AccountExternalID, err = f.ref("accountId"); err != nil {
		return ret, err
	}
	if ret.EventExternalID, err = f.ref("eventId"); err != nil {
		return ret, err
	}
	if ret.Author, err = f.str("author"); err != nil {
		return ret, err
	}
	if ret.Note, err = f.str("note"); err != nil {
		return ret, err
	}
	if ret.OccurredAt, err = f.instant(s.Normalizer, "occurredAt"); err != nil {
		return ret, err
	}
	if ret.Fields, err = rawFields(rec); err != nil {
		return ret, err
	}

	if ret.OccurredAt != nil {
		ret.LocalDate = s.Normalizer.LocalDate(*ret.OccurredAt)
	}

	return ret, nil
}

func (s *activities) Sync(ctx context.Context, rec remote.Record) error {
	if err := validate(rec); err != nil {
		return mappingError(rec, err)
	}

	row, err := s.mapRecord(rec)
	if err != nil {
		return mappingError(rec, err)
	}

	row.AccountID = s.resolveParent(rec, database.KindAccounts, row.AccountExternalID)
	row.EventID = s.resolveParent(rec, database.KindEvents, row.EventExternalID)

	return s.upsert(ctx, rec, &row, activityColumns)
}
