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

var resourceColumns = []string{
	"account_external_id", "account_id", "name", "address", "city", "postal_code",
	"retired", "modified_at", "fields", "updated_at",
}

type resources struct {
	Deps
}

func (s *resources) Kind() string {
	return database.KindResources
}

func (s *resources) mapRecord(rec remote.Record) (database.Resource, error) {
	f := fields(rec.Fields)

	var err error
	ret := database.Resource{
		ExternalID: rec.ExternalID,
		ModifiedAt: rec.ModifiedAt,
	}

	if ret.AccountExternalID, err = f.ref("accountId"); err != nil {
		return ret, err
	}
	if ret.Name, err = f.str("name"); err != nil {
		return ret, err
	}
	if ret.Address, err = f.str("address"); err != nil {
		return ret, err
	}
	if ret.City, err = f.str("city"); err != nil {
		return ret, err
	}
	if ret.PostalCode, err = f.str("postalCode"); err != nil {
		return ret, err
	}
	if ret.Retired, err = f.retired(); err != nil {
		return ret, err
	}
	if ret.Fields, err = rawFields(rec); err != nil {
		return ret, err
	}

	return ret, nil
}

func (s *resources) Sync(ctx context.Context, rec remote.Record) error {
	if err := validate(rec); err != nil {
		return mappingError(rec, err)
	}

	row, err := s.mapRecord(rec)
	if err != nil {
		return mappingError(rec, err)
	}

	row.AccountID = s.resolveParent(rec, database.KindAccounts, row.AccountExternalID)

	return s.upsert(ctx, rec, &row, resourceColumns)
}
