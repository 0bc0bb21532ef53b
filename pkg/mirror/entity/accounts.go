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

var accountColumns = []string{
	"name", "email", "phone", "retired", "remote_created_at", "modified_at", "fields", "updated_at",
}

type accounts struct {
	Deps
}

func (s *accounts) Kind() string {
	return database.KindAccounts
}

func (s *accounts) mapRecord(rec remote.Record) (database.Account, error) {
	f := fields(rec.Fields)

	var err error
	ret := database.Account{
		ExternalID: rec.ExternalID,
		ModifiedAt: rec.ModifiedAt,
	}

	if ret.Name, err = f.str("name"); err != nil {
		return ret, err
	}
	if ret.Email, err = f.str("email"); err != nil {
		return ret, err
	}
	if ret.Phone, err = f.str("phone"); err != nil {
		return ret, err
	}
	if ret.RemoteCreatedAt, err = f.instant(s.Normalizer, "createdAt"); err != nil {
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

func (s *accounts) Sync(ctx context.Context, rec remote.Record) error {
	if err := validate(rec); err != nil {
		return mappingError(rec, err)
	}

	row, err := s.mapRecord(rec)
	if err != nil {
		return mappingError(rec, err)
	}

	return s.upsert(ctx, rec, &row, accountColumns)
}
