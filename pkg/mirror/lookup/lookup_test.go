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

package lookup

import (
	"testing"

	"github.com/dnote/mirror/pkg/assert"
	"github.com/dnote/mirror/pkg/mirror/database"
	"github.com/dnote/mirror/pkg/mirror/testutils"
)

func TestResolve(t *testing.T) {
	db := testutils.InitMemoryDB(t)
	account := database.Account{ExternalID: "acc-1", Name: "Acme"}
	testutils.MustExec(t, db.Create(&account), "preparing account")

	c := New(db)

	id, presence, err := c.Resolve(database.KindAccounts, "acc-1")
	assert.NoError(t, err, "resolving existing account")
	assert.Equal(t, presence, Confirmed, "presence mismatch")
	assert.Equal(t, id, account.ID, "id mismatch")
	assert.Equal(t, c.Len(database.KindAccounts), 1, "resolved id should be cached")

	_, presence, err = c.Resolve(database.KindAccounts, "acc-404")
	assert.NoError(t, err, "resolving missing account")
	assert.Equal(t, presence, NotConfirmed, "missing presence mismatch")

	_, presence, _ = c.Resolve(database.KindAccounts, "")
	assert.Equal(t, presence, NotConfirmed, "empty id presence mismatch")
}

func TestResolveAfterPut(t *testing.T) {
	db := testutils.InitMemoryDB(t)
	c := New(db)

	_, presence, _ := c.Resolve(database.KindResources, "res-1")
	assert.Equal(t, presence, NotConfirmed, "presence before put mismatch")

	c.Put(database.KindResources, "res-1", 7)

	id, presence, err := c.Resolve(database.KindResources, "res-1")
	assert.NoError(t, err, "resolving after put")
	assert.Equal(t, presence, Confirmed, "presence after put mismatch")
	assert.Equal(t, id, 7, "id after put mismatch")
}

func TestResolveUnknown(t *testing.T) {
	c := New(testutils.InitMemoryDB(t))

	_, presence, err := c.Resolve("no_such_table", "x")
	assert.Equal(t, presence, Unknown, "failed lookup should be unknown")
	assert.NotEqual(t, err, nil, "failed lookup should return the cause")
}

func TestPresenceString(t *testing.T) {
	assert.Equal(t, Confirmed.String(), "confirmed", "confirmed string mismatch")
	assert.Equal(t, NotConfirmed.String(), "not-confirmed", "not-confirmed string mismatch")
	assert.Equal(t, Unknown.String(), "unknown", "unknown string mismatch")
}
