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

// Package lookup resolves external identifiers of already mirrored records to
// local row ids. A Cache lives for exactly one engine run.
package lookup

import (
	"sync"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Presence is the outcome of looking up a record in the local store
type Presence int

const (
	// Unknown means the lookup itself failed and presence could not be determined
	Unknown Presence = iota
	// Confirmed means the record exists locally
	Confirmed
	// NotConfirmed means the record does not exist locally
	NotConfirmed
)

func (p Presence) String() string {
	switch p {
	case Confirmed:
		return "confirmed"
	case NotConfirmed:
		return "not-confirmed"
	default:
		return "unknown"
	}
}

// Cache memoizes external id to local id resolution, per kind
type Cache struct {
	db *gorm.DB

	mu  sync.Mutex
	ids map[string]map[string]int
}

// New returns an empty cache reading from the given database
func New(db *gorm.DB) *Cache {
	return &Cache{
		db:  db,
		ids: map[string]map[string]int{},
	}
}

// Put records the local id of a record. A zero id records the record as absent.
func (c *Cache) Put(kind, externalID string, id int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.ids[kind]
	if !ok {
		m = map[string]int{}
		c.ids[kind] = m
	}
	m[externalID] = id
}

func (c *Cache) get(kind, externalID string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.ids[kind][externalID]
	return id, ok
}

// Len returns the number of cached entries for the kind
func (c *Cache) Len(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.ids[kind])
}

// Resolve returns the local id of the record of the given kind, the table of
// which is named after the kind. The returned error is set only when the
// presence is Unknown.
func (c *Cache) Resolve(kind, externalID string) (int, Presence, error) {
	if externalID == "" {
		return 0, NotConfirmed, nil
	}

	if id, ok := c.get(kind, externalID); ok {
		if id == 0 {
			return 0, NotConfirmed, nil
		}
		return id, Confirmed, nil
	}

	var ids []int
	if err := c.db.Table(kind).Where("external_id = ?", externalID).Limit(1).Pluck("id", &ids).Error; err != nil {
		return 0, Unknown, errors.Wrapf(err, "looking up %s %s", kind, externalID)
	}

	if len(ids) == 0 {
		c.Put(kind, externalID, 0)
		return 0, NotConfirmed, nil
	}

	c.Put(kind, externalID, ids[0])

	return ids[0], Confirmed, nil
}
