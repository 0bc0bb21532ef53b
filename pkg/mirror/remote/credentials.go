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

package remote

import (
	"strconv"
	"sync"
	"time"

	"github.com/dnote/mirror/pkg/mirror/database"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Credentials are the bearer and refresh tokens used against the remote API
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// CredentialStore persists credentials across runs
type CredentialStore interface {
	Load() (Credentials, error)
	Save(Credentials) error
}

// DBCredentialStore keeps credentials in the system table of the local store
type DBCredentialStore struct {
	db *gorm.DB
}

// NewDBCredentialStore returns a credential store backed by the given database
func NewDBCredentialStore(db *gorm.DB) *DBCredentialStore {
	return &DBCredentialStore{db: db}
}

func getOptional(db *gorm.DB, key string) (string, error) {
	val, err := database.GetSystem(db, key)
	if errors.Is(err, database.ErrSystemNotFound) {
		return "", nil
	}

	return val, err
}

// Load reads the stored credentials. Missing keys result in empty values.
func (s *DBCredentialStore) Load() (Credentials, error) {
	var ret Credentials

	access, err := getOptional(s.db, database.SystemAccessToken)
	if err != nil {
		return ret, errors.Wrap(err, "reading access token")
	}
	refresh, err := getOptional(s.db, database.SystemRefreshToken)
	if err != nil {
		return ret, errors.Wrap(err, "reading refresh token")
	}
	expiry, err := getOptional(s.db, database.SystemAccessTokenExpiry)
	if err != nil {
		return ret, errors.Wrap(err, "reading access token expiry")
	}

	ret.AccessToken = access
	ret.RefreshToken = refresh
	if expiry != "" {
		sec, err := strconv.ParseInt(expiry, 10, 64)
		if err != nil {
			return ret, errors.Wrapf(err, "parsing access token expiry '%s'", expiry)
		}
		ret.ExpiresAt = time.Unix(sec, 0).UTC()
	}

	return ret, nil
}

// Save stores the credentials
func (s *DBCredentialStore) Save(c Credentials) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := database.UpsertSystem(tx, database.SystemAccessToken, c.AccessToken); err != nil {
			return err
		}
		if err := database.UpsertSystem(tx, database.SystemRefreshToken, c.RefreshToken); err != nil {
			return err
		}

		var expiry string
		if !c.ExpiresAt.IsZero() {
			expiry = strconv.FormatInt(c.ExpiresAt.Unix(), 10)
		}

		return database.UpsertSystem(tx, database.SystemAccessTokenExpiry, expiry)
	})
}

// MemoryCredentialStore keeps credentials in memory for the lifetime of the process
type MemoryCredentialStore struct {
	mu    sync.Mutex
	creds Credentials
}

// NewMemoryCredentialStore returns a store seeded with the given credentials
func NewMemoryCredentialStore(c Credentials) *MemoryCredentialStore {
	return &MemoryCredentialStore{creds: c}
}

// Load returns the current credentials
func (s *MemoryCredentialStore) Load() (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.creds, nil
}

// Save replaces the current credentials
func (s *MemoryCredentialStore) Save(c Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.creds = c

	return nil
}
