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

package database

const (
	// KindAccounts is the entity kind for accounts
	KindAccounts = "accounts"
	// KindResources is the entity kind for resources
	KindResources = "resources"
	// KindEvents is the entity kind for scheduled events
	KindEvents = "events"
	// KindActivities is the entity kind for activity-log entries
	KindActivities = "activities"
)

// Kinds lists every entity kind with parents before children
var Kinds = []string{KindAccounts, KindResources, KindEvents, KindActivities}

const (
	// StatusPending marks a locally created record that was never pushed
	StatusPending = "pending"
	// StatusSynced marks a record that matches the remote system
	StatusSynced = "synced"
	// StatusModified marks a record with local changes waiting to be pushed
	StatusModified = "modified"
	// StatusError marks a record whose last push failed
	StatusError = "error"
)

const (
	// SystemAccessToken is the key for the bearer credential
	SystemAccessToken = "access_token"
	// SystemRefreshToken is the key for the refresh token
	SystemRefreshToken = "refresh_token"
	// SystemAccessTokenExpiry is the unix timestamp at which the access token expires
	SystemAccessTokenExpiry = "access_token_expiry"
	// SystemLastRunAt is the timestamp of the last completed engine run
	SystemLastRunAt = "last_run_at"
	// SystemWatermarkPrefix prefixes the per-kind watermark keys
	SystemWatermarkPrefix = "watermark_"
)

// IsMutableKind tells if records of the kind can be pushed back to the remote system
func IsMutableKind(kind string) bool {
	return kind == KindEvents || kind == KindActivities
}

// IsKnownKind tells if the given kind is one the engine can synchronize
func IsKnownKind(kind string) bool {
	for _, k := range Kinds {
		if k == kind {
			return true
		}
	}

	return false
}
