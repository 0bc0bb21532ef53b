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

import (
	"time"
)

// Model is the base model definition
type Model struct {
	ID        int       `gorm:"primaryKey" json:"-"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// SyncState tracks the push-back lifecycle of a locally mutable record.
// Only the push service writes these columns, except for the initial status
// of rows created by a pull.
type SyncState struct {
	SyncStatus     string     `json:"sync_status" gorm:"index;type:text"`
	RemoteRef      string     `json:"remote_ref" gorm:"type:text"`
	PendingPayload string     `json:"-" gorm:"type:text"`
	MutationID     string     `json:"-" gorm:"index;type:text"`
	AttemptCount   int        `json:"attempt_count" gorm:"default:0"`
	LastError      string     `json:"last_error" gorm:"type:text"`
	LastAttemptAt  *time.Time `json:"last_attempt_at"`
}

// Account is a customer account mirrored from the remote system
type Account struct {
	Model
	ExternalID      string     `json:"external_id" gorm:"uniqueIndex;type:text"`
	Name            string     `json:"name"`
	Email           string     `json:"email"`
	Phone           string     `json:"phone"`
	Retired         bool       `json:"retired"`
	RemoteCreatedAt *time.Time `json:"remote_created_at"`
	ModifiedAt      *time.Time `json:"modified_at" gorm:"index"`
	Fields          string     `json:"-" gorm:"type:text"`
}

// Resource is a sub-resource of an account, such as a site or a piece of equipment
type Resource struct {
	Model
	ExternalID        string     `json:"external_id" gorm:"uniqueIndex;type:text"`
	AccountExternalID string     `json:"account_external_id" gorm:"index;type:text"`
	AccountID         *int       `json:"account_id" gorm:"index"`
	Name              string     `json:"name"`
	Address           string     `json:"address"`
	City              string     `json:"city"`
	PostalCode        string     `json:"postal_code"`
	Retired           bool       `json:"retired"`
	ModifiedAt        *time.Time `json:"modified_at" gorm:"index"`
	Fields            string     `json:"-" gorm:"type:text"`
}

// Event is a scheduled event for an account and one of its resources
type Event struct {
	Model
	ExternalID         string     `json:"external_id" gorm:"uniqueIndex;type:text"`
	AccountExternalID  string     `json:"account_external_id" gorm:"index;type:text"`
	AccountID          *int       `json:"account_id" gorm:"index"`
	ResourceExternalID string     `json:"resource_external_id" gorm:"index;type:text"`
	ResourceID         *int       `json:"resource_id" gorm:"index"`
	Title              string     `json:"title"`
	Status             string     `json:"status"`
	StartAt            *time.Time `json:"start_at"`
	EndAt              *time.Time `json:"end_at"`
	LocalDate          string     `json:"local_date" gorm:"index"`
	Retired            bool       `json:"retired"`
	ModifiedAt         *time.Time `json:"modified_at" gorm:"index"`
	Fields             string     `json:"-" gorm:"type:text"`
	SyncState
}

// Activity is an activity-log entry recorded against an event
type Activity struct {
	Model
	ExternalID        string     `json:"external_id" gorm:"uniqueIndex;type:text"`
	AccountExternalID string     `json:"account_external_id" gorm:"index;type:text"`
	AccountID         *int       `json:"account_id" gorm:"index"`
	EventExternalID   string     `json:"event_external_id" gorm:"index;type:text"`
	EventID           *int       `json:"event_id" gorm:"index"`
	Author            string     `json:"author"`
	Note              string     `json:"note"`
	OccurredAt        *time.Time `json:"occurred_at"`
	LocalDate         string     `json:"local_date" gorm:"index"`
	ModifiedAt        *time.Time `json:"modified_at" gorm:"index"`
	Fields            string     `json:"-" gorm:"type:text"`
	SyncState
}

// Measurement is a derived record written after an activity is pushed
type Measurement struct {
	Model
	ActivityExternalID string     `json:"activity_external_id" gorm:"uniqueIndex;type:text"`
	RemoteRef          string     `json:"remote_ref" gorm:"type:text"`
	Value              float64    `json:"value"`
	Unit               string     `json:"unit"`
	RecordedAt         *time.Time `json:"recorded_at"`
}

// System is a key/value row holding engine state such as watermarks and credentials
type System struct {
	Key       string `gorm:"primaryKey;type:text"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

// TableName overrides the pluralized default
func (System) TableName() string {
	return "system"
}

// BackfillWindow is the progress of one time window of a backfill
type BackfillWindow struct {
	Model
	Kind        string     `gorm:"uniqueIndex:idx_backfill_windows_kind_start;type:text"`
	WindowStart time.Time  `gorm:"uniqueIndex:idx_backfill_windows_kind_start"`
	WindowEnd   time.Time
	Cursor      string     `gorm:"type:text"`
	Completed   bool       `gorm:"default:false"`
	MaxModified *time.Time
}

// BackfillItem marks a record as processed by an in-progress backfill
type BackfillItem struct {
	Model
	Kind        string    `gorm:"uniqueIndex:idx_backfill_items_kind_external_id;type:text"`
	ExternalID  string    `gorm:"uniqueIndex:idx_backfill_items_kind_external_id;type:text"`
	WindowStart time.Time `gorm:"index"`
	// ModifiedAt is the modification time of the handled version
	ModifiedAt *time.Time
}
